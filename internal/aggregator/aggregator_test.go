package aggregator

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"momentumd/internal/candlestore"
	"momentumd/internal/model"
)

func TestOnTickerBuildsCandleWithinBucket(t *testing.T) {
	store := candlestore.New(zap.NewNop())
	a := New(store, nil, zap.NewNop())

	a.OnTicker(model.BinanceSpot, "BTC", 100, 1, 1_000)
	a.OnTicker(model.BinanceSpot, "BTC", 105, 2, 2_000)
	a.OnTicker(model.BinanceSpot, "BTC", 95, 3, 30_000)

	f, ok := a.Forming(model.BinanceSpot, "BTC")
	require.True(t, ok)
	require.Equal(t, 100.0, f.Open)
	require.Equal(t, 105.0, f.High)
	require.Equal(t, 95.0, f.Low)
	require.Equal(t, 95.0, f.Close)
	require.Equal(t, 6.0, f.Volume)
}

func TestOnTickerClosesBarOnBucketRollover(t *testing.T) {
	store := candlestore.New(zap.NewNop())
	var closed []model.Candle
	a := New(store, func(ex model.ExchangeKind, symbol string, c model.Candle) {
		closed = append(closed, c)
	}, zap.NewNop())

	a.OnTicker(model.OKXSpot, "ETH", 10, 1, 1_000)
	a.OnTicker(model.OKXSpot, "ETH", 20, 1, 59_000)
	a.OnTicker(model.OKXSpot, "ETH", 30, 1, 61_000) // rolls into the next minute bucket

	require.Len(t, closed, 1)
	require.Equal(t, 10.0, closed[0].Open)
	require.Equal(t, 20.0, closed[0].Close)
	require.Equal(t, 1, store.Len(model.OKXSpot, "ETH", model.TF1))

	f, ok := a.Forming(model.OKXSpot, "ETH")
	require.True(t, ok)
	require.Equal(t, 30.0, f.Open)
}

func TestSynthesizeHigherTFGroupsByBucket(t *testing.T) {
	var oneMin []model.Candle
	for i := int64(0); i < 15; i++ {
		oneMin = append(oneMin, model.Candle{
			TimestampMs: i * 60_000,
			Open:        float64(i),
			High:        float64(i) + 1,
			Low:         float64(i) - 1,
			Close:       float64(i) + 0.5,
			Volume:      1,
		})
	}

	out := SynthesizeHigherTF(oneMin, model.TF5)
	require.Len(t, out, 3)
	require.Equal(t, oneMin[0].Open, out[0].Open)
	require.Equal(t, oneMin[4].Close, out[0].Close)
	require.Equal(t, 5.0, out[0].Volume)
}

func TestSynthesizeHigherTFEmptyInput(t *testing.T) {
	require.Nil(t, SynthesizeHigherTF(nil, model.TF15))
}
