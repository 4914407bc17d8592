package candlestore

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"momentumd/internal/model"
)

func testStore() *Store {
	return New(zap.NewNop())
}

func candleAt(tsMs int64) model.Candle {
	return model.Candle{TimestampMs: tsMs, Open: 1, High: 2, Low: 1, Close: 1.5, Volume: 10}
}

func TestPutDedupAndOrder(t *testing.T) {
	s := testStore()
	tf := model.TF1

	s.Put(model.BinanceSpot, "BTC", tf, []model.Candle{
		candleAt(1000 * 60), candleAt(1000 * 60 * 2), candleAt(1000 * 60 * 3),
	}, 9999)
	// Overlapping re-insert with a duplicate timestamp must not double the count.
	s.Put(model.BinanceSpot, "BTC", tf, []model.Candle{
		candleAt(1000 * 60 * 3), candleAt(1000 * 60 * 4),
	}, 10000)

	v := s.Get(model.BinanceSpot, "BTC", tf)
	require.Len(t, v.Candles, 4)
	for i := 1; i < len(v.Candles); i++ {
		require.Greater(t, v.Candles[i-1].TimestampMs, v.Candles[i].TimestampMs)
	}
}

func TestPutTruncatesToCap(t *testing.T) {
	s := testStore()
	tf := model.TF1

	var cs []model.Candle
	for i := 0; i < MaxCandles+50; i++ {
		cs = append(cs, candleAt(int64(i)*60_000))
	}
	s.Put(model.BinanceSpot, "ETH", tf, cs, 1)

	require.Equal(t, MaxCandles, s.Len(model.BinanceSpot, "ETH", tf))
}

func TestAppend1mDropsStaleHead(t *testing.T) {
	s := testStore()
	s.Append1m(model.BinanceSpot, "SOL", candleAt(120_000), 1)
	ok := s.Append1m(model.BinanceSpot, "SOL", candleAt(60_000), 2)
	require.False(t, ok, "older-or-equal candle must be dropped")
	require.Equal(t, 1, s.Len(model.BinanceSpot, "SOL", model.TF1))

	ok = s.Append1m(model.BinanceSpot, "SOL", candleAt(180_000), 3)
	require.True(t, ok)
	require.Equal(t, 2, s.Len(model.BinanceSpot, "SOL", model.TF1))
}

func TestFreshnessMissing(t *testing.T) {
	s := testStore()
	r := s.Freshness(model.BinanceSpot, "XRP", model.TF1, 1_000_000)
	require.Equal(t, model.Missing, r.State)
	require.Equal(t, MinCandlesForMomentum+2, r.NeededCount)
}

func TestFreshnessStaleBelowMinimum(t *testing.T) {
	s := testStore()
	s.Put(model.BinanceSpot, "XRP", model.TF1, []model.Candle{candleAt(60_000)}, 1)
	r := s.Freshness(model.BinanceSpot, "XRP", model.TF1, 1_000_000)
	require.Equal(t, model.Stale, r.State)
	require.Equal(t, MinCandlesForMomentum-1+r.CandlesBehind+2, r.NeededCount)
}

func TestFreshnessFreshAtExactBoundary(t *testing.T) {
	s := testStore()
	tf := model.TF5
	tfMs := tf.Millis()
	now := int64(1_000) * tfMs
	latestCompletedBarStart := now - tfMs

	var cs []model.Candle
	for i := 0; i < MinCandlesForMomentum; i++ {
		cs = append(cs, candleAt(latestCompletedBarStart-int64(i)*tfMs))
	}
	s.Put(model.UpbitSpot, "BTC", tf, cs, now)

	r := s.Freshness(model.UpbitSpot, "BTC", tf, now)
	require.Equal(t, model.Fresh, r.State)
}

func TestFreshnessNeverRegressesFromFreshForSameClock(t *testing.T) {
	// P3: after put() with strictly newer candles, freshness moves toward
	// Fresh and never flips Fresh -> Stale for the same nowMs.
	s := testStore()
	tf := model.TF1
	tfMs := tf.Millis()
	now := int64(10_000) * tfMs
	latestCompletedBarStart := now - tfMs

	var cs []model.Candle
	for i := 0; i < MinCandlesForMomentum; i++ {
		cs = append(cs, candleAt(latestCompletedBarStart-int64(i)*tfMs))
	}
	s.Put(model.OKXSpot, "ETH", tf, cs, now)
	r1 := s.Freshness(model.OKXSpot, "ETH", tf, now)
	require.Equal(t, model.Fresh, r1.State)

	// Adding an even newer candle must keep it Fresh at the same clock.
	s.Put(model.OKXSpot, "ETH", tf, []model.Candle{candleAt(latestCompletedBarStart)}, now)
	r2 := s.Freshness(model.OKXSpot, "ETH", tf, now)
	require.Equal(t, model.Fresh, r2.State)
}

func TestInvalidateClearsSeries(t *testing.T) {
	s := testStore()
	s.Put(model.BinanceSpot, "DOGE", model.TF1, []model.Candle{candleAt(60_000)}, 1)
	require.Equal(t, 1, s.Len(model.BinanceSpot, "DOGE", model.TF1))

	s.Invalidate(model.BinanceSpot, "DOGE", model.TF1)
	require.Equal(t, 0, s.Len(model.BinanceSpot, "DOGE", model.TF1))
}
