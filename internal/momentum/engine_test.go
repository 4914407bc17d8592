package momentum

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"momentumd/internal/candlestore"
	"momentumd/internal/model"
)

func viewOf(backfilled bool, n int, highFn, lowFn func(i int) float64) candlestore.View {
	cs := make([]model.Candle, n)
	for i := 0; i < n; i++ {
		cs[i] = model.Candle{
			TimestampMs: int64(n-i) * 60_000,
			High:        highFn(i),
			Low:         lowFn(i),
			Open:        lowFn(i),
			Close:       lowFn(i),
		}
	}
	return candlestore.View{Candles: cs, Backfilled: backfilled}
}

func TestComputeNotAttempted(t *testing.T) {
	v := viewOf(false, 0, func(i int) float64 { return 1 }, func(i int) float64 { return 1 })
	m := Compute(v)
	require.Equal(t, model.NotAttempted, m.State)
}

func TestComputeInsufficientAt359(t *testing.T) {
	v := viewOf(true, Window-1, func(i int) float64 { return float64(i) }, func(i int) float64 { return float64(i) })
	m := Compute(v)
	require.Equal(t, model.Insufficient, m.State)
}

func TestComputeAt360AllFlatGivesZero(t *testing.T) {
	v := viewOf(true, Window, func(i int) float64 { return 100 }, func(i int) float64 { return 50 })
	m := Compute(v)
	require.Equal(t, model.Computed, m.State)
	require.Equal(t, uint8(0), m.Up)
	require.Equal(t, uint8(0), m.Down)
}

func TestComputeMonotonicGivesHundred(t *testing.T) {
	// candles are newest-first (index 0 newest); strictly increasing highs
	// and strictly decreasing lows as we go further back in time means every
	// newer candle sets a new high and a new low relative to the one before it.
	v := viewOf(true, Window,
		func(i int) float64 { return float64(Window - i) }, // newest has highest high
		func(i int) float64 { return float64(i) },          // newest has lowest low
	)
	m := Compute(v)
	require.Equal(t, model.Computed, m.State)
	require.Equal(t, uint8(100), m.Up)
	require.Equal(t, uint8(100), m.Down)
}

func TestComputeDeterministic(t *testing.T) {
	v := viewOf(true, Window, func(i int) float64 { return float64((i * 37) % 101) }, func(i int) float64 { return float64((i * 13) % 97) })
	a := Compute(v)
	b := Compute(v)
	require.Equal(t, a, b)
}

func TestCacheRejectsBadOverwrite(t *testing.T) {
	c := NewCache()
	key := model.SymbolKey{Exchange: model.BinanceSpot, Symbol: "BTC"}

	changed := c.Set(model.TF1, key, model.Momentum{State: model.Computed, Up: 50, Down: 50})
	require.True(t, changed)

	changed = c.Set(model.TF1, key, model.Momentum{State: model.Insufficient})
	require.False(t, changed, "a number must never be overwritten by insufficient")

	got := c.Get(model.TF1, key)
	require.Equal(t, model.Computed, got.State)
	require.Equal(t, uint8(50), got.Up)
}

func TestCacheInvalidateBypassesP5(t *testing.T) {
	c := NewCache()
	key := model.SymbolKey{Exchange: model.BinanceSpot, Symbol: "BTC"}
	c.Set(model.TF1, key, model.Momentum{State: model.Computed, Up: 10, Down: 10})

	c.Invalidate(model.TF1, key)
	got := c.Get(model.TF1, key)
	require.Equal(t, model.Insufficient, got.State)
}

func TestEngineRecomputeSymbolAndAll(t *testing.T) {
	store := candlestore.New(zap.NewNop())
	cache := NewCache()
	engine := New(store, cache, zap.NewNop())

	var cs []model.Candle
	for i := 0; i < Window; i++ {
		cs = append(cs, model.Candle{TimestampMs: int64(Window-i) * 60_000, Open: 1, High: 2, Low: 1, Close: 1.5})
	}
	store.Put(model.OKXSpot, "ETH", model.TF1, cs, 1)
	store.MarkBackfilled(model.OKXSpot, "ETH", model.TF1)

	m := engine.RecomputeSymbol(model.OKXSpot, "ETH", model.TF1)
	require.Equal(t, model.Computed, m.State)

	changed := engine.RecomputeAll(model.TF1)
	require.Equal(t, 0, changed, "recomputing an unchanged series must not report a change")
}
