package persistence

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"momentumd/internal/candlestore"
	"momentumd/internal/model"
	"momentumd/internal/momentum"
)

func seedCandles(store *candlestore.Store, ex model.ExchangeKind, symbol string, tf model.Timeframe, n int, nowMs int64) {
	candles := make([]model.Candle, 0, n)
	for i := 0; i < n; i++ {
		ts := nowMs - int64(i)*tf.Millis()
		candles = append(candles, model.Candle{TimestampMs: ts, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10})
	}
	store.Put(ex, symbol, tf, candles, nowMs)
	store.MarkBackfilled(ex, symbol, tf)
}

func TestSaveAllThenLoadAllRestoresCandlesAndBackfilledFlag(t *testing.T) {
	dir := t.TempDir()
	now := int64(1_700_000_000_000)

	store := candlestore.New(zap.NewNop())
	cache := momentum.NewCache()
	seedCandles(store, model.UpbitSpot, "BTC", model.TF5, 400, now)

	mgr := New(dir, store, cache, zap.NewNop())
	require.NoError(t, mgr.SaveAll())

	restoredStore := candlestore.New(zap.NewNop())
	restoredCache := momentum.NewCache()
	restoredMgr := New(dir, restoredStore, restoredCache, zap.NewNop())
	restoredMgr.LoadAll()

	view := restoredStore.Get(model.UpbitSpot, "BTC", model.TF5)
	require.Len(t, view.Candles, 400)
	require.True(t, view.Backfilled)
}

func TestSaveAllThenLoadAllRestoresMomentumCache(t *testing.T) {
	dir := t.TempDir()

	store := candlestore.New(zap.NewNop())
	cache := momentum.NewCache()
	keyUpbit := model.SymbolKey{Exchange: model.UpbitSpot, Symbol: "BTC"}
	keyGlobal := model.SymbolKey{Exchange: model.BinanceSpot, Symbol: "ETH"}
	cache.Set(model.TF1, keyUpbit, model.Momentum{State: model.Computed, Up: 70, Down: 10})
	cache.Set(model.TF1, keyGlobal, model.Momentum{State: model.Computed, Up: 55, Down: 45})

	mgr := New(dir, store, cache, zap.NewNop())
	require.NoError(t, mgr.SaveAll())

	restoredStore := candlestore.New(zap.NewNop())
	restoredCache := momentum.NewCache()
	restoredMgr := New(dir, restoredStore, restoredCache, zap.NewNop())
	restoredMgr.LoadAll()

	got := restoredCache.Get(model.TF1, keyUpbit)
	require.Equal(t, model.Computed, got.State)
	require.Equal(t, uint8(70), got.Up)

	gotGlobal := restoredCache.Get(model.TF1, keyGlobal)
	require.Equal(t, model.Computed, gotGlobal.State)
	require.Equal(t, uint8(55), gotGlobal.Up)
}

func TestLoadAllToleratesMissingFiles(t *testing.T) {
	dir := t.TempDir()
	store := candlestore.New(zap.NewNop())
	cache := momentum.NewCache()
	mgr := New(dir, store, cache, zap.NewNop())

	require.NotPanics(t, func() { mgr.LoadAll() })
}

func TestLoadAllToleratesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/multi_tf_UPBIT_SPOT.json", []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(dir+"/momentum_cache.json", []byte("{not json"), 0o644))

	store := candlestore.New(zap.NewNop())
	cache := momentum.NewCache()
	mgr := New(dir, store, cache, zap.NewNop())

	require.NotPanics(t, func() { mgr.LoadAll() })
}
