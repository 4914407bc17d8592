package backfill

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"momentumd/internal/candlestore"
	"momentumd/internal/exchange"
	"momentumd/internal/model"
	"momentumd/internal/momentum"
	"momentumd/internal/scheduler"
)

type fakeAdapter struct {
	kind  model.ExchangeKind
	calls int32
}

func (f *fakeAdapter) Kind() model.ExchangeKind { return f.kind }
func (f *fakeAdapter) ListMarkets(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeAdapter) OpenTickerStream(ctx context.Context, symbols []string, handler exchange.TickHandler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeAdapter) FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, limit int) ([]model.Candle, error) {
	atomic.AddInt32(&f.calls, 1)
	n := momentum.Window
	if limit < n {
		n = limit
	}
	cs := make([]model.Candle, 0, n)
	for i := 0; i < n; i++ {
		cs = append(cs, model.Candle{TimestampMs: int64(n-i) * tf.Millis(), Open: 1, High: 2, Low: 1, Close: 1.5})
	}
	return cs, nil
}

type fakeSubmitter struct{}

func (fakeSubmitter) Submit(ctx context.Context, fn scheduler.Call) error { return fn(ctx) }
func (fakeSubmitter) State() scheduler.State                              { return scheduler.Idle }

func TestStartupBackfillFillsAndMarksBackfilled(t *testing.T) {
	store := candlestore.New(zap.NewNop())
	cache := momentum.NewCache()
	engine := momentum.New(store, cache, zap.NewNop())

	adapter := &fakeAdapter{kind: model.BinanceSpot}
	var broadcasts int32

	nowMs := int64(momentum.Window+10) * model.TF1.Millis()

	o := New(Config{
		Store:       store,
		Engine:      engine,
		Adapters:    map[model.ExchangeKind]exchange.Adapter{model.BinanceSpot: adapter},
		Schedulers:  map[model.ExchangeKind]scheduler.Submitter{model.BinanceSpot: fakeSubmitter{}},
		ChunkSize:   map[model.ExchangeKind]int{model.BinanceSpot: 3},
		Symbols:     map[model.ExchangeKind][]string{model.BinanceSpot: {"BTC", "ETH"}},
		OnBroadcast: func(tf model.Timeframe, affected []model.SymbolKey) { atomic.AddInt32(&broadcasts, 1) },
		Now:         func() int64 { return nowMs },
		Logger:      zap.NewNop(),
	})

	o.StartupBackfill(context.Background(), []model.Timeframe{model.TF1})

	require.Greater(t, atomic.LoadInt32(&adapter.calls), int32(0))
	require.Greater(t, atomic.LoadInt32(&broadcasts), int32(0))

	v := store.Get(model.BinanceSpot, "BTC", model.TF1)
	require.True(t, v.Backfilled)
	require.GreaterOrEqual(t, len(v.Candles), momentum.Window)

	m := cache.Get(model.TF1, model.SymbolKey{Exchange: model.BinanceSpot, Symbol: "BTC"})
	require.Equal(t, model.Computed, m.State)
}

func TestEnsureTimeframeCoalescesConcurrentRequesters(t *testing.T) {
	store := candlestore.New(zap.NewNop())
	cache := momentum.NewCache()
	engine := momentum.New(store, cache, zap.NewNop())
	adapter := &fakeAdapter{kind: model.OKXSpot}
	nowMs := int64(momentum.Window+10) * model.TF1.Millis()

	o := New(Config{
		Store:      store,
		Engine:     engine,
		Adapters:   map[model.ExchangeKind]exchange.Adapter{model.OKXSpot: adapter},
		Schedulers: map[model.ExchangeKind]scheduler.Submitter{model.OKXSpot: fakeSubmitter{}},
		ChunkSize:  map[model.ExchangeKind]int{model.OKXSpot: 5},
		Symbols:    map[model.ExchangeKind][]string{model.OKXSpot: {"BTC"}},
		Now:        func() int64 { return nowMs },
		Logger:     zap.NewNop(),
	})

	done := make(chan struct{}, 2)
	go func() { o.EnsureTimeframe(context.Background(), model.TF1); done <- struct{}{} }()
	go func() { o.EnsureTimeframe(context.Background(), model.TF1); done <- struct{}{} }()
	<-done
	<-done

	m := cache.Get(model.TF1, model.SymbolKey{Exchange: model.OKXSpot, Symbol: "BTC"})
	require.Equal(t, model.Computed, m.State)
}
