// Package aggregator folds live ticker updates into the current forming
// 1-minute candle per (exchange, symbol), emitting bar-close events when the
// bucket rolls over, and synthesizes higher timeframes from completed
// 1-minute candles (spec.md §4.4).
//
// Grounded on the teacher's analytics.OHLCVCandleGenerator (per-symbol
// CandleBuilder keyed by timeframe, internal/analytics/ohlcv_candle_generator.go)
// for the builder shape, and on RohanRaikwar's internal/marketdata/tfbuilder
// package for the incremental O(1)-per-tick bucket-rollover technique used
// here to fold ticks straight into 1-minute bars.
package aggregator

import (
	"sync"

	"go.uber.org/zap"

	"momentumd/internal/candlestore"
	"momentumd/internal/model"
)

// BarCloseFunc is called exactly once per completed 1-minute candle, after
// it has already been appended to the store.
type BarCloseFunc func(ex model.ExchangeKind, symbol string, candle model.Candle)

// forming holds the in-progress 1-minute candle for one (exchange, symbol).
type forming struct {
	bucketMs int64
	candle   model.Candle
	started  bool
}

// Aggregator maintains one forming 1-minute candle per (exchange, symbol).
// It is the sole writer of 1m candles into the store; ordering within a
// single (exchange, symbol) is preserved by construction — ticks for that
// key must arrive from a single goroutine (the exchange adapter's read
// loop), matching spec.md §5's ordering guarantee.
type Aggregator struct {
	store    *candlestore.Store
	onClose  BarCloseFunc
	logger   *zap.Logger

	mu    sync.Mutex
	state map[model.SymbolKey]*forming
}

// New creates an Aggregator bound to a store; onClose may be nil.
func New(store *candlestore.Store, onClose BarCloseFunc, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		store:   store,
		onClose: onClose,
		logger:  logger.Named("aggregator"),
		state:   make(map[model.SymbolKey]*forming),
	}
}

// OnTicker folds one ticker update into the current forming candle.
// tsMs is the trade/update time in epoch milliseconds; volume may be 0 if
// the upstream adapter does not provide per-tick quantity.
func (a *Aggregator) OnTicker(ex model.ExchangeKind, symbol string, price float64, volume float64, tsMs int64) {
	key := model.SymbolKey{Exchange: ex, Symbol: symbol}
	bucket := model.BucketStart(tsMs, model.TF1)

	a.mu.Lock()
	f, ok := a.state[key]
	if !ok {
		f = &forming{}
		a.state[key] = f
	}

	if !f.started {
		f.bucketMs = bucket
		f.candle = model.Candle{TimestampMs: bucket, Open: price, High: price, Low: price, Close: price, Volume: volume}
		f.started = true
		a.mu.Unlock()
		return
	}

	if bucket != f.bucketMs {
		closed := f.candle
		f.bucketMs = bucket
		f.candle = model.Candle{TimestampMs: bucket, Open: price, High: price, Low: price, Close: price, Volume: volume}
		a.mu.Unlock()

		a.store.Append1m(ex, symbol, closed, tsMs)
		if a.onClose != nil {
			a.onClose(ex, symbol, closed)
		}
		return
	}

	if price > f.candle.High {
		f.candle.High = price
	}
	if price < f.candle.Low {
		f.candle.Low = price
	}
	f.candle.Close = price
	f.candle.Volume += volume
	a.mu.Unlock()
}

// Forming returns a copy of the current in-progress candle for (ex, symbol),
// if any — used by callers that want to include the forming bar in a
// display but must never feed it to the momentum engine as "completed".
func (a *Aggregator) Forming(ex model.ExchangeKind, symbol string) (model.Candle, bool) {
	key := model.SymbolKey{Exchange: ex, Symbol: symbol}
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.state[key]
	if !ok || !f.started {
		return model.Candle{}, false
	}
	return f.candle, true
}

// SynthesizeHigherTF groups completed 1-minute candles (ascending by
// timestamp, belonging to the same bucket) into one higher-timeframe candle
// per spec.md §4.4: open = oldest.open, close = newest.close, high = max,
// low = min, volume = sum. Used both by the archive writer (bar-close
// policy, see spec.md §9 Open Questions) and by adapters synthesizing
// native-unsupported timeframes from a finer one they do support.
func SynthesizeHigherTF(oneMinAscending []model.Candle, tf model.Timeframe) []model.Candle {
	if len(oneMinAscending) == 0 {
		return nil
	}

	var out []model.Candle
	var group []model.Candle
	var bucket int64 = -1

	flush := func() {
		if len(group) == 0 {
			return
		}
		out = append(out, model.MergeHigherTF(group, bucket))
		group = group[:0]
	}

	for _, c := range oneMinAscending {
		b := model.BucketStart(c.TimestampMs, tf)
		if b != bucket {
			flush()
			bucket = b
		}
		group = append(group, c)
	}
	flush()
	return out
}
