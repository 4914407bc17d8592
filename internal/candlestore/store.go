// Package candlestore is the single source of truth for OHLCV candles: a
// bounded per-(exchange, symbol, timeframe) ring, kept fresh by the REST
// backfiller and the live-tick aggregator (spec.md §4.3).
//
// Grounded on the teacher's map-of-mutexed-state shape (analytics.OHLCVCandleGenerator
// in ohlcv_candle_generator.go) generalized from a single-timeframe builder
// into a multi-timeframe bounded store, and on marianogappa-crypto-candles'
// candles/cache package for the "bounded, evict-by-recency" cache shape
// (though here capacity truncation replaces LRU eviction, since every key is
// read on every broadcast tick rather than evicted under memory pressure).
package candlestore

import (
	"sync"

	"go.uber.org/zap"

	"momentumd/internal/model"
)

// MaxCandles bounds each series — enough for the 360-bar momentum window
// plus margin (spec.md §3).
const MaxCandles = 500

// MinCandlesForMomentum is the number of completed candles the momentum
// engine requires (spec.md §4.5).
const MinCandlesForMomentum = 360

// series is one (exchange, symbol, tf) bounded candle ring, newest-first.
type series struct {
	mu         sync.RWMutex
	candles    []model.Candle // newest-first, strictly decreasing timestamps
	updatedAt  int64
	backfilled bool
}

type seriesKey struct {
	Exchange model.ExchangeKind
	Symbol   string
	TF       model.Timeframe
}

// Store is the bounded per-(exchange, symbol, timeframe) candle store.
// Reads dominate writes (every broadcast tick reads; only backfill and
// tick-close write), so a map of per-series RWMutexes is used rather than
// one global lock — finer-grained than the teacher's single store mutex,
// coarser than per-candle locking.
type Store struct {
	logger *zap.Logger

	mu   sync.RWMutex // guards the `all` map itself (insertion of new series)
	all  map[seriesKey]*series
}

// New creates an empty candle store.
func New(logger *zap.Logger) *Store {
	return &Store{
		logger: logger.Named("candlestore"),
		all:    make(map[seriesKey]*series),
	}
}

func (s *Store) getOrCreate(ex model.ExchangeKind, symbol string, tf model.Timeframe) *series {
	key := seriesKey{ex, symbol, tf}

	s.mu.RLock()
	sr, ok := s.all[key]
	s.mu.RUnlock()
	if ok {
		return sr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok := s.all[key]; ok {
		return sr
	}
	sr = &series{candles: make([]model.Candle, 0, 16)}
	s.all[key] = sr
	return sr
}

func (s *Store) lookup(ex model.ExchangeKind, symbol string, tf model.Timeframe) (*series, bool) {
	key := seriesKey{ex, symbol, tf}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr, ok := s.all[key]
	return sr, ok
}

// View is a read-only snapshot of a series: the candle slice (newest-first)
// and whether the series has ever been attempted for backfill.
type View struct {
	Candles    []model.Candle
	UpdatedAt  int64
	Backfilled bool
}

// Get returns a read-only view of the series. The returned slice is a copy
// so callers may hold it across further mutations without racing.
func (s *Store) Get(ex model.ExchangeKind, symbol string, tf model.Timeframe) View {
	sr, ok := s.lookup(ex, symbol, tf)
	if !ok {
		return View{}
	}
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	out := make([]model.Candle, len(sr.candles))
	copy(out, sr.candles)
	return View{Candles: out, UpdatedAt: sr.updatedAt, Backfilled: sr.backfilled}
}

// Len returns the current candle count for a series without copying.
func (s *Store) Len(ex model.ExchangeKind, symbol string, tf model.Timeframe) int {
	sr, ok := s.lookup(ex, symbol, tf)
	if !ok {
		return 0
	}
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return len(sr.candles)
}

// MarkBackfilled sets the backfilled flag regardless of success, per
// spec.md §4.6: "Mark each (exchange, symbol, tf) backfilled = true
// regardless of success".
func (s *Store) MarkBackfilled(ex model.ExchangeKind, symbol string, tf model.Timeframe) {
	sr := s.getOrCreate(ex, symbol, tf)
	sr.mu.Lock()
	sr.backfilled = true
	sr.mu.Unlock()
}

// Put merges a batch of candles (in any order) into the series: dedup by
// timestamp, keep newest-first, truncate to MaxCandles, update updatedAt.
// The merge sorts with an insertion sort (see mergeNewestFirst), so its cost
// grows quadratically with the merged length, not linearly.
func (s *Store) Put(ex model.ExchangeKind, symbol string, tf model.Timeframe, incoming []model.Candle, nowMs int64) {
	if len(incoming) == 0 {
		return
	}
	sr := s.getOrCreate(ex, symbol, tf)

	sr.mu.Lock()
	defer sr.mu.Unlock()

	merged := mergeNewestFirst(sr.candles, incoming)
	if len(merged) > MaxCandles {
		merged = merged[:MaxCandles]
	}
	sr.candles = merged
	sr.updatedAt = nowMs
}

// mergeNewestFirst merges `existing` (already newest-first, deduped) with
// `incoming` (any order, possibly overlapping), producing a newest-first,
// strictly-decreasing, deduped-by-timestamp result. The map yields candles in
// random order, so the insertion sort that follows costs O(k²) for k merged
// candles.
func mergeNewestFirst(existing []model.Candle, incoming []model.Candle) []model.Candle {
	byTS := make(map[int64]model.Candle, len(existing)+len(incoming))
	for _, c := range existing {
		byTS[c.TimestampMs] = c
	}
	for _, c := range incoming {
		byTS[c.TimestampMs] = c
	}

	out := make([]model.Candle, 0, len(byTS))
	for _, c := range byTS {
		out = append(out, c)
	}
	sortNewestFirst(out)
	return out
}

func sortNewestFirst(cs []model.Candle) {
	// insertion sort; runs on every Put (backfill fetches, higher-timeframe
	// bar closes, snapshot restore), not per tick.
	for i := 1; i < len(cs); i++ {
		j := i
		for j > 0 && cs[j-1].TimestampMs < cs[j].TimestampMs {
			cs[j-1], cs[j] = cs[j], cs[j-1]
			j--
		}
	}
}

// Append1m inserts a single completed 1-minute candle at the head. If its
// timestamp is <= the existing head, it is dropped (spec.md §4.3).
func (s *Store) Append1m(ex model.ExchangeKind, symbol string, c model.Candle, nowMs int64) bool {
	sr := s.getOrCreate(ex, symbol, model.TF1)

	sr.mu.Lock()
	defer sr.mu.Unlock()

	if len(sr.candles) > 0 && c.TimestampMs <= sr.candles[0].TimestampMs {
		return false
	}
	sr.candles = append([]model.Candle{c}, sr.candles...)
	if len(sr.candles) > MaxCandles {
		sr.candles = sr.candles[:MaxCandles]
	}
	sr.updatedAt = nowMs
	return true
}

// Freshness implements the decision rule from spec.md §4.3.
func (s *Store) Freshness(ex model.ExchangeKind, symbol string, tf model.Timeframe, nowMs int64) model.FreshnessReport {
	sr, ok := s.lookup(ex, symbol, tf)
	if !ok {
		return model.FreshnessReport{State: model.Missing, NeededCount: MinCandlesForMomentum + 2}
	}

	sr.mu.RLock()
	defer sr.mu.RUnlock()

	count := len(sr.candles)
	if count == 0 {
		return model.FreshnessReport{State: model.Missing, NeededCount: MinCandlesForMomentum + 2}
	}

	if count < MinCandlesForMomentum {
		deficit := MinCandlesForMomentum - count
		tfMs := tf.Millis()
		latestCompletedBarStart := (nowMs/tfMs)*tfMs - tfMs
		candlesBehind := 0
		if head := sr.candles[0].TimestampMs; head < latestCompletedBarStart {
			candlesBehind = int((latestCompletedBarStart - head) / tfMs)
		}
		return model.FreshnessReport{
			State:         model.Stale,
			CandlesBehind: candlesBehind,
			NeededCount:   deficit + candlesBehind + 2,
		}
	}

	tfMs := tf.Millis()
	latestCompletedBarStart := (nowMs/tfMs)*tfMs - tfMs
	head := sr.candles[0].TimestampMs
	if head >= latestCompletedBarStart {
		return model.FreshnessReport{State: model.Fresh}
	}

	behind := (latestCompletedBarStart - head) / tfMs
	needed := int(behind) + 2
	if behind < 0 {
		needed = 2
	}
	return model.FreshnessReport{State: model.Stale, CandlesBehind: int(behind), NeededCount: needed}
}

// Invalidate clears the series for (ex, symbol, tf) so the next Freshness
// call reports Missing. It does not reach into the momentum cache: a number
// already cached there stays, since momentum.Cache.Set never replaces a
// number with a non-number; momentum.Cache.Invalidate is what forces a key
// to Insufficient.
func (s *Store) Invalidate(ex model.ExchangeKind, symbol string, tf model.Timeframe) {
	sr, ok := s.lookup(ex, symbol, tf)
	if !ok {
		return
	}
	sr.mu.Lock()
	sr.candles = sr.candles[:0]
	sr.mu.Unlock()
}

// Keys returns every (exchange, symbol) pair that has at least one series
// at the given timeframe — used by the momentum engine's RecomputeAll.
func (s *Store) Keys(tf model.Timeframe) []model.SymbolKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.SymbolKey, 0, len(s.all))
	for key := range s.all {
		if key.TF == tf {
			out = append(out, model.SymbolKey{Exchange: key.Exchange, Symbol: key.Symbol})
		}
	}
	return out
}

// AllSeriesKeys returns every (exchange, symbol, tf) key currently tracked,
// used by the persistence snapshot writer.
func (s *Store) AllSeriesKeys() []struct {
	Exchange model.ExchangeKind
	Symbol   string
	TF       model.Timeframe
} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]struct {
		Exchange model.ExchangeKind
		Symbol   string
		TF       model.Timeframe
	}, 0, len(s.all))
	for key := range s.all {
		out = append(out, struct {
			Exchange model.ExchangeKind
			Symbol   string
			TF       model.Timeframe
		}{key.Exchange, key.Symbol, key.TF})
	}
	return out
}
