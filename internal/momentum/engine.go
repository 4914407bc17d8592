// Package momentum computes the high/low-break momentum statistic over the
// most recent completed candles of a (exchange, symbol, timeframe) series,
// and owns the per-timeframe momentum cache.
//
// Grounded on internal/detectors/momentum.go's shape (a per-key detector
// reading a rolling price history and writing results under a lock) from
// the teacher, generalized from "percent move over a rolling window" to
// the high-break/low-break ratio defined in spec.md §4.5.
package momentum

import (
	"sync"

	"go.uber.org/zap"

	"momentumd/internal/candlestore"
	"momentumd/internal/model"
)

// Window is the number of most recent completed candles considered, per
// spec.md §4.5 / GLOSSARY.
const Window = 360

// Compute is a pure function of a store view — spec.md P1 (momentum
// determinism). It never mutates anything and always returns the same
// Momentum for the same view and backfilled flag.
func Compute(view candlestore.View) model.Momentum {
	if !view.Backfilled {
		return model.Momentum{State: model.NotAttempted}
	}

	completed := view.Candles
	useLen := len(completed)
	if useLen > Window {
		useLen = Window
	}
	if useLen < Window {
		return model.Momentum{State: model.Insufficient}
	}

	n := useLen - 1
	var highBreaks, lowBreaks int
	for i := 0; i < n; i++ {
		if completed[i].High > completed[i+1].High {
			highBreaks++
		}
		if completed[i].Low < completed[i+1].Low {
			lowBreaks++
		}
	}

	up := roundPct(highBreaks, n)
	down := roundPct(lowBreaks, n)
	return model.Momentum{State: model.Computed, Up: up, Down: down}
}

func roundPct(count, n int) uint8 {
	if n <= 0 {
		return 0
	}
	pct := (float64(count) / float64(n)) * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return uint8(pct + 0.5)
}

// Cache is the per-timeframe momentum cache: tf -> (exchange, symbol) ->
// Momentum. It is the sole writer discipline described in spec.md §5: the
// engine is the only writer for any given (tf, key), and writes obey the
// "bad value never overwrites a good value" rule (P5).
type Cache struct {
	mu   sync.RWMutex
	data map[model.Timeframe]map[model.SymbolKey]model.Momentum
}

// NewCache creates an empty cache with one map preallocated per declared
// timeframe (model.AllTimeframes, including the disabled 10m).
func NewCache() *Cache {
	c := &Cache{data: make(map[model.Timeframe]map[model.SymbolKey]model.Momentum)}
	for _, tf := range model.AllTimeframes {
		c.data[tf] = make(map[model.SymbolKey]model.Momentum)
	}
	return c
}

// Get returns the cached value (zero value / NotAttempted if absent).
func (c *Cache) Get(tf model.Timeframe, key model.SymbolKey) model.Momentum {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data[tf][key]
}

// Set writes newVal unless doing so would overwrite a number with a
// non-number (P5). Returns true if the value actually changed.
func (c *Cache) Set(tf model.Timeframe, key model.SymbolKey, newVal model.Momentum) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.data[tf]
	if !ok {
		m = make(map[model.SymbolKey]model.Momentum)
		c.data[tf] = m
	}
	old := m[key]
	if !model.CanOverwrite(old, newVal) {
		return false
	}
	if old == newVal {
		return false
	}
	m[key] = newVal
	return true
}

// Invalidate forces key's value to Insufficient regardless of the P5 rule —
// the explicit "delisting" escape hatch from spec.md §9 Open Questions.
func (c *Cache) Invalidate(tf model.Timeframe, key model.SymbolKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data[tf] == nil {
		c.data[tf] = make(map[model.SymbolKey]model.Momentum)
	}
	c.data[tf][key] = model.Momentum{State: model.Insufficient}
}

// Snapshot returns a copy of the (key -> Momentum) map for one timeframe,
// used by the ranking broadcaster to build a sorted key list without
// holding the cache lock while sorting.
func (c *Cache) Snapshot(tf model.Timeframe) map[model.SymbolKey]model.Momentum {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[model.SymbolKey]model.Momentum, len(c.data[tf]))
	for k, v := range c.data[tf] {
		out[k] = v
	}
	return out
}

// CoverageRatio returns the fraction of `total` keys that have a numeric
// (Computed) value cached for tf — used by the JIT backfill's
// sufficientCoverage check (spec.md §4.6).
func (c *Cache) CoverageRatio(tf model.Timeframe, total int) float64 {
	if total == 0 {
		return 1
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, v := range c.data[tf] {
		if v.IsNumber() {
			n++
		}
	}
	return float64(n) / float64(total)
}

// Engine ties the Cache to a candlestore.Store: recomputeAll/recomputeSymbol
// read the store and write the cache under the P5 rule.
type Engine struct {
	store  *candlestore.Store
	cache  *Cache
	logger *zap.Logger
}

// New creates a momentum engine bound to a store and cache.
func New(store *candlestore.Store, cache *Cache, logger *zap.Logger) *Engine {
	return &Engine{store: store, cache: cache, logger: logger.Named("momentum")}
}

// RecomputeSymbol recomputes and writes the cache entry for one key — used
// on every bar-close event from the aggregator (spec.md §4.5).
func (e *Engine) RecomputeSymbol(ex model.ExchangeKind, symbol string, tf model.Timeframe) model.Momentum {
	view := e.store.Get(ex, symbol, tf)
	val := Compute(view)
	e.cache.Set(tf, model.SymbolKey{Exchange: ex, Symbol: symbol}, val)
	return val
}

// RecomputeAll iterates every (exchange, symbol) known to the store for tf
// and writes the cache, skipping writes that would regress a good value
// (spec.md §4.5's liveness rule — prevents Calc… flashes during partial
// backfills). Returns the number of keys whose cached value changed.
func (e *Engine) RecomputeAll(tf model.Timeframe) int {
	keys := e.store.Keys(tf)
	changed := 0
	for _, key := range keys {
		view := e.store.Get(key.Exchange, key.Symbol, tf)
		val := Compute(view)
		if e.cache.Set(tf, key, val) {
			changed++
		}
	}
	return changed
}

// Cache exposes the underlying cache for readers (fanout, HTTP surface).
func (e *Engine) Cache() *Cache { return e.cache }
