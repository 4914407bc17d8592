package backfill

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"momentumd/internal/candlestore"
	"momentumd/internal/exchange"
	"momentumd/internal/model"
	"momentumd/internal/momentum"
	"momentumd/internal/scheduler"
)

// SufficientCoverageRatio is the threshold at which a JIT backfill job for
// a timeframe is considered done even if a few symbols never produced
// enough candles (spec.md §4.6).
const SufficientCoverageRatio = 0.90

// MaxJITFailures bounds how many times a timeframe's JIT job can fall
// short of SufficientCoverageRatio before giving up and forcing completion
// (spec.md §4.6: "bounds pathological JIT loops when an exchange has many
// delisted pairs").
const MaxJITFailures = 3

// BroadcastFunc is invoked after a chunk of fetches completes, so the
// caller (fanout) can push a partial ranking/ticker update to subscribed
// clients for the affected timeframe (spec.md §4.6/§4.7).
type BroadcastFunc func(tf model.Timeframe, affected []model.SymbolKey)

// Orchestrator drives both the startup backfill pass and the per-timeframe
// JIT backfill. It owns no network code directly — every fetch goes
// through an exchange.Adapter, gated by that venue's scheduler.Submitter.
type Orchestrator struct {
	store      *candlestore.Store
	engine     *momentum.Engine
	adapters   map[model.ExchangeKind]exchange.Adapter
	schedulers map[model.ExchangeKind]scheduler.Submitter
	chunkSize  map[model.ExchangeKind]int
	symbols    map[model.ExchangeKind][]string
	onBroadcast BroadcastFunc
	logger     *zap.Logger
	now        func() int64

	jitMu sync.Mutex
	jit   map[model.Timeframe]*jitState
}

type jitState struct {
	inProgress         chan struct{}
	completed          bool
	failCount          int
	unavailableSymbols map[model.SymbolKey]struct{}
}

// Config bundles the per-construction dependencies an Orchestrator needs.
type Config struct {
	Store       *candlestore.Store
	Engine      *momentum.Engine
	Adapters    map[model.ExchangeKind]exchange.Adapter
	Schedulers  map[model.ExchangeKind]scheduler.Submitter
	ChunkSize   map[model.ExchangeKind]int
	Symbols     map[model.ExchangeKind][]string
	OnBroadcast BroadcastFunc
	Now         func() int64 // epoch millis; overridable in tests
	Logger      *zap.Logger
}

// New creates an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	now := cfg.Now
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Orchestrator{
		store:       cfg.Store,
		engine:      cfg.Engine,
		adapters:    cfg.Adapters,
		schedulers:  cfg.Schedulers,
		chunkSize:   cfg.ChunkSize,
		symbols:     cfg.Symbols,
		onBroadcast: cfg.OnBroadcast,
		logger:      cfg.Logger.Named("backfill"),
		now:         now,
		jit:         make(map[model.Timeframe]*jitState),
	}
}

func (o *Orchestrator) totalSymbols() int {
	n := 0
	for _, syms := range o.symbols {
		n += len(syms)
	}
	return n
}

// StartupBackfill runs the startup pass from spec.md §4.6 across every
// timeframe in tfOrder (caller puts the user's currently-selected
// timeframe first).
func (o *Orchestrator) StartupBackfill(ctx context.Context, tfOrder []model.Timeframe) {
	for _, tf := range tfOrder {
		if !tf.IsActive() {
			continue
		}
		o.backfillTimeframe(ctx, tf, nil)
		o.jitMu.Lock()
		o.jit[tf] = &jitState{completed: true}
		o.jitMu.Unlock()
	}
}

// backfillTimeframe builds candidates (optionally restricted to `only`),
// sorts them by priority, and fetches in per-exchange chunks, recomputing
// and broadcasting after each chunk.
func (o *Orchestrator) backfillTimeframe(ctx context.Context, tf model.Timeframe, only map[model.SymbolKey]struct{}) {
	nowMs := o.now()
	byExchange := make(map[model.ExchangeKind][]Candidate)

	for ex, syms := range o.symbols {
		for _, sym := range syms {
			key := model.SymbolKey{Exchange: ex, Symbol: sym}
			if only != nil {
				if _, want := only[key]; !want {
					continue
				}
			}
			report := o.store.Freshness(ex, sym, tf, nowMs)
			if report.State == model.Fresh {
				continue
			}
			byExchange[ex] = append(byExchange[ex], Candidate{
				Exchange:      ex,
				Symbol:        sym,
				NeededCount:   report.NeededCount,
				SecondsBehind: int(report.CandlesBehind) * int(tf.Millis()/1000),
				Full:          report.State == model.Missing || report.NeededCount > IncrementalFetchCount,
			})
		}
	}

	var wg sync.WaitGroup
	for ex, candidates := range byExchange {
		sortByPriority(candidates)
		wg.Add(1)
		go func(ex model.ExchangeKind, candidates []Candidate) {
			defer wg.Done()
			o.runExchangeCandidates(ctx, ex, tf, candidates)
		}(ex, candidates)
	}
	wg.Wait()

	for ex, syms := range o.symbols {
		for _, sym := range syms {
			if only != nil {
				key := model.SymbolKey{Exchange: ex, Symbol: sym}
				if _, want := only[key]; !want {
					continue
				}
			}
			o.store.MarkBackfilled(ex, sym, tf)
		}
	}
}

func (o *Orchestrator) runExchangeCandidates(ctx context.Context, ex model.ExchangeKind, tf model.Timeframe, candidates []Candidate) {
	adapter := o.adapters[ex]
	sub := o.schedulers[ex]
	if adapter == nil || sub == nil {
		return
	}
	chunkSize := o.chunkSize[ex]
	if chunkSize <= 0 {
		chunkSize = 1
	}

	for start := 0; start < len(candidates); start += chunkSize {
		end := start + chunkSize
		if end > len(candidates) {
			end = len(candidates)
		}
		chunk := candidates[start:end]

		var wg sync.WaitGroup
		affected := make([]model.SymbolKey, 0, len(chunk))
		var affectedMu sync.Mutex

		for _, cand := range chunk {
			wg.Add(1)
			go func(cand Candidate) {
				defer wg.Done()
				limit := IncrementalFetchCount
				if cand.Full {
					limit = FullFetchCount
				}
				call := scheduler.WithRetry(func(ctx context.Context) error {
					candles, err := adapter.FetchCandles(ctx, cand.Symbol, tf, limit)
					if err != nil {
						return err
					}
					o.store.Put(ex, cand.Symbol, tf, candles, o.now())
					return nil
				})
				if err := sub.Submit(ctx, call); err != nil {
					o.logger.Debug("backfill fetch failed",
						zap.String("exchange", string(ex)), zap.String("symbol", cand.Symbol),
						zap.Int("tf", int(tf)), zap.Error(err))
					return
				}
				affectedMu.Lock()
				affected = append(affected, model.SymbolKey{Exchange: ex, Symbol: cand.Symbol})
				affectedMu.Unlock()
			}(cand)
		}
		wg.Wait()

		if len(affected) > 0 {
			for _, key := range affected {
				o.engine.RecomputeSymbol(key.Exchange, key.Symbol, tf)
			}
			if o.onBroadcast != nil {
				o.onBroadcast(tf, affected)
			}
		}
	}
}

// missingSymbols returns the keys within this orchestrator's known symbol
// universe that lack a numeric cached momentum value at tf.
func (o *Orchestrator) missingSymbols(tf model.Timeframe) map[model.SymbolKey]struct{} {
	out := make(map[model.SymbolKey]struct{})
	snap := o.engine.Cache().Snapshot(tf)
	for ex, syms := range o.symbols {
		for _, sym := range syms {
			key := model.SymbolKey{Exchange: ex, Symbol: sym}
			if !snap[key].IsNumber() {
				out[key] = struct{}{}
			}
		}
	}
	return out
}

// EnsureTimeframe implements the JIT backfill entry point from spec.md
// §4.6: coalesces concurrent requesters for the same timeframe onto one
// backfill future.
func (o *Orchestrator) EnsureTimeframe(ctx context.Context, tf model.Timeframe) {
	o.jitMu.Lock()
	st, ok := o.jit[tf]
	if !ok {
		st = &jitState{unavailableSymbols: make(map[model.SymbolKey]struct{})}
		o.jit[tf] = st
	}

	if st.completed {
		o.jitMu.Unlock()
		if len(o.engine.Cache().Snapshot(tf)) == 0 {
			o.engine.RecomputeAll(tf)
		}
		return
	}

	coverage := o.engine.Cache().CoverageRatio(tf, o.totalSymbols())
	if coverage >= SufficientCoverageRatio {
		st.completed = true
		o.jitMu.Unlock()
		return
	}

	if st.inProgress != nil {
		wait := st.inProgress
		o.jitMu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	st.inProgress = done
	o.jitMu.Unlock()

	missing := o.missingSymbols(tf)
	o.backfillTimeframe(ctx, tf, missing)

	o.jitMu.Lock()
	st.inProgress = nil
	newCoverage := o.engine.Cache().CoverageRatio(tf, o.totalSymbols())
	if newCoverage >= SufficientCoverageRatio {
		st.completed = true
	} else {
		st.failCount++
		if st.failCount >= MaxJITFailures {
			st.completed = true
			for key := range missing {
				o.engine.Cache().Invalidate(tf, key)
				st.unavailableSymbols[key] = struct{}{}
			}
		}
	}
	o.jitMu.Unlock()
	close(done)
}
