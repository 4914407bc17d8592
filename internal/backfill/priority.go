// Package backfill implements the freshness-driven, priority-ordered,
// partial backfill orchestrator from spec.md §4.6: a startup pass over
// every (exchange, symbol, timeframe), and a per-timeframe JIT backfill
// triggered by a client switching timeframes, coalesced via a
// per-timeframe in-progress future.
package backfill

import (
	"sort"

	"momentumd/internal/model"
)

// Candidate is one (exchange, symbol) series due for a backfill fetch at a
// given timeframe, carrying the freshness numbers used for priority
// ordering.
type Candidate struct {
	Exchange      model.ExchangeKind
	Symbol        string
	NeededCount   int
	SecondsBehind int
	Full          bool // true = full fetch (>=370 candles); false = incremental (<=20)
}

// sortByPriority orders candidates by ascending NeededCount, tiebreaking by
// ascending SecondsBehind — spec.md §4.6: "the smallest gap-fills complete
// first, making the UI fill visibly."
func sortByPriority(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].NeededCount != cs[j].NeededCount {
			return cs[i].NeededCount < cs[j].NeededCount
		}
		return cs[i].SecondsBehind < cs[j].SecondsBehind
	})
}

// IncrementalFetchCount is the capped size of an incremental fetch for a
// series that is only mildly stale (MULTI_TF_INCREMENTAL_COUNT, spec.md
// §4.6).
const IncrementalFetchCount = 20

// FullFetchCount is the minimum candle count requested for a Missing or
// badly-stale series (spec.md §4.6: ">= 370 candles").
const FullFetchCount = 370
