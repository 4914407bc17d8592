// Package model holds the shared data types for the momentum aggregator:
// candles, series, tri-state momentum values, and exchange and timeframe
// identity. Types here carry no behavior beyond small
// invariant helpers — the components in sibling packages own the logic.
package model

import (
	"fmt"
	"strings"
)

// ExchangeKind identifies one of the six supported venues.
type ExchangeKind string

const (
	UpbitSpot      ExchangeKind = "UPBIT_SPOT"
	BithumbSpot    ExchangeKind = "BITHUMB_SPOT"
	BinanceSpot    ExchangeKind = "BINANCE_SPOT"
	BinanceFutures ExchangeKind = "BINANCE_FUTURES"
	OKXSpot        ExchangeKind = "OKX_SPOT"
	OKXFutures     ExchangeKind = "OKX_FUTURES"
)

// AllExchangeKinds lists every supported venue in a stable order, used for
// startup iteration order (adapters, schedulers, snapshot restore).
var AllExchangeKinds = []ExchangeKind{UpbitSpot, BithumbSpot, BinanceSpot, BinanceFutures, OKXSpot, OKXFutures}

// Currency is the quote currency a venue prices in.
type Currency string

const (
	KRW  Currency = "KRW"
	USDT Currency = "USDT"
)

// BaseCurrency returns the quote currency for a given exchange kind.
// Adapters never guess; they ask this function.
func (k ExchangeKind) BaseCurrency() Currency {
	switch k {
	case UpbitSpot, BithumbSpot:
		return KRW
	default:
		return USDT
	}
}

// IsFutures reports whether the kind is a perpetual-futures venue.
func (k ExchangeKind) IsFutures() bool {
	return k == BinanceFutures || k == OKXFutures
}

// SymbolKey is the compound (exchange, base asset) identity used as a map key
// throughout the store, momentum cache, and subscription index.
type SymbolKey struct {
	Exchange ExchangeKind
	Symbol   string // base asset code only, e.g. "BTC" — never wire-suffixed
}

// String renders the wire-facing "EX:SYM" form used in ranking and ticker
// messages (§6).
func (k SymbolKey) String() string {
	return fmt.Sprintf("%s:%s", k.Exchange, k.Symbol)
}

// ParseSymbolKey parses the wire-facing "EX:SYM" form back into a
// SymbolKey. Used by the websocket inbound "subscribe" handler to decode
// client-supplied visibility keys.
func ParseSymbolKey(s string) (SymbolKey, bool) {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return SymbolKey{}, false
	}
	return SymbolKey{Exchange: ExchangeKind(s[:idx]), Symbol: s[idx+1:]}, true
}

// Timeframe is a candle bar duration expressed in minutes.
type Timeframe int

const (
	TF1   Timeframe = 1
	TF3   Timeframe = 3
	TF5   Timeframe = 5
	TF10  Timeframe = 10 // declared, feature-flagged off per §3 / Open Questions
	TF15  Timeframe = 15
	TF30  Timeframe = 30
	TF60  Timeframe = 60
	TF240 Timeframe = 240
)

// AllTimeframes lists every declared timeframe, including the disabled 10m.
var AllTimeframes = []Timeframe{TF1, TF3, TF5, TF10, TF15, TF30, TF60, TF240}

// ActiveTimeframes lists timeframes for which momentum is actually computed.
// TF10 is declared but disabled — see spec.md Open Questions.
var ActiveTimeframes = []Timeframe{TF1, TF3, TF5, TF15, TF30, TF60, TF240}

// Millis returns the bar duration in milliseconds.
func (tf Timeframe) Millis() int64 {
	return int64(tf) * 60_000
}

// IsActive reports whether momentum is computed for this timeframe.
func (tf Timeframe) IsActive() bool {
	for _, a := range ActiveTimeframes {
		if a == tf {
			return true
		}
	}
	return false
}

// IsAllowed reports whether tf is one of the declared timeframes at all
// (used to validate client-supplied values before IsActive gating).
func (tf Timeframe) IsAllowed() bool {
	for _, a := range AllTimeframes {
		if a == tf {
			return true
		}
	}
	return false
}
