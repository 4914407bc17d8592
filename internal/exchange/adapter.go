package exchange

import (
	"context"

	"momentumd/internal/model"
)

// Tick is a single trade/ticker update delivered by an adapter's live
// stream, already normalized to the common price/volume/timestamp shape
// regardless of venue wire format (spec.md §2).
type Tick struct {
	Symbol    string
	Price     float64
	Volume    float64
	TimestampMs int64
}

// TickHandler receives normalized ticks from an adapter's stream loop. It
// must return quickly — adapters call it synchronously from the read loop,
// matching spec.md §5's single-writer-per-key ordering guarantee.
type TickHandler func(Tick)

// Adapter is the per-venue contract: list tradable markets, stream live
// ticks for a subset of them, and fetch historical candles for backfill.
// Every method that performs network I/O returns errors wrapped as *Error
// so callers can branch on ErrorClass instead of matching strings.
type Adapter interface {
	// Kind identifies which of the six venues this adapter implements.
	Kind() model.ExchangeKind

	// ListMarkets returns the currently tradable symbols on this venue. The
	// ticker-stream worker calls it when the venue is configured with no
	// symbol list.
	ListMarkets(ctx context.Context) ([]string, error)

	// OpenTickerStream blocks, feeding ticks for the given symbols to
	// handler until ctx is cancelled or the connection fails. Callers
	// (the supervisor) are expected to call this in a loop with the
	// reconnect backoff policy on non-nil, non-Cancelled returns.
	OpenTickerStream(ctx context.Context, symbols []string, handler TickHandler) error

	// FetchCandles retrieves up to `limit` most recent candles for symbol
	// at timeframe tf, newest-first is not required — the candlestore
	// merges regardless of order. Adapters for venues without a native
	// timeframe (e.g. a 15m bar on a venue offering only 1m/5m/1h) must
	// synthesize it from a finer supported timeframe via
	// aggregator.SynthesizeHigherTF rather than return an error.
	FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, limit int) ([]model.Candle, error)
}

// NativeTimeframes reports which timeframes a venue's REST kline endpoint
// natively serves; adapters consult this to decide whether FetchCandles
// must synthesize via a finer timeframe instead of calling the venue
// directly (spec.md §4.4's "higher timeframe synthesis" fallback).
type NativeTimeframes interface {
	SupportsNative(tf model.Timeframe) bool
}
