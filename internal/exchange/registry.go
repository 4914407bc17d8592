package exchange

import (
	"go.uber.org/zap"

	"momentumd/internal/model"
)

// NewAdapter constructs the concrete Adapter for kind. Returns nil for any
// kind not in model.AllExchangeKinds — callers treat that as a programmer
// error, not a runtime condition to recover from.
func NewAdapter(kind model.ExchangeKind, logger *zap.Logger) Adapter {
	switch kind {
	case model.UpbitSpot:
		return NewUpbitSpot(logger)
	case model.BithumbSpot:
		return NewBithumbSpot(logger)
	case model.BinanceSpot:
		return NewBinanceSpot(logger)
	case model.BinanceFutures:
		return NewBinanceFutures(logger)
	case model.OKXSpot:
		return NewOKXSpot(logger)
	case model.OKXFutures:
		return NewOKXFutures(logger)
	default:
		return nil
	}
}

// NewAll constructs every venue adapter named in model.AllExchangeKinds.
func NewAll(logger *zap.Logger) map[model.ExchangeKind]Adapter {
	out := make(map[model.ExchangeKind]Adapter, len(model.AllExchangeKinds))
	for _, k := range model.AllExchangeKinds {
		out[k] = NewAdapter(k, logger)
	}
	return out
}
