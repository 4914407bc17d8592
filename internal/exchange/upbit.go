package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"momentumd/internal/model"
)

// upbitAdapter implements Adapter for Upbit spot (KRW market). Upbit has no
// analogue in the teacher's venue set; the connector shape (dial, subscribe
// frame, decode loop) is generalized from OKXConnector/BinanceConnector and
// fitted to Upbit's documented REST/WS conventions: market codes of the
// form "KRW-BTC", minute-candle REST endpoints parameterized by unit, and a
// WS subscribe frame keyed by "ticket"/"type"/"codes" rather than OKX's
// "op"/"args" shape.
type upbitAdapter struct {
	logger *zap.Logger
	ws     *wsClient
	rest   *restClient
}

func NewUpbitSpot(logger *zap.Logger) Adapter {
	return &upbitAdapter{logger: logger, ws: newWSClient("upbit_spot", logger), rest: newRESTClient("upbit_spot")}
}

func (a *upbitAdapter) Kind() model.ExchangeKind { return model.UpbitSpot }

func (a *upbitAdapter) market(symbol string) string {
	return fmt.Sprintf("KRW-%s", strings.ToUpper(symbol))
}

type upbitMarketResp struct {
	Market string `json:"market"`
}

func (a *upbitAdapter) ListMarkets(ctx context.Context) ([]string, error) {
	var resp []upbitMarketResp
	if err := a.rest.getJSON(ctx, "https://api.upbit.com/v1/market/all", &resp); err != nil {
		return nil, err
	}

	var out []string
	for _, m := range resp {
		if !strings.HasPrefix(m.Market, "KRW-") {
			continue
		}
		out = append(out, strings.TrimPrefix(m.Market, "KRW-"))
	}
	return out, nil
}

func (a *upbitAdapter) OpenTickerStream(ctx context.Context, symbols []string, handler TickHandler) error {
	codes := make([]string, 0, len(symbols))
	for _, s := range symbols {
		codes = append(codes, a.market(s))
	}

	sub := []interface{}{
		map[string]string{"ticket": "momentumd"},
		map[string]interface{}{"type": "trade", "codes": codes},
	}
	payload, err := json.Marshal(sub)
	if err != nil {
		return newErr(ClassValidation, a.rest.venue, "build subscribe", err)
	}

	decode := func(raw []byte, emit func(Tick)) error {
		var frame struct {
			Type          string  `json:"type"`
			Code          string  `json:"code"`
			TradePrice    float64 `json:"trade_price"`
			TradeVolume   float64 `json:"trade_volume"`
			TradeTimestamp int64  `json:"trade_timestamp"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			return err
		}
		if frame.Type != "trade" {
			return nil
		}
		symbol := strings.TrimPrefix(frame.Code, "KRW-")
		emit(Tick{Symbol: symbol, Price: frame.TradePrice, Volume: frame.TradeVolume, TimestampMs: frame.TradeTimestamp})
		return nil
	}

	return a.ws.run(ctx, "wss://api.upbit.com/websocket/v1", payload, decode, handler)
}

func (a *upbitAdapter) SupportsNative(tf model.Timeframe) bool {
	switch tf {
	case model.TF1, model.TF3, model.TF5, model.TF15, model.TF30, model.TF60, model.TF240:
		return true
	default:
		return false
	}
}

func upbitUnit(tf model.Timeframe) int {
	switch tf {
	case model.TF1:
		return 1
	case model.TF3:
		return 3
	case model.TF5:
		return 5
	case model.TF15:
		return 15
	case model.TF30:
		return 30
	case model.TF60:
		return 60
	case model.TF240:
		return 240
	default:
		return 1
	}
}

type upbitCandle struct {
	TimestampMs  int64   `json:"timestamp"`
	OpeningPrice float64 `json:"opening_price"`
	HighPrice    float64 `json:"high_price"`
	LowPrice     float64 `json:"low_price"`
	TradePrice   float64 `json:"trade_price"`
	Volume       float64 `json:"candle_acc_trade_volume"`
}

func (a *upbitAdapter) FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, limit int) ([]model.Candle, error) {
	if limit > 200 {
		limit = 200 // Upbit's minute-candle endpoint caps count at 200 per call.
	}
	url := fmt.Sprintf("https://api.upbit.com/v1/candles/minutes/%d?market=%s&count=%d", upbitUnit(tf), a.market(symbol), limit)

	var raw []upbitCandle
	if err := a.rest.getJSON(ctx, url, &raw); err != nil {
		return nil, err
	}

	out := make([]model.Candle, 0, len(raw))
	for _, c := range raw {
		out = append(out, model.Candle{
			TimestampMs: c.TimestampMs,
			Open:        c.OpeningPrice,
			High:        c.HighPrice,
			Low:         c.LowPrice,
			Close:       c.TradePrice,
			Volume:      c.Volume,
		})
	}
	return out, nil
}
