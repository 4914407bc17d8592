package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"momentumd/internal/model"
)

// okxAdapter implements Adapter for both OKX spot and OKX perpetual swaps
// (the futures venue in spec.md's terms). Message shapes (arg.channel,
// arg.instId, data[].px/sz/ts) are grounded on OKXTradeMessage in
// internal/exchanges/okx.go; the subscribe-then-read sequencing is
// grounded on the same file's Connect()+subscribe flow.
type okxAdapter struct {
	futures bool
	kind    model.ExchangeKind
	logger  *zap.Logger
	ws      *wsClient
	rest    *restClient
}

func NewOKXSpot(logger *zap.Logger) Adapter {
	return &okxAdapter{futures: false, kind: model.OKXSpot, logger: logger, ws: newWSClient("okx_spot", logger), rest: newRESTClient("okx_spot")}
}

func NewOKXFutures(logger *zap.Logger) Adapter {
	return &okxAdapter{futures: true, kind: model.OKXFutures, logger: logger, ws: newWSClient("okx_futures", logger), rest: newRESTClient("okx_futures")}
}

func (a *okxAdapter) Kind() model.ExchangeKind { return a.kind }

// instID renders a base-asset symbol ("BTC") into OKX's instrument ID:
// spot trades against USDT ("BTC-USDT"), futures trade the perpetual swap
// ("BTC-USDT-SWAP").
func (a *okxAdapter) instID(symbol string) string {
	if a.futures {
		return fmt.Sprintf("%s-USDT-SWAP", strings.ToUpper(symbol))
	}
	return fmt.Sprintf("%s-USDT", strings.ToUpper(symbol))
}

type okxInstrumentsResp struct {
	Data []struct {
		InstID string `json:"instId"`
		State  string `json:"state"`
	} `json:"data"`
}

func (a *okxAdapter) ListMarkets(ctx context.Context) ([]string, error) {
	instType := "SPOT"
	if a.futures {
		instType = "SWAP"
	}
	var resp okxInstrumentsResp
	url := fmt.Sprintf("https://www.okx.com/api/v5/public/instruments?instType=%s", instType)
	if err := a.rest.getJSON(ctx, url, &resp); err != nil {
		return nil, err
	}

	var out []string
	for _, d := range resp.Data {
		if d.State != "live" {
			continue
		}
		if a.futures && !strings.HasSuffix(d.InstID, "-USDT-SWAP") {
			continue
		}
		if !a.futures && !strings.HasSuffix(d.InstID, "-USDT") {
			continue
		}
		base := strings.TrimSuffix(strings.TrimSuffix(d.InstID, "-SWAP"), "-USDT")
		out = append(out, base)
	}
	return out, nil
}

func (a *okxAdapter) OpenTickerStream(ctx context.Context, symbols []string, handler TickHandler) error {
	url := "wss://ws.okx.com:8443/ws/v5/public"
	if a.futures {
		url = "wss://ws.okx.com:8443/ws/v5/public"
	}

	type argT struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	}
	sub := struct {
		Op   string `json:"op"`
		Args []argT `json:"args"`
	}{Op: "subscribe"}
	for _, s := range symbols {
		sub.Args = append(sub.Args, argT{Channel: "trades", InstID: a.instID(s)})
	}
	payload, err := json.Marshal(sub)
	if err != nil {
		return newErr(ClassValidation, a.rest.venue, "build subscribe", err)
	}

	decode := func(raw []byte, emit func(Tick)) error {
		var frame struct {
			Arg struct {
				Channel string `json:"channel"`
			} `json:"arg"`
			Data []struct {
				InstID string `json:"instId"`
				Price  string `json:"px"`
				Size   string `json:"sz"`
				Ts     string `json:"ts"`
			} `json:"data"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			return err
		}
		if frame.Arg.Channel != "trades" {
			return nil
		}
		for _, d := range frame.Data {
			price, err := strconv.ParseFloat(d.Price, 64)
			if err != nil {
				continue
			}
			size, _ := strconv.ParseFloat(d.Size, 64)
			ts, _ := strconv.ParseInt(d.Ts, 10, 64)
			base := strings.TrimSuffix(strings.TrimSuffix(d.InstID, "-SWAP"), "-USDT")
			emit(Tick{Symbol: base, Price: price, Volume: size, TimestampMs: ts})
		}
		return nil
	}

	return a.ws.run(ctx, url, payload, decode, handler)
}

func (a *okxAdapter) SupportsNative(tf model.Timeframe) bool {
	switch tf {
	case model.TF1, model.TF3, model.TF5, model.TF15, model.TF30, model.TF60, model.TF240:
		return true
	default:
		return false
	}
}

func okxBar(tf model.Timeframe) string {
	switch tf {
	case model.TF1:
		return "1m"
	case model.TF3:
		return "3m"
	case model.TF5:
		return "5m"
	case model.TF15:
		return "15m"
	case model.TF30:
		return "30m"
	case model.TF60:
		return "1H"
	case model.TF240:
		return "4H"
	default:
		return "1m"
	}
}

type okxCandlesResp struct {
	Data [][]string `json:"data"`
}

func (a *okxAdapter) FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, limit int) ([]model.Candle, error) {
	url := fmt.Sprintf("https://www.okx.com/api/v5/market/candles?instId=%s&bar=%s&limit=%d", a.instID(symbol), okxBar(tf), limit)
	var resp okxCandlesResp
	if err := a.rest.getJSON(ctx, url, &resp); err != nil {
		return nil, err
	}

	out := make([]model.Candle, 0, len(resp.Data))
	for _, row := range resp.Data {
		if len(row) < 6 {
			return nil, newErr(ClassParse, a.rest.venue, "parse candle row", fmt.Errorf("short row: %d", len(row)))
		}
		ts, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, newErr(ClassParse, a.rest.venue, "parse ts", err)
		}
		o, _ := strconv.ParseFloat(row[1], 64)
		h, _ := strconv.ParseFloat(row[2], 64)
		l, _ := strconv.ParseFloat(row[3], 64)
		c, _ := strconv.ParseFloat(row[4], 64)
		v, _ := strconv.ParseFloat(row[5], 64)
		out = append(out, model.Candle{TimestampMs: ts, Open: o, High: h, Low: l, Close: c, Volume: v})
	}
	return out, nil
}
