package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// httpClient is shared by both quote sources. Grounded on the teacher's
// analytics pollers, which each keep a single *http.Client with a fixed
// timeout rather than the per-adapter client exchange.restClient uses —
// fx polls two fixed URLs, not an adapter-parameterized set of venues, so a
// package-level client matches the teacher's simpler poller shape.
var httpClient = &http.Client{Timeout: 10 * time.Second}

func getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fx quote source %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// UpbitKRWUSDT quotes the KRW/USDT rate from Upbit's ticker endpoint.
func UpbitKRWUSDT(ctx context.Context) (float64, error) {
	var resp []struct {
		TradePrice float64 `json:"trade_price"`
	}
	if err := getJSON(ctx, "https://api.upbit.com/v1/ticker?markets=KRW-USDT", &resp); err != nil {
		return 0, err
	}
	if len(resp) == 0 {
		return 0, fmt.Errorf("upbit KRW-USDT: empty response")
	}
	return resp[0].TradePrice, nil
}

// BithumbKRWUSDT quotes the KRW/USDT rate from Bithumb's public ticker
// endpoint. Bithumb's ticker returns numeric fields as JSON strings, as it
// does for its KRW markets (see bithumbTickerResp in exchange/bithumb.go).
func BithumbKRWUSDT(ctx context.Context) (float64, error) {
	var resp struct {
		Status string `json:"status"`
		Data   struct {
			ClosingPrice string `json:"closing_price"`
		} `json:"data"`
	}
	if err := getJSON(ctx, "https://api.bithumb.com/public/ticker/USDT_KRW", &resp); err != nil {
		return 0, err
	}
	if resp.Status != "0000" {
		return 0, fmt.Errorf("bithumb USDT_KRW: status %s", resp.Status)
	}
	return strconv.ParseFloat(resp.Data.ClosingPrice, 64)
}
