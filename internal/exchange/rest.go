package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// restClient is the shared REST plumbing used by every adapter's
// FetchCandles/ListMarkets. Grounded on HistoricalDataFetcher's
// *http.Client{Timeout: 30s} + io.ReadAll + json.Unmarshal pattern in
// internal/analytics/historical_data_fetcher.go.
type restClient struct {
	venue string
	http  *http.Client
}

func newRESTClient(venue string) *restClient {
	return &restClient{
		venue: venue,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (r *restClient) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return newErr(ClassNetworkPermanent, r.venue, "build request", err)
	}
	req.Header.Set("User-Agent", "momentumd/1.0")

	resp, err := r.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return newErr(ClassCancelled, r.venue, "http get", ctx.Err())
		}
		return newErr(ClassNetworkTransient, r.venue, "http get", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return newErr(ClassNetworkTransient, r.venue, "read body", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return newErr(ClassRateLimited, r.venue, "http get", fmt.Errorf("429: %s", truncate(body, 200)))
	}
	if resp.StatusCode >= 500 {
		return newErr(ClassNetworkTransient, r.venue, "http get", fmt.Errorf("%d: %s", resp.StatusCode, truncate(body, 200)))
	}
	if resp.StatusCode >= 400 {
		return newErr(ClassNetworkPermanent, r.venue, "http get", fmt.Errorf("%d: %s", resp.StatusCode, truncate(body, 200)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return newErr(ClassParse, r.venue, "unmarshal", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
