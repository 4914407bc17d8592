package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"momentumd/internal/fanout"
	"momentumd/internal/model"
	"momentumd/internal/momentum"
)

func newTestServer() *Server {
	cache := momentum.NewCache()
	cache.Set(model.TF5, model.SymbolKey{Exchange: model.UpbitSpot, Symbol: "BTC"}, model.Momentum{State: model.Computed, Up: 70, Down: 30})

	hub := fanout.NewHub(cache, nil, zap.NewNop())
	return New(hub, cache, nil, nil, zap.NewNop())
}

func TestHandleCoinsReturnsSnapshot(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/coins?tf=5", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "UPBIT_SPOT:BTC")
}

func TestHandleCoinsRejectsUnknownTimeframe(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/coins?tf=7", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleMomentumTimeframeUsesUnitParam(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/momentum-timeframe?unit=5", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "UPBIT_SPOT:BTC")
}

func TestHandleStatusReportsConnectionCount(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"connections":0`)
}
