// Package httpapi exposes the public HTTP surface: the REST snapshot
// endpoints (coins, momentum-by-timeframe, status), a /health probe, and the
// websocket upgrade entrypoint that hands new connections to
// internal/fanout.Hub. Prometheus metrics are served by internal/metrics on
// their own address, not here.
//
// Grounded on cmd/main.go's startWebSocketServer (teacher: a gorilla/
// websocket Upgrader behind a plain http.HandleFunc, plus a JSON health
// endpoint) generalized to the full REST+WS surface spec.md §4.7/§7 needs,
// with internal/ratelimit.Limiter wired in front of every route per
// spec.md §9.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"momentumd/internal/fanout"
	"momentumd/internal/metrics"
	"momentumd/internal/model"
	"momentumd/internal/momentum"
	"momentumd/internal/ratelimit"
)

// Server owns the public HTTP listener.
type Server struct {
	logger  *zap.Logger
	hub     *fanout.Hub
	cache   *momentum.Cache
	metrics *metrics.Metrics
	limiter *ratelimit.Limiter
	started time.Time

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// New creates a Server. metrics may be nil if Prometheus export is
// disabled; limiter may be nil to skip ingress rate limiting (e.g. in
// tests).
func New(hub *fanout.Hub, cache *momentum.Cache, m *metrics.Metrics, limiter *ratelimit.Limiter, logger *zap.Logger) *Server {
	return &Server{
		logger:  logger.Named("httpapi"),
		hub:     hub,
		cache:   cache,
		metrics: m,
		limiter: limiter,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin:       func(r *http.Request) bool { return true },
			EnableCompression: true,
		},
	}
}

// Handler builds the routed mux, wrapped in the ingress rate-limit
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/coins", s.handleCoins)
	mux.HandleFunc("/api/momentum-timeframe", s.handleMomentumTimeframe)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	return s.withRateLimit(mux)
}

// Start begins serving on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}
	s.logger.Info("starting http api server", zap.String("addr", addr))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http api server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiter.Allow(ip) {
			if s.metrics != nil {
				s.metrics.RecordRateLimitRejection(r.URL.Path)
			}
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

var sessionSeq int64

// nextSessionID produces a process-unique session identifier without
// pulling in a UUID dependency the rest of the stack never needed.
func nextSessionID() string {
	n := atomic.AddInt64(&sessionSeq, 1)
	return fmt.Sprintf("ws-%d-%d", time.Now().UnixNano(), n)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// coinsResponse is the wire shape of GET /api/coins?tf=.
type coinsResponse struct {
	TF    int                `json:"tf"`
	Coins []coinEntry        `json:"coins"`
}

type coinEntry struct {
	Key  string `json:"key"`
	Up   *uint8 `json:"up"`
	Down *uint8 `json:"down"`
}

func (s *Server) handleCoins(w http.ResponseWriter, r *http.Request) {
	tf, err := parseTFParam(r, "tf")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	snap := s.cache.Snapshot(tf)
	resp := coinsResponse{TF: int(tf), Coins: make([]coinEntry, 0, len(snap))}
	for key, m := range snap {
		entry := coinEntry{Key: key.String()}
		if m.IsNumber() {
			up, down := m.Up, m.Down
			entry.Up, entry.Down = &up, &down
		}
		resp.Coins = append(resp.Coins, entry)
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleMomentumTimeframe implements GET /api/momentum-timeframe?unit=,
// where unit is the timeframe in minutes — an alias surface over the same
// cache snapshot, kept separate from /api/coins because spec.md §7 names
// it as its own endpoint with its own query parameter name.
func (s *Server) handleMomentumTimeframe(w http.ResponseWriter, r *http.Request) {
	tf, err := parseTFParam(r, "unit")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	snap := s.cache.Snapshot(tf)
	resp := coinsResponse{TF: int(tf), Coins: make([]coinEntry, 0, len(snap))}
	for key, m := range snap {
		entry := coinEntry{Key: key.String()}
		if m.IsNumber() {
			up, down := m.Up, m.Down
			entry.Up, entry.Down = &up, &down
		}
		resp.Coins = append(resp.Coins, entry)
	}

	writeJSON(w, http.StatusOK, resp)
}

type statusResponse struct {
	Status      string `json:"status"`
	UptimeSecs  int64  `json:"uptimeSeconds"`
	Connections int    `json:"connections"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:      "ok",
		UptimeSecs:  int64(time.Since(s.started).Seconds()),
		Connections: s.hub.SessionCount(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": "momentumd"})
}

// handleWebSocket upgrades the connection, admits it through the Hub's
// per-IP/global caps, and starts its read/write pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.hub.TryAdmit(ip) {
		if s.metrics != nil {
			s.metrics.RecordConnectionRefusal("capacity")
		}
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	session := fanout.NewSession(nextSessionID(), ip, conn, s.logger)
	s.hub.Register(session)
	if s.metrics != nil {
		s.metrics.SetActiveConnections(s.hub.SessionCount())
	}

	go func() {
		session.WritePump()
	}()
	s.hub.ReadPump(session)

	if s.metrics != nil {
		s.metrics.SetActiveConnections(s.hub.SessionCount())
	}
}

func parseTFParam(r *http.Request, name string) (model.Timeframe, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, fmt.Errorf("missing %q query parameter", name)
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid %q value %q", name, raw)
	}
	tf := model.Timeframe(n)
	if !tf.IsAllowed() {
		return 0, fmt.Errorf("unsupported timeframe %d", n)
	}
	return tf, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
