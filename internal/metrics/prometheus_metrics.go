// Package metrics exposes the Prometheus surface for the momentum
// aggregator: ingestion throughput, bar-close/momentum-compute counts,
// exchange connection health, backfill activity, and fan-out/ingress
// counters.
//
// Grounded on the teacher's own internal/metrics/prometheus_metrics.go
// (PrometheusMetrics struct of CounterVec/HistogramVec/GaugeVec fields,
// NewPrometheusMetrics registering them all at construction, a
// Start/Stop-managed /metrics HTTP server) — kept near-verbatim in shape,
// with every metric renamed from the teacher's gap-detection/Redis-pipeline
// domain to this repo's tick/candle/momentum/backfill/fanout domain.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds every Prometheus collector this service registers.
type Metrics struct {
	TicksProcessed     *prometheus.CounterVec
	BarsClosed         *prometheus.CounterVec
	MomentumComputed   *prometheus.CounterVec
	ComputeLatency     *prometheus.HistogramVec
	ActiveConnections  prometheus.Gauge
	ConnectionRefusals *prometheus.CounterVec

	ExchangeStatus      *prometheus.GaugeVec
	WebSocketReconnects *prometheus.CounterVec

	BackfillRequests *prometheus.CounterVec
	BackfillFailures *prometheus.CounterVec
	SchedulerPauses  *prometheus.CounterVec

	RateLimitRejections *prometheus.CounterVec
	SnapshotWrites      *prometheus.CounterVec
	ArchiveFlushes      *prometheus.CounterVec
	ServiceUptime       prometheus.Gauge

	registry *prometheus.Registry
	logger   *zap.Logger
	server   *http.Server
}

// New creates every collector and registers it against a private registry —
// unlike the teacher's MustRegister-on-the-default-registry, so that
// constructing a Metrics more than once (as repeated test runs in the same
// process do) never panics on a duplicate registration.
func New(logger *zap.Logger) *Metrics {
	m := &Metrics{
		logger: logger.Named("metrics"),

		TicksProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "momentumd_ticks_processed_total",
				Help: "Total number of live trade ticks ingested per exchange/symbol",
			},
			[]string{"exchange", "symbol"},
		),

		BarsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "momentumd_bars_closed_total",
				Help: "Total number of completed candles emitted per exchange/symbol/timeframe",
			},
			[]string{"exchange", "symbol", "timeframe"},
		),

		MomentumComputed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "momentumd_momentum_computed_total",
				Help: "Total number of momentum recomputations by resulting state",
			},
			[]string{"timeframe", "state"},
		),

		ComputeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "momentumd_compute_latency_seconds",
				Help:    "Latency of momentum recomputation passes",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
			[]string{"timeframe", "scope"},
		),

		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "momentumd_active_ws_connections",
				Help: "Number of currently connected websocket clients",
			},
		),

		ConnectionRefusals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "momentumd_connection_refusals_total",
				Help: "Total number of websocket connections refused by admission control",
			},
			[]string{"reason"},
		),

		ExchangeStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "momentumd_exchange_status",
				Help: "Exchange ticker-stream connection status (1=connected, 0=disconnected)",
			},
			[]string{"exchange"},
		),

		WebSocketReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "momentumd_exchange_reconnects_total",
				Help: "Total number of exchange websocket reconnections",
			},
			[]string{"exchange", "reason"},
		),

		BackfillRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "momentumd_backfill_requests_total",
				Help: "Total number of REST backfill fetches issued",
			},
			[]string{"exchange", "timeframe", "kind"},
		),

		BackfillFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "momentumd_backfill_failures_total",
				Help: "Total number of REST backfill fetches that failed after retry",
			},
			[]string{"exchange", "timeframe"},
		),

		SchedulerPauses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "momentumd_scheduler_pauses_total",
				Help: "Total number of times a rate-limit scheduler entered its Paused state",
			},
			[]string{"family"},
		),

		RateLimitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "momentumd_ratelimit_rejections_total",
				Help: "Total number of HTTP requests rejected by the per-IP ingress rate limiter",
			},
			[]string{"route"},
		),

		SnapshotWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "momentumd_snapshot_writes_total",
				Help: "Total number of persistence snapshot writes by outcome",
			},
			[]string{"outcome"},
		),

		ArchiveFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "momentumd_archive_flushes_total",
				Help: "Total number of archive CSV flush passes by outcome",
			},
			[]string{"outcome"},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "momentumd_service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
	}

	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(
		m.TicksProcessed,
		m.BarsClosed,
		m.MomentumComputed,
		m.ComputeLatency,
		m.ActiveConnections,
		m.ConnectionRefusals,
		m.ExchangeStatus,
		m.WebSocketReconnects,
		m.BackfillRequests,
		m.BackfillFailures,
		m.SchedulerPauses,
		m.RateLimitRejections,
		m.SnapshotWrites,
		m.ArchiveFlushes,
		m.ServiceUptime,
	)

	return m
}

// Start serves /metrics (and a trivial /health) on addr until Stop is called.
func (m *Metrics) Start(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	m.server = &http.Server{Addr: addr, Handler: mux}

	m.logger.Info("starting metrics server", zap.String("addr", addr))
	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts the metrics server down.
func (m *Metrics) Stop() error {
	if m.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.server.Shutdown(ctx)
}

// RecordTick increments the per-(exchange,symbol) tick counter.
func (m *Metrics) RecordTick(exchange, symbol string) {
	m.TicksProcessed.WithLabelValues(exchange, symbol).Inc()
}

// RecordBarClose increments the per-(exchange,symbol,tf) bar-close counter.
func (m *Metrics) RecordBarClose(exchange, symbol, timeframe string) {
	m.BarsClosed.WithLabelValues(exchange, symbol, timeframe).Inc()
}

// RecordMomentumComputed increments the per-(tf,state) momentum counter and
// observes the compute pass latency.
func (m *Metrics) RecordMomentumComputed(timeframe, state, scope string, d time.Duration) {
	m.MomentumComputed.WithLabelValues(timeframe, state).Inc()
	m.ComputeLatency.WithLabelValues(timeframe, scope).Observe(d.Seconds())
}

// SetActiveConnections sets the current websocket client gauge.
func (m *Metrics) SetActiveConnections(n int) {
	m.ActiveConnections.Set(float64(n))
}

// RecordConnectionRefusal increments the admission-control refusal counter.
func (m *Metrics) RecordConnectionRefusal(reason string) {
	m.ConnectionRefusals.WithLabelValues(reason).Inc()
}

// SetExchangeStatus sets the connection gauge for one exchange.
func (m *Metrics) SetExchangeStatus(exchange string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	m.ExchangeStatus.WithLabelValues(exchange).Set(v)
}

// RecordReconnect increments the exchange reconnect counter.
func (m *Metrics) RecordReconnect(exchange, reason string) {
	m.WebSocketReconnects.WithLabelValues(exchange, reason).Inc()
}

// RecordBackfillRequest increments the backfill request counter.
func (m *Metrics) RecordBackfillRequest(exchange, timeframe, kind string) {
	m.BackfillRequests.WithLabelValues(exchange, timeframe, kind).Inc()
}

// RecordBackfillFailure increments the backfill failure counter.
func (m *Metrics) RecordBackfillFailure(exchange, timeframe string) {
	m.BackfillFailures.WithLabelValues(exchange, timeframe).Inc()
}

// RecordSchedulerPause increments the scheduler-pause counter.
func (m *Metrics) RecordSchedulerPause(family string) {
	m.SchedulerPauses.WithLabelValues(family).Inc()
}

// RecordRateLimitRejection increments the ingress rate-limit rejection counter.
func (m *Metrics) RecordRateLimitRejection(route string) {
	m.RateLimitRejections.WithLabelValues(route).Inc()
}

// RecordSnapshotWrite increments the persistence snapshot counter.
func (m *Metrics) RecordSnapshotWrite(outcome string) {
	m.SnapshotWrites.WithLabelValues(outcome).Inc()
}

// RecordArchiveFlush increments the archive flush counter.
func (m *Metrics) RecordArchiveFlush(outcome string) {
	m.ArchiveFlushes.WithLabelValues(outcome).Inc()
}

// SetUptime sets the service uptime gauge.
func (m *Metrics) SetUptime(d time.Duration) {
	m.ServiceUptime.Set(d.Seconds())
}
