// Command momentumd runs the real-time cross-exchange momentum aggregator:
// six venue adapters feed a shared candle store, a momentum engine scores
// each (exchange, symbol, timeframe), and a websocket fan-out pushes
// ranking/ticker updates to connected clients.
//
// Grounded on the teacher's cmd/main.go (a single lifecycle struct with
// initialize/start/waitForShutdown/shutdown methods, SIGINT/SIGTERM
// handling, a zap.NewProductionConfig logger) — kept in the same shape,
// generalized from one exchange-specific normalize-and-broadcast pipeline
// to the full candlestore/momentum/fanout/backfill/fx/persistence stack.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"momentumd/internal/aggregator"
	"momentumd/internal/archive"
	"momentumd/internal/backfill"
	"momentumd/internal/candlestore"
	"momentumd/internal/config"
	"momentumd/internal/exchange"
	"momentumd/internal/fanout"
	"momentumd/internal/fx"
	"momentumd/internal/httpapi"
	"momentumd/internal/metrics"
	"momentumd/internal/model"
	"momentumd/internal/momentum"
	"momentumd/internal/persistence"
	"momentumd/internal/pubsub"
	"momentumd/internal/ratelimit"
	"momentumd/internal/reconnect"
	"momentumd/internal/scheduler"
	"momentumd/internal/supervisor"
)

// restChunkSize is how many backfill fetches the orchestrator submits to an
// exchange's scheduler per chunk before recomputing and broadcasting; every
// venue gets the same value. Concurrency and spacing of the REST calls
// themselves are set by each venue's scheduler.
const restChunkSize = 5

const restInterChunkDelay = 500 * time.Millisecond
const restPauseWindow = 30 * time.Second

// App is the process lifecycle owner, grounded on the teacher's
// P9MicroStream struct.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	store      *candlestore.Store
	cache      *momentum.Cache
	engine     *momentum.Engine
	aggregator *aggregator.Aggregator
	adapters   map[model.ExchangeKind]exchange.Adapter
	schedulers map[model.ExchangeKind]scheduler.Submitter
	orchestrator *backfill.Orchestrator

	hub     *fanout.Hub
	fxMgr   *fx.Manager
	archive *archive.Archive
	persist *persistence.Manager
	metrics *metrics.Metrics
	limiter *ratelimit.Limiter
	relay   *pubsub.Relay
	api     *httpapi.Server
	sup     *supervisor.Supervisor

	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	fmt.Println("momentumd starting")

	app := &App{}
	if err := app.initialize(); err != nil {
		fmt.Printf("failed to initialize momentumd: %v\n", err)
		os.Exit(1)
	}
	if err := app.start(); err != nil {
		fmt.Printf("failed to start momentumd: %v\n", err)
		os.Exit(1)
	}

	app.waitForShutdown()

	if err := app.shutdown(); err != nil {
		fmt.Printf("error during shutdown: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("momentumd stopped gracefully")
}

func (app *App) initialize() error {
	var err error
	app.ctx, app.cancel = context.WithCancel(context.Background())

	app.logger, err = setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	app.logger.Info("initializing momentumd")

	execPath, _ := os.Executable()
	execDir := filepath.Dir(execPath)
	configPath := filepath.Join(execDir, "configs", "config.yaml")
	if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
		configPath = ""
	}

	loader := config.NewConfigLoader(app.logger)
	app.cfg, err = loader.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	app.logger.Info("configuration loaded", zap.Int("exchanges", len(app.cfg.Exchanges)), zap.String("data_dir", app.cfg.DataDir))

	app.store = candlestore.New(app.logger)
	app.cache = momentum.NewCache()
	app.engine = momentum.New(app.store, app.cache, app.logger)
	app.metrics = metrics.New(app.logger)
	app.limiter = ratelimit.New()
	app.archive = archive.New(app.cfg.DataDir, app.logger)
	app.persist = persistence.New(app.cfg.DataDir, app.store, app.cache, app.logger)

	app.persist.LoadAll()

	app.adapters = exchange.NewAll(app.logger)
	app.schedulers = make(map[model.ExchangeKind]scheduler.Submitter, len(model.AllExchangeKinds))
	binanceSched := scheduler.NewChunked("binance", 3, restInterChunkDelay, restPauseWindow, app.logger)
	okxSched := scheduler.NewChunked("okx", 5, time.Second, restPauseWindow, app.logger)
	for _, kind := range model.AllExchangeKinds {
		switch kind {
		case model.UpbitSpot, model.BithumbSpot:
			app.schedulers[kind] = scheduler.NewSerializer(string(kind), 150*time.Millisecond, 3*time.Second, app.logger)
		case model.BinanceSpot, model.BinanceFutures:
			app.schedulers[kind] = binanceSched
		default:
			app.schedulers[kind] = okxSched
		}
	}

	app.aggregator = aggregator.New(app.store, app.onBarClose, app.logger)

	app.hub = fanout.NewHub(app.cache, app.ensureTimeframe, app.logger)
	if app.cfg.Fanout.PerIPLimit > 0 || app.cfg.Fanout.GlobalLimit > 0 {
		app.logger.Info("fanout connection limits configured",
			zap.Int("per_ip", app.cfg.Fanout.PerIPLimit), zap.Int("global", app.cfg.Fanout.GlobalLimit))
	}

	app.orchestrator = backfill.New(backfill.Config{
		Store:       app.store,
		Engine:      app.engine,
		Adapters:    app.adapters,
		Schedulers:  app.schedulers,
		ChunkSize:   chunkSizeByExchange(app.cfg),
		Symbols:     symbolsByExchange(app.cfg),
		OnBroadcast: app.onBackfillBroadcast,
		Logger:      app.logger,
	})

	app.fxMgr = fx.New(fx.UpbitKRWUSDT, fx.BithumbKRWUSDT, app.onFXChange, app.logger)

	if app.cfg.Redis.Enabled {
		app.relay, err = pubsub.New(pubsub.Config{Addr: app.cfg.Redis.Addr, Password: app.cfg.Redis.Password, DB: app.cfg.Redis.DB}, app.logger)
		if err != nil {
			app.logger.Warn("redis relay unavailable, continuing without cross-instance fan-out", zap.Error(err))
			app.relay = nil
		}
	}

	app.api = httpapi.New(app.hub, app.cache, app.metrics, app.limiter, app.logger)
	app.sup = supervisor.NewSupervisor(app.logger)

	app.logger.Info("core components initialized")
	return nil
}

func setupLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	cfg.OutputPaths = []string{"stdout"}
	return cfg.Build()
}

func symbolsByExchange(cfg *config.Config) map[model.ExchangeKind][]string {
	out := make(map[model.ExchangeKind][]string, len(cfg.Exchanges))
	for _, ex := range cfg.Exchanges {
		if !ex.Enabled {
			continue
		}
		out[model.ExchangeKind(ex.Name)] = ex.Symbols
	}
	return out
}

func chunkSizeByExchange(cfg *config.Config) map[model.ExchangeKind]int {
	out := make(map[model.ExchangeKind]int, len(cfg.Exchanges))
	for _, ex := range cfg.Exchanges {
		out[model.ExchangeKind(ex.Name)] = restChunkSize
	}
	return out
}

func (app *App) start() error {
	app.logger.Info("starting momentumd")

	if err := app.api.Start(fmt.Sprintf(":%d", app.cfg.Port)); err != nil {
		return fmt.Errorf("failed to start http api: %w", err)
	}
	if app.cfg.Metrics.Enabled {
		if err := app.metrics.Start(app.cfg.Metrics.Addr); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	if err := app.registerExchangeWorkers(); err != nil {
		return fmt.Errorf("failed to register exchange workers: %w", err)
	}
	if err := app.sup.Start(); err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}

	go app.fxMgr.Run(app.ctx)
	go app.archive.Run(app.ctx.Done())
	go app.persist.Run(app.ctx.Done())
	go app.hub.RunPeriodicRanking(app.ctx.Done())
	go app.orchestrator.StartupBackfill(app.ctx, model.ActiveTimeframes)
	go app.runUptimeGauge()

	app.logger.Info("momentumd operational", zap.Int("exchanges", len(app.adapters)))
	return nil
}

func (app *App) runUptimeGauge() {
	start := time.Now()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-app.ctx.Done():
			return
		case <-ticker.C:
			app.metrics.SetUptime(time.Since(start))
		}
	}
}

// registerExchangeWorkers adds one supervised worker per enabled exchange
// that owns that venue's live ticker stream, restarted on failure with the
// supervisor's exponential backoff (Base, Max and Factor from
// internal/reconnect; no jitter).
func (app *App) registerExchangeWorkers() error {
	count := 0
	for _, exCfg := range app.cfg.Exchanges {
		if !exCfg.Enabled {
			continue
		}
		kind := model.ExchangeKind(exCfg.Name)
		adapter, ok := app.adapters[kind]
		if !ok || adapter == nil {
			app.logger.Warn("no adapter registered for configured exchange", zap.String("exchange", exCfg.Name))
			continue
		}

		symbols := exCfg.Symbols
		workerName := fmt.Sprintf("%s-ticker-stream", kind)
		wc := supervisor.WorkerConfig{
			Name:           workerName,
			Exchange:       kind,
			Symbols:        symbols,
			MaxRetries:     0, // retry forever; the reconnect policy bounds the delay
			InitialBackoff: reconnect.Base,
			MaxBackoff:     reconnect.Max,
			BackoffFactor:  reconnect.Factor,
		}
		if err := app.sup.AddWorker(wc, app.tickerStreamWorker(kind, adapter, symbols)); err != nil {
			return err
		}
		count++
	}
	app.logger.Info("exchange workers registered", zap.Int("count", count))
	return nil
}

func (app *App) tickerStreamWorker(kind model.ExchangeKind, adapter exchange.Adapter, symbols []string) supervisor.WorkerFunc {
	return func(ctx context.Context) error {
		logger := app.logger.With(zap.String("exchange", string(kind)))
		syms := symbols
		if len(syms) == 0 {
			discovered, err := adapter.ListMarkets(ctx)
			if err != nil {
				return fmt.Errorf("list markets: %w", err)
			}
			syms = discovered
		}

		app.metrics.SetExchangeStatus(string(kind), true)
		defer app.metrics.SetExchangeStatus(string(kind), false)

		err := adapter.OpenTickerStream(ctx, syms, func(t exchange.Tick) {
			app.metrics.RecordTick(string(kind), t.Symbol)
			app.aggregator.OnTicker(kind, t.Symbol, t.Price, t.Volume, t.TimestampMs)
		})
		if err != nil && ctx.Err() == nil {
			app.metrics.RecordReconnect(string(kind), "stream_error")
			logger.Warn("ticker stream ended, will reconnect", zap.Error(err))
		}
		return err
	}
}

// onBarClose fires once per completed 1-minute candle: archives it,
// recomputes 1m momentum, and synthesizes any higher timeframe whose
// bucket this candle just completed (spec.md §4.4/§4.9's bar-close-only
// archive policy).
func (app *App) onBarClose(ex model.ExchangeKind, symbol string, candle model.Candle) {
	app.archive.OnBarClose(ex, symbol, model.TF1, candle)
	app.metrics.RecordBarClose(string(ex), symbol, tfLabel(model.TF1))
	app.recomputeAndPush(ex, symbol, model.TF1)

	for _, tf := range model.ActiveTimeframes {
		if tf == model.TF1 {
			continue
		}
		bucket := model.BucketStart(candle.TimestampMs, tf)
		nextBucket := model.BucketStart(candle.TimestampMs+model.TF1.Millis(), tf)
		if nextBucket == bucket {
			continue // not the last 1m candle in this higher-tf bucket yet
		}
		app.closeHigherTF(ex, symbol, tf, bucket)
	}
}

func (app *App) closeHigherTF(ex model.ExchangeKind, symbol string, tf model.Timeframe, bucket int64) {
	oneMin := app.store.Get(ex, symbol, model.TF1)
	ascending := make([]model.Candle, 0, len(oneMin.Candles))
	for i := len(oneMin.Candles) - 1; i >= 0; i-- {
		c := oneMin.Candles[i]
		if c.TimestampMs >= bucket && c.TimestampMs < bucket+tf.Millis() {
			ascending = append(ascending, c)
		}
	}
	if len(ascending) == 0 {
		return
	}

	synthesized := aggregator.SynthesizeHigherTF(ascending, tf)
	if len(synthesized) == 0 {
		return
	}

	app.store.Put(ex, symbol, tf, synthesized, time.Now().UnixMilli())
	for _, c := range synthesized {
		app.archive.OnBarClose(ex, symbol, tf, c)
	}
	app.metrics.RecordBarClose(string(ex), symbol, tfLabel(tf))
	app.recomputeAndPush(ex, symbol, tf)
}

func tfLabel(tf model.Timeframe) string {
	return fmt.Sprintf("%d", int(tf))
}

// momentumStateLabel renders a MomentumState as a metrics label; the state
// itself carries no String() method since model intentionally keeps no
// behavior beyond small invariant helpers (see package doc).
func momentumStateLabel(s model.MomentumState) string {
	switch s {
	case model.Computed:
		return "computed"
	case model.Insufficient:
		return "insufficient"
	default:
		return "not_attempted"
	}
}

func (app *App) recomputeAndPush(ex model.ExchangeKind, symbol string, tf model.Timeframe) {
	start := time.Now()
	val := app.engine.RecomputeSymbol(ex, symbol, tf)
	app.metrics.RecordMomentumComputed(tfLabel(tf), momentumStateLabel(val.State), "symbol", time.Since(start))

	key := model.SymbolKey{Exchange: ex, Symbol: symbol}
	view := app.store.Get(ex, symbol, tf)
	if len(view.Candles) > 0 {
		latest := view.Candles[0]
		app.hub.PushTicker(tf, key, latest.Close, 0)

		if app.relay != nil {
			var up, down *uint8
			if val.IsNumber() {
				u, d := val.Up, val.Down
				up, down = &u, &d
			}
			frame, err := fanout.TickerUpdate{Type: "U", Key: key.String(), Price: latest.Close, Up: up, Down: down}.Marshal()
			if err == nil {
				_ = app.relay.PublishTicker(app.ctx, key.String(), frame)
			}
		}
	}
	app.hub.BroadcastRanking(tf, false)
}

// ensureTimeframe is handed to fanout.Hub as its EnsureTimeframeFunc,
// triggering a JIT backfill pass synchronously before the client's
// immediate ranking response is built (spec.md §4.7).
func (app *App) ensureTimeframe(tf model.Timeframe) {
	app.orchestrator.EnsureTimeframe(app.ctx, tf)
}

func (app *App) onBackfillBroadcast(tf model.Timeframe, affected []model.SymbolKey) {
	app.hub.BroadcastRanking(tf, true)
}

// onFXChange is handed to fx.Manager and logs each reported rate for
// operators. It sends no message to websocket clients, and nothing else in
// the process reads the manager's rate.
func (app *App) onFXChange(rate float64) {
	app.logger.Info("fx rate updated", zap.Float64("krw_per_usdt", rate))
}

func (app *App) waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	app.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
}

func (app *App) shutdown() error {
	app.logger.Info("shutting down momentumd")
	app.cancel()

	if err := app.sup.Stop(); err != nil {
		app.logger.Error("error stopping supervisor", zap.Error(err))
	}
	if err := app.persist.SaveAll(); err != nil {
		app.logger.Error("error saving final snapshot", zap.Error(err))
	}
	app.archive.Flush()
	if err := app.api.Stop(); err != nil {
		app.logger.Error("error stopping http api", zap.Error(err))
	}
	if app.cfg.Metrics.Enabled {
		if err := app.metrics.Stop(); err != nil {
			app.logger.Error("error stopping metrics server", zap.Error(err))
		}
	}
	if app.relay != nil {
		if err := app.relay.Close(); err != nil {
			app.logger.Error("error closing redis relay", zap.Error(err))
		}
	}

	app.logger.Info("momentumd shutdown complete")
	return nil
}
