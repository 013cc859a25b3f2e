package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"castellan/api"
	"castellan/balancer"
	"castellan/config"
	"castellan/correlation"
	"castellan/dispatch"
	"castellan/metrics"
	"castellan/queue"
	"castellan/registry"
	"castellan/state"
	"castellan/storage"
	"castellan/util/goroutine"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// App represents the Castellan coordinator with all its components.
type App struct {
	// Configuration
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	// Storage
	Storage *StorageComponents
	State   state.Store

	// Coordination
	Queue      *queue.EventQueue
	Registry   *registry.Registry
	Balancer   *balancer.Balancer
	Engine     *correlation.Engine
	Dispatcher *dispatch.Dispatcher
	Retention  *storage.RetentionManager

	// Services
	APIServer *api.API
	Collector *metrics.ComponentCollector
	Tracer    *sdktrace.TracerProvider

	closeTransport func()
	unsubscribe    []func()

	// Lifecycle
	serviceWg    *sync.WaitGroup
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// NewApp initializes logging and configuration, then builds every component.
// configPath may be empty to search the default locations.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	logger, sugar, level := InitLogger()
	sugar.Info("Castellan coordinator starting...")

	cfg, err := InitConfig(sugar, configPath)
	if err != nil {
		return nil, err
	}
	if err := SetLogLevel(level, cfg.LogLevel); err != nil {
		sugar.Warnw("Ignoring log level", "error", err)
	}

	return NewAppWithConfig(ctx, cfg, logger)
}

// NewAppWithConfig builds every component from an already loaded config.
// In graceful mode a failed rule or dead letter load is logged and startup
// continues.
func NewAppWithConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	sugar := logger.Sugar()
	app := &App{
		Config:    cfg,
		Logger:    logger,
		Sugar:     sugar,
		serviceWg: &sync.WaitGroup{},
		Collector: metrics.NewComponentCollector(),
	}
	defer func() {
		if err != nil {
			app.closeAll()
		}
	}()

	sugar.Info("Running pre-flight checks...")
	dirs := DataDirectoriesFromConfig(cfg)
	if err := EnsureDataDirectories(dirs, sugar); err != nil {
		return nil, fmt.Errorf("pre-flight check failed: %w", err)
	}

	sqlite, err := InitSQLite(dirs, sugar)
	if err != nil {
		return nil, err
	}
	app.Storage, err = InitStorage(ctx, sqlite, sugar)
	if err != nil {
		sqlite.Close()
		return nil, err
	}

	app.State, err = InitState(ctx, cfg, app.Storage, sugar)
	if err != nil {
		return nil, err
	}

	app.Tracer = InitTracing(cfg, sugar)

	if err := app.initCoordination(ctx); err != nil {
		return nil, err
	}
	if err := app.initRetention(); err != nil {
		return nil, err
	}
	app.registerMetrics()

	gatherer := prometheus.NewRegistry()
	if err := gatherer.Register(app.Collector); err != nil {
		return nil, fmt.Errorf("failed to register component metrics: %w", err)
	}
	app.APIServer, err = api.NewAPI(api.Components{
		Queue:      app.Queue,
		Registry:   app.Registry,
		Balancer:   app.Balancer,
		Engine:     app.Engine,
		Dispatcher: app.Dispatcher,
		State:      app.State,
		Retention:  app.Retention,
		Gatherer:   prometheus.Gatherers{prometheus.DefaultGatherer, gatherer},
	}, cfg, sugar.Named("api"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize API: %w", err)
	}

	return app, nil
}

// initCoordination builds the queue, registry, balancer, correlation engine
// and dispatcher and wires their notifications together.
func (a *App) initCoordination(ctx context.Context) error {
	cfg := a.Config
	sugar := a.Sugar

	a.Queue = queue.New(cfg.Queue, a.Storage.DeadLetters, sugar.Named("queue"))
	lctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	n, err := a.Queue.LoadDeadLetterIndex(lctx)
	cancel()
	if err != nil {
		if !cfg.IsGracefulMode() {
			return fmt.Errorf("failed to load dead letter index: %w", err)
		}
		sugar.Warnw("Dead letter index not loaded, continuing in graceful mode", "error", err)
	} else {
		sugar.Infow("Event queue initialized", "capacity", cfg.Queue.Capacity, "dead_letters", n)
	}

	rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	restored, err := a.Queue.Restore(rctx, a.Storage.Pending)
	cancel()
	if err != nil {
		if !cfg.IsGracefulMode() {
			return fmt.Errorf("failed to restore pending events: %w", err)
		}
		sugar.Warnw("Pending events not restored, continuing in graceful mode", "error", err)
	} else if restored > 0 {
		sugar.Infow("Pending events restored from SQLite", "count", restored)
	}

	transport, closeTransport, err := InitTransport(ctx, cfg, sugar)
	if err != nil {
		return err
	}
	a.closeTransport = closeTransport
	a.Registry = registry.New(cfg.Registry, transport, sugar.Named("registry"))

	a.Balancer, err = balancer.New(cfg.Balancer, sugar.Named("balancer"))
	if err != nil {
		return fmt.Errorf("failed to initialize load balancer: %w", err)
	}
	a.unsubscribe = append(a.unsubscribe, a.Registry.Subscribe(a.Balancer.HandleInstanceEvent))
	sugar.Infow("Load balancer initialized", "strategy", a.Balancer.Strategy())

	opts := []correlation.Option{correlation.WithRepository(a.Storage.Correlations)}
	if a.Tracer != nil {
		opts = append(opts, correlation.WithTracerProvider(a.Tracer))
	}
	a.Engine, err = correlation.NewEngine(cfg.Correlation, a.State, sugar.Named("correlation"), opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize correlation engine: %w", err)
	}
	if err := a.loadRules(ctx); err != nil {
		if !cfg.IsGracefulMode() {
			return err
		}
		sugar.Warnw("Correlation rules not loaded, continuing in graceful mode", "error", err)
	}

	a.Dispatcher = dispatch.New(cfg.Dispatch, a.Queue, a.Registry, a.Balancer, a.State,
		sugar.Named("dispatch"), dispatch.WithAnalyzer(a.Engine))
	return nil
}

// loadRules restores persisted rules, then applies the rules file on top
// when one is configured.
func (a *App) loadRules(ctx context.Context) error {
	lctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	n, err := a.Engine.LoadPersistedRules(lctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted correlation rules: %w", err)
	}
	a.Sugar.Infow("Persisted correlation rules loaded", "count", n)

	if path := a.Config.Correlation.RulesFile; path != "" {
		if _, err := a.Engine.LoadRulesFile(lctx, path); err != nil {
			return fmt.Errorf("failed to load correlation rules file: %w", err)
		}
	}
	return nil
}

// initRetention schedules the cleanup jobs
func (a *App) initRetention() error {
	cfg := a.Config.Retention
	a.Retention = storage.NewRetentionManager(cfg, a.Sugar.Named("retention"))

	if err := a.Retention.AddCutoffJob("dead_letters", cfg.DeadLetterDays, a.Storage.DeadLetters.PurgeBefore); err != nil {
		return err
	}
	if err := a.Retention.AddCutoffJob("state_tombstones", cfg.TombstoneDays, a.Storage.StateStore.PurgeTombstonesBefore); err != nil {
		return err
	}
	if days := cfg.CorrelationDays; days > 0 {
		maxAge := time.Duration(days) * 24 * time.Hour
		// also removes the persisted rows
		if err := a.Retention.AddJob("correlations", "", func(ctx context.Context) (int64, error) {
			n, err := a.Engine.CleanupOldCorrelations(ctx, maxAge)
			return int64(n), err
		}); err != nil {
			return err
		}
	}

	// Periodic upkeep shares the retention scheduler
	if err := a.Retention.AddJob("balancer_weights", weightRefreshSchedule, a.refreshWeights); err != nil {
		return err
	}
	return a.Retention.AddJob("correlation_model", modelRefreshSchedule, a.refreshModel)
}

const (
	weightRefreshSchedule = "@every 30s"
	modelRefreshSchedule  = "@every 1m"
)

// refreshWeights recomputes balancer weights from the registry snapshot
func (a *App) refreshWeights(ctx context.Context) (int64, error) {
	instances := a.Registry.GetInstances(false)
	a.Balancer.RefreshInstanceWeights(instances)
	return int64(len(instances)), nil
}

// refreshModel picks up rule weights trained by other coordinators
func (a *App) refreshModel(ctx context.Context) (int64, error) {
	return 0, a.Engine.RefreshModel(ctx)
}

type gaugeSource interface {
	Gauges() map[string]float64
}

// registerMetrics exposes component snapshots as Prometheus gauges
func (a *App) registerMetrics() {
	a.Collector.Register("queue", a.Queue.Gauges)
	a.Collector.Register("registry", a.Registry.Gauges)
	a.Collector.Register("balancer", a.Balancer.Gauges)
	a.Collector.Register("correlation", a.Engine.Gauges)
	a.Collector.Register("dispatch", a.Dispatcher.Gauges)
	a.Collector.Register("sqlite", a.Storage.SQLite.Gauges)
	if g, ok := a.State.(gaugeSource); ok {
		a.Collector.Register("state", g.Gauges)
	}
}

// Start starts health monitoring, the dispatcher, retention and the API.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.Registry.StartHealthMonitoring(ctx)

	if err := a.Dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	a.Retention.Start()
	a.Sugar.Infow("Retention jobs scheduled", "jobs", len(a.Retention.Jobs()))

	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		defer goroutine.Recover("api-server", a.Sugar)
		if err := a.APIServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Sugar.Errorf("API server error: %v", err)
		}
	}()

	a.Sugar.Infow("Castellan coordinator started", "instance_id", a.Config.InstanceID)
	return nil
}

// WaitForShutdown blocks until a shutdown signal is received or ctx ends.
func (a *App) WaitForShutdown(ctx context.Context) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case sig := <-c:
		a.Sugar.Infow("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}
}

// Shutdown gracefully shuts down all components. Safe to call more than once.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() {
		a.Sugar.Info("Shutting down...")

		// Phase 1 - stop accepting work
		a.Sugar.Info("Phase 1: Stopping API server...")
		if a.APIServer != nil {
			timeout := a.Config.API.ShutdownTimeout
			if timeout <= 0 {
				timeout = 10 * time.Second
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			if err := a.APIServer.Stop(ctx); err != nil {
				a.Sugar.Errorw("Failed to stop API server", "error", err)
			}
			cancel()
		}

		// Phase 2 - drain in-flight claims
		a.Sugar.Info("Phase 2: Stopping dispatcher...")
		if a.Dispatcher != nil {
			a.Dispatcher.Stop()
		}
		a.persistQueue()

		// Phase 3 - background loops
		a.Sugar.Info("Phase 3: Stopping health monitoring and retention...")
		if a.Registry != nil {
			a.Registry.StopHealthMonitoring()
		}
		if a.Retention != nil {
			a.Retention.Stop()
		}
		if a.cancel != nil {
			a.cancel()
		}

		// Phase 4 - wait for service goroutines
		a.Sugar.Info("Phase 4: Waiting for service goroutines to complete...")
		done := make(chan struct{})
		go func() {
			a.serviceWg.Wait()
			close(done)
		}()
		select {
		case <-done:
			a.Sugar.Info("All service goroutines stopped successfully")
		case <-time.After(15 * time.Second):
			a.Sugar.Warn("Service goroutine shutdown timed out")
		}

		// Phase 5 - components, state and databases
		a.Sugar.Info("Phase 5: Closing components and storage...")
		a.closeAll()

		if a.Tracer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.Tracer.Shutdown(ctx); err != nil {
				a.Sugar.Warnw("Failed to flush traces", "error", err)
			}
			cancel()
		}

		a.Sugar.Info("Shutdown complete")
		_ = a.Logger.Sync()
	})
}

// persistQueue saves queued events so the next start can restore them
func (a *App) persistQueue() {
	if a.Queue == nil || a.Storage == nil || a.Storage.Pending == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := a.Queue.Persist(ctx, a.Storage.Pending)
	if err != nil {
		a.Sugar.Errorw("Failed to persist pending events", "error", err)
		return
	}
	a.Sugar.Infow("Pending events saved", "count", n)
}

// closeAll releases whatever has been built so far. It also cleans up after
// a failed NewAppWithConfig.
func (a *App) closeAll() {
	for _, unsub := range a.unsubscribe {
		unsub()
	}
	a.unsubscribe = nil
	if a.Engine != nil {
		a.Engine.Close()
	}
	if a.Balancer != nil {
		a.Balancer.Close()
	}
	if a.Registry != nil {
		a.Registry.Close()
	}
	if a.Queue != nil {
		a.Queue.Close()
	}
	if a.closeTransport != nil {
		a.closeTransport()
		a.closeTransport = nil
	}
	if a.State != nil {
		if err := a.State.Close(); err != nil {
			a.Sugar.Errorw("Failed to close shared state", "error", err)
		}
	}
	if err := a.Storage.Close(); err != nil {
		a.Sugar.Errorw("Failed to close SQLite", "error", err)
	}
}
