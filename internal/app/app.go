package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"metrofleet/internal/assets"
	"metrofleet/internal/compute"
	"metrofleet/internal/config"
	apierrors "metrofleet/internal/errors"
	"metrofleet/internal/exporter"
	"metrofleet/internal/extract"
	"metrofleet/internal/infrastructure"
	"metrofleet/internal/load"
	customMiddleware "metrofleet/internal/middleware"
	"metrofleet/internal/operations"
	"metrofleet/internal/partition"
	transport "metrofleet/internal/transport/http"
	"metrofleet/internal/warehouse"
	ws "metrofleet/internal/websocket"
	"metrofleet/pkg/contracts"
)

// Application is the main application container
type Application struct {
	Config    *config.Config
	Paths     *config.Paths
	Logger    *slog.Logger
	Providers *infrastructure.OTelProviders
	Metrics   *infrastructure.PipelineMetrics
	Warehouse warehouse.Connector
	Models    *compute.ModelStore
	Graph     *operations.Graph
	Scheduler *operations.Scheduler
	Hub       *ws.Hub
	Exporter  *exporter.Exporter
	Cron      *cron.Cron
	Router    *chi.Mux
	Server    *http.Server

	closeLog func() error
	runner   extract.Runner
}

// Option customizes New
type Option func(*Application)

// WithLogger replaces the logger built from the logging config
func WithLogger(logger *slog.Logger) Option {
	return func(a *Application) { a.Logger = logger }
}

// WithRunner replaces the process runner used by asset bodies
func WithRunner(r extract.Runner) Option {
	return func(a *Application) { a.runner = r }
}

// New builds every component from cfg. Nothing is started; call Start or Run.
// On error the components opened so far are closed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Application, err error) {
	a := &Application{Config: cfg}
	for _, opt := range opts {
		opt(a)
	}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if a.Logger == nil {
		logger, closeLog, err := infrastructure.NewLogger(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		a.Logger = logger
		a.closeLog = closeLog
	}

	a.Logger.InfoContext(ctx, "Application starting",
		slog.String("version", contracts.Version),
		slog.String("warehouse", cfg.Warehouse.Driver))

	if a.Paths, err = cfg.ResolvePaths(); err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}
	if err := a.Paths.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to ensure directories: %w", err)
	}

	if a.Providers, err = infrastructure.InitializeOTel(cfg.Telemetry, a.Logger); err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	if a.Metrics, err = infrastructure.CreatePipelineMetrics(a.Providers.Meter); err != nil {
		return nil, fmt.Errorf("failed to create pipeline metrics: %w", err)
	}

	if err := a.initializeServices(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	a.setupRouter()
	a.createServer()
	return a, nil
}

// initializeServices opens storage and builds the scheduler
func (a *Application) initializeServices(ctx context.Context) error {
	cfg := a.Config
	var err error

	if a.Warehouse, err = warehouse.Open(ctx, cfg.Warehouse, a.Logger); err != nil {
		return fmt.Errorf("open warehouse: %w", err)
	}
	if a.Models, err = compute.OpenModelStore(ctx, cfg.Compute.ModelBucket, a.Logger); err != nil {
		return fmt.Errorf("open model store: %w", err)
	}
	if a.runner == nil {
		a.runner = extract.NewExecRunner(a.Logger)
	}

	res := assets.Resources{
		Warehouse: a.Warehouse,
		Loader:    load.NewLoader(a.Warehouse, cfg.Load, a.Logger),
		Runner:    a.runner,
		Models:    a.Models,
		Config:    cfg,
		Logger:    a.Logger,
		RawDir:    a.Paths.RawDir,
	}
	if a.Graph, err = assets.BuildGraph(res); err != nil {
		return fmt.Errorf("build asset graph: %w", err)
	}

	horizon, err := cfg.Partitions.HorizonTime()
	if err != nil {
		return fmt.Errorf("partition horizon: %w", err)
	}
	calendar, err := partition.NewMonthly(horizon)
	if err != nil {
		return err
	}

	wsMetrics, err := ws.NewMetrics(a.Providers.Meter)
	if err != nil {
		return fmt.Errorf("websocket metrics: %w", err)
	}
	a.Hub = ws.NewHub(a.Logger, wsMetrics)

	a.Scheduler = operations.NewScheduler(a.Graph, calendar, a.recordStore(ctx), operations.ConfigFromSettings(cfg.Scheduler),
		operations.WithLogger(a.Logger),
		operations.WithTracer(operations.NewAssetTracer(a.Metrics)),
		operations.WithListener(a.Hub))

	if cfg.Scheduler.Cron {
		if a.Cron, err = NewCron(cfg.Schedules, a.Scheduler, a.Logger); err != nil {
			return err
		}
	}

	a.Exporter = exporter.NewExporter(a.Warehouse, a.Paths.ExportsDir, a.Logger)
	return nil
}

// recordStore selects where materialization records are kept. The memory
// warehouse cannot run the queries the warehouse store needs.
func (a *Application) recordStore(ctx context.Context) operations.RecordStore {
	if a.Config.Warehouse.RecordStore == "memory" || a.Config.Warehouse.Driver == "memory" {
		if a.Config.Warehouse.RecordStore != "memory" {
			a.Logger.WarnContext(ctx, "memory warehouse keeps records in memory",
				slog.String("record_store", a.Config.Warehouse.RecordStore))
		}
		return operations.NewMemoryRecordStore()
	}
	return operations.NewWarehouseRecordStore(a.Warehouse, a.Config.Warehouse.RecordsTable)
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() {
	r := chi.NewRouter()
	errHandler := apierrors.NewErrorHandler(a.Logger, a.Config.Telemetry.Environment == "development")
	r.NotFound(errHandler.NotFound)
	r.MethodNotAllowed(errHandler.MethodNotAllowed)

	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)
	r.Use(customMiddleware.StripSlashes)

	// the websocket route must not see middleware that wraps the ResponseWriter
	r.Handle("/ws", ws.NewHandler(a.Hub, a.Config.WebSocket, a.Logger))
	r.Handle("/metrics", transport.NewMetricsHandler(a.Providers.PrometheusHTTP))

	r.Group(func(r chi.Router) {
		// RequestID → RealIP → OTel → Logger → Recoverer
		r.Use(customMiddleware.NewOTelMiddleware(a.Providers, a.Metrics).Handler)
		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(apierrors.RecoveryMiddleware(errHandler))
		r.Use(customMiddleware.SecurityHeaders)
		r.Use(customMiddleware.CORS(customMiddleware.CORSConfig{}))

		if rl := a.Config.Server.RateLimit; rl.Enabled {
			r.Use(customMiddleware.NewRateLimiter(rl.RPS, rl.Burst, a.Logger).Handler)
		}

		a.setupAPIRoutes(r, errHandler)
	})

	a.Router = r
}

// setupAPIRoutes configures API endpoints
func (a *Application) setupAPIRoutes(r chi.Router, errHandler *apierrors.ErrorHandler) {
	validator := customMiddleware.NewValidator(a.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		health := transport.NewHealthHandler(a.Warehouse, a.Hub, a.Logger)
		r.Get("/health", health.HealthCheck)
		r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			render.JSON(w, r, contracts.GetVersionInfo())
		})

		r.Mount("/assets", transport.NewAssetsHandler(a.Scheduler, errHandler, validator, a.Logger).Routes())
	})
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Start starts the background components without the HTTP server. The
// scheduler restores its state from the record store first.
func (a *Application) Start(ctx context.Context) error {
	a.Hub.Start()
	if err := a.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if a.Cron != nil {
		a.Cron.Start()
	}
	a.Logger.InfoContext(ctx, "Application started",
		slog.Int("assets", len(a.Graph.Order())),
		slog.Bool("cron", a.Cron != nil))
	return nil
}

// Run starts everything, serves HTTP and blocks until ctx is cancelled or
// the server fails. Shutdown runs in both cases.
func (a *Application) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		a.Stop(context.Background())
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.InfoContext(gctx, "HTTP server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Stop(context.Background())
	})
	return g.Wait()
}

// Stop gracefully stops the application
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if a.Server != nil {
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}
	if a.Cron != nil {
		select {
		case <-a.Cron.Stop().Done():
		case <-shutdownCtx.Done():
		}
	}
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Hub != nil {
		a.Hub.Stop()
	}
	if err := a.close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// close releases storage, telemetry and the log file
func (a *Application) close(ctx context.Context) error {
	var errs []error
	if a.Models != nil {
		if err := a.Models.Close(); err != nil {
			errs = append(errs, fmt.Errorf("model store close: %w", err))
		}
		a.Models = nil
	}
	if a.Warehouse != nil {
		if err := a.Warehouse.Close(); err != nil {
			errs = append(errs, fmt.Errorf("warehouse close: %w", err))
		}
		a.Warehouse = nil
	}
	if a.Providers != nil {
		if err := a.Providers.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
		a.Providers = nil
	}
	if a.Logger != nil {
		a.Logger.InfoContext(ctx, "Application shutdown complete")
	}
	if a.closeLog != nil {
		if err := a.closeLog(); err != nil {
			errs = append(errs, fmt.Errorf("log close: %w", err))
		}
		a.closeLog = nil
	}
	return errors.Join(errs...)
}

// WaitIdle blocks until the scheduler has nothing queued or running, or
// timeout elapses
func (a *Application) WaitIdle(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return a.Scheduler.WaitIdle(ctx)
}
