// Package server assembles the crawler's dependencies and runs them, either as
// a long-lived HTTP service or as a one-shot crawl.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/url-crawler/internal/api"
	"github.com/JakeFAU/url-crawler/internal/batch"
	"github.com/JakeFAU/url-crawler/internal/clock/system"
	"github.com/JakeFAU/url-crawler/internal/codec"
	"github.com/JakeFAU/url-crawler/internal/config"
	"github.com/JakeFAU/url-crawler/internal/crawler"
	"github.com/JakeFAU/url-crawler/internal/dispatcher"
	"github.com/JakeFAU/url-crawler/internal/engine"
	collyfetcher "github.com/JakeFAU/url-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/url-crawler/internal/id/uuid"
	"github.com/JakeFAU/url-crawler/internal/links"
	"github.com/JakeFAU/url-crawler/internal/logging"
	"github.com/JakeFAU/url-crawler/internal/policy/gate"
	"github.com/JakeFAU/url-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/url-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/url-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/url-crawler/internal/publisher/pubsub"
	memorystorage "github.com/JakeFAU/url-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/url-crawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/url-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/url-crawler/internal/telemetry"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// publisher is a crawler.Publisher that owns resources.
type publisher interface {
	crawler.Publisher
	io.Closer
}

// Option customizes Build.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
}

// WithLogger supplies a logger instead of building one from config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer registers progress metrics somewhere other than the default
// Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// App contains the application's dependencies.
type App struct {
	cfg            config.Config
	logger         *zap.Logger
	store          crawler.BatchStore
	publisher      publisher
	progressHub    *progress.Hub
	gate           *gate.Gate
	engine         *engine.Engine
	dispatch       *dispatcher.Dispatcher
	batches        *batch.Service
	apiServer      *api.Server
	tracerShutdown telemetry.ShutdownFunc
}

// Build creates the application's dependencies. On error everything built so
// far is released.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(o.logger)
	}

	app := &App{cfg: cfg, logger: o.logger}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
		}
	}()
	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_driver", cfg.Storage.Driver),
		zap.Int("concurrency", cfg.Crawler.Concurrency),
	)

	if cfg.Telemetry.Enabled {
		app.tracerShutdown, err = telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
	}

	if err = setupStore(ctx, app); err != nil {
		return nil, err
	}
	if err = setupPublisher(ctx, app); err != nil {
		return nil, err
	}
	if err = setupProgress(app, o.registerer); err != nil {
		return nil, err
	}
	if err = setupCrawler(app); err != nil {
		return nil, err
	}

	apiOpts := api.Options{RequestTimeout: cfg.RequestTimeout()}
	if p, ok := app.store.(pinger); ok {
		apiOpts.Ready = p.Ping
	}
	app.apiServer = api.NewServer(app.batches, app.dispatch, apiOpts, app.logger.Named("api"))
	return app, nil
}

func setupStore(ctx context.Context, app *App) error {
	switch app.cfg.Storage.Driver {
	case config.DriverPostgres:
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:      app.cfg.Storage.PostgresDSN,
			MaxConns: int32(app.cfg.Storage.MaxConns), //nolint:gosec // validated config, small value
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		app.store = store
		app.logger.Info("using postgres batch store")
	case config.DriverSQLite:
		store, err := sqlitestore.Open(ctx, app.cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		app.store = store
		app.logger.Info("using sqlite batch store", zap.String("path", app.cfg.Storage.SQLitePath))
	default:
		app.store = memorystorage.NewBatchStore(system.New())
		app.logger.Warn("using in-memory batch store; batches are lost on restart")
	}
	return nil
}

func setupPublisher(ctx context.Context, app *App) error {
	if app.cfg.Progress.PubSubProjectID == "" {
		app.logger.Info("no Pub/Sub project configured, batch notifications stay in memory")
		app.publisher = memorypublisher.New()
		return nil
	}
	pub, err := gcppublisher.New(ctx, app.cfg.Progress.PubSubProjectID)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.publisher = pub
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.Progress.PubSubProjectID),
		zap.String("topic", app.cfg.Progress.PubSubTopic),
	)
	return nil
}

func setupProgress(app *App, reg prometheus.Registerer) error {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(app.logger.Named("progress_log")),
		promSink,
		progresssinks.NewPublishSink(app.publisher, app.cfg.Progress.PubSubTopic, app.logger.Named("progress_publish")),
	}
	app.progressHub = progress.NewHub(progress.Config{
		BufferSize: app.cfg.Progress.BufferSize,
		Logger:     app.logger.Named("progress_hub"),
	}, sinkList...)
	app.logger.Info("progress hub initialized", zap.Int("buffer_size", app.cfg.Progress.BufferSize))
	return nil
}

func setupCrawler(app *App) error {
	var err error
	app.gate, err = gate.New(app.cfg.Crawler.Concurrency)
	if err != nil {
		return fmt.Errorf("fetch gate init failed: %w", err)
	}
	clock := system.New()
	ids := uuid.New()
	pageCodec := codec.New()
	app.batches = batch.New(app.store, pageCodec, ids, clock, app.logger.Named("batch"))

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    app.cfg.HTTP.UserAgent,
		Timeout:      app.cfg.FetchTimeout(),
		MaxRedirects: app.cfg.HTTP.MaxRedirects,
		MaxBodyBytes: app.cfg.HTTP.MaxBodyBytes,
	})
	app.logger.Info("using colly fetcher",
		zap.String("user_agent", app.cfg.HTTP.UserAgent),
		zap.Duration("timeout", app.cfg.FetchTimeout()),
	)

	app.engine, err = engine.New(engine.Config{
		Concurrency:      app.cfg.Crawler.Concurrency,
		DefaultMaxDepth:  app.cfg.Crawler.MaxDepthDefault,
		MaxPagesPerBatch: app.cfg.Crawler.MaxPagesPerBatch,
	}, engine.Dependencies{
		Gate:     app.gate,
		Fetcher:  fetcher,
		Links:    links.New(),
		Codec:    pageCodec,
		Statuses: app.batches,
		Pages:    app.store,
		IDs:      ids,
		Clock:    clock,
		Events:   app.progressHub,
		Tracer:   telemetry.Tracer(),
		Logger:   app.logger.Named("engine"),
	})
	if err != nil {
		return fmt.Errorf("engine init failed: %w", err)
	}
	app.dispatch = dispatcher.New(app.engine, app.batches, app.logger.Named("dispatcher"))
	return nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP until SIGINT/SIGTERM or ctx ends, then stops accepting
// requests, waits for in-flight batches and releases resources.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	cancel()

	drainErr := a.Drain(context.Background())
	closeErr := a.Close(context.Background())
	return errors.Join(drainErr, closeErr)
}

// Drain waits for scheduled batches, bounded by server.shutdown_timeout_seconds
// when it is set.
func (a *App) Drain(ctx context.Context) error {
	if d := a.cfg.ShutdownTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	if err := a.dispatch.Drain(ctx); err != nil {
		a.logger.Error("drain incomplete", zap.Error(err), zap.Int("active", a.dispatch.Active()))
		return fmt.Errorf("drain batches: %w", err)
	}
	a.logger.Info("all batches settled")
	return nil
}

// Crawl runs one batch to completion and returns its result. Seeds must
// already be normalized absolute http(s) URLs.
func (a *App) Crawl(ctx context.Context, seeds []string, maxDepth *int) (batch.Result, error) {
	created, err := a.batches.CreateBatch(ctx, seeds)
	if err != nil {
		return batch.Result{}, err
	}
	a.dispatch.Schedule(created.ID, seeds, maxDepth)
	if err := a.Drain(ctx); err != nil {
		return batch.Result{}, err
	}
	return a.loadAllPages(ctx, created.ID)
}

// loadAllPages reads a settled batch in MaxPageLimit windows until a short
// window comes back.
func (a *App) loadAllPages(ctx context.Context, batchID string) (batch.Result, error) {
	var res batch.Result
	for offset := 0; ; offset += batch.MaxPageLimit {
		window, err := a.batches.GetBatchWithPages(ctx, batchID, crawler.PageQuery{
			Limit:  batch.MaxPageLimit,
			Offset: offset,
		})
		if err != nil {
			return batch.Result{}, fmt.Errorf("load crawl result: %w", err)
		}
		if offset == 0 {
			res = window
		} else {
			res.Pages = append(res.Pages, window.Pages...)
		}
		if len(window.Pages) < batch.MaxPageLimit {
			return res, nil
		}
	}
}

// Close releases resources in dependency order. It is safe on a partially
// built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("batch store close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.logger.Info("shutdown complete")
	// Sync fails on stdout/stderr for some platforms; not worth reporting.
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
