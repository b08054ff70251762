// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/api"
	"github.com/JakeFAU/webshot/internal/browser"
	"github.com/JakeFAU/webshot/internal/cache"
	redislocators "github.com/JakeFAU/webshot/internal/cache/redis"
	"github.com/JakeFAU/webshot/internal/clock"
	"github.com/JakeFAU/webshot/internal/config"
	"github.com/JakeFAU/webshot/internal/dispatcher"
	"github.com/JakeFAU/webshot/internal/hash/sha256"
	"github.com/JakeFAU/webshot/internal/id"
	"github.com/JakeFAU/webshot/internal/metrics"
	"github.com/JakeFAU/webshot/internal/pipeline"
	"github.com/JakeFAU/webshot/internal/policy/ratelimit"
	"github.com/JakeFAU/webshot/internal/postprocess"
	queueMemory "github.com/JakeFAU/webshot/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/webshot/internal/queue/pubsub"
	"github.com/JakeFAU/webshot/internal/render"
	"github.com/JakeFAU/webshot/internal/shot"
	gcsstorage "github.com/JakeFAU/webshot/internal/storage/gcs"
	localstorage "github.com/JakeFAU/webshot/internal/storage/local"
	memoryStorage "github.com/JakeFAU/webshot/internal/storage/memory"
	"github.com/JakeFAU/webshot/internal/telemetry"
	"github.com/JakeFAU/webshot/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	launcher     browser.Launcher
	pool         *browser.Pool
	pipeline     *pipeline.Pipeline
	dispatch     *dispatcher.Dispatcher
	apiServer    *api.Server
	memQueue     *queueMemory.Queue
	pubsubQueue  *pubsubqueue.Queue
	pubsubClient *pubsub.Client
	storage      *storage.Client
	locators     *redislocators.Client
	tracer       *sdktrace.TracerProvider
}

// Option customizes Build.
type Option func(*App)

// WithLauncher replaces the Chrome launcher, mainly for tests.
func WithLauncher(l browser.Launcher) Option {
	return func(a *App) { a.launcher = l }
}

// Build creates the application's dependencies. The logger is owned by the
// returned App and synced on Close.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(app)
	}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.Background())
		}
	}()

	logger.Info("building application dependencies",
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("response_mode", cfg.Server.ResponseMode))

	metrics.Init()
	app.tracer, err = telemetry.InitTracerProvider(ctx, cfg.Tracing())
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	locators, err := setupLocatorCache(app)
	if err != nil {
		return nil, err
	}
	shotCache := cache.New(blobStore, locators, cfg.CacheSettings(), logger)

	if app.launcher == nil {
		app.launcher = browser.NewChromeLauncher(cfg.ChromeOptions())
	}
	app.pool, err = browser.New(cfg.BrowserPool(), app.launcher, logger)
	if err != nil {
		return nil, fmt.Errorf("browser pool init failed: %w", err)
	}
	metrics.RegisterPool(app.poolStats)

	var limiter render.HostLimiter
	if rl := cfg.RateLimit(); rl.HostRPS > 0 {
		limiter = ratelimit.New(rl)
		logger.Info("per-host rate limiter enabled",
			zap.Float64("host_rps", rl.HostRPS), zap.Int("host_burst", rl.HostBurst))
	}
	renderer := render.NewChromedp(cfg.RenderTimings(), limiter, logger)
	processor := postprocess.New(cfg.Processor(), logger)

	app.pipeline, err = pipeline.New(cfg.Pipeline(), app.pool, renderer, processor, shotCache, sha256.New(), logger)
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}

	queue, err := setupQueue(ctx, app)
	if err != nil {
		return nil, err
	}
	var jobStore shot.JobStore
	if cfg.Queue.TrackJobs > 0 {
		jobStore = memoryStorage.NewJobStore(cfg.Queue.TrackJobs)
	}
	workers := make([]*worker.Worker, 0, cfg.Queue.Workers)
	for i := range cfg.Queue.Workers {
		workers = append(workers, worker.New(queue, jobStore, app.pipeline, logger.With(zap.Int("index", i))))
	}
	app.dispatch = dispatcher.New(queue, jobStore, app.pipeline, id.Func(id.UUIDv7), clock.System{}, workers, logger)

	app.apiServer = api.NewServer(app.pipeline, app.dispatch, app.pool, api.Options{
		CacheMaxAge: cfg.Server.CacheMaxAge,
		Timeout:     cfg.Server.RequestTimeout + cfg.Render.CloseTimeout,
	}, logger)

	return app, nil
}

// Pipeline exposes the render pipeline for in-process callers.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Warm provisions browser sessions when configured to do so.
func (a *App) Warm(ctx context.Context) {
	if !a.cfg.Browser.WarmOnStart {
		return
	}
	if err := a.pool.Warm(ctx); err != nil {
		a.logger.Warn("browser pool warm-up failed", zap.Error(err))
	}
}

// Serve runs the HTTP server and the queue workers until ctx is canceled.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	go a.Warm(ctx)
	go func() {
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Queue.Workers))
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)
	if err, ok := <-serveErr; ok && err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return closeErr
}

// RunWorkers consumes the deferred queue without serving HTTP.
func (a *App) RunWorkers(ctx context.Context) error {
	go a.Warm(ctx)
	a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Queue.Workers))
	a.dispatch.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.pool != nil {
		if err := a.pool.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("browser pool shutdown: %w", err))
		}
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	a.closeObservability(ctx)
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(_ context.Context) {
	if a.memQueue != nil {
		a.memQueue.Close()
	}
	if a.pubsubQueue != nil {
		a.pubsubQueue.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.locators != nil {
		if err := a.locators.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func (a *App) poolStats() metrics.PoolStats {
	s := a.pool.Stats()
	return metrics.PoolStats{
		Capacity:     s.Capacity,
		Idle:         s.Idle,
		Leased:       s.Leased,
		Provisioning: s.Provisioning,
	}
}

func setupStorage(ctx context.Context, app *App) (shot.BlobStore, error) {
	cfg := app.cfg.Storage
	switch cfg.Backend {
	case config.StorageGCS:
		app.logger.Info("using GCS storage backend", zap.String("bucket", cfg.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		store, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket:         cfg.GCSBucket,
			Prefix:         cfg.Prefix,
			GoogleAccessID: cfg.GoogleAccessID,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return store, nil
	case config.StorageLocal:
		app.logger.Info("using local storage backend", zap.String("path", cfg.LocalDir))
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return store, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

// setupLocatorCache returns nil when Redis is not configured; signed URLs are
// then minted on every redirect.
func setupLocatorCache(app *App) (cache.LocatorCache, error) {
	cfg := app.cfg.Cache.Redis
	if cfg.Addr == "" {
		return nil, nil
	}
	client, err := redislocators.NewClient(cfg, app.logger)
	if err != nil {
		return nil, fmt.Errorf("redis locator cache init failed: %w", err)
	}
	app.locators = client
	return client, nil
}

func setupQueue(ctx context.Context, app *App) (shot.JobQueue, error) {
	cfg := app.cfg.Queue
	if cfg.Backend != config.QueuePubSub {
		app.logger.Info("using in-memory job queue", zap.Int("capacity", cfg.Capacity))
		app.memQueue = queueMemory.NewQueue(cfg.Capacity, cfg.MaxAttempts)
		return app.memQueue, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	app.logger.Info("Pub/Sub job queue initialized",
		zap.String("project", cfg.PubSub.ProjectID),
		zap.String("topic", cfg.PubSub.Topic),
		zap.String("subscription", cfg.PubSub.Subscription))
	app.pubsubQueue = pubsubqueue.NewFromClient(client, cfg.PubSub, app.logger)
	return app.pubsubQueue, nil
}
