// Package server builds the application graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-sync-crawler/internal/api"
	memorycache "github.com/JakeFAU/listing-sync-crawler/internal/cache/memory"
	rediscache "github.com/JakeFAU/listing-sync-crawler/internal/cache/redis"
	"github.com/JakeFAU/listing-sync-crawler/internal/catalog"
	"github.com/JakeFAU/listing-sync-crawler/internal/clock/system"
	"github.com/JakeFAU/listing-sync-crawler/internal/config"
	"github.com/JakeFAU/listing-sync-crawler/internal/coordinator"
	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
	"github.com/JakeFAU/listing-sync-crawler/internal/decision"
	"github.com/JakeFAU/listing-sync-crawler/internal/dispatcher"
	goqueryextractor "github.com/JakeFAU/listing-sync-crawler/internal/extractor/goquery"
	collyfetcher "github.com/JakeFAU/listing-sync-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/listing-sync-crawler/internal/fetcher/detector"
	headlessfetcher "github.com/JakeFAU/listing-sync-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/listing-sync-crawler/internal/hash/sha256"
	"github.com/JakeFAU/listing-sync-crawler/internal/id/uuid"
	"github.com/JakeFAU/listing-sync-crawler/internal/logging"
	"github.com/JakeFAU/listing-sync-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/listing-sync-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/listing-sync-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/listing-sync-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/listing-sync-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/listing-sync-crawler/internal/reconcile"
	gcsstorage "github.com/JakeFAU/listing-sync-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/listing-sync-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/listing-sync-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/listing-sync-crawler/internal/storage/postgres"
	"github.com/JakeFAU/listing-sync-crawler/internal/store"
	"github.com/JakeFAU/listing-sync-crawler/internal/telemetry"
	"github.com/JakeFAU/listing-sync-crawler/internal/walker"
)

// Version is stamped into traces.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool         *pgxpool.Pool
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	storage      *storage.Client
	redis        *redis.Client

	jobs        crawler.JobStore
	listings    crawler.Store
	progress    store.ProgressRepository
	progressHub *progress.Hub
	limiter     *ratelimit.Limiter
	engine      *decision.Engine
	dispatch    *dispatcher.Dispatcher
	apiServer   *api.Server
	checks      map[string]api.ReadyCheck

	tracerShutdown func(context.Context) error
	closeOnce      sync.Once
}

// Option adjusts how Build wires the application.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	fetchers   crawler.FetcherFactory
}

// WithLogger replaces the logger Build would create from config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer registers progress collectors against reg instead of the
// default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithFetchers replaces the configured page fetchers.
func WithFetchers(f crawler.FetcherFactory) Option {
	return func(o *options) { o.fetchers = f }
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.New(logging.Options{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
			Service:     cfg.Telemetry.ServiceName,
			Version:     Version,
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	app := &App{cfg: cfg, logger: logger, checks: make(map[string]api.ReadyCheck)}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("fetcher", cfg.Fetcher.Mode),
		zap.String("ratelimit", cfg.RateLimit.Preset),
	)

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	if err := app.build(ctx, o); err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		app.closeInfrastructure(closeCtx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, o options) error {
	if err := a.setupStores(ctx); err != nil {
		return err
	}
	archive, err := a.setupArchive(ctx)
	if err != nil {
		return err
	}
	known, err := a.setupKnownIDs(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	emitter, err := a.setupProgress(ctx, o.registerer)
	if err != nil {
		return err
	}
	fetchers := o.fetchers
	if fetchers == nil {
		fetchers = a.setupFetchers()
	}
	return a.setupPipeline(archive, known, publisher, emitter, fetchers)
}

func (a *App) setupStores(ctx context.Context) error {
	if a.cfg.Storage.Driver != config.DriverPostgres {
		a.logger.Info("using in-memory listing and job stores")
		a.jobs = memorystorage.NewJobStore()
		a.listings = memorystorage.NewListingStore()
		a.progress = memorystorage.NewProgressStore()
		return nil
	}

	var err error
	a.pool, err = pgstore.Open(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	if a.cfg.DB.Migrate {
		if err := pgstore.Migrate(ctx, a.pool); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
		a.logger.Info("postgres schema migrated")
	}
	listings, err := pgstore.NewListingStore(a.pool)
	if err != nil {
		return fmt.Errorf("listing store init failed: %w", err)
	}
	a.listings = listings
	if a.jobs, err = pgstore.NewJobStore(a.pool); err != nil {
		return fmt.Errorf("job store init failed: %w", err)
	}
	if a.progress, err = pgstore.NewProgressStore(a.pool); err != nil {
		return fmt.Errorf("progress store init failed: %w", err)
	}
	a.checks["postgres"] = listings.Ping
	a.logger.Info("using postgres stores", zap.Int32("max_conns", a.cfg.DB.MaxConns))
	return nil
}

func (a *App) setupArchive(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case config.ArchiveGCS:
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(a.storage, gcsstorage.Config{
			Bucket: a.cfg.Archive.GCSBucket,
			Prefix: a.cfg.Archive.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("archiving removals to GCS", zap.String("bucket", a.cfg.Archive.GCSBucket))
		return blobs, nil
	case config.ArchiveLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving removals locally", zap.String("path", a.cfg.Archive.BaseDir))
		return blobs, nil
	default:
		a.logger.Info("removal snapshots disabled")
		return nil, nil
	}
}

func (a *App) setupKnownIDs(ctx context.Context) (crawler.KnownIDSet, error) {
	if a.cfg.Cache.Backend != config.CacheRedis {
		return memorycache.NewKnownIDs(), nil
	}
	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Cache.RedisAddr,
		Password: a.cfg.Cache.RedisPassword,
		DB:       a.cfg.Cache.RedisDB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	a.checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	a.logger.Info("using redis known-id set", zap.String("addr", a.cfg.Cache.RedisAddr))
	return rediscache.NewKnownIDs(a.redis, a.cfg.Cache.Key), nil
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("No Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.publisher = gcppublisher.New(a.pubsubClient, a.cfg.PubSub.TopicPrefix)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic_prefix", a.cfg.PubSub.TopicPrefix),
	)
	return a.publisher, nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg,
		progresssinks.NewStoreSink(a.progress, a.logger.Named("progress_store")),
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return a.progressHub, nil
}

func (a *App) setupFetchers() crawler.FetcherFactory {
	detect := detector.NewHeuristic(a.cfg.Fetcher.BlockBodyBytes)
	if a.cfg.Fetcher.Mode == config.FetcherHTTP {
		a.logger.Info("using colly fetcher",
			zap.String("user_agent", a.cfg.Fetcher.UserAgent),
			zap.Int("proxies", len(a.cfg.Fetcher.Proxies)),
		)
		return collyfetcher.NewFactory(collyfetcher.Config{
			UserAgent: a.cfg.Fetcher.UserAgent,
			Timeout:   a.cfg.FetchTimeout(),
			Proxies:   a.cfg.Fetcher.Proxies,
			Detector:  detect,
		})
	}
	a.logger.Info("using headless fetcher",
		zap.Bool("visible", a.cfg.Headless.Visible),
		zap.Duration("nav_timeout", a.cfg.NavigationTimeout()),
	)
	return headlessfetcher.NewFactory(headlessfetcher.Config{
		UserAgent:         a.cfg.Fetcher.UserAgent,
		NavigationTimeout: a.cfg.NavigationTimeout(),
		SettleDelay:       a.cfg.Headless.SettleDelay,
		ExecPath:          a.cfg.Headless.ExecPath,
		Visible:           a.cfg.Headless.Visible,
		Detector:          detect,
	})
}

func (a *App) setupPipeline(
	archive crawler.BlobStore,
	known crawler.KnownIDSet,
	publisher crawler.Publisher,
	emitter progress.Emitter,
	fetchers crawler.FetcherFactory,
) error {
	clock := system.New()

	limiterCfg, err := a.cfg.RateLimit.Limiter()
	if err != nil {
		return fmt.Errorf("rate limit config: %w", err)
	}
	limiterCfg.Workers = a.cfg.Jobs.Workers
	limiterCfg.Logger = a.logger
	a.limiter = ratelimit.New(limiterCfg)

	extractor, err := goqueryextractor.New(a.cfg.Catalog.BaseURL)
	if err != nil {
		return fmt.Errorf("extractor init failed: %w", err)
	}

	reconciler, err := reconcile.New(reconcile.Config{
		Store:     a.listings,
		Known:     known,
		Publisher: publisher,
		Archive:   archive,
		Hasher:    sha256.New(),
		Clock:     clock,
		Logger:    a.logger,
	})
	if err != nil {
		return fmt.Errorf("reconciler init failed: %w", err)
	}

	tracker := dispatcher.NewTracker(a.jobs, emitter, a.logger)
	walk, err := walker.New(walker.Config{
		URLs:      catalog.NewURLBuilder(a.cfg.Catalog.BaseURL, a.cfg.Catalog.Region),
		Extractor: extractor,
		Limiter:   a.limiter,
		Sink:      reconciler,
		Stats:     a.listings,
		Clock:     clock,
		Emitter:   tracker,
		Logger:    a.logger,
	})
	if err != nil {
		return fmt.Errorf("walker init failed: %w", err)
	}

	coord, err := coordinator.New(coordinator.Config{
		Walker:     walk,
		Reconciler: reconciler,
		Fetchers:   fetchers,
		Pacer:      a.limiter,
		Clock:      clock,
		Logger:     a.logger,
	})
	if err != nil {
		return fmt.Errorf("coordinator init failed: %w", err)
	}

	a.engine = decision.New(a.listings, clock, decision.DefaultConfig(), a.logger)
	a.dispatch, err = dispatcher.New(dispatcher.Config{
		Jobs:           a.jobs,
		Planner:        a.engine,
		Runner:         coord,
		Tracker:        tracker,
		Seeder:         reconciler,
		Publisher:      publisher,
		IDs:            uuid.New(),
		Clock:          clock,
		Logger:         a.logger,
		Timeout:        a.cfg.Jobs.Timeout,
		QueueSize:      a.cfg.Jobs.QueueSize,
		DefaultWorkers: a.cfg.Jobs.Workers,
	})
	if err != nil {
		return fmt.Errorf("dispatcher init failed: %w", err)
	}

	a.apiServer = api.NewServer(api.Config{
		Jobs:           a.jobs,
		Dispatcher:     a.dispatch,
		Planner:        a.engine,
		Limiter:        a.limiter,
		Progress:       a.progress,
		Checks:         a.checks,
		APIKey:         a.cfg.Auth.APIKey,
		AuthEnabled:    a.cfg.Auth.Enabled,
		RequestTimeout: a.cfg.Server.RequestTimeout,
		Logger:         a.logger.Named("api"),
	})
	return nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves the API and runs queued jobs until SIGINT/SIGTERM or ctx ends.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.dispatch.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("dispatcher did not stop before the shutdown deadline")
	}
	return a.Close(shutdownCtx)
}

// RunJob submits one job, runs it to completion and returns the final record.
// Interrupting the process cancels the job.
func (a *App) RunJob(ctx context.Context, opts crawler.JobOptions) (crawler.CrawlJob, error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.dispatch.Run(runCtx)
	}()
	defer func() {
		a.dispatch.Close()
		<-dispatchDone
	}()

	job, err := a.dispatch.Submit(ctx, opts)
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("submit job: %w", err)
	}
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			a.logger.Info("interrupted, cancelling job", zap.String("job_id", job.ID))
			if err := a.dispatch.Cancel(context.WithoutCancel(ctx), job.ID); err != nil {
				a.logger.Warn("job cancel failed", zap.Error(err))
			}
		case <-finished:
		}
	}()
	return a.dispatch.Wait(context.WithoutCancel(ctx), job.ID)
}

// PlanResult previews the partitions a job would walk.
type PlanResult struct {
	Priority []decision.Scored   `json:"priority"`
	Report   decision.SkipReport `json:"report"`
}

// Plan scores and classifies keys (all partitions when empty) without
// fetching anything.
func (a *App) Plan(ctx context.Context, keys []string) (PlanResult, error) {
	parsed, err := catalog.ParseAll(keys)
	if err != nil {
		return PlanResult{}, err
	}
	return PlanResult{
		Priority: a.engine.PriorityList(ctx, parsed),
		Report:   a.engine.Plan(ctx, parsed),
	}, nil
}

// Close gracefully shuts down the application. Later calls are no-ops.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeInfrastructure(ctx)
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		a.publisher.Stop()
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
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}
