// Package app builds the long-lived services from configuration and owns
// their lifecycle. It acts as the dependency injection container for the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/listingwatch/internal/api"
	"github.com/JakeFAU/listingwatch/internal/archive"
	"github.com/JakeFAU/listingwatch/internal/checkpoint"
	"github.com/JakeFAU/listingwatch/internal/clock/system"
	"github.com/JakeFAU/listingwatch/internal/config"
	"github.com/JakeFAU/listingwatch/internal/crawler"
	collyfetcher "github.com/JakeFAU/listingwatch/internal/fetcher/colly"
	"github.com/JakeFAU/listingwatch/internal/hash/sha256"
	"github.com/JakeFAU/listingwatch/internal/id/uuid"
	"github.com/JakeFAU/listingwatch/internal/ledger"
	redisledger "github.com/JakeFAU/listingwatch/internal/ledger/redis"
	"github.com/JakeFAU/listingwatch/internal/metrics"
	"github.com/JakeFAU/listingwatch/internal/notifier"
	"github.com/JakeFAU/listingwatch/internal/policy/ratelimit"
	"github.com/JakeFAU/listingwatch/internal/publisher"
	logpublisher "github.com/JakeFAU/listingwatch/internal/publisher/log"
	memorypublisher "github.com/JakeFAU/listingwatch/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/listingwatch/internal/publisher/pubsub"
	"github.com/JakeFAU/listingwatch/internal/scheduler"
	"github.com/JakeFAU/listingwatch/internal/storage"
	gcsstorage "github.com/JakeFAU/listingwatch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/listingwatch/internal/storage/local"
	memorystorage "github.com/JakeFAU/listingwatch/internal/storage/memory"
	pgstorage "github.com/JakeFAU/listingwatch/internal/storage/postgres"
	"github.com/JakeFAU/listingwatch/internal/worker"
)

// Option overrides a component during Build, mostly for tests.
type Option func(*options)

type options struct {
	blobs     storage.BlobStore
	fetcher   crawler.Fetcher
	publisher publisher.Publisher
	engine    []crawler.Option
}

// WithBlobStore replaces the configured blob backend.
func WithBlobStore(b storage.BlobStore) Option {
	return func(o *options) { o.blobs = b }
}

// WithFetcher replaces the colly fetcher.
func WithFetcher(f crawler.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithPublisher replaces the configured notification publisher.
func WithPublisher(p publisher.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithEngineOptions forwards options to the crawl engine.
func WithEngineOptions(opts ...crawler.Option) Option {
	return func(o *options) { o.engine = append(o.engine, opts...) }
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	blobs    storage.BlobStore
	engine   *crawler.Engine
	notifier *notifier.Dispatcher
	worker   *worker.Service

	gcsClient       *gcstorage.Client
	pgStore         *pgstorage.BlobStore
	redisClient     *redis.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher

	startOnce  sync.Once
	stopWorker context.CancelFunc
	workerDone chan struct{}
}

// Build creates the application's dependencies. Resources acquired before a
// failure are released before returning.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	if err := a.build(ctx, o); err != nil {
		a.closeInfrastructure()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, o options) error {
	a.logger.Info("building application dependencies",
		zap.String("storage", a.cfg.Storage.Backend),
		zap.String("ledger", a.cfg.Ledger.Backend),
		zap.String("publisher", a.cfg.Notifier.Publisher),
	)

	var err error
	a.blobs = o.blobs
	if a.blobs == nil {
		if a.blobs, err = a.setupStorage(ctx); err != nil {
			return err
		}
	}

	clock := system.New()
	fetcher := o.fetcher
	if fetcher == nil {
		if fetcher, err = a.setupFetcher(clock); err != nil {
			return err
		}
	}

	cp, err := checkpoint.New(a.blobs, a.cfg.Checkpoint.Object)
	if err != nil {
		return fmt.Errorf("checkpoint init failed: %w", err)
	}
	registry, err := checkpoint.Restore(ctx, cp, a.logger.Named("checkpoint"))
	if err != nil {
		return fmt.Errorf("restore checkpoint: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{MinInterval: a.cfg.Crawler.MinInterval})
	a.engine, err = crawler.NewEngine(
		a.cfg.EngineConfig(),
		registry,
		fetcher,
		limiter,
		cp,
		clock,
		uuid.New(),
		a.logger.Named("engine"),
		o.engine...,
	)
	if err != nil {
		return fmt.Errorf("engine init failed: %w", err)
	}

	led, err := a.setupLedger(ctx)
	if err != nil {
		return err
	}
	pub := o.publisher
	if pub == nil {
		if pub, err = a.setupPublisher(ctx); err != nil {
			return err
		}
	}
	a.notifier, err = notifier.New(led, pub, a.logger.Named("notifier"))
	if err != nil {
		return fmt.Errorf("notifier init failed: %w", err)
	}

	a.worker, err = worker.New(a.engine, a.notifier, worker.Config{QueueSize: a.cfg.Crawler.QueueSize}, a.logger.Named("worker"))
	if err != nil {
		return fmt.Errorf("worker init failed: %w", err)
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) (storage.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCS.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Debug("GCS storage backend", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
		return blobs, nil
	case config.BackendPostgres:
		pg, err := pgstorage.New(ctx, pgstorage.Config{
			DSN:      a.cfg.Storage.Postgres.DSN,
			Table:    a.cfg.Storage.Postgres.Table,
			MaxConns: a.cfg.Storage.Postgres.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres blob store init failed: %w", err)
		}
		a.pgStore = pg
		a.logger.Debug("postgres storage backend", zap.String("table", a.cfg.Storage.Postgres.Table))
		return pg, nil
	case config.BackendLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Debug("local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		return blobs, nil
	default:
		a.logger.Warn("using in-memory storage backend, nothing survives a restart")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupFetcher(clock *system.Clock) (crawler.Fetcher, error) {
	var opts []collyfetcher.Option
	if a.cfg.Archive.Enabled {
		arch, err := archive.New(a.blobs, sha256.New(), archive.Config{
			Prefix:   a.cfg.Archive.Prefix,
			MaxBytes: a.cfg.Archive.MaxBytes,
		}, clock.Now)
		if err != nil {
			return nil, fmt.Errorf("page archive init failed: %w", err)
		}
		opts = append(opts, collyfetcher.WithArchiver(arch))
		a.logger.Info("page archive enabled", zap.String("prefix", a.cfg.Archive.Prefix))
	}
	a.logger.Info("using colly fetcher", zap.String("user_agent", a.cfg.Crawler.UserAgent))
	return collyfetcher.New(collyfetcher.Config{
		UserAgent: a.cfg.Crawler.UserAgent,
		Timeout:   a.cfg.Crawler.RequestTimeout,
		Selectors: a.cfg.Parser,
	}, a.logger.Named("fetcher"), opts...), nil
}

func (a *App) setupLedger(ctx context.Context) (ledger.Ledger, error) {
	switch a.cfg.Ledger.Backend {
	case config.BackendRedis:
		client, err := redisledger.NewClient(ctx, a.cfg.Ledger.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("redis ledger init failed: %w", err)
		}
		a.redisClient = client
		return redisledger.New(client, a.cfg.Ledger.Redis.Prefix), nil
	case config.BackendMemory:
		a.logger.Warn("using in-memory ledger, deliveries may repeat after a restart")
		return ledger.NewMemory(), nil
	default:
		l, err := ledger.NewBlob(a.blobs, a.cfg.Ledger.Object)
		if err != nil {
			return nil, fmt.Errorf("blob ledger init failed: %w", err)
		}
		return l, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (publisher.Publisher, error) {
	switch a.cfg.Notifier.Publisher {
	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.Notifier.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		topic, err := gcppublisher.OpenTopic(ctx, client, a.cfg.Notifier.PubSub.TopicName)
		if err != nil {
			return nil, err
		}
		a.pubsubPublisher = gcppublisher.New(topic)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Notifier.PubSub.ProjectID),
			zap.String("topic", a.cfg.Notifier.PubSub.TopicName),
		)
		return a.pubsubPublisher, nil
	case config.BackendMemory:
		return memorypublisher.New(), nil
	default:
		return logpublisher.New(a.logger.Named("notifications")), nil
	}
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Worker returns the command service. Start must be called before commands
// submitted to it can complete.
func (a *App) Worker() *worker.Service {
	return a.worker
}

// Start launches the worker loop. It is safe to call more than once.
func (a *App) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		wctx, cancel := context.WithCancel(ctx)
		a.stopWorker = cancel
		a.workerDone = make(chan struct{})
		go func() {
			defer close(a.workerDone)
			if err := a.worker.Run(wctx); err != nil {
				a.logger.Error("worker exited", zap.Error(err))
			}
		}()
	})
}

// Serve runs the recovery pass, the scheduler and the HTTP API until ctx is
// canceled.
func (a *App) Serve(ctx context.Context) error {
	a.Start(ctx)

	sum, err := a.worker.Recover(ctx)
	if err != nil {
		a.logger.Warn("recovery pass incomplete", zap.Error(err))
	}
	a.logger.Info("recovery pass finished",
		zap.Int("sent", sum.Sent),
		zap.Int("suppressed", sum.Suppressed),
		zap.Int("failed", sum.Failed),
	)

	if a.cfg.Schedule.Enabled {
		sched, err := scheduler.New(a.worker, scheduler.Config{
			Interval:   a.cfg.Schedule.Interval,
			RunOnStart: a.cfg.Schedule.RunOnStart,
		}, a.logger.Named("scheduler"))
		if err != nil {
			return fmt.Errorf("scheduler init failed: %w", err)
		}
		if err := sched.Start(); err != nil {
			return fmt.Errorf("scheduler start failed: %w", err)
		}
		defer sched.Stop()
	}

	apiKey := ""
	if a.cfg.Auth.Enabled {
		apiKey = a.cfg.Auth.APIKey
	}
	apiServer := api.NewServer(a.worker, api.Config{
		APIKey:         apiKey,
		RequestTimeout: a.cfg.Server.RequestTimeout,
	}, a.logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return runErr
}

// Close stops the worker and releases every client.
func (a *App) Close() {
	if a.stopWorker != nil {
		a.stopWorker()
		<-a.workerDone
	}
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
}
