// Package app wires the catalog-sync components together and owns their
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/utafrali/catalog-sync/pkg/database"
	"github.com/utafrali/catalog-sync/pkg/health"
	"github.com/utafrali/catalog-sync/pkg/pubsub"
	"github.com/utafrali/catalog-sync/pkg/tracing"

	"github.com/utafrali/catalog-sync/internal/config"
	"github.com/utafrali/catalog-sync/internal/domain"
	"github.com/utafrali/catalog-sync/internal/index"
	esindex "github.com/utafrali/catalog-sync/internal/index/elasticsearch"
	"github.com/utafrali/catalog-sync/internal/index/memory"
	"github.com/utafrali/catalog-sync/internal/outbox"
	"github.com/utafrali/catalog-sync/internal/projector"
	"github.com/utafrali/catalog-sync/internal/reconciler"
	repopg "github.com/utafrali/catalog-sync/internal/repository/postgres"
)

// projectorGroupID is the logical consumer-group family of the projector.
const projectorGroupID = "search-projector"

// App owns every long-lived component and tears them down in order:
// consumer workers first, then the outbox dispatcher and reconciler, then
// the HTTP server, tracer, and broker.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	pool       *pgxpool.Pool
	broker     *pubsub.Broker
	publisher  *pubsub.Publisher
	factory    *pubsub.Factory
	dispatcher *outbox.Dispatcher
	reconciler *reconciler.Reconciler
	producer   *outbox.Producer
	outboxes   *outbox.PostgresStore
	forwarder  *pubsub.KafkaForwarder
	redis      *redis.Client

	httpServer     *http.Server
	tracerShutdown func(context.Context) error
	cancelESRetry  context.CancelFunc
}

// swappableIndexer lets the app start on the in-memory engine when
// Elasticsearch is down and hot-swap once it comes up.
type swappableIndexer struct {
	mu    sync.RWMutex
	inner index.Indexer
}

func (s *swappableIndexer) get() index.Indexer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inner
}

func (s *swappableIndexer) swap(in index.Indexer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inner = in
}

func (s *swappableIndexer) Index(ctx context.Context, doc *domain.Document) error {
	return s.get().Index(ctx, doc)
}

func (s *swappableIndexer) Update(ctx context.Context, doc *domain.Document) error {
	return s.get().Update(ctx, doc)
}

func (s *swappableIndexer) Delete(ctx context.Context, id string) error {
	return s.get().Delete(ctx, id)
}

func (s *swappableIndexer) IncrementCounter(ctx context.Context, id string, counter index.Counter, delta int64) error {
	return s.get().IncrementCounter(ctx, id, counter, delta)
}

func (s *swappableIndexer) BulkIndex(ctx context.Context, docs []domain.Document) error {
	return s.get().BulkIndex(ctx, docs)
}

func (s *swappableIndexer) Get(ctx context.Context, id string) (*domain.Document, error) {
	return s.get().Get(ctx, id)
}

func (s *swappableIndexer) Count(ctx context.Context) (int64, error) {
	return s.get().Count(ctx)
}

func (s *swappableIndexer) Ping(ctx context.Context) error {
	return s.get().Ping(ctx)
}

// NewApp initializes all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "catalog-sync",
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	// Write store.
	pgCfg := &database.PostgresConfig{
		Host:            cfg.PostgresHost,
		Port:            cfg.PostgresPort,
		User:            cfg.PostgresUser,
		Password:        cfg.PostgresPassword,
		DBName:          cfg.PostgresDB,
		SSLMode:         cfg.PostgresSSLMode,
		MaxConns:        25,
		MinConns:        5,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
	pool, err := database.NewPostgresPool(ctx, pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect write store: %w", err)
	}
	database.RegisterPoolMetrics(pool)

	// Index engine, with degraded-mode fallback onto the in-memory engine
	// when Elasticsearch is configured but unreachable.
	indexer := &swappableIndexer{}
	var esEngine *esindex.Engine
	var cancelESRetry context.CancelFunc
	switch cfg.IndexEngine {
	case "elasticsearch":
		esEngine, err = esindex.New(cfg.ElasticsearchURL, cfg.ElasticsearchIndex, logger)
		if err != nil {
			logger.Warn("elasticsearch unavailable at startup, starting in degraded mode with in-memory engine",
				slog.String("url", cfg.ElasticsearchURL),
				slog.String("error", err.Error()),
			)
			indexer.swap(memory.New())
			var retryCtx context.Context
			retryCtx, cancelESRetry = context.WithCancel(context.Background())
			go retryElasticsearch(retryCtx, cfg, indexer, logger)
		} else {
			indexer.swap(esEngine)
			logger.Info("elasticsearch index engine initialized",
				slog.String("url", cfg.ElasticsearchURL),
				slog.String("index", cfg.ElasticsearchIndex),
			)
		}
	default:
		indexer.swap(memory.New())
		logger.Info("in-memory index engine initialized")
	}

	// Message bus.
	broker := pubsub.NewBroker(logger)
	var pubOpts []pubsub.PublisherOption
	var forwarder *pubsub.KafkaForwarder
	if cfg.KafkaMirrorEnabled {
		forwarder = pubsub.NewKafkaForwarder(cfg.KafkaBrokers, logger)
		pubOpts = append(pubOpts, pubsub.WithForwarder(forwarder))
		logger.Info("kafka mirror enabled", slog.Any("brokers", cfg.KafkaBrokers))
	}
	publisher := pubsub.NewPublisher(broker, logger, pubOpts...)

	// Projector idempotency store.
	var idemp pubsub.IdempotencyStore
	var redisClient *redis.Client
	if cfg.RedisIdempotencyEnabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		idemp = pubsub.NewRedisIdempotencyStore(redisClient, "projector:idemp:", 24*time.Hour)
		logger.Info("redis idempotency store enabled", slog.String("addr", cfg.RedisAddr))
	} else {
		idemp = pubsub.NewMemoryIdempotencyStore(24 * time.Hour)
	}

	// Consumer runtime and the projector group.
	factory := pubsub.NewFactory(broker, pubsub.WorkerConfig{
		BatchSize:    cfg.ConsumerBatchSize,
		PollInterval: cfg.ConsumerPollInterval(),
		MaxRetries:   cfg.ConsumerMaxRetries,
		RetryDelay:   cfg.ConsumerRetryDelay(),
	}, logger)
	factory.SetDefaultWorkers(cfg.DefaultWorkerCount)

	proj := projector.New(indexer, idemp, logger)
	if _, err := factory.CreateGroup(projectorGroupID, []string{domain.TopicProductEvents}, cfg.ProjectorWorkers, proj.Handler()); err != nil {
		return nil, fmt.Errorf("create projector group: %w", err)
	}

	// Outbox.
	outboxStore := outbox.NewPostgresStore(pool, cfg.OutboxMaxRetries)
	producer := outbox.NewProducer(outboxStore, logger)
	dispatcher := outbox.NewDispatcher(outboxStore, publisher, outbox.DispatcherConfig{
		BatchSize:          cfg.OutboxBatchSize,
		ProcessingInterval: cfg.OutboxProcessingInterval(),
		RetryInterval:      cfg.OutboxRetryInterval(),
		MaxRetries:         cfg.OutboxMaxRetries,
		CleanupAfter:       cfg.OutboxCleanupAfter(),
		DrainConcurrency:   5,
	}, logger)

	// Reconciler.
	reader := repopg.NewProductReader(pool)
	recon := reconciler.New(reader, indexer, reconciler.Config{
		BatchSize:           cfg.SyncBatchSize,
		IncrementalInterval: cfg.IncrementalInterval(),
		Lookback:            time.Hour,
	}, logger)

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.Register("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthHandler.RegisterNonCritical("index", func(ctx context.Context) error {
		return indexer.Ping(ctx)
	})
	healthHandler.RegisterNonCritical("broker", func(ctx context.Context) error {
		return broker.Ping(ctx)
	})

	a := &App{
		cfg:            cfg,
		logger:         logger,
		pool:           pool,
		broker:         broker,
		publisher:      publisher,
		factory:        factory,
		dispatcher:     dispatcher,
		reconciler:     recon,
		producer:       producer,
		outboxes:       outboxStore,
		forwarder:      forwarder,
		redis:          redisClient,
		tracerShutdown: tracerShutdown,
		cancelESRetry:  cancelESRetry,
	}

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           a.newRouter(healthHandler),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// Producer exposes the outbox producer to the business layer embedding this
// app.
func (a *App) Producer() *outbox.Producer {
	return a.producer
}

// retryElasticsearch retries the Elasticsearch connection every 30 seconds
// and hot-swaps the engine when the cluster comes up.
func retryElasticsearch(ctx context.Context, cfg *config.Config, indexer *swappableIndexer, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			eng, err := esindex.New(cfg.ElasticsearchURL, cfg.ElasticsearchIndex, logger)
			if err != nil {
				logger.Warn("elasticsearch still unavailable", slog.String("error", err.Error()))
				continue
			}
			indexer.swap(eng)
			logger.Info("elasticsearch connected, engine hot-swapped from in-memory fallback",
				slog.String("url", cfg.ElasticsearchURL),
			)
			return
		}
	}
}

// Run starts every component and blocks until the context is canceled or a
// component fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.factory.Start(projectorGroupID); err != nil {
		return fmt.Errorf("start projector group: %w", err)
	}
	a.dispatcher.Start()
	a.reconciler.Start()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting HTTP server", slog.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	return a.Shutdown()
}

// Shutdown stops components in dependency order: consumers first so no new
// index writes start, then the dispatcher and reconciler, then the HTTP
// surface and tracer, finally the broker and connections.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	a.factory.StopAll()
	a.dispatcher.Stop()
	a.reconciler.Stop()

	if a.cancelESRetry != nil {
		a.cancelESRetry()
	}

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.forwarder != nil {
		if err := a.forwarder.Close(); err != nil {
			a.logger.Error("kafka forwarder close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := a.broker.Close(); err != nil {
		errs = append(errs, err)
	}
	a.pool.Close()

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}
