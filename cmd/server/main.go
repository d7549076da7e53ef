package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/sitespeak/sitespeak/internal/api"
	"github.com/sitespeak/sitespeak/internal/config"
	"github.com/sitespeak/sitespeak/internal/crawler"
	"github.com/sitespeak/sitespeak/internal/embedding"
	"github.com/sitespeak/sitespeak/internal/indexer"
	"github.com/sitespeak/sitespeak/internal/locale"
	"github.com/sitespeak/sitespeak/internal/queue"
	"github.com/sitespeak/sitespeak/internal/ratelimit"
	"github.com/sitespeak/sitespeak/internal/retrievalcache"
	"github.com/sitespeak/sitespeak/internal/search"
	"github.com/sitespeak/sitespeak/internal/tenant"
	"github.com/sitespeak/sitespeak/internal/vectorstore"
	"github.com/sitespeak/sitespeak/internal/voice"
	"github.com/sitespeak/sitespeak/pkg/observability"

	// PostgreSQL driver
	_ "github.com/lib/pq"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Logging and metrics
	logger := observability.NewStandardLogger("server")
	metrics := observability.NewPrometheusMetrics(cfg.Service.Name)

	// PostgreSQL with pgvector
	db, err := sqlx.Connect(cfg.Database.Driver, cfg.Database.ConnectionString())
	if err != nil {
		log.Fatalf("Failed to connect to postgres: %v", err)
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	store := vectorstore.New(db, cfg.Search.Store, logger, metrics)
	if err := store.EnsureSchema(ctx, cfg.Embedding.Dimensions); err != nil {
		log.Fatalf("Failed to ensure vector schema: %v", err)
	}

	// Redis backs the result cache, the job queue, rate limits, and the
	// voice session mirror.
	redisClient := redis.NewUniversalClient(cfg.Redis.Options())
	defer func() { _ = redisClient.Close() }()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}

	cache, err := retrievalcache.New(redisClient, cfg.Search.Cache, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to build retrieval cache: %v", err)
	}

	// Embedding provider: the HTTP client needs credentials, everything
	// else gets deterministic local vectors.
	var provider embedding.Provider
	if cfg.Embedding.APIKey != "" {
		provider, err = embedding.NewHTTPProvider(cfg.Embedding, logger, metrics)
		if err != nil {
			log.Fatalf("Failed to build embedding provider: %v", err)
		}
	} else {
		logger.Warn("no embedding api key configured, using the mock provider", nil)
		provider = embedding.NewMockProvider(cfg.Embedding.Dimensions)
	}

	// Retrieval pipeline
	engine, err := search.New(store, provider, cache, cfg.Search.Engine, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to build search engine: %v", err)
	}

	// Crawl pipeline: queue, session repository, orchestrator, indexer,
	// worker, and the recurring schedules.
	jobs, err := queue.New(ctx, redisClient, cfg.Indexing.Queue, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to build job queue: %v", err)
	}
	sessions := crawler.NewSessionRepository(db)
	orchestrator, err := crawler.NewOrchestrator(sessions, jobs, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to build crawl orchestrator: %v", err)
	}
	directory, err := indexer.NewStaticDirectory(cfg.Indexing.Sites, nil)
	if err != nil {
		log.Fatalf("Failed to build site directory: %v", err)
	}
	runner, err := indexer.New(store, sessions, directory, provider, cfg.Indexing.Run, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to build indexer: %v", err)
	}
	worker, err := indexer.NewWorker(jobs, orchestrator, runner, cfg.Indexing.Worker, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to build crawl worker: %v", err)
	}
	go worker.Start(ctx)

	scheduler, err := crawler.NewScheduler(orchestrator, cfg.Crawler.Schedules, logger)
	if err != nil {
		log.Fatalf("Failed to build crawl scheduler: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Voice session registry
	voiceRegistry, err := voice.New(redisClient, cfg.Voice, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to build voice registry: %v", err)
	}
	voiceRegistry.Start()

	// Request-scope services
	negotiator, err := locale.NewNegotiator(cfg.Locales.Supported, cfg.Locales.Default)
	if err != nil {
		log.Fatalf("Failed to build locale negotiator: %v", err)
	}
	resolver := tenant.NewResolver(cfg.Auth, logger)

	var limits api.Limits
	if cfg.RateLimits.Enabled {
		rlStore := ratelimit.NewRedisStore(redisClient, cfg.RateLimits.Prefix)
		limits = api.Limits{
			Global: ratelimit.NewSlidingWindow(rlStore, cfg.RateLimits.Global.Max, cfg.RateLimits.Global.Window, logger, metrics),
			Search: ratelimit.NewSlidingWindow(rlStore, cfg.RateLimits.Search.Max, cfg.RateLimits.Search.Window, logger, metrics),
			Voice:  ratelimit.NewSlidingWindow(rlStore, cfg.RateLimits.Voice.Max, cfg.RateLimits.Voice.Window, logger, metrics),
			Crawl:  ratelimit.NewSlidingWindow(rlStore, cfg.RateLimits.Crawl.Max, cfg.RateLimits.Crawl.Window, logger, metrics),
		}
	}

	// HTTP surface
	server, err := api.New(api.Config{
		ListenAddress:   cfg.Service.ListenAddress,
		HealthAddress:   cfg.Service.HealthAddress,
		ReadTimeout:     cfg.Service.ReadTimeout,
		WriteTimeout:    cfg.Service.WriteTimeout,
		IdleTimeout:     cfg.Service.IdleTimeout,
		MaxBodyBytes:    cfg.Service.MaxBodyBytes,
		SecurityHeaders: cfg.Service.SecurityHeaders,
	}, api.Deps{
		Search:      engine,
		Store:       store,
		Cache:       cache,
		Crawls:      orchestrator,
		Voice:       voiceRegistry,
		Negotiator:  negotiator,
		Resolver:    resolver,
		Limits:      limits,
		IndexParams: cfg.Search.Store,
		Logger:      logger,
		Metrics:     metrics,
		Registry:    metrics.Registry(),
		Readiness: func(ctx context.Context) bool {
			return store.Ping(ctx) == nil && cache.Ping(ctx) == nil && jobs.Ping(ctx) == nil
		},
	})
	if err != nil {
		log.Fatalf("Failed to build api server: %v", err)
	}

	logger.Info("sitespeak starting", map[string]interface{}{
		"listen_address": cfg.Service.ListenAddress,
		"health_address": cfg.Service.HealthAddress,
		"index":          cfg.Search.Engine.UseIndex,
		"locales":        cfg.Locales.Supported,
	})

	if err := server.Start(ctx); err != nil {
		log.Fatalf("Server failed: %v", err)
	}

	// Graceful shutdown: stop accepting requests, then drain the voice
	// registry so in-flight sessions persist their final state.
	logger.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown error", map[string]interface{}{"error": err.Error()})
	}
	if err := voiceRegistry.Close(shutdownCtx); err != nil {
		logger.Error("voice registry shutdown error", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("stopped", nil)
}
