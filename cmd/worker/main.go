// Command worker drains the crawl job queue without serving the API. Run it
// alongside the server to scale indexing throughput; the Redis consumer
// group distributes jobs across all running workers.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/sitespeak/sitespeak/internal/config"
	"github.com/sitespeak/sitespeak/internal/crawler"
	"github.com/sitespeak/sitespeak/internal/embedding"
	"github.com/sitespeak/sitespeak/internal/indexer"
	"github.com/sitespeak/sitespeak/internal/queue"
	"github.com/sitespeak/sitespeak/internal/vectorstore"
	"github.com/sitespeak/sitespeak/pkg/observability"

	// PostgreSQL driver
	_ "github.com/lib/pq"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewStandardLogger("worker")
	metrics := observability.NewPrometheusMetrics(cfg.Service.Name)

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

	redisClient := redis.NewUniversalClient(cfg.Redis.Options())
	defer func() { _ = redisClient.Close() }()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}

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

	logger.Info("crawl worker starting", map[string]interface{}{
		"stream": cfg.Indexing.Queue.Stream,
		"group":  cfg.Indexing.Queue.Group,
	})
	worker.Start(ctx)
	logger.Info("stopped", nil)
}
