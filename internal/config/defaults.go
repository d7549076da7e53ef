package config

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaults registers every key so AutomaticEnv can override any of them
// even when no config file is present.
func setDefaults(v *viper.Viper) {
	// Service
	v.SetDefault("service.name", "sitespeak")
	v.SetDefault("service.listen_address", ":8080")
	v.SetDefault("service.health_address", ":8081")
	v.SetDefault("service.read_timeout", 30*time.Second)
	v.SetDefault("service.write_timeout", 0)
	v.SetDefault("service.idle_timeout", 120*time.Second)
	v.SetDefault("service.shutdown_timeout", 15*time.Second)
	v.SetDefault("service.max_body_bytes", 1<<20)
	v.SetDefault("service.security_headers.enabled", true)
	v.SetDefault("service.security_headers.hsts_max_age_seconds", 31536000)
	v.SetDefault("service.security_headers.frame_options", "DENY")
	v.SetDefault("service.security_headers.referrer_policy", "strict-origin-when-cross-origin")

	// Database
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "sitespeak")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	// Redis
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	// Embedding provider
	v.SetDefault("embedding.endpoint", "https://api.openai.com/v1")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.timeout", 30*time.Second)
	v.SetDefault("embedding.max_retries", 3)

	// Search
	v.SetDefault("search.engine.max_top_k", 100)
	v.SetDefault("search.engine.strategy_timeout", 3*time.Second)
	v.SetDefault("search.engine.max_concurrent", 4)
	v.SetDefault("search.engine.snippet_length", 200)
	v.SetDefault("search.engine.fan_out_factor", 2)
	v.SetDefault("search.engine.use_index", "hnsw")
	v.SetDefault("search.engine.db_fusion", false)
	v.SetDefault("search.cache.enabled", true)
	v.SetDefault("search.cache.ttl", 5*time.Minute)
	v.SetDefault("search.cache.stale_window", 60*time.Second)
	v.SetDefault("search.cache.revalidate_timeout", 10*time.Second)
	v.SetDefault("search.cache.prefix", "sitespeak:search")
	v.SetDefault("search.cache.local_size", 1024)
	v.SetDefault("search.store.ef_search", 100)
	v.SetDefault("search.store.probes", 10)

	// Indexing
	v.SetDefault("indexing.run.max_workers", 4)
	v.SetDefault("indexing.run.max_retries", 3)
	v.SetDefault("indexing.run.page_timeout", 20*time.Second)
	v.SetDefault("indexing.run.requests_per_second", 4)
	v.SetDefault("indexing.run.burst", 2)
	v.SetDefault("indexing.run.chunker.max_tokens", 512)
	v.SetDefault("indexing.run.chunker.overlap_tokens", 64)
	v.SetDefault("indexing.worker.batch_size", 1)
	v.SetDefault("indexing.worker.reclaim_every", time.Minute)
	v.SetDefault("indexing.worker.reclaim_min_idle", 5*time.Minute)
	v.SetDefault("indexing.queue.stream", "sitespeak:crawl:jobs")
	v.SetDefault("indexing.queue.group", "indexers")
	v.SetDefault("indexing.queue.max_len", 10000)
	v.SetDefault("indexing.queue.block", 5*time.Second)

	// Rate limits
	v.SetDefault("rate_limits.enabled", true)
	v.SetDefault("rate_limits.prefix", "sitespeak:ratelimit")
	v.SetDefault("rate_limits.global.max", 300)
	v.SetDefault("rate_limits.global.window", time.Minute)
	v.SetDefault("rate_limits.search.max", 120)
	v.SetDefault("rate_limits.search.window", time.Minute)
	v.SetDefault("rate_limits.voice.max", 10)
	v.SetDefault("rate_limits.voice.window", time.Minute)
	v.SetDefault("rate_limits.crawl.max", 6)
	v.SetDefault("rate_limits.crawl.window", time.Hour)

	// Voice sessions
	v.SetDefault("voice.min_duration", time.Minute)
	v.SetDefault("voice.max_duration", 30*time.Minute)
	v.SetDefault("voice.default_duration", 5*time.Minute)
	v.SetDefault("voice.sweep_interval", 30*time.Second)
	v.SetDefault("voice.pending_limit", 32)
	v.SetDefault("voice.remote_cache_size", 512)
	v.SetDefault("voice.remote_cache_ttl", 2*time.Second)
	v.SetDefault("voice.key_prefix", "sitespeak:voice")

	// Locales
	v.SetDefault("locales.supported", []string{"en-US"})
	v.SetDefault("locales.default", "en-US")
}
