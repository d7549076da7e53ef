// Package retrievalcache caches fused search results with a
// stale-while-revalidate policy: fresh entries are served directly, entries
// inside the stale window are served immediately while a single background
// recompute refreshes them, and anything older is a miss.
package retrievalcache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/google/uuid"

	"github.com/sitespeak/sitespeak/pkg/observability"
)

// Outcome classifies a cache lookup
type Outcome string

const (
	OutcomeMiss  Outcome = "miss"
	OutcomeFresh Outcome = "fresh"
	OutcomeStale Outcome = "stale"
)

// Config controls entry lifetime and sizing
type Config struct {
	// Enabled short-circuits every operation to a miss when false
	Enabled bool `mapstructure:"enabled"`

	// TTL is how long an entry counts as fresh
	TTL time.Duration `mapstructure:"ttl"`

	// StaleWindow extends the entry's life past TTL; entries in the
	// window are served while a background revalidation runs
	StaleWindow time.Duration `mapstructure:"stale_window"`

	// RevalidateTimeout bounds one background recompute
	RevalidateTimeout time.Duration `mapstructure:"revalidate_timeout"`

	// Prefix namespaces every Redis key
	Prefix string `mapstructure:"prefix"`

	// LocalSize is the per-process LRU front capacity in entries
	LocalSize int `mapstructure:"local_size"`
}

// DefaultConfig returns the standard production settings
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		TTL:               5 * time.Minute,
		StaleWindow:       60 * time.Second,
		RevalidateTimeout: 10 * time.Second,
		Prefix:            "sitespeak:search",
		LocalSize:         1024,
	}
}

// Entry is one cached result payload with its write timestamp
type Entry struct {
	Payload  json.RawMessage `json:"payload"`
	StoredAt time.Time       `json:"stored_at"`
}

// Stats is a point-in-time counter snapshot
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	StaleServed   int64 `json:"staleServed"`
	Revalidations int64 `json:"revalidations"`
	LocalEntries  int   `json:"localEntries"`
}

// ClearResult reports a tenant-scoped purge
type ClearResult struct {
	Cleared   int64 `json:"cleared"`
	Remaining int64 `json:"remaining"`
}

// Cache is the two-tier retrieval cache: a per-process LRU front over an
// authoritative Redis store. Redis failures degrade to recompute, never to
// request failure. Safe for concurrent use.
type Cache struct {
	client  redis.UniversalClient
	local   *lru.Cache[string, Entry]
	group   singleflight.Group
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient

	// now is swapped in tests to step through the staleness timeline
	now func() time.Time

	hits          atomic.Int64
	misses        atomic.Int64
	staleServed   atomic.Int64
	revalidations atomic.Int64
}

// New builds a Cache over the given Redis client
func New(client redis.UniversalClient, config Config, logger observability.Logger, metrics observability.MetricsClient) (*Cache, error) {
	if config.TTL <= 0 {
		config.TTL = 5 * time.Minute
	}
	if config.StaleWindow < 0 {
		config.StaleWindow = 0
	}
	if config.RevalidateTimeout <= 0 {
		config.RevalidateTimeout = 10 * time.Second
	}
	if config.Prefix == "" {
		config.Prefix = "sitespeak:search"
	}
	if config.LocalSize <= 0 {
		config.LocalSize = 1024
	}

	local, err := lru.New[string, Entry](config.LocalSize)
	if err != nil {
		return nil, fmt.Errorf("create local cache front: %w", err)
	}

	return &Cache{
		client:  client,
		local:   local,
		config:  config,
		logger:  logger.WithPrefix("retrieval-cache"),
		metrics: metrics,
		now:     time.Now,
	}, nil
}

// Get looks the key up and classifies the entry by age. The local front is
// consulted first; anything but a fresh local hit falls through to Redis,
// which other instances may have refreshed more recently.
func (c *Cache) Get(ctx context.Context, key string) (Entry, Outcome) {
	if !c.config.Enabled {
		return Entry{}, OutcomeMiss
	}

	start := time.Now()
	if entry, ok := c.local.Get(key); ok {
		if c.age(entry) <= c.config.TTL {
			c.hits.Add(1)
			c.metrics.RecordCacheOperation("get", true, time.Since(start).Seconds())
			return entry, OutcomeFresh
		}
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		c.local.Remove(key)
		c.misses.Add(1)
		c.metrics.RecordCacheOperation("get", true, time.Since(start).Seconds())
		return Entry{}, OutcomeMiss
	}
	if err != nil {
		// Degrade to recompute rather than failing the request
		c.logger.Warn("Cache get failed, treating as miss", observability.LogFields(ctx, map[string]interface{}{
			"error": err.Error(),
		}))
		c.misses.Add(1)
		c.metrics.RecordCacheOperation("get", false, time.Since(start).Seconds())
		return Entry{}, OutcomeMiss
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warn("Cache entry corrupt, treating as miss", map[string]interface{}{
			"error": err.Error(),
		})
		c.local.Remove(key)
		c.misses.Add(1)
		c.metrics.RecordCacheOperation("get", false, time.Since(start).Seconds())
		return Entry{}, OutcomeMiss
	}

	age := c.age(entry)
	switch {
	case age <= c.config.TTL:
		c.local.Add(key, entry)
		c.hits.Add(1)
		c.metrics.RecordCacheOperation("get", true, time.Since(start).Seconds())
		return entry, OutcomeFresh
	case age <= c.config.TTL+c.config.StaleWindow:
		c.staleServed.Add(1)
		c.metrics.RecordCacheOperation("get_stale", true, time.Since(start).Seconds())
		return entry, OutcomeStale
	default:
		c.local.Remove(key)
		c.misses.Add(1)
		c.metrics.RecordCacheOperation("get", true, time.Since(start).Seconds())
		return Entry{}, OutcomeMiss
	}
}

// Set stores the payload under key in both tiers. The Redis expiry covers
// the full fresh plus stale lifetime; age classification happens at read
// time from the stored timestamp.
func (c *Cache) Set(ctx context.Context, key string, payload []byte) error {
	if !c.config.Enabled {
		return nil
	}

	entry := Entry{Payload: payload, StoredAt: c.now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	start := time.Now()
	err = c.client.Set(ctx, key, data, c.config.TTL+c.config.StaleWindow).Err()
	c.metrics.RecordCacheOperation("set", err == nil, time.Since(start).Seconds())
	if err != nil {
		c.logger.Warn("Cache set failed", map[string]interface{}{
			"error": err.Error(),
		})
		return fmt.Errorf("cache set: %w", err)
	}
	c.local.Add(key, entry)
	return nil
}

// Revalidate recomputes the entry for key in the background. Concurrent
// revalidations of the same key coalesce into one compute. The compute runs
// on a context detached from the request's cancellation so a client
// disconnect cannot abort the refresh, while request-scoped values such as
// the correlation id still propagate.
func (c *Cache) Revalidate(ctx context.Context, key string, compute func(context.Context) ([]byte, error)) {
	if !c.config.Enabled {
		return
	}

	detached := context.WithoutCancel(ctx)
	go func() {
		_, err, shared := c.group.Do(key, func() (interface{}, error) {
			c.revalidations.Add(1)
			runCtx, cancel := context.WithTimeout(detached, c.config.RevalidateTimeout)
			defer cancel()

			payload, err := compute(runCtx)
			if err != nil {
				return nil, err
			}
			return nil, c.Set(runCtx, key, payload)
		})
		if err != nil && !shared {
			c.logger.Warn("Background revalidation failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
}

// Clear purges every cached entry of the tenant from both tiers and reports
// how many entries were removed and how many the final sweep still saw.
func (c *Cache) Clear(ctx context.Context, tenantID uuid.UUID) (ClearResult, error) {
	var result ClearResult
	if !c.config.Enabled {
		return result, nil
	}

	tag := fmt.Sprintf(":{%s}:", tenantID.String())
	for _, key := range c.local.Keys() {
		if strings.Contains(key, tag) {
			c.local.Remove(key)
		}
	}

	pattern := fmt.Sprintf("%s:{%s}:*", c.config.Prefix, tenantID.String())
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	batch := make([]string, 0, 100)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 100 {
			deleted, err := c.client.Del(ctx, batch...).Result()
			if err != nil {
				return result, fmt.Errorf("clear tenant cache: %w", err)
			}
			result.Cleared += deleted
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		deleted, err := c.client.Del(ctx, batch...).Result()
		if err != nil {
			return result, fmt.Errorf("clear tenant cache: %w", err)
		}
		result.Cleared += deleted
	}
	if err := iter.Err(); err != nil {
		return result, fmt.Errorf("scan tenant cache keys: %w", err)
	}

	remaining := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for remaining.Next(ctx) {
		result.Remaining++
	}
	if err := remaining.Err(); err != nil {
		return result, fmt.Errorf("recount tenant cache keys: %w", err)
	}

	c.logger.Info("Tenant cache cleared", map[string]interface{}{
		"tenant_id": tenantID.String(),
		"cleared":   result.Cleared,
		"remaining": result.Remaining,
	})
	return result, nil
}

// Stats snapshots the lookup counters
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		StaleServed:   c.staleServed.Load(),
		Revalidations: c.revalidations.Load(),
		LocalEntries:  c.local.Len(),
	}
}

// Ping verifies Redis connectivity
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) age(entry Entry) time.Duration {
	return c.now().Sub(entry.StoredAt)
}
