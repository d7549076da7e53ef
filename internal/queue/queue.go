// Package queue moves crawl jobs between the orchestrator and the indexing
// workers over a Redis stream with a consumer group.
package queue

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sitespeak/sitespeak/internal/models"
	"github.com/sitespeak/sitespeak/internal/problem"
	"github.com/sitespeak/sitespeak/pkg/observability"
)

// Job is one unit of crawl work. URLs is only set for selective crawls.
type Job struct {
	SessionID   uuid.UUID        `json:"sessionId"`
	TenantID    uuid.UUID        `json:"tenantId"`
	SiteID      uuid.UUID        `json:"siteId"`
	Mode        models.CrawlMode `json:"mode"`
	URLs        []string         `json:"urls,omitempty"`
	RequestedBy string           `json:"requestedBy,omitempty"`
	EnqueuedAt  time.Time        `json:"enqueuedAt"`
}

// Message pairs a decoded job with its stream entry ID for acking.
type Message struct {
	ID  string
	Job Job
}

// Config tunes the stream and its consumer group.
type Config struct {
	Stream   string        `mapstructure:"stream"`
	Group    string        `mapstructure:"group"`
	Consumer string        `mapstructure:"consumer"`
	MaxLen   int64         `mapstructure:"max_len"`
	Block    time.Duration `mapstructure:"block"`
}

// DefaultConfig returns the standard stream settings.
func DefaultConfig() Config {
	return Config{
		Stream: "sitespeak:crawl:jobs",
		Group:  "indexers",
		MaxLen: 10000,
		Block:  5 * time.Second,
	}
}

// Queue is a Redis Streams job queue. Producers call Enqueue; each worker
// reads through the consumer group and acks what it finished.
type Queue struct {
	client  redis.UniversalClient
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient
}

// New creates the queue and its consumer group. Creating a group that
// already exists is not an error.
func New(ctx context.Context, client redis.UniversalClient, config Config, logger observability.Logger, metrics observability.MetricsClient) (*Queue, error) {
	if client == nil {
		return nil, problem.New(problem.KindValidationFailed, "queue requires a redis client")
	}
	if config.Stream == "" || config.Group == "" {
		return nil, problem.New(problem.KindValidationFailed, "queue requires a stream and a group name")
	}
	if config.Consumer == "" {
		config.Consumer = "worker-" + uuid.NewString()[:8]
	}
	if config.MaxLen <= 0 {
		config.MaxLen = DefaultConfig().MaxLen
	}
	if config.Block <= 0 {
		config.Block = DefaultConfig().Block
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}

	err := client.XGroupCreateMkStream(ctx, config.Stream, config.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, problem.Wrap(problem.KindTransient, "failed to create consumer group", err)
	}

	return &Queue{
		client:  client,
		config:  config,
		logger:  logger.WithPrefix("queue"),
		metrics: metrics,
	}, nil
}

// Enqueue appends a job to the stream and returns its entry ID. The stream
// is trimmed approximately to MaxLen on every write.
func (q *Queue) Enqueue(ctx context.Context, job Job) (string, error) {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", problem.Wrap(problem.KindInternal, "failed to encode crawl job", err)
	}

	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.config.Stream,
		MaxLen: q.config.MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"payload":   string(payload),
			"tenant_id": job.TenantID.String(),
			"mode":      string(job.Mode),
		},
	}).Result()
	if err != nil {
		return "", problem.Wrap(problem.KindTransient, "failed to enqueue crawl job", err)
	}

	q.metrics.IncrementCounterWithLabels("crawl_jobs_enqueued_total", 1, map[string]string{
		"mode": string(job.Mode),
	})
	q.logger.Debug("enqueued crawl job", map[string]interface{}{
		"stream":     q.config.Stream,
		"id":         id,
		"session_id": job.SessionID.String(),
		"mode":       string(job.Mode),
	})
	return id, nil
}

// Dequeue blocks up to the configured window for new jobs. Entries that do
// not decode are acked away so they cannot wedge the group.
func (q *Queue) Dequeue(ctx context.Context, count int64) ([]Message, error) {
	if count <= 0 {
		count = 1
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.config.Group,
		Consumer: q.config.Consumer,
		Streams:  []string{q.config.Stream, ">"},
		Count:    count,
		Block:    q.config.Block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, problem.Wrap(problem.KindTransient, "failed to read crawl jobs", err)
	}

	var messages []Message
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			job, ok := q.decode(entry)
			if !ok {
				if ackErr := q.Ack(ctx, entry.ID); ackErr != nil {
					q.logger.Warn("failed to ack malformed job", map[string]interface{}{
						"id":    entry.ID,
						"error": ackErr.Error(),
					})
				}
				continue
			}
			messages = append(messages, Message{ID: entry.ID, Job: job})
		}
	}
	return messages, nil
}

func (q *Queue) decode(entry redis.XMessage) (Job, bool) {
	raw, ok := entry.Values["payload"].(string)
	if !ok {
		q.logger.Warn("dropping job without payload", map[string]interface{}{"id": entry.ID})
		return Job{}, false
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		q.logger.Warn("dropping undecodable job", map[string]interface{}{
			"id":    entry.ID,
			"error": err.Error(),
		})
		return Job{}, false
	}
	return job, true
}

// Ack marks entries as processed for the consumer group.
func (q *Queue) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := q.client.XAck(ctx, q.config.Stream, q.config.Group, ids...).Err(); err != nil {
		return problem.Wrap(problem.KindTransient, "failed to ack crawl jobs", err)
	}
	return nil
}

// Reclaim takes over entries another consumer left pending for at least
// minIdle and returns them for reprocessing.
func (q *Queue) Reclaim(ctx context.Context, minIdle time.Duration, count int64) ([]Message, error) {
	if count <= 0 {
		count = 10
	}
	entries, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.config.Stream,
		Group:    q.config.Group,
		Consumer: q.config.Consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, problem.Wrap(problem.KindTransient, "failed to reclaim crawl jobs", err)
	}

	var messages []Message
	for _, entry := range entries {
		if job, ok := q.decode(entry); ok {
			messages = append(messages, Message{ID: entry.ID, Job: job})
		}
	}
	return messages, nil
}

// Depth returns the total number of entries currently in the stream.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	depth, err := q.client.XLen(ctx, q.config.Stream).Result()
	if err != nil {
		return 0, problem.Wrap(problem.KindTransient, "failed to read stream depth", err)
	}
	return depth, nil
}

// Pending returns the number of delivered-but-unacked entries in the group.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	info, err := q.client.XPending(ctx, q.config.Stream, q.config.Group).Result()
	if err != nil {
		return 0, problem.Wrap(problem.KindTransient, "failed to read pending jobs", err)
	}
	return info.Count, nil
}

// Ping verifies the Redis connection.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
