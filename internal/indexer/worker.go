package indexer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sitespeak/sitespeak/internal/models"
	"github.com/sitespeak/sitespeak/internal/problem"
	"github.com/sitespeak/sitespeak/internal/queue"
	"github.com/sitespeak/sitespeak/pkg/observability"
)

// Source is the job stream the worker drains. *queue.Queue satisfies it.
type Source interface {
	Dequeue(ctx context.Context, count int64) ([]queue.Message, error)
	Ack(ctx context.Context, ids ...string) error
	Reclaim(ctx context.Context, minIdle time.Duration, count int64) ([]queue.Message, error)
}

// Lifecycle transitions sessions around a run. *crawler.Orchestrator
// satisfies it.
type Lifecycle interface {
	BeginRun(ctx context.Context, sessionID uuid.UUID) (*models.CrawlSession, context.Context, error)
	Complete(ctx context.Context, sessionID uuid.UUID, status models.CrawlStatus, errMsg string) error
}

// Runner executes one job. *Indexer satisfies it.
type Runner interface {
	Run(ctx context.Context, job queue.Job) (*RunResult, error)
}

// WorkerConfig tunes the dequeue loop.
type WorkerConfig struct {
	// BatchSize is how many jobs one dequeue pulls
	BatchSize int64 `mapstructure:"batch_size"`
	// ReclaimEvery is how often stuck pending jobs are taken over
	ReclaimEvery time.Duration `mapstructure:"reclaim_every"`
	// ReclaimMinIdle is how long a pending job must sit before takeover
	ReclaimMinIdle time.Duration `mapstructure:"reclaim_min_idle"`
}

// DefaultWorkerConfig processes one crawl at a time; the indexer itself
// parallelizes across pages.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:      1,
		ReclaimEvery:   time.Minute,
		ReclaimMinIdle: 5 * time.Minute,
	}
}

func (c WorkerConfig) normalized() WorkerConfig {
	if c.BatchSize < 1 {
		c.BatchSize = 1
	}
	if c.ReclaimEvery <= 0 {
		c.ReclaimEvery = time.Minute
	}
	if c.ReclaimMinIdle <= 0 {
		c.ReclaimMinIdle = 5 * time.Minute
	}
	return c
}

// Worker drains the crawl queue: dequeue, begin the session, run the
// indexer, complete the session, ack.
type Worker struct {
	source    Source
	lifecycle Lifecycle
	runner    Runner
	config    WorkerConfig
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// NewWorker wires a worker. Source, lifecycle, and runner are required.
func NewWorker(source Source, lifecycle Lifecycle, runner Runner, config WorkerConfig, logger observability.Logger, metrics observability.MetricsClient) (*Worker, error) {
	if source == nil || lifecycle == nil || runner == nil {
		return nil, problem.New(problem.KindValidationFailed, "worker requires a source, lifecycle, and runner")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	return &Worker{
		source:    source,
		lifecycle: lifecycle,
		runner:    runner,
		config:    config.normalized(),
		logger:    logger.WithPrefix("crawl-worker"),
		metrics:   metrics,
	}, nil
}

// Start blocks draining the queue until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("crawl worker started", map[string]interface{}{
		"batch_size": w.config.BatchSize,
	})
	ticker := time.NewTicker(w.config.ReclaimEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("crawl worker stopping", nil)
			return
		case <-ticker.C:
			w.reclaim(ctx)
		default:
		}

		messages, err := w.source.Dequeue(ctx, w.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("crawl worker stopping", nil)
				return
			}
			w.logger.Warn("dequeue failed", map[string]interface{}{"error": err.Error()})
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range messages {
			w.handle(ctx, msg)
		}
	}
}

// handle runs one job. Ack policy: jobs that ran (in any direction) and
// jobs that can never run are acked; jobs blocked by a transient error are
// left pending for reclaim.
func (w *Worker) handle(ctx context.Context, msg queue.Message) {
	session, runCtx, err := w.lifecycle.BeginRun(ctx, msg.Job.SessionID)
	if err != nil {
		switch {
		case problem.IsKind(err, problem.KindAlreadyRunning), problem.IsKind(err, problem.KindValidationFailed), problem.IsKind(err, problem.KindNotFound):
			// The session moved on without us: cancelled before start,
			// finished elsewhere, or gone. Drop the job.
			w.logger.Info("dropping stale crawl job", map[string]interface{}{
				"session_id": msg.Job.SessionID.String(),
				"reason":     err.Error(),
			})
			w.ack(ctx, msg.ID)
		default:
			if ctx.Err() == nil {
				w.logger.Warn("failed to begin crawl run", map[string]interface{}{
					"session_id": msg.Job.SessionID.String(),
					"error":      err.Error(),
				})
			}
		}
		return
	}

	w.logger.Info("crawl run begins", map[string]interface{}{
		"session_id": session.ID.String(),
		"site_id":    session.SiteID.String(),
		"mode":       string(session.Mode),
	})

	result, runErr := w.runner.Run(runCtx, msg.Job)

	status := models.CrawlStatusCompleted
	errMsg := ""
	switch {
	case runErr == nil:
	case errors.Is(runCtx.Err(), context.Canceled) && ctx.Err() == nil:
		// Cancelled by an operator, who already finished the session.
		w.logger.Info("crawl run cancelled", map[string]interface{}{
			"session_id": session.ID.String(),
		})
		w.observe(models.CrawlStatusCancelled, result)
		w.ack(ctx, msg.ID)
		return
	case ctx.Err() != nil:
		status = models.CrawlStatusFailed
		errMsg = "interrupted by worker shutdown"
	default:
		status = models.CrawlStatusFailed
		errMsg = runErr.Error()
	}

	// Shutdown must still settle the session and ack, or the job stays
	// pending against a session that can never be restarted.
	finishCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		finishCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	if err := w.lifecycle.Complete(finishCtx, session.ID, status, errMsg); err != nil {
		w.logger.Warn("failed to complete crawl session", map[string]interface{}{
			"session_id": session.ID.String(),
			"status":     string(status),
			"error":      err.Error(),
		})
	}
	w.observe(status, result)
	w.ack(finishCtx, msg.ID)
}

func (w *Worker) reclaim(ctx context.Context) {
	messages, err := w.source.Reclaim(ctx, w.config.ReclaimMinIdle, w.config.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("reclaim failed", map[string]interface{}{"error": err.Error()})
		}
		return
	}
	for _, msg := range messages {
		w.logger.Info("reclaimed stuck crawl job", map[string]interface{}{
			"session_id": msg.Job.SessionID.String(),
		})
		w.handle(ctx, msg)
	}
}

func (w *Worker) ack(ctx context.Context, id string) {
	if err := w.source.Ack(ctx, id); err != nil && ctx.Err() == nil {
		w.logger.Warn("failed to ack crawl job", map[string]interface{}{
			"message_id": id,
			"error":      err.Error(),
		})
	}
}

func (w *Worker) observe(status models.CrawlStatus, result *RunResult) {
	labels := map[string]string{"status": string(status)}
	w.metrics.IncrementCounterWithLabels("crawl_jobs_processed_total", 1, labels)
	if result != nil && result.SitemapUnchanged {
		w.metrics.IncrementCounterWithLabels("crawl_sitemap_unchanged_total", 1, nil)
	}
}
