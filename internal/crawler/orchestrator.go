package crawler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sitespeak/sitespeak/internal/models"
	"github.com/sitespeak/sitespeak/internal/problem"
	"github.com/sitespeak/sitespeak/internal/queue"
	"github.com/sitespeak/sitespeak/pkg/observability"
)

// SessionStore is the persistence surface the orchestrator needs.
// *SessionRepository satisfies it.
type SessionStore interface {
	CreateSession(ctx context.Context, session *models.CrawlSession) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.CrawlSession, error)
	ActiveSession(ctx context.Context, tenantID, siteID uuid.UUID, mode models.CrawlMode) (*models.CrawlSession, error)
	ActiveSessions(ctx context.Context, tenantID, siteID uuid.UUID) ([]models.CrawlSession, error)
	MarkRunning(ctx context.Context, id uuid.UUID) error
	Finish(ctx context.Context, id uuid.UUID, status models.CrawlStatus, errMsg string) error
	ListSessions(ctx context.Context, tenantID, siteID uuid.UUID, limit int) ([]models.CrawlSession, error)
	LastCompleted(ctx context.Context, tenantID, siteID uuid.UUID) (*models.CrawlSession, error)
	TenantStats(ctx context.Context, tenantID uuid.UUID) (*TenantCrawlStats, error)
	Ping(ctx context.Context) error
}

// JobQueue is the dispatch surface. *queue.Queue satisfies it.
type JobQueue interface {
	Enqueue(ctx context.Context, job queue.Job) (string, error)
	Depth(ctx context.Context) (int64, error)
}

// CanTransition is the session state machine: queued moves to running or
// cancelled, running moves to any terminal status, terminal states absorb.
func CanTransition(from, to models.CrawlStatus) bool {
	switch from {
	case models.CrawlStatusQueued:
		return to == models.CrawlStatusRunning || to == models.CrawlStatusCancelled
	case models.CrawlStatusRunning:
		return to == models.CrawlStatusCompleted ||
			to == models.CrawlStatusFailed ||
			to == models.CrawlStatusCancelled
	}
	return false
}

// StartRequest describes one crawl to admit.
type StartRequest struct {
	TenantID    uuid.UUID
	SiteID      uuid.UUID
	Mode        models.CrawlMode
	URLs        []string
	RequestedBy string
}

type activeKey struct {
	tenantID uuid.UUID
	siteID   uuid.UUID
	mode     models.CrawlMode
}

type activeRun struct {
	sessionID uuid.UUID
	startedAt time.Time
	cancel    context.CancelFunc
}

// StatusReport is a point-in-time view of crawl activity for a site.
type StatusReport struct {
	Active        []models.CrawlSession `json:"active"`
	Recent        []models.CrawlSession `json:"recent"`
	LastCompleted *models.CrawlSession  `json:"lastCompleted,omitempty"`
	QueueDepth    int64                 `json:"queueDepth"`
}

// Orchestrator admits crawl sessions, dispatches them to the worker queue,
// and drives their state machine. One live session is allowed per
// tenant/site/mode triple; duplicates are rejected, not queued behind.
type Orchestrator struct {
	sessions SessionStore
	jobs     JobQueue
	logger   observability.Logger
	metrics  observability.MetricsClient

	mu     sync.Mutex
	active map[activeKey]*activeRun
}

// NewOrchestrator wires the orchestrator to its store and queue.
func NewOrchestrator(sessions SessionStore, jobs JobQueue, logger observability.Logger, metrics observability.MetricsClient) (*Orchestrator, error) {
	if sessions == nil {
		return nil, problem.New(problem.KindValidationFailed, "orchestrator requires a session store")
	}
	if jobs == nil {
		return nil, problem.New(problem.KindValidationFailed, "orchestrator requires a job queue")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	return &Orchestrator{
		sessions: sessions,
		jobs:     jobs,
		logger:   logger.WithPrefix("crawl-orchestrator"),
		metrics:  metrics,
		active:   make(map[activeKey]*activeRun),
	}, nil
}

// Start validates, admits, persists, and enqueues a crawl session. A live
// session for the same tenant/site/mode rejects the request.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*models.CrawlSession, error) {
	if req.TenantID == uuid.Nil {
		return nil, problem.New(problem.KindMissingTenantID, "crawl requires a tenant")
	}
	if req.SiteID == uuid.Nil {
		return nil, problem.New(problem.KindValidationFailed, "siteId is required")
	}
	if !req.Mode.Valid() {
		return nil, problem.Newf(problem.KindValidationFailed, "unknown crawl mode %q", req.Mode)
	}
	if req.Mode == models.CrawlModeSelective && len(req.URLs) == 0 {
		return nil, problem.New(problem.KindValidationFailed, "selective crawls require a url list")
	}
	if req.Mode != models.CrawlModeSelective && len(req.URLs) > 0 {
		return nil, problem.New(problem.KindValidationFailed, "urls are only valid for selective crawls")
	}

	key := activeKey{tenantID: req.TenantID, siteID: req.SiteID, mode: req.Mode}

	o.mu.Lock()
	if run, ok := o.active[key]; ok {
		o.mu.Unlock()
		return nil, problem.Newf(problem.KindAlreadyRunning,
			"a %s crawl for this site is already active (session %s)", req.Mode, run.sessionID)
	}
	// Reserve the key before the store round-trips so a concurrent Start
	// on this replica cannot slip past.
	o.active[key] = &activeRun{startedAt: time.Now()}
	o.mu.Unlock()

	release := func() {
		o.mu.Lock()
		delete(o.active, key)
		o.mu.Unlock()
	}

	// Other replicas admit through the store, not this process's map.
	existing, err := o.sessions.ActiveSession(ctx, req.TenantID, req.SiteID, req.Mode)
	if err != nil {
		release()
		return nil, err
	}
	if existing != nil {
		release()
		return nil, problem.Newf(problem.KindAlreadyRunning,
			"a %s crawl for this site is already active (session %s)", req.Mode, existing.ID)
	}

	session := &models.CrawlSession{
		TenantID: req.TenantID,
		SiteID:   req.SiteID,
		Mode:     req.Mode,
		Status:   models.CrawlStatusQueued,
	}
	if err := o.sessions.CreateSession(ctx, session); err != nil {
		release()
		return nil, err
	}

	o.mu.Lock()
	o.active[key].sessionID = session.ID
	o.mu.Unlock()

	if _, err := o.jobs.Enqueue(ctx, queue.Job{
		SessionID:   session.ID,
		TenantID:    req.TenantID,
		SiteID:      req.SiteID,
		Mode:        req.Mode,
		URLs:        req.URLs,
		RequestedBy: req.RequestedBy,
	}); err != nil {
		release()
		if ferr := o.sessions.Finish(ctx, session.ID, models.CrawlStatusFailed, "failed to enqueue crawl job"); ferr != nil {
			o.logger.Warn("failed to fail undispatched session", map[string]interface{}{
				"session_id": session.ID.String(),
				"error":      ferr.Error(),
			})
		}
		return nil, err
	}

	o.metrics.IncrementCounterWithLabels("crawl_sessions_started_total", 1, map[string]string{
		"mode": string(req.Mode),
	})
	o.logger.Info("crawl session admitted", map[string]interface{}{
		"session_id": session.ID.String(),
		"tenant_id":  req.TenantID.String(),
		"site_id":    req.SiteID.String(),
		"mode":       string(req.Mode),
	})
	return session, nil
}

// BeginRun transitions a dequeued session to running and returns a
// cancellable context for the work. Cancel ends that context, so the
// indexer must check it between pages.
func (o *Orchestrator) BeginRun(ctx context.Context, sessionID uuid.UUID) (*models.CrawlSession, context.Context, error) {
	session, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if session.Status.Terminal() {
		return nil, nil, problem.Newf(problem.KindValidationFailed,
			"crawl session %s was %s before it started", sessionID, session.Status)
	}
	if !CanTransition(session.Status, models.CrawlStatusRunning) {
		return nil, nil, problem.Newf(problem.KindAlreadyRunning,
			"crawl session %s is already %s", sessionID, session.Status)
	}
	if err := o.sessions.MarkRunning(ctx, sessionID); err != nil {
		return nil, nil, err
	}
	session.Status = models.CrawlStatusRunning

	runCtx, cancel := context.WithCancel(ctx)
	key := activeKey{tenantID: session.TenantID, siteID: session.SiteID, mode: session.Mode}
	o.mu.Lock()
	o.active[key] = &activeRun{sessionID: sessionID, startedAt: time.Now(), cancel: cancel}
	o.mu.Unlock()

	return session, runCtx, nil
}

// Complete moves a session into a terminal status and releases its
// admission slot.
func (o *Orchestrator) Complete(ctx context.Context, sessionID uuid.UUID, status models.CrawlStatus, errMsg string) error {
	session, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !CanTransition(session.Status, status) {
		return problem.Newf(problem.KindValidationFailed,
			"cannot move crawl session from %s to %s", session.Status, status)
	}
	if err := o.sessions.Finish(ctx, sessionID, status, errMsg); err != nil {
		return err
	}
	o.release(session)

	o.metrics.IncrementCounterWithLabels("crawl_sessions_finished_total", 1, map[string]string{
		"mode":   string(session.Mode),
		"status": string(status),
	})
	o.logger.Info("crawl session finished", map[string]interface{}{
		"session_id": sessionID.String(),
		"status":     string(status),
	})
	return nil
}

// Cancel stops a live session. Queued sessions are cancelled before they
// start; running sessions get their context cancelled and finish
// cooperatively. Cancelling a terminal session is rejected.
func (o *Orchestrator) Cancel(ctx context.Context, tenantID, sessionID uuid.UUID) (*models.CrawlSession, error) {
	session, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.TenantID != tenantID {
		return nil, problem.New(problem.KindForbidden, "crawl session belongs to another tenant")
	}
	if session.Status.Terminal() {
		return nil, problem.Newf(problem.KindValidationFailed,
			"crawl session %s is already %s", sessionID, session.Status)
	}

	if err := o.sessions.Finish(ctx, sessionID, models.CrawlStatusCancelled, "cancelled by operator"); err != nil {
		return nil, err
	}

	key := activeKey{tenantID: session.TenantID, siteID: session.SiteID, mode: session.Mode}
	o.mu.Lock()
	run := o.active[key]
	delete(o.active, key)
	o.mu.Unlock()
	if run != nil && run.cancel != nil {
		run.cancel()
	}

	session.Status = models.CrawlStatusCancelled
	o.logger.Info("crawl session cancelled", map[string]interface{}{
		"session_id": sessionID.String(),
	})
	return session, nil
}

func (o *Orchestrator) release(session *models.CrawlSession) {
	key := activeKey{tenantID: session.TenantID, siteID: session.SiteID, mode: session.Mode}
	o.mu.Lock()
	if run, ok := o.active[key]; ok && (run.sessionID == session.ID || run.sessionID == uuid.Nil) {
		delete(o.active, key)
	}
	o.mu.Unlock()
}

// Status assembles the crawl view for one site.
func (o *Orchestrator) Status(ctx context.Context, tenantID, siteID uuid.UUID) (*StatusReport, error) {
	active, err := o.sessions.ActiveSessions(ctx, tenantID, siteID)
	if err != nil {
		return nil, err
	}
	recent, err := o.sessions.ListSessions(ctx, tenantID, siteID, 10)
	if err != nil {
		return nil, err
	}
	last, err := o.sessions.LastCompleted(ctx, tenantID, siteID)
	if err != nil {
		return nil, err
	}
	depth, err := o.jobs.Depth(ctx)
	if err != nil {
		o.logger.Warn("failed to read queue depth", map[string]interface{}{"error": err.Error()})
		depth = -1
	}
	return &StatusReport{
		Active:        active,
		Recent:        recent,
		LastCompleted: last,
		QueueDepth:    depth,
	}, nil
}

// Stats aggregates crawl totals for one tenant across all sites.
func (o *Orchestrator) Stats(ctx context.Context, tenantID uuid.UUID) (*TenantCrawlStats, error) {
	if tenantID == uuid.Nil {
		return nil, problem.New(problem.KindMissingTenantID, "crawl stats require a tenant")
	}
	return o.sessions.TenantStats(ctx, tenantID)
}

// HealthCheck reports whether the session store and job queue are reachable.
func (o *Orchestrator) HealthCheck(ctx context.Context) bool {
	if err := o.sessions.Ping(ctx); err != nil {
		o.logger.Warn("session store unreachable", map[string]interface{}{"error": err.Error()})
		return false
	}
	if _, err := o.jobs.Depth(ctx); err != nil {
		o.logger.Warn("job queue unreachable", map[string]interface{}{"error": err.Error()})
		return false
	}
	return true
}

// ActiveCount reports how many sessions this replica currently tracks.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}
