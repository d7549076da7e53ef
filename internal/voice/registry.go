package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sitespeak/sitespeak/internal/locale"
	"github.com/sitespeak/sitespeak/internal/problem"
	"github.com/sitespeak/sitespeak/internal/tenant"
	"github.com/sitespeak/sitespeak/pkg/observability"
)

// watcherBuffer bounds each watcher channel. A watcher that falls this far
// behind loses events rather than stalling the session.
const watcherBuffer = 8

// Config controls session lifetimes and the registry's Redis footprint.
type Config struct {
	MinDuration     time.Duration `mapstructure:"min_duration"`
	MaxDuration     time.Duration `mapstructure:"max_duration"`
	DefaultDuration time.Duration `mapstructure:"default_duration"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	PendingLimit    int           `mapstructure:"pending_limit"`
	RemoteCacheSize int           `mapstructure:"remote_cache_size"`
	RemoteCacheTTL  time.Duration `mapstructure:"remote_cache_ttl"`
	KeyPrefix       string        `mapstructure:"key_prefix"`
}

// live is the mutable side of a session owned by this instance. mu guards
// every field; sendMu serializes provider I/O so queued input flushes and
// direct sends cannot interleave.
type live struct {
	mu     sync.Mutex
	sendMu sync.Mutex

	session     Session
	provider    RealtimeClient
	pending     []Input
	watchers    map[int]chan Event
	nextWatcher int
}

// remoteEntry is a read-through snapshot of a session persisted by another
// instance, honored only for Config.RemoteCacheTTL after fetch.
type remoteEntry struct {
	session   Session
	fetchedAt time.Time
}

// Registry tracks live voice sessions for this instance and mirrors their
// snapshots to Redis so any instance can answer status queries. When the
// Redis client is nil the registry runs memory-only.
type Registry struct {
	client  redis.UniversalClient
	remote  *lru.Cache[uuid.UUID, remoteEntry]
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient

	mu    sync.RWMutex
	local map[uuid.UUID]*live

	started atomic.Int64
	turns   atomic.Int64
	errs    atomic.Int64
	swept   atomic.Int64

	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Registry over the given Redis client.
func New(client redis.UniversalClient, config Config, logger observability.Logger, metrics observability.MetricsClient) (*Registry, error) {
	if config.MinDuration <= 0 {
		config.MinDuration = time.Minute
	}
	if config.MaxDuration <= 0 {
		config.MaxDuration = 30 * time.Minute
	}
	if config.MaxDuration < config.MinDuration {
		config.MaxDuration = config.MinDuration
	}
	if config.DefaultDuration <= 0 {
		config.DefaultDuration = 5 * time.Minute
	}
	if config.DefaultDuration < config.MinDuration {
		config.DefaultDuration = config.MinDuration
	}
	if config.DefaultDuration > config.MaxDuration {
		config.DefaultDuration = config.MaxDuration
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 30 * time.Second
	}
	if config.PendingLimit <= 0 {
		config.PendingLimit = 32
	}
	if config.RemoteCacheSize <= 0 {
		config.RemoteCacheSize = 512
	}
	if config.RemoteCacheTTL <= 0 {
		config.RemoteCacheTTL = 2 * time.Second
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "sitespeak:voice"
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}

	remote, err := lru.New[uuid.UUID, remoteEntry](config.RemoteCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create remote session cache: %w", err)
	}

	return &Registry{
		client:  client,
		remote:  remote,
		config:  config,
		logger:  logger.WithPrefix("voice"),
		metrics: metrics,
		local:   make(map[uuid.UUID]*live),
		now:     time.Now,
		stop:    make(chan struct{}),
	}, nil
}

// Start launches the background sweeper that ends sessions past their
// expiry. Call Close to stop it.
func (r *Registry) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.sweepExpired(context.Background())
			}
		}
	}()
}

// Close stops the sweeper and ends every session still owned by this
// instance, releasing their providers.
func (r *Registry) Close(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()

	r.mu.RLock()
	locals := make([]*live, 0, len(r.local))
	for _, lv := range r.local {
		locals = append(locals, lv)
	}
	r.mu.RUnlock()

	for _, lv := range locals {
		r.finish(ctx, lv, "shutdown")
	}
	return nil
}

// Create registers a new session for the tenant. The requested duration is
// clamped into the configured bounds; zero means the default.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	if req.TenantID == uuid.Nil {
		return nil, problem.New(problem.KindMissingTenantID, "voice sessions require a tenant")
	}

	d := req.MaxDuration
	if d <= 0 {
		d = r.config.DefaultDuration
	}
	if d < r.config.MinDuration {
		d = r.config.MinDuration
	}
	if d > r.config.MaxDuration {
		d = r.config.MaxDuration
	}

	loc := req.Locale
	if loc == "" {
		loc = locale.DefaultLocale
	}

	var audio AudioConfig
	if req.AudioConfig != nil {
		audio = *req.AudioConfig
	}

	now := r.now()
	s := Session{
		ID:           uuid.New(),
		TenantID:     req.TenantID,
		SiteID:       req.SiteID,
		UserID:       req.UserID,
		Status:       StateInitializing,
		Locale:       loc,
		AudioConfig:  audio.withDefaults(),
		CreatedAt:    now,
		ExpiresAt:    now.Add(d),
		LastActivity: now,
	}

	if err := r.persist(ctx, s); err != nil {
		return nil, err
	}

	lv := &live{session: s, watchers: make(map[int]chan Event)}
	r.mu.Lock()
	r.local[s.ID] = lv
	active := len(r.local)
	r.mu.Unlock()

	r.started.Add(1)
	r.metrics.IncrementCounterWithLabels("voice_sessions_started_total", 1, map[string]string{"tenant_id": s.TenantID.String()})
	r.metrics.RecordGauge("voice_sessions_active", float64(active), nil)
	r.logger.Info("voice session created", map[string]interface{}{
		"session_id": s.ID.String(),
		"tenant_id":  s.TenantID.String(),
		"site_id":    s.SiteID.String(),
		"locale":     s.Locale,
		"expires_at": s.ExpiresAt.Format(time.RFC3339),
	})

	snap := s.clone()
	return &snap, nil
}

// Get returns a snapshot of the session. Sessions owned by this instance
// are read from memory; others fall back to the Redis mirror through a
// short-lived local cache.
func (r *Registry) Get(ctx context.Context, sessionID, tenantID uuid.UUID) (*Session, error) {
	if lv := r.lookup(sessionID); lv != nil {
		lv.mu.Lock()
		snap := lv.session.clone()
		lv.mu.Unlock()
		if err := tenant.CheckOwnership(tenantID, snap); err != nil {
			return nil, err
		}
		return &snap, nil
	}

	if snap, ok := r.remoteCached(sessionID); ok {
		if err := tenant.CheckOwnership(tenantID, snap); err != nil {
			return nil, err
		}
		return &snap, nil
	}

	snap, err := r.fetch(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := tenant.CheckOwnership(tenantID, *snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// AttachProvider binds the realtime transport to the session, moves it to
// listening, and flushes input queued before the provider was ready. Queued
// payloads are delivered in arrival order; the first delivery failure moves
// the session to error.
func (r *Registry) AttachProvider(ctx context.Context, sessionID, tenantID uuid.UUID, provider RealtimeClient) (*Session, error) {
	if provider == nil {
		return nil, problem.New(problem.KindValidationFailed, "provider must not be nil")
	}
	lv := r.lookup(sessionID)
	if lv == nil {
		return nil, problem.Newf(problem.KindNotFound, "voice session %s is not active on this instance", sessionID)
	}

	lv.mu.Lock()
	if err := tenant.CheckOwnership(tenantID, lv.session); err != nil {
		lv.mu.Unlock()
		return nil, err
	}
	if lv.session.Status.Terminal() {
		status := lv.session.Status
		lv.mu.Unlock()
		return nil, problem.Newf(problem.KindValidationFailed, "voice session %s is %s", sessionID, status)
	}
	if lv.provider != nil {
		lv.mu.Unlock()
		return nil, problem.Newf(problem.KindValidationFailed, "voice session %s already has a provider", sessionID)
	}
	lv.provider = provider
	if lv.session.Status == StateInitializing {
		r.transitionLocked(lv, StateListening, r.now())
	}
	snap := lv.session.clone()
	lv.mu.Unlock()

	r.persistBestEffort(ctx, snap)

	if err := r.flushPending(ctx, lv); err != nil {
		return nil, err
	}

	lv.mu.Lock()
	snap = lv.session.clone()
	lv.mu.Unlock()
	return &snap, nil
}

// flushPending drains queued input in order while holding the session's
// send lock, so concurrent SendInput calls line up behind the backlog.
func (r *Registry) flushPending(ctx context.Context, lv *live) error {
	lv.sendMu.Lock()
	defer lv.sendMu.Unlock()

	for {
		lv.mu.Lock()
		if len(lv.pending) == 0 || lv.provider == nil {
			lv.mu.Unlock()
			return nil
		}
		in := lv.pending[0]
		lv.pending = lv.pending[1:]
		provider := lv.provider
		lv.mu.Unlock()

		if err := deliver(ctx, provider, in); err != nil {
			r.fail(ctx, lv, "queued input delivery failed: "+err.Error())
			return problem.Wrap(problem.KindTransient, "realtime provider rejected queued input", err)
		}
		r.metrics.IncrementCounterWithLabels("voice_inputs_total", 1, map[string]string{"delivery": string(DeliverySent)})
	}
}

// SendInput forwards one utterance to the session's provider. Before a
// provider is attached, input queues in arrival order up to the configured
// limit. A successful send while listening moves the session to processing;
// a provider failure moves it to error.
func (r *Registry) SendInput(ctx context.Context, sessionID, tenantID uuid.UUID, in Input) (*InputReceipt, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	lv := r.lookup(sessionID)
	if lv == nil {
		snap, err := r.Get(ctx, sessionID, tenantID)
		if err != nil {
			return nil, err
		}
		if snap.Status.Terminal() {
			return nil, problem.Newf(problem.KindValidationFailed, "voice session %s is %s and no longer accepts input", sessionID, snap.Status)
		}
		return nil, problem.Newf(problem.KindNotFound, "voice session %s is not active on this instance", sessionID)
	}

	lv.mu.Lock()
	if err := tenant.CheckOwnership(tenantID, lv.session); err != nil {
		lv.mu.Unlock()
		return nil, err
	}
	if lv.session.Status.Terminal() {
		status := lv.session.Status
		lv.mu.Unlock()
		return nil, problem.Newf(problem.KindValidationFailed, "voice session %s is %s and no longer accepts input", sessionID, status)
	}
	lv.session.LastActivity = r.now()

	if lv.provider == nil || len(lv.pending) > 0 {
		if len(lv.pending) >= r.config.PendingLimit {
			lv.mu.Unlock()
			return nil, problem.Newf(problem.KindTransient, "voice session %s input queue is full", sessionID)
		}
		lv.pending = append(lv.pending, in)
		receipt := &InputReceipt{
			SessionID: sessionID,
			Delivery:  DeliveryQueued,
			Queued:    len(lv.pending),
			Status:    lv.session.Status,
		}
		lv.mu.Unlock()
		r.metrics.IncrementCounterWithLabels("voice_inputs_total", 1, map[string]string{"delivery": string(DeliveryQueued)})
		return receipt, nil
	}
	provider := lv.provider
	lv.mu.Unlock()

	lv.sendMu.Lock()
	err := deliver(ctx, provider, in)
	lv.sendMu.Unlock()

	if err != nil {
		r.fail(ctx, lv, "input delivery failed: "+err.Error())
		return nil, problem.Wrap(problem.KindTransient, "realtime provider rejected input", err)
	}

	lv.mu.Lock()
	if lv.session.Status == StateListening {
		r.transitionLocked(lv, StateProcessing, r.now())
	}
	status := lv.session.Status
	snap := lv.session.clone()
	lv.mu.Unlock()

	r.persistBestEffort(ctx, snap)
	r.metrics.IncrementCounterWithLabels("voice_inputs_total", 1, map[string]string{"delivery": string(DeliverySent)})
	return &InputReceipt{SessionID: sessionID, Delivery: DeliverySent, Status: status}, nil
}

// Transition moves the session to the named state, enforcing the state
// machine. Ended routes through End and error through the failure path so
// their cleanup runs.
func (r *Registry) Transition(ctx context.Context, sessionID, tenantID uuid.UUID, next State) (*Session, error) {
	if !next.Valid() {
		return nil, problem.Newf(problem.KindValidationFailed, "unknown session state %q", next)
	}
	if next == StateEnded {
		return r.End(ctx, sessionID, tenantID)
	}

	lv := r.lookup(sessionID)
	if lv == nil {
		snap, err := r.Get(ctx, sessionID, tenantID)
		if err != nil {
			return nil, err
		}
		return nil, problem.Newf(problem.KindValidationFailed, "voice session %s is %s and cannot change state", sessionID, snap.Status)
	}

	lv.mu.Lock()
	if err := tenant.CheckOwnership(tenantID, lv.session); err != nil {
		lv.mu.Unlock()
		return nil, err
	}
	from := lv.session.Status
	if next == StateError {
		lv.mu.Unlock()
		if !CanTransition(from, StateError) {
			return nil, problem.Newf(problem.KindValidationFailed, "voice session cannot move from %s to %s", from, next)
		}
		return r.fail(ctx, lv, "error state requested"), nil
	}
	if !CanTransition(from, next) {
		lv.mu.Unlock()
		return nil, problem.Newf(problem.KindValidationFailed, "voice session cannot move from %s to %s", from, next)
	}
	r.transitionLocked(lv, next, r.now())
	snap := lv.session.clone()
	lv.mu.Unlock()

	r.persistBestEffort(ctx, snap)
	return &snap, nil
}

// Heartbeat marks the session active. It refreshes lastActivity only; the
// expiry fixed at creation does not move.
func (r *Registry) Heartbeat(ctx context.Context, sessionID, tenantID uuid.UUID) (*Session, error) {
	lv := r.lookup(sessionID)
	if lv == nil {
		snap, err := r.Get(ctx, sessionID, tenantID)
		if err != nil {
			return nil, err
		}
		return nil, problem.Newf(problem.KindValidationFailed, "voice session %s is %s", sessionID, snap.Status)
	}

	lv.mu.Lock()
	if err := tenant.CheckOwnership(tenantID, lv.session); err != nil {
		lv.mu.Unlock()
		return nil, err
	}
	if lv.session.Status.Terminal() {
		status := lv.session.Status
		lv.mu.Unlock()
		return nil, problem.Newf(problem.KindValidationFailed, "voice session %s is %s", sessionID, status)
	}
	lv.session.LastActivity = r.now()
	snap := lv.session.clone()
	lv.mu.Unlock()

	r.persistBestEffort(ctx, snap)
	return &snap, nil
}

// RecordTurn accounts one completed exchange and its end-to-end response
// time.
func (r *Registry) RecordTurn(ctx context.Context, sessionID, tenantID uuid.UUID, responseTime time.Duration) error {
	lv := r.lookup(sessionID)
	if lv == nil {
		return problem.Newf(problem.KindNotFound, "voice session %s is not active on this instance", sessionID)
	}

	lv.mu.Lock()
	if err := tenant.CheckOwnership(tenantID, lv.session); err != nil {
		lv.mu.Unlock()
		return err
	}
	if lv.session.Status.Terminal() {
		status := lv.session.Status
		lv.mu.Unlock()
		return problem.Newf(problem.KindValidationFailed, "voice session %s is %s", sessionID, status)
	}
	lv.session.Metrics.recordTurn(responseTime)
	lv.session.LastActivity = r.now()
	snap := lv.session.clone()
	lv.mu.Unlock()

	r.turns.Add(1)
	r.metrics.RecordHistogram("voice_turn_response_seconds", responseTime.Seconds(), map[string]string{"tenant_id": tenantID.String()})
	r.persistBestEffort(ctx, snap)
	return nil
}

// RecordLatency appends one sample to a session latency vector. Samples
// reach Redis on the next turn or heartbeat rather than per call.
func (r *Registry) RecordLatency(ctx context.Context, sessionID, tenantID uuid.UUID, kind LatencyKind, d time.Duration) error {
	if !kind.Valid() {
		return problem.Newf(problem.KindValidationFailed, "unknown latency kind %q", kind)
	}
	lv := r.lookup(sessionID)
	if lv == nil {
		return problem.Newf(problem.KindNotFound, "voice session %s is not active on this instance", sessionID)
	}

	lv.mu.Lock()
	if err := tenant.CheckOwnership(tenantID, lv.session); err != nil {
		lv.mu.Unlock()
		return err
	}
	if lv.session.Status.Terminal() {
		status := lv.session.Status
		lv.mu.Unlock()
		return problem.Newf(problem.KindValidationFailed, "voice session %s is %s", sessionID, status)
	}
	lv.session.Metrics.recordLatency(kind, d)
	lv.mu.Unlock()

	r.metrics.RecordHistogram("voice_latency_seconds", d.Seconds(), map[string]string{"kind": string(kind)})
	return nil
}

// End terminates the session, releases its provider, and removes it from
// the registry and from Redis. A second End for the same id reports not
// found. Ending a session that already failed removes its record and
// returns the final error snapshot.
func (r *Registry) End(ctx context.Context, sessionID, tenantID uuid.UUID) (*Session, error) {
	lv := r.lookup(sessionID)
	if lv == nil {
		snap, err := r.Get(ctx, sessionID, tenantID)
		if err != nil {
			return nil, err
		}
		if snap.Status.Terminal() {
			r.remote.Remove(sessionID)
			if r.client != nil {
				if err := r.client.Del(ctx, r.sessionKey(sessionID)).Err(); err != nil {
					r.logger.Warn("voice session delete failed", map[string]interface{}{
						"session_id": sessionID.String(),
						"error":      err.Error(),
					})
				}
			}
			return snap, nil
		}
		return nil, problem.Newf(problem.KindNotFound, "voice session %s is not active on this instance", sessionID)
	}

	lv.mu.Lock()
	if err := tenant.CheckOwnership(tenantID, lv.session); err != nil {
		lv.mu.Unlock()
		return nil, err
	}
	if lv.session.Status == StateError {
		snap := lv.session.clone()
		lv.mu.Unlock()
		r.dropLocal(sessionID)
		r.remote.Remove(sessionID)
		if r.client != nil {
			if err := r.client.Del(ctx, r.sessionKey(sessionID)).Err(); err != nil {
				r.logger.Warn("voice session delete failed", map[string]interface{}{
					"session_id": sessionID.String(),
					"error":      err.Error(),
				})
			}
		}
		return &snap, nil
	}
	if lv.session.Status.Terminal() {
		lv.mu.Unlock()
		return nil, problem.Newf(problem.KindNotFound, "voice session %s not found", sessionID)
	}
	lv.mu.Unlock()

	snap := r.finish(ctx, lv, "ended")
	if snap == nil {
		return nil, problem.Newf(problem.KindNotFound, "voice session %s not found", sessionID)
	}
	return snap, nil
}

// Watch subscribes to the session's state changes. The channel closes when
// the session reaches a terminal state; the cancel function releases the
// subscription early. Slow watchers drop events instead of blocking.
func (r *Registry) Watch(ctx context.Context, sessionID, tenantID uuid.UUID) (<-chan Event, func(), error) {
	lv := r.lookup(sessionID)
	if lv == nil {
		return nil, nil, problem.Newf(problem.KindNotFound, "voice session %s is not active on this instance", sessionID)
	}

	lv.mu.Lock()
	defer lv.mu.Unlock()
	if err := tenant.CheckOwnership(tenantID, lv.session); err != nil {
		return nil, nil, err
	}
	if lv.session.Status.Terminal() || lv.watchers == nil {
		return nil, nil, problem.Newf(problem.KindValidationFailed, "voice session %s is %s", sessionID, lv.session.Status)
	}

	ch := make(chan Event, watcherBuffer)
	id := lv.nextWatcher
	lv.nextWatcher++
	lv.watchers[id] = ch

	cancel := func() {
		lv.mu.Lock()
		defer lv.mu.Unlock()
		if lv.watchers == nil {
			return
		}
		if _, ok := lv.watchers[id]; ok {
			delete(lv.watchers, id)
			close(ch)
		}
	}
	return ch, cancel, nil
}

// StatusReport is a point-in-time summary of the registry.
type StatusReport struct {
	Healthy         bool  `json:"healthy"`
	ActiveSessions  int   `json:"activeSessions"`
	SessionsStarted int64 `json:"sessionsStarted"`
	TotalTurns      int64 `json:"totalTurns"`
	TotalErrors     int64 `json:"totalErrors"`
	SweptSessions   int64 `json:"sweptSessions"`
}

// Status summarizes the registry for health and stats endpoints.
func (r *Registry) Status(ctx context.Context) StatusReport {
	r.mu.RLock()
	active := len(r.local)
	r.mu.RUnlock()
	return StatusReport{
		Healthy:         r.HealthCheck(ctx),
		ActiveSessions:  active,
		SessionsStarted: r.started.Load(),
		TotalTurns:      r.turns.Load(),
		TotalErrors:     r.errs.Load(),
		SweptSessions:   r.swept.Load(),
	}
}

// HealthCheck reports whether the session mirror is reachable. Memory-only
// registries are always healthy.
func (r *Registry) HealthCheck(ctx context.Context) bool {
	if r.client == nil {
		return true
	}
	return r.client.Ping(ctx).Err() == nil
}

// Stats contributes the registry's section of the service stats document.
func (r *Registry) Stats(ctx context.Context) map[string]interface{} {
	st := r.Status(ctx)
	return map[string]interface{}{
		"healthy":          st.Healthy,
		"active_sessions":  st.ActiveSessions,
		"sessions_started": st.SessionsStarted,
		"total_turns":      st.TotalTurns,
		"total_errors":     st.TotalErrors,
		"swept_sessions":   st.SweptSessions,
	}
}

// sweepExpired ends every local session past its expiry and reports how
// many it closed.
func (r *Registry) sweepExpired(ctx context.Context) int {
	now := r.now()

	r.mu.RLock()
	var expired []*live
	for _, lv := range r.local {
		lv.mu.Lock()
		if now.After(lv.session.ExpiresAt) {
			expired = append(expired, lv)
		}
		lv.mu.Unlock()
	}
	r.mu.RUnlock()

	ended := 0
	for _, lv := range expired {
		lv.mu.Lock()
		terminal := lv.session.Status.Terminal()
		id := lv.session.ID
		lv.mu.Unlock()
		if terminal {
			// An errored session kept for observability; its window is over.
			r.dropLocal(id)
			r.remote.Remove(id)
			continue
		}
		if snap := r.finish(ctx, lv, "expired"); snap != nil {
			r.swept.Add(1)
			ended++
		}
	}
	if ended > 0 {
		r.logger.Info("voice sweep closed expired sessions", map[string]interface{}{"count": ended})
	}
	return ended
}

// finish moves a live session to ended and tears it down: provider closed,
// local entry dropped, Redis record deleted. Returns nil when the session
// was already terminal.
func (r *Registry) finish(ctx context.Context, lv *live, reason string) *Session {
	lv.mu.Lock()
	if lv.session.Status.Terminal() {
		lv.mu.Unlock()
		return nil
	}
	r.transitionLocked(lv, StateEnded, r.now())
	provider := lv.provider
	lv.provider = nil
	lv.pending = nil
	snap := lv.session.clone()
	lv.mu.Unlock()

	r.dropLocal(snap.ID)
	r.remote.Remove(snap.ID)

	if provider != nil {
		if err := provider.Close(ctx); err != nil {
			r.logger.Warn("voice provider close failed", map[string]interface{}{
				"session_id": snap.ID.String(),
				"error":      err.Error(),
			})
		}
	}
	if r.client != nil {
		if err := r.client.Del(ctx, r.sessionKey(snap.ID)).Err(); err != nil {
			r.logger.Warn("voice session delete failed", map[string]interface{}{
				"session_id": snap.ID.String(),
				"error":      err.Error(),
			})
		}
	}

	r.metrics.IncrementCounterWithLabels("voice_sessions_ended_total", 1, map[string]string{"reason": reason})
	r.logger.Info("voice session ended", map[string]interface{}{
		"session_id": snap.ID.String(),
		"tenant_id":  snap.TenantID.String(),
		"reason":     reason,
		"turns":      snap.Metrics.TotalTurns,
	})
	return &snap
}

// fail moves a live session to error and tears down its provider. Unlike
// ended sessions, the error snapshot stays readable until the session's
// natural expiry so callers can observe what happened.
func (r *Registry) fail(ctx context.Context, lv *live, msg string) *Session {
	lv.mu.Lock()
	if lv.session.Status.Terminal() {
		snap := lv.session.clone()
		lv.mu.Unlock()
		return &snap
	}
	lv.session.Metrics.recordError(msg)
	r.transitionLocked(lv, StateError, r.now())
	provider := lv.provider
	lv.provider = nil
	lv.pending = nil
	snap := lv.session.clone()
	lv.mu.Unlock()

	if provider != nil {
		if err := provider.Close(ctx); err != nil {
			r.logger.Warn("voice provider close failed", map[string]interface{}{
				"session_id": snap.ID.String(),
				"error":      err.Error(),
			})
		}
	}
	r.persistBestEffort(ctx, snap)

	r.errs.Add(1)
	r.metrics.IncrementCounterWithLabels("voice_sessions_ended_total", 1, map[string]string{"reason": "error"})
	r.logger.Warn("voice session failed", map[string]interface{}{
		"session_id": snap.ID.String(),
		"tenant_id":  snap.TenantID.String(),
		"error":      msg,
	})
	return &snap
}

// transitionLocked applies a state change and publishes it to watchers.
// Callers hold lv.mu. Terminal states stamp endedAt and close every
// watcher channel after the final event.
func (r *Registry) transitionLocked(lv *live, to State, at time.Time) {
	lv.session.Status = to
	lv.session.LastActivity = at
	if to.Terminal() && lv.session.EndedAt == nil {
		ended := at
		lv.session.EndedAt = &ended
	}

	ev := Event{SessionID: lv.session.ID, Status: to, At: at}
	for _, ch := range lv.watchers {
		select {
		case ch <- ev:
		default:
			r.metrics.IncrementCounter("voice_events_dropped_total", 1)
		}
	}
	if to.Terminal() {
		for _, ch := range lv.watchers {
			close(ch)
		}
		lv.watchers = nil
	}
}

func (r *Registry) lookup(sessionID uuid.UUID) *live {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.local[sessionID]
}

func (r *Registry) dropLocal(sessionID uuid.UUID) {
	r.mu.Lock()
	delete(r.local, sessionID)
	active := len(r.local)
	r.mu.Unlock()
	r.metrics.RecordGauge("voice_sessions_active", float64(active), nil)
}

func (r *Registry) sessionKey(sessionID uuid.UUID) string {
	return r.config.KeyPrefix + ":session:" + sessionID.String()
}

// persist mirrors the snapshot to Redis with a TTL matching the session's
// remaining lifetime. No-op for memory-only registries.
func (r *Registry) persist(ctx context.Context, s Session) error {
	if r.client == nil {
		return nil
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return problem.Wrap(problem.KindInternal, "encode voice session", err)
	}
	ttl := s.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := r.client.Set(ctx, r.sessionKey(s.ID), payload, ttl).Err(); err != nil {
		return problem.Wrap(problem.KindStoreUnavailable, "persist voice session", err)
	}
	return nil
}

// persistBestEffort mirrors the snapshot and logs instead of failing the
// operation; the in-memory session stays authoritative for this instance.
func (r *Registry) persistBestEffort(ctx context.Context, s Session) {
	if err := r.persist(ctx, s); err != nil {
		r.logger.Warn("voice session persist failed", map[string]interface{}{
			"session_id": s.ID.String(),
			"error":      err.Error(),
		})
	}
}

func (r *Registry) remoteCached(sessionID uuid.UUID) (Session, bool) {
	entry, ok := r.remote.Get(sessionID)
	if !ok {
		return Session{}, false
	}
	if r.now().Sub(entry.fetchedAt) > r.config.RemoteCacheTTL {
		r.remote.Remove(sessionID)
		return Session{}, false
	}
	return entry.session.clone(), true
}

func (r *Registry) fetch(ctx context.Context, sessionID uuid.UUID) (*Session, error) {
	if r.client == nil {
		return nil, problem.Newf(problem.KindNotFound, "voice session %s not found", sessionID)
	}
	raw, err := r.client.Get(ctx, r.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, problem.Newf(problem.KindNotFound, "voice session %s not found", sessionID)
	}
	if err != nil {
		return nil, problem.Wrap(problem.KindStoreUnavailable, "load voice session", err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, problem.Wrap(problem.KindInternal, "decode voice session", err)
	}
	r.remote.Add(sessionID, remoteEntry{session: s, fetchedAt: r.now()})
	snap := s.clone()
	return &snap, nil
}

func deliver(ctx context.Context, provider RealtimeClient, in Input) error {
	switch in.Type {
	case InputText:
		return provider.SendText(ctx, in.Text)
	case InputAudio:
		return provider.SendAudio(ctx, in.Audio)
	default:
		return fmt.Errorf("unsupported input type %q", in.Type)
	}
}

func validateInput(in Input) error {
	switch in.Type {
	case InputText:
		if in.Text == "" {
			return problem.New(problem.KindValidationFailed, "text input must not be empty")
		}
	case InputAudio:
		if len(in.Audio) == 0 {
			return problem.New(problem.KindValidationFailed, "audio input must not be empty")
		}
	default:
		return problem.Newf(problem.KindValidationFailed, "unsupported input type %q", in.Type)
	}
	return nil
}
