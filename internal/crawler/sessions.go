// Package crawler owns crawl session lifecycles: one orchestrator that
// admits, dispatches, and finishes sessions, a cron scheduler for recurring
// delta crawls, and the Postgres session repository behind them.
package crawler

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sitespeak/sitespeak/internal/models"
	"github.com/sitespeak/sitespeak/internal/problem"
)

// SessionRepository persists crawl sessions in kb_crawl_sessions.
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository wraps an open database handle.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const insertSessionSQL = `
	INSERT INTO kb_crawl_sessions (
		id, tenant_id, site_id, mode, status,
		processed_pages, failed_pages, last_crawl_hash, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, 0, 0, '', NOW(), NOW())`

// CreateSession inserts a new queued session. A zero ID is assigned.
func (r *SessionRepository) CreateSession(ctx context.Context, session *models.CrawlSession) error {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	if session.Status == "" {
		session.Status = models.CrawlStatusQueued
	}
	_, err := r.db.ExecContext(ctx, insertSessionSQL,
		session.ID, session.TenantID, session.SiteID, session.Mode, session.Status)
	if err != nil {
		return problem.Wrap(problem.KindStoreUnavailable, "failed to create crawl session", err)
	}
	return nil
}

// GetSession loads one session by ID.
func (r *SessionRepository) GetSession(ctx context.Context, id uuid.UUID) (*models.CrawlSession, error) {
	var session models.CrawlSession
	err := r.db.GetContext(ctx, &session,
		`SELECT * FROM kb_crawl_sessions WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, problem.Newf(problem.KindNotFound, "crawl session %s not found", id)
		}
		return nil, problem.Wrap(problem.KindStoreUnavailable, "failed to load crawl session", err)
	}
	return &session, nil
}

// ActiveSession returns the live (queued or running) session for a
// tenant/site/mode triple, or nil when none is active.
func (r *SessionRepository) ActiveSession(ctx context.Context, tenantID, siteID uuid.UUID, mode models.CrawlMode) (*models.CrawlSession, error) {
	var session models.CrawlSession
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM kb_crawl_sessions
		WHERE tenant_id = $1 AND site_id = $2 AND mode = $3
		  AND status IN ('queued', 'running')
		ORDER BY created_at DESC
		LIMIT 1`,
		tenantID, siteID, mode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, problem.Wrap(problem.KindStoreUnavailable, "failed to look up active session", err)
	}
	return &session, nil
}

// ActiveSessions lists every live session for a tenant/site across modes.
func (r *SessionRepository) ActiveSessions(ctx context.Context, tenantID, siteID uuid.UUID) ([]models.CrawlSession, error) {
	var sessions []models.CrawlSession
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM kb_crawl_sessions
		WHERE tenant_id = $1 AND site_id = $2
		  AND status IN ('queued', 'running')
		ORDER BY created_at DESC`,
		tenantID, siteID)
	if err != nil {
		return nil, problem.Wrap(problem.KindStoreUnavailable, "failed to list active sessions", err)
	}
	return sessions, nil
}

// MarkRunning flips a queued session to running. The WHERE guard makes the
// transition atomic: a second worker that raced here affects zero rows.
func (r *SessionRepository) MarkRunning(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE kb_crawl_sessions
		SET status = 'running', started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'queued'`,
		id)
	if err != nil {
		return problem.Wrap(problem.KindStoreUnavailable, "failed to mark session running", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return problem.Wrap(problem.KindStoreUnavailable, "failed to mark session running", err)
	}
	if rows == 0 {
		return problem.Newf(problem.KindAlreadyRunning, "crawl session %s is not queued", id)
	}
	return nil
}

// Finish moves a live session into a terminal status.
func (r *SessionRepository) Finish(ctx context.Context, id uuid.UUID, status models.CrawlStatus, errMsg string) error {
	if !status.Terminal() {
		return problem.Newf(problem.KindValidationFailed, "%s is not a terminal status", status)
	}
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE kb_crawl_sessions
		SET status = $2, ended_at = NOW(), error_message = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running')`,
		id, status, msg)
	if err != nil {
		return problem.Wrap(problem.KindStoreUnavailable, "failed to finish crawl session", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return problem.Wrap(problem.KindStoreUnavailable, "failed to finish crawl session", err)
	}
	if rows == 0 {
		return problem.Newf(problem.KindValidationFailed, "crawl session %s is already in a terminal state", id)
	}
	return nil
}

// RecordProgress adds page counts to a running session.
func (r *SessionRepository) RecordProgress(ctx context.Context, id uuid.UUID, processed, failed int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE kb_crawl_sessions
		SET processed_pages = processed_pages + $2,
		    failed_pages = failed_pages + $3,
		    updated_at = NOW()
		WHERE id = $1`,
		id, processed, failed)
	if err != nil {
		return problem.Wrap(problem.KindStoreUnavailable, "failed to record crawl progress", err)
	}
	return nil
}

// SetCrawlMarkers stores the freshness markers delta crawls compare against.
func (r *SessionRepository) SetCrawlMarkers(ctx context.Context, id uuid.UUID, crawlTime, sitemapCheck time.Time, sitemapHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE kb_crawl_sessions
		SET last_crawl_time = $2,
		    last_sitemap_check = $3,
		    last_crawl_hash = $4,
		    updated_at = NOW()
		WHERE id = $1`,
		id, crawlTime, sitemapCheck, sitemapHash)
	if err != nil {
		return problem.Wrap(problem.KindStoreUnavailable, "failed to set crawl markers", err)
	}
	return nil
}

// ListSessions returns the most recent sessions for a tenant/site.
func (r *SessionRepository) ListSessions(ctx context.Context, tenantID, siteID uuid.UUID, limit int) ([]models.CrawlSession, error) {
	if limit <= 0 {
		limit = 10
	}
	var sessions []models.CrawlSession
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM kb_crawl_sessions
		WHERE tenant_id = $1 AND site_id = $2
		ORDER BY created_at DESC
		LIMIT $3`,
		tenantID, siteID, limit)
	if err != nil {
		return nil, problem.Wrap(problem.KindStoreUnavailable, "failed to list crawl sessions", err)
	}
	return sessions, nil
}

// TenantCrawlStats aggregates crawl activity across all of a tenant's sites.
type TenantCrawlStats struct {
	Sessions       int   `db:"sessions" json:"sessions"`
	ActiveSessions int   `db:"active_sessions" json:"activeSessions"`
	PagesProcessed int64 `db:"pages_processed" json:"pagesProcessed"`
	Errors         int64 `db:"errors" json:"errors"`
}

// TenantStats sums session counts and page totals for one tenant. Errors
// counts failed page fetches, not failed sessions.
func (r *SessionRepository) TenantStats(ctx context.Context, tenantID uuid.UUID) (*TenantCrawlStats, error) {
	var stats TenantCrawlStats
	err := r.db.GetContext(ctx, &stats, `
		SELECT COUNT(*) AS sessions,
		       COUNT(*) FILTER (WHERE status IN ('queued', 'running')) AS active_sessions,
		       COALESCE(SUM(processed_pages), 0) AS pages_processed,
		       COALESCE(SUM(failed_pages), 0) AS errors
		FROM kb_crawl_sessions
		WHERE tenant_id = $1`,
		tenantID)
	if err != nil {
		return nil, problem.Wrap(problem.KindStoreUnavailable, "failed to aggregate crawl stats", err)
	}
	return &stats, nil
}

// Ping reports database reachability for health checks.
func (r *SessionRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// LastCompleted returns the newest completed session, or nil when the site
// has never finished a crawl. Delta crawls baseline against it.
func (r *SessionRepository) LastCompleted(ctx context.Context, tenantID, siteID uuid.UUID) (*models.CrawlSession, error) {
	var session models.CrawlSession
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM kb_crawl_sessions
		WHERE tenant_id = $1 AND site_id = $2 AND status = 'completed'
		ORDER BY ended_at DESC
		LIMIT 1`,
		tenantID, siteID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, problem.Wrap(problem.KindStoreUnavailable, "failed to load last completed session", err)
	}
	return &session, nil
}
