// Package vectorstore owns chunk and embedding persistence and runs every
// similarity and lexical query against Postgres with the pgvector extension.
// All queries are tenant scoped; a query without a tenant predicate is a
// programming error, not a runtime condition.
package vectorstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sitespeak/sitespeak/internal/models"
	"github.com/sitespeak/sitespeak/internal/problem"
	"github.com/sitespeak/sitespeak/pkg/observability"
)

const (
	// maxCandidates bounds any single strategy's candidate set
	maxCandidates = 2000

	// defaultFanOutFactor widens the candidate set relative to k
	defaultFanOutFactor = 2
)

// Config tunes query-time index behaviour
type Config struct {
	// EfSearch is the hnsw.ef_search session value for ANN queries
	EfSearch int `mapstructure:"ef_search"`
	// Probes is the ivfflat.probes session value for ANN queries
	Probes int `mapstructure:"probes"`
}

// DefaultConfig returns production index settings
func DefaultConfig() Config {
	return Config{
		EfSearch: 100,
		Probes:   10,
	}
}

// Store persists chunks with their embeddings and serves retrieval queries
type Store struct {
	db      *sqlx.DB
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient
}

// New creates a vector store over the given database handle
func New(db *sqlx.DB, config Config, logger observability.Logger, metrics observability.MetricsClient) *Store {
	if config.EfSearch <= 0 {
		config.EfSearch = DefaultConfig().EfSearch
	}
	if config.Probes <= 0 {
		config.Probes = DefaultConfig().Probes
	}
	return &Store{
		db:      db,
		config:  config,
		logger:  logger.WithPrefix("vectorstore"),
		metrics: metrics,
	}
}

// Query carries the tenant scope and tuning knobs shared by all strategies
type Query struct {
	TenantID     uuid.UUID
	SiteID       uuid.UUID
	Locale       string
	K            int
	MinScore     float64
	UseIndex     models.IndexKind
	FanOutFactor int
}

// candidateLimit bounds the strategy's candidate set to
// max(2k, k*fanOutFactor), never above maxCandidates.
func (q Query) candidateLimit() int {
	factor := q.FanOutFactor
	if factor < defaultFanOutFactor {
		factor = defaultFanOutFactor
	}
	limit := q.K * factor
	if limit > maxCandidates {
		limit = maxCandidates
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Hit is one scored chunk returned by a strategy
type Hit struct {
	ID         uuid.UUID      `db:"id"`
	DocumentID uuid.UUID      `db:"document_id"`
	ChunkIndex int            `db:"chunk_index"`
	Content    string         `db:"content"`
	URL        string         `db:"url"`
	Title      string         `db:"title"`
	Distance   float64        `db:"distance"`
	Score      float64        `db:"score"`
	Metadata   models.JSONMap `db:"metadata"`
}

// classify maps a database error onto the failure taxonomy. Connection
// class errors are retryable; everything else is a store failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return problem.Wrap(problem.KindNotFound, op, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08 connection, 53 resources, 57 operator intervention,
		// 58 system errors: all transient from the caller's view.
		switch pqErr.Code.Class() {
		case "08", "53", "57", "58":
			return problem.Wrap(problem.KindTransient, op, err)
		}
		return problem.Wrap(problem.KindStoreUnavailable, fmt.Sprintf("%s (%s)", op, pqErr.Code), err)
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return problem.Wrap(problem.KindTransient, op, err)
	}
	return problem.Wrap(problem.KindStoreUnavailable, op, err)
}

// inTx runs fn inside a transaction, rolling back on error
func (s *Store) inTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("Transaction rollback failed", map[string]interface{}{
				"error": rbErr.Error(),
			})
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}
