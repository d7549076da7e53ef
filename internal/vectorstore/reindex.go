package vectorstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sitespeak/sitespeak/internal/models"
	"github.com/sitespeak/sitespeak/internal/problem"
)

const (
	hnswIndexName    = "kb_embeddings_embedding_hnsw_idx"
	ivfflatIndexName = "kb_embeddings_embedding_ivfflat_idx"

	hnswM              = 16
	hnswEfConstruction = 64

	ivfflatMinLists = 100
	ivfflatMaxLists = 1000
)

// ReindexResult reports what a Reindex call actually did.
type ReindexResult struct {
	Kind      models.IndexKind `json:"kind"`
	IndexName string           `json:"indexName"`
	Created   bool             `json:"created"`
	Dropped   []string         `json:"dropped,omitempty"`
	Rows      int64            `json:"rows"`
	Duration  time.Duration    `json:"duration"`
}

// Reindex builds the ANN index of the requested kind over kb_embeddings.
// The build runs CONCURRENTLY so reads keep working, and is idempotent:
// when an index with the target name already exists the call is a no-op
// apart from dropping a leftover index of the other kind.
func (s *Store) Reindex(ctx context.Context, kind models.IndexKind) (*ReindexResult, error) {
	start := time.Now()

	var name, ddl string
	switch kind {
	case models.IndexKindHNSW:
		name = hnswIndexName
		ddl = fmt.Sprintf(
			`CREATE INDEX CONCURRENTLY IF NOT EXISTS %s
			 ON kb_embeddings USING hnsw (embedding vector_cosine_ops)
			 WITH (m = %d, ef_construction = %d)`,
			hnswIndexName, hnswM, hnswEfConstruction)
	case models.IndexKindIVFFlat:
		rows, err := s.embeddingCount(ctx)
		if err != nil {
			return nil, err
		}
		name = ivfflatIndexName
		ddl = fmt.Sprintf(
			`CREATE INDEX CONCURRENTLY IF NOT EXISTS %s
			 ON kb_embeddings USING ivfflat (embedding vector_cosine_ops)
			 WITH (lists = %d)`,
			ivfflatIndexName, ivfflatLists(rows))
	default:
		return nil, problem.Newf(problem.KindValidationFailed, "unsupported index kind %q", kind)
	}

	exists, err := s.indexExists(ctx, name)
	if err != nil {
		return nil, err
	}

	result := &ReindexResult{Kind: kind, IndexName: name}
	if !exists {
		// CONCURRENTLY cannot run inside a transaction block.
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return nil, classify("create vector index", err)
		}
		result.Created = true
	}

	// Only one ANN index kind stays active. Drop the other kind after the
	// target index is in place so searches never lose index coverage.
	other := hnswIndexName
	if kind == models.IndexKindHNSW {
		other = ivfflatIndexName
	}
	otherExists, err := s.indexExists(ctx, other)
	if err != nil {
		return nil, err
	}
	if otherExists {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP INDEX CONCURRENTLY IF EXISTS %s`, other)); err != nil {
			return nil, classify("drop vector index", err)
		}
		result.Dropped = append(result.Dropped, other)
	}

	result.Rows, err = s.embeddingCount(ctx)
	if err != nil {
		return nil, err
	}
	result.Duration = time.Since(start)

	s.logger.Info("vector index rebuilt", map[string]interface{}{
		"kind":     string(kind),
		"index":    name,
		"created":  result.Created,
		"rows":     result.Rows,
		"duration": result.Duration.String(),
	})
	if s.metrics != nil {
		s.metrics.RecordCounter("vectorstore_reindex_total", 1, map[string]string{"kind": string(kind)})
	}
	return result, nil
}

// ActiveIndexKind inspects pg_indexes for kb_embeddings and reports which
// ANN index is in place. HNSW wins when both somehow coexist.
func (s *Store) ActiveIndexKind(ctx context.Context) (models.IndexKind, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT indexdef FROM pg_indexes WHERE tablename = 'kb_embeddings'`)
	if err != nil {
		return models.IndexKindNone, classify("inspect indexes", err)
	}
	defer func() { _ = rows.Close() }()

	kind := models.IndexKindNone
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return models.IndexKindNone, classify("scan index definition", err)
		}
		def = strings.ToLower(def)
		switch {
		case strings.Contains(def, "hnsw"):
			return models.IndexKindHNSW, rows.Err()
		case strings.Contains(def, "ivfflat"):
			kind = models.IndexKindIVFFlat
		}
	}
	if err := rows.Err(); err != nil {
		return models.IndexKindNone, classify("inspect indexes", err)
	}
	return kind, nil
}

// StoreStats summarizes the indexed corpus for a tenant, optionally
// narrowed to a single site.
type StoreStats struct {
	Documents         int64            `json:"documents"`
	Chunks            int64            `json:"chunks"`
	Embeddings        int64            `json:"embeddings"`
	AvgTokensPerChunk float64          `json:"avgTokensPerChunk"`
	IndexKind         models.IndexKind `json:"indexKind"`
}

// Stats gathers corpus counts and the active index kind. siteID narrows the
// counts when non-nil; the index kind is table-wide either way.
func (s *Store) Stats(ctx context.Context, tenantID uuid.UUID, siteID *uuid.UUID) (*StoreStats, error) {
	conditions := []string{"d.tenant_id = $1", "d.is_deleted = FALSE"}
	args := []interface{}{tenantID}
	if siteID != nil {
		args = append(args, *siteID)
		conditions = append(conditions, fmt.Sprintf("d.site_id = $%d", len(args)))
	}
	where := strings.Join(conditions, " AND ")

	stats := &StoreStats{}
	query := fmt.Sprintf(`
		SELECT
			COUNT(DISTINCT d.id) AS documents,
			COUNT(c.id) AS chunks,
			COUNT(e.chunk_id) AS embeddings,
			COALESCE(AVG(c.token_count), 0) AS avg_tokens
		FROM kb_documents d
		LEFT JOIN kb_chunks c ON c.document_id = d.id
		LEFT JOIN kb_embeddings e ON e.chunk_id = c.id
		WHERE %s`, where)

	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Documents, &stats.Chunks, &stats.Embeddings, &stats.AvgTokensPerChunk,
	); err != nil {
		return nil, classify("load store stats", err)
	}

	kind, err := s.ActiveIndexKind(ctx)
	if err != nil {
		return nil, err
	}
	stats.IndexKind = kind
	return stats, nil
}

func (s *Store) indexExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE tablename = 'kb_embeddings' AND indexname = $1)`,
		name,
	).Scan(&exists)
	if err != nil {
		return false, classify("check index existence", err)
	}
	return exists, nil
}

func (s *Store) embeddingCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kb_embeddings`).Scan(&count); err != nil {
		return 0, classify("count embeddings", err)
	}
	return count, nil
}

// ivfflatLists sizes the list count from the row count, clamped to the
// recommended operating range.
func ivfflatLists(rows int64) int {
	lists := int(rows / 1000)
	if lists < ivfflatMinLists {
		return ivfflatMinLists
	}
	if lists > ivfflatMaxLists {
		return ivfflatMaxLists
	}
	return lists
}
