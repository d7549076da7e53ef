package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"

	"github.com/sitespeak/sitespeak/internal/models"
)

// hitColumns are the projected columns shared by every strategy query
const hitColumns = `c.id, c.document_id, c.chunk_index, c.content, c.metadata, d.url, d.title`

// NNSearch runs approximate nearest neighbour search over chunk embeddings.
// Results are ordered by ascending cosine distance with score = 1 - distance;
// equal distances order by chunk_index then id so repeated calls are stable.
func (s *Store) NNSearch(ctx context.Context, q Query, embedding pgvector.Vector) ([]Hit, error) {
	defer s.metrics.StartTimer("vectorstore_query_duration_seconds", map[string]string{"strategy": "vector"})()

	conditions := []string{"e.tenant_id = $2", "e.site_id = $3", "d.is_deleted = FALSE"}
	args := []interface{}{embedding, q.TenantID, q.SiteID}

	if q.Locale != "" {
		conditions = append(conditions, fmt.Sprintf("c.locale = $%d", len(args)+1))
		args = append(args, q.Locale)
	}
	if q.MinScore > 0 {
		conditions = append(conditions, fmt.Sprintf("1 - (e.embedding <=> $1::vector) >= $%d", len(args)+1))
		args = append(args, q.MinScore)
	}

	query := fmt.Sprintf(`
		SELECT %s,
			(e.embedding <=> $1::vector) AS distance,
			1 - (e.embedding <=> $1::vector) AS score
		FROM kb_embeddings e
		JOIN kb_chunks c ON c.id = e.chunk_id
		JOIN kb_documents d ON d.id = c.document_id
		WHERE %s
		ORDER BY e.embedding <=> $1::vector ASC, c.chunk_index ASC, c.id::text ASC
		LIMIT $%d`,
		hitColumns, strings.Join(conditions, " AND "), len(args)+1)
	args = append(args, q.candidateLimit())

	// Session parameters scope to the transaction, so concurrent queries
	// on other pool connections are unaffected.
	var hits []Hit
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if param := indexSessionParam(q.UseIndex, s.config); param != "" {
			if _, err := tx.ExecContext(ctx, param); err != nil {
				return classify("set index session parameter", err)
			}
		}
		if err := tx.SelectContext(ctx, &hits, query, args...); err != nil {
			return classify("nn search", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

// indexSessionParam renders the SET LOCAL statement for the index kind
func indexSessionParam(kind models.IndexKind, cfg Config) string {
	switch kind {
	case models.IndexKindHNSW:
		return fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", cfg.EfSearch)
	case models.IndexKindIVFFlat:
		return fmt.Sprintf("SET LOCAL ivfflat.probes = %d", cfg.Probes)
	}
	return ""
}

// FullTextSearch ranks chunks lexically with Postgres full-text search
func (s *Store) FullTextSearch(ctx context.Context, q Query, queryText string) ([]Hit, error) {
	defer s.metrics.StartTimer("vectorstore_query_duration_seconds", map[string]string{"strategy": "fulltext"})()

	conditions := []string{
		"c.tenant_id = $2",
		"c.site_id = $3",
		"d.is_deleted = FALSE",
		"to_tsvector('english', c.content) @@ plainto_tsquery('english', $1)",
	}
	args := []interface{}{queryText, q.TenantID, q.SiteID}

	if q.Locale != "" {
		conditions = append(conditions, fmt.Sprintf("c.locale = $%d", len(args)+1))
		args = append(args, q.Locale)
	}

	query := fmt.Sprintf(`
		SELECT %s,
			0::float AS distance,
			ts_rank(to_tsvector('english', c.content), plainto_tsquery('english', $1)) AS score
		FROM kb_chunks c
		JOIN kb_documents d ON d.id = c.document_id
		WHERE %s
		ORDER BY score DESC, c.chunk_index ASC, c.id::text ASC
		LIMIT $%d`,
		hitColumns, strings.Join(conditions, " AND "), len(args)+1)
	args = append(args, q.candidateLimit())

	var hits []Hit
	if err := s.db.SelectContext(ctx, &hits, query, args...); err != nil {
		return nil, classify("fulltext search", err)
	}
	return hits, nil
}

// BM25Search scores chunks by per-term occurrence counts normalised by
// chunk length. Chunks matching none of the terms are excluded.
func (s *Store) BM25Search(ctx context.Context, q Query, terms []string) ([]Hit, error) {
	defer s.metrics.StartTimer("vectorstore_query_duration_seconds", map[string]string{"strategy": "bm25"})()

	if len(terms) == 0 {
		return nil, nil
	}

	args := []interface{}{q.TenantID, q.SiteID}
	occurrences := make([]string, 0, len(terms))
	presence := make([]string, 0, len(terms))
	for _, term := range terms {
		t := strings.ToLower(strings.TrimSpace(term))
		if t == "" {
			continue
		}
		args = append(args, t)
		n := len(args)
		occurrences = append(occurrences, fmt.Sprintf(
			"(length(lower(c.content)) - length(replace(lower(c.content), $%d, ''))) / length($%d)", n, n))
		presence = append(presence, fmt.Sprintf("position($%d in lower(c.content)) > 0", n))
	}
	if len(occurrences) == 0 {
		return nil, nil
	}

	conditions := []string{
		"c.tenant_id = $1",
		"c.site_id = $2",
		"d.is_deleted = FALSE",
		"(" + strings.Join(presence, " OR ") + ")",
	}
	if q.Locale != "" {
		conditions = append(conditions, fmt.Sprintf("c.locale = $%d", len(args)+1))
		args = append(args, q.Locale)
	}

	query := fmt.Sprintf(`
		SELECT %s,
			0::float AS distance,
			(%s)::float / GREATEST(c.word_count, 1) AS score
		FROM kb_chunks c
		JOIN kb_documents d ON d.id = c.document_id
		WHERE %s
		ORDER BY score DESC, c.chunk_index ASC, c.id::text ASC
		LIMIT $%d`,
		hitColumns, strings.Join(occurrences, " + "), strings.Join(conditions, " AND "), len(args)+1)
	args = append(args, q.candidateLimit())

	var hits []Hit
	if err := s.db.SelectContext(ctx, &hits, query, args...); err != nil {
		return nil, classify("bm25 search", err)
	}
	return hits, nil
}

// StructuredSearch restricts full-text search to chunks flagged as carrying
// structured data, actions, or forms, boosting their rank by 2.0, 1.8 and
// 1.6 respectively. The strongest applicable boost wins.
func (s *Store) StructuredSearch(ctx context.Context, q Query, queryText string) ([]Hit, error) {
	defer s.metrics.StartTimer("vectorstore_query_duration_seconds", map[string]string{"strategy": "structured"})()

	conditions := []string{
		"c.tenant_id = $2",
		"c.site_id = $3",
		"d.is_deleted = FALSE",
		"to_tsvector('english', c.content) @@ plainto_tsquery('english', $1)",
		`(COALESCE((c.metadata->>'hasStructuredData')::boolean, FALSE)
			OR COALESCE((c.metadata->>'hasActions')::boolean, FALSE)
			OR COALESCE((c.metadata->>'hasForms')::boolean, FALSE))`,
	}
	args := []interface{}{queryText, q.TenantID, q.SiteID}

	if q.Locale != "" {
		conditions = append(conditions, fmt.Sprintf("c.locale = $%d", len(args)+1))
		args = append(args, q.Locale)
	}

	query := fmt.Sprintf(`
		SELECT %s,
			0::float AS distance,
			ts_rank(to_tsvector('english', c.content), plainto_tsquery('english', $1)) * CASE
				WHEN COALESCE((c.metadata->>'hasStructuredData')::boolean, FALSE) THEN 2.0
				WHEN COALESCE((c.metadata->>'hasActions')::boolean, FALSE) THEN 1.8
				WHEN COALESCE((c.metadata->>'hasForms')::boolean, FALSE) THEN 1.6
				ELSE 1.0
			END AS score
		FROM kb_chunks c
		JOIN kb_documents d ON d.id = c.document_id
		WHERE %s
		ORDER BY score DESC, c.chunk_index ASC, c.id::text ASC
		LIMIT $%d`,
		hitColumns, strings.Join(conditions, " AND "), len(args)+1)
	args = append(args, q.candidateLimit())

	var hits []Hit
	if err := s.db.SelectContext(ctx, &hits, query, args...); err != nil {
		return nil, classify("structured search", err)
	}
	return hits, nil
}

// HybridSearch fuses vector and full-text ranks inside the database with
// reciprocal rank fusion, weighting the vector list by alpha and the
// lexical list by 1-alpha. This is the low-level hot path; the search
// engine is the normal entry point.
func (s *Store) HybridSearch(ctx context.Context, q Query, queryText string, embedding pgvector.Vector, alpha float64) ([]Hit, error) {
	defer s.metrics.StartTimer("vectorstore_query_duration_seconds", map[string]string{"strategy": "hybrid"})()

	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	limit := q.candidateLimit()

	query := `
		WITH vec AS (
			SELECT e.chunk_id AS id,
				ROW_NUMBER() OVER (ORDER BY e.embedding <=> $1::vector ASC) AS rank
			FROM kb_embeddings e
			WHERE e.tenant_id = $3 AND e.site_id = $4
			ORDER BY e.embedding <=> $1::vector ASC
			LIMIT $5
		),
		fts AS (
			SELECT c.id,
				ROW_NUMBER() OVER (
					ORDER BY ts_rank(to_tsvector('english', c.content), plainto_tsquery('english', $2)) DESC
				) AS rank
			FROM kb_chunks c
			WHERE c.tenant_id = $3 AND c.site_id = $4
				AND to_tsvector('english', c.content) @@ plainto_tsquery('english', $2)
			LIMIT $5
		)
		SELECT ` + hitColumns + `,
			0::float AS distance,
			COALESCE($6 / (60 + vec.rank), 0) + COALESCE((1 - $6) / (60 + fts.rank), 0) AS score
		FROM (SELECT id FROM vec UNION SELECT id FROM fts) candidates
		JOIN kb_chunks c ON c.id = candidates.id
		JOIN kb_documents d ON d.id = c.document_id
		LEFT JOIN vec ON vec.id = candidates.id
		LEFT JOIN fts ON fts.id = candidates.id
		WHERE d.is_deleted = FALSE
		ORDER BY score DESC, c.chunk_index ASC, c.id::text ASC
		LIMIT $7`

	var hits []Hit
	err := s.db.SelectContext(ctx, &hits, query,
		embedding, queryText, q.TenantID, q.SiteID, limit, alpha, q.K)
	if err != nil {
		return nil, classify("hybrid search", err)
	}
	return hits, nil
}
