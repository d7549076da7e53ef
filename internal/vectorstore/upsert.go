package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sitespeak/sitespeak/internal/models"
	"github.com/sitespeak/sitespeak/internal/problem"
)

// UpsertResult reports the per-chunk outcome of an upsert batch
type UpsertResult struct {
	Inserted int
	Skipped  int
	Failed   []ChunkFailure
}

// ChunkFailure records a chunk rejected inside an otherwise successful batch
type ChunkFailure struct {
	ChunkID uuid.UUID
	Err     error
}

// Upsert writes chunks and their embeddings atomically. A chunk whose
// (site_id, content_hash) already exists is skipped entirely, making
// repeated upserts of identical content no-ops. A dimension mismatch is
// fatal for that chunk only; the rest of the batch proceeds.
func (s *Store) Upsert(ctx context.Context, batch []models.ChunkWithEmbedding) (UpsertResult, error) {
	var result UpsertResult
	if len(batch) == 0 {
		return result, nil
	}

	// Tenant agreement between chunk and embedding is a programming
	// error, never a data condition.
	for _, item := range batch {
		if item.Chunk.TenantID != item.Embedding.TenantID || item.Chunk.SiteID != item.Embedding.SiteID {
			return result, problem.Newf(problem.KindInternal,
				"chunk %s and its embedding disagree on tenant scope", item.Chunk.ID)
		}
	}

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, item := range batch {
			if got := len(item.Embedding.Vector.Slice()); got != item.Embedding.Dimensions {
				result.Failed = append(result.Failed, ChunkFailure{
					ChunkID: item.Chunk.ID,
					Err: problem.Newf(problem.KindDimensionMismatch,
						"embedding has %d dimensions, model %s expects %d",
						got, item.Embedding.Model, item.Embedding.Dimensions),
				})
				continue
			}

			var exists bool
			err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM kb_chunks WHERE site_id = $1 AND content_hash = $2)`,
				item.Chunk.SiteID, item.Chunk.ContentHash,
			).Scan(&exists)
			if err != nil {
				return classify("check chunk content hash", err)
			}
			if exists {
				result.Skipped++
				continue
			}

			if err := upsertChunk(ctx, tx, item); err != nil {
				return err
			}
			result.Inserted++
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, err
	}

	s.metrics.RecordCounter("vectorstore_chunks_upserted_total", float64(result.Inserted), nil)
	return result, nil
}

// upsertChunk writes one chunk and its embedding in the enclosing
// transaction, keeping the stored chunk id stable across replacements.
func upsertChunk(ctx context.Context, tx *sqlx.Tx, item models.ChunkWithEmbedding) error {
	now := time.Now().UTC()
	chunk := item.Chunk
	if chunk.ID == uuid.Nil {
		chunk.ID = uuid.New()
	}

	var chunkID uuid.UUID
	err := tx.QueryRowContext(ctx, `
		INSERT INTO kb_chunks (
			id, document_id, tenant_id, site_id, chunk_index,
			content, content_hash, hpath, selector,
			word_count, token_count, locale, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
		ON CONFLICT (document_id, chunk_index) DO UPDATE SET
			content = EXCLUDED.content,
			content_hash = EXCLUDED.content_hash,
			hpath = EXCLUDED.hpath,
			selector = EXCLUDED.selector,
			word_count = EXCLUDED.word_count,
			token_count = EXCLUDED.token_count,
			locale = EXCLUDED.locale,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
		RETURNING id`,
		chunk.ID, chunk.DocumentID, chunk.TenantID, chunk.SiteID, chunk.ChunkIndex,
		chunk.Content, chunk.ContentHash, chunk.HPath, chunk.Selector,
		chunk.WordCount, chunk.TokenCount, chunk.Locale, chunk.Metadata, now,
	).Scan(&chunkID)
	if err != nil {
		return classify(fmt.Sprintf("upsert chunk %d of document %s", chunk.ChunkIndex, chunk.DocumentID), err)
	}

	emb := item.Embedding
	_, err = tx.ExecContext(ctx, `
		INSERT INTO kb_embeddings (
			chunk_id, tenant_id, site_id, model, dimensions, embedding, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (chunk_id) DO UPDATE SET
			model = EXCLUDED.model,
			dimensions = EXCLUDED.dimensions,
			embedding = EXCLUDED.embedding`,
		chunkID, emb.TenantID, emb.SiteID, emb.Model, emb.Dimensions, emb.Vector, now,
	)
	if err != nil {
		return classify(fmt.Sprintf("upsert embedding for chunk %s", chunkID), err)
	}
	return nil
}

// DeleteByPage removes every chunk of a document together with its
// embeddings, which cascade on the foreign key. Returns the chunk count.
func (s *Store) DeleteByPage(ctx context.Context, pageID, tenantID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kb_chunks WHERE document_id = $1 AND tenant_id = $2`,
		pageID, tenantID,
	)
	if err != nil {
		return 0, classify("delete chunks by page", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, classify("delete chunks by page", err)
	}

	s.logger.Debug("Deleted page chunks", map[string]interface{}{
		"document_id": pageID.String(),
		"tenant_id":   tenantID.String(),
		"chunks":      deleted,
	})
	return deleted, nil
}

// DeleteStaleChunks removes chunks of a document whose chunk_index is not
// in keep, pruning content that disappeared in the latest crawl.
func (s *Store) DeleteStaleChunks(ctx context.Context, documentID, tenantID uuid.UUID, keep []int) (int64, error) {
	var (
		res interface{ RowsAffected() (int64, error) }
		err error
	)
	if len(keep) == 0 {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM kb_chunks WHERE document_id = $1 AND tenant_id = $2`,
			documentID, tenantID)
	} else {
		query, args, buildErr := sqlx.In(
			`DELETE FROM kb_chunks WHERE document_id = ? AND tenant_id = ? AND chunk_index NOT IN (?)`,
			documentID, tenantID, keep)
		if buildErr != nil {
			return 0, classify("build stale chunk delete", buildErr)
		}
		res, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	}
	if err != nil {
		return 0, classify("delete stale chunks", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, classify("delete stale chunks", err)
	}
	return deleted, nil
}
