package vectorstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitespeak/sitespeak/internal/models"
	"github.com/sitespeak/sitespeak/internal/problem"
	"github.com/sitespeak/sitespeak/pkg/observability"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	sqlxDB := sqlx.NewDb(db, "sqlmock")
	store := New(sqlxDB, DefaultConfig(), observability.NewNoopLogger(), observability.NewNoopMetrics())

	cleanup := func() {
		if closeErr := db.Close(); closeErr != nil {
			t.Logf("Failed to close mock db: %v", closeErr)
		}
	}
	return store, mock, cleanup
}

func TestQuery_CandidateLimit(t *testing.T) {
	tests := []struct {
		name   string
		k      int
		factor int
		want   int
	}{
		{name: "default factor doubles k", k: 5, factor: 0, want: 10},
		{name: "explicit factor wins over default", k: 100, factor: 3, want: 300},
		{name: "factor below default is raised", k: 100, factor: 1, want: 200},
		{name: "capped at two thousand", k: 1200, factor: 2, want: 2000},
		{name: "never below one", k: 0, factor: 0, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := Query{K: tt.k, FanOutFactor: tt.factor}
			assert.Equal(t, tt.want, q.candidateLimit())
		})
	}
}

func TestIVFFlatLists(t *testing.T) {
	tests := []struct {
		rows int64
		want int
	}{
		{rows: 0, want: 100},
		{rows: 50_000, want: 100},
		{rows: 250_000, want: 250},
		{rows: 5_000_000, want: 1000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ivfflatLists(tt.rows), "rows=%d", tt.rows)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want problem.Kind
	}{
		{name: "no rows maps to not found", err: sql.ErrNoRows, want: problem.KindNotFound},
		{name: "connection exhaustion is transient", err: &pq.Error{Code: "53300"}, want: problem.KindTransient},
		{name: "connection failure is transient", err: &pq.Error{Code: "08006"}, want: problem.KindTransient},
		{name: "schema error is store unavailable", err: &pq.Error{Code: "42703"}, want: problem.KindStoreUnavailable},
		{name: "closed connection is transient", err: sql.ErrConnDone, want: problem.KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("test op", tt.err)
			assert.True(t, problem.IsKind(got, tt.want), "got kind %s", problem.KindOf(got))
		})
	}

	t.Run("context cancellation passes through", func(t *testing.T) {
		got := classify("test op", context.Canceled)
		assert.ErrorIs(t, got, context.Canceled)
	})
}

func TestStore_Upsert(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	tenantID := uuid.New()
	siteID := uuid.New()
	docID := uuid.New()

	mismatched := chunkWithEmbedding(tenantID, siteID, docID, 0, "hash-bad")
	mismatched.Embedding.Vector = pgvector.NewVector([]float32{1, 0, 0}) // model expects 4

	duplicate := chunkWithEmbedding(tenantID, siteID, docID, 1, "hash-dup")
	fresh := chunkWithEmbedding(tenantID, siteID, docID, 2, "hash-new")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(siteID, "hash-dup").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(siteID, "hash-new").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("INSERT INTO kb_chunks").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(fresh.Chunk.ID))
	mock.ExpectExec("INSERT INTO kb_embeddings").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := store.Upsert(context.Background(), []models.ChunkWithEmbedding{mismatched, duplicate, fresh})
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 1, result.Skipped)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, mismatched.Chunk.ID, result.Failed[0].ChunkID)
	assert.True(t, problem.IsKind(result.Failed[0].Err, problem.KindDimensionMismatch))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Upsert_TenantMismatchIsFatal(t *testing.T) {
	store, _, cleanup := newTestStore(t)
	defer cleanup()

	item := chunkWithEmbedding(uuid.New(), uuid.New(), uuid.New(), 0, "hash")
	item.Embedding.TenantID = uuid.New()

	_, err := store.Upsert(context.Background(), []models.ChunkWithEmbedding{item})
	assert.True(t, problem.IsKind(err, problem.KindInternal))
}

func TestStore_DeleteByPage(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	pageID := uuid.New()
	tenantID := uuid.New()

	mock.ExpectExec("DELETE FROM kb_chunks").
		WithArgs(pageID, tenantID).
		WillReturnResult(sqlmock.NewResult(0, 3))

	deleted, err := store.DeleteByPage(context.Background(), pageID, tenantID)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DeleteStaleChunks(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	docID := uuid.New()
	tenantID := uuid.New()

	t.Run("keeps listed chunk indexes", func(t *testing.T) {
		mock.ExpectExec("DELETE FROM kb_chunks").
			WithArgs(docID, tenantID, 0, 2).
			WillReturnResult(sqlmock.NewResult(0, 1))

		deleted, err := store.DeleteStaleChunks(context.Background(), docID, tenantID, []int{0, 2})
		assert.NoError(t, err)
		assert.Equal(t, int64(1), deleted)
	})

	t.Run("empty keep list deletes everything", func(t *testing.T) {
		mock.ExpectExec("DELETE FROM kb_chunks").
			WithArgs(docID, tenantID).
			WillReturnResult(sqlmock.NewResult(0, 5))

		deleted, err := store.DeleteStaleChunks(context.Background(), docID, tenantID, nil)
		assert.NoError(t, err)
		assert.Equal(t, int64(5), deleted)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_FindDocumentByURL(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	siteID := uuid.New()
	docID := uuid.New()
	now := time.Now()

	t.Run("found", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{
			"id", "tenant_id", "site_id", "url", "canonical_url", "title",
			"content_hash", "page_hash", "lastmod", "last_crawled", "etag",
			"locale", "version", "is_deleted", "metadata", "created_at", "updated_at",
		}).AddRow(
			docID, uuid.New(), siteID, "https://example.com/a?ref=1", "https://example.com/a", "Page A",
			"chash", "phash", nil, now, `"abc"`,
			"en-US", 2, false, []byte(`{"section":"docs"}`), now, now,
		)
		mock.ExpectQuery("FROM kb_documents WHERE site_id").
			WithArgs(siteID, "https://example.com/a").
			WillReturnRows(rows)

		doc, err := store.FindDocumentByURL(context.Background(), siteID, "https://example.com/a")
		assert.NoError(t, err)
		require.NotNil(t, doc)
		assert.Equal(t, docID, doc.ID)
		assert.Equal(t, 2, doc.Version)
		assert.Equal(t, "docs", doc.Metadata["section"])
	})

	t.Run("absent returns nil without error", func(t *testing.T) {
		mock.ExpectQuery("FROM kb_documents WHERE site_id").
			WithArgs(siteID, "https://example.com/missing").
			WillReturnError(sql.ErrNoRows)

		doc, err := store.FindDocumentByURL(context.Background(), siteID, "https://example.com/missing")
		assert.NoError(t, err)
		assert.Nil(t, doc)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SoftDeleteDocumentsNotSeen(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	tenantID := uuid.New()
	siteID := uuid.New()
	seen := []uuid.UUID{uuid.New(), uuid.New()}

	mock.ExpectExec("UPDATE kb_documents SET is_deleted = TRUE").
		WithArgs(tenantID, siteID, seen[0], seen[1]).
		WillReturnResult(sqlmock.NewResult(0, 4))

	deleted, err := store.SoftDeleteDocumentsNotSeen(context.Background(), tenantID, siteID, seen)
	assert.NoError(t, err)
	assert.Equal(t, int64(4), deleted)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ActiveIndexKind(t *testing.T) {
	tests := []struct {
		name string
		defs []string
		want models.IndexKind
	}{
		{
			name: "hnsw detected",
			defs: []string{
				"CREATE UNIQUE INDEX kb_embeddings_pkey ON public.kb_embeddings USING btree (chunk_id)",
				"CREATE INDEX kb_embeddings_embedding_hnsw_idx ON public.kb_embeddings USING hnsw (embedding vector_cosine_ops)",
			},
			want: models.IndexKindHNSW,
		},
		{
			name: "ivfflat detected",
			defs: []string{
				"CREATE INDEX kb_embeddings_embedding_ivfflat_idx ON public.kb_embeddings USING ivfflat (embedding vector_cosine_ops)",
			},
			want: models.IndexKindIVFFlat,
		},
		{
			name: "no vector index",
			defs: []string{
				"CREATE UNIQUE INDEX kb_embeddings_pkey ON public.kb_embeddings USING btree (chunk_id)",
			},
			want: models.IndexKindNone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock, cleanup := newTestStore(t)
			defer cleanup()

			rows := sqlmock.NewRows([]string{"indexdef"})
			for _, def := range tt.defs {
				rows.AddRow(def)
			}
			mock.ExpectQuery("SELECT indexdef FROM pg_indexes").WillReturnRows(rows)

			kind, err := store.ActiveIndexKind(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, tt.want, kind)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStore_Reindex_HNSW(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(hnswIndexName).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("CREATE INDEX CONCURRENTLY IF NOT EXISTS kb_embeddings_embedding_hnsw_idx").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(ivfflatIndexName).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("DROP INDEX CONCURRENTLY IF EXISTS kb_embeddings_embedding_ivfflat_idx").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1234))

	result, err := store.Reindex(context.Background(), models.IndexKindHNSW)
	assert.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, []string{ivfflatIndexName}, result.Dropped)
	assert.Equal(t, int64(1234), result.Rows)
	assert.Equal(t, models.IndexKindHNSW, result.Kind)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Reindex_Idempotent(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(hnswIndexName).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(ivfflatIndexName).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1234))

	result, err := store.Reindex(context.Background(), models.IndexKindHNSW)
	assert.NoError(t, err)
	assert.False(t, result.Created)
	assert.Empty(t, result.Dropped)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Reindex_IVFFlatSizesLists(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	// 250k embeddings puts lists at 250, inside the clamp range.
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(250_000))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(ivfflatIndexName).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("WITH \\(lists = 250\\)").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(hnswIndexName).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(250_000))

	result, err := store.Reindex(context.Background(), models.IndexKindIVFFlat)
	assert.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, models.IndexKindIVFFlat, result.Kind)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Stats(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	tenantID := uuid.New()

	mock.ExpectQuery("SELECT").
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows([]string{"documents", "chunks", "embeddings", "avg_tokens"}).
			AddRow(12, 340, 340, 512.5))
	mock.ExpectQuery("SELECT indexdef FROM pg_indexes").
		WillReturnRows(sqlmock.NewRows([]string{"indexdef"}).
			AddRow("CREATE INDEX kb_embeddings_embedding_hnsw_idx ON public.kb_embeddings USING hnsw (embedding vector_cosine_ops)"))

	stats, err := store.Stats(context.Background(), tenantID, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(12), stats.Documents)
	assert.Equal(t, int64(340), stats.Chunks)
	assert.Equal(t, int64(340), stats.Embeddings)
	assert.InDelta(t, 512.5, stats.AvgTokensPerChunk, 0.001)
	assert.Equal(t, models.IndexKindHNSW, stats.IndexKind)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_NNSearch_ScoresAndOrdering(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	tenantID := uuid.New()
	siteID := uuid.New()
	chunkA := uuid.New()
	chunkB := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL hnsw.ef_search").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM kb_embeddings e").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "document_id", "chunk_index", "content", "metadata", "url", "title", "distance", "score",
		}).
			AddRow(chunkA, uuid.New(), 0, "alpha", []byte(`{}`), "https://x/a", "A", 0.1, 0.9).
			AddRow(chunkB, uuid.New(), 1, "beta", []byte(`{}`), "https://x/b", "B", 0.4, 0.6))
	mock.ExpectCommit()

	hits, err := store.NNSearch(context.Background(), Query{
		TenantID: tenantID,
		SiteID:   siteID,
		K:        2,
		UseIndex: models.IndexKindHNSW,
	}, pgvector.NewVector([]float32{1, 0, 0, 0}))
	assert.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, chunkA, hits[0].ID)
	assert.InDelta(t, 0.9, hits[0].Score, 0.001)
	assert.InDelta(t, 0.6, hits[1].Score, 0.001)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func chunkWithEmbedding(tenantID, siteID, docID uuid.UUID, index int, contentHash string) models.ChunkWithEmbedding {
	chunkID := uuid.New()
	return models.ChunkWithEmbedding{
		Chunk: models.Chunk{
			ID:          chunkID,
			DocumentID:  docID,
			TenantID:    tenantID,
			SiteID:      siteID,
			ChunkIndex:  index,
			Content:     "some content",
			ContentHash: contentHash,
			WordCount:   2,
			TokenCount:  3,
			Locale:      "en-US",
		},
		Embedding: models.Embedding{
			ChunkID:    chunkID,
			TenantID:   tenantID,
			SiteID:     siteID,
			Model:      "text-embedding-3-small",
			Dimensions: 4,
			Vector:     pgvector.NewVector([]float32{0.1, 0.2, 0.3, 0.4}),
		},
	}
}
