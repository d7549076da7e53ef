package vectorstore

import (
	"context"
	"fmt"

	"github.com/sitespeak/sitespeak/internal/problem"
)

// schemaStatements create the knowledge-base tables and their secondary
// indexes. Embeddings cascade on chunk delete; chunks cascade on document
// delete. The vector column dimension is fixed at table creation.
func schemaStatements(dimensions int) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS kb_documents (
			id UUID PRIMARY KEY,
			tenant_id UUID NOT NULL,
			site_id UUID NOT NULL,
			url TEXT NOT NULL,
			canonical_url TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			content_hash TEXT NOT NULL DEFAULT '',
			page_hash TEXT NOT NULL DEFAULT '',
			lastmod TIMESTAMPTZ,
			last_crawled TIMESTAMPTZ,
			etag TEXT NOT NULL DEFAULT '',
			locale TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 1,
			is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT kb_documents_site_url_key UNIQUE (site_id, canonical_url)
		)`,

		`CREATE TABLE IF NOT EXISTS kb_chunks (
			id UUID PRIMARY KEY,
			document_id UUID NOT NULL REFERENCES kb_documents(id) ON DELETE CASCADE,
			tenant_id UUID NOT NULL,
			site_id UUID NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			hpath TEXT NOT NULL DEFAULT '',
			selector TEXT NOT NULL DEFAULT '',
			word_count INTEGER NOT NULL DEFAULT 0,
			token_count INTEGER NOT NULL DEFAULT 0,
			locale TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT kb_chunks_document_index_key UNIQUE (document_id, chunk_index)
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS kb_embeddings (
			chunk_id UUID PRIMARY KEY REFERENCES kb_chunks(id) ON DELETE CASCADE,
			tenant_id UUID NOT NULL,
			site_id UUID NOT NULL,
			model TEXT NOT NULL,
			dimensions INTEGER NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, dimensions),

		`CREATE TABLE IF NOT EXISTS kb_crawl_sessions (
			id UUID PRIMARY KEY,
			tenant_id UUID NOT NULL,
			site_id UUID NOT NULL,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ,
			processed_pages INTEGER NOT NULL DEFAULT 0,
			failed_pages INTEGER NOT NULL DEFAULT 0,
			last_crawl_time TIMESTAMPTZ,
			last_sitemap_check TIMESTAMPTZ,
			last_crawl_hash TEXT NOT NULL DEFAULT '',
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE INDEX IF NOT EXISTS idx_kb_documents_tenant_site
			ON kb_documents(tenant_id, site_id)`,
		`CREATE INDEX IF NOT EXISTS idx_kb_documents_content_hash
			ON kb_documents(site_id, content_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_kb_chunks_tenant_site
			ON kb_chunks(tenant_id, site_id)`,
		`CREATE INDEX IF NOT EXISTS idx_kb_chunks_document
			ON kb_chunks(document_id)`,
		`CREATE INDEX IF NOT EXISTS idx_kb_chunks_content_hash
			ON kb_chunks(site_id, content_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_kb_chunks_locale
			ON kb_chunks(tenant_id, site_id, locale)`,
		`CREATE INDEX IF NOT EXISTS idx_kb_chunks_fts
			ON kb_chunks USING gin (to_tsvector('english', content))`,
		`CREATE INDEX IF NOT EXISTS idx_kb_embeddings_tenant_site
			ON kb_embeddings(tenant_id, site_id)`,
		`CREATE INDEX IF NOT EXISTS idx_kb_crawl_sessions_tenant_site
			ON kb_crawl_sessions(tenant_id, site_id, status)`,
	}
}

// EnsureSchema verifies the pgvector extension is installed and creates
// the knowledge-base tables and secondary indexes idempotently.
func (s *Store) EnsureSchema(ctx context.Context, dimensions int) error {
	var extExists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_extension WHERE extname = 'vector'
		)
	`).Scan(&extExists)
	if err != nil {
		return classify("check pgvector extension", err)
	}
	if !extExists {
		if _, err := s.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
			return problem.Wrap(problem.KindStoreUnavailable,
				"pgvector extension is not installed and could not be created", err)
		}
	}

	for _, stmt := range schemaStatements(dimensions) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return classify("create schema", err)
		}
	}

	s.logger.Info("Knowledge base schema ready", map[string]interface{}{
		"dimensions": dimensions,
	})
	return nil
}
