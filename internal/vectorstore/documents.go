package vectorstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sitespeak/sitespeak/internal/models"
)

// FindDocumentByURL fetches a document by its site-scoped canonical URL.
// Returns (nil, nil) when the document does not exist.
func (s *Store) FindDocumentByURL(ctx context.Context, siteID uuid.UUID, canonicalURL string) (*models.Document, error) {
	var doc models.Document
	err := s.db.GetContext(ctx, &doc,
		`SELECT * FROM kb_documents WHERE site_id = $1 AND canonical_url = $2`,
		siteID, canonicalURL,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("find document by url", err)
	}
	return &doc, nil
}

// UpsertDocument inserts the document or refreshes its crawl metadata when
// the (site_id, canonical_url) identity already exists. The stored id is
// written back to doc, and the version increments on every refresh.
func (s *Store) UpsertDocument(ctx context.Context, doc *models.Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	now := time.Now().UTC()

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO kb_documents (
			id, tenant_id, site_id, url, canonical_url, title,
			content_hash, page_hash, lastmod, last_crawled, etag,
			locale, version, is_deleted, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, FALSE, $13, $14, $14)
		ON CONFLICT (site_id, canonical_url) DO UPDATE SET
			url = EXCLUDED.url,
			title = EXCLUDED.title,
			content_hash = EXCLUDED.content_hash,
			page_hash = EXCLUDED.page_hash,
			lastmod = EXCLUDED.lastmod,
			last_crawled = EXCLUDED.last_crawled,
			etag = EXCLUDED.etag,
			locale = EXCLUDED.locale,
			version = kb_documents.version + 1,
			is_deleted = FALSE,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
		RETURNING id, version`,
		doc.ID, doc.TenantID, doc.SiteID, doc.URL, doc.CanonicalURL, doc.Title,
		doc.ContentHash, doc.PageHash, doc.Lastmod, doc.LastCrawled, doc.ETag,
		doc.Locale, doc.Metadata, now,
	).Scan(&doc.ID, &doc.Version)
	if err != nil {
		return classify("upsert document", err)
	}
	return nil
}

// TouchDocument refreshes only the crawl bookkeeping of an unchanged
// document without bumping its version.
func (s *Store) TouchDocument(ctx context.Context, documentID, tenantID uuid.UUID, crawledAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE kb_documents SET last_crawled = $3, updated_at = $3
		 WHERE id = $1 AND tenant_id = $2`,
		documentID, tenantID, crawledAt.UTC(),
	)
	if err != nil {
		return classify("touch document", err)
	}
	return nil
}

// ListSiteDocuments returns all live documents of a site
func (s *Store) ListSiteDocuments(ctx context.Context, tenantID, siteID uuid.UUID) ([]models.Document, error) {
	var docs []models.Document
	err := s.db.SelectContext(ctx, &docs,
		`SELECT * FROM kb_documents
		 WHERE tenant_id = $1 AND site_id = $2 AND is_deleted = FALSE
		 ORDER BY canonical_url ASC`,
		tenantID, siteID,
	)
	if err != nil {
		return nil, classify("list site documents", err)
	}
	return docs, nil
}

// SoftDeleteDocumentsNotSeen marks every live document of the site that a
// full crawl sweep did not touch as deleted. Returns the count marked.
func (s *Store) SoftDeleteDocumentsNotSeen(ctx context.Context, tenantID, siteID uuid.UUID, seen []uuid.UUID) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if len(seen) == 0 {
		res, err = s.db.ExecContext(ctx,
			`UPDATE kb_documents SET is_deleted = TRUE, updated_at = NOW()
			 WHERE tenant_id = $1 AND site_id = $2 AND is_deleted = FALSE`,
			tenantID, siteID)
	} else {
		var query string
		var args []interface{}
		query, args, err = sqlx.In(
			`UPDATE kb_documents SET is_deleted = TRUE, updated_at = NOW()
			 WHERE tenant_id = ? AND site_id = ? AND is_deleted = FALSE AND id NOT IN (?)`,
			tenantID, siteID, seen)
		if err != nil {
			return 0, classify("build soft delete", err)
		}
		res, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	}
	if err != nil {
		return 0, classify("soft delete unseen documents", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, classify("soft delete unseen documents", err)
	}
	return deleted, nil
}

// ChunkHashes returns the stored content hash per chunk index for a
// document, letting the indexer skip unchanged chunks.
func (s *Store) ChunkHashes(ctx context.Context, documentID, tenantID uuid.UUID) (map[int]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_index, content_hash FROM kb_chunks
		 WHERE document_id = $1 AND tenant_id = $2`,
		documentID, tenantID,
	)
	if err != nil {
		return nil, classify("load chunk hashes", err)
	}
	defer func() { _ = rows.Close() }()

	hashes := make(map[int]string)
	for rows.Next() {
		var idx int
		var hash string
		if err := rows.Scan(&idx, &hash); err != nil {
			return nil, classify("scan chunk hash", err)
		}
		hashes[idx] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, classify("load chunk hashes", err)
	}
	return hashes, nil
}
