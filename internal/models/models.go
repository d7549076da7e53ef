// Package models defines the persistent entities of the knowledge base and
// the value types shared across the retrieval pipeline.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// CrawlMode selects how a crawl session enumerates pages
type CrawlMode string

const (
	CrawlModeFull      CrawlMode = "full"
	CrawlModeDelta     CrawlMode = "delta"
	CrawlModeSelective CrawlMode = "selective"
)

// Valid reports whether the mode is one of the known kinds
func (m CrawlMode) Valid() bool {
	switch m {
	case CrawlModeFull, CrawlModeDelta, CrawlModeSelective:
		return true
	}
	return false
}

// CrawlStatus is the lifecycle state of a crawl session
type CrawlStatus string

const (
	CrawlStatusQueued    CrawlStatus = "queued"
	CrawlStatusRunning   CrawlStatus = "running"
	CrawlStatusCompleted CrawlStatus = "completed"
	CrawlStatusCancelled CrawlStatus = "cancelled"
	CrawlStatusFailed    CrawlStatus = "failed"
)

// Terminal reports whether no further transitions are possible
func (s CrawlStatus) Terminal() bool {
	switch s {
	case CrawlStatusCompleted, CrawlStatusCancelled, CrawlStatusFailed:
		return true
	}
	return false
}

// Document is a crawled page tracked by the knowledge base.
// Identity is (site_id, canonical_url).
type Document struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	TenantID     uuid.UUID  `db:"tenant_id" json:"tenant_id"`
	SiteID       uuid.UUID  `db:"site_id" json:"site_id"`
	URL          string     `db:"url" json:"url"`
	CanonicalURL string     `db:"canonical_url" json:"canonical_url"`
	Title        string     `db:"title" json:"title"`
	ContentHash  string     `db:"content_hash" json:"content_hash"`
	PageHash     string     `db:"page_hash" json:"page_hash"`
	Lastmod      *time.Time `db:"lastmod" json:"lastmod,omitempty"`
	LastCrawled  *time.Time `db:"last_crawled" json:"last_crawled,omitempty"`
	ETag         string     `db:"etag" json:"etag,omitempty"`
	Locale       string     `db:"locale" json:"locale,omitempty"`
	Version      int        `db:"version" json:"version"`
	IsDeleted    bool       `db:"is_deleted" json:"is_deleted"`
	Metadata     JSONMap    `db:"metadata" json:"metadata,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// Chunk is a unit of content extracted from a document.
// Identity is (document_id, chunk_index); content is immutable once written.
type Chunk struct {
	ID          uuid.UUID `db:"id" json:"id"`
	DocumentID  uuid.UUID `db:"document_id" json:"document_id"`
	TenantID    uuid.UUID `db:"tenant_id" json:"tenant_id"`
	SiteID      uuid.UUID `db:"site_id" json:"site_id"`
	ChunkIndex  int       `db:"chunk_index" json:"chunk_index"`
	Content     string    `db:"content" json:"content"`
	ContentHash string    `db:"content_hash" json:"content_hash"`
	HPath       string    `db:"hpath" json:"hpath,omitempty"`
	Selector    string    `db:"selector" json:"selector,omitempty"`
	WordCount   int       `db:"word_count" json:"word_count"`
	TokenCount  int       `db:"token_count" json:"token_count"`
	Locale      string    `db:"locale" json:"locale,omitempty"`
	Metadata    JSONMap   `db:"metadata" json:"metadata,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Chunk metadata flag keys recognised by the structured search strategy.
const (
	MetaHasStructuredData = "hasStructuredData"
	MetaHasActions        = "hasActions"
	MetaHasForms          = "hasForms"
)

// Embedding is the vector representation of a chunk, written atomically
// with the chunk and cascade-deleted with it.
type Embedding struct {
	ChunkID    uuid.UUID       `db:"chunk_id" json:"chunk_id"`
	TenantID   uuid.UUID       `db:"tenant_id" json:"tenant_id"`
	SiteID     uuid.UUID       `db:"site_id" json:"site_id"`
	Model      string          `db:"model" json:"model"`
	Dimensions int             `db:"dimensions" json:"dimensions"`
	Vector     pgvector.Vector `db:"embedding" json:"-"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// ChunkWithEmbedding pairs a chunk with its vector for upsert
type ChunkWithEmbedding struct {
	Chunk     Chunk
	Embedding Embedding
}

// CrawlSession tracks one crawl run against a site
type CrawlSession struct {
	ID               uuid.UUID   `db:"id" json:"id"`
	TenantID         uuid.UUID   `db:"tenant_id" json:"tenant_id"`
	SiteID           uuid.UUID   `db:"site_id" json:"site_id"`
	Mode             CrawlMode   `db:"mode" json:"mode"`
	Status           CrawlStatus `db:"status" json:"status"`
	StartedAt        *time.Time  `db:"started_at" json:"started_at,omitempty"`
	EndedAt          *time.Time  `db:"ended_at" json:"ended_at,omitempty"`
	ProcessedPages   int         `db:"processed_pages" json:"processed_pages"`
	FailedPages      int         `db:"failed_pages" json:"failed_pages"`
	LastCrawlTime    *time.Time  `db:"last_crawl_time" json:"last_crawl_time,omitempty"`
	LastSitemapCheck *time.Time  `db:"last_sitemap_check" json:"last_sitemap_check,omitempty"`
	LastCrawlHash    string      `db:"last_crawl_hash" json:"last_crawl_hash,omitempty"`
	ErrorMessage     *string     `db:"error_message" json:"error_message,omitempty"`
	CreatedAt        time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time   `db:"updated_at" json:"updated_at"`
}

// OwnedBy reports the owning tenant for request-scope ownership checks.
func (d Document) OwnedBy() uuid.UUID { return d.TenantID }

// OwnedBy reports the owning tenant for request-scope ownership checks.
func (c Chunk) OwnedBy() uuid.UUID { return c.TenantID }

// OwnedBy reports the owning tenant for request-scope ownership checks.
func (s CrawlSession) OwnedBy() uuid.UUID { return s.TenantID }

// IndexKind selects the ANN index type on the embeddings table
type IndexKind string

const (
	IndexKindHNSW    IndexKind = "hnsw"
	IndexKindIVFFlat IndexKind = "ivfflat"
	IndexKindNone    IndexKind = "none"
)

// JSONMap is a map[string]interface{} that round-trips through a jsonb column
type JSONMap map[string]interface{}

// Value implements driver.Valuer for JSONMap
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for JSONMap
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, (*map[string]interface{})(m))
	case string:
		return json.Unmarshal([]byte(v), (*map[string]interface{})(m))
	default:
		return json.Unmarshal([]byte(v.(string)), (*map[string]interface{})(m))
	}
}

// Flag reports whether the named metadata flag is truthy
func (m JSONMap) Flag(key string) bool {
	v, ok := m[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}
