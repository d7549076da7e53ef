package api

import (
	"context"

	"github.com/google/uuid"

	"github.com/sitespeak/sitespeak/internal/crawler"
	"github.com/sitespeak/sitespeak/internal/models"
	"github.com/sitespeak/sitespeak/internal/retrievalcache"
	"github.com/sitespeak/sitespeak/internal/search"
	"github.com/sitespeak/sitespeak/internal/vectorstore"
	"github.com/sitespeak/sitespeak/internal/voice"
)

// SearchService executes retrieval requests.
type SearchService interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
}

// KnowledgeStore answers corpus-level questions for the status surface.
type KnowledgeStore interface {
	Stats(ctx context.Context, tenantID uuid.UUID, siteID *uuid.UUID) (*vectorstore.StoreStats, error)
	ActiveIndexKind(ctx context.Context) (models.IndexKind, error)
	Ping(ctx context.Context) error
}

// CacheService reports retrieval cache state.
type CacheService interface {
	Stats() retrievalcache.Stats
	Ping(ctx context.Context) error
}

// CrawlService admits, cancels, and reports crawl runs.
type CrawlService interface {
	Start(ctx context.Context, req crawler.StartRequest) (*models.CrawlSession, error)
	Cancel(ctx context.Context, tenantID, sessionID uuid.UUID) (*models.CrawlSession, error)
	Status(ctx context.Context, tenantID, siteID uuid.UUID) (*crawler.StatusReport, error)
	Stats(ctx context.Context, tenantID uuid.UUID) (*crawler.TenantCrawlStats, error)
	HealthCheck(ctx context.Context) bool
}

// VoiceService owns voice session lifecycle and observation.
type VoiceService interface {
	Create(ctx context.Context, req voice.CreateRequest) (*voice.Session, error)
	Get(ctx context.Context, sessionID, tenantID uuid.UUID) (*voice.Session, error)
	End(ctx context.Context, sessionID, tenantID uuid.UUID) (*voice.Session, error)
	Heartbeat(ctx context.Context, sessionID, tenantID uuid.UUID) (*voice.Session, error)
	SendInput(ctx context.Context, sessionID, tenantID uuid.UUID, in voice.Input) (*voice.InputReceipt, error)
	Watch(ctx context.Context, sessionID, tenantID uuid.UUID) (<-chan voice.Event, func(), error)
	Status(ctx context.Context) voice.StatusReport
	HealthCheck(ctx context.Context) bool
}
