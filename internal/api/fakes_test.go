package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sitespeak/sitespeak/internal/crawler"
	"github.com/sitespeak/sitespeak/internal/locale"
	"github.com/sitespeak/sitespeak/internal/models"
	"github.com/sitespeak/sitespeak/internal/ratelimit"
	"github.com/sitespeak/sitespeak/internal/retrievalcache"
	"github.com/sitespeak/sitespeak/internal/search"
	"github.com/sitespeak/sitespeak/internal/tenant"
	"github.com/sitespeak/sitespeak/internal/vectorstore"
	"github.com/sitespeak/sitespeak/internal/voice"
	"github.com/sitespeak/sitespeak/pkg/observability"
)

const apiTestSecret = "api-test-secret"

type fakeSearch struct {
	mu   sync.Mutex
	resp *search.Response
	err  error
	got  search.Request
}

func (f *fakeSearch) Search(_ context.Context, req search.Request) (*search.Response, error) {
	f.mu.Lock()
	f.got = req
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeSearch) lastRequest() search.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.got
}

type fakeStore struct {
	stats   *vectorstore.StoreStats
	kind    models.IndexKind
	pingErr error
}

func (f *fakeStore) Stats(context.Context, uuid.UUID, *uuid.UUID) (*vectorstore.StoreStats, error) {
	return f.stats, nil
}

func (f *fakeStore) ActiveIndexKind(context.Context) (models.IndexKind, error) {
	return f.kind, nil
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

type fakeCache struct {
	stats   retrievalcache.Stats
	pingErr error
}

func (f *fakeCache) Stats() retrievalcache.Stats { return f.stats }
func (f *fakeCache) Ping(context.Context) error  { return f.pingErr }

type fakeCrawls struct {
	mu       sync.Mutex
	session  *models.CrawlSession
	startErr error
	report   *crawler.StatusReport
	stats    *crawler.TenantCrawlStats
	healthy  bool
	gotStart crawler.StartRequest
}

func (f *fakeCrawls) Start(_ context.Context, req crawler.StartRequest) (*models.CrawlSession, error) {
	f.mu.Lock()
	f.gotStart = req
	f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.session, nil
}

func (f *fakeCrawls) Cancel(_ context.Context, _, _ uuid.UUID) (*models.CrawlSession, error) {
	cancelled := *f.session
	cancelled.Status = models.CrawlStatusCancelled
	return &cancelled, nil
}

func (f *fakeCrawls) Status(context.Context, uuid.UUID, uuid.UUID) (*crawler.StatusReport, error) {
	return f.report, nil
}

func (f *fakeCrawls) Stats(context.Context, uuid.UUID) (*crawler.TenantCrawlStats, error) {
	return f.stats, nil
}

func (f *fakeCrawls) HealthCheck(context.Context) bool { return f.healthy }

func (f *fakeCrawls) lastStart() crawler.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gotStart
}

type fakeVoice struct {
	mu       sync.Mutex
	session  *voice.Session
	err      error
	receipt  *voice.InputReceipt
	events   chan voice.Event
	report   voice.StatusReport
	gotInput voice.Input
	ended    int
}

func (f *fakeVoice) Create(_ context.Context, req voice.CreateRequest) (*voice.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	snap := *f.session
	snap.TenantID = req.TenantID
	snap.SiteID = req.SiteID
	snap.Locale = req.Locale
	snap.UserID = req.UserID
	return &snap, nil
}

func (f *fakeVoice) Get(context.Context, uuid.UUID, uuid.UUID) (*voice.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func (f *fakeVoice) End(context.Context, uuid.UUID, uuid.UUID) (*voice.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.ended++
	f.mu.Unlock()
	now := time.Now()
	snap := *f.session
	snap.Status = voice.StateEnded
	snap.EndedAt = &now
	return &snap, nil
}

func (f *fakeVoice) Heartbeat(context.Context, uuid.UUID, uuid.UUID) (*voice.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	snap := *f.session
	snap.LastActivity = time.Now()
	return &snap, nil
}

func (f *fakeVoice) SendInput(_ context.Context, _, _ uuid.UUID, in voice.Input) (*voice.InputReceipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.gotInput = in
	f.mu.Unlock()
	return f.receipt, nil
}

func (f *fakeVoice) Watch(context.Context, uuid.UUID, uuid.UUID) (<-chan voice.Event, func(), error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.events, func() {}, nil
}

func (f *fakeVoice) Status(context.Context) voice.StatusReport { return f.report }

func (f *fakeVoice) HealthCheck(context.Context) bool { return f.report.Healthy }

func (f *fakeVoice) lastInput() voice.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gotInput
}

// fakeLimiter admits everything until remaining hits zero, mimicking a
// sliding window with a fixed budget.
type fakeLimiter struct {
	mu        sync.Mutex
	limit     int
	remaining int
	refunds   int
}

func (f *fakeLimiter) Allow(context.Context, string) ratelimit.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining <= 0 {
		return ratelimit.Decision{
			Allowed:    false,
			Limit:      f.limit,
			Remaining:  0,
			Reset:      time.Second,
			RetryAfter: time.Second,
		}
	}
	f.remaining--
	return ratelimit.Decision{
		Allowed:   true,
		Limit:     f.limit,
		Remaining: f.remaining,
		Reset:     time.Second,
	}
}

func (f *fakeLimiter) Refund(context.Context, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds++
	f.remaining++
}

func (f *fakeLimiter) Policy() string { return "3;w=60" }

type fixtures struct {
	search *fakeSearch
	store  *fakeStore
	cache  *fakeCache
	crawls *fakeCrawls
	voice  *fakeVoice
}

func defaultFixtures() *fixtures {
	sessionID := uuid.New()
	now := time.Now()
	return &fixtures{
		search: &fakeSearch{
			resp: &search.Response{
				Results: []search.Result{
					{
						ID:               uuid.New(),
						DocumentID:       uuid.New(),
						URL:              "https://shop.example/products/1",
						Title:            "Product one",
						Snippet:          "The first product",
						Score:            0.92,
						RRFScore:         0.031,
						AppearsInSystems: 2,
						ConsensusRatio:   1,
					},
				},
				Meta: search.Meta{
					Query:      "product",
					TopK:       10,
					Strategies: []string{"vector", "fulltext"},
					Fusion:     search.FusionApp,
					Cache:      search.CacheMiss,
					TookMS:     12,
					Total:      1,
				},
			},
		},
		store: &fakeStore{
			stats: &vectorstore.StoreStats{
				Documents:         4,
				Chunks:            40,
				Embeddings:        40,
				AvgTokensPerChunk: 180,
				IndexKind:         models.IndexKindHNSW,
			},
			kind: models.IndexKindHNSW,
		},
		cache: &fakeCache{stats: retrievalcache.Stats{Hits: 7, Misses: 3}},
		crawls: &fakeCrawls{
			session: &models.CrawlSession{
				ID:       uuid.New(),
				Mode:     models.CrawlModeDelta,
				Status:   models.CrawlStatusQueued,
				TenantID: uuid.New(),
			},
			report:  &crawler.StatusReport{QueueDepth: 2},
			stats:   &crawler.TenantCrawlStats{Sessions: 3, ActiveSessions: 1, PagesProcessed: 120},
			healthy: true,
		},
		voice: &fakeVoice{
			session: &voice.Session{
				ID:           sessionID,
				Status:       voice.StateInitializing,
				Locale:       "en-US",
				CreatedAt:    now,
				ExpiresAt:    now.Add(5 * time.Minute),
				LastActivity: now,
			},
			receipt: &voice.InputReceipt{
				SessionID: sessionID,
				Delivery:  voice.DeliveryQueued,
				Queued:    1,
				Status:    voice.StateInitializing,
			},
			events: make(chan voice.Event, 4),
			report: voice.StatusReport{Healthy: true, ActiveSessions: 1},
		},
	}
}

func (f *fixtures) deps() Deps {
	negotiator, err := locale.NewNegotiator([]string{"en-US", "de-DE", "fr-FR"}, "en-US")
	if err != nil {
		panic(err)
	}
	return Deps{
		Search:      f.search,
		Store:       f.store,
		Cache:       f.cache,
		Crawls:      f.crawls,
		Voice:       f.voice,
		Negotiator:  negotiator,
		Resolver:    tenant.NewResolver(tenant.Config{JWTSecret: apiTestSecret}, nil),
		IndexParams: vectorstore.Config{EfSearch: 40, Probes: 10},
		Logger:      observability.NewNoopLogger(),
		Metrics:     observability.NewNoopMetrics(),
	}
}

func newTestRouter(deps Deps) http.Handler {
	srv, err := New(Config{HeartbeatInterval: 25 * time.Millisecond}, deps)
	if err != nil {
		panic(err)
	}
	return srv.Router()
}
