package indexer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/sitespeak/sitespeak/internal/chunker"
	"github.com/sitespeak/sitespeak/internal/embedding"
	"github.com/sitespeak/sitespeak/internal/models"
	"github.com/sitespeak/sitespeak/internal/problem"
	"github.com/sitespeak/sitespeak/internal/queue"
	"github.com/sitespeak/sitespeak/internal/vectorstore"
	"github.com/sitespeak/sitespeak/pkg/observability"
)

// Store is the document and chunk persistence surface the indexer writes
// through. *vectorstore.Store satisfies it.
type Store interface {
	FindDocumentByURL(ctx context.Context, siteID uuid.UUID, canonicalURL string) (*models.Document, error)
	UpsertDocument(ctx context.Context, doc *models.Document) error
	TouchDocument(ctx context.Context, documentID, tenantID uuid.UUID, crawledAt time.Time) error
	ChunkHashes(ctx context.Context, documentID, tenantID uuid.UUID) (map[int]string, error)
	Upsert(ctx context.Context, batch []models.ChunkWithEmbedding) (vectorstore.UpsertResult, error)
	DeleteStaleChunks(ctx context.Context, documentID, tenantID uuid.UUID, keep []int) (int64, error)
	SoftDeleteDocumentsNotSeen(ctx context.Context, tenantID, siteID uuid.UUID, seen []uuid.UUID) (int64, error)
}

// SessionSink receives progress and crawl markers for the session a job
// belongs to. *crawler.SessionRepository satisfies it.
type SessionSink interface {
	RecordProgress(ctx context.Context, id uuid.UUID, processed, failed int) error
	SetCrawlMarkers(ctx context.Context, id uuid.UUID, crawlTime, sitemapCheck time.Time, sitemapHash string) error
	LastCompleted(ctx context.Context, tenantID, siteID uuid.UUID) (*models.CrawlSession, error)
}

const maxIndexWorkers = 20

// Config tunes one crawl run.
type Config struct {
	// MaxWorkers bounds concurrent page fetches, clamped to 1..20
	MaxWorkers int `mapstructure:"max_workers"`
	// MaxRetries is the fetch retry budget per page
	MaxRetries uint64 `mapstructure:"max_retries"`
	// PageTimeout bounds one fetch attempt
	PageTimeout time.Duration `mapstructure:"page_timeout"`
	// RequestsPerSecond throttles fetches against the target site
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	// Burst is the politeness limiter burst size
	Burst int `mapstructure:"burst"`

	Chunker chunker.Config `mapstructure:"chunker"`
}

// DefaultConfig returns conservative crawl settings.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:        4,
		MaxRetries:        3,
		PageTimeout:       20 * time.Second,
		RequestsPerSecond: 4,
		Burst:             2,
		Chunker:           chunker.DefaultConfig(),
	}
}

func (c Config) normalized() Config {
	if c.MaxWorkers < 1 {
		c.MaxWorkers = 1
	}
	if c.MaxWorkers > maxIndexWorkers {
		c.MaxWorkers = maxIndexWorkers
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = 20 * time.Second
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 4
	}
	if c.Burst < 1 {
		c.Burst = 1
	}
	return c
}

// RunResult summarizes one crawl run.
type RunResult struct {
	Processed         int   `json:"processed"`
	Skipped           int   `json:"skipped"`
	Indexed           int   `json:"indexed"`
	Failed            int   `json:"failed"`
	ChunksWritten     int   `json:"chunksWritten"`
	EmbeddingsWritten int   `json:"embeddingsWritten"`
	SoftDeleted       int64 `json:"softDeleted"`
	SitemapUnchanged  bool  `json:"sitemapUnchanged"`
}

// Indexer executes crawl jobs end to end: enumerate, fetch, chunk, embed,
// persist.
type Indexer struct {
	store    Store
	sessions SessionSink
	sites    Directory
	provider embedding.Provider
	config   Config
	logger   observability.Logger
	metrics  observability.MetricsClient
	limiter  *rate.Limiter
}

// New wires an indexer. Store, sessions, sites, and provider are required.
func New(store Store, sessions SessionSink, sites Directory, provider embedding.Provider, config Config, logger observability.Logger, metrics observability.MetricsClient) (*Indexer, error) {
	if store == nil || sessions == nil || sites == nil || provider == nil {
		return nil, problem.New(problem.KindValidationFailed, "indexer requires a store, session sink, site directory, and embedding provider")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	config = config.normalized()
	return &Indexer{
		store:    store,
		sessions: sessions,
		sites:    sites,
		provider: provider,
		config:   config,
		logger:   logger.WithPrefix("indexer"),
		metrics:  metrics,
		limiter:  rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
	}, nil
}

// pageOutcome is what one page contributed to the run.
type pageOutcome struct {
	docID      uuid.UUID
	skipped    bool
	chunks     int
	embeddings int
}

// Run executes one crawl job. Page-level failures are counted, not fatal;
// only setup failures (site lookup, sitemap fetch) abort the run.
func (ix *Indexer) Run(ctx context.Context, job queue.Job) (*RunResult, error) {
	fetcher, err := ix.sites.ForSite(job.TenantID, job.SiteID)
	if err != nil {
		return nil, err
	}

	runStart := time.Now().UTC()
	result := &RunResult{}

	var entries []SitemapEntry
	var sitemapFetchedAt time.Time
	var sitemapHash string

	switch job.Mode {
	case models.CrawlModeSelective:
		for _, pageURL := range job.URLs {
			entries = append(entries, SitemapEntry{URL: pageURL})
		}
	case models.CrawlModeFull, models.CrawlModeDelta:
		sm, err := fetcher.Sitemap(ctx)
		if err != nil {
			return nil, err
		}
		sitemapFetchedAt = sm.FetchedAt
		sitemapHash = sm.Hash
		entries = sm.Entries

		if job.Mode == models.CrawlModeDelta {
			last, err := ix.sessions.LastCompleted(ctx, job.TenantID, job.SiteID)
			if err != nil {
				return nil, err
			}
			if last != nil && last.LastCrawlHash != "" && last.LastCrawlHash == sm.Hash {
				ix.logger.Info("sitemap unchanged, skipping crawl", map[string]interface{}{
					"session_id": job.SessionID.String(),
					"site_id":    job.SiteID.String(),
				})
				result.SitemapUnchanged = true
				if err := ix.sessions.SetCrawlMarkers(ctx, job.SessionID, runStart, sitemapFetchedAt, sitemapHash); err != nil {
					ix.logger.Warn("failed to set crawl markers", map[string]interface{}{"error": err.Error()})
				}
				return result, nil
			}
			if last != nil && last.LastCrawlTime != nil {
				entries = modifiedSince(entries, *last.LastCrawlTime)
			}
		}
	default:
		return nil, problem.Newf(problem.KindValidationFailed, "unknown crawl mode %q", job.Mode)
	}

	ix.logger.Info("crawl run starting", map[string]interface{}{
		"session_id": job.SessionID.String(),
		"site_id":    job.SiteID.String(),
		"mode":       string(job.Mode),
		"pages":      len(entries),
	})

	var (
		mu      sync.Mutex
		seen    []uuid.UUID
		wg      sync.WaitGroup
		workers = semaphore.NewWeighted(int64(ix.config.MaxWorkers))
	)

	for _, entry := range entries {
		if err := workers.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(entry SitemapEntry) {
			defer wg.Done()
			defer workers.Release(1)

			outcome, err := ix.processPage(ctx, fetcher, job, entry)

			mu.Lock()
			result.Processed++
			if err != nil {
				result.Failed++
			} else if outcome.skipped {
				result.Skipped++
				seen = append(seen, outcome.docID)
			} else {
				result.Indexed++
				result.ChunksWritten += outcome.chunks
				result.EmbeddingsWritten += outcome.embeddings
				seen = append(seen, outcome.docID)
			}
			mu.Unlock()

			failedInc := 0
			if err != nil {
				failedInc = 1
				if ctx.Err() == nil {
					ix.logger.Warn("page failed", map[string]interface{}{
						"url":   entry.URL,
						"error": err.Error(),
					})
				}
			}
			if perr := ix.sessions.RecordProgress(ctx, job.SessionID, 1, failedInc); perr != nil && ctx.Err() == nil {
				ix.logger.Warn("failed to record progress", map[string]interface{}{"error": perr.Error()})
			}
		}(entry)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return result, problem.Wrap(problem.KindTransient, "crawl run interrupted", err)
	}

	// Full crawls retire documents the sitemap no longer advertises. A run
	// with page failures keeps everything: a failed fetch must not look
	// like a removed page. An empty seen set keeps everything too, or a
	// truncated sitemap would wipe the whole site.
	if job.Mode == models.CrawlModeFull && len(seen) > 0 {
		if result.Failed == 0 {
			deleted, err := ix.store.SoftDeleteDocumentsNotSeen(ctx, job.TenantID, job.SiteID, seen)
			if err != nil {
				ix.logger.Warn("failed to retire unseen documents", map[string]interface{}{"error": err.Error()})
			} else {
				result.SoftDeleted = deleted
			}
		} else {
			ix.logger.Warn("skipping document retirement, run had failures", map[string]interface{}{
				"failed": result.Failed,
			})
		}
	}

	// Selective runs index a hand-picked URL list, not the whole site, so
	// they never advance the delta markers.
	if job.Mode != models.CrawlModeSelective {
		if err := ix.sessions.SetCrawlMarkers(ctx, job.SessionID, runStart, sitemapFetchedAt, sitemapHash); err != nil {
			ix.logger.Warn("failed to set crawl markers", map[string]interface{}{"error": err.Error()})
		}
	}

	ix.metrics.RecordHistogram("crawl_run_duration_seconds", time.Since(runStart).Seconds(), map[string]string{
		"mode": string(job.Mode),
	})
	ix.metrics.RecordCounter("crawl_pages_indexed_total", float64(result.Indexed), map[string]string{
		"mode": string(job.Mode),
	})

	ix.logger.Info("crawl run finished", map[string]interface{}{
		"session_id": job.SessionID.String(),
		"processed":  result.Processed,
		"indexed":    result.Indexed,
		"skipped":    result.Skipped,
		"failed":     result.Failed,
	})
	return result, nil
}

// modifiedSince keeps entries changed after the cutoff. Entries without a
// lastmod are kept: absence of a timestamp is not proof of staleness.
func modifiedSince(entries []SitemapEntry, cutoff time.Time) []SitemapEntry {
	kept := entries[:0:0]
	for _, entry := range entries {
		if entry.Lastmod == nil || entry.Lastmod.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	return kept
}

// processPage fetches one page with retries and indexes it. Transient fetch
// errors retry up to the budget; not-found and validation errors stop
// immediately.
func (ix *Indexer) processPage(ctx context.Context, fetcher Fetcher, job queue.Job, entry SitemapEntry) (*pageOutcome, error) {
	var page *Page
	fetch := func() error {
		if err := ix.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		attemptCtx, cancel := context.WithTimeout(ctx, ix.config.PageTimeout)
		defer cancel()

		fetched, err := fetcher.Page(attemptCtx, entry.URL)
		if err != nil {
			if problem.IsKind(err, problem.KindTransient) {
				return err
			}
			return backoff.Permanent(err)
		}
		page = fetched
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), ix.config.MaxRetries),
		ctx,
	)
	if err := backoff.Retry(fetch, policy); err != nil {
		ix.metrics.IncrementCounterWithLabels("crawl_page_failures_total", 1, map[string]string{
			"site_id": job.SiteID.String(),
		})
		return nil, err
	}

	return ix.indexPage(ctx, job, page, entry.Lastmod)
}

// indexPage persists one fetched page. Unchanged pages are touched and
// skipped; changed pages are re-chunked and only the chunks whose content
// hash moved are re-embedded.
func (ix *Indexer) indexPage(ctx context.Context, job queue.Job, page *Page, lastmod *time.Time) (*pageOutcome, error) {
	now := time.Now().UTC()

	existing, err := ix.store.FindDocumentByURL(ctx, job.SiteID, page.CanonicalURL)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.PageHash == page.PageHash && lastmodEqual(existing.Lastmod, lastmod) {
		if err := ix.store.TouchDocument(ctx, existing.ID, job.TenantID, now); err != nil {
			return nil, err
		}
		return &pageOutcome{docID: existing.ID, skipped: true}, nil
	}

	var joined strings.Builder
	for _, section := range page.Sections {
		joined.WriteString(section.Text)
		joined.WriteByte('\n')
	}

	doc := &models.Document{
		TenantID:     job.TenantID,
		SiteID:       job.SiteID,
		URL:          page.URL,
		CanonicalURL: page.CanonicalURL,
		Title:        page.Title,
		ContentHash:  chunker.Hash(joined.String()),
		PageHash:     page.PageHash,
		Lastmod:      lastmod,
		LastCrawled:  &now,
		ETag:         page.ETag,
		Locale:       page.Locale,
	}
	if existing != nil {
		doc.ID = existing.ID
	}
	if err := ix.store.UpsertDocument(ctx, doc); err != nil {
		return nil, err
	}

	chunks := chunker.Split(doc, page.Sections, ix.config.Chunker)

	previous, err := ix.store.ChunkHashes(ctx, doc.ID, job.TenantID)
	if err != nil {
		return nil, err
	}

	var (
		changed []models.Chunk
		texts   []string
		keep    = make([]int, 0, len(chunks))
	)
	for _, chunk := range chunks {
		keep = append(keep, chunk.ChunkIndex)
		if previous[chunk.ChunkIndex] == chunk.ContentHash {
			continue
		}
		changed = append(changed, chunk)
		texts = append(texts, chunk.Content)
	}

	outcome := &pageOutcome{docID: doc.ID}
	if len(changed) > 0 {
		vectors, err := embedding.EmbedAll(ctx, ix.provider, texts)
		if err != nil {
			return nil, err
		}

		batch := make([]models.ChunkWithEmbedding, 0, len(changed))
		for i, chunk := range changed {
			batch = append(batch, models.ChunkWithEmbedding{
				Chunk: chunk,
				Embedding: models.Embedding{
					ChunkID:    chunk.ID,
					TenantID:   job.TenantID,
					SiteID:     job.SiteID,
					Model:      ix.provider.Model(),
					Dimensions: ix.provider.Dimensions(),
					Vector:     pgvector.NewVector(vectors[i]),
				},
			})
		}

		written, err := ix.store.Upsert(ctx, batch)
		if err != nil {
			return nil, err
		}
		for _, failure := range written.Failed {
			ix.logger.Warn("chunk rejected during upsert", map[string]interface{}{
				"chunk_id": failure.ChunkID.String(),
				"error":    failure.Err.Error(),
			})
		}
		outcome.chunks = written.Inserted
		outcome.embeddings = written.Inserted
	}

	if _, err := ix.store.DeleteStaleChunks(ctx, doc.ID, job.TenantID, keep); err != nil {
		return nil, err
	}
	return outcome, nil
}

func lastmodEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
