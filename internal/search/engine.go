// Package search fuses multiple retrieval systems behind one query API.
// Strategies fan out in parallel, their ranked lists are fused with
// reciprocal rank fusion, and whole responses are cached with a
// stale-while-revalidate policy.
package search

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/semaphore"

	"github.com/sitespeak/sitespeak/internal/embedding"
	"github.com/sitespeak/sitespeak/internal/fusion"
	"github.com/sitespeak/sitespeak/internal/models"
	"github.com/sitespeak/sitespeak/internal/problem"
	"github.com/sitespeak/sitespeak/internal/retrievalcache"
	"github.com/sitespeak/sitespeak/internal/vectorstore"
	"github.com/sitespeak/sitespeak/pkg/observability"
)

// Retriever is the slice of the vector store the engine depends on.
// *vectorstore.Store satisfies it.
type Retriever interface {
	NNSearch(ctx context.Context, q vectorstore.Query, embedding pgvector.Vector) ([]vectorstore.Hit, error)
	FullTextSearch(ctx context.Context, q vectorstore.Query, queryText string) ([]vectorstore.Hit, error)
	BM25Search(ctx context.Context, q vectorstore.Query, terms []string) ([]vectorstore.Hit, error)
	StructuredSearch(ctx context.Context, q vectorstore.Query, queryText string) ([]vectorstore.Hit, error)
	HybridSearch(ctx context.Context, q vectorstore.Query, queryText string, embedding pgvector.Vector, alpha float64) ([]vectorstore.Hit, error)
}

// ResultCache is the slice of the retrieval cache the engine depends on.
// *retrievalcache.Cache satisfies it. A nil ResultCache disables caching.
type ResultCache interface {
	Key(p retrievalcache.KeyParams) string
	Get(ctx context.Context, key string) (retrievalcache.Entry, retrievalcache.Outcome)
	Set(ctx context.Context, key string, payload []byte) error
	Revalidate(ctx context.Context, key string, compute func(context.Context) ([]byte, error))
}

// Config tunes the engine. Zero values fall back to the defaults below.
type Config struct {
	// MaxTopK caps the per-request result count
	MaxTopK int `mapstructure:"max_top_k"`
	// StrategyTimeout bounds each retrieval system independently
	StrategyTimeout time.Duration `mapstructure:"strategy_timeout"`
	// MaxConcurrent bounds in-flight strategy executions across requests
	MaxConcurrent int64 `mapstructure:"max_concurrent"`
	// SnippetLength is the snippet budget in characters
	SnippetLength int `mapstructure:"snippet_length"`
	// FanOutFactor widens per-system candidate sets before fusion
	FanOutFactor int `mapstructure:"fan_out_factor"`
	// UseIndex selects the ANN session parameter applied to vector queries
	UseIndex models.IndexKind `mapstructure:"use_index"`
	// DBFusion pushes fusion into the store for plain vector+fulltext
	// requests without metadata filters
	DBFusion bool `mapstructure:"db_fusion"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxTopK:         100,
		StrategyTimeout: 3 * time.Second,
		MaxConcurrent:   4,
		SnippetLength:   200,
		FanOutFactor:    2,
		UseIndex:        models.IndexKindHNSW,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxTopK <= 0 {
		c.MaxTopK = d.MaxTopK
	}
	if c.StrategyTimeout <= 0 {
		c.StrategyTimeout = d.StrategyTimeout
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.SnippetLength <= 0 {
		c.SnippetLength = d.SnippetLength
	}
	if c.FanOutFactor <= 0 {
		c.FanOutFactor = d.FanOutFactor
	}
	if c.UseIndex == "" {
		c.UseIndex = d.UseIndex
	}
	return c
}

// Engine executes retrieval requests against the store, the embedding
// provider, and the result cache.
type Engine struct {
	store    Retriever
	provider embedding.Provider
	cache    ResultCache
	config   Config
	logger   observability.Logger
	metrics  observability.MetricsClient
	sem      *semaphore.Weighted
}

// New creates a search engine. cache may be nil.
func New(store Retriever, provider embedding.Provider, cache ResultCache, config Config, logger observability.Logger, metrics observability.MetricsClient) (*Engine, error) {
	if store == nil {
		return nil, problem.New(problem.KindValidationFailed, "search engine requires a retriever")
	}
	if provider == nil {
		return nil, problem.New(problem.KindValidationFailed, "search engine requires an embedding provider")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	config = config.normalized()
	return &Engine{
		store:    store,
		provider: provider,
		cache:    cache,
		config:   config,
		logger:   logger.WithPrefix("search"),
		metrics:  metrics,
		sem:      semaphore.NewWeighted(config.MaxConcurrent),
	}, nil
}

// Search validates the request, consults the result cache, and computes
// the fused response on a miss. Stale cache entries are served immediately
// while a background revalidation recomputes them.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if err := req.validate(e.config.MaxTopK); err != nil {
		return nil, err
	}

	queryVec, embedErr := e.embedQuery(ctx, req.Query)
	if embedErr != nil {
		e.logger.Warn("query embedding failed", observability.LogFields(ctx, map[string]interface{}{
			"tenant_id": req.TenantID.String(),
			"error":     embedErr.Error(),
		}))
	}

	key := ""
	if e.cache != nil && !req.NoCache && embedErr == nil {
		key = e.cache.Key(retrievalcache.KeyParams{
			TenantID:     req.TenantID,
			Locale:       req.Locale,
			Model:        e.provider.Model(),
			K:            req.TopK,
			Embedding:    queryVec,
			FilterDigest: req.Filters.Digest(),
			VectorWeight: req.VectorWeight,
		})
		entry, outcome := e.cache.Get(ctx, key)
		switch outcome {
		case retrievalcache.OutcomeFresh:
			if resp := decodeCached(entry.Payload); resp != nil {
				return e.finish(resp, CacheFresh, start), nil
			}
		case retrievalcache.OutcomeStale:
			if resp := decodeCached(entry.Payload); resp != nil {
				e.revalidate(ctx, key, req, queryVec)
				return e.finish(resp, CacheStale, start), nil
			}
		}
	}

	resp, err := e.compute(ctx, req, queryVec, embedErr)
	if err != nil {
		return nil, err
	}

	if key != "" {
		if payload, merr := json.Marshal(resp); merr == nil {
			if serr := e.cache.Set(ctx, key, payload); serr != nil {
				e.logger.Warn("failed to cache search response", map[string]interface{}{
					"error": serr.Error(),
				})
			}
		}
	}

	outcome := CacheMiss
	if key == "" {
		outcome = CacheBypass
	}
	return e.finish(resp, outcome, start), nil
}

func (e *Engine) finish(resp *Response, outcome string, start time.Time) *Response {
	resp.Meta.Cache = outcome
	resp.Meta.TookMS = time.Since(start).Milliseconds()
	e.metrics.RecordHistogram("search_duration_seconds", time.Since(start).Seconds(), map[string]string{
		"cache": outcome,
	})
	return resp
}

// revalidate recomputes a stale entry in the background. The singleflight
// group inside the cache collapses concurrent revalidations per key.
func (e *Engine) revalidate(ctx context.Context, key string, req Request, queryVec []float32) {
	e.cache.Revalidate(ctx, key, func(rctx context.Context) ([]byte, error) {
		fresh, err := e.compute(rctx, req, queryVec, nil)
		if err != nil {
			return nil, err
		}
		return json.Marshal(fresh)
	})
}

func (e *Engine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	vectors, err := e.provider.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, problem.Newf(problem.KindInternal, "expected 1 query vector, got %d", len(vectors))
	}
	return vectors[0], nil
}

type strategyOutcome struct {
	system string
	hits   []vectorstore.Hit
	err    error
	took   time.Duration
}

// compute runs the retrieval strategies, fuses their ranked lists, and
// assembles the response. It never reads or writes the cache.
func (e *Engine) compute(ctx context.Context, req Request, queryVec []float32, embedErr error) (*Response, error) {
	if e.dbFusionEligible(req, embedErr) {
		resp, err := e.computeDBFused(ctx, req, queryVec)
		if err == nil {
			return resp, nil
		}
		e.logger.Warn("database-side fusion failed, falling back to fan-out", map[string]interface{}{
			"error": err.Error(),
		})
	}

	outcomes := e.fanOut(ctx, req, queryVec, embedErr)

	lists := make([]fusion.List, 0, len(outcomes))
	failed := make(map[string]string)
	hitIndex := make(map[string]vectorstore.Hit)
	for _, o := range outcomes {
		if o.err != nil {
			failed[o.system] = o.err.Error()
			e.metrics.IncrementCounterWithLabels("search_strategy_failures_total", 1, map[string]string{
				"system": o.system,
			})
			continue
		}
		e.metrics.RecordHistogram("search_strategy_duration_seconds", o.took.Seconds(), map[string]string{
			"system": o.system,
		})
		lists = append(lists, e.rankedList(o, req.VectorWeight, hitIndex))
	}

	degraded := len(failed) > 0

	if len(lists) == 0 {
		fallback, ferr := e.vectorFallback(ctx, req, queryVec, embedErr)
		if ferr != nil {
			e.logger.Error("all retrieval systems failed", observability.LogFields(ctx, map[string]interface{}{
				"tenant_id": req.TenantID.String(),
				"site_id":   req.SiteID.String(),
				"failed":    failed,
			}))
			return nil, problem.Wrap(problem.KindSearchUnavailable, "all retrieval systems failed", ferr)
		}
		lists = append(lists, e.rankedList(fallback, req.VectorWeight, hitIndex))
	}

	fused := fusion.Fuse(lists, fusion.Options{K: fusion.DefaultK})
	results := e.assemble(req, fused, hitIndex, len(lists))

	resp := &Response{
		Results: results,
		Meta: Meta{
			Query:      req.Query,
			TopK:       req.TopK,
			Locale:     req.Locale,
			Strategies: req.Strategies,
			Fusion:     FusionApp,
			Degraded:   degraded,
			Total:      len(results),
		},
	}
	if degraded {
		resp.Meta.FailedSystems = failed
	}
	return resp, nil
}

// dbFusionEligible limits store-side fusion to the plain two-system case.
// Metadata filters and extra systems need the application-side path.
func (e *Engine) dbFusionEligible(req Request, embedErr error) bool {
	if !e.config.DBFusion || embedErr != nil || len(req.Filters) > 0 {
		return false
	}
	return len(req.Strategies) == 2 && req.hasStrategy(StrategyVector) && req.hasStrategy(StrategyFullText)
}

func (e *Engine) computeDBFused(ctx context.Context, req Request, queryVec []float32) (*Response, error) {
	sctx, cancel := context.WithTimeout(ctx, e.config.StrategyTimeout)
	defer cancel()

	// HybridSearch blends 1/(k+rank) terms with alpha on the vector side,
	// matching weights {w, 1} when alpha = w/(w+1).
	alpha := req.VectorWeight / (req.VectorWeight + 1)
	hits, err := e.store.HybridSearch(sctx, e.storeQuery(req), req.Query, pgvector.NewVector(queryVec), alpha)
	if err != nil {
		return nil, err
	}

	tokens := queryTokens(req.Query)
	results := make([]Result, 0, len(hits))
	maxScore := 0.0
	for _, h := range hits {
		if h.Score > maxScore {
			maxScore = h.Score
		}
	}
	for _, h := range hits {
		score := h.Score
		if maxScore > 0 {
			score = h.Score / maxScore
		}
		if score < req.MinScore {
			continue
		}
		if !matchesFilters(h.Metadata, req.Filters) {
			continue
		}
		results = append(results, Result{
			ID:         h.ID,
			DocumentID: h.DocumentID,
			ChunkIndex: h.ChunkIndex,
			URL:        h.URL,
			Title:      h.Title,
			Snippet:    snippet(h.Content, tokens, e.config.SnippetLength),
			Score:      score,
			RRFScore:   h.Score,
		})
		if len(results) == req.TopK {
			break
		}
	}

	return &Response{
		Results: results,
		Meta: Meta{
			Query:      req.Query,
			TopK:       req.TopK,
			Locale:     req.Locale,
			Strategies: req.Strategies,
			Fusion:     FusionDB,
			Total:      len(results),
		},
	}, nil
}

// fanOut runs every requested strategy in its own goroutine. Each one gets
// an independent timeout so a slow system cannot sink the whole request.
func (e *Engine) fanOut(ctx context.Context, req Request, queryVec []float32, embedErr error) []strategyOutcome {
	results := make(chan strategyOutcome, len(req.Strategies))
	var wg sync.WaitGroup
	for _, system := range req.Strategies {
		wg.Add(1)
		go func(system string) {
			defer wg.Done()
			results <- e.runStrategy(ctx, system, req, queryVec, embedErr)
		}(system)
	}
	wg.Wait()
	close(results)

	outcomes := make([]strategyOutcome, 0, len(req.Strategies))
	for o := range results {
		outcomes = append(outcomes, o)
	}
	return outcomes
}

func (e *Engine) runStrategy(ctx context.Context, system string, req Request, queryVec []float32, embedErr error) strategyOutcome {
	if system == StrategyVector && embedErr != nil {
		return strategyOutcome{system: system, err: embedErr}
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return strategyOutcome{system: system, err: err}
	}
	defer e.sem.Release(1)

	sctx, cancel := context.WithTimeout(ctx, e.config.StrategyTimeout)
	defer cancel()

	q := e.storeQuery(req)
	start := time.Now()
	var (
		hits []vectorstore.Hit
		err  error
	)
	switch system {
	case StrategyVector:
		hits, err = e.store.NNSearch(sctx, q, pgvector.NewVector(queryVec))
	case StrategyFullText:
		hits, err = e.store.FullTextSearch(sctx, q, req.Query)
	case StrategyBM25:
		hits, err = e.store.BM25Search(sctx, q, queryTokens(req.Query))
	case StrategyStructured:
		hits, err = e.store.StructuredSearch(sctx, q, req.Query)
	default:
		err = problem.Newf(problem.KindInternal, "unknown retrieval system %q", system)
	}
	return strategyOutcome{system: system, hits: hits, err: err, took: time.Since(start)}
}

// vectorFallback retries nearest-neighbor search once after every strategy
// failed. A second failure makes the request unavailable.
func (e *Engine) vectorFallback(ctx context.Context, req Request, queryVec []float32, embedErr error) (strategyOutcome, error) {
	if embedErr != nil {
		return strategyOutcome{}, embedErr
	}
	sctx, cancel := context.WithTimeout(ctx, e.config.StrategyTimeout)
	defer cancel()

	start := time.Now()
	hits, err := e.store.NNSearch(sctx, e.storeQuery(req), pgvector.NewVector(queryVec))
	if err != nil {
		return strategyOutcome{}, err
	}
	e.logger.Info("served degraded response from vector fallback", map[string]interface{}{
		"tenant_id": req.TenantID.String(),
		"hits":      len(hits),
	})
	return strategyOutcome{system: StrategyVector, hits: hits, took: time.Since(start)}, nil
}

func (e *Engine) storeQuery(req Request) vectorstore.Query {
	return vectorstore.Query{
		TenantID:     req.TenantID,
		SiteID:       req.SiteID,
		Locale:       req.Locale,
		K:            req.TopK,
		UseIndex:     e.config.UseIndex,
		FanOutFactor: e.config.FanOutFactor,
	}
}

func (e *Engine) rankedList(o strategyOutcome, vectorWeight float64, hitIndex map[string]vectorstore.Hit) fusion.List {
	items := make([]fusion.RankedItem, 0, len(o.hits))
	for _, h := range o.hits {
		id := h.ID.String()
		items = append(items, fusion.RankedItem{ID: id, Score: h.Score})
		if _, seen := hitIndex[id]; !seen {
			hitIndex[id] = h
		}
	}
	weight := 1.0
	if o.system == StrategyVector {
		weight = vectorWeight
	}
	return fusion.List{System: o.system, Weight: weight, Items: items}
}

// assemble turns fused rankings back into hydrated results: metadata
// filters first, then score normalization by the batch maximum, then the
// minScore gate, then truncation to topK.
func (e *Engine) assemble(req Request, fused []fusion.Result, hitIndex map[string]vectorstore.Hit, systems int) []Result {
	kept := make([]fusion.Result, 0, len(fused))
	maxScore := 0.0
	for _, f := range fused {
		hit, ok := hitIndex[f.ID]
		if !ok {
			continue
		}
		if !matchesFilters(hit.Metadata, req.Filters) {
			continue
		}
		kept = append(kept, f)
		if f.RRFScore > maxScore {
			maxScore = f.RRFScore
		}
	}

	tokens := queryTokens(req.Query)
	results := make([]Result, 0, req.TopK)
	for _, f := range kept {
		score := f.RRFScore
		if maxScore > 0 {
			score = f.RRFScore / maxScore
		}
		if score < req.MinScore {
			continue
		}
		hit := hitIndex[f.ID]
		ratio := 0.0
		if systems > 0 {
			ratio = float64(f.AppearsInSystems) / float64(systems)
		}
		results = append(results, Result{
			ID:               hit.ID,
			DocumentID:       hit.DocumentID,
			ChunkIndex:       hit.ChunkIndex,
			URL:              hit.URL,
			Title:            hit.Title,
			Snippet:          snippet(hit.Content, tokens, e.config.SnippetLength),
			Score:            score,
			RRFScore:         f.RRFScore,
			SystemScores:     f.SystemScores,
			SystemRanks:      f.SystemRanks,
			AppearsInSystems: f.AppearsInSystems,
			ConsensusRatio:   ratio,
		})
		if len(results) == req.TopK {
			break
		}
	}
	return results
}

func matchesFilters(metadata models.JSONMap, filters models.Filters) bool {
	for field, want := range filters {
		value, ok := metadata[field]
		if !ok || !want.Matches(value) {
			return false
		}
	}
	return true
}

func decodeCached(payload json.RawMessage) *Response {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil
	}
	return &resp
}
