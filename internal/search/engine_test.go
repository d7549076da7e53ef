package search

import (
	"context"
	"math"
	"sort"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitespeak/sitespeak/internal/embedding"
	"github.com/sitespeak/sitespeak/internal/models"
	"github.com/sitespeak/sitespeak/internal/problem"
	"github.com/sitespeak/sitespeak/internal/retrievalcache"
	"github.com/sitespeak/sitespeak/internal/vectorstore"
	"github.com/sitespeak/sitespeak/pkg/observability"
)

// fakeChunk is an in-memory corpus entry for the fake store.
type fakeChunk struct {
	tenant uuid.UUID
	hit    vectorstore.Hit
	vector []float32
	terms  []string
}

// fakeStore ranks the seeded corpus in memory: cosine similarity for
// vector queries and term overlap for the text systems.
type fakeStore struct {
	mu       sync.Mutex
	chunks   []fakeChunk
	errs     map[string]error   // persistent failures per system
	failures map[string][]error // one-shot failures, consumed in order
	hybrid   []vectorstore.Hit
	calls    map[string]int
}

func newFakeStore(chunks ...fakeChunk) *fakeStore {
	return &fakeStore{
		chunks:   chunks,
		errs:     make(map[string]error),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

func (s *fakeStore) note(system string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[system]++
	if queued := s.failures[system]; len(queued) > 0 {
		err := queued[0]
		s.failures[system] = queued[1:]
		return err
	}
	return s.errs[system]
}

func (s *fakeStore) callCount(system string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[system]
}

func (s *fakeStore) rank(q vectorstore.Query, score func(fakeChunk) float64) []vectorstore.Hit {
	s.mu.Lock()
	defer s.mu.Unlock()
	type scored struct {
		hit   vectorstore.Hit
		score float64
	}
	ranked := make([]scored, 0, len(s.chunks))
	for _, c := range s.chunks {
		if c.tenant != q.TenantID {
			continue
		}
		if sc := score(c); sc > 0 {
			hit := c.hit
			hit.Score = sc
			ranked = append(ranked, scored{hit: hit, score: sc})
		}
	}
	// Stable on score so ties keep corpus insertion order; random UUIDs
	// would otherwise shuffle tied chunks between runs.
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})
	hits := make([]vectorstore.Hit, len(ranked))
	for i, r := range ranked {
		hits[i] = r.hit
	}
	return hits
}

func (s *fakeStore) NNSearch(ctx context.Context, q vectorstore.Query, emb pgvector.Vector) ([]vectorstore.Hit, error) {
	if err := s.note(StrategyVector); err != nil {
		return nil, err
	}
	query := emb.Slice()
	return s.rank(q, func(c fakeChunk) float64 {
		return cosine(query, c.vector)
	}), nil
}

func (s *fakeStore) FullTextSearch(ctx context.Context, q vectorstore.Query, queryText string) ([]vectorstore.Hit, error) {
	if err := s.note(StrategyFullText); err != nil {
		return nil, err
	}
	return s.rank(q, termOverlap(queryTokens(queryText))), nil
}

func (s *fakeStore) BM25Search(ctx context.Context, q vectorstore.Query, terms []string) ([]vectorstore.Hit, error) {
	if err := s.note(StrategyBM25); err != nil {
		return nil, err
	}
	return s.rank(q, termOverlap(terms)), nil
}

func (s *fakeStore) StructuredSearch(ctx context.Context, q vectorstore.Query, queryText string) ([]vectorstore.Hit, error) {
	if err := s.note(StrategyStructured); err != nil {
		return nil, err
	}
	return s.rank(q, termOverlap(queryTokens(queryText))), nil
}

func (s *fakeStore) HybridSearch(ctx context.Context, q vectorstore.Query, queryText string, emb pgvector.Vector, alpha float64) ([]vectorstore.Hit, error) {
	if err := s.note("hybrid"); err != nil {
		return nil, err
	}
	return s.hybrid, nil
}

func termOverlap(terms []string) func(fakeChunk) float64 {
	return func(c fakeChunk) float64 {
		matches := 0
		for _, term := range terms {
			for _, have := range c.terms {
				if term == have {
					matches++
					break
				}
			}
		}
		return float64(matches)
	}
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func corpusChunk(tenantID uuid.UUID, url string, vector []float32, terms []string, metadata models.JSONMap) fakeChunk {
	return fakeChunk{
		tenant: tenantID,
		hit: vectorstore.Hit{
			ID:         uuid.New(),
			DocumentID: uuid.New(),
			ChunkIndex: 0,
			Content:    "content for " + url,
			URL:        url,
			Title:      url,
			Metadata:   metadata,
		},
		vector: vector,
		terms:  terms,
	}
}

func newTestEngine(t *testing.T, store Retriever, provider embedding.Provider, cache ResultCache, config Config) *Engine {
	t.Helper()
	eng, err := New(store, provider, cache, config, observability.NewNoopLogger(), observability.NewNoopMetrics())
	require.NoError(t, err)
	return eng
}

func catProvider(t *testing.T) *embedding.MockProvider {
	t.Helper()
	return embedding.NewMockProvider(4, embedding.WithVector("cat", []float32{1, 0, 0, 0}))
}

func TestSearch_VectorRanking(t *testing.T) {
	tenantID := uuid.New()
	siteID := uuid.New()
	a := corpusChunk(tenantID, "https://example.com/a", []float32{1, 0, 0, 0}, []string{"cat"}, nil)
	b := corpusChunk(tenantID, "https://example.com/b", []float32{0, 1, 0, 0}, []string{"dog"}, nil)
	c := corpusChunk(tenantID, "https://example.com/c", []float32{0.7, 0.7, 0, 0}, []string{"cat", "dog"}, nil)
	store := newFakeStore(a, b, c)

	eng := newTestEngine(t, store, catProvider(t), nil, Config{})
	resp, err := eng.Search(context.Background(), Request{
		TenantID:   tenantID,
		SiteID:     siteID,
		Query:      "cat",
		TopK:       2,
		Strategies: []string{StrategyVector},
	})
	require.NoError(t, err)

	require.Len(t, resp.Results, 2)
	assert.Equal(t, a.hit.ID, resp.Results[0].ID)
	assert.Equal(t, c.hit.ID, resp.Results[1].ID)
	assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-9)
	assert.Less(t, resp.Results[1].Score, resp.Results[0].Score)
	assert.Equal(t, 1, resp.Results[0].AppearsInSystems)
	assert.InDelta(t, 1.0, resp.Results[0].ConsensusRatio, 1e-9)

	assert.Equal(t, FusionApp, resp.Meta.Fusion)
	assert.Equal(t, CacheBypass, resp.Meta.Cache)
	assert.False(t, resp.Meta.Degraded)
	assert.Equal(t, 2, resp.Meta.Total)
}

func TestSearch_TenantIsolation(t *testing.T) {
	tenantA := uuid.New()
	tenantB := uuid.New()
	siteID := uuid.New()
	chunkA := corpusChunk(tenantA, "https://a.example.com/", []float32{1, 0, 0, 0}, []string{"cat"}, nil)
	chunkB := corpusChunk(tenantB, "https://b.example.com/", []float32{1, 0, 0, 0}, []string{"cat"}, nil)
	store := newFakeStore(chunkA, chunkB)

	eng := newTestEngine(t, store, catProvider(t), nil, Config{})
	resp, err := eng.Search(context.Background(), Request{
		TenantID: tenantB,
		SiteID:   siteID,
		Query:    "cat",
		TopK:     10,
	})
	require.NoError(t, err)

	require.Len(t, resp.Results, 1)
	assert.Equal(t, chunkB.hit.ID, resp.Results[0].ID)
}

func TestSearch_ConsensusAcrossSystems(t *testing.T) {
	tenantID := uuid.New()
	siteID := uuid.New()
	// x ranks in both systems, y only in vector, z only in fulltext.
	x := corpusChunk(tenantID, "https://example.com/x", []float32{1, 0, 0, 0}, []string{"cat"}, nil)
	y := corpusChunk(tenantID, "https://example.com/y", []float32{0.7, 0.7, 0, 0}, []string{"dog"}, nil)
	z := corpusChunk(tenantID, "https://example.com/z", []float32{0, 1, 0, 0}, []string{"cat"}, nil)
	store := newFakeStore(x, y, z)

	eng := newTestEngine(t, store, catProvider(t), nil, Config{})
	resp, err := eng.Search(context.Background(), Request{
		TenantID:   tenantID,
		SiteID:     siteID,
		Query:      "cat",
		TopK:       10,
		Strategies: []string{StrategyVector, StrategyFullText},
	})
	require.NoError(t, err)

	require.Len(t, resp.Results, 3)
	first := resp.Results[0]
	assert.Equal(t, x.hit.ID, first.ID)
	assert.Equal(t, 2, first.AppearsInSystems)
	assert.InDelta(t, 1.0, first.ConsensusRatio, 1e-9)
	assert.Contains(t, first.SystemScores, StrategyVector)
	assert.Contains(t, first.SystemScores, StrategyFullText)
	assert.Equal(t, 1, first.SystemRanks[StrategyVector])
	assert.Equal(t, 1, first.SystemRanks[StrategyFullText])

	rest := map[uuid.UUID]Result{
		resp.Results[1].ID: resp.Results[1],
		resp.Results[2].ID: resp.Results[2],
	}
	require.Contains(t, rest, y.hit.ID)
	require.Contains(t, rest, z.hit.ID)
	assert.Equal(t, 1, rest[y.hit.ID].AppearsInSystems)
	assert.InDelta(t, 0.5, rest[z.hit.ID].ConsensusRatio, 1e-9)
}

func TestSearch_DegradedOnPartialFailure(t *testing.T) {
	tenantID := uuid.New()
	siteID := uuid.New()
	a := corpusChunk(tenantID, "https://example.com/a", []float32{1, 0, 0, 0}, []string{"cat"}, nil)
	store := newFakeStore(a)
	store.errs[StrategyFullText] = problem.New(problem.KindStoreUnavailable, "fts offline")

	eng := newTestEngine(t, store, catProvider(t), nil, Config{})
	resp, err := eng.Search(context.Background(), Request{
		TenantID: tenantID,
		SiteID:   siteID,
		Query:    "cat",
		TopK:     5,
	})
	require.NoError(t, err)

	assert.True(t, resp.Meta.Degraded)
	require.Contains(t, resp.Meta.FailedSystems, StrategyFullText)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, a.hit.ID, resp.Results[0].ID)
}

func TestSearch_VectorFallbackAfterTotalFailure(t *testing.T) {
	tenantID := uuid.New()
	siteID := uuid.New()
	a := corpusChunk(tenantID, "https://example.com/a", []float32{1, 0, 0, 0}, []string{"cat"}, nil)

	t.Run("fallback succeeds", func(t *testing.T) {
		store := newFakeStore(a)
		store.failures[StrategyVector] = []error{problem.New(problem.KindTransient, "timeout")}
		store.errs[StrategyFullText] = problem.New(problem.KindStoreUnavailable, "fts offline")

		eng := newTestEngine(t, store, catProvider(t), nil, Config{})
		resp, err := eng.Search(context.Background(), Request{
			TenantID: tenantID,
			SiteID:   siteID,
			Query:    "cat",
			TopK:     5,
		})
		require.NoError(t, err)

		assert.True(t, resp.Meta.Degraded)
		assert.Len(t, resp.Meta.FailedSystems, 2)
		require.Len(t, resp.Results, 1)
		assert.Equal(t, 2, store.callCount(StrategyVector))
	})

	t.Run("fallback fails too", func(t *testing.T) {
		store := newFakeStore(a)
		store.errs[StrategyVector] = problem.New(problem.KindTransient, "timeout")
		store.errs[StrategyFullText] = problem.New(problem.KindStoreUnavailable, "fts offline")

		eng := newTestEngine(t, store, catProvider(t), nil, Config{})
		_, err := eng.Search(context.Background(), Request{
			TenantID: tenantID,
			SiteID:   siteID,
			Query:    "cat",
			TopK:     5,
		})
		require.Error(t, err)
		assert.Equal(t, problem.KindSearchUnavailable, problem.KindOf(err))
	})
}

// failingProvider simulates an unreachable embedding endpoint.
type failingProvider struct{}

func (failingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, problem.New(problem.KindTransient, "embedding endpoint unreachable")
}
func (failingProvider) Model() string   { return "mock-embedding" }
func (failingProvider) Dimensions() int { return 4 }

func TestSearch_EmbedFailureDegradesToTextSystems(t *testing.T) {
	tenantID := uuid.New()
	siteID := uuid.New()
	a := corpusChunk(tenantID, "https://example.com/a", []float32{1, 0, 0, 0}, []string{"cat"}, nil)
	store := newFakeStore(a)

	eng := newTestEngine(t, store, failingProvider{}, nil, Config{})
	resp, err := eng.Search(context.Background(), Request{
		TenantID: tenantID,
		SiteID:   siteID,
		Query:    "cat",
		TopK:     5,
	})
	require.NoError(t, err)

	assert.True(t, resp.Meta.Degraded)
	assert.Contains(t, resp.Meta.FailedSystems, StrategyVector)
	require.Len(t, resp.Results, 1)
	// No embedding means no cache key, so the vector store was never
	// asked for a nearest-neighbor pass.
	assert.Equal(t, CacheBypass, resp.Meta.Cache)
	assert.Equal(t, 0, store.callCount(StrategyVector))
}

func TestSearch_MinScoreOnNormalizedScores(t *testing.T) {
	tenantID := uuid.New()
	siteID := uuid.New()
	a := corpusChunk(tenantID, "https://example.com/a", []float32{1, 0, 0, 0}, []string{"cat"}, nil)
	c := corpusChunk(tenantID, "https://example.com/c", []float32{0.7, 0.7, 0, 0}, []string{"cat"}, nil)
	store := newFakeStore(a, c)

	eng := newTestEngine(t, store, catProvider(t), nil, Config{})
	resp, err := eng.Search(context.Background(), Request{
		TenantID:   tenantID,
		SiteID:     siteID,
		Query:      "cat",
		TopK:       10,
		Strategies: []string{StrategyVector},
		MinScore:   0.99,
	})
	require.NoError(t, err)

	// Rank two normalizes to 61/62, below the 0.99 floor.
	require.Len(t, resp.Results, 1)
	assert.Equal(t, a.hit.ID, resp.Results[0].ID)
}

func TestSearch_MetadataFilters(t *testing.T) {
	tenantID := uuid.New()
	siteID := uuid.New()
	docs := corpusChunk(tenantID, "https://example.com/docs", []float32{1, 0, 0, 0}, []string{"cat"},
		models.JSONMap{"category": "docs"})
	blog := corpusChunk(tenantID, "https://example.com/blog", []float32{0.9, 0.1, 0, 0}, []string{"cat"},
		models.JSONMap{"category": "blog"})
	store := newFakeStore(docs, blog)

	eng := newTestEngine(t, store, catProvider(t), nil, Config{})
	resp, err := eng.Search(context.Background(), Request{
		TenantID:   tenantID,
		SiteID:     siteID,
		Query:      "cat",
		TopK:       10,
		Strategies: []string{StrategyVector},
		Filters:    models.Filters{"category": models.StringFilter("docs")},
	})
	require.NoError(t, err)

	require.Len(t, resp.Results, 1)
	assert.Equal(t, docs.hit.ID, resp.Results[0].ID)
	// Filters keep the batch maximum from the surviving set, so the
	// remaining result still normalizes to 1.
	assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-9)
}

func TestSearch_DBFusion(t *testing.T) {
	tenantID := uuid.New()
	siteID := uuid.New()
	a := corpusChunk(tenantID, "https://example.com/a", []float32{1, 0, 0, 0}, []string{"cat"}, nil)
	c := corpusChunk(tenantID, "https://example.com/c", []float32{0.7, 0.7, 0, 0}, []string{"cat"}, nil)

	t.Run("plain two-system request fuses in the store", func(t *testing.T) {
		store := newFakeStore(a, c)
		hitA, hitC := a.hit, c.hit
		hitA.Score = 2.0 / 61.0
		hitC.Score = 1.0 / 62.0
		store.hybrid = []vectorstore.Hit{hitA, hitC}

		eng := newTestEngine(t, store, catProvider(t), nil, Config{DBFusion: true})
		resp, err := eng.Search(context.Background(), Request{
			TenantID:   tenantID,
			SiteID:     siteID,
			Query:      "cat",
			TopK:       10,
			Strategies: []string{StrategyVector, StrategyFullText},
		})
		require.NoError(t, err)

		assert.Equal(t, 1, store.callCount("hybrid"))
		assert.Equal(t, 0, store.callCount(StrategyVector))
		assert.Equal(t, FusionDB, resp.Meta.Fusion)
		require.Len(t, resp.Results, 2)
		assert.Equal(t, a.hit.ID, resp.Results[0].ID)
		assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-9)
	})

	t.Run("metadata filters force the fan-out path", func(t *testing.T) {
		store := newFakeStore(a, c)
		eng := newTestEngine(t, store, catProvider(t), nil, Config{DBFusion: true})
		resp, err := eng.Search(context.Background(), Request{
			TenantID:   tenantID,
			SiteID:     siteID,
			Query:      "cat",
			TopK:       10,
			Strategies: []string{StrategyVector, StrategyFullText},
			Filters:    models.Filters{"category": models.StringFilter("docs")},
		})
		require.NoError(t, err)

		assert.Equal(t, 0, store.callCount("hybrid"))
		assert.Equal(t, FusionApp, resp.Meta.Fusion)
	})
}

func TestSearch_CacheLifecycle(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cache, err := retrievalcache.New(client, retrievalcache.DefaultConfig(),
		observability.NewNoopLogger(), observability.NewNoopMetrics())
	require.NoError(t, err)

	tenantID := uuid.New()
	siteID := uuid.New()
	a := corpusChunk(tenantID, "https://example.com/a", []float32{1, 0, 0, 0}, []string{"cat"}, nil)
	store := newFakeStore(a)

	eng := newTestEngine(t, store, catProvider(t), cache, Config{})
	req := Request{TenantID: tenantID, SiteID: siteID, Query: "cat", TopK: 5}

	first, err := eng.Search(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, first.Meta.Cache)
	assert.Equal(t, 1, store.callCount(StrategyVector))

	second, err := eng.Search(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, CacheFresh, second.Meta.Cache)
	assert.Equal(t, first.Results[0].ID, second.Results[0].ID)
	// Served from cache, no extra store traffic.
	assert.Equal(t, 1, store.callCount(StrategyVector))

	req.NoCache = true
	third, err := eng.Search(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, CacheBypass, third.Meta.Cache)
	assert.Equal(t, 2, store.callCount(StrategyVector))
}

func TestSearch_Validation(t *testing.T) {
	tenantID := uuid.New()
	siteID := uuid.New()
	store := newFakeStore()
	eng := newTestEngine(t, store, catProvider(t), nil, Config{})

	tests := []struct {
		name string
		req  Request
		kind problem.Kind
	}{
		{
			name: "missing tenant",
			req:  Request{SiteID: siteID, Query: "cat"},
			kind: problem.KindMissingTenantID,
		},
		{
			name: "missing site",
			req:  Request{TenantID: tenantID, Query: "cat"},
			kind: problem.KindValidationFailed,
		},
		{
			name: "blank query",
			req:  Request{TenantID: tenantID, SiteID: siteID, Query: "   "},
			kind: problem.KindValidationFailed,
		},
		{
			name: "topK over the cap",
			req:  Request{TenantID: tenantID, SiteID: siteID, Query: "cat", TopK: 101},
			kind: problem.KindValidationFailed,
		},
		{
			name: "unknown strategy",
			req:  Request{TenantID: tenantID, SiteID: siteID, Query: "cat", Strategies: []string{"semantic"}},
			kind: problem.KindValidationFailed,
		},
		{
			name: "minScore out of range",
			req:  Request{TenantID: tenantID, SiteID: siteID, Query: "cat", MinScore: 1.5},
			kind: problem.KindValidationFailed,
		},
		{
			name: "negative vector weight",
			req:  Request{TenantID: tenantID, SiteID: siteID, Query: "cat", VectorWeight: -1},
			kind: problem.KindValidationFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.Search(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, problem.KindOf(err))
		})
	}
}
