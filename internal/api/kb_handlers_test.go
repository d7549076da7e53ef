package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitespeak/sitespeak/internal/models"
	"github.com/sitespeak/sitespeak/internal/problem"
)

func postJSON(router http.Handler, path string, body interface{}, mutate func(*http.Request)) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if mutate != nil {
		mutate(req)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func withTenant(id uuid.UUID) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set("X-Tenant-Id", id.String())
	}
}

func signRole(t *testing.T, tenantID uuid.UUID, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":      "user-7",
		"tenantId": tenantID.String(),
		"role":     role,
		"exp":      time.Now().Add(time.Hour).Unix(),
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(apiTestSecret))
	require.NoError(t, err)
	return raw
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc), "body: %s", w.Body.String())
	return doc
}

func TestSearch_HappyPath(t *testing.T) {
	f := defaultFixtures()
	router := newTestRouter(f.deps())
	tenantID := uuid.New()
	siteID := uuid.New()

	w := postJSON(router, "/api/v1/kb/search", map[string]interface{}{
		"query":  "product",
		"siteId": siteID.String(),
		"topK":   5,
	}, withTenant(tenantID))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	doc := decodeBody(t, w)
	assert.Equal(t, true, doc["success"])

	data := doc["data"].(map[string]interface{})
	matches := data["matches"].([]interface{})
	require.Len(t, matches, 1)
	match := matches[0].(map[string]interface{})
	assert.Equal(t, "https://shop.example/products/1", match["url"])
	assert.Equal(t, "The first product", match["snippet"])
	assert.InDelta(t, 0.92, match["score"].(float64), 1e-9)
	assert.Nil(t, match["meta"])

	assert.Equal(t, float64(1), data["totalMatches"])
	assert.Equal(t, float64(12), data["processingTime"])
	assert.NotEmpty(t, data["searchId"])
	assert.Equal(t, "en-US", data["usedLanguage"])

	got := f.search.lastRequest()
	assert.Equal(t, tenantID, got.TenantID)
	assert.Equal(t, siteID, got.SiteID)
	assert.Equal(t, 5, got.TopK)
	assert.Empty(t, got.Locale, "no langHint means no locale filter")
}

func TestSearch_IncludeMetaAddsFusionDetail(t *testing.T) {
	f := defaultFixtures()
	router := newTestRouter(f.deps())

	w := postJSON(router, "/api/v1/kb/search", map[string]interface{}{
		"query":       "product",
		"siteId":      uuid.NewString(),
		"includeMeta": true,
	}, withTenant(uuid.New()))

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeBody(t, w)["data"].(map[string]interface{})
	match := data["matches"].([]interface{})[0].(map[string]interface{})
	meta := match["meta"].(map[string]interface{})
	assert.Equal(t, float64(2), meta["appearsInSystems"])
	assert.Contains(t, data, "meta")
}

func TestSearch_LangHint(t *testing.T) {
	f := defaultFixtures()
	router := newTestRouter(f.deps())

	t.Run("supported hint filters and reports", func(t *testing.T) {
		w := postJSON(router, "/api/v1/kb/search", map[string]interface{}{
			"query":    "produkt",
			"siteId":   uuid.NewString(),
			"langHint": "de-DE",
		}, withTenant(uuid.New()))

		require.Equal(t, http.StatusOK, w.Code)
		data := decodeBody(t, w)["data"].(map[string]interface{})
		assert.Equal(t, "de-DE", data["usedLanguage"])
		assert.Equal(t, "de-DE", f.search.lastRequest().Locale)
	})

	t.Run("unsupported hint is ignored", func(t *testing.T) {
		w := postJSON(router, "/api/v1/kb/search", map[string]interface{}{
			"query":    "product",
			"siteId":   uuid.NewString(),
			"langHint": "xx-XX",
		}, withTenant(uuid.New()))

		require.Equal(t, http.StatusOK, w.Code)
		data := decodeBody(t, w)["data"].(map[string]interface{})
		assert.Equal(t, "en-US", data["usedLanguage"])
		assert.Empty(t, f.search.lastRequest().Locale)
	})
}

func TestSearch_Validation(t *testing.T) {
	f := defaultFixtures()
	router := newTestRouter(f.deps())
	tenantID := uuid.New()

	cases := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing siteId", map[string]interface{}{"query": "x"}},
		{"bad siteId", map[string]interface{}{"query": "x", "siteId": "nope"}},
		{"topK over the cap", map[string]interface{}{"query": "x", "siteId": uuid.NewString(), "topK": 51}},
		{"foreign tenant filter", map[string]interface{}{
			"query":   "x",
			"siteId":  uuid.NewString(),
			"filters": map[string]interface{}{"tenantId": uuid.NewString()},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := postJSON(router, "/api/v1/kb/search", tc.body, withTenant(tenantID))
			assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
			assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
		})
	}
}

func TestSearch_OwnTenantFilterIsStripped(t *testing.T) {
	f := defaultFixtures()
	router := newTestRouter(f.deps())
	tenantID := uuid.New()

	w := postJSON(router, "/api/v1/kb/search", map[string]interface{}{
		"query":   "x",
		"siteId":  uuid.NewString(),
		"filters": map[string]interface{}{"tenantId": tenantID.String(), "category": "docs"},
	}, withTenant(tenantID))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := f.search.lastRequest()
	assert.NotContains(t, got.Filters, "tenantId")
	assert.Contains(t, got.Filters, "category")
}

func TestSearch_RequiresTenant(t *testing.T) {
	f := defaultFixtures()
	router := newTestRouter(f.deps())

	w := postJSON(router, "/api/v1/kb/search", map[string]interface{}{
		"query":  "x",
		"siteId": uuid.NewString(),
	}, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSearch_EngineErrorsMapToProblems(t *testing.T) {
	f := defaultFixtures()
	f.search.err = problem.New(problem.KindSearchUnavailable, "every retrieval system failed")
	router := newTestRouter(f.deps())

	w := postJSON(router, "/api/v1/kb/search", map[string]interface{}{
		"query":  "x",
		"siteId": uuid.NewString(),
	}, withTenant(uuid.New()))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	doc := decodeBody(t, w)
	assert.Equal(t, "https://sitespeak.dev/problems/search-unavailable", doc["type"])
}

func TestReindex_RoleGate(t *testing.T) {
	f := defaultFixtures()
	router := newTestRouter(f.deps())
	tenantID := uuid.New()
	body := map[string]interface{}{"mode": "delta", "siteId": uuid.NewString()}

	t.Run("no principal", func(t *testing.T) {
		w := postJSON(router, "/api/v1/kb/reindex", body, withTenant(tenantID))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("viewer role", func(t *testing.T) {
		w := postJSON(router, "/api/v1/kb/reindex", body, func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+signRole(t, tenantID, "viewer"))
		})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("admin role", func(t *testing.T) {
		w := postJSON(router, "/api/v1/kb/reindex", body, func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+signRole(t, tenantID, "admin"))
		})
		assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	})

	t.Run("owner role", func(t *testing.T) {
		w := postJSON(router, "/api/v1/kb/reindex", body, func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+signRole(t, tenantID, "owner"))
		})
		assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	})
}

func TestReindex_SchedulesJob(t *testing.T) {
	f := defaultFixtures()
	router := newTestRouter(f.deps())
	tenantID := uuid.New()
	siteID := uuid.New()

	w := postJSON(router, "/api/v1/kb/reindex", map[string]interface{}{
		"mode":   "full",
		"siteId": siteID.String(),
	}, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+signRole(t, tenantID, "owner"))
	})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	doc := decodeBody(t, w)
	assert.Equal(t, f.crawls.session.ID.String(), doc["jobId"])
	assert.Equal(t, "scheduled", doc["status"])
	assert.NotEmpty(t, doc["estimatedStartTime"])

	got := f.crawls.lastStart()
	assert.Equal(t, tenantID, got.TenantID)
	assert.Equal(t, siteID, got.SiteID)
	assert.Equal(t, models.CrawlModeFull, got.Mode)
	assert.Equal(t, "user-7", got.RequestedBy)
}

func TestReindex_DuplicateRunIs409(t *testing.T) {
	f := defaultFixtures()
	f.crawls.startErr = problem.New(problem.KindAlreadyRunning, "a full crawl is already running for this site")
	router := newTestRouter(f.deps())
	tenantID := uuid.New()

	w := postJSON(router, "/api/v1/kb/reindex", map[string]interface{}{
		"mode":   "full",
		"siteId": uuid.NewString(),
	}, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+signRole(t, tenantID, "admin"))
	})

	assert.Equal(t, http.StatusConflict, w.Code)
	doc := decodeBody(t, w)
	assert.Equal(t, "https://sitespeak.dev/problems/already-running", doc["type"])
}

func TestReindex_Validation(t *testing.T) {
	f := defaultFixtures()
	router := newTestRouter(f.deps())
	tenantID := uuid.New()
	auth := func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+signRole(t, tenantID, "admin"))
	}

	t.Run("missing mode", func(t *testing.T) {
		w := postJSON(router, "/api/v1/kb/reindex", map[string]interface{}{"siteId": uuid.NewString()}, auth)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("unknown mode", func(t *testing.T) {
		w := postJSON(router, "/api/v1/kb/reindex", map[string]interface{}{
			"mode": "sideways", "siteId": uuid.NewString(),
		}, auth)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})
}

func TestStatus_ReportsCorpusAndIndex(t *testing.T) {
	f := defaultFixtures()
	router := newTestRouter(f.deps())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/kb/status?siteId="+uuid.NewString(), nil)
	req.Header.Set("X-Tenant-Id", uuid.NewString())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := decodeBody(t, w)["data"].(map[string]interface{})
	assert.Equal(t, float64(4), data["documents"])
	assert.Equal(t, float64(40), data["chunks"])
	assert.Equal(t, true, data["processing"])
	assert.Equal(t, float64(2), data["queueDepth"])

	index := data["index"].(map[string]interface{})
	assert.Equal(t, "hnsw", index["kind"])
	params := index["params"].(map[string]interface{})
	assert.Equal(t, float64(40), params["efSearch"])

	langs := data["supportedLanguages"].([]interface{})
	assert.Contains(t, langs, "en-US")
	assert.Contains(t, langs, "de-DE")
}

func TestStats_AggregatesSubsystems(t *testing.T) {
	f := defaultFixtures()
	router := newTestRouter(f.deps())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/kb/stats", nil)
	req.Header.Set("X-Tenant-Id", uuid.NewString())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeBody(t, w)["data"].(map[string]interface{})
	cache := data["cache"].(map[string]interface{})
	assert.Equal(t, float64(7), cache["hits"])
	crawls := data["crawls"].(map[string]interface{})
	assert.Equal(t, float64(120), crawls["pagesProcessed"])
}

func TestKBHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		f := defaultFixtures()
		router := newTestRouter(f.deps())

		req := httptest.NewRequest(http.MethodGet, "/api/v1/kb/health", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("store down", func(t *testing.T) {
		f := defaultFixtures()
		f.store.pingErr = fmt.Errorf("connection refused")
		router := newTestRouter(f.deps())

		req := httptest.NewRequest(http.MethodGet, "/api/v1/kb/health", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		components := decodeBody(t, w)["components"].(map[string]interface{})
		assert.Equal(t, "unhealthy", components["store"])
		assert.Equal(t, "healthy", components["cache"])
	})
}

func TestSearch_DegradedSurfacesInResponse(t *testing.T) {
	f := defaultFixtures()
	f.search.resp.Meta.Degraded = true
	f.search.resp.Meta.FailedSystems = map[string]string{"bm25": "timeout"}
	router := newTestRouter(f.deps())

	w := postJSON(router, "/api/v1/kb/search", map[string]interface{}{
		"query":  "product",
		"siteId": uuid.NewString(),
	}, withTenant(uuid.New()))

	require.Equal(t, http.StatusOK, w.Code, "degraded results still answer 200")
	data := decodeBody(t, w)["data"].(map[string]interface{})
	assert.Equal(t, true, data["degraded"])
}
