package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sitespeak/sitespeak/internal/crawler"
	"github.com/sitespeak/sitespeak/internal/locale"
	"github.com/sitespeak/sitespeak/internal/models"
	"github.com/sitespeak/sitespeak/internal/problem"
	"github.com/sitespeak/sitespeak/internal/search"
	"github.com/sitespeak/sitespeak/internal/tenant"
	"github.com/sitespeak/sitespeak/internal/vectorstore"
	"github.com/sitespeak/sitespeak/pkg/observability"
)

// maxSearchTopK caps topK at the HTTP boundary. The engine accepts more for
// internal callers; external clients stay within this bound.
const maxSearchTopK = 50

// knowledgeHandler serves the /kb surface.
type knowledgeHandler struct {
	search      SearchService
	store       KnowledgeStore
	cache       CacheService
	crawls      CrawlService
	negotiator  *locale.Negotiator
	indexParams vectorstore.Config
	logger      observability.Logger
	metrics     observability.MetricsClient
}

func newKnowledgeHandler(deps Deps, logger observability.Logger, metrics observability.MetricsClient) *knowledgeHandler {
	return &knowledgeHandler{
		search:      deps.Search,
		store:       deps.Store,
		cache:       deps.Cache,
		crawls:      deps.Crawls,
		negotiator:  deps.Negotiator,
		indexParams: deps.IndexParams,
		logger:      logger.WithPrefix("kb"),
		metrics:     metrics,
	}
}

// searchRequest is the POST /kb/search body.
type searchRequest struct {
	// Query is the natural-language query text
	Query string `json:"query"`
	// SiteID scopes the search to one site of the tenant
	SiteID string `json:"siteId"`
	// TopK is the number of matches wanted, at most 50
	TopK int `json:"topK"`
	// Filters are metadata equality filters applied after fusion
	Filters models.Filters `json:"filters,omitempty"`
	// LangHint restricts matches to one locale; unsupported values are
	// ignored and the Accept-Language negotiation is kept
	LangHint string `json:"langHint,omitempty"`
	// Threshold drops matches below this normalized score
	Threshold float64 `json:"threshold,omitempty"`
	// IncludeMeta adds fusion detail per match and a response meta block
	IncludeMeta bool `json:"includeMeta,omitempty"`
	// Rerank is accepted for compatibility; fused order is already
	// consensus-ranked
	Rerank bool `json:"rerank,omitempty"`
	// Strategies overrides the default retrieval systems
	Strategies []string `json:"strategies,omitempty"`
	// VectorWeight biases fusion toward or away from the vector system
	VectorWeight float64 `json:"vectorWeight,omitempty"`
	// NoCache bypasses the retrieval cache
	NoCache bool `json:"noCache,omitempty"`
}

// searchMatch is one row of the search response.
type searchMatch struct {
	ID      uuid.UUID              `json:"id"`
	URL     string                 `json:"url"`
	Snippet string                 `json:"snippet"`
	Score   float64                `json:"score"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}

// searchData is the data envelope of the search response.
type searchData struct {
	Matches        []searchMatch `json:"matches"`
	UsedLanguage   string        `json:"usedLanguage"`
	TotalMatches   int           `json:"totalMatches"`
	ProcessingTime int64         `json:"processingTime"`
	SearchID       string        `json:"searchId"`
	Degraded       bool          `json:"degraded,omitempty"`
	Meta           *search.Meta  `json:"meta,omitempty"`
}

// handleSearch executes a hybrid retrieval request.
func (h *knowledgeHandler) handleSearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		problem.Render(c, problem.Wrap(problem.KindValidationFailed, "malformed search request", err))
		return
	}

	tenantID, _ := tenant.FromContext(c.Request.Context())
	siteID, err := parseBodyUUID(req.SiteID, "siteId")
	if err != nil {
		problem.Render(c, err)
		return
	}
	if req.TopK > maxSearchTopK {
		problem.Render(c, problem.Newf(problem.KindValidationFailed, "topK must be between 1 and %d", maxSearchTopK))
		return
	}
	if err := rejectForeignTenantFilter(req.Filters, tenantID); err != nil {
		problem.Render(c, err)
		return
	}
	delete(req.Filters, "tenantId")
	delete(req.Filters, "tenant_id")

	// The locale filter applies only when the client asked for one; the
	// negotiated request locale is reporting-only so unfiltered corpora
	// keep returning every language.
	filterLocale := ""
	usedLanguage := c.GetString("locale")
	if req.LangHint != "" {
		negotiated := h.negotiator.Negotiate(c.GetHeader("Accept-Language"), req.LangHint)
		usedLanguage = negotiated
		if negotiated == req.LangHint {
			filterLocale = negotiated
		}
	}

	resp, err := h.search.Search(c.Request.Context(), search.Request{
		TenantID:     tenantID,
		SiteID:       siteID,
		Query:        req.Query,
		TopK:         req.TopK,
		Locale:       filterLocale,
		Strategies:   req.Strategies,
		Filters:      req.Filters,
		MinScore:     req.Threshold,
		VectorWeight: req.VectorWeight,
		NoCache:      req.NoCache,
	})
	if err != nil {
		problem.Render(c, err)
		return
	}

	matches := make([]searchMatch, 0, len(resp.Results))
	for _, r := range resp.Results {
		m := searchMatch{
			ID:      r.ID,
			URL:     r.URL,
			Snippet: r.Snippet,
			Score:   r.Score,
		}
		if req.IncludeMeta {
			m.Meta = map[string]interface{}{
				"documentId":       r.DocumentID,
				"chunkIndex":       r.ChunkIndex,
				"title":            r.Title,
				"rrfScore":         r.RRFScore,
				"systemScores":     r.SystemScores,
				"systemRanks":      r.SystemRanks,
				"appearsInSystems": r.AppearsInSystems,
				"consensusRatio":   r.ConsensusRatio,
			}
		}
		matches = append(matches, m)
	}

	data := searchData{
		Matches:        matches,
		UsedLanguage:   usedLanguage,
		TotalMatches:   resp.Meta.Total,
		ProcessingTime: resp.Meta.TookMS,
		SearchID:       uuid.NewString(),
		Degraded:       resp.Meta.Degraded,
	}
	if req.IncludeMeta {
		meta := resp.Meta
		data.Meta = &meta
	}

	h.metrics.IncrementCounterWithLabels("kb_search_requests_total", 1, map[string]string{
		"degraded": boolLabel(resp.Meta.Degraded),
		"cache":    resp.Meta.Cache,
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

// reindexRequest is the POST /kb/reindex body.
type reindexRequest struct {
	// Mode selects the crawl kind: full, delta, or selective
	Mode string `json:"mode"`
	// SiteID names the site to crawl
	SiteID string `json:"siteId"`
	// URLs is the explicit page set for selective mode
	URLs []string `json:"urls,omitempty"`
	// Priority is accepted for compatibility; the queue is FIFO
	Priority string `json:"priority,omitempty"`
}

// handleReindex schedules a crawl run. Admission control rejects a second
// run of the same mode per site with 409.
func (h *knowledgeHandler) handleReindex(c *gin.Context) {
	var req reindexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		problem.Render(c, problem.Wrap(problem.KindValidationFailed, "malformed reindex request", err))
		return
	}

	tenantID, _ := tenant.FromContext(c.Request.Context())
	siteID, err := parseBodyUUID(req.SiteID, "siteId")
	if err != nil {
		problem.Render(c, err)
		return
	}

	mode := models.CrawlMode(req.Mode)
	switch mode {
	case models.CrawlModeFull, models.CrawlModeDelta, models.CrawlModeSelective:
	case "":
		problem.Render(c, problem.New(problem.KindValidationFailed, "mode is required"))
		return
	default:
		problem.Render(c, problem.Newf(problem.KindValidationFailed, "unknown crawl mode %q", req.Mode))
		return
	}

	requestedBy := c.GetString("user_id")
	if requestedBy == "" {
		requestedBy = "api"
	}

	session, err := h.crawls.Start(c.Request.Context(), crawler.StartRequest{
		TenantID:    tenantID,
		SiteID:      siteID,
		Mode:        mode,
		URLs:        req.URLs,
		RequestedBy: requestedBy,
	})
	if err != nil {
		problem.Render(c, err)
		return
	}

	h.logger.Info("crawl scheduled", map[string]interface{}{
		"tenant_id": tenantID.String(),
		"site_id":   siteID.String(),
		"mode":      string(mode),
		"job_id":    session.ID.String(),
	})
	c.JSON(http.StatusOK, gin.H{
		"jobId":              session.ID,
		"mode":               session.Mode,
		"status":             "scheduled",
		"estimatedStartTime": time.Now().UTC().Truncate(time.Second),
	})
}

// handleCancelReindex cancels a queued or running crawl.
func (h *knowledgeHandler) handleCancelReindex(c *gin.Context) {
	tenantID, _ := tenant.FromContext(c.Request.Context())
	jobID, err := uuid.Parse(c.Param("jobId"))
	if err != nil {
		problem.Render(c, problem.New(problem.KindValidationFailed, "jobId must be a UUID"))
		return
	}

	session, err := h.crawls.Cancel(c.Request.Context(), tenantID, jobID)
	if err != nil {
		problem.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobId":  session.ID,
		"status": session.Status,
	})
}

// handleStatus reports corpus size, index configuration, crawl recency, and
// supported languages for the tenant, optionally scoped to one site.
func (h *knowledgeHandler) handleStatus(c *gin.Context) {
	tenantID, _ := tenant.FromContext(c.Request.Context())

	var sitePtr *uuid.UUID
	var siteID uuid.UUID
	if raw := c.Query("siteId"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			problem.Render(c, problem.New(problem.KindValidationFailed, "siteId must be a UUID"))
			return
		}
		siteID = parsed
		sitePtr = &parsed
	}

	stats, err := h.store.Stats(c.Request.Context(), tenantID, sitePtr)
	if err != nil {
		problem.Render(c, err)
		return
	}
	crawlStats, err := h.crawls.Stats(c.Request.Context(), tenantID)
	if err != nil {
		problem.Render(c, err)
		return
	}

	data := gin.H{
		"documents":         stats.Documents,
		"chunks":            stats.Chunks,
		"embeddings":        stats.Embeddings,
		"avgTokensPerChunk": stats.AvgTokensPerChunk,
		"index": gin.H{
			"kind": stats.IndexKind,
			"params": gin.H{
				"efSearch": h.indexParams.EfSearch,
				"probes":   h.indexParams.Probes,
			},
		},
		"processing":         crawlStats.ActiveSessions > 0,
		"activeCrawls":       crawlStats.ActiveSessions,
		"supportedLanguages": h.negotiator.Supported(),
	}

	if sitePtr != nil {
		report, err := h.crawls.Status(c.Request.Context(), tenantID, siteID)
		if err != nil {
			problem.Render(c, err)
			return
		}
		data["queueDepth"] = report.QueueDepth
		if report.LastCompleted != nil {
			if report.LastCompleted.LastCrawlTime != nil {
				data["lastCrawlTime"] = report.LastCompleted.LastCrawlTime
			} else {
				data["lastCrawlTime"] = report.LastCompleted.EndedAt
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

// handleStats aggregates the operational counters behind the kb surface.
func (h *knowledgeHandler) handleStats(c *gin.Context) {
	tenantID, _ := tenant.FromContext(c.Request.Context())

	stats, err := h.store.Stats(c.Request.Context(), tenantID, nil)
	if err != nil {
		problem.Render(c, err)
		return
	}
	crawlStats, err := h.crawls.Stats(c.Request.Context(), tenantID)
	if err != nil {
		problem.Render(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"store":  stats,
			"cache":  h.cache.Stats(),
			"crawls": crawlStats,
		},
	})
}

// handleHealth reports kb subsystem liveness without requiring a tenant.
func (h *knowledgeHandler) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	components := gin.H{}

	healthy := true
	if err := h.store.Ping(ctx); err != nil {
		components["store"] = "unhealthy"
		healthy = false
	} else {
		components["store"] = "healthy"
	}
	if err := h.cache.Ping(ctx); err != nil {
		components["cache"] = "unhealthy"
		healthy = false
	} else {
		components["cache"] = "healthy"
	}
	if h.crawls.HealthCheck(ctx) {
		components["crawler"] = "healthy"
	} else {
		components["crawler"] = "unhealthy"
		healthy = false
	}

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{"status": overall, "components": components})
}

// rejectForeignTenantFilter refuses a client-supplied tenant filter naming
// another tenant. A matching value is tolerated and stripped by the caller.
func rejectForeignTenantFilter(filters models.Filters, tenantID uuid.UUID) error {
	for _, key := range []string{"tenantId", "tenant_id"} {
		v, ok := filters[key]
		if !ok {
			continue
		}
		if v.Kind != models.FilterKindString || v.Str != tenantID.String() {
			return problem.New(problem.KindValidationFailed, "filters may not name a different tenant")
		}
	}
	return nil
}

// parseBodyUUID parses a required UUID body field.
func parseBodyUUID(raw, field string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, problem.Newf(problem.KindValidationFailed, "%s is required", field)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, problem.Newf(problem.KindValidationFailed, "%s must be a UUID", field)
	}
	return id, nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
