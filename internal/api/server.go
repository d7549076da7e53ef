// Package api exposes the retrieval and voice surfaces over HTTP. Handlers
// translate between the wire contract and the domain packages; every error
// leaves through problem.Render so clients always see problem+json.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sitespeak/sitespeak/internal/locale"
	"github.com/sitespeak/sitespeak/internal/middleware"
	"github.com/sitespeak/sitespeak/internal/ratelimit"
	"github.com/sitespeak/sitespeak/internal/tenant"
	"github.com/sitespeak/sitespeak/internal/vectorstore"
	"github.com/sitespeak/sitespeak/pkg/observability"
)

// Config tunes the HTTP listeners and the boundary middleware.
type Config struct {
	ListenAddress string
	// HealthAddress serves /health, /ready, and /metrics without the API
	// middleware chain so probes never trip limits or tenant gates.
	HealthAddress string
	ReadTimeout   time.Duration
	// WriteTimeout must stay zero while SSE streams are served from the
	// main listener.
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxBodyBytes    int64
	SecurityHeaders middleware.SecurityHeadersConfig
	// HeartbeatInterval paces SSE keepalive events. Zero means 30 seconds.
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ListenAddress == "" {
		c.ListenAddress = ":8080"
	}
	if c.HealthAddress == "" {
		c.HealthAddress = ":8081"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	return c
}

// Limits carries the per-surface rate limiters. A nil limiter disables that
// surface's limit.
type Limits struct {
	Global ratelimit.Limiter
	Search ratelimit.Limiter
	Voice  ratelimit.Limiter
	Crawl  ratelimit.Limiter
}

// Deps wires the domain services into the HTTP layer.
type Deps struct {
	Search     SearchService
	Store      KnowledgeStore
	Cache      CacheService
	Crawls     CrawlService
	Voice      VoiceService
	Negotiator *locale.Negotiator
	Resolver   *tenant.Resolver
	Limits     Limits
	// IndexParams echoes the configured ANN session parameters on the
	// status surface.
	IndexParams vectorstore.Config
	Logger      observability.Logger
	Metrics     observability.MetricsClient
	// Registry powers /metrics on the health listener; nil drops the route.
	Registry prometheus.Gatherer
	// Readiness gates /ready. Nil means always ready.
	Readiness func(ctx context.Context) bool
}

// Server hosts the API and health listeners.
type Server struct {
	router *gin.Engine
	api    *http.Server
	health *http.Server
	config Config
	logger observability.Logger
}

// New assembles the router, handlers, and both listeners.
func New(config Config, deps Deps) (*Server, error) {
	config = config.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	logger = logger.WithPrefix("api")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Correlation())
	router.Use(middleware.SecurityHeaders(config.SecurityHeaders))
	router.Use(middleware.Locale(deps.Negotiator))
	router.Use(requestLogger(logger, metrics))
	if deps.Limits.Global != nil {
		router.Use(ratelimit.Middleware(deps.Limits.Global, ratelimit.ByIP(), ratelimit.Options{}))
	}

	s := &Server{
		router: router,
		config: config,
		logger: logger,
		api: &http.Server{
			Addr:         config.ListenAddress,
			Handler:      router,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
	}
	s.registerRoutes(deps, logger, metrics)
	s.health = &http.Server{
		Addr:    config.HealthAddress,
		Handler: healthMux(deps),
	}
	return s, nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler { return s.router }

// registerRoutes mounts the /api/v1 surface.
func (s *Server) registerRoutes(deps Deps, logger observability.Logger, metrics observability.MetricsClient) {
	kb := newKnowledgeHandler(deps, logger, metrics)
	vc := newVoiceHandler(deps, s.config.HeartbeatInterval, logger, metrics)
	info := newInfoHandler()

	s.router.GET("/info", info.handleInfo)
	s.router.GET("/openapi.json", info.handleOpenAPI)

	// Legacy unversioned paths moved under /api/v1.
	s.router.POST("/kb/search", redirectTo("/api/v1/kb/search"))
	s.router.POST("/voice/session", redirectTo("/api/v1/voice/session"))

	v1 := s.router.Group("/api/v1")
	v1.GET("/info", info.handleInfo)

	kbGroup := v1.Group("/kb")
	kbGroup.GET("/health", kb.handleHealth)
	{
		authed := kbGroup.Group("")
		authed.Use(deps.Resolver.Resolve(true))
		if deps.Limits.Search != nil {
			authed.Use(ratelimit.Middleware(deps.Limits.Search, ratelimit.ByTenant(), ratelimit.Options{}))
		}
		authed.POST("/search",
			middleware.BodyLimit(s.config.MaxBodyBytes),
			middleware.RequireJSON(),
			kb.handleSearch)
		authed.GET("/status", kb.handleStatus)
		authed.GET("/stats", kb.handleStats)

		crawl := authed.Group("")
		if deps.Limits.Crawl != nil {
			crawl.Use(ratelimit.Middleware(deps.Limits.Crawl, ratelimit.ByTenant(), ratelimit.Options{}))
		}
		crawl.POST("/reindex",
			middleware.BodyLimit(s.config.MaxBodyBytes),
			middleware.RequireJSON(),
			requireRole("owner", "admin"),
			kb.handleReindex)
		crawl.DELETE("/reindex/:jobId", requireRole("owner", "admin"), kb.handleCancelReindex)
	}

	voiceGroup := v1.Group("/voice")
	voiceGroup.GET("/health", vc.handleHealth)
	{
		authed := voiceGroup.Group("")
		authed.Use(deps.Resolver.Resolve(true))
		if deps.Limits.Voice != nil {
			authed.Use(ratelimit.Middleware(deps.Limits.Voice, ratelimit.ByTenant(), ratelimit.Options{}))
		}
		authed.POST("/session",
			middleware.BodyLimit(s.config.MaxBodyBytes),
			middleware.RequireJSON(),
			vc.handleCreateSession)
		authed.GET("/session/:sessionId", vc.handleGetSession)
		authed.DELETE("/session/:sessionId", vc.handleEndSession)
		authed.POST("/session/:sessionId/heartbeat", vc.handleHeartbeat)
		authed.GET("/stream", vc.handleStream)
		authed.POST("/stream",
			middleware.BodyLimit(s.config.MaxBodyBytes),
			middleware.RequireJSON(),
			vc.handleInput)
	}
}

// Start runs both listeners until either fails or the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errs := make(chan error, 2)
	go func() {
		s.logger.Info("api listener starting", map[string]interface{}{"address": s.api.Addr})
		if err := s.api.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()
	go func() {
		s.logger.Info("health listener starting", map[string]interface{}{"address": s.health.Addr})
		if err := s.health.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown drains both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	apiErr := s.api.Shutdown(ctx)
	healthErr := s.health.Shutdown(ctx)
	if apiErr != nil {
		return apiErr
	}
	return healthErr
}

// healthMux serves the probe endpoints on the side listener.
func healthMux(deps Deps) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if deps.Readiness != nil && !deps.Readiness(r.Context()) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"not ready"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	if deps.Registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// redirectTo answers 301 with the new location for legacy paths.
func redirectTo(location string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, location)
	}
}

// requestLogger emits one structured line per request and feeds the latency
// histogram.
func requestLogger(logger observability.Logger, metrics observability.MetricsClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		status := c.Writer.Status()
		fields := map[string]interface{}{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  status,
			"took_ms": elapsed.Milliseconds(),
		}
		if id := c.Writer.Header().Get("X-Correlation-ID"); id != "" {
			fields["correlation_id"] = id
		}
		if tenantID := c.GetString("tenant_id"); tenantID != "" {
			fields["tenant_id"] = tenantID
		}
		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("request failed", fields)
		case status >= http.StatusBadRequest:
			logger.Warn("request rejected", fields)
		default:
			logger.Debug("request served", fields)
		}
		metrics.RecordHistogram("http_request_duration_seconds", elapsed.Seconds(), map[string]string{
			"method": c.Request.Method,
			"route":  c.FullPath(),
		})
	}
}
