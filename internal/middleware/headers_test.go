package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newHeadersRouter(config SecurityHeadersConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(SecurityHeaders(config))
	handle := func(c *gin.Context) { c.String(http.StatusOK, "ok") }
	router.GET("/ping", handle)
	router.POST("/ping", handle)
	return router
}

func TestSecurityHeaders_Defaults(t *testing.T) {
	router := newHeadersRouter(DefaultSecurityHeadersConfig())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"), "no HSTS without TLS")
	assert.Empty(t, w.Header().Get("Cache-Control"), "reads stay cacheable")
}

func TestSecurityHeaders_MutationsAreNoStore(t *testing.T) {
	router := newHeadersRouter(DefaultSecurityHeadersConfig())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/ping", nil))

	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestSecurityHeaders_HSTSOverTLS(t *testing.T) {
	router := newHeadersRouter(DefaultSecurityHeadersConfig())

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.TLS = &tls.ConnectionState{}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "max-age=31536000; includeSubDomains", w.Header().Get("Strict-Transport-Security"))
}

func TestSecurityHeaders_DisabledPassesThrough(t *testing.T) {
	router := newHeadersRouter(SecurityHeadersConfig{Enabled: false})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	assert.Empty(t, w.Header().Get("X-Content-Type-Options"))
	assert.Empty(t, w.Header().Get("X-Frame-Options"))
}
