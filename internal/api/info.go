package api

import (
	_ "embed"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
)

// Build metadata, stamped at link time:
//
//	go build -ldflags "-X github.com/sitespeak/sitespeak/internal/api.Version=v1.4.0 ..."
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

//go:embed openapi.json
var openAPIDocument []byte

type infoHandler struct {
	started time.Time
}

func newInfoHandler() *infoHandler {
	return &infoHandler{started: time.Now()}
}

// handleInfo reports build and runtime metadata plus the API entry points.
func (h *infoHandler) handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":   "sitespeak",
		"version":   Version,
		"commit":    Commit,
		"buildDate": BuildDate,
		"goVersion": runtime.Version(),
		"uptime":    time.Since(h.started).Round(time.Second).String(),
		"links": gin.H{
			"openapi": "/openapi.json",
			"search":  "/api/v1/kb/search",
			"voice":   "/api/v1/voice/session",
		},
	})
}

// handleOpenAPI serves the embedded API description.
func (h *infoHandler) handleOpenAPI(c *gin.Context) {
	c.Data(http.StatusOK, "application/json", openAPIDocument)
}
