package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sitespeak/sitespeak/internal/locale"
	"github.com/sitespeak/sitespeak/internal/problem"
	"github.com/sitespeak/sitespeak/internal/tenant"
	"github.com/sitespeak/sitespeak/internal/voice"
	"github.com/sitespeak/sitespeak/pkg/observability"
)

// voiceHandler serves the /voice surface.
type voiceHandler struct {
	sessions   VoiceService
	negotiator *locale.Negotiator
	heartbeat  time.Duration
	logger     observability.Logger
	metrics    observability.MetricsClient
}

func newVoiceHandler(deps Deps, heartbeat time.Duration, logger observability.Logger, metrics observability.MetricsClient) *voiceHandler {
	return &voiceHandler{
		sessions:   deps.Voice,
		negotiator: deps.Negotiator,
		heartbeat:  heartbeat,
		logger:     logger.WithPrefix("voice"),
		metrics:    metrics,
	}
}

// createSessionRequest is the POST /voice/session body.
type createSessionRequest struct {
	// SiteID names the site this conversation is about
	SiteID string `json:"siteId"`
	// Locale overrides Accept-Language when it is a supported tag
	Locale string `json:"locale,omitempty"`
	// MaxDurationSeconds bounds the session lifetime; the registry clamps
	// it into its configured window
	MaxDurationSeconds int `json:"maxDuration,omitempty"`
	// AudioConfig describes the client's audio stream
	AudioConfig *voice.AudioConfig `json:"audioConfig,omitempty"`
}

// handleCreateSession opens a voice session and returns its stream endpoints.
func (h *voiceHandler) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		problem.Render(c, problem.Wrap(problem.KindValidationFailed, "malformed session request", err))
		return
	}

	tenantID, _ := tenant.FromContext(c.Request.Context())
	siteID, err := parseBodyUUID(req.SiteID, "siteId")
	if err != nil {
		problem.Render(c, err)
		return
	}

	sessionLocale := c.GetString("locale")
	if req.Locale != "" {
		sessionLocale = h.negotiator.Negotiate(c.GetHeader("Accept-Language"), req.Locale)
	}

	session, err := h.sessions.Create(c.Request.Context(), voice.CreateRequest{
		TenantID:    tenantID,
		SiteID:      siteID,
		UserID:      c.GetString("user_id"),
		Locale:      sessionLocale,
		MaxDuration: time.Duration(req.MaxDurationSeconds) * time.Second,
		AudioConfig: req.AudioConfig,
	})
	if err != nil {
		problem.Render(c, err)
		return
	}

	base := baseURL(c)
	streamPath := "/api/v1/voice/stream?sessionId=" + session.ID.String()
	expiresIn := int(time.Until(session.ExpiresAt).Round(time.Second) / time.Second)

	h.metrics.IncrementCounter("voice_sessions_created_total", 1)
	c.JSON(http.StatusCreated, gin.H{
		"sessionId": session.ID,
		"ttsLocale": session.Locale,
		"sttLocale": session.Locale,
		"expiresIn": expiresIn,
		"expiresAt": session.ExpiresAt,
		"endpoints": gin.H{
			"sse":       base + streamPath + "&format=sse",
			"websocket": wsScheme(base) + streamPath + "&format=ws",
		},
	})
}

// handleGetSession returns the session snapshot.
func (h *voiceHandler) handleGetSession(c *gin.Context) {
	tenantID, _ := tenant.FromContext(c.Request.Context())
	sessionID, err := uuid.Parse(c.Param("sessionId"))
	if err != nil {
		problem.Render(c, problem.New(problem.KindValidationFailed, "sessionId must be a UUID"))
		return
	}

	session, err := h.sessions.Get(c.Request.Context(), sessionID, tenantID)
	if err != nil {
		problem.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// handleEndSession ends the session and reports its final snapshot.
func (h *voiceHandler) handleEndSession(c *gin.Context) {
	tenantID, _ := tenant.FromContext(c.Request.Context())
	sessionID, err := uuid.Parse(c.Param("sessionId"))
	if err != nil {
		problem.Render(c, problem.New(problem.KindValidationFailed, "sessionId must be a UUID"))
		return
	}

	session, err := h.sessions.End(c.Request.Context(), sessionID, tenantID)
	if err != nil {
		problem.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId": session.ID,
		"status":    session.Status,
		"endedAt":   session.EndedAt,
	})
}

// handleHeartbeat refreshes the session's activity stamp.
func (h *voiceHandler) handleHeartbeat(c *gin.Context) {
	tenantID, _ := tenant.FromContext(c.Request.Context())
	sessionID, err := uuid.Parse(c.Param("sessionId"))
	if err != nil {
		problem.Render(c, problem.New(problem.KindValidationFailed, "sessionId must be a UUID"))
		return
	}

	session, err := h.sessions.Heartbeat(c.Request.Context(), sessionID, tenantID)
	if err != nil {
		problem.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId":    session.ID,
		"status":       session.Status,
		"lastActivity": session.LastActivity,
		"expiresAt":    session.ExpiresAt,
	})
}

// inputRequest is the POST /voice/stream body. Exactly one of Input and
// AudioData should be set; AudioData is base64 in the JSON encoding.
type inputRequest struct {
	SessionID string `json:"sessionId"`
	Input     string `json:"input,omitempty"`
	AudioData []byte `json:"audioData,omitempty"`
	InputType string `json:"inputType,omitempty"`
}

// handleInput routes one utterance into the session. With no provider
// attached the payload queues and the receipt says so.
func (h *voiceHandler) handleInput(c *gin.Context) {
	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		problem.Render(c, problem.Wrap(problem.KindValidationFailed, "malformed input request", err))
		return
	}

	tenantID, _ := tenant.FromContext(c.Request.Context())
	sessionID, err := parseBodyUUID(req.SessionID, "sessionId")
	if err != nil {
		problem.Render(c, err)
		return
	}

	input, err := buildInput(req.InputType, req.Input, req.AudioData)
	if err != nil {
		problem.Render(c, err)
		return
	}

	receipt, err := h.sessions.SendInput(c.Request.Context(), sessionID, tenantID, input)
	if err != nil {
		problem.Render(c, err)
		return
	}

	h.metrics.IncrementCounterWithLabels("voice_inputs_total", 1, map[string]string{
		"type":     string(input.Type),
		"delivery": string(receipt.Delivery),
	})
	c.JSON(http.StatusOK, receipt)
}

// handleStream serves the session's event stream as SSE, or upgrades to the
// websocket mirror when format=ws.
func (h *voiceHandler) handleStream(c *gin.Context) {
	tenantID, _ := tenant.FromContext(c.Request.Context())
	sessionID, err := uuid.Parse(c.Query("sessionId"))
	if err != nil {
		problem.Render(c, problem.New(problem.KindValidationFailed, "sessionId must be a UUID"))
		return
	}

	session, err := h.sessions.Get(c.Request.Context(), sessionID, tenantID)
	if err != nil {
		problem.Render(c, err)
		return
	}

	if strings.EqualFold(c.Query("format"), "ws") {
		h.streamWS(c, session)
		return
	}

	events, release, err := h.sessions.Watch(c.Request.Context(), sessionID, tenantID)
	if err != nil {
		problem.Render(c, err)
		return
	}
	defer release()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		problem.Render(c, problem.New(problem.KindInternal, "streaming unsupported by this connection"))
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	c.SSEvent("ready", gin.H{
		"sessionId": session.ID,
		"status":    session.Status,
		"expiresAt": session.ExpiresAt,
	})
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SSEvent("heartbeat", gin.H{"at": time.Now().UTC()})
			flusher.Flush()
		case event, open := <-events:
			if !open {
				return
			}
			c.SSEvent("state", event)
			flusher.Flush()
			if event.Status.Terminal() {
				return
			}
		}
	}
}

// handleHealth reports voice subsystem liveness without requiring a tenant.
func (h *voiceHandler) handleHealth(c *gin.Context) {
	report := h.sessions.Status(c.Request.Context())
	status := http.StatusOK
	overall := "healthy"
	if !report.Healthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":          overall,
		"activeSessions":  report.ActiveSessions,
		"sessionsStarted": report.SessionsStarted,
		"totalTurns":      report.TotalTurns,
		"totalErrors":     report.TotalErrors,
	})
}

// buildInput validates the input fields into a typed payload. The type is
// inferred when omitted and exactly one payload field must be present.
func buildInput(inputType, text string, audio []byte) (voice.Input, error) {
	if text != "" && len(audio) > 0 {
		return voice.Input{}, problem.New(problem.KindValidationFailed, "send either input or audioData, not both")
	}
	switch voice.InputType(strings.ToLower(inputType)) {
	case voice.InputText:
		if text == "" {
			return voice.Input{}, problem.New(problem.KindValidationFailed, "input is required for text payloads")
		}
		return voice.Input{Type: voice.InputText, Text: text}, nil
	case voice.InputAudio:
		if len(audio) == 0 {
			return voice.Input{}, problem.New(problem.KindValidationFailed, "audioData is required for audio payloads")
		}
		return voice.Input{Type: voice.InputAudio, Audio: audio}, nil
	case "":
		if text != "" {
			return voice.Input{Type: voice.InputText, Text: text}, nil
		}
		if len(audio) > 0 {
			return voice.Input{Type: voice.InputAudio, Audio: audio}, nil
		}
		return voice.Input{}, problem.New(problem.KindValidationFailed, "input or audioData is required")
	default:
		return voice.Input{}, problem.Newf(problem.KindValidationFailed, "unknown inputType %q", inputType)
	}
}

// baseURL reconstructs the externally visible origin, honoring forwarding
// proxies.
func baseURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	host := c.Request.Host
	if forwarded := c.GetHeader("X-Forwarded-Host"); forwarded != "" {
		host = forwarded
	}
	return scheme + "://" + host
}

// wsScheme swaps http(s) for ws(s) on an origin URL.
func wsScheme(base string) string {
	if strings.HasPrefix(base, "https://") {
		return "wss://" + strings.TrimPrefix(base, "https://")
	}
	return "ws://" + strings.TrimPrefix(base, "http://")
}
