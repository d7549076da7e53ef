package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/sitespeak/sitespeak/internal/problem"
	"github.com/sitespeak/sitespeak/internal/tenant"
	"github.com/sitespeak/sitespeak/internal/voice"
)

const (
	// wsPongWait is how long a silent peer stays connected; pings go out
	// often enough to refresh it.
	wsPongWait   = 60 * time.Second
	wsWriteWait  = 10 * time.Second
	wsReadLimit  = 1 << 20
	wsReplyQueue = 8
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin enforcement belongs to the fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClientMessage is one inbound frame on the voice socket.
type wsClientMessage struct {
	Type      string `json:"type"`
	Input     string `json:"input,omitempty"`
	AudioData []byte `json:"audioData,omitempty"`
	InputType string `json:"inputType,omitempty"`
}

// wsServerMessage is one outbound frame on the voice socket.
type wsServerMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// streamWS mirrors the SSE stream over a websocket and additionally accepts
// input and heartbeat frames from the client.
func (h *voiceHandler) streamWS(c *gin.Context, session *voice.Session) {
	tenantID, _ := tenant.FromContext(c.Request.Context())

	events, release, err := h.sessions.Watch(c.Request.Context(), session.ID, tenantID)
	if err != nil {
		problem.Render(c, err)
		return
	}
	defer release()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already answered the request.
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	replies := make(chan wsServerMessage, wsReplyQueue)
	done := make(chan struct{})
	go h.wsReadPump(c, conn, session, replies, done)

	if err := writeWS(conn, wsServerMessage{Type: "ready", Payload: gin.H{
		"sessionId": session.ID,
		"status":    session.Status,
		"expiresAt": session.ExpiresAt,
	}}); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteWait)
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return
			}
		case reply := <-replies:
			if err := writeWS(conn, reply); err != nil {
				return
			}
		case event, open := <-events:
			if !open {
				_ = writeWS(conn, wsServerMessage{Type: "closed"})
				return
			}
			if err := writeWS(conn, wsServerMessage{Type: "state", Payload: event}); err != nil {
				return
			}
			if event.Status.Terminal() {
				return
			}
		}
	}
}

// wsReadPump routes inbound frames until the peer hangs up. Replies go
// through the writer loop so only one goroutine touches the connection's
// write side.
func (h *voiceHandler) wsReadPump(c *gin.Context, conn *websocket.Conn, session *voice.Session, replies chan<- wsServerMessage, done chan<- struct{}) {
	defer close(done)
	tenantID, _ := tenant.FromContext(c.Request.Context())

	for {
		var msg wsClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "input":
			input, err := buildInput(msg.InputType, msg.Input, msg.AudioData)
			if err != nil {
				replies <- wsServerMessage{Type: "error", Payload: gin.H{"detail": err.Error()}}
				continue
			}
			receipt, err := h.sessions.SendInput(c.Request.Context(), session.ID, tenantID, input)
			if err != nil {
				replies <- wsServerMessage{Type: "error", Payload: gin.H{"detail": err.Error()}}
				continue
			}
			replies <- wsServerMessage{Type: "receipt", Payload: receipt}
		case "heartbeat":
			snap, err := h.sessions.Heartbeat(c.Request.Context(), session.ID, tenantID)
			if err != nil {
				replies <- wsServerMessage{Type: "error", Payload: gin.H{"detail": err.Error()}}
				continue
			}
			replies <- wsServerMessage{Type: "heartbeat", Payload: gin.H{
				"lastActivity": snap.LastActivity,
				"expiresAt":    snap.ExpiresAt,
			}}
		default:
			replies <- wsServerMessage{Type: "error", Payload: gin.H{"detail": "unknown message type"}}
		}
	}
}

func writeWS(conn *websocket.Conn, msg wsServerMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(msg)
}
