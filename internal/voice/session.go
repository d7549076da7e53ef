package voice

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	// Caps on per-session accounting so persisted snapshots stay small.
	maxErrorsKept    = 20
	maxLatencySample = 100
)

// AudioConfig describes the audio the client streams for this session.
type AudioConfig struct {
	SampleRate int    `json:"sampleRate"`
	Encoding   string `json:"encoding"`
	Channels   int    `json:"channels"`
}

// withDefaults fills unset fields with the values clients get when they
// send no audio configuration at all.
func (a AudioConfig) withDefaults() AudioConfig {
	if a.SampleRate == 0 {
		a.SampleRate = 16000
	}
	if a.Encoding == "" {
		a.Encoding = "pcm16"
	}
	if a.Channels == 0 {
		a.Channels = 1
	}
	return a
}

// SessionMetrics accumulates per-session counters and latency vectors.
// Errors and latency samples are capped; older samples are dropped first.
type SessionMetrics struct {
	TotalTurns        int                       `json:"totalTurns"`
	AvgResponseTimeMs float64                   `json:"avgResponseTimeMs"`
	Errors            []string                  `json:"errors,omitempty"`
	LatenciesMs       map[LatencyKind][]float64 `json:"latenciesMs,omitempty"`
}

func (m *SessionMetrics) recordTurn(responseTime time.Duration) {
	m.TotalTurns++
	ms := float64(responseTime) / float64(time.Millisecond)
	m.AvgResponseTimeMs += (ms - m.AvgResponseTimeMs) / float64(m.TotalTurns)
}

func (m *SessionMetrics) recordLatency(kind LatencyKind, d time.Duration) {
	if m.LatenciesMs == nil {
		m.LatenciesMs = make(map[LatencyKind][]float64)
	}
	samples := append(m.LatenciesMs[kind], float64(d)/float64(time.Millisecond))
	if len(samples) > maxLatencySample {
		samples = samples[len(samples)-maxLatencySample:]
	}
	m.LatenciesMs[kind] = samples
}

func (m *SessionMetrics) recordError(msg string) {
	m.Errors = append(m.Errors, msg)
	if len(m.Errors) > maxErrorsKept {
		m.Errors = m.Errors[len(m.Errors)-maxErrorsKept:]
	}
}

// Session is a point-in-time snapshot of one voice session. Registry
// operations return copies; mutating a snapshot has no effect.
type Session struct {
	ID           uuid.UUID      `json:"id"`
	TenantID     uuid.UUID      `json:"tenantId"`
	SiteID       uuid.UUID      `json:"siteId"`
	UserID       string         `json:"userId,omitempty"`
	Status       State          `json:"status"`
	Locale       string         `json:"locale"`
	AudioConfig  AudioConfig    `json:"audioConfig"`
	CreatedAt    time.Time      `json:"createdAt"`
	ExpiresAt    time.Time      `json:"expiresAt"`
	LastActivity time.Time      `json:"lastActivity"`
	EndedAt      *time.Time     `json:"endedAt,omitempty"`
	Metrics      SessionMetrics `json:"metrics"`
}

// OwnedBy reports the owning tenant for request-scope ownership checks.
func (s Session) OwnedBy() uuid.UUID { return s.TenantID }

// clone deep-copies the snapshot so callers never alias registry-owned
// metric slices.
func (s Session) clone() Session {
	out := s
	if s.EndedAt != nil {
		ended := *s.EndedAt
		out.EndedAt = &ended
	}
	if len(s.Metrics.Errors) > 0 {
		out.Metrics.Errors = append([]string(nil), s.Metrics.Errors...)
	}
	if len(s.Metrics.LatenciesMs) > 0 {
		latencies := make(map[LatencyKind][]float64, len(s.Metrics.LatenciesMs))
		for kind, samples := range s.Metrics.LatenciesMs {
			latencies[kind] = append([]float64(nil), samples...)
		}
		out.Metrics.LatenciesMs = latencies
	}
	return out
}

// CreateRequest carries the client-supplied parameters for a new session.
// MaxDuration is clamped into the registry's configured bounds.
type CreateRequest struct {
	TenantID    uuid.UUID
	SiteID      uuid.UUID
	UserID      string
	Locale      string
	MaxDuration time.Duration
	AudioConfig *AudioConfig
}

// InputType selects which payload field of an Input is meaningful.
type InputType string

const (
	InputText  InputType = "text"
	InputAudio InputType = "audio"
)

// Input is one client utterance handed to the session's provider.
type Input struct {
	Type  InputType
	Text  string
	Audio []byte
}

// Delivery reports how SendInput handled a payload.
type Delivery string

const (
	// DeliverySent means the payload reached the realtime provider.
	DeliverySent Delivery = "sent"
	// DeliveryQueued means no provider is attached yet; the payload waits
	// in order and is flushed by AttachProvider.
	DeliveryQueued Delivery = "queued"
)

// InputReceipt describes the outcome of one SendInput call.
type InputReceipt struct {
	SessionID uuid.UUID `json:"sessionId"`
	Delivery  Delivery  `json:"delivery"`
	Queued    int       `json:"queued"`
	Status    State     `json:"status"`
}

// RealtimeClient is the transport to the external realtime provider bound
// to one session. Implementations are not required to be safe for
// concurrent use; the registry serializes calls per session.
type RealtimeClient interface {
	SendText(ctx context.Context, text string) error
	SendAudio(ctx context.Context, audio []byte) error
	Close(ctx context.Context) error
}
