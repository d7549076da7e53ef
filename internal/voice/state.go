// Package voice maintains short-lived, tenant-scoped voice sessions routed
// to an external realtime provider. The registry owns session lifecycle and
// metric accounting; speech processing stays with the provider.
package voice

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a voice session.
type State string

const (
	StateInitializing State = "initializing"
	StateListening    State = "listening"
	StateProcessing   State = "processing"
	StateSpeaking     State = "speaking"
	StatePaused       State = "paused"
	StateEnded        State = "ended"
	StateError        State = "error"
)

// transitions is the full state machine. A session loops
// listening → processing → speaking → listening until it ends; paused is
// re-entered from listening only; ended and error accept no transitions.
var transitions = map[State][]State{
	StateInitializing: {StateListening, StateEnded, StateError},
	StateListening:    {StateProcessing, StatePaused, StateEnded, StateError},
	StateProcessing:   {StateSpeaking, StateEnded, StateError},
	StateSpeaking:     {StateListening, StateEnded, StateError},
	StatePaused:       {StateListening, StateEnded, StateError},
	StateEnded:        {},
	StateError:        {},
}

// Valid reports whether the state is one of the known kinds.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateError
}

// CanTransition reports whether the state machine allows from → to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Event is one state change observed on a session. Watchers receive it in
// transition order.
type Event struct {
	SessionID uuid.UUID `json:"sessionId"`
	Status    State     `json:"status"`
	At        time.Time `json:"at"`
}

// LatencyKind names the latency vectors tracked per session.
type LatencyKind string

const (
	LatencyFirstToken LatencyKind = "first_token"
	LatencyPartial    LatencyKind = "partial"
	LatencyBargeIn    LatencyKind = "barge_in"
)

// Valid reports whether the kind is one of the tracked vectors.
func (k LatencyKind) Valid() bool {
	switch k {
	case LatencyFirstToken, LatencyPartial, LatencyBargeIn:
		return true
	}
	return false
}
