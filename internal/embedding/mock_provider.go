package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"
)

// MockProvider is a deterministic in-process Provider. Texts registered
// through WithVector return their fixture vector; everything else gets a
// unit vector derived from the text hash, so equal texts always embed
// equally without any network dependency.
type MockProvider struct {
	mu         sync.RWMutex
	model      string
	dimensions int
	fixtures   map[string][]float32
	calls      [][]string
}

// MockOption configures a MockProvider
type MockOption func(*MockProvider)

// WithVector pins the vector returned for an exact text
func WithVector(text string, vector []float32) MockOption {
	return func(m *MockProvider) {
		m.fixtures[text] = vector
	}
}

// NewMockProvider creates a deterministic provider of the given width
func NewMockProvider(dimensions int, opts ...MockOption) *MockProvider {
	m := &MockProvider{
		model:      "mock-embedding",
		dimensions: dimensions,
		fixtures:   make(map[string][]float32),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Model implements Provider
func (m *MockProvider) Model() string { return m.model }

// Dimensions implements Provider
func (m *MockProvider) Dimensions() int { return m.dimensions }

// Embed implements Provider
func (m *MockProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.calls = append(m.calls, append([]string(nil), texts...))
	m.mu.Unlock()

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		m.mu.RLock()
		fixture, ok := m.fixtures[text]
		m.mu.RUnlock()
		if ok {
			vectors[i] = append([]float32(nil), fixture...)
			continue
		}
		vectors[i] = m.derive(text)
	}
	return vectors, nil
}

// Calls returns every batch the provider embedded, in call order
func (m *MockProvider) Calls() [][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// EmbeddedTexts flattens Calls into one slice
func (m *MockProvider) EmbeddedTexts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, batch := range m.calls {
		out = append(out, batch...)
	}
	return out
}

// Reset clears the recorded calls
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// derive expands the text hash into a normalized vector
func (m *MockProvider) derive(text string) []float32 {
	seed := sha256.Sum256([]byte(text))
	vec := make([]float32, m.dimensions)
	var norm float64
	for i := range vec {
		// Re-hash with the index so widths beyond 8 components stay distinct.
		var buf [40]byte
		copy(buf[:32], seed[:])
		binary.BigEndian.PutUint64(buf[32:], uint64(i))
		h := sha256.Sum256(buf[:])
		raw := binary.BigEndian.Uint32(h[:4])
		v := float64(raw)/float64(math.MaxUint32)*2 - 1
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}
