package observability

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsClient defines the interface for metrics collection
type MetricsClient interface {
	// Core recording methods
	RecordCounter(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)
	RecordTimer(name string, duration time.Duration, labels map[string]string)

	// Operation-specific helpers
	RecordCacheOperation(operation string, success bool, durationSeconds float64)
	RecordDatabaseOperation(operation string, success bool, durationSeconds float64)

	// Convenience methods
	IncrementCounter(name string, value float64)
	IncrementCounterWithLabels(name string, value float64, labels map[string]string)
	StartTimer(name string, labels map[string]string) func()

	// Lifecycle management
	Close() error
}

// PrometheusMetrics implements MetricsClient backed by a dedicated
// Prometheus registry. Collectors are created lazily on first use; the
// label schema of a metric is fixed by its first recording.
type PrometheusMetrics struct {
	namespace string
	registry  *prometheus.Registry

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	mu sync.RWMutex
}

// NewPrometheusMetrics creates a metrics client with its own registry
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	return &PrometheusMetrics{
		namespace:  namespace,
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry exposes the underlying registry for the metrics HTTP handler
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordCounter adds value to the named counter
func (m *PrometheusMetrics) RecordCounter(name string, value float64, labels map[string]string) {
	vec := m.getOrCreateCounter(name, labelKeys(labels))
	vec.With(prometheus.Labels(labels)).Add(value)
}

// RecordGauge sets the named gauge
func (m *PrometheusMetrics) RecordGauge(name string, value float64, labels map[string]string) {
	vec := m.getOrCreateGauge(name, labelKeys(labels))
	vec.With(prometheus.Labels(labels)).Set(value)
}

// RecordHistogram observes value on the named histogram
func (m *PrometheusMetrics) RecordHistogram(name string, value float64, labels map[string]string) {
	vec := m.getOrCreateHistogram(name, labelKeys(labels))
	vec.With(prometheus.Labels(labels)).Observe(value)
}

// RecordTimer observes a duration in seconds on the named histogram
func (m *PrometheusMetrics) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	m.RecordHistogram(name, duration.Seconds(), labels)
}

// RecordCacheOperation records a cache operation outcome and duration
func (m *PrometheusMetrics) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.RecordCounter("cache_operations_total", 1, map[string]string{"operation": operation, "result": result})
	m.RecordHistogram("cache_operation_duration_seconds", durationSeconds, map[string]string{"operation": operation})
}

// RecordDatabaseOperation records a database operation outcome and duration
func (m *PrometheusMetrics) RecordDatabaseOperation(operation string, success bool, durationSeconds float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.RecordCounter("database_operations_total", 1, map[string]string{"operation": operation, "result": result})
	m.RecordHistogram("database_operation_duration_seconds", durationSeconds, map[string]string{"operation": operation})
}

// IncrementCounter adds value to the named counter without labels
func (m *PrometheusMetrics) IncrementCounter(name string, value float64) {
	m.RecordCounter(name, value, nil)
}

// IncrementCounterWithLabels adds value to the named counter with labels
func (m *PrometheusMetrics) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	m.RecordCounter(name, value, labels)
}

// StartTimer returns a function that records the elapsed time when called
func (m *PrometheusMetrics) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		m.RecordTimer(name, time.Since(start), labels)
	}
}

// Close releases resources held by the client
func (m *PrometheusMetrics) Close() error {
	return nil
}

func (m *PrometheusMetrics) getOrCreateCounter(name string, labelNames []string) *prometheus.CounterVec {
	m.mu.RLock()
	vec, ok := m.counters[name]
	m.mu.RUnlock()
	if ok {
		return vec
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if vec, ok = m.counters[name]; ok {
		return vec
	}
	vec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      name,
	}, labelNames)
	m.registry.MustRegister(vec)
	m.counters[name] = vec
	return vec
}

func (m *PrometheusMetrics) getOrCreateGauge(name string, labelNames []string) *prometheus.GaugeVec {
	m.mu.RLock()
	vec, ok := m.gauges[name]
	m.mu.RUnlock()
	if ok {
		return vec
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if vec, ok = m.gauges[name]; ok {
		return vec
	}
	vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      name,
	}, labelNames)
	m.registry.MustRegister(vec)
	m.gauges[name] = vec
	return vec
}

func (m *PrometheusMetrics) getOrCreateHistogram(name string, labelNames []string) *prometheus.HistogramVec {
	m.mu.RLock()
	vec, ok := m.histograms[name]
	m.mu.RUnlock()
	if ok {
		return vec
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if vec, ok = m.histograms[name]; ok {
		return vec
	}
	vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      name,
		Buckets:   prometheus.DefBuckets,
	}, labelNames)
	m.registry.MustRegister(vec)
	m.histograms[name] = vec
	return vec
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NoopMetrics discards all recordings
type NoopMetrics struct{}

// NewNoopMetrics creates a metrics client that discards everything
func NewNoopMetrics() MetricsClient {
	return &NoopMetrics{}
}

func (m *NoopMetrics) RecordCounter(name string, value float64, labels map[string]string)       {}
func (m *NoopMetrics) RecordGauge(name string, value float64, labels map[string]string)         {}
func (m *NoopMetrics) RecordHistogram(name string, value float64, labels map[string]string)     {}
func (m *NoopMetrics) RecordTimer(name string, d time.Duration, labels map[string]string)       {}
func (m *NoopMetrics) RecordCacheOperation(operation string, success bool, duration float64)    {}
func (m *NoopMetrics) RecordDatabaseOperation(operation string, success bool, duration float64) {}
func (m *NoopMetrics) IncrementCounter(name string, value float64)                              {}
func (m *NoopMetrics) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}
func (m *NoopMetrics) StartTimer(name string, labels map[string]string) func() { return func() {} }
func (m *NoopMetrics) Close() error                                            { return nil }
