package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/sitespeak/sitespeak/internal/problem"
	"github.com/sitespeak/sitespeak/pkg/observability"
)

// HTTPConfig configures the OpenAI-compatible embeddings client
type HTTPConfig struct {
	Endpoint   string        `mapstructure:"endpoint"`
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	Dimensions int           `mapstructure:"dimensions"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// DefaultHTTPConfig returns production defaults for the OpenAI API
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Endpoint:   "https://api.openai.com/v1",
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
		Timeout:    30 * time.Second,
		MaxRetries: 3,
	}
}

// HTTPProvider calls an OpenAI-compatible embeddings endpoint. Transient
// failures retry with exponential backoff; a persistently failing endpoint
// trips the circuit breaker so upstream indexing degrades fast instead of
// piling up blocked workers.
type HTTPProvider struct {
	config     HTTPConfig
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     observability.Logger
	metrics    observability.MetricsClient
}

// NewHTTPProvider builds the client. logger and metrics must be non-nil.
func NewHTTPProvider(config HTTPConfig, logger observability.Logger, metrics observability.MetricsClient) (*HTTPProvider, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("embedding endpoint is required")
	}
	if config.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	if config.Dimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive, got %d", config.Dimensions)
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	log := logger.WithPrefix("embedding")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embedding-provider",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("Embedding circuit breaker state change", map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			})
		},
	})

	return &HTTPProvider{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		breaker:    breaker,
		logger:     log,
		metrics:    metrics,
	}, nil
}

// Model implements Provider
func (p *HTTPProvider) Model() string { return p.config.Model }

// Dimensions implements Provider
func (p *HTTPProvider) Dimensions() int { return p.config.Dimensions }

type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// Embed implements Provider. The batch must not exceed MaxBatchSize.
func (p *HTTPProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > MaxBatchSize {
		return nil, problem.Newf(problem.KindValidationFailed,
			"embedding batch of %d texts exceeds the maximum of %d", len(texts), MaxBatchSize)
	}

	start := time.Now()
	var vectors [][]float32

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	boWithRetries := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.config.MaxRetries)), ctx)

	err := backoff.Retry(func() error {
		result, execErr := p.breaker.Execute(func() (interface{}, error) {
			return p.call(ctx, texts)
		})
		if execErr != nil {
			if errors.Is(execErr, gobreaker.ErrOpenState) || errors.Is(execErr, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(problem.Wrap(problem.KindTransient, "embedding provider circuit open", execErr))
			}
			var perm *permanentCallError
			if errors.As(execErr, &perm) {
				return backoff.Permanent(perm.err)
			}
			return execErr
		}
		vectors = result.([][]float32)
		return nil
	}, boWithRetries)

	p.metrics.RecordTimer("embedding_request_duration_seconds", time.Since(start), map[string]string{
		"model": p.config.Model,
	})
	if err != nil {
		p.metrics.IncrementCounterWithLabels("embedding_requests_total", 1, map[string]string{
			"model": p.config.Model, "status": "error",
		})
		return nil, err
	}
	p.metrics.IncrementCounterWithLabels("embedding_requests_total", 1, map[string]string{
		"model": p.config.Model, "status": "ok",
	})
	return vectors, nil
}

// permanentCallError marks provider responses that retrying cannot fix
type permanentCallError struct {
	err error
}

func (e *permanentCallError) Error() string { return e.err.Error() }
func (e *permanentCallError) Unwrap() error { return e.err }

func (p *HTTPProvider) call(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Input: texts, Model: p.config.Model})
	if err != nil {
		return nil, &permanentCallError{err: fmt.Errorf("marshal embedding request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint+"/embeddings", bytes.NewBuffer(body))
	if err != nil {
		return nil, &permanentCallError{err: fmt.Errorf("create embedding request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send embedding request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, problem.Newf(problem.KindTransient,
			"embedding provider returned status %d", resp.StatusCode)
	default:
		return nil, &permanentCallError{err: problem.Newf(problem.KindInternal,
			"embedding provider rejected request with status %d", resp.StatusCode)}
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &permanentCallError{err: fmt.Errorf("decode embedding response: %w", err)}
	}
	if len(parsed.Data) != len(texts) {
		return nil, &permanentCallError{err: problem.Newf(problem.KindInternal,
			"embedding provider returned %d vectors for %d texts", len(parsed.Data), len(texts))}
	}

	// The API may return out of order; Index restores input order.
	sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })

	vectors := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		if len(d.Embedding) != p.config.Dimensions {
			return nil, &permanentCallError{err: problem.Newf(problem.KindDimensionMismatch,
				"model %s returned %d dimensions, expected %d", p.config.Model, len(d.Embedding), p.config.Dimensions)}
		}
		vectors[i] = d.Embedding
	}
	return vectors, nil
}
