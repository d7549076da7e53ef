// Package ratelimit admits or rejects requests per key using a sliding
// window or a token bucket over a pluggable store. Store failures never
// reject traffic: the limiter logs, counts the event, and fails open.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sitespeak/sitespeak/pkg/observability"
)

// Decision is one admission outcome plus the header state that travels
// with it.
type Decision struct {
	Allowed    bool
	FailedOpen bool
	Limit      int
	Remaining  int
	Reset      time.Duration
	RetryAfter time.Duration
}

// Limiter admits or rejects one request for a key.
type Limiter interface {
	Allow(ctx context.Context, key string) Decision
	Refund(ctx context.Context, key string)
	Policy() string
}

// SlidingWindow admits up to max requests per rolling window. The admission
// check and timestamp insert run atomically in the store.
type SlidingWindow struct {
	store   Store
	max     int
	window  time.Duration
	logger  observability.Logger
	metrics observability.MetricsClient
	now     func() time.Time
}

// NewSlidingWindow clamps max to at least 1 and window to at least a
// minute when unset.
func NewSlidingWindow(store Store, max int, window time.Duration, logger observability.Logger, metrics observability.MetricsClient) *SlidingWindow {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	return &SlidingWindow{
		store:   store,
		max:     max,
		window:  window,
		logger:  logger.WithPrefix("ratelimit"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Allow runs one admission check.
func (l *SlidingWindow) Allow(ctx context.Context, key string) Decision {
	now := l.now()
	res, err := l.store.Window(ctx, key, now, l.window, l.max)
	if err != nil {
		return failOpen(l.logger, l.metrics, "sliding_window", key, l.max, err)
	}

	remaining := l.max - res.Count
	if remaining < 0 {
		remaining = 0
	}
	var reset time.Duration
	if !res.Oldest.IsZero() {
		reset = res.Oldest.Add(l.window).Sub(now)
		if reset < 0 {
			reset = 0
		}
	}

	decision := Decision{Allowed: res.Allowed, Limit: l.max, Remaining: remaining, Reset: reset}
	if !res.Allowed {
		decision.RetryAfter = reset
		l.metrics.IncrementCounterWithLabels("rate_limit_rejections_total", 1, map[string]string{
			"strategy": "sliding_window",
		})
	}
	return decision
}

// Refund forgets the most recent admission for the key. Underflow is a
// no-op.
func (l *SlidingWindow) Refund(ctx context.Context, key string) {
	if err := l.store.ForgetNewest(ctx, key); err != nil {
		l.logger.Warn("rate limit refund failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

// Policy renders the IETF RateLimit-Policy value.
func (l *SlidingWindow) Policy() string {
	return fmt.Sprintf("%d;w=%d", l.max, int(l.window/time.Second))
}

// TokenBucket admits whenever a token is available, refilling at
// refillPerSec up to burst.
type TokenBucket struct {
	store        Store
	refillPerSec float64
	burst        float64
	logger       observability.Logger
	metrics      observability.MetricsClient
	now          func() time.Time
}

// NewTokenBucket clamps refill to at least 1 token/second and burst to at
// least 1 when unset.
func NewTokenBucket(store Store, refillPerSec, burst float64, logger observability.Logger, metrics observability.MetricsClient) *TokenBucket {
	if refillPerSec <= 0 {
		refillPerSec = 1
	}
	if burst < 1 {
		burst = 1
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	return &TokenBucket{
		store:        store,
		refillPerSec: refillPerSec,
		burst:        burst,
		logger:       logger.WithPrefix("ratelimit"),
		metrics:      metrics,
		now:          time.Now,
	}
}

// Allow takes one token when available.
func (l *TokenBucket) Allow(ctx context.Context, key string) Decision {
	res, err := l.store.Bucket(ctx, key, l.now(), l.refillPerSec, l.burst)
	if err != nil {
		return failOpen(l.logger, l.metrics, "token_bucket", key, int(l.burst), err)
	}

	decision := Decision{
		Allowed:   res.Allowed,
		Limit:     int(l.burst),
		Remaining: int(res.Tokens),
		Reset:     time.Duration((l.burst - res.Tokens) / l.refillPerSec * float64(time.Second)),
	}
	if !res.Allowed {
		need := 1 - res.Tokens
		if need < 0 {
			need = 0
		}
		decision.RetryAfter = time.Duration(need / l.refillPerSec * float64(time.Second))
		l.metrics.IncrementCounterWithLabels("rate_limit_rejections_total", 1, map[string]string{
			"strategy": "token_bucket",
		})
	}
	return decision
}

// Refund returns one token, capped at burst.
func (l *TokenBucket) Refund(ctx context.Context, key string) {
	if err := l.store.CreditToken(ctx, key, l.burst); err != nil {
		l.logger.Warn("rate limit refund failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

// Policy renders the IETF RateLimit-Policy value; the window is the time
// a drained bucket needs to refill completely.
func (l *TokenBucket) Policy() string {
	return fmt.Sprintf("%d;w=%d", int(l.burst), int(math.Ceil(l.burst/l.refillPerSec)))
}

func failOpen(logger observability.Logger, metrics observability.MetricsClient, strategy, key string, limit int, err error) Decision {
	logger.Warn("rate limit store unavailable, failing open", map[string]interface{}{
		"strategy": strategy,
		"key":      key,
		"error":    err.Error(),
	})
	metrics.IncrementCounterWithLabels("rate_limit_fail_open_total", 1, map[string]string{
		"strategy": strategy,
	})
	return Decision{Allowed: true, FailedOpen: true, Limit: limit, Remaining: limit}
}
