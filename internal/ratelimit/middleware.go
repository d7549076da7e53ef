package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sitespeak/sitespeak/internal/problem"
)

// Options tunes the middleware around a limiter.
type Options struct {
	// SkipSuccessful refunds the request slot when the handler answers 2xx,
	// so only failures count against the window.
	SkipSuccessful bool `mapstructure:"skip_successful"`
	// SkipFailed refunds the slot on 4xx/5xx responses instead.
	SkipFailed bool `mapstructure:"skip_failed"`
}

// Middleware enforces a limiter keyed by key and annotates every response
// with RateLimit-* headers plus the legacy X-RateLimit-* mirrors.
func Middleware(limiter Limiter, key KeyFunc, opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		k := key(c)
		decision := limiter.Allow(c.Request.Context(), k)
		writeHeaders(c, limiter, decision)

		if !decision.Allowed {
			retry := ceilSeconds(decision.RetryAfter)
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			problem.Render(c, problem.New(problem.KindRateLimited, "rate limit exceeded for this window"))
			return
		}

		c.Next()

		status := c.Writer.Status()
		refund := (opts.SkipSuccessful && status >= 200 && status < 300) ||
			(opts.SkipFailed && status >= http.StatusBadRequest)
		if refund && !decision.FailedOpen {
			limiter.Refund(c.Request.Context(), k)
		}
	}
}

func writeHeaders(c *gin.Context, limiter Limiter, d Decision) {
	if d.FailedOpen {
		return
	}
	limit := strconv.Itoa(d.Limit)
	remaining := strconv.Itoa(d.Remaining)
	reset := strconv.Itoa(ceilSeconds(d.Reset))

	c.Header("RateLimit-Limit", limit)
	c.Header("RateLimit-Remaining", remaining)
	c.Header("RateLimit-Reset", reset)
	c.Header("RateLimit-Policy", limiter.Policy())
	c.Header("X-RateLimit-Limit", limit)
	c.Header("X-RateLimit-Remaining", remaining)
	c.Header("X-RateLimit-Reset", reset)
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
