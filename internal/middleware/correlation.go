// Package middleware carries the cross-cutting gin handlers shared by the
// HTTP surfaces: request correlation, locale negotiation, payload guards,
// and response hardening headers. Tenant resolution and rate limiting live
// with their components.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sitespeak/sitespeak/pkg/observability"
)

// CorrelationHeader carries the request correlation id in both directions.
const CorrelationHeader = "X-Correlation-ID"

// maxCorrelationIDLength bounds caller-supplied ids so headers and log
// fields stay sane.
const maxCorrelationIDLength = 128

// Correlation tags every request with a correlation id. An id supplied by
// the caller is kept unless it is oversized; otherwise one is minted. The
// id is mirrored onto the response header before handlers run so error
// renderers and access logs can read it back, and injected into the request
// context for downstream components.
func Correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationHeader)
		if id == "" || len(id) > maxCorrelationIDLength {
			id = uuid.NewString()
		}

		c.Header(CorrelationHeader, id)
		c.Set("correlation_id", id)
		c.Request = c.Request.WithContext(observability.WithCorrelationID(c.Request.Context(), id))
		c.Next()
	}
}
