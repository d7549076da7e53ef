package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sitespeak/sitespeak/internal/problem"
)

// BodyLimit rejects requests whose declared length exceeds max bytes and
// caps chunked bodies at the same bound so a handler can never be made to
// buffer more.
func BodyLimit(max int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > max {
			problem.Render(c, problem.Newf(problem.KindPayloadTooLarge,
				"request body exceeds the %d byte limit", max))
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
		c.Next()
	}
}

// RequireJSON rejects mutating requests whose payload is not JSON. Requests
// without a body pass through untouched.
func RequireJSON() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
		default:
			c.Next()
			return
		}
		if c.Request.ContentLength == 0 {
			c.Next()
			return
		}

		ct := c.ContentType()
		if ct == "application/json" || strings.HasSuffix(ct, "+json") {
			c.Next()
			return
		}
		problem.Render(c, problem.Newf(problem.KindUnsupportedMedia,
			"content type %q is not supported, send application/json", ct))
	}
}
