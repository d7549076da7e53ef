package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/sitespeak/sitespeak/internal/locale"
)

// LocaleHeader lets a caller pin the response locale for one user.
const LocaleHeader = "X-User-Locale"

// Locale negotiates the response locale for every request. The ?locale=
// query parameter wins, then the X-User-Locale header, then Accept-Language
// quality matching; unsupported candidates fall through to the negotiator's
// default. The result lands in the gin keys and the Content-Language
// response header.
func Locale(negotiator *locale.Negotiator) gin.HandlerFunc {
	return func(c *gin.Context) {
		override := c.Query("locale")
		if override == "" {
			override = c.GetHeader(LocaleHeader)
		}

		resolved := negotiator.Negotiate(c.GetHeader("Accept-Language"), override)
		c.Set("locale", resolved)
		c.Header("Content-Language", resolved)
		c.Next()
	}
}
