package api

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sitespeak/sitespeak/internal/problem"
)

// requireRole lets a request through only when a verified bearer token has
// set one of the allowed roles. No principal at all is 401; a principal in
// the wrong role is 403.
func requireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(roles))
	for _, role := range roles {
		allowed[strings.ToLower(role)] = true
	}
	return func(c *gin.Context) {
		role := c.GetString("user_role")
		if role == "" {
			problem.Render(c, problem.New(problem.KindUnauthorized, "this operation requires an authenticated user"))
			return
		}
		if !allowed[strings.ToLower(role)] {
			problem.Render(c, problem.Newf(problem.KindForbidden, "role %q may not perform this operation", role))
			return
		}
		c.Next()
	}
}
