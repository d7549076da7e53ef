package ratelimit

import (
	"github.com/gin-gonic/gin"
)

// KeyFunc derives the limiter key for a request.
type KeyFunc func(c *gin.Context) string

// ByIP keys on the client address.
func ByIP() KeyFunc {
	return func(c *gin.Context) string {
		return "ip:" + c.ClientIP()
	}
}

// ByUser keys on the authenticated principal, falling back to the client
// IP for anonymous traffic.
func ByUser() KeyFunc {
	return func(c *gin.Context) string {
		if user := c.GetString("user_id"); user != "" {
			return "user:" + user
		}
		return "ip:" + c.ClientIP()
	}
}

// ByTenant keys on the resolved tenant, falling back to the client IP.
func ByTenant() KeyFunc {
	return func(c *gin.Context) string {
		if tenant := c.GetString("tenant_id"); tenant != "" {
			return "tenant:" + tenant
		}
		return "ip:" + c.ClientIP()
	}
}

// ByUserEndpoint scopes the user key by route template, so one hot
// endpoint cannot starve the rest of the API.
func ByUserEndpoint() KeyFunc {
	user := ByUser()
	return func(c *gin.Context) string {
		return user(c) + ":" + c.FullPath()
	}
}

// ByTenantEndpoint scopes the tenant key by route template.
func ByTenantEndpoint() KeyFunc {
	tenant := ByTenant()
	return func(c *gin.Context) string {
		return tenant(c) + ":" + c.FullPath()
	}
}
