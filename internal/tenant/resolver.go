package tenant

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sitespeak/sitespeak/internal/problem"
	"github.com/sitespeak/sitespeak/pkg/observability"
)

// Subdomain labels that can never name a tenant.
var reservedSubdomains = map[string]bool{
	"www":   true,
	"api":   true,
	"admin": true,
	"app":   true,
}

// Config tunes the resolver.
type Config struct {
	// JWTSecret verifies bearer tokens for the tenantId claim. Empty
	// disables the bearer source.
	JWTSecret string `mapstructure:"jwt_secret"`
}

// Resolver extracts the tenant id from incoming requests.
type Resolver struct {
	secret []byte
	logger observability.Logger
}

// NewResolver creates a resolver. A nil logger falls back to a noop.
func NewResolver(config Config, logger observability.Logger) *Resolver {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Resolver{
		secret: []byte(config.JWTSecret),
		logger: logger.WithPrefix("tenant"),
	}
}

// tokenClaims carries the tenant and role claims alongside the registered set.
type tokenClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenantId"`
	Role     string `json:"role"`
}

// Resolve returns middleware that resolves the tenant in precedence order:
// verified bearer claim, X-Tenant-Id header, route param, query param,
// subdomain label. The id must be a version 4 UUID. When required is false
// an absent tenant yields the Anonymous context instead of an error.
// Verified bearer tokens additionally populate the user_id and user_role
// keys for downstream authorization checks.
func (r *Resolver) Resolve(required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, source := r.extract(c)
		if raw == "" {
			if required {
				problem.Render(c, problem.New(problem.KindMissingTenantID, "no tenant id in token, header, params, or host"))
				return
			}
			c.Request = c.Request.WithContext(WithTenant(c.Request.Context(), Anonymous))
			c.Next()
			return
		}

		id, err := Parse(raw)
		if err != nil {
			r.logger.Warn("tenant id rejected", map[string]interface{}{
				"source": source,
				"path":   c.Request.URL.Path,
			})
			problem.Render(c, err)
			return
		}

		c.Set("tenant_id", id.String())
		c.Request = c.Request.WithContext(WithTenant(c.Request.Context(), id))
		c.Next()
	}
}

// extract walks the precedence chain and returns the first raw candidate
// plus its source name for logging.
func (r *Resolver) extract(c *gin.Context) (string, string) {
	if claims := r.fromBearer(c); claims != nil {
		if claims.Subject != "" {
			c.Set("user_id", claims.Subject)
		}
		if claims.Role != "" {
			c.Set("user_role", claims.Role)
		}
		if claims.TenantID != "" {
			return claims.TenantID, "bearer"
		}
	}
	if header := c.GetHeader("X-Tenant-Id"); header != "" {
		return header, "header"
	}
	if param := c.Param("tenantId"); param != "" {
		return param, "route"
	}
	if query := c.Query("tenantId"); query != "" {
		return query, "query"
	}
	if label := fromSubdomain(c.Request.Host); label != "" {
		return label, "subdomain"
	}
	return "", ""
}

// fromBearer returns the claims of a verified bearer token. Unverifiable
// tokens yield nothing; authentication is a separate concern.
func (r *Resolver) fromBearer(c *gin.Context) *tokenClaims {
	if len(r.secret) == 0 {
		return nil
	}
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil
	}

	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(strings.TrimPrefix(header, "Bearer "), claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil || !token.Valid {
		return nil
	}
	return claims
}

// fromSubdomain returns the first host label when it can name a tenant:
// the host must have a subdomain, the label must not be reserved, and it
// must already look like a UUID. Everything else is treated as absent so
// apex-domain traffic can still resolve anonymously.
func fromSubdomain(host string) string {
	host = strings.ToLower(host)
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	labels := strings.Split(host, ".")
	if len(labels) < 3 {
		return ""
	}
	label := labels[0]
	if reservedSubdomains[label] {
		return ""
	}
	if _, err := uuid.Parse(label); err != nil {
		return ""
	}
	return label
}
