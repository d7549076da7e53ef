// Package tenant resolves the tenant identity of a request and scopes
// downstream work to it. Every retrieval row, cache key, queue job and
// session carries the tenant id this package extracts.
package tenant

import (
	"context"

	"github.com/google/uuid"

	"github.com/sitespeak/sitespeak/internal/problem"
)

// contextKey is a private type so context values cannot collide
type contextKey string

const tenantKey contextKey = "tenant_id"

// Anonymous marks a request that carries no tenant identity. Optional
// resolution produces it instead of failing.
var Anonymous = uuid.Nil

// WithTenant attaches the tenant id to the context.
func WithTenant(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, tenantKey, id)
}

// FromContext returns the tenant id attached by WithTenant. Anonymous
// requests report the Anonymous sentinel with ok true.
func FromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(tenantKey).(uuid.UUID)
	return id, ok
}

// Parse gates a raw tenant id. Only version 4 UUIDs pass.
func Parse(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, problem.Wrap(problem.KindInvalidTenantID, "tenant id is not a UUID", err)
	}
	if id.Version() != 4 || id.Variant() != uuid.RFC4122 {
		return uuid.Nil, problem.Newf(problem.KindInvalidTenantID, "tenant id must be a version 4 UUID, got version %d", id.Version())
	}
	return id, nil
}

// Owned is any resource that records its owning tenant.
type Owned interface {
	OwnedBy() uuid.UUID
}

// CheckOwnership rejects resources that belong to a different tenant.
// Cross-tenant access reports Forbidden even when the resource id is known.
func CheckOwnership(tenantID uuid.UUID, obj Owned) error {
	if obj.OwnedBy() != tenantID {
		return problem.New(problem.KindForbidden, "resource belongs to another tenant")
	}
	return nil
}

// FilterOwned keeps only the items owned by the tenant.
func FilterOwned[T Owned](tenantID uuid.UUID, items []T) []T {
	owned := make([]T, 0, len(items))
	for _, item := range items {
		if item.OwnedBy() == tenantID {
			owned = append(owned, item)
		}
	}
	return owned
}

// ScopedFilter returns the SQL predicate every tenant-scoped query must
// carry. The fragment uses a ? placeholder; rebind for the driver in use.
func ScopedFilter(tenantID uuid.UUID) (string, interface{}) {
	return "tenant_id = ?", tenantID
}
