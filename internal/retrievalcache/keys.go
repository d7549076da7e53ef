package retrievalcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// KeyParams are the request facets that determine retrieval cache identity.
// Two requests share a cache entry only when every facet matches.
type KeyParams struct {
	TenantID     uuid.UUID
	Locale       string
	Model        string
	K            int
	Embedding    []float32
	FilterDigest string
	VectorWeight float64
}

// Key derives the deterministic cache key for the request facets. The tenant
// id rides along in a Redis hash tag so cluster deployments keep a tenant's
// entries on one slot and tenant-scoped clears stay cheap.
func (c *Cache) Key(p KeyParams) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d\x00%s\x00%s\x00%.4f",
		p.TenantID.String(),
		strings.ToLower(p.Locale),
		p.Model,
		p.K,
		EmbeddingHash(p.Embedding),
		p.FilterDigest,
		p.VectorWeight,
	)
	return fmt.Sprintf("%s:{%s}:q:%s", c.config.Prefix, p.TenantID.String(), hex.EncodeToString(h.Sum(nil)))
}

// EmbeddingHash fingerprints a query embedding. Components are rounded to
// six decimals first so numerically equivalent vectors from repeated
// embedding calls hash identically.
func EmbeddingHash(vec []float32) string {
	h := sha256.New()
	for _, v := range vec {
		fmt.Fprintf(h, "%.6f;", v)
	}
	return hex.EncodeToString(h.Sum(nil))
}
