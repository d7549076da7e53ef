package search

import (
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/sitespeak/sitespeak/internal/models"
	"github.com/sitespeak/sitespeak/internal/problem"
)

// Strategy names accepted in a search request
const (
	StrategyVector     = "vector"
	StrategyFullText   = "fulltext"
	StrategyBM25       = "bm25"
	StrategyStructured = "structured"
)

// DefaultStrategies is the strategy set used when a request names none
var DefaultStrategies = []string{StrategyVector, StrategyFullText}

var knownStrategies = map[string]bool{
	StrategyVector:     true,
	StrategyFullText:   true,
	StrategyBM25:       true,
	StrategyStructured: true,
}

// Request is a validated retrieval request. TenantID always comes from the
// authenticated request context, never from the client payload.
type Request struct {
	TenantID   uuid.UUID
	SiteID     uuid.UUID
	Query      string
	TopK       int
	Locale     string
	Strategies []string
	Filters    models.Filters
	MinScore   float64

	// VectorWeight is the vector system's fusion weight; the remaining
	// systems keep weight 1. Zero means the default.
	VectorWeight float64

	// NoCache bypasses the retrieval cache for this request
	NoCache bool
}

// Result is one fused retrieval hit
type Result struct {
	ID               uuid.UUID          `json:"id"`
	DocumentID       uuid.UUID          `json:"documentId"`
	ChunkIndex       int                `json:"chunkIndex"`
	URL              string             `json:"url"`
	Title            string             `json:"title"`
	Snippet          string             `json:"snippet"`
	Score            float64            `json:"score"`
	RRFScore         float64            `json:"rrfScore"`
	SystemScores     map[string]float64 `json:"systemScores,omitempty"`
	SystemRanks      map[string]int     `json:"systemRanks,omitempty"`
	AppearsInSystems int                `json:"appearsInSystems"`
	ConsensusRatio   float64            `json:"consensusRatio"`
}

// Meta describes how the response was produced
type Meta struct {
	Query         string            `json:"query"`
	TopK          int               `json:"topK"`
	Locale        string            `json:"locale,omitempty"`
	Strategies    []string          `json:"strategies"`
	Fusion        string            `json:"fusion"`
	Degraded      bool              `json:"degraded"`
	FailedSystems map[string]string `json:"failedSystems,omitempty"`
	Cache         string            `json:"cache"`
	TookMS        int64             `json:"tookMs"`
	Total         int               `json:"total"`
}

// Response is the complete search answer
type Response struct {
	Results []Result `json:"results"`
	Meta    Meta     `json:"meta"`
}

// Cache outcome and fusion labels used in Meta
const (
	CacheMiss   = "miss"
	CacheFresh  = "fresh"
	CacheStale  = "stale"
	CacheBypass = "bypass"

	FusionApp = "rrf"
	FusionDB  = "rrf-db"
)

// validate normalizes the request in place and rejects inconsistent input
func (r *Request) validate(maxTopK int) error {
	if r.TenantID == uuid.Nil {
		return problem.New(problem.KindMissingTenantID, "search requires a tenant")
	}
	if r.SiteID == uuid.Nil {
		return problem.New(problem.KindValidationFailed, "siteId is required")
	}

	r.Query = strings.TrimSpace(r.Query)
	if r.Query == "" {
		return problem.New(problem.KindValidationFailed, "query must not be empty")
	}

	if r.TopK == 0 {
		r.TopK = 10
	}
	if r.TopK < 1 || r.TopK > maxTopK {
		return problem.Newf(problem.KindValidationFailed, "topK must be between 1 and %d", maxTopK)
	}

	if len(r.Strategies) == 0 {
		r.Strategies = append([]string(nil), DefaultStrategies...)
	}
	seen := make(map[string]bool, len(r.Strategies))
	deduped := r.Strategies[:0]
	for _, s := range r.Strategies {
		s = strings.ToLower(strings.TrimSpace(s))
		if !knownStrategies[s] {
			return problem.Newf(problem.KindValidationFailed, "unknown search strategy %q", s)
		}
		if !seen[s] {
			seen[s] = true
			deduped = append(deduped, s)
		}
	}
	r.Strategies = deduped

	if r.MinScore < 0 || r.MinScore > 1 {
		return problem.New(problem.KindValidationFailed, "minScore must be between 0 and 1")
	}
	if r.VectorWeight < 0 {
		return problem.New(problem.KindValidationFailed, "vector weight must not be negative")
	}
	if r.VectorWeight == 0 {
		r.VectorWeight = 1
	}
	return nil
}

// hasStrategy reports whether the validated request includes the strategy
func (r *Request) hasStrategy(name string) bool {
	for _, s := range r.Strategies {
		if s == name {
			return true
		}
	}
	return false
}

// queryTokens lowercases and splits the query on non-alphanumeric runes
func queryTokens(query string) []string {
	return strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// snippet extracts up to limit characters of content centered on the first
// occurrence of any query token. Truncated edges get ellipses. Operates on
// runes so multi-byte locales never split a character.
func snippet(content string, tokens []string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}

	lower := strings.ToLower(content)
	at := -1
	for _, token := range tokens {
		if idx := strings.Index(lower, token); idx >= 0 && (at == -1 || idx < at) {
			at = idx
		}
	}

	center := 0
	if at >= 0 {
		// Byte offset to rune offset for the window math.
		center = len([]rune(lower[:at]))
	}

	start := center - limit/2
	if start < 0 {
		start = 0
	}
	end := start + limit
	if end > len(runes) {
		end = len(runes)
		start = end - limit
	}

	out := string(runes[start:end])
	if start > 0 {
		out = "…" + out
	}
	if end < len(runes) {
		out = out + "…"
	}
	return out
}
