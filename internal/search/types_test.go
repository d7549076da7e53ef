package search

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Defaults(t *testing.T) {
	req := Request{TenantID: uuid.New(), SiteID: uuid.New(), Query: "  shipping rates  "}
	require.NoError(t, req.validate(100))

	assert.Equal(t, "shipping rates", req.Query)
	assert.Equal(t, 10, req.TopK)
	assert.Equal(t, DefaultStrategies, req.Strategies)
	assert.Equal(t, 1.0, req.VectorWeight)
}

func TestValidate_NormalizesStrategies(t *testing.T) {
	req := Request{
		TenantID:   uuid.New(),
		SiteID:     uuid.New(),
		Query:      "cat",
		Strategies: []string{" Vector ", "FULLTEXT", "vector", "bm25"},
	}
	require.NoError(t, req.validate(100))
	assert.Equal(t, []string{StrategyVector, StrategyFullText, StrategyBM25}, req.Strategies)
}

func TestQueryTokens(t *testing.T) {
	assert.Equal(t, []string{"shipping", "rates", "2024"}, queryTokens("Shipping, rates? 2024!"))
	assert.Empty(t, queryTokens("  ...  "))
}

func TestSnippet(t *testing.T) {
	t.Run("short content passes through", func(t *testing.T) {
		assert.Equal(t, "the cat sat", snippet("the cat sat", []string{"cat"}, 200))
	})

	t.Run("window centers on the first token match", func(t *testing.T) {
		content := strings.Repeat("x", 300) + " delivery options " + strings.Repeat("y", 300)
		out := snippet(content, []string{"delivery"}, 60)
		assert.Contains(t, out, "delivery")
		assert.True(t, strings.HasPrefix(out, "…"))
		assert.True(t, strings.HasSuffix(out, "…"))
		assert.LessOrEqual(t, len([]rune(out)), 62)
	})

	t.Run("no token match starts at the beginning", func(t *testing.T) {
		content := strings.Repeat("a", 500)
		out := snippet(content, []string{"zzz"}, 100)
		assert.False(t, strings.HasPrefix(out, "…"))
		assert.True(t, strings.HasSuffix(out, "…"))
	})

	t.Run("multi-byte runes never split", func(t *testing.T) {
		content := strings.Repeat("ü", 300)
		out := snippet(content, nil, 50)
		trimmed := strings.TrimSuffix(out, "…")
		assert.Equal(t, 50, len([]rune(trimmed)))
		for _, r := range trimmed {
			assert.Equal(t, 'ü', r)
		}
	})
}
