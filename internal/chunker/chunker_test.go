package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitespeak/sitespeak/internal/models"
)

func testDoc() *models.Document {
	return &models.Document{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		SiteID:   uuid.New(),
		Locale:   "en-US",
	}
}

func wordsOfCount(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(words, " ")
}

func TestConfig_Clamping(t *testing.T) {
	tests := []struct {
		name        string
		in          Config
		wantMax     int
		wantOverlap int
	}{
		{name: "below min window", in: Config{MaxTokens: 50, OverlapTokens: 10}, wantMax: 200, wantOverlap: 10},
		{name: "above max window", in: Config{MaxTokens: 5000, OverlapTokens: 10}, wantMax: 2000, wantOverlap: 10},
		{name: "negative overlap", in: Config{MaxTokens: 512, OverlapTokens: -5}, wantMax: 512, wantOverlap: 0},
		{name: "oversized overlap", in: Config{MaxTokens: 512, OverlapTokens: 900}, wantMax: 512, wantOverlap: 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.normalized()
			assert.Equal(t, tt.wantMax, got.MaxTokens)
			assert.Equal(t, tt.wantOverlap, got.OverlapTokens)
		})
	}
}

func TestSplit_SmallSectionIsOneChunk(t *testing.T) {
	doc := testDoc()
	chunks := Split(doc, []Section{
		{HPath: "Docs > Install", Selector: "#install", Text: "Run the installer and follow the prompts."},
	}, DefaultConfig())

	require.Len(t, chunks, 1)
	chunk := chunks[0]
	assert.Equal(t, 0, chunk.ChunkIndex)
	assert.Equal(t, doc.ID, chunk.DocumentID)
	assert.Equal(t, doc.TenantID, chunk.TenantID)
	assert.Equal(t, "Docs > Install", chunk.HPath)
	assert.Equal(t, "#install", chunk.Selector)
	assert.Equal(t, 7, chunk.WordCount)
	assert.Equal(t, Hash(chunk.Content), chunk.ContentHash)
	assert.Equal(t, "en-US", chunk.Locale)
}

func TestSplit_LargeSectionOverlaps(t *testing.T) {
	doc := testDoc()
	// 500 words against a 200-word window with 50-word overlap: windows
	// start at 0, 150 and 300, and the last one reaches the section end.
	chunks := Split(doc, []Section{
		{HPath: "Guide", Text: wordsOfCount(500)},
	}, Config{MaxTokens: 200, OverlapTokens: 50})

	require.Len(t, chunks, 3)
	assert.Equal(t, 200, chunks[0].WordCount)
	assert.Equal(t, 200, chunks[1].WordCount)
	assert.Equal(t, 200, chunks[2].WordCount)

	// Consecutive windows share their overlap region.
	first := strings.Fields(chunks[0].Content)
	second := strings.Fields(chunks[1].Content)
	assert.Equal(t, first[150:], second[:50])

	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.ChunkIndex)
		assert.Equal(t, "Guide", chunk.HPath)
	}
}

func TestSplit_IndexRunsAcrossSections(t *testing.T) {
	doc := testDoc()
	chunks := Split(doc, []Section{
		{HPath: "Intro", Text: "short intro text"},
		{HPath: "Body", Text: wordsOfCount(250)},
		{HPath: "Empty", Text: "   "},
		{HPath: "Outro", Text: "closing words here"},
	}, Config{MaxTokens: 200, OverlapTokens: 0})

	require.Len(t, chunks, 4)
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.ChunkIndex)
	}
	assert.Equal(t, "Intro", chunks[0].HPath)
	assert.Equal(t, "Body", chunks[1].HPath)
	assert.Equal(t, "Body", chunks[2].HPath)
	assert.Equal(t, "Outro", chunks[3].HPath)
}

func TestSplit_MetadataFlagsPropagate(t *testing.T) {
	doc := testDoc()
	chunks := Split(doc, []Section{
		{
			HPath:    "Pricing",
			Text:     "Our pricing table lists all plans.",
			Metadata: models.JSONMap{models.MetaHasStructuredData: true},
		},
	}, DefaultConfig())

	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Metadata.Flag(models.MetaHasStructuredData))
	assert.False(t, chunks[0].Metadata.Flag(models.MetaHasForms))
}

func TestSplit_IdenticalContentHashesEqually(t *testing.T) {
	doc := testDoc()
	a := Split(doc, []Section{{Text: "stable content"}}, DefaultConfig())
	b := Split(doc, []Section{{Text: "stable content"}}, DefaultConfig())

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, a[0].ContentHash, b[0].ContentHash)
	assert.NotEqual(t, a[0].ID, b[0].ID)
}
