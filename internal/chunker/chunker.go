// Package chunker splits extracted page content into indexable chunks.
// Sections keep their heading path so retrieval can show where on the page
// a hit came from; long sections are windowed with overlap so sentences
// spanning a boundary stay findable.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"github.com/sitespeak/sitespeak/internal/models"
)

const (
	// MinChunkTokens and MaxChunkTokens bound the configured window size
	MinChunkTokens = 200
	MaxChunkTokens = 2000

	// MaxOverlapTokens bounds the configured window overlap
	MaxOverlapTokens = 500
)

// Config sizes the chunk window. Out-of-range values are clamped, not
// rejected, so a bad tenant setting degrades to the nearest sane one.
type Config struct {
	MaxTokens     int `mapstructure:"max_tokens"`
	OverlapTokens int `mapstructure:"overlap_tokens"`
}

// DefaultConfig returns the standard window
func DefaultConfig() Config {
	return Config{MaxTokens: 512, OverlapTokens: 64}
}

func (c Config) normalized() Config {
	if c.MaxTokens < MinChunkTokens {
		c.MaxTokens = MinChunkTokens
	}
	if c.MaxTokens > MaxChunkTokens {
		c.MaxTokens = MaxChunkTokens
	}
	if c.OverlapTokens < 0 {
		c.OverlapTokens = 0
	}
	if c.OverlapTokens > MaxOverlapTokens {
		c.OverlapTokens = MaxOverlapTokens
	}
	return c
}

// Section is one extracted region of a page, typically bounded by headings
type Section struct {
	// HPath is the heading path from the page root, e.g. "Docs > Install > Linux"
	HPath string

	// Selector locates the section in the page DOM
	Selector string

	// Text is the extracted plain text
	Text string

	// Metadata carries extraction flags such as hasStructuredData
	Metadata models.JSONMap
}

// Split chunks the document's sections. Chunk indexes run sequentially
// across the whole document so (document_id, chunk_index) stays unique.
// A section within the window becomes one chunk; larger sections slide a
// window of MaxTokens words advancing by MaxTokens-OverlapTokens.
func Split(doc *models.Document, sections []Section, config Config) []models.Chunk {
	config = config.normalized()

	var chunks []models.Chunk
	index := 0
	for _, section := range sections {
		words := strings.Fields(section.Text)
		if len(words) == 0 {
			continue
		}

		step := config.MaxTokens - config.OverlapTokens
		if step <= 0 {
			step = 1
		}

		for start := 0; start < len(words); start += step {
			end := start + config.MaxTokens
			if end > len(words) {
				end = len(words)
			}
			content := strings.Join(words[start:end], " ")

			chunks = append(chunks, models.Chunk{
				ID:          uuid.New(),
				DocumentID:  doc.ID,
				TenantID:    doc.TenantID,
				SiteID:      doc.SiteID,
				ChunkIndex:  index,
				Content:     content,
				ContentHash: Hash(content),
				HPath:       section.HPath,
				Selector:    section.Selector,
				WordCount:   end - start,
				TokenCount:  estimateTokens(content),
				Locale:      doc.Locale,
				Metadata:    section.Metadata,
			})
			index++

			if end == len(words) {
				break
			}
		}
	}
	return chunks
}

// Hash fingerprints chunk content for change detection
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// estimateTokens approximates the model token count at four characters
// per token, which tracks closely enough for window sizing over web prose.
func estimateTokens(content string) int {
	n := (len(content) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}
