// Package embedding turns chunk text into vectors through a pluggable
// provider. The HTTP provider speaks the OpenAI-compatible embeddings wire
// format; the mock provider produces deterministic vectors for tests and
// local development.
package embedding

import (
	"context"
)

// MaxBatchSize is the most texts a single provider call may carry. Larger
// inputs are split by EmbedAll.
const MaxBatchSize = 100

// Provider generates embeddings for batches of text
type Provider interface {
	// Embed returns one vector per input text, in input order
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Model identifies the embedding model
	Model() string

	// Dimensions is the vector width the model produces
	Dimensions() int
}

// EmbedAll embeds texts of any count, splitting the input into provider
// calls of at most MaxBatchSize texts each.
func EmbedAll(ctx context.Context, p Provider, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := p.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}
