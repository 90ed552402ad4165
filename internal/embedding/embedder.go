// Package embedding turns text into fixed-dimension vectors. Every embedder has an
// identity string; an index built with one embedder can only be queried through an
// embedder with the same identity.
package embedding

import "context"

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	// ID identifies the model and dimensionality, e.g. "hash:384".
	ID() string
	Close() error
}
