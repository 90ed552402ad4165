// Package vector provides the chunk vector index and nearest-neighbor search.
package vector

import (
	"context"

	"github.com/hyperjump/kotae/internal/models"
)

// Index stores chunk vectors and answers k-nearest-neighbor queries. The metric
// and the embedder identity are fixed when the index is created.
type Index interface {
	// Upsert inserts or replaces chunk vectors. Either every chunk is written or,
	// on a dimension mismatch, none is.
	Upsert(ctx context.Context, chunks []*models.Chunk) error
	// DeleteByDocument removes every chunk of a document. Queries that start
	// after it returns never see those chunks.
	DeleteByDocument(ctx context.Context, documentID string) error
	// Query returns up to k results ordered by descending score, ties broken by
	// ascending sequence index then chunk ID.
	Query(ctx context.Context, vector []float32, k int) ([]Result, error)
	Size() int
	Documents() int
	Dimensions() int
	Metric() Metric
	EmbedderID() string
	Clear()
	Save(path string) error
	Load(path string) error
	Close() error
}

// Result is a single vector search hit.
type Result struct {
	ChunkID       string
	DocumentID    string
	SequenceIndex int
	Score         float64
}
