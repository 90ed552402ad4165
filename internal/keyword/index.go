// Package keyword provides full-text scoring of chunks, used as a secondary
// ranking signal on top of vector similarity.
package keyword

import (
	"context"

	"github.com/hyperjump/kotae/internal/models"
)

// ScoreOptions tune keyword scoring. Nil means use defaults.
type ScoreOptions struct {
	// TitleBoost multiplies matches in the document title. Use 1.0 for no boost.
	TitleBoost float64
	// PhraseBoost multiplies the score of chunks where the query terms appear
	// together. Use 1.0 for no boost.
	PhraseBoost float64
	// FuzzyEnabled matches terms within Fuzziness edits (1 or 2).
	FuzzyEnabled bool
	Fuzziness    int
}

// Index holds the text of every indexed chunk.
type Index interface {
	// IndexChunks adds or replaces the chunks of one document.
	IndexChunks(ctx context.Context, doc *models.Document, chunks []*models.Chunk) error
	// DeleteDocument removes every chunk of a document.
	DeleteDocument(ctx context.Context, docID string) error
	// Score returns a relevance in [0,1] for each candidate chunk that matches
	// query. Candidates without a match are absent from the result.
	Score(ctx context.Context, query string, chunkIDs []string, opts *ScoreOptions) (map[string]float64, error)
	// Clear removes every chunk.
	Clear(ctx context.Context) error
	// DocCount returns the number of indexed chunks.
	DocCount() (uint64, error)
	Close() error
}
