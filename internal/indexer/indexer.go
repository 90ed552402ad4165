// Package indexer turns raw document text into stored, embedded and indexed
// chunks, and keeps storage, the vector index and the keyword index in step.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hyperjump/kotae/internal/apperr"
	"github.com/hyperjump/kotae/internal/chunker"
	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/embedding"
	"github.com/hyperjump/kotae/internal/keyword"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/storage"
	"github.com/hyperjump/kotae/internal/vector"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Indexer indexes documents into storage, the vector index and, when set, the
// keyword index.
type Indexer struct {
	storage      storage.DocumentStore
	embedder     embedding.Embedder
	vectorIndex  vector.Index
	keywordIndex keyword.Index
	chunker      *chunker.Chunker
	batchSize    int
	concurrency  int
	timeout      time.Duration
	retryBackoff time.Duration
	logger       *zap.Logger
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithLogger sets a logger for debug output (document indexed, deleted, etc.).
func WithLogger(l *zap.Logger) Option {
	return func(idx *Indexer) { idx.logger = l }
}

// WithKeywordIndex mirrors chunk text into a keyword index.
func WithKeywordIndex(k keyword.Index) Option {
	return func(idx *Indexer) { idx.keywordIndex = k }
}

// WithRetryBackoff sets the wait before an embedding batch is retried.
func WithRetryBackoff(d time.Duration) Option {
	return func(idx *Indexer) { idx.retryBackoff = d }
}

// New creates an indexer. The embedder must be the one the vector index was
// built with.
func New(
	store storage.DocumentStore,
	embedder embedding.Embedder,
	vectorIndex vector.Index,
	ch *chunker.Chunker,
	cfg config.EmbeddingConfig,
	opts ...Option,
) (*Indexer, error) {
	if embedder.ID() != vectorIndex.EmbedderID() {
		return nil, apperr.New(apperr.KindEmbedderMismatch,
			"embedder %s cannot write to an index built with %s", embedder.ID(), vectorIndex.EmbedderID())
	}
	if embedder.Dimensions() != vectorIndex.Dimensions() {
		return nil, apperr.New(apperr.KindDimensionMismatch,
			"embedder produces %d dimensions, index expects %d", embedder.Dimensions(), vectorIndex.Dimensions())
	}
	idx := &Indexer{
		storage:      store,
		embedder:     embedder,
		vectorIndex:  vectorIndex,
		chunker:      ch,
		batchSize:    cfg.BatchSize,
		concurrency:  cfg.Concurrency,
		timeout:      cfg.Timeout,
		retryBackoff: 200 * time.Millisecond,
		logger:       zap.NewNop(),
	}
	if idx.batchSize <= 0 {
		idx.batchSize = 32
	}
	if idx.concurrency <= 0 {
		idx.concurrency = 1
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx, nil
}

// IndexDocument chunks, embeds and stores a document. It is all-or-nothing:
// if any step fails, nothing of the document remains stored or indexed. An
// empty document is stored with no chunks.
func (idx *Indexer) IndexDocument(ctx context.Context, input *models.DocumentInput) (*models.Document, error) {
	if input.OwnerID == "" {
		return nil, apperr.New(apperr.KindInvalidInput, "document owner is required")
	}
	if input.ID == "" {
		input.ID = uuid.New().String()
	}
	if exists, err := idx.storage.DocumentExists(ctx, input.ID); err != nil {
		return nil, fmt.Errorf("failed to check document: %w", err)
	} else if exists {
		return nil, apperr.New(apperr.KindConflict, "document %s already exists", input.ID)
	}

	doc := &models.Document{
		ID:         input.ID,
		Title:      input.Title,
		SourceURI:  input.SourceURI,
		OwnerID:    input.OwnerID,
		UploadedAt: time.Now().UTC(),
	}
	chunks := idx.chunker.Chunk(doc.ID, input.Text)
	if err := idx.embedChunks(ctx, chunks); err != nil {
		return nil, err
	}

	if err := idx.storage.CreateDocument(ctx, doc, chunks); err != nil {
		return nil, fmt.Errorf("failed to store document: %w", err)
	}
	if err := idx.vectorIndex.Upsert(ctx, chunks); err != nil {
		idx.rollback(doc.ID)
		return nil, fmt.Errorf("failed to index vectors: %w", err)
	}
	if idx.keywordIndex != nil {
		if err := idx.keywordIndex.IndexChunks(ctx, doc, chunks); err != nil {
			idx.rollback(doc.ID)
			return nil, fmt.Errorf("failed to index keywords: %w", err)
		}
	}

	idx.logger.Debug("indexer document indexed",
		zap.String("doc_id", doc.ID),
		zap.String("owner", doc.OwnerID),
		zap.Int("chunks", len(chunks)))
	return doc, nil
}

// embedChunks embeds every chunk in batches, at most concurrency batches at a
// time. Vectors are attached only once every batch has succeeded.
func (idx *Indexer) embedChunks(ctx context.Context, chunks []*models.Chunk) error {
	vectors := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(idx.concurrency)
	for start := 0; start < len(chunks); start += idx.batchSize {
		end := min(start+idx.batchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}
		g.Go(func() error {
			vecs, err := embedding.EmbedWithRetry(gctx, idx.embedder, texts, idx.timeout, idx.retryBackoff)
			if err != nil {
				return err
			}
			copy(vectors[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if _, ok := apperr.As(err); ok {
			return err
		}
		return apperr.Wrap(apperr.KindEmbeddingProvider, err, "failed to embed document")
	}
	for i, c := range chunks {
		c.Vector = vectors[i]
	}
	return nil
}

// rollback undoes a partially indexed document. It runs on a fresh context so
// a cancelled request still cleans up.
func (idx *Indexer) rollback(docID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = idx.vectorIndex.DeleteByDocument(ctx, docID)
	if idx.keywordIndex != nil {
		_ = idx.keywordIndex.DeleteDocument(ctx, docID)
	}
	if err := idx.storage.DeleteDocument(ctx, docID); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		idx.logger.Warn("indexer rollback failed", zap.String("doc_id", docID), zap.Error(err))
	}
}

// DeleteDocument removes a document from every index and from storage.
func (idx *Indexer) DeleteDocument(ctx context.Context, id string) error {
	idx.logger.Debug("indexer deleting document", zap.String("id", id))
	if err := idx.vectorIndex.DeleteByDocument(ctx, id); err != nil {
		return fmt.Errorf("failed to delete from vector index: %w", err)
	}
	if idx.keywordIndex != nil {
		if err := idx.keywordIndex.DeleteDocument(ctx, id); err != nil {
			return fmt.Errorf("failed to delete from keyword index: %w", err)
		}
	}
	if err := idx.storage.DeleteDocument(ctx, id); err != nil {
		return err
	}
	idx.logger.Debug("indexer document deleted", zap.String("id", id))
	return nil
}

// Clear removes every document from storage and both indices.
func (idx *Indexer) Clear(ctx context.Context) error {
	idx.vectorIndex.Clear()
	if idx.keywordIndex != nil {
		if err := idx.keywordIndex.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear keyword index: %w", err)
		}
	}
	if err := idx.storage.DeleteAllDocuments(ctx); err != nil {
		return fmt.Errorf("failed to clear documents: %w", err)
	}
	idx.logger.Info("index cleared")
	return nil
}

// Rebuild repopulates the vector index from the chunk vectors kept in storage.
// Chunks stored without a vector, or with a vector of the wrong size, are
// re-embedded and written back. It returns the number of chunks indexed.
func (idx *Indexer) Rebuild(ctx context.Context) (int, error) {
	idx.vectorIndex.Clear()
	dims := idx.vectorIndex.Dimensions()

	byDoc := make(map[string][]*models.Chunk)
	var stale []*models.Chunk
	err := idx.storage.EachChunk(ctx, func(c *models.Chunk) error {
		if len(c.Vector) != dims {
			stale = append(stale, c)
		}
		byDoc[c.DocumentID] = append(byDoc[c.DocumentID], c)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read chunks: %w", err)
	}
	if len(stale) > 0 {
		idx.logger.Info("re-embedding stale chunks", zap.Int("chunks", len(stale)))
		if err := idx.embedChunks(ctx, stale); err != nil {
			return 0, err
		}
		if err := idx.storage.UpdateChunkVectors(ctx, stale); err != nil {
			return 0, fmt.Errorf("failed to store re-embedded vectors: %w", err)
		}
	}

	var n int
	for _, chunks := range byDoc {
		if err := idx.vectorIndex.Upsert(ctx, chunks); err != nil {
			return n, fmt.Errorf("failed to index vectors: %w", err)
		}
		n += len(chunks)
	}
	if err := idx.rebuildKeywords(ctx, byDoc); err != nil {
		return n, err
	}
	idx.logger.Info("vector index rebuilt", zap.Int("documents", len(byDoc)), zap.Int("chunks", n))
	return n, nil
}

// rebuildKeywords repopulates the keyword index when it came up empty, e.g.
// after its directory was removed.
func (idx *Indexer) rebuildKeywords(ctx context.Context, byDoc map[string][]*models.Chunk) error {
	if idx.keywordIndex == nil || len(byDoc) == 0 {
		return nil
	}
	if n, err := idx.keywordIndex.DocCount(); err != nil || n > 0 {
		return err
	}
	ids := make([]string, 0, len(byDoc))
	for id := range byDoc {
		ids = append(ids, id)
	}
	docs, err := idx.storage.GetDocuments(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to read documents: %w", err)
	}
	for id, chunks := range byDoc {
		doc, ok := docs[id]
		if !ok {
			continue
		}
		if err := idx.keywordIndex.IndexChunks(ctx, doc, chunks); err != nil {
			return fmt.Errorf("failed to index keywords: %w", err)
		}
	}
	return nil
}

// Stats summarizes the vector index.
func (idx *Indexer) Stats() *models.IndexStats {
	return &models.IndexStats{
		Documents:  idx.vectorIndex.Documents(),
		Chunks:     idx.vectorIndex.Size(),
		Dimensions: idx.vectorIndex.Dimensions(),
		Metric:     string(idx.vectorIndex.Metric()),
		EmbedderID: idx.vectorIndex.EmbedderID(),
	}
}
