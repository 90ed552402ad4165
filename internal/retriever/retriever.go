// Package retriever finds the passages most relevant to a query: vector
// search, score filtering, a per-document cap and an optional re-rank.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hyperjump/kotae/internal/apperr"
	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/embedding"
	"github.com/hyperjump/kotae/internal/keyword"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/storage"
	"github.com/hyperjump/kotae/internal/vector"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/hyperjump/kotae/internal/retriever")

// Options tune one retrieval. Zero values take the retriever's configured
// defaults, except MinScore and MaxPerDocument where zero means no filter.
type Options struct {
	TopK           int
	MinScore       float64
	MaxPerDocument int
	Rerank         RerankMode
}

// Retriever runs retrieval against one vector index.
type Retriever struct {
	storage      storage.DocumentStore
	embedder     embedding.Embedder
	vectorIndex  vector.Index
	rerankers    map[RerankMode]Reranker
	defaults     Options
	timeout      time.Duration
	retryBackoff time.Duration
	logger       *zap.Logger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Retriever) { r.logger = l }
}

// WithKeywordIndex enables the keyword re-ranker, blending keyword relevance
// into the vector score with weight w.
func WithKeywordIndex(k keyword.Index, w float64) Option {
	return func(r *Retriever) { r.rerankers[RerankKeyword] = NewKeywordReranker(k, w) }
}

// New creates a retriever. The embedder's identity must match the identity the
// vector index was built with.
func New(
	store storage.DocumentStore,
	embedder embedding.Embedder,
	vectorIndex vector.Index,
	cfg config.RetrievalConfig,
	opts ...Option,
) (*Retriever, error) {
	if embedder.ID() != vectorIndex.EmbedderID() {
		return nil, apperr.New(apperr.KindEmbedderMismatch,
			"query embedder %s does not match index embedder %s", embedder.ID(), vectorIndex.EmbedderID())
	}
	r := &Retriever{
		storage:     store,
		embedder:    embedder,
		vectorIndex: vectorIndex,
		rerankers: map[RerankMode]Reranker{
			RerankNone:    noRerank{},
			RerankRecency: NewRecencyReranker(DefaultRecencyTiers()),
		},
		defaults: Options{
			TopK:           cfg.TopK,
			MinScore:       cfg.MinScore,
			MaxPerDocument: cfg.MaxPerDocument,
			Rerank:         RerankMode(cfg.Rerank),
		},
		timeout:      cfg.Timeout,
		retryBackoff: cfg.RetryBackoff,
		logger:       zap.NewNop(),
	}
	if r.defaults.TopK <= 0 {
		r.defaults.TopK = 5
	}
	if r.defaults.Rerank == "" {
		r.defaults.Rerank = RerankNone
	}
	for _, opt := range opts {
		opt(r)
	}
	if _, ok := r.rerankers[r.defaults.Rerank]; !ok {
		return nil, apperr.New(apperr.KindConfig, "re-rank mode %q is not available", r.defaults.Rerank)
	}
	return r, nil
}

// Defaults returns the configured retrieval options.
func (r *Retriever) Defaults() Options {
	return r.defaults
}

// Retrieve returns up to TopK passages for query, ranked from 1.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts Options) (passages []*models.RetrievedPassage, err error) {
	if opts.TopK <= 0 {
		opts.TopK = r.defaults.TopK
	}
	if opts.Rerank == "" {
		opts.Rerank = r.defaults.Rerank
	}
	reranker, ok := r.rerankers[opts.Rerank]
	if !ok {
		return nil, apperr.New(apperr.KindConfig, "re-rank mode %q is not available", opts.Rerank)
	}

	ctx, span := tracer.Start(ctx, "retriever.Retrieve")
	span.SetAttributes(
		attribute.Int("retrieval.top_k", opts.TopK),
		attribute.String("retrieval.rerank", string(opts.Rerank)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("retrieval.results", len(passages)))
		span.End()
	}()

	if r.embedder.ID() != r.vectorIndex.EmbedderID() {
		return nil, apperr.New(apperr.KindEmbedderMismatch,
			"query embedder %s does not match index embedder %s", r.embedder.ID(), r.vectorIndex.EmbedderID())
	}
	if r.vectorIndex.Size() == 0 {
		return []*models.RetrievedPassage{}, nil
	}

	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	passages, err = r.retrieve(callCtx, query, opts, reranker)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		if !errors.Is(err, apperr.ErrRetrievalTimeout) {
			err = apperr.Wrap(apperr.KindRetrievalTimeout, err, "retrieval exceeded %s", r.timeout)
		}
	}
	return passages, err
}

func (r *Retriever) retrieve(ctx context.Context, query string, opts Options, reranker Reranker) ([]*models.RetrievedPassage, error) {
	vecs, err := embedding.EmbedWithRetry(ctx, r.embedder, []string{query}, 0, r.retryBackoff)
	if err != nil {
		return nil, err
	}
	results, err := r.vectorIndex.Query(ctx, vecs[0], opts.TopK)
	if err != nil {
		return nil, err
	}
	results = filterByScore(results, opts.MinScore)
	results = capPerDocument(results, opts.MaxPerDocument)

	passages, err := r.enrich(ctx, results)
	if err != nil {
		return nil, err
	}
	if err := reranker.Rerank(ctx, query, passages); err != nil {
		return nil, fmt.Errorf("failed to re-rank: %w", err)
	}
	for i, p := range passages {
		p.Rank = i + 1
	}
	r.logger.Debug("retrieved passages",
		zap.Int("candidates", len(results)),
		zap.Int("passages", len(passages)),
		zap.String("rerank", string(opts.Rerank)))
	return passages, nil
}

// enrich loads chunk text and document metadata. Hits whose chunk was deleted
// after the vector query are dropped.
func (r *Retriever) enrich(ctx context.Context, results []vector.Result) ([]*models.RetrievedPassage, error) {
	if len(results) == 0 {
		return []*models.RetrievedPassage{}, nil
	}
	chunkIDs := make([]string, len(results))
	docIDs := make([]string, 0, len(results))
	seen := make(map[string]bool)
	for i, res := range results {
		chunkIDs[i] = res.ChunkID
		if !seen[res.DocumentID] {
			seen[res.DocumentID] = true
			docIDs = append(docIDs, res.DocumentID)
		}
	}
	chunks, err := r.storage.GetChunks(ctx, chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	docs, err := r.storage.GetDocuments(ctx, docIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}
	passages := make([]*models.RetrievedPassage, 0, len(results))
	for _, res := range results {
		chunk, ok := chunks[res.ChunkID]
		if !ok {
			continue
		}
		passages = append(passages, &models.RetrievedPassage{
			Chunk:    chunk,
			Document: docs[res.DocumentID],
			Score:    res.Score,
		})
	}
	return passages, nil
}

func filterByScore(results []vector.Result, minScore float64) []vector.Result {
	if minScore <= 0 {
		return results
	}
	kept := results[:0]
	for _, res := range results {
		if res.Score >= minScore {
			kept = append(kept, res)
		}
	}
	return kept
}

// capPerDocument keeps at most limit hits per document, preserving order.
func capPerDocument(results []vector.Result, limit int) []vector.Result {
	if limit <= 0 {
		return results
	}
	counts := make(map[string]int)
	kept := results[:0]
	for _, res := range results {
		if counts[res.DocumentID] < limit {
			counts[res.DocumentID]++
			kept = append(kept, res)
		}
	}
	return kept
}
