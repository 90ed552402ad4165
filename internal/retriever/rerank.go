package retriever

import (
	"context"
	"sort"
	"time"

	"github.com/hyperjump/kotae/internal/keyword"
	"github.com/hyperjump/kotae/internal/models"
)

// RerankMode names a secondary ranking signal.
type RerankMode string

const (
	RerankNone    RerankMode = "none"
	RerankRecency RerankMode = "recency"
	RerankKeyword RerankMode = "keyword"
)

// Reranker reorders passages in place. Passages arrive sorted by vector score.
type Reranker interface {
	Rerank(ctx context.Context, query string, passages []*models.RetrievedPassage) error
}

type noRerank struct{}

func (noRerank) Rerank(context.Context, string, []*models.RetrievedPassage) error { return nil }

// RecencyTier boosts documents uploaded within MaxAge.
type RecencyTier struct {
	MaxAge     time.Duration
	Multiplier float64
}

// DefaultRecencyTiers boosts the last day by 1.2, the last week by 1.1 and the
// last month by 1.05.
func DefaultRecencyTiers() []RecencyTier {
	return []RecencyTier{
		{MaxAge: 24 * time.Hour, Multiplier: 1.2},
		{MaxAge: 7 * 24 * time.Hour, Multiplier: 1.1},
		{MaxAge: 30 * 24 * time.Hour, Multiplier: 1.05},
	}
}

// RecencyReranker multiplies the vector score by the first tier the
// document's age falls in.
type RecencyReranker struct {
	tiers []RecencyTier
	now   func() time.Time
}

// NewRecencyReranker returns a reranker over tiers, ordered by ascending MaxAge.
func NewRecencyReranker(tiers []RecencyTier) *RecencyReranker {
	return &RecencyReranker{tiers: tiers, now: time.Now}
}

func (r *RecencyReranker) multiplier(uploaded time.Time) float64 {
	if uploaded.IsZero() {
		return 1
	}
	age := r.now().Sub(uploaded)
	for _, t := range r.tiers {
		if age < t.MaxAge {
			return t.Multiplier
		}
	}
	return 1
}

// Rerank implements Reranker.
func (r *RecencyReranker) Rerank(_ context.Context, _ string, passages []*models.RetrievedPassage) error {
	for _, p := range passages {
		var uploaded time.Time
		if p.Document != nil {
			uploaded = p.Document.UploadedAt
		}
		p.RerankScore = p.Score * r.multiplier(uploaded)
	}
	sortByRerankScore(passages)
	return nil
}

// KeywordReranker blends keyword relevance into the vector score:
// (1-w)*vector + w*keyword, where keyword is normalized to [0,1].
type KeywordReranker struct {
	index  keyword.Index
	weight float64
	opts   *keyword.ScoreOptions
}

// NewKeywordReranker returns a reranker that gives keyword relevance weight w.
func NewKeywordReranker(index keyword.Index, w float64) *KeywordReranker {
	if w < 0 {
		w = 0
	}
	if w > 1 {
		w = 1
	}
	return &KeywordReranker{
		index:  index,
		weight: w,
		opts:   &keyword.ScoreOptions{TitleBoost: 2, PhraseBoost: 1.5},
	}
}

// Rerank implements Reranker.
func (r *KeywordReranker) Rerank(ctx context.Context, query string, passages []*models.RetrievedPassage) error {
	if len(passages) == 0 {
		return nil
	}
	ids := make([]string, len(passages))
	for i, p := range passages {
		ids[i] = p.Chunk.ID
	}
	scores, err := r.index.Score(ctx, query, ids, r.opts)
	if err != nil {
		return err
	}
	for _, p := range passages {
		p.RerankScore = (1-r.weight)*p.Score + r.weight*scores[p.Chunk.ID]
	}
	sortByRerankScore(passages)
	return nil
}

// sortByRerankScore orders by RerankScore, keeping vector order for ties.
func sortByRerankScore(passages []*models.RetrievedPassage) {
	sort.SliceStable(passages, func(i, j int) bool {
		return passages[i].RerankScore > passages[j].RerankScore
	})
}
