package keyword

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
	"github.com/hyperjump/kotae/internal/models"
)

const (
	fieldDocumentID = "document_id"
	fieldTitle      = "title"
	fieldContent    = "content"

	deletePageSize = 500
)

// BleveIndex implements Index using Bleve. Each chunk is one Bleve document
// keyed by chunk ID.
type BleveIndex struct {
	index bleve.Index
}

var _ Index = (*BleveIndex)(nil)

// NewBleveIndex creates or opens a Bleve index at path. An empty path creates
// an in-memory index.
func NewBleveIndex(path string) (*BleveIndex, error) {
	im := bleve.NewIndexMapping()

	chunkMapping := bleve.NewDocumentMapping()
	text := bleve.NewTextFieldMapping()
	// Standard analyzer lowercases and tokenizes without stemming, so "bayes"
	// matches "Bayes" but not "Bayesian".
	text.Analyzer = standard.Name
	chunkMapping.AddFieldMappingsAt(fieldContent, text)
	chunkMapping.AddFieldMappingsAt(fieldTitle, text)
	chunkMapping.AddFieldMappingsAt(fieldDocumentID, bleve.NewKeywordFieldMapping())
	im.AddDocumentMapping("chunk", chunkMapping)
	im.DefaultType = "chunk"
	im.DefaultMapping = chunkMapping

	if path == "" {
		index, err := bleve.NewMemOnly(im)
		if err != nil {
			return nil, fmt.Errorf("failed to create Bleve index: %w", err)
		}
		return &BleveIndex{index: index}, nil
	}

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	index, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

// IndexChunks indexes the chunks of doc in one batch.
func (b *BleveIndex) IndexChunks(ctx context.Context, doc *models.Document, chunks []*models.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := b.index.NewBatch()
	for _, c := range chunks {
		if err := batch.Index(c.ID, map[string]interface{}{
			fieldDocumentID: doc.ID,
			fieldTitle:      doc.Title,
			fieldContent:    c.Text,
		}); err != nil {
			return fmt.Errorf("failed to index chunk %s: %w", c.ID, err)
		}
	}
	return b.index.Batch(batch)
}

// DeleteDocument removes every chunk whose document_id is docID.
func (b *BleveIndex) DeleteDocument(ctx context.Context, docID string) error {
	q := bleve.NewTermQuery(docID)
	q.SetField(fieldDocumentID)
	return b.deleteMatching(ctx, q)
}

// Clear removes every chunk.
func (b *BleveIndex) Clear(ctx context.Context) error {
	return b.deleteMatching(ctx, bleve.NewMatchAllQuery())
}

func (b *BleveIndex) deleteMatching(ctx context.Context, q blevequery.Query) error {
	for {
		req := bleve.NewSearchRequest(q)
		req.Size = deletePageSize
		res, err := b.index.SearchInContext(ctx, req)
		if err != nil {
			return fmt.Errorf("Bleve search failed: %w", err)
		}
		if len(res.Hits) == 0 {
			return nil
		}
		batch := b.index.NewBatch()
		for _, hit := range res.Hits {
			batch.Delete(hit.ID)
		}
		if err := b.index.Batch(batch); err != nil {
			return fmt.Errorf("Bleve delete failed: %w", err)
		}
	}
}

// Score runs query against the candidate chunks only and merges:
//  1. the base match score, with title matches multiplied by TitleBoost
//  2. a term coverage penalty, (matched/total)^2, for multi-term queries
//  3. PhraseBoost for chunks containing the query as a phrase
//
// The result is normalized so the best candidate scores 1.
func (b *BleveIndex) Score(ctx context.Context, query string, chunkIDs []string, opts *ScoreOptions) (map[string]float64, error) {
	terms := tokenizeQuery(query)
	if len(terms) == 0 || len(chunkIDs) == 0 {
		return map[string]float64{}, nil
	}
	titleBoost, phraseBoost := 1.0, 1.0
	fuzzy, fuzziness := false, 2
	if opts != nil {
		if opts.TitleBoost > 0 {
			titleBoost = opts.TitleBoost
		}
		if opts.PhraseBoost > 0 {
			phraseBoost = opts.PhraseBoost
		}
		fuzzy = opts.FuzzyEnabled
		if opts.Fuzziness > 0 {
			fuzziness = opts.Fuzziness
		}
	}

	candidates := bleve.NewDocIDQuery(chunkIDs)
	size := len(chunkIDs)

	content := b.termsQuery(query, terms, fieldContent, fuzzy, fuzziness)
	title := b.termsQuery(query, terms, fieldTitle, fuzzy, fuzziness)
	if bq, ok := title.(blevequery.BoostableQuery); ok {
		bq.SetBoost(titleBoost)
	}
	base, err := b.hits(ctx, bleve.NewConjunctionQuery(candidates, bleve.NewDisjunctionQuery(content, title)), size)
	if err != nil {
		return nil, err
	}

	if len(terms) > 1 {
		coverage := make(map[string]int, len(base))
		for _, term := range terms {
			one := b.termsQuery(term, []string{term}, "", fuzzy, fuzziness)
			matched, err := b.hits(ctx, bleve.NewConjunctionQuery(candidates, one), size)
			if err != nil {
				return nil, err
			}
			for id := range matched {
				coverage[id]++
			}
		}
		for id, s := range base {
			matched := coverage[id]
			if matched == 0 {
				matched = 1
			}
			ratio := float64(matched) / float64(len(terms))
			base[id] = s * ratio * ratio
		}

		if phraseBoost > 1 {
			phrase := bleve.NewMatchPhraseQuery(query)
			phrase.SetField(fieldContent)
			phrased, err := b.hits(ctx, bleve.NewConjunctionQuery(candidates, phrase), size)
			if err != nil {
				return nil, err
			}
			for id := range phrased {
				if _, ok := base[id]; ok {
					base[id] *= phraseBoost
				}
			}
		}
	}

	var best float64
	for _, s := range base {
		if s > best {
			best = s
		}
	}
	if best > 0 {
		for id := range base {
			base[id] /= best
		}
	}
	return base, nil
}

func (b *BleveIndex) hits(ctx context.Context, q blevequery.Query, size int) (map[string]float64, error) {
	req := bleve.NewSearchRequest(q)
	req.Size = size
	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make(map[string]float64, len(res.Hits))
	for _, hit := range res.Hits {
		out[hit.ID] = hit.Score
	}
	return out, nil
}

// termsQuery builds a match query, or a disjunction of fuzzy term queries when
// fuzzy is set. An empty field searches every field.
func (b *BleveIndex) termsQuery(query string, terms []string, field string, fuzzy bool, fuzziness int) blevequery.Query {
	if !fuzzy {
		mq := bleve.NewMatchQuery(query)
		if field != "" {
			mq.SetField(field)
		}
		return mq
	}
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		if field != "" {
			fq.SetField(field)
		}
		queries = append(queries, fq)
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// tokenizeQuery splits query into lowercase terms.
func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// DocCount returns the number of indexed chunks.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
