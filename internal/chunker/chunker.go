// Package chunker splits raw document text into contiguous, overlapping chunks.
//
// Every chunk is an exact slice of the input: Text == text[OffsetStart:OffsetEnd].
// Consecutive chunks leave no gap, and the region where they overlap is the tail
// of the previous chunk, so the input is recovered by concatenating each chunk
// minus its overlap with its predecessor.
package chunker

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/hyperjump/kotae/internal/apperr"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/pkg/utils"
)

var (
	paragraphBoundary = regexp.MustCompile(`\n[ \t\r]*\n\s*`)
	sentenceBoundary  = regexp.MustCompile(`[.!?]+["')\]]*\s+`)
)

// span is a half-open byte range [start, end).
type span struct {
	start, end int
}

// Chunker splits text according to a validated ChunkingConfig.
type Chunker struct {
	cfg models.ChunkingConfig
}

// New validates cfg and returns a chunker for it.
func New(cfg models.ChunkingConfig) (*Chunker, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return &Chunker{cfg: cfg}, nil
}

// Config returns the configuration the chunker was built with.
func (c *Chunker) Config() models.ChunkingConfig {
	return c.cfg
}

// Validate rejects configurations the splitter cannot make progress with.
func Validate(cfg models.ChunkingConfig) error {
	if cfg.ChunkSize <= 0 {
		return apperr.New(apperr.KindConfig, "chunk size must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.ChunkOverlap < 0 {
		return apperr.New(apperr.KindConfig, "chunk overlap must not be negative, got %d", cfg.ChunkOverlap)
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		return apperr.New(apperr.KindConfig, "chunk overlap (%d) must be smaller than chunk size (%d)", cfg.ChunkOverlap, cfg.ChunkSize)
	}
	switch cfg.SplitStrategy {
	case models.SplitParagraph, models.SplitSentence, models.SplitToken, models.SplitCharacter:
		if cfg.CustomSeparator != "" {
			return apperr.New(apperr.KindConfig, "custom separator is only valid with the %q strategy", models.SplitCustom)
		}
	case models.SplitCustom:
		if cfg.CustomSeparator == "" {
			return apperr.New(apperr.KindConfig, "custom strategy requires a separator")
		}
	default:
		return apperr.New(apperr.KindConfig, "unknown split strategy %q", cfg.SplitStrategy)
	}
	return nil
}

// Chunk validates cfg and splits text. The returned chunks are unpersisted and
// carry no ID or document reference.
func Chunk(text string, cfg models.ChunkingConfig) ([]*models.Chunk, error) {
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return c.split(text), nil
}

// Chunk splits text into chunks owned by docID, with IDs assigned.
func (c *Chunker) Chunk(docID, text string) []*models.Chunk {
	chunks := c.split(text)
	for _, ch := range chunks {
		ch.DocumentID = docID
		ch.ID = fmt.Sprintf("%s_%s", docID, uuid.New().String()[:8])
	}
	return chunks
}

func (c *Chunker) split(text string) []*models.Chunk {
	if text == "" {
		return nil
	}

	var spans []span
	switch c.cfg.SplitStrategy {
	case models.SplitCharacter:
		spans = window(runeSpans(text), c.cfg.ChunkSize, c.cfg.ChunkOverlap)
	case models.SplitToken:
		spans = window(tokenSpans(text), c.cfg.ChunkSize, c.cfg.ChunkOverlap)
	case models.SplitParagraph:
		spans = pack(text, paragraphBoundary, nil, c.cfg.ChunkSize, c.cfg.ChunkOverlap)
	case models.SplitSentence:
		spans = pack(text, sentenceBoundary, paragraphBoundary, c.cfg.ChunkSize, c.cfg.ChunkOverlap)
	case models.SplitCustom:
		spans = separate(text, c.cfg.CustomSeparator)
	}

	chunks := make([]*models.Chunk, 0, len(spans))
	for i, s := range spans {
		body := text[s.start:s.end]
		chunks = append(chunks, &models.Chunk{
			SequenceIndex: i,
			Text:          body,
			TokenCount:    utils.CountWords(body),
			OffsetStart:   s.start,
			OffsetEnd:     s.end,
		})
	}
	return chunks
}

// runeSpans returns one span per rune.
func runeSpans(text string) []span {
	spans := make([]span, 0, len(text))
	prev := -1
	for i := range text {
		if prev >= 0 {
			spans = append(spans, span{prev, i})
		}
		prev = i
	}
	if prev >= 0 {
		spans = append(spans, span{prev, len(text)})
	}
	return spans
}

// tokenSpans returns one span per whitespace-delimited word. Each token owns the
// whitespace that follows it, and the first token also owns any leading
// whitespace, so the spans tile the whole text. Text without any word yields a
// single span covering it.
func tokenSpans(text string) []span {
	var starts []int
	inWord := false
	for i, r := range text {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			starts = append(starts, i)
			inWord = true
		}
	}
	if len(starts) == 0 {
		return []span{{0, len(text)}}
	}
	starts[0] = 0
	spans := make([]span, len(starts))
	for i, s := range starts {
		end := len(text)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		spans[i] = span{s, end}
	}
	return spans
}

// window slides a fixed-width window over units with stride size-overlap.
func window(units []span, size, overlap int) []span {
	if len(units) == 0 {
		return nil
	}
	stride := size - overlap
	var out []span
	for i := 0; ; i += stride {
		end := i + size
		if end > len(units) {
			end = len(units)
		}
		out = append(out, span{units[i].start, units[end-1].end})
		if end >= len(units) {
			break
		}
	}
	return out
}

// pack groups tokens into chunks of at most size tokens that end on a structural
// boundary when one is available, then backs up overlap tokens to start the next
// chunk. A segment longer than size is cut at the token limit.
func pack(text string, primary, secondary *regexp.Regexp, size, overlap int) []span {
	tokens := tokenSpans(text)
	cuts := boundaryCuts(text, tokens, primary, secondary)

	var out []span
	start := 0
	for {
		limit := start + size
		if limit >= len(tokens) {
			out = append(out, span{tokens[start].start, len(text)})
			break
		}
		cut := lastCutWithin(cuts, start, limit)
		if cut < 0 {
			cut = limit
		}
		out = append(out, span{tokens[start].start, tokens[cut-1].end})

		next := cut - overlap
		if next <= start {
			next = cut
		}
		start = next
	}
	return out
}

// boundaryCuts returns the sorted token indices at which a boundary ends, i.e.
// positions where a chunk may stop before token i.
func boundaryCuts(text string, tokens []span, patterns ...*regexp.Regexp) []int {
	byStart := make(map[int]int, len(tokens))
	for i := 1; i < len(tokens); i++ {
		byStart[tokens[i].start] = i
	}
	seen := make(map[int]bool)
	var cuts []int
	for _, re := range patterns {
		if re == nil {
			continue
		}
		for _, m := range re.FindAllStringIndex(text, -1) {
			if i, ok := byStart[m[1]]; ok && !seen[i] {
				seen[i] = true
				cuts = append(cuts, i)
			}
		}
	}
	sort.Ints(cuts)
	return cuts
}

// lastCutWithin returns the largest cut c with start < c <= limit, or -1.
func lastCutWithin(cuts []int, start, limit int) int {
	i := sort.SearchInts(cuts, limit+1) - 1
	if i >= 0 && cuts[i] > start {
		return cuts[i]
	}
	return -1
}

// separate splits on a literal separator, which stays attached to the piece
// before it.
func separate(text, sep string) []span {
	var out []span
	start := 0
	for {
		i := strings.Index(text[start:], sep)
		if i < 0 {
			break
		}
		end := start + i + len(sep)
		out = append(out, span{start, end})
		start = end
	}
	if start < len(text) {
		out = append(out, span{start, len(text)})
	}
	return out
}
