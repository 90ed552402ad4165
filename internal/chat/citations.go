package chat

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/pkg/utils"
)

const (
	snippetLen = 200
	// Longest unterminated "[1, 2, ..." tail kept between deltas.
	maxPending = 32
)

var (
	markerRe  = regexp.MustCompile(`\[(\d+(?:\s*,\s*\d+)*)\]`)
	partialRe = regexp.MustCompile(`\[[\d,\s]*$`)
)

// citationScanner finds [n] markers in a stream of deltas. A marker may be
// split across deltas; it is reported by the delta that completes it.
type citationScanner struct {
	passages []*models.RetrievedPassage
	seen     map[int]bool
	pending  string
	cited    []*models.Citation
}

func newCitationScanner(passages []*models.RetrievedPassage) *citationScanner {
	return &citationScanner{passages: passages, seen: make(map[int]bool)}
}

// Feed scans delta and returns citations for markers seen for the first
// time. Markers outside 1..len(passages) are ignored.
func (s *citationScanner) Feed(delta string) []*models.Citation {
	buf := s.pending + delta
	s.pending = ""

	var out []*models.Citation
	for _, m := range markerRe.FindAllStringSubmatch(buf, -1) {
		for _, part := range strings.Split(m[1], ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || n < 1 || n > len(s.passages) || s.seen[n] {
				continue
			}
			s.seen[n] = true
			c := citationFor(n, s.passages[n-1])
			s.cited = append(s.cited, c)
			out = append(out, c)
		}
	}

	if loc := partialRe.FindStringIndex(buf); loc != nil && loc[1]-loc[0] <= maxPending {
		s.pending = buf[loc[0]:]
	}
	return out
}

// Cited returns every citation in order of first appearance.
func (s *citationScanner) Cited() []*models.Citation {
	return s.cited
}

func citationFor(marker int, p *models.RetrievedPassage) *models.Citation {
	c := &models.Citation{
		Marker:        marker,
		ChunkID:       p.Chunk.ID,
		DocumentID:    p.Chunk.DocumentID,
		DocumentTitle: p.Chunk.DocumentID,
		Snippet:       utils.Truncate(strings.TrimSpace(p.Chunk.Text), snippetLen),
	}
	if p.Document != nil {
		if p.Document.Title != "" {
			c.DocumentTitle = p.Document.Title
		}
		c.SourceURI = p.Document.SourceURI
	}
	return c
}
