package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hyperjump/kotae/internal/apperr"
	"github.com/hyperjump/kotae/internal/models"
)

// MemoryIndex is a brute-force in-memory index. Chunks are sharded by document:
// each shard has its own lock, so writes to different documents proceed
// concurrently while queries only take read locks.
type MemoryIndex struct {
	metric     Metric
	dimensions int
	embedderID string

	mu     sync.RWMutex // guards shards map only
	shards map[string]*shard
	size   atomic.Int64
}

type shard struct {
	mu      sync.RWMutex
	deleted bool
	entries map[string]*entry
}

type entry struct {
	seq    int
	vector []float32
	norm   float64
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex(metric Metric, dimensions int, embedderID string) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &MemoryIndex{
		metric:     metric,
		dimensions: dimensions,
		embedderID: embedderID,
		shards:     make(map[string]*shard),
	}, nil
}

// Upsert writes chunk vectors. All vectors are checked before anything is written.
func (m *MemoryIndex) Upsert(ctx context.Context, chunks []*models.Chunk) error {
	byDoc := make(map[string][]*models.Chunk)
	for _, c := range chunks {
		if len(c.Vector) != m.dimensions {
			return apperr.New(apperr.KindDimensionMismatch,
				"chunk %s has %d dimensions, index expects %d", c.ID, len(c.Vector), m.dimensions)
		}
		if c.DocumentID == "" || c.ID == "" {
			return fmt.Errorf("chunk is missing its id or document id")
		}
		byDoc[c.DocumentID] = append(byDoc[c.DocumentID], c)
	}

	for docID, docChunks := range byDoc {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.writeDocument(docID, docChunks)
	}
	return nil
}

func (m *MemoryIndex) writeDocument(docID string, chunks []*models.Chunk) {
	for {
		s := m.shardFor(docID)
		s.mu.Lock()
		if s.deleted {
			// Lost a race with DeleteByDocument; fetch the replacement shard.
			s.mu.Unlock()
			continue
		}
		added := 0
		for _, c := range chunks {
			vec := make([]float32, len(c.Vector))
			copy(vec, c.Vector)
			if _, ok := s.entries[c.ID]; !ok {
				added++
			}
			s.entries[c.ID] = &entry{seq: c.SequenceIndex, vector: vec, norm: L2Norm(vec)}
		}
		m.size.Add(int64(added))
		s.mu.Unlock()
		return
	}
}

func (m *MemoryIndex) shardFor(docID string) *shard {
	m.mu.RLock()
	s, ok := m.shards[docID]
	m.mu.RUnlock()
	if ok {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.shards[docID]; ok {
		return s
	}
	s = &shard{entries: make(map[string]*entry)}
	m.shards[docID] = s
	return s
}

// DeleteByDocument drops a document's shard.
func (m *MemoryIndex) DeleteByDocument(ctx context.Context, documentID string) error {
	m.mu.Lock()
	s, ok := m.shards[documentID]
	delete(m.shards, documentID)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	s.deleted = true
	m.size.Add(-int64(len(s.entries)))
	s.entries = nil
	s.mu.Unlock()
	return nil
}

// Query scores every chunk against vector and returns the best k.
func (m *MemoryIndex) Query(ctx context.Context, vector []float32, k int) ([]Result, error) {
	if len(vector) != m.dimensions {
		return nil, apperr.New(apperr.KindDimensionMismatch,
			"query has %d dimensions, index expects %d", len(vector), m.dimensions)
	}
	if k <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	docIDs := make([]string, 0, len(m.shards))
	shards := make([]*shard, 0, len(m.shards))
	for id, s := range m.shards {
		docIDs = append(docIDs, id)
		shards = append(shards, s)
	}
	m.mu.RUnlock()

	qn := L2Norm(vector)
	var results []Result
	for i, s := range shards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.mu.RLock()
		if !s.deleted {
			for chunkID, e := range s.entries {
				results = append(results, Result{
					ChunkID:       chunkID,
					DocumentID:    docIDs[i],
					SequenceIndex: e.seq,
					Score:         m.metric.score(vector, qn, e.vector, e.norm),
				})
			}
		}
		s.mu.RUnlock()
	}

	sortResults(results)
	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.SequenceIndex != b.SequenceIndex {
			return a.SequenceIndex < b.SequenceIndex
		}
		return a.ChunkID < b.ChunkID
	})
}

// Size returns the number of chunk vectors in the index.
func (m *MemoryIndex) Size() int {
	return int(m.size.Load())
}

// Documents returns the number of documents with at least one chunk.
func (m *MemoryIndex) Documents() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.shards)
}

// Dimensions returns the vector dimension.
func (m *MemoryIndex) Dimensions() int { return m.dimensions }

// Metric returns the similarity metric.
func (m *MemoryIndex) Metric() Metric { return m.metric }

// EmbedderID returns the identity of the embedder the index was built with.
func (m *MemoryIndex) EmbedderID() string { return m.embedderID }

// Clear removes every document.
func (m *MemoryIndex) Clear() {
	m.mu.Lock()
	old := m.shards
	m.shards = make(map[string]*shard)
	m.mu.Unlock()

	for _, s := range old {
		s.mu.Lock()
		s.deleted = true
		m.size.Add(-int64(len(s.entries)))
		s.entries = nil
		s.mu.Unlock()
	}
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}
