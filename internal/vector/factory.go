package vector

import "fmt"

// New creates an in-memory index for vectors of the given dimension produced by
// the embedder identified by embedderID.
func New(metric string, dimensions int, embedderID string) (Index, error) {
	m, err := ParseMetric(metric)
	if err != nil {
		return nil, err
	}
	if embedderID == "" {
		return nil, fmt.Errorf("embedder identity is required")
	}
	return NewMemoryIndex(m, dimensions, embedderID)
}
