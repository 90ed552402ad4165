package models

// RetrievedPassage is one ranked retrieval hit. Score is the vector similarity
// (higher is closer); RerankScore is set only when a secondary signal reordered
// the results.
type RetrievedPassage struct {
	Chunk       *Chunk    `json:"chunk"`
	Document    *Document `json:"document,omitempty"`
	Score       float64   `json:"score"`
	RerankScore float64   `json:"rerank_score,omitempty"`
	Rank        int       `json:"rank"`
}

// IndexStats summarizes the vector index for the admin boundary.
type IndexStats struct {
	Documents  int    `json:"documents"`
	Chunks     int    `json:"chunks"`
	Dimensions int    `json:"dimensions"`
	Metric     string `json:"metric"`
	EmbedderID string `json:"embedder_id"`
}
