// Package models defines core data structures for documents, chunks, chat sessions, providers, and quotas.
package models

import "time"

// Document is an ingested source. It is immutable once indexed; deleting it
// removes its chunks.
type Document struct {
	ID         string    `json:"id" db:"id"`
	Title      string    `json:"title" db:"title"`
	SourceURI  string    `json:"source_uri" db:"source_uri"`
	OwnerID    string    `json:"owner_id" db:"owner_id"`
	UploadedAt time.Time `json:"uploaded_at" db:"uploaded_at"`
}

// Chunk is a contiguous slice of a document's text. Offsets are byte offsets
// into the raw text the document was ingested from.
type Chunk struct {
	ID            string    `json:"id" db:"id"`
	DocumentID    string    `json:"document_id" db:"document_id"`
	SequenceIndex int       `json:"sequence_index" db:"sequence_index"`
	Text          string    `json:"text" db:"text"`
	TokenCount    int       `json:"token_count" db:"token_count"`
	OffsetStart   int       `json:"offset_start" db:"offset_start"`
	OffsetEnd     int       `json:"offset_end" db:"offset_end"`
	Vector        []float32 `json:"-" db:"-"`
}

// DocumentInput is what the ingestion boundary hands to the indexer.
type DocumentInput struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	SourceURI string `json:"source_uri,omitempty"`
	OwnerID   string `json:"owner_id"`
	Text      string `json:"text"`
}
