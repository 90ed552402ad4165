package models

import "time"

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Case groups threads for one owner.
type Case struct {
	ID        string    `json:"id" db:"id"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Thread is a chat session inside a case.
type Thread struct {
	ID        string    `json:"id" db:"id"`
	CaseID    string    `json:"case_id" db:"case_id"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	Title     string    `json:"title" db:"title"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Message is an append-only entry in a thread.
type Message struct {
	ID        string      `json:"id" db:"id"`
	ThreadID  string      `json:"thread_id" db:"thread_id"`
	Role      Role        `json:"role" db:"role"`
	Content   string      `json:"content" db:"content"`
	Citations []*Citation `json:"citations,omitempty"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// Citation binds an in-text marker [n] to the passage that justified it.
type Citation struct {
	Marker        int    `json:"marker"`
	ChunkID       string `json:"chunk_id"`
	DocumentID    string `json:"document_id"`
	DocumentTitle string `json:"document_title"`
	SourceURI     string `json:"source_uri,omitempty"`
	Snippet       string `json:"snippet"`
}
