package chat

import (
	"github.com/hyperjump/kotae/internal/apperr"
	"github.com/hyperjump/kotae/internal/models"
)

// EventType tags a StreamEvent. The values are the SSE event names.
type EventType string

const (
	EventDelta    EventType = "delta"
	EventCitation EventType = "citation"
	EventError    EventType = "error"
	EventDone     EventType = "done"
)

// StreamEvent is one item of a chat stream.
type StreamEvent struct {
	Type      EventType          `json:"type"`
	Text      string             `json:"text,omitempty"`
	Citation  *models.Citation   `json:"citation,omitempty"`
	Kind      apperr.Kind        `json:"kind,omitempty"`
	Message   string             `json:"message,omitempty"`
	MessageID string             `json:"message_id,omitempty"`
	Citations []*models.Citation `json:"citations,omitempty"`
}
