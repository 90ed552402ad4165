// Package provider streams answers from the active LLM provider. Each vendor
// family has a Backend; the Gateway resolves the active configuration,
// guards each provider with a rate limiter and circuit breaker, and normalizes
// every stream to text deltas followed by usage and done.
package provider

import "github.com/hyperjump/kotae/internal/apperr"

// EventType tags an Event.
type EventType int

const (
	EventTextDelta EventType = iota
	EventUsage
	EventError
	EventDone
)

func (t EventType) String() string {
	switch t {
	case EventTextDelta:
		return "text_delta"
	case EventUsage:
		return "usage"
	case EventError:
		return "error"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Usage is the token count of one generation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// Event is one item of a generation stream. Text is set for text deltas;
// Usage for usage and error events; Kind and Message for errors.
type Event struct {
	Type    EventType
	Text    string
	Usage   Usage
	Kind    apperr.Kind
	Message string
}

// TextDelta returns a text delta event.
func TextDelta(s string) Event { return Event{Type: EventTextDelta, Text: s} }

// UsageEvent returns a usage event.
func UsageEvent(u Usage) Event { return Event{Type: EventUsage, Usage: u} }
