package provider

import (
	"fmt"
	"strings"

	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/pkg/utils"
)

// Message is one chat turn sent to a backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is what the orchestrator asks the gateway to answer.
type Request struct {
	SystemPrompt string
	// Passages become the numbered sources [1]..[n], in order.
	Passages    []*models.RetrievedPassage
	History     []*models.Message
	UserMessage string
	MaxTokens   int
}

// ChatRequest is the vendor-neutral request handed to a Backend. The first
// message is the system prompt.
type ChatRequest struct {
	Model     string
	Messages  []Message
	MaxTokens int
}

// System returns the system prompt and the remaining turns.
func (r *ChatRequest) System() (string, []Message) {
	if len(r.Messages) > 0 && r.Messages[0].Role == "system" {
		return r.Messages[0].Content, r.Messages[1:]
	}
	return "", r.Messages
}

// FormatSources renders passages as numbered sources. Source n is passage n-1.
func FormatSources(passages []*models.RetrievedPassage) string {
	if len(passages) == 0 {
		return "No relevant sources were found in the knowledge base."
	}
	var b strings.Builder
	b.WriteString("Sources:\n")
	for i, p := range passages {
		title := p.Chunk.DocumentID
		if p.Document != nil && p.Document.Title != "" {
			title = p.Document.Title
		}
		fmt.Fprintf(&b, "\n[%d] %s\n%s\n", i+1, title, strings.TrimSpace(p.Chunk.Text))
	}
	return b.String()
}

// BuildMessages assembles the outgoing turns: the system prompt with the
// sources appended, the history, then the user message.
func BuildMessages(req *Request) []Message {
	msgs := make([]Message, 0, len(req.History)+2)
	system := strings.TrimSpace(req.SystemPrompt)
	if system != "" {
		system += "\n\n"
	}
	msgs = append(msgs, Message{Role: "system", Content: system + FormatSources(req.Passages)})
	for _, m := range req.History {
		msgs = append(msgs, Message{Role: string(m.Role), Content: m.Content})
	}
	return append(msgs, Message{Role: "user", Content: req.UserMessage})
}

// EstimatePromptTokens approximates the prompt size of msgs at four
// characters per token.
func EstimatePromptTokens(msgs []Message) int {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Content)
	}
	return utils.EstimateTokens(b.String())
}
