package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/hyperjump/kotae/internal/models"
)

const defaultOllamaBase = "http://localhost:11434"

// OllamaBackend streams from a local Ollama server's chat API.
type OllamaBackend struct {
	client *http.Client
}

type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

func (b *OllamaBackend) Stream(ctx context.Context, cfg *models.ProviderConfig, req *ChatRequest, emit Emit) error {
	base := credential(cfg, models.CredEndpoint)
	if base == "" {
		base = defaultOllamaBase
	}
	body := ollamaRequest{Model: req.Model, Messages: req.Messages, Stream: true}
	if req.MaxTokens > 0 {
		body.Options = map[string]any{"num_predict": req.MaxTokens}
	}
	var header http.Header
	if key := credential(cfg, models.CredAPIKey); key != "" {
		header = bearer(key)
	}

	resp, err := postJSON(ctx, b.client, strings.TrimRight(base, "/")+"/api/chat", header, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	err = streamNDJSON(resp.Body, func(line []byte) error {
		var chunk ollamaChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("decode stream line: %w", err)
		}
		if chunk.Error != "" {
			return &HTTPError{StatusCode: http.StatusBadGateway, Message: chunk.Error}
		}
		if chunk.Message.Content != "" {
			if err := emit(TextDelta(chunk.Message.Content)); err != nil {
				return err
			}
		}
		if !chunk.Done {
			return nil
		}
		if chunk.PromptEvalCount > 0 || chunk.EvalCount > 0 {
			if err := emit(UsageEvent(Usage{PromptTokens: chunk.PromptEvalCount, CompletionTokens: chunk.EvalCount})); err != nil {
				return err
			}
		}
		return errStreamDone
	})
	if errors.Is(err, errStreamDone) {
		return nil
	}
	if err == nil {
		return errTruncated()
	}
	return err
}
