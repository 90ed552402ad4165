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

const (
	defaultAnthropicBase    = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	defaultAnthropicMaxToks = 1024
)

// AnthropicBackend streams from the Anthropic Messages API.
type AnthropicBackend struct {
	client *http.Client
}

type anthropicRequest struct {
	Model     string    `json:"model"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
	Stream    bool      `json:"stream"`
}

type anthropicEvent struct {
	Type    string `json:"type"`
	Message struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (b *AnthropicBackend) Stream(ctx context.Context, cfg *models.ProviderConfig, req *ChatRequest, emit Emit) error {
	key, err := requireCredential(cfg, models.CredAPIKey)
	if err != nil {
		return err
	}
	base := credential(cfg, models.CredEndpoint)
	if base == "" {
		base = defaultAnthropicBase
	}
	system, turns := req.System()
	body := anthropicRequest{
		Model:     req.Model,
		System:    system,
		Messages:  turns,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultAnthropicMaxToks
	}
	header := http.Header{}
	header.Set("x-api-key", key)
	header.Set("anthropic-version", anthropicVersion)

	resp, err := postJSON(ctx, b.client, strings.TrimRight(base, "/")+"/v1/messages", header, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var (
		usage    Usage
		reported bool
	)
	err = streamSSE(resp.Body, func(_, data string) error {
		var ev anthropicEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("decode stream event: %w", err)
		}
		switch ev.Type {
		case "message_start":
			usage.PromptTokens = ev.Message.Usage.InputTokens
			usage.CompletionTokens = ev.Message.Usage.OutputTokens
			reported = true
		case "content_block_delta":
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				return emit(TextDelta(ev.Delta.Text))
			}
		case "message_delta":
			if ev.Usage.OutputTokens > 0 {
				usage.CompletionTokens = ev.Usage.OutputTokens
				reported = true
			}
		case "message_stop":
			return errStreamDone
		case "error":
			return &HTTPError{StatusCode: http.StatusBadGateway, Message: ev.Error.Message, Type: ev.Error.Type}
		}
		return nil
	})
	if err == nil {
		err = errTruncated()
	}
	if reported {
		if emitErr := emit(UsageEvent(usage)); emitErr != nil {
			return emitErr
		}
	}
	if errors.Is(err, errStreamDone) {
		return nil
	}
	return err
}
