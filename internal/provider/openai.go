package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/hyperjump/kotae/internal/models"
)

const (
	defaultOpenAIBase   = "https://api.openai.com/v1"
	defaultDeepSeekBase = "https://api.deepseek.com/v1"
	defaultAzureVersion = "2024-06-01"
	defaultBedrockZone  = "us-east-1"
)

var errStreamDone = errors.New("stream done")

// targetFunc resolves the chat completions URL and auth headers for one
// OpenAI-compatible provider.
type targetFunc func(cfg *models.ProviderConfig) (string, http.Header, error)

// OpenAIBackend streams from any OpenAI-compatible chat completions API.
type OpenAIBackend struct {
	client *http.Client
	target targetFunc
}

type openAIRequest struct {
	Model         string         `json:"model,omitempty"`
	Messages      []Message      `json:"messages"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (b *OpenAIBackend) Stream(ctx context.Context, cfg *models.ProviderConfig, req *ChatRequest, emit Emit) error {
	endpoint, header, err := b.target(cfg)
	if err != nil {
		return err
	}
	body := openAIRequest{
		Model:         req.Model,
		Messages:      req.Messages,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
		MaxTokens:     req.MaxTokens,
	}
	resp, err := postJSON(ctx, b.client, endpoint, header, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	err = streamSSE(resp.Body, func(_, data string) error {
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			return errStreamDone
		}
		var chunk openAIChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return &HTTPError{StatusCode: http.StatusBadGateway, Message: chunk.Error.Message, Type: chunk.Error.Type}
		}
		for _, c := range chunk.Choices {
			if c.Delta.Content == "" {
				continue
			}
			if err := emit(TextDelta(c.Delta.Content)); err != nil {
				return err
			}
		}
		if chunk.Usage != nil {
			return emit(UsageEvent(Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
			}))
		}
		return nil
	})
	if errors.Is(err, errStreamDone) {
		return nil
	}
	if err == nil {
		return errTruncated()
	}
	return err
}

func bearer(key string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+key)
	return h
}

func openAITarget(cfg *models.ProviderConfig) (string, http.Header, error) {
	key, err := requireCredential(cfg, models.CredAPIKey)
	if err != nil {
		return "", nil, err
	}
	base := credential(cfg, models.CredEndpoint)
	if base == "" {
		base = defaultOpenAIBase
	}
	return strings.TrimRight(base, "/") + "/chat/completions", bearer(key), nil
}

func deepSeekTarget(cfg *models.ProviderConfig) (string, http.Header, error) {
	key, err := requireCredential(cfg, models.CredAPIKey)
	if err != nil {
		return "", nil, err
	}
	base := credential(cfg, models.CredEndpoint)
	if base == "" {
		base = defaultDeepSeekBase
	}
	return strings.TrimRight(base, "/") + "/chat/completions", bearer(key), nil
}

// bedrockTarget uses the Bedrock runtime's OpenAI-compatible endpoint with a
// Bedrock API key.
func bedrockTarget(cfg *models.ProviderConfig) (string, http.Header, error) {
	key, err := requireCredential(cfg, models.CredAPIKey)
	if err != nil {
		return "", nil, err
	}
	base := credential(cfg, models.CredEndpoint)
	if base == "" {
		region := credential(cfg, models.CredRegion)
		if region == "" {
			region = defaultBedrockZone
		}
		base = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com/openai/v1", region)
	}
	return strings.TrimRight(base, "/") + "/chat/completions", bearer(key), nil
}

func azureTarget(cfg *models.ProviderConfig) (string, http.Header, error) {
	key, err := requireCredential(cfg, models.CredAPIKey)
	if err != nil {
		return "", nil, err
	}
	endpoint, err := requireCredential(cfg, models.CredEndpoint)
	if err != nil {
		return "", nil, err
	}
	deployment := credential(cfg, models.CredDeployment)
	if deployment == "" {
		deployment = cfg.ModelName
	}
	version := credential(cfg, models.CredAPIVersion)
	if version == "" {
		version = defaultAzureVersion
	}
	u := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		strings.TrimRight(endpoint, "/"), url.PathEscape(deployment), url.QueryEscape(version))
	h := http.Header{}
	h.Set("api-key", key)
	return u, h, nil
}
