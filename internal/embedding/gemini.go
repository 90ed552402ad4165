package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"github.com/hyperjump/kotae/pkg/utils"
	"google.golang.org/api/option"
)

// DefaultGeminiModel is the hosted embedding model used when none is configured.
const DefaultGeminiModel = "text-embedding-004"

// GeminiEmbedder calls the Google Generative AI embedding API.
type GeminiEmbedder struct {
	client     *genai.Client
	model      *genai.EmbeddingModel
	modelName  string
	dimensions int
}

// NewGeminiEmbedder creates a client for the given model. dimensions must match
// what the model returns; mismatching vectors are rejected at embed time.
func NewGeminiEmbedder(ctx context.Context, apiKey, model string, dimensions int) (*GeminiEmbedder, error) {
	if apiKey == "" {
		return nil, errors.New("gemini embedder requires an API key")
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	if dimensions <= 0 {
		dimensions = 768
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiEmbedder{
		client:     client,
		model:      client.EmbeddingModel(model),
		modelName:  model,
		dimensions: dimensions,
	}, nil
}

// Embed embeds a single text.
func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.model.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if resp.Embedding == nil {
		return nil, errors.New("gemini embed: no embedding returned")
	}
	return e.finish(resp.Embedding.Values)
}

// EmbedBatch embeds texts in one BatchEmbedContents call.
func (e *GeminiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	batch := e.model.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}
	resp, err := e.model.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("gemini batch embed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini batch embed: got %d embeddings for %d texts", len(resp.Embeddings), len(texts))
	}
	out := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		v, err := e.finish(emb.Values)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *GeminiEmbedder) finish(values []float32) ([]float32, error) {
	if len(values) != e.dimensions {
		return nil, fmt.Errorf("gemini returned %d dimensions, expected %d", len(values), e.dimensions)
	}
	v := make([]float32, len(values))
	copy(v, values)
	utils.NormalizeL2(v)
	return v, nil
}

// Dimensions returns the embedding dimension.
func (e *GeminiEmbedder) Dimensions() int {
	return e.dimensions
}

// ID returns "gemini:<model>:<dimensions>".
func (e *GeminiEmbedder) ID() string {
	return fmt.Sprintf("gemini:%s:%d", e.modelName, e.dimensions)
}

// Close releases the client.
func (e *GeminiEmbedder) Close() error {
	return e.client.Close()
}
