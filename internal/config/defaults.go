package config

import (
	"time"

	"github.com/hyperjump/kotae/internal/models"
)

// DefaultSystemPrompt instructs the model to answer from the numbered sources
// and cite them inline.
const DefaultSystemPrompt = `You are a helpful AI assistant with access to a knowledge base through RAG (Retrieval-Augmented Generation).
When answering questions, use the numbered sources provided below. Cite them inline like [1] or [2] right after the statement they support.
If the sources do not contain the answer, say so plainly instead of guessing.`

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 60 * time.Second
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/kotae/data/db/kotae.db"
	}
	if cfg.Storage.VectorIndexPath == "" {
		cfg.Storage.VectorIndexPath = "/usr/local/var/kotae/data/indices/vectors.bin"
	}
	if cfg.Storage.KeywordIndexPath == "" {
		cfg.Storage.KeywordIndexPath = "/usr/local/var/kotae/data/indices/bleve"
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "hash"
	}
	if cfg.Embedding.Provider == "onnx" && cfg.Embedding.ModelPath == "" {
		cfg.Embedding.ModelPath = "/usr/local/var/kotae/data/models/all-MiniLM-L6-v2.onnx"
	}
	if cfg.Embedding.Dimensions == 0 {
		if cfg.Embedding.Provider == "gemini" {
			cfg.Embedding.Dimensions = 768
		} else {
			cfg.Embedding.Dimensions = 384
		}
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 32
	}
	if cfg.Embedding.Concurrency == 0 {
		cfg.Embedding.Concurrency = 4
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = 30 * time.Second
	}
	if cfg.Vector.Metric == "" {
		cfg.Vector.Metric = "cosine"
	}
	if cfg.Chunking.ChunkSize == 0 {
		d := models.DefaultChunkingConfig()
		cfg.Chunking.ChunkSize = d.ChunkSize
		if cfg.Chunking.ChunkOverlap == 0 {
			cfg.Chunking.ChunkOverlap = d.ChunkOverlap
		}
	}
	if cfg.Chunking.SplitStrategy == "" {
		cfg.Chunking.SplitStrategy = models.SplitParagraph
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 5
	}
	if cfg.Retrieval.Rerank == "" {
		cfg.Retrieval.Rerank = "none"
	}
	if cfg.Retrieval.KeywordWeight == 0 {
		cfg.Retrieval.KeywordWeight = 0.3
	}
	if cfg.Retrieval.Timeout == 0 {
		cfg.Retrieval.Timeout = 10 * time.Second
	}
	if cfg.Retrieval.RetryBackoff == 0 {
		cfg.Retrieval.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.Generation.SystemPrompt == "" {
		cfg.Generation.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Generation.MaxCompletionTokens == 0 {
		cfg.Generation.MaxCompletionTokens = 1024
	}
	if cfg.Generation.CompletionReserve == 0 {
		cfg.Generation.CompletionReserve = 256
	}
	if cfg.Generation.HistoryLimit == 0 {
		cfg.Generation.HistoryLimit = 20
	}
	if cfg.Generation.StreamBuffer == 0 {
		cfg.Generation.StreamBuffer = 16
	}
	if cfg.Generation.ConnectTimeout == 0 {
		cfg.Generation.ConnectTimeout = 30 * time.Second
	}
	if cfg.Generation.RateLimit == 0 {
		cfg.Generation.RateLimit = 5
	}
	if cfg.Generation.RateBurst == 0 {
		cfg.Generation.RateBurst = 10
	}
	b := &cfg.Generation.Breaker
	if b.MaxRequests == 0 {
		b.MaxRequests = 5
	}
	if b.Interval == 0 {
		b.Interval = 10 * time.Second
	}
	if b.Timeout == 0 {
		b.Timeout = 60 * time.Second
	}
	if b.MinRequests == 0 {
		b.MinRequests = 3
	}
	if b.FailureRatio == 0 {
		b.FailureRatio = 0.6
	}
	if cfg.Quota.Backend == "" {
		cfg.Quota.Backend = "sqlite"
	}
	if cfg.Quota.DefaultPlan == "" {
		cfg.Quota.DefaultPlan = models.PlanFree
	}
	if len(cfg.Quota.Plans) == 0 {
		cfg.Quota.Plans = models.DefaultPlans()
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "kotae:"
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".txt", ".md", ".rst"}
	}
	if cfg.Watch.OwnerID == "" {
		cfg.Watch.OwnerID = "system"
	}
	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 500 * time.Millisecond
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}
