// Package config provides configuration loading and structs for the kotae server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperjump/kotae/internal/chunker"
	"github.com/hyperjump/kotae/internal/models"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug      bool                  `yaml:"debug"`
	Server     ServerConfig          `yaml:"server"`
	Storage    StorageConfig         `yaml:"storage"`
	Embedding  EmbeddingConfig       `yaml:"embedding"`
	Vector     VectorConfig          `yaml:"vector"`
	Chunking   models.ChunkingConfig `yaml:"chunking"`
	Retrieval  RetrievalConfig       `yaml:"retrieval"`
	Generation GenerationConfig      `yaml:"generation"`
	Quota      QuotaConfig           `yaml:"quota"`
	Redis      RedisConfig           `yaml:"redis"`
	Watch      WatchConfig           `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StorageConfig holds paths for the database and on-disk indices.
type StorageConfig struct {
	DatabasePath     string `yaml:"database_path"`
	VectorIndexPath  string `yaml:"vector_index_path"`
	KeywordIndexPath string `yaml:"keyword_index_path"`
}

// EmbeddingConfig selects and tunes the embedder.
type EmbeddingConfig struct {
	Provider    string        `yaml:"provider"` // hash, onnx, gemini
	ModelPath   string        `yaml:"model_path"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	Dimensions  int           `yaml:"dimensions"`
	MaxTokens   int           `yaml:"max_tokens"`
	CacheSize   int           `yaml:"cache_size"`
	BatchSize   int           `yaml:"batch_size"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

// VectorConfig fixes the similarity metric at index creation.
type VectorConfig struct {
	Metric string `yaml:"metric"` // cosine, dot, euclidean
}

// RetrievalConfig holds retrieval and re-ranking settings.
type RetrievalConfig struct {
	TopK           int     `yaml:"top_k"`
	MinScore       float64 `yaml:"min_score"`
	MaxPerDocument int     `yaml:"max_per_document"` // 0 means unlimited
	// Rerank is the secondary signal: none, recency, keyword.
	Rerank        string        `yaml:"rerank"`
	KeywordWeight float64       `yaml:"keyword_weight"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
}

// GenerationConfig holds provider gateway and prompt settings.
type GenerationConfig struct {
	SystemPrompt        string        `yaml:"system_prompt"`
	MaxCompletionTokens int           `yaml:"max_completion_tokens"`
	CompletionReserve   int           `yaml:"completion_reserve"`
	HistoryLimit        int           `yaml:"history_limit"`
	StreamBuffer        int           `yaml:"stream_buffer"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	RateLimit           float64       `yaml:"rate_limit"` // requests per second per provider
	RateBurst           int           `yaml:"rate_burst"`
	Breaker             BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the per-provider circuit breaker.
type BreakerConfig struct {
	MaxRequests  uint32        `yaml:"max_requests"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	MinRequests  uint32        `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
}

// QuotaConfig selects the ledger backend and seeds plan limits.
type QuotaConfig struct {
	Backend     string        `yaml:"backend"` // sqlite, redis
	DefaultPlan string        `yaml:"default_plan"`
	Plans       []models.Plan `yaml:"plans"`
}

// RedisConfig locates the redis server used by the redis quota backend.
type RedisConfig struct {
	URL       string `yaml:"url"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// WatchConfig holds inbox directory settings. Files dropped there are ingested
// as documents owned by OwnerID.
type WatchConfig struct {
	Directories []string      `yaml:"directories"`
	Extensions  []string      `yaml:"extensions"`
	Recursive   *bool         `yaml:"recursive"`
	OwnerID     string        `yaml:"owner_id"`
	Debounce    time.Duration `yaml:"debounce"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// Load reads and parses the config file at path, expands paths, applies
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnv(&cfg)
	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.VectorIndexPath = expandPath(cfg.Storage.VectorIndexPath, configDir)
	cfg.Storage.KeywordIndexPath = expandPath(cfg.Storage.KeywordIndexPath, configDir)
	if cfg.Embedding.ModelPath != "" {
		cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	}
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate rejects settings that would fail later at runtime.
func (c *Config) Validate() error {
	if err := chunker.Validate(c.Chunking); err != nil {
		return fmt.Errorf("invalid chunking config: %w", err)
	}
	switch c.Vector.Metric {
	case "cosine", "dot", "euclidean":
	default:
		return fmt.Errorf("invalid vector metric %q", c.Vector.Metric)
	}
	switch c.Retrieval.Rerank {
	case "none", "recency", "keyword":
	default:
		return fmt.Errorf("invalid rerank signal %q", c.Retrieval.Rerank)
	}
	if c.Retrieval.MaxPerDocument < 0 {
		return fmt.Errorf("max_per_document must not be negative")
	}
	switch c.Quota.Backend {
	case "sqlite":
	case "redis":
		if c.Redis.URL == "" && c.Redis.Addr == "" {
			return fmt.Errorf("redis quota backend requires redis.url or redis.addr")
		}
	default:
		return fmt.Errorf("invalid quota backend %q", c.Quota.Backend)
	}
	found := false
	for _, p := range c.Quota.Plans {
		if p.Tier == "" || p.DailyLimit < 0 || p.MonthlyLimit < 0 {
			return fmt.Errorf("invalid plan %+v", p)
		}
		if p.Tier == c.Quota.DefaultPlan {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("default plan %q is not defined", c.Quota.DefaultPlan)
	}
	return nil
}

// applyEnv fills secrets from the environment when the file leaves them empty.
func applyEnv(cfg *Config) {
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = os.Getenv("KOTAE_REDIS_URL")
	}
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
