package main

import (
	"context"
	"fmt"

	"github.com/hyperjump/kotae/internal/chat"
	"github.com/hyperjump/kotae/internal/chunker"
	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/embedding"
	"github.com/hyperjump/kotae/internal/indexer"
	"github.com/hyperjump/kotae/internal/keyword"
	"github.com/hyperjump/kotae/internal/provider"
	"github.com/hyperjump/kotae/internal/quota"
	"github.com/hyperjump/kotae/internal/retriever"
	"github.com/hyperjump/kotae/internal/storage"
	"github.com/hyperjump/kotae/internal/vector"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Components holds initialized services.
type Components struct {
	Storage      *storage.SQLiteStorage
	Embedder     embedding.Embedder
	VectorIndex  vector.Index
	KeywordIndex *keyword.BleveIndex
	Indexer      *indexer.Indexer
	Retriever    *retriever.Retriever
	Gateway      *provider.Gateway
	Ledger       quota.Ledger
	Chat         *chat.Orchestrator

	redis           *redis.Client
	vectorIndexPath string
	logger          *zap.Logger
}

// SaveVectorIndex writes the vector snapshot so the next start skips a rebuild.
func (c *Components) SaveVectorIndex() {
	if c.VectorIndex == nil || c.vectorIndexPath == "" {
		return
	}
	if err := c.VectorIndex.Save(c.vectorIndexPath); err != nil {
		c.logger.Warn("vector index save failed", zap.String("path", c.vectorIndexPath), zap.Error(err))
	}
}

func (c *Components) Close() {
	if c.redis != nil {
		_ = c.redis.Close()
	}
	if c.KeywordIndex != nil {
		_ = c.KeywordIndex.Close()
	}
	if c.VectorIndex != nil {
		_ = c.VectorIndex.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Components, err error) {
	c := &Components{vectorIndexPath: cfg.Storage.VectorIndexPath, logger: logger}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	c.Storage, err = storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := c.Storage.SeedPlans(ctx, cfg.Quota.Plans); err != nil {
		return nil, fmt.Errorf("failed to seed plans: %w", err)
	}

	c.Embedder, err = embedding.New(ctx, cfg.Embedding, logger)
	if err != nil {
		return nil, err
	}

	c.VectorIndex, err = vector.New(cfg.Vector.Metric, c.Embedder.Dimensions(), c.Embedder.ID())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}
	stale := false
	if loadErr := c.VectorIndex.Load(cfg.Storage.VectorIndexPath); loadErr != nil {
		logger.Warn("vector index snapshot skipped, rebuilding from storage",
			zap.String("path", cfg.Storage.VectorIndexPath), zap.Error(loadErr))
		stale = true
	}

	c.KeywordIndex, err = keyword.NewBleveIndex(cfg.Storage.KeywordIndexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize keyword index: %w", err)
	}

	ch, err := chunker.New(cfg.Chunking)
	if err != nil {
		return nil, err
	}
	c.Indexer, err = indexer.New(c.Storage, c.Embedder, c.VectorIndex, ch, cfg.Embedding,
		indexer.WithLogger(logger),
		indexer.WithKeywordIndex(c.KeywordIndex),
		indexer.WithRetryBackoff(cfg.Retrieval.RetryBackoff))
	if err != nil {
		return nil, err
	}

	chunks, err := c.Storage.CountChunks(ctx)
	if err != nil {
		return nil, err
	}
	if stale || int64(c.VectorIndex.Size()) != chunks {
		if _, err := c.Indexer.Rebuild(ctx); err != nil {
			return nil, fmt.Errorf("failed to rebuild vector index: %w", err)
		}
	}

	c.Retriever, err = retriever.New(c.Storage, c.Embedder, c.VectorIndex, cfg.Retrieval,
		retriever.WithLogger(logger),
		retriever.WithKeywordIndex(c.KeywordIndex, cfg.Retrieval.KeywordWeight))
	if err != nil {
		return nil, err
	}

	registry := provider.NewRegistry(provider.NewHTTPClient(cfg.Generation.ConnectTimeout))
	c.Gateway = provider.NewGateway(c.Storage, registry, cfg.Generation, provider.WithLogger(logger))

	switch cfg.Quota.Backend {
	case "redis":
		c.redis, err = quota.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		c.Ledger = quota.NewRedisLedger(c.redis, c.Storage, cfg.Quota.DefaultPlan, cfg.Redis.KeyPrefix, quota.WithLogger(logger))
	default:
		c.Ledger = quota.NewSQLLedger(c.Storage, cfg.Quota.DefaultPlan, quota.WithLogger(logger))
	}

	c.Chat = chat.New(c.Storage, c.Ledger, c.Retriever, c.Gateway, cfg.Generation,
		chat.WithLogger(logger),
		chat.WithIngester(c.Indexer))
	return c, nil
}
