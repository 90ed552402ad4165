// Package storage persists documents, chunks, provider configuration, quota
// accounts and chat sessions.
package storage

import (
	"context"

	"github.com/hyperjump/kotae/internal/models"
)

// DocumentStore persists documents and their chunks, including chunk vectors so
// the vector index can be rebuilt.
type DocumentStore interface {
	// CreateDocument stores a document with all of its chunks atomically.
	CreateDocument(ctx context.Context, doc *models.Document, chunks []*models.Chunk) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	GetDocuments(ctx context.Context, ids []string) (map[string]*models.Document, error)
	DocumentExists(ctx context.Context, id string) (bool, error)
	ListDocuments(ctx context.Context, ownerID string, offset, limit int) ([]*models.Document, error)
	// DeleteDocument removes a document; its chunks go with it.
	DeleteDocument(ctx context.Context, id string) error
	DeleteAllDocuments(ctx context.Context) error
	GetChunks(ctx context.Context, ids []string) (map[string]*models.Chunk, error)
	GetChunksByDocumentID(ctx context.Context, docID string) ([]*models.Chunk, error)
	// EachChunk streams every stored chunk with its vector.
	EachChunk(ctx context.Context, fn func(*models.Chunk) error) error
	// UpdateChunkVectors replaces the stored vectors of existing chunks.
	UpdateChunkVectors(ctx context.Context, chunks []*models.Chunk) error
	CountDocuments(ctx context.Context) (int64, error)
	CountChunks(ctx context.Context) (int64, error)
}

// ProviderStore persists generation provider configuration. At most one
// provider is active; each provider has at most one default model.
type ProviderStore interface {
	SaveProviderConfigs(ctx context.Context, cfgs ...models.ProviderConfig) error
	ActiveProviderConfig(ctx context.Context) (*models.ProviderConfig, error)
	ListProviderConfigs(ctx context.Context) ([]models.ProviderConfig, error)
}

// AccountUpdate mutates an account inside a transaction. plan holds the
// currently effective limits for the account's tier.
type AccountUpdate func(acct *models.QuotaAccount, plan *models.Plan) error

// QuotaStore persists plans and per-user quota accounts.
type QuotaStore interface {
	UpsertPlan(ctx context.Context, plan models.Plan) error
	SeedPlans(ctx context.Context, plans []models.Plan) error
	GetPlan(ctx context.Context, tier string) (*models.Plan, error)
	ListPlans(ctx context.Context) ([]models.Plan, error)
	AssignPlan(ctx context.Context, userID, tier string) error
	// GetAccount reads an account and its plan; unknown users get a zero
	// account on defaultPlan. Nothing is written.
	GetAccount(ctx context.Context, userID, defaultPlan string) (*models.QuotaAccount, *models.Plan, error)
	// UpdateAccount loads (or creates with defaultPlan) the account, runs fn and
	// writes the result back, all in one write transaction. If fn fails nothing
	// is written.
	UpdateAccount(ctx context.Context, userID, defaultPlan string, fn AccountUpdate) (*models.QuotaAccount, error)
}

// SessionStore persists the case, thread and message hierarchy.
type SessionStore interface {
	CreateCase(ctx context.Context, c *models.Case) error
	GetCase(ctx context.Context, id string) (*models.Case, error)
	ListCases(ctx context.Context, ownerID string) ([]*models.Case, error)
	DeleteCase(ctx context.Context, id string) error
	CreateThread(ctx context.Context, th *models.Thread) error
	GetThread(ctx context.Context, id string) (*models.Thread, error)
	ListThreads(ctx context.Context, caseID string) ([]*models.Thread, error)
	DeleteThread(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	// ListMessages returns the last limit messages of a thread in order; limit <= 0 returns all.
	ListMessages(ctx context.Context, threadID string, limit int) ([]*models.Message, error)
}

// Storage is the full persistence surface.
type Storage interface {
	DocumentStore
	ProviderStore
	QuotaStore
	SessionStore
	Close() error
}
