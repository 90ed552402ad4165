// Package server provides the HTTP API for Kotae: document ingestion, cases
// and threads, streaming chat, quota, and the provider, plan and index admin
// endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hyperjump/kotae/internal/chat"
	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/quota"
	"github.com/hyperjump/kotae/internal/storage"
	"go.uber.org/zap"
)

// ChatService runs chat turns and plan-checked ingestion.
type ChatService interface {
	Chat(ctx context.Context, req chat.Request) (<-chan chat.StreamEvent, error)
	Ingest(ctx context.Context, userID string, in *models.DocumentInput) (*models.Document, error)
}

// IndexService removes documents and administers the index.
type IndexService interface {
	DeleteDocument(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	Stats() *models.IndexStats
}

// ProviderTester checks a provider configuration against the live API.
type ProviderTester interface {
	TestConfig(ctx context.Context, cfg models.ProviderConfig) (string, error)
}

// InboxService manages watched inbox directories.
type InboxService interface {
	Directories() []string
	AddDirectory(root string) error
	RemoveDirectory(root string) error
}

// Deps are the components the server routes to. Inbox may be nil.
type Deps struct {
	Storage   storage.Storage
	Chat      ChatService
	Index     IndexService
	Ledger    quota.Ledger
	Providers ProviderTester
	Inbox     InboxService
}

// Server is the HTTP server for the Kotae API.
type Server struct {
	Deps
	config     *config.Config
	configPath string
	configMu   sync.Mutex
	logger     *zap.Logger
	server     *http.Server
}

// NewServer creates a server. configPath, when set, receives inbox directory
// changes.
func NewServer(deps Deps, cfg *config.Config, configPath string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		Deps:       deps,
		config:     cfg,
		configPath: configPath,
		logger:     logger,
	}
}

// Routes returns the API router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		// Streams are bounded by the client and the provider, not a request timeout.
		r.With(s.requireUser).Post("/threads/{threadID}/chat", s.handleChat)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.requestTimeout()))
			r.Use(middleware.Compress(5))

			r.Group(func(r chi.Router) {
				r.Use(s.requireUser)
				r.Post("/documents", s.handleIndexDocument)
				r.Get("/documents", s.handleListDocuments)
				r.Get("/documents/{id}", s.handleGetDocument)
				r.Delete("/documents/{id}", s.handleDeleteDocument)

				r.Post("/cases", s.handleCreateCase)
				r.Get("/cases", s.handleListCases)
				r.Delete("/cases/{id}", s.handleDeleteCase)
				r.Post("/cases/{id}/threads", s.handleCreateThread)
				r.Get("/cases/{id}/threads", s.handleListThreads)
				r.Get("/threads/{id}/messages", s.handleListMessages)
				r.Delete("/threads/{id}", s.handleDeleteThread)
				r.Get("/messages/{id}", s.handleGetMessage)

				r.Get("/quota", s.handleQuota)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Get("/providers", s.handleListProviders)
				r.Put("/providers", s.handleSaveProviders)
				r.Get("/providers/active", s.handleActiveProvider)
				r.Post("/providers/test", s.handleTestProvider)

				r.Get("/plans", s.handleListPlans)
				r.Put("/plans/{tier}", s.handlePutPlan)
				r.Put("/users/{userID}/plan", s.handleAssignPlan)

				r.Get("/index/stats", s.handleIndexStats)
				r.Delete("/index", s.handleClearIndex)

				r.Get("/inbox", s.handleInboxList)
				r.Post("/inbox", s.handleInboxAdd)
				r.Delete("/inbox", s.handleInboxRemove)
			})
		})
	})
	return r
}

func (s *Server) requestTimeout() time.Duration {
	if s.config != nil && s.config.Server.RequestTimeout > 0 {
		return s.config.Server.RequestTimeout
	}
	return 60 * time.Second
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
