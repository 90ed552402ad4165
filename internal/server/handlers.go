package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hyperjump/kotae/internal/apperr"
	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/storage"
	"go.uber.org/zap"
)

// UserHeader carries the authenticated user's ID, set by the gateway in
// front of the API.
const UserHeader = "X-User-ID"

type userKey struct{}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			s.respondJSON(w, http.StatusUnauthorized, errorBody{Kind: "unauthenticated", Message: UserHeader + " header is required"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	})
}

func userFrom(r *http.Request) string {
	id, _ := r.Context().Value(userKey{}).(string)
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Documents

func (s *Server) handleIndexDocument(w http.ResponseWriter, r *http.Request) {
	var input models.DocumentInput
	if !s.decode(w, r, &input) {
		return
	}
	if input.ID == "" {
		input.ID = uuid.NewString()
	}
	s.logger.Debug("Index document request", zap.String("id", input.ID), zap.String("title", input.Title))
	doc, err := s.Chat.Ingest(r.Context(), userFrom(r), &input)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	docs, err := s.Storage.ListDocuments(r.Context(), userFrom(r), max(offset, 0), limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"documents": nonNil(docs)})
}

func (s *Server) ownedDocument(r *http.Request) (*models.Document, error) {
	doc, err := s.Storage.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if doc.OwnerID != userFrom(r) {
		return nil, apperr.New(apperr.KindForbidden, "document belongs to another user")
	}
	return doc, nil
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ownedDocument(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ownedDocument(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.logger.Debug("Delete document request", zap.String("id", doc.ID))
	if err := s.Index.DeleteDocument(r.Context(), doc.ID); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": doc.ID, "status": "deleted"})
}

// Cases, threads and messages

func (s *Server) ownedCase(r *http.Request) (*models.Case, error) {
	c, err := s.Storage.GetCase(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if c.OwnerID != userFrom(r) {
		return nil, apperr.New(apperr.KindForbidden, "case belongs to another user")
	}
	return c, nil
}

func (s *Server) ownedThread(ctx context.Context, userID, id string) (*models.Thread, error) {
	th, err := s.Storage.GetThread(ctx, id)
	if err != nil {
		return nil, err
	}
	if th.OwnerID != userID {
		return nil, apperr.New(apperr.KindForbidden, "thread belongs to another user")
	}
	return th, nil
}

type createCaseRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	var req createCaseRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.respondError(w, apperr.New(apperr.KindInvalidInput, "name is required"))
		return
	}
	c := &models.Case{ID: uuid.NewString(), OwnerID: userFrom(r), Name: req.Name}
	if err := s.Storage.CreateCase(r.Context(), c); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	cases, err := s.Storage.ListCases(r.Context(), userFrom(r))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"cases": nonNil(cases)})
}

func (s *Server) handleDeleteCase(w http.ResponseWriter, r *http.Request) {
	c, err := s.ownedCase(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.Storage.DeleteCase(r.Context(), c.ID); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": c.ID, "status": "deleted"})
}

type createThreadRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	c, err := s.ownedCase(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	var req createThreadRequest
	if !s.decode(w, r, &req) {
		return
	}
	th := &models.Thread{ID: uuid.NewString(), CaseID: c.ID, OwnerID: c.OwnerID, Title: req.Title}
	if err := s.Storage.CreateThread(r.Context(), th); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, th)
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	c, err := s.ownedCase(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	threads, err := s.Storage.ListThreads(r.Context(), c.ID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"threads": nonNil(threads)})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	th, err := s.ownedThread(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := s.Storage.ListMessages(r.Context(), th.ID, limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"messages": nonNil(msgs)})
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	th, err := s.ownedThread(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.Storage.DeleteThread(r.Context(), th.ID); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": th.ID, "status": "deleted"})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.Storage.GetMessage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	if _, err := s.ownedThread(r.Context(), userFrom(r), msg.ThreadID); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, msg)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	acct, err := s.Ledger.Account(r.Context(), userFrom(r))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, acct)
}

// Admin: providers, plans, index

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	cfgs, err := s.Storage.ListProviderConfigs(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	out := make([]models.ProviderConfig, len(cfgs))
	for i, c := range cfgs {
		out[i] = c.Redacted()
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (s *Server) handleSaveProviders(w http.ResponseWriter, r *http.Request) {
	var cfgs []models.ProviderConfig
	if !s.decode(w, r, &cfgs) {
		return
	}
	if err := s.Storage.SaveProviderConfigs(r.Context(), cfgs...); err != nil {
		s.respondError(w, err)
		return
	}
	s.logger.Info("Provider configuration saved", zap.Int("entries", len(cfgs)))
	s.respondJSON(w, http.StatusOK, map[string]any{"status": "saved", "entries": len(cfgs)})
}

func (s *Server) handleActiveProvider(w http.ResponseWriter, r *http.Request) {
	active, err := s.Storage.ActiveProviderConfig(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, active.Redacted())
}

type testProviderResponse struct {
	Success bool   `json:"success"`
	Reply   string `json:"reply,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleTestProvider(w http.ResponseWriter, r *http.Request) {
	var cfg models.ProviderConfig
	if !s.decode(w, r, &cfg) {
		return
	}
	reply, err := s.Providers.TestConfig(r.Context(), cfg)
	if err != nil {
		s.logger.Warn("Provider test failed", zap.String("provider", string(cfg.Provider)), zap.Error(err))
		kind, msg, _ := apperr.Public(err)
		s.respondJSON(w, http.StatusOK, testProviderResponse{Kind: string(kind), Message: msg})
		return
	}
	s.respondJSON(w, http.StatusOK, testProviderResponse{Success: true, Reply: reply})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.Ledger.Plans(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"plans": nonNil(plans)})
}

func (s *Server) handlePutPlan(w http.ResponseWriter, r *http.Request) {
	var plan models.Plan
	if !s.decode(w, r, &plan) {
		return
	}
	plan.Tier = chi.URLParam(r, "tier")
	if err := s.Ledger.SetPlan(r.Context(), plan); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, plan)
}

type assignPlanRequest struct {
	Tier string `json:"tier"`
}

func (s *Server) handleAssignPlan(w http.ResponseWriter, r *http.Request) {
	var req assignPlanRequest
	if !s.decode(w, r, &req) {
		return
	}
	userID := chi.URLParam(r, "userID")
	if err := s.Ledger.AssignPlan(r.Context(), userID, req.Tier); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"user_id": userID, "plan": req.Tier})
}

func (s *Server) handleIndexStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docCount, err := s.Storage.CountDocuments(ctx)
	if err != nil {
		s.respondError(w, err)
		return
	}
	chunkCount, err := s.Storage.CountChunks(ctx)
	if err != nil {
		s.respondError(w, err)
		return
	}
	resp := map[string]any{
		"index":           s.Index.Stats(),
		"stored_documents": docCount,
		"stored_chunks":    chunkCount,
	}
	if s.config != nil {
		st := s.config.Storage
		if usage, err := storage.DiskUsage(st.DatabasePath, st.VectorIndexPath, st.KeywordIndexPath); err == nil {
			resp["disk_usage_bytes"] = usage.Total()
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClearIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.Index.Clear(r.Context()); err != nil {
		s.respondError(w, err)
		return
	}
	s.logger.Info("Index cleared")
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// Admin: inbox directories

type inboxRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleInboxList(w http.ResponseWriter, r *http.Request) {
	if s.Inbox == nil {
		s.respondJSON(w, http.StatusNotImplemented, errorBody{Kind: "not_implemented", Message: "inbox not enabled"})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"directories": nonNil(s.Inbox.Directories())})
}

func (s *Server) handleInboxAdd(w http.ResponseWriter, r *http.Request) {
	if s.Inbox == nil {
		s.respondJSON(w, http.StatusNotImplemented, errorBody{Kind: "not_implemented", Message: "inbox not enabled"})
		return
	}
	var req inboxRequest
	if !s.decode(w, r, &req) {
		return
	}
	abs, err := s.inboxPath(req.Path)
	if err != nil {
		s.respondError(w, err)
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.respondError(w, apperr.New(apperr.KindNotFound, "directory not found"))
			return
		}
		s.respondError(w, err)
		return
	}
	if !info.IsDir() {
		s.respondError(w, apperr.New(apperr.KindInvalidInput, "path is not a directory"))
		return
	}
	if err := s.Inbox.AddDirectory(abs); err != nil {
		s.respondError(w, err)
		return
	}
	s.persistInbox()
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleInboxRemove(w http.ResponseWriter, r *http.Request) {
	if s.Inbox == nil {
		s.respondJSON(w, http.StatusNotImplemented, errorBody{Kind: "not_implemented", Message: "inbox not enabled"})
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		var req inboxRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			path = req.Path
		}
	}
	abs, err := s.inboxPath(path)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.Inbox.RemoveDirectory(abs); err != nil {
		s.respondError(w, err)
		return
	}
	s.persistInbox()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

func (s *Server) inboxPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", apperr.New(apperr.KindInvalidInput, "path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInvalidInput, err, "invalid path")
	}
	return abs, nil
}

// persistInbox writes the current inbox directories back to the config file.
func (s *Server) persistInbox() {
	if s.configPath == "" || s.config == nil {
		return
	}
	s.configMu.Lock()
	defer s.configMu.Unlock()
	s.config.Watch.Directories = s.Inbox.Directories()
	if err := config.Save(s.configPath, s.config); err != nil {
		s.logger.Warn("Failed to persist inbox config", zap.Error(err))
	}
}

// Responses

type errorBody struct {
	Kind         string               `json:"kind"`
	Message      string               `json:"message"`
	Notification *apperr.Notification `json:"notification,omitempty"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, apperr.Wrap(apperr.KindInvalidInput, err, "invalid request body"))
		return false
	}
	return true
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError maps err to its status and public body. Causes are logged,
// never returned.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	kind, msg, note := apperr.Public(err)
	status := apperr.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("kind", string(kind)), zap.Error(err))
	} else {
		s.logger.Debug("Request rejected", zap.String("kind", string(kind)), zap.Error(err))
	}
	s.respondJSON(w, status, errorBody{Kind: string(kind), Message: msg, Notification: note})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
