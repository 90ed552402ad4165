package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperjump/kotae/internal/apperr"
	"github.com/hyperjump/kotae/internal/chat"
	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/quota"
	"github.com/hyperjump/kotae/internal/storage"
	"go.uber.org/zap"
)

type fakeChat struct {
	events  []chat.StreamEvent
	err     error
	lastReq chat.Request
}

func (f *fakeChat) Chat(_ context.Context, req chat.Request) (<-chan chat.StreamEvent, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan chat.StreamEvent, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeChat) Ingest(_ context.Context, userID string, in *models.DocumentInput) (*models.Document, error) {
	if userID == "free-user" {
		return nil, apperr.New(apperr.KindForbidden, "the free plan does not include document_upload")
	}
	return &models.Document{ID: in.ID, Title: in.Title, OwnerID: userID}, nil
}

type fakeIndex struct {
	deleted []string
	cleared bool
}

func (f *fakeIndex) DeleteDocument(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeIndex) Clear(context.Context) error {
	f.cleared = true
	return nil
}

func (f *fakeIndex) Stats() *models.IndexStats {
	return &models.IndexStats{Documents: 1, Chunks: 3, Dimensions: 4, Metric: "cosine", EmbedderID: "hash-4"}
}

type fakeTester struct{ err error }

func (f fakeTester) TestConfig(context.Context, models.ProviderConfig) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "Yes, I am working.", nil
}

type fakeInbox struct{ dirs []string }

func (f *fakeInbox) Directories() []string { return append([]string(nil), f.dirs...) }

func (f *fakeInbox) AddDirectory(root string) error {
	f.dirs = append(f.dirs, root)
	return nil
}

func (f *fakeInbox) RemoveDirectory(root string) error {
	for i, d := range f.dirs {
		if d == root {
			f.dirs = append(f.dirs[:i], f.dirs[i+1:]...)
		}
	}
	return nil
}

type testEnv struct {
	srv     *Server
	handler http.Handler
	store   *storage.SQLiteStorage
	chat    *fakeChat
	index   *fakeIndex
	inbox   *fakeInbox
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "kotae.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()
	if err := store.SeedPlans(ctx, models.DefaultPlans()); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Storage.DatabasePath = filepath.Join(dir, "kotae.db")
	env := &testEnv{
		store: store,
		chat:  &fakeChat{},
		index: &fakeIndex{},
		inbox: &fakeInbox{},
	}
	env.srv = NewServer(Deps{
		Storage:   store,
		Chat:      env.chat,
		Index:     env.index,
		Ledger:    quota.NewSQLLedger(store, models.PlanFree),
		Providers: fakeTester{},
		Inbox:     env.inbox,
	}, cfg, "", zap.NewNop())
	env.handler = env.srv.Routes()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestRequireUser(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/cases", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if body := decodeBody[errorBody](t, w); body.Kind != "unauthenticated" {
		t.Errorf("kind = %q", body.Kind)
	}
}

func TestCasesAndThreads(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/cases", "alice", createCaseRequest{Name: "Contracts"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create case: %d %s", w.Code, w.Body.String())
	}
	c := decodeBody[models.Case](t, w)
	if c.OwnerID != "alice" || c.ID == "" {
		t.Fatalf("case = %+v", c)
	}

	w = env.do(t, http.MethodPost, "/api/v1/cases/"+c.ID+"/threads", "alice", createThreadRequest{Title: "Renewal"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create thread: %d %s", w.Code, w.Body.String())
	}
	th := decodeBody[models.Thread](t, w)

	w = env.do(t, http.MethodGet, "/api/v1/cases/"+c.ID+"/threads", "alice", nil)
	threads := decodeBody[map[string][]models.Thread](t, w)["threads"]
	if len(threads) != 1 || threads[0].ID != th.ID {
		t.Errorf("threads = %+v", threads)
	}

	// Another user sees neither the case nor its threads.
	w = env.do(t, http.MethodGet, "/api/v1/cases/"+c.ID+"/threads", "bob", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign list threads = %d, want 403", w.Code)
	}
	w = env.do(t, http.MethodGet, "/api/v1/threads/"+th.ID+"/messages", "bob", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign list messages = %d, want 403", w.Code)
	}
	w = env.do(t, http.MethodGet, "/api/v1/cases", "bob", nil)
	if cases := decodeBody[map[string][]models.Case](t, w)["cases"]; len(cases) != 0 {
		t.Errorf("bob sees %d cases", len(cases))
	}

	w = env.do(t, http.MethodDelete, "/api/v1/threads/"+th.ID, "alice", nil)
	if w.Code != http.StatusOK {
		t.Errorf("delete thread = %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/api/v1/threads/"+th.ID+"/messages", "alice", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("deleted thread messages = %d, want 404", w.Code)
	}
}

func TestCreateCaseValidation(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/cases", "alice", createCaseRequest{Name: "  "})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
	if body := decodeBody[errorBody](t, w); body.Kind != string(apperr.KindInvalidInput) {
		t.Errorf("kind = %q", body.Kind)
	}
}

func TestGetMessageWithCitations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.CreateCase(ctx, &models.Case{ID: "c1", OwnerID: "alice", Name: "Contracts"}); err != nil {
		t.Fatal(err)
	}
	if err := env.store.CreateThread(ctx, &models.Thread{ID: "t1", CaseID: "c1", OwnerID: "alice"}); err != nil {
		t.Fatal(err)
	}
	msg := &models.Message{ID: "m1", ThreadID: "t1", Role: models.RoleAssistant, Content: "Renews yearly [1].",
		Citations: []*models.Citation{{Marker: 1, ChunkID: "d_1", DocumentID: "d", DocumentTitle: "Lease", Snippet: "renews"}}}
	if err := env.store.AppendMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodGet, "/api/v1/messages/m1", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get message: %d %s", w.Code, w.Body.String())
	}
	got := decodeBody[models.Message](t, w)
	if len(got.Citations) != 1 || got.Citations[0].DocumentTitle != "Lease" {
		t.Errorf("message = %+v", got)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/messages/m1", "bob", nil); w.Code != http.StatusForbidden {
		t.Errorf("foreign get message = %d, want 403", w.Code)
	}
}

func TestDocuments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := &models.Document{ID: "doc1", Title: "Handbook", OwnerID: "alice"}
	chunks := []*models.Chunk{{ID: "doc1:0", DocumentID: "doc1", Text: "hello", TokenCount: 2}}
	if err := env.store.CreateDocument(ctx, doc, chunks); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodGet, "/api/v1/documents/doc1", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get = %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/api/v1/documents/doc1", "bob", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign get = %d, want 403", w.Code)
	}
	w = env.do(t, http.MethodDelete, "/api/v1/documents/doc1", "bob", nil)
	if w.Code != http.StatusForbidden || len(env.index.deleted) != 0 {
		t.Errorf("foreign delete = %d, deleted %v", w.Code, env.index.deleted)
	}
	w = env.do(t, http.MethodGet, "/api/v1/documents", "alice", nil)
	if docs := decodeBody[map[string][]models.Document](t, w)["documents"]; len(docs) != 1 {
		t.Errorf("list = %d docs", len(docs))
	}
	w = env.do(t, http.MethodDelete, "/api/v1/documents/doc1", "alice", nil)
	if w.Code != http.StatusOK || len(env.index.deleted) != 1 {
		t.Errorf("delete = %d, deleted %v", w.Code, env.index.deleted)
	}
}

func TestIndexDocument(t *testing.T) {
	env := newTestEnv(t)
	in := models.DocumentInput{Title: "Notes", Text: "Some text."}

	w := env.do(t, http.MethodPost, "/api/v1/documents", "pro-user", in)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d %s", w.Code, w.Body.String())
	}
	if doc := decodeBody[models.Document](t, w); doc.ID == "" || doc.OwnerID != "pro-user" {
		t.Errorf("doc = %+v", doc)
	}

	w = env.do(t, http.MethodPost, "/api/v1/documents", "free-user", in)
	if w.Code != http.StatusForbidden {
		t.Errorf("free plan upload = %d, want 403", w.Code)
	}
}

func TestChatStream(t *testing.T) {
	env := newTestEnv(t)
	cit := &models.Citation{Marker: 1, ChunkID: "c1", DocumentID: "d1", DocumentTitle: "Handbook"}
	env.chat.events = []chat.StreamEvent{
		{Type: chat.EventDelta, Text: "Yes "},
		{Type: chat.EventCitation, Citation: cit},
		{Type: chat.EventDelta, Text: "[1]."},
		{Type: chat.EventDone, MessageID: "m1", Citations: []*models.Citation{cit}},
	}

	w := env.do(t, http.MethodPost, "/api/v1/threads/th1/chat", "alice", chatRequest{Message: "Does it?"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if env.chat.lastReq.UserID != "alice" || env.chat.lastReq.ThreadID != "th1" {
		t.Errorf("request = %+v", env.chat.lastReq)
	}

	var names []string
	sc := bufio.NewScanner(w.Body)
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			names = append(names, name)
		}
	}
	want := []string{"delta", "citation", "delta", "done"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", names, want)
	}
}

func TestChatPreStreamError(t *testing.T) {
	env := newTestEnv(t)
	env.chat.err = apperr.New(apperr.KindQuotaExceeded, "daily token limit of 1000 reached")

	w := env.do(t, http.MethodPost, "/api/v1/threads/th1/chat", "alice", chatRequest{Message: "hi"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody[errorBody](t, w)
	if body.Kind != string(apperr.KindQuotaExceeded) || !strings.Contains(body.Message, "daily") {
		t.Errorf("body = %+v", body)
	}
}

func TestRespondErrorHidesCause(t *testing.T) {
	env := newTestEnv(t)
	w := httptest.NewRecorder()
	env.srv.respondError(w, os.ErrPermission)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", w.Code)
	}
	if body := decodeBody[errorBody](t, w); body.Message != "internal error" {
		t.Errorf("message = %q", body.Message)
	}
}

func TestNoActiveProviderNotification(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/admin/providers/active", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeBody[errorBody](t, w); body.Notification == nil {
		t.Error("expected a notification payload")
	}
}

func TestProvidersAreRedacted(t *testing.T) {
	env := newTestEnv(t)
	cfgs := []models.ProviderConfig{{
		Provider:    models.ProviderOpenAI,
		ModelName:   "gpt-4o-mini",
		Credentials: map[string]string{models.CredAPIKey: "sk-secret"},
		IsActive:    true,
	}}
	w := env.do(t, http.MethodPut, "/api/v1/admin/providers", "", cfgs)
	if w.Code != http.StatusOK {
		t.Fatalf("save = %d %s", w.Code, w.Body.String())
	}
	for _, path := range []string{"/api/v1/admin/providers", "/api/v1/admin/providers/active"} {
		w = env.do(t, http.MethodGet, path, "", nil)
		if w.Code != http.StatusOK {
			t.Errorf("%s = %d", path, w.Code)
		}
		if strings.Contains(w.Body.String(), "sk-secret") {
			t.Errorf("%s leaks credentials", path)
		}
	}
}

func TestTestProvider(t *testing.T) {
	env := newTestEnv(t)
	cfg := models.ProviderConfig{Provider: models.ProviderOllama, ModelName: "llama3"}
	w := env.do(t, http.MethodPost, "/api/v1/admin/providers/test", "", cfg)
	if resp := decodeBody[testProviderResponse](t, w); !resp.Success || resp.Reply == "" {
		t.Errorf("resp = %+v", resp)
	}

	env.srv.Providers = fakeTester{err: apperr.New(apperr.KindProvider, "ollama returned 404")}
	w = env.do(t, http.MethodPost, "/api/v1/admin/providers/test", "", cfg)
	resp := decodeBody[testProviderResponse](t, w)
	if resp.Success || resp.Kind != string(apperr.KindProvider) {
		t.Errorf("resp = %+v", resp)
	}
}

func TestPlansAndQuota(t *testing.T) {
	env := newTestEnv(t)
	plan := models.Plan{DailyLimit: 50, MonthlyLimit: 500, Capabilities: []models.Capability{models.CapabilityChat}}
	if w := env.do(t, http.MethodPut, "/api/v1/admin/plans/trial", "", plan); w.Code != http.StatusOK {
		t.Fatalf("put plan = %d %s", w.Code, w.Body.String())
	}
	if w := env.do(t, http.MethodPut, "/api/v1/admin/users/alice/plan", "", assignPlanRequest{Tier: "trial"}); w.Code != http.StatusOK {
		t.Fatalf("assign = %d %s", w.Code, w.Body.String())
	}
	w := env.do(t, http.MethodGet, "/api/v1/quota", "alice", nil)
	acct := decodeBody[models.QuotaAccount](t, w)
	if acct.Plan != "trial" || acct.DailyLimit != 50 || acct.DailyUsed != 0 {
		t.Errorf("account = %+v", acct)
	}

	w = env.do(t, http.MethodGet, "/api/v1/admin/plans", "", nil)
	if plans := decodeBody[map[string][]models.Plan](t, w)["plans"]; len(plans) != 3 {
		t.Errorf("plans = %d, want 3", len(plans))
	}
	if w := env.do(t, http.MethodPut, "/api/v1/admin/users/alice/plan", "", assignPlanRequest{Tier: "gold"}); w.Code == http.StatusOK {
		t.Error("assigning an unknown plan should fail")
	}
}

func TestIndexAdmin(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/admin/index/stats", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats = %d", w.Code)
	}
	stats := decodeBody[map[string]any](t, w)
	if stats["stored_documents"] != float64(0) {
		t.Errorf("stats = %v", stats)
	}
	if w := env.do(t, http.MethodDelete, "/api/v1/admin/index", "", nil); w.Code != http.StatusOK || !env.index.cleared {
		t.Errorf("clear = %d, cleared %v", w.Code, env.index.cleared)
	}
}

func TestInbox(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	env.srv.configPath = configPath

	w := env.do(t, http.MethodPost, "/api/v1/admin/inbox", "", inboxRequest{Path: dir})
	if w.Code != http.StatusCreated {
		t.Fatalf("add = %d %s", w.Code, w.Body.String())
	}
	w = env.do(t, http.MethodGet, "/api/v1/admin/inbox", "", nil)
	if dirs := decodeBody[map[string][]string](t, w)["directories"]; len(dirs) != 1 {
		t.Errorf("directories = %v", dirs)
	}
	saved, err := config.Load(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(saved.Watch.Directories) != 1 {
		t.Errorf("persisted directories = %v", saved.Watch.Directories)
	}

	w = env.do(t, http.MethodPost, "/api/v1/admin/inbox", "", inboxRequest{Path: filepath.Join(dir, "missing")})
	if w.Code != http.StatusNotFound {
		t.Errorf("missing dir = %d", w.Code)
	}

	w = env.do(t, http.MethodDelete, "/api/v1/admin/inbox?path="+dir, "", nil)
	if w.Code != http.StatusOK || len(env.inbox.dirs) != 0 {
		t.Errorf("remove = %d, dirs %v", w.Code, env.inbox.dirs)
	}
}
