package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/hyperjump/kotae/internal/chat"
	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/server"
	"go.uber.org/zap"
)

func TestArgsReorder(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected []string
	}{
		{
			name:     "flags after question are moved first",
			args:     []string{"how are quotas charged", "-user", "alice"},
			expected: []string{"-user", "alice", "how are quotas charged"},
		},
		{
			name:     "flags first returns unchanged",
			args:     []string{"-user", "alice", "how are quotas charged"},
			expected: []string{"-user", "alice", "how are quotas charged"},
		},
		{
			name:     "question only returns unchanged",
			args:     []string{"how are quotas charged"},
			expected: []string{"how are quotas charged"},
		},
		{
			name:     "empty args returns unchanged",
			args:     []string{},
			expected: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := argsReorder(tt.args)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("argsReorder() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestBuildQuestion(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected string
	}{
		{"single word", []string{"quotas"}, "quotas"},
		{"multiple words", []string{"how", "are", "quotas", "charged"}, "how are quotas charged"},
		{"quoted phrase", []string{"how are quotas charged"}, "how are quotas charged"},
		{"empty args", []string{}, ""},
		{"blank args", []string{"  ", "  "}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildQuestion(tt.args); got != tt.expected {
				t.Errorf("buildQuestion(%v) = %q, want %q", tt.args, got, tt.expected)
			}
		})
	}
}

func TestLoadConfig_prefersCwdConfigWhenDefaultPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
debug: true
server:
  host: "localhost"
  port: 8080
storage:
  database_path: "./test.db"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	origWd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Chdir(origWd) }()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	cfg, resolved, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	// On macOS, cwd can be /private/var/... while t.TempDir() is /var/...; compare canonical paths.
	resolvedCanon, _ := filepath.EvalSymlinks(resolved)
	configPathCanon, _ := filepath.EvalSymlinks(configPath)
	if resolvedCanon != configPathCanon {
		t.Errorf("resolved path = %s, want %s", resolvedCanon, configPathCanon)
	}
	if !cfg.Debug {
		t.Error("debug should be true from cwd config.yaml")
	}
}

func TestLoadConfig_usesExplicitPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9000
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != configPath {
		t.Errorf("resolved path = %s, want %s", resolved, configPath)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Storage.DatabasePath = filepath.Join(dir, "kotae.db")
	cfg.Storage.VectorIndexPath = filepath.Join(dir, "vectors.bin")
	cfg.Storage.KeywordIndexPath = filepath.Join(dir, "bleve")
	cfg.Embedding.Provider = "hash"
	cfg.Embedding.Dimensions = 32
	config.ApplyDefaults(cfg)
	return cfg
}

func TestInitializeComponents_RebuildsFromStorage(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	c, err := initializeComponents(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	in := &models.DocumentInput{ID: "handbook", OwnerID: "alice", Title: "Handbook",
		Text: "Kotae answers questions from uploaded documents.\n\nEvery answer cites its sources."}
	if _, err := c.Indexer.IndexDocument(ctx, in); err != nil {
		t.Fatal(err)
	}
	chunks := c.VectorIndex.Size()
	if chunks == 0 {
		t.Fatal("no chunks indexed")
	}
	// Close without a snapshot: the next start must rebuild from storage.
	c.Close()

	c, err = initializeComponents(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if got := c.VectorIndex.Size(); got != chunks {
		t.Errorf("rebuilt index has %d chunks, want %d", got, chunks)
	}
	c.SaveVectorIndex()
	if _, err := os.Stat(cfg.Storage.VectorIndexPath); err != nil {
		t.Errorf("snapshot not written: %v", err)
	}
}

func TestInitializeComponents_SeedsPlans(t *testing.T) {
	c, err := initializeComponents(context.Background(), testConfig(t), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	plans, err := c.Ledger.Plans(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(plans) != len(models.DefaultPlans()) {
		t.Errorf("plans = %d", len(plans))
	}
}

func TestAPIClient_Ask(t *testing.T) {
	var gotUser string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/cases", func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.Header.Get(server.UserHeader)
		_ = json.NewEncoder(w).Encode(models.Case{ID: "case1"})
	})
	mux.HandleFunc("POST /api/v1/cases/case1/threads", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(models.Thread{ID: "th1", CaseID: "case1"})
	})
	mux.HandleFunc("POST /api/v1/threads/th1/chat", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: delta\ndata: {\"type\":\"delta\",\"text\":\"hi\"}\n\nevent: done\ndata: {\"type\":\"done\",\"message_id\":\"m1\"}\n\n"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	api := &apiClient{base: ts.URL, user: "alice"}
	th, err := api.newThread("What is Kotae?")
	if err != nil {
		t.Fatal(err)
	}
	if th.ID != "th1" || gotUser != "alice" {
		t.Errorf("thread = %+v, user = %q", th, gotUser)
	}
	var events []chat.EventType
	if err := api.chat(th.ID, "What is Kotae?", func(ev chat.StreamEvent) error {
		events = append(events, ev.Type)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[1] != chat.EventDone {
		t.Errorf("events = %v", events)
	}
}

func TestAPIClient_ErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"kind":"no_active_provider","message":"no active LLM provider is configured","notification":{"title":"LLM Configuration Required","message":"Please configure an LLM provider in the admin settings."}}`))
	}))
	defer ts.Close()

	api := &apiClient{base: ts.URL, user: "alice"}
	err := api.chat("th1", "hi", func(chat.StreamEvent) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "no_active_provider") || !strings.Contains(err.Error(), "admin settings") {
		t.Errorf("err = %v", err)
	}
}

func TestWriteStatusText(t *testing.T) {
	disk := int64(2048)
	var buf bytes.Buffer
	writeStatusText(&buf, &statusResponse{
		StoredDocuments: 2,
		StoredChunks:    7,
		DiskUsageBytes:  &disk,
		Index:           &models.IndexStats{Documents: 2, Chunks: 7, Dimensions: 384, Metric: "cosine", EmbedderID: "hash:384"},
	})
	out := buf.String()
	for _, want := range []string{"documents:          2", "disk_usage_bytes:   2048", "embedder:           hash:384"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
