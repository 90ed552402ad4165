package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperjump/kotae/internal/apperr"
	"github.com/hyperjump/kotae/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testChunks(docID string, n int) []*models.Chunk {
	chunks := make([]*models.Chunk, n)
	for i := range chunks {
		chunks[i] = &models.Chunk{
			ID:            docID + "_" + string(rune('a'+i)),
			DocumentID:    docID,
			SequenceIndex: i,
			Text:          "chunk text",
			TokenCount:    2,
			OffsetStart:   i * 10,
			OffsetEnd:     i*10 + 10,
			Vector:        []float32{float32(i), 1, 0},
		}
	}
	return chunks
}

func TestSQLiteStorage_Documents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc := &models.Document{ID: "doc1", Title: "Title", SourceURI: "file:///a.txt", OwnerID: "u1"}
	if err := store.CreateDocument(ctx, doc, testChunks("doc1", 3)); err != nil {
		t.Fatal(err)
	}
	if doc.UploadedAt.IsZero() {
		t.Error("UploadedAt should be set")
	}

	got, err := store.GetDocument(ctx, "doc1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Title" || got.OwnerID != "u1" || got.SourceURI != "file:///a.txt" {
		t.Errorf("got %+v", got)
	}

	if err := store.CreateDocument(ctx, &models.Document{ID: "doc1", OwnerID: "u1"}, nil); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("duplicate create: got %v, want conflict", err)
	}

	chunks, err := store.GetChunksByDocumentID(ctx, "doc1")
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.SequenceIndex != i {
			t.Errorf("chunk %d has sequence %d", i, c.SequenceIndex)
		}
		if len(c.Vector) != 3 || c.Vector[0] != float32(i) {
			t.Errorf("chunk %d vector = %v", i, c.Vector)
		}
	}

	byID, err := store.GetChunks(ctx, []string{"doc1_a", "doc1_c", "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byID) != 2 || byID["doc1_c"].OffsetStart != 20 {
		t.Errorf("GetChunks = %v", byID)
	}

	docs, err := store.GetDocuments(ctx, []string{"doc1", "nope"})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs["doc1"] == nil {
		t.Errorf("GetDocuments = %v", docs)
	}

	list, err := store.ListDocuments(ctx, "u1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 doc, got %d", len(list))
	}
	if list, _ := store.ListDocuments(ctx, "u2", 0, 10); len(list) != 0 {
		t.Errorf("other owner sees %d docs", len(list))
	}

	var streamed int
	if err := store.EachChunk(ctx, func(c *models.Chunk) error {
		streamed++
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if streamed != 3 {
		t.Errorf("EachChunk visited %d", streamed)
	}

	if err := store.DeleteDocument(ctx, "doc1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetDocument(ctx, "doc1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found after delete, got %v", err)
	}
	n, err := store.CountChunks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("chunks should cascade with document, %d left", n)
	}
	if err := store.DeleteDocument(ctx, "doc1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestSQLiteStorage_CreateDocumentAtomic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chunks := testChunks("d1", 2)
	chunks[1].ID = chunks[0].ID
	if err := store.CreateDocument(ctx, &models.Document{ID: "d1", OwnerID: "u"}, chunks); err == nil {
		t.Fatal("expected duplicate chunk ID to fail")
	}
	if ok, _ := store.DocumentExists(ctx, "d1"); ok {
		t.Error("document must not be stored when a chunk insert fails")
	}
	if n, _ := store.CountChunks(ctx); n != 0 {
		t.Errorf("expected no chunks, got %d", n)
	}
}

func TestSQLiteStorage_DeleteAllDocuments(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := store.CreateDocument(ctx, &models.Document{ID: id, OwnerID: "u"}, testChunks(id, 2)); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := store.CountDocuments(ctx); n != 2 {
		t.Fatalf("CountDocuments = %d", n)
	}
	if err := store.DeleteAllDocuments(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := store.CountChunks(ctx); n != 0 {
		t.Errorf("CountChunks = %d after clear", n)
	}
}

func TestSQLiteStorage_ProviderConfigs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.ActiveProviderConfig(ctx)
	if !errors.Is(err, apperr.ErrNoActiveProvider) {
		t.Fatalf("empty store: got %v", err)
	}
	if e, _ := apperr.As(err); e == nil || e.Notification == nil {
		t.Error("expected notification on no-active-provider error")
	}

	err = store.SaveProviderConfigs(ctx, models.ProviderConfig{
		Provider:       models.ProviderOpenAI,
		Credentials:    map[string]string{models.CredAPIKey: "sk-1"},
		ModelName:      "gpt-4o",
		IsActive:       true,
		IsDefaultModel: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	active, err := store.ActiveProviderConfig(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active.Provider != models.ProviderOpenAI || active.ModelName != "gpt-4o" || active.Credentials[models.CredAPIKey] != "sk-1" {
		t.Errorf("active = %+v", active.Redacted())
	}

	// Activating another provider deactivates the first.
	err = store.SaveProviderConfigs(ctx, models.ProviderConfig{
		Provider:       models.ProviderAnthropic,
		Credentials:    map[string]string{models.CredAPIKey: "ak"},
		ModelName:      "claude-3-5-sonnet",
		IsActive:       true,
		IsDefaultModel: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	active, err = store.ActiveProviderConfig(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active.Provider != models.ProviderAnthropic {
		t.Errorf("active provider = %s", active.Provider)
	}

	list, err := store.ListProviderConfigs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var activeCount int
	for _, c := range list {
		if c.Credentials != nil {
			t.Errorf("%s: credentials returned by list", c.Provider)
		}
		if c.IsActive {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Errorf("expected exactly one active provider, got %d", activeCount)
	}

	// Empty credentials keep the stored bundle.
	if err := store.SaveProviderConfigs(ctx, models.ProviderConfig{
		Provider: models.ProviderAnthropic, ModelName: "claude-3-5-sonnet", IsActive: true, IsDefaultModel: true,
	}); err != nil {
		t.Fatal(err)
	}
	active, _ = store.ActiveProviderConfig(ctx)
	if active.Credentials[models.CredAPIKey] != "ak" {
		t.Error("credentials should be preserved")
	}
}

func TestSQLiteStorage_ProviderSingleActiveEnforced(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.SaveProviderConfigs(ctx,
		models.ProviderConfig{Provider: models.ProviderOpenAI, ModelName: "gpt-4o", IsActive: true, IsDefaultModel: true},
		models.ProviderConfig{Provider: models.ProviderOllama, ModelName: "llama3", IsActive: true, IsDefaultModel: true},
	)
	if !errors.Is(err, apperr.ErrConfig) {
		t.Fatalf("two active in one batch: got %v", err)
	}
	if _, err := store.ActiveProviderConfig(ctx); !errors.Is(err, apperr.ErrNoActiveProvider) {
		t.Errorf("rejected batch must not be written: %v", err)
	}

	if err := store.SaveProviderConfigs(ctx,
		models.ProviderConfig{Provider: models.ProviderOpenAI, ModelName: "gpt-4o", IsActive: true, IsDefaultModel: true},
	); err != nil {
		t.Fatal(err)
	}
	_, err = store.db.ExecContext(ctx,
		`INSERT INTO providers (name, credentials, is_active, updated_at) VALUES ('ollama', '{}', 1, ?)`, time.Now())
	if err == nil {
		t.Error("schema must reject a second active provider")
	}
}

func TestSQLiteStorage_ProviderFlagsSurviveUnflaggedEntries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// An extra model listed after the active default one in the same batch.
	if err := store.SaveProviderConfigs(ctx,
		models.ProviderConfig{Provider: models.ProviderOpenAI, Credentials: map[string]string{models.CredAPIKey: "sk"},
			ModelName: "gpt-4o", IsActive: true, IsDefaultModel: true},
		models.ProviderConfig{Provider: models.ProviderOpenAI, ModelName: "gpt-4o-mini"},
	); err != nil {
		t.Fatal(err)
	}
	active, err := store.ActiveProviderConfig(ctx)
	if err != nil {
		t.Fatalf("batch write: %v", err)
	}
	if active.Provider != models.ProviderOpenAI || active.ModelName != "gpt-4o" {
		t.Errorf("active = %+v", active)
	}

	// A later write that only registers another model.
	if err := store.SaveProviderConfigs(ctx,
		models.ProviderConfig{Provider: models.ProviderOpenAI, ModelName: "o3-mini"},
	); err != nil {
		t.Fatal(err)
	}
	// Re-listing the default model without its flags.
	if err := store.SaveProviderConfigs(ctx,
		models.ProviderConfig{Provider: models.ProviderOpenAI, ModelName: "gpt-4o"},
	); err != nil {
		t.Fatal(err)
	}
	active, err = store.ActiveProviderConfig(ctx)
	if err != nil {
		t.Fatalf("separate write: %v", err)
	}
	if active.ModelName != "gpt-4o" || active.Credentials[models.CredAPIKey] != "sk" {
		t.Errorf("active = %+v", active)
	}

	// Marking another model default moves the default.
	if err := store.SaveProviderConfigs(ctx,
		models.ProviderConfig{Provider: models.ProviderOpenAI, ModelName: "o3-mini", IsDefaultModel: true},
	); err != nil {
		t.Fatal(err)
	}
	active, err = store.ActiveProviderConfig(ctx)
	if err != nil || active.ModelName != "o3-mini" {
		t.Errorf("active = %+v, err = %v", active, err)
	}
}

func TestSQLiteStorage_ActiveProviderWithoutDefaultModel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.SaveProviderConfigs(ctx, models.ProviderConfig{
		Provider: models.ProviderDeepSeek, ModelName: "deepseek-chat", IsActive: true,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ActiveProviderConfig(ctx); !errors.Is(err, apperr.ErrNoActiveProvider) {
		t.Errorf("got %v, want no active provider", err)
	}
}

func TestValidateProviderConfigs(t *testing.T) {
	tests := []struct {
		name    string
		cfgs    []models.ProviderConfig
		wantErr bool
	}{
		{"empty", nil, true},
		{"unknown provider", []models.ProviderConfig{{Provider: "cohere", ModelName: "x"}}, true},
		{"missing model", []models.ProviderConfig{{Provider: models.ProviderOpenAI}}, true},
		{"conflicting defaults", []models.ProviderConfig{
			{Provider: models.ProviderOpenAI, ModelName: "a", IsDefaultModel: true},
			{Provider: models.ProviderOpenAI, ModelName: "b", IsDefaultModel: true},
		}, true},
		{"two models one active provider", []models.ProviderConfig{
			{Provider: models.ProviderOpenAI, ModelName: "a", IsActive: true, IsDefaultModel: true},
			{Provider: models.ProviderOpenAI, ModelName: "b", IsActive: true},
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateProviderConfigs(tt.cfgs)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSQLiteStorage_Plans(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.SeedPlans(ctx, models.DefaultPlans()); err != nil {
		t.Fatal(err)
	}
	free, err := store.GetPlan(ctx, models.PlanFree)
	if err != nil {
		t.Fatal(err)
	}
	if free.DailyLimit != 1000 || !free.Allows(models.CapabilityChat) || free.Allows(models.CapabilityDocumentUpload) {
		t.Errorf("free plan = %+v", free)
	}

	// Seeding again does not clobber admin changes.
	free.DailyLimit = 50
	if err := store.UpsertPlan(ctx, *free); err != nil {
		t.Fatal(err)
	}
	if err := store.SeedPlans(ctx, models.DefaultPlans()); err != nil {
		t.Fatal(err)
	}
	free, _ = store.GetPlan(ctx, models.PlanFree)
	if free.DailyLimit != 50 {
		t.Errorf("DailyLimit = %d after reseed", free.DailyLimit)
	}

	if _, err := store.GetPlan(ctx, "enterprise"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown plan: %v", err)
	}
	plans, err := store.ListPlans(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(plans) != 2 {
		t.Errorf("ListPlans = %d", len(plans))
	}
}

func TestSQLiteStorage_UpdateAccount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.SeedPlans(ctx, models.DefaultPlans()); err != nil {
		t.Fatal(err)
	}

	anchor := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	acct, err := store.UpdateAccount(ctx, "u1", models.PlanFree, func(a *models.QuotaAccount, p *models.Plan) error {
		if a.DailyLimit != p.DailyLimit {
			t.Errorf("limits not filled from plan: %d vs %d", a.DailyLimit, p.DailyLimit)
		}
		a.DailyUsed += 100
		a.MonthlyUsed += 100
		a.DailyAnchor = anchor
		a.MonthlyAnchor = anchor
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if acct.Plan != models.PlanFree || acct.DailyUsed != 100 {
		t.Errorf("acct = %+v", acct)
	}

	boom := errors.New("boom")
	_, err = store.UpdateAccount(ctx, "u1", models.PlanFree, func(a *models.QuotaAccount, _ *models.Plan) error {
		a.DailyUsed = 999
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}

	acct, err = store.UpdateAccount(ctx, "u1", models.PlanFree, func(*models.QuotaAccount, *models.Plan) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if acct.DailyUsed != 100 {
		t.Errorf("failed update leaked: DailyUsed = %d", acct.DailyUsed)
	}
	if !acct.DailyAnchor.Equal(anchor) {
		t.Errorf("anchor = %v", acct.DailyAnchor)
	}

	if err := store.AssignPlan(ctx, "u1", models.PlanPro); err != nil {
		t.Fatal(err)
	}
	acct, _ = store.UpdateAccount(ctx, "u1", models.PlanFree, func(*models.QuotaAccount, *models.Plan) error { return nil })
	if acct.Plan != models.PlanPro || acct.DailyLimit != 10000 {
		t.Errorf("after upgrade acct = %+v", acct)
	}
}

func TestSQLiteStorage_UpdateAccountConcurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.SeedPlans(ctx, models.DefaultPlans()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateAccount(ctx, "u1", models.PlanFree, func(a *models.QuotaAccount, _ *models.Plan) error {
				a.DailyUsed++
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	acct, err := store.UpdateAccount(ctx, "u1", models.PlanFree, func(*models.QuotaAccount, *models.Plan) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if acct.DailyUsed != 20 {
		t.Errorf("DailyUsed = %d, want 20", acct.DailyUsed)
	}
}

func TestSQLiteStorage_Sessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := &models.Case{ID: "c1", OwnerID: "u1", Name: "Contract review"}
	if err := store.CreateCase(ctx, c); err != nil {
		t.Fatal(err)
	}
	th := &models.Thread{ID: "t1", CaseID: "c1", OwnerID: "u1", Title: "Clause 4"}
	if err := store.CreateThread(ctx, th); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateThread(ctx, &models.Thread{ID: "t2", CaseID: "missing", OwnerID: "u1"}); err == nil {
		t.Error("thread under a missing case should fail")
	}

	for i, role := range []models.Role{models.RoleUser, models.RoleAssistant, models.RoleUser} {
		msg := &models.Message{ID: "m" + string(rune('0'+i)), ThreadID: "t1", Role: role, Content: "hello"}
		if role == models.RoleAssistant {
			msg.Citations = []*models.Citation{
				{Marker: 1, ChunkID: "d_1", DocumentID: "d", DocumentTitle: "Doc", Snippet: "snip"},
				{Marker: 2, ChunkID: "d_2", DocumentID: "d", DocumentTitle: "Doc", Snippet: "snap"},
			}
		}
		if err := store.AppendMessage(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Role != models.RoleAssistant || len(got.Citations) != 2 || got.Citations[1].Marker != 2 {
		t.Errorf("message = %+v", got)
	}

	last, err := store.ListMessages(ctx, "t1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(last) != 2 || last[0].ID != "m1" || last[1].ID != "m2" {
		t.Fatalf("ListMessages(2) = %v", last)
	}
	if len(last[0].Citations) != 2 {
		t.Errorf("citations not attached: %+v", last[0])
	}
	all, _ := store.ListMessages(ctx, "t1", 0)
	if len(all) != 3 || all[0].ID != "m0" {
		t.Errorf("ListMessages(0) = %d", len(all))
	}

	cases, _ := store.ListCases(ctx, "u1")
	threads, _ := store.ListThreads(ctx, "c1")
	if len(cases) != 1 || len(threads) != 1 {
		t.Errorf("cases=%d threads=%d", len(cases), len(threads))
	}

	if err := store.DeleteCase(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetThread(ctx, "t1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("thread should cascade: %v", err)
	}
	if _, err := store.GetMessage(ctx, "m1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("message should cascade: %v", err)
	}
	var n int
	if err := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM citations`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("%d citations left after cascade", n)
	}
}
