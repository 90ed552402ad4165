package chat

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperjump/kotae/internal/apperr"
	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/provider"
	"github.com/hyperjump/kotae/internal/quota"
	"github.com/hyperjump/kotae/internal/retriever"
	"github.com/hyperjump/kotae/internal/storage"
	"go.uber.org/zap"
)

type stubRetriever struct {
	passages []*models.RetrievedPassage
	err      error
	calls    int
}

func (r *stubRetriever) Retrieve(context.Context, string, retriever.Options) ([]*models.RetrievedPassage, error) {
	r.calls++
	return r.passages, r.err
}

func (r *stubRetriever) Defaults() retriever.Options { return retriever.Options{TopK: 5} }

// stubGenerator replays events. If hold is set it waits for ctx to end
// after the scripted events, the way a live stream does.
type stubGenerator struct {
	events []provider.Event
	err    error
	hold   bool
	calls  int
	req    *provider.Request
}

func (g *stubGenerator) Generate(ctx context.Context, req *provider.Request) (<-chan provider.Event, error) {
	g.calls++
	g.req = req
	if g.err != nil {
		return nil, g.err
	}
	ch := make(chan provider.Event)
	go func() {
		defer close(ch)
		for _, ev := range g.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if g.hold {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

type fixture struct {
	store  *storage.SQLiteStorage
	ledger quota.Ledger
	ret    *stubRetriever
	gen    *stubGenerator
	orch   *Orchestrator
	thread *models.Thread
}

func passages() []*models.RetrievedPassage {
	return []*models.RetrievedPassage{
		{
			Chunk:    &models.Chunk{ID: "c1", DocumentID: "d1", Text: "Kotae answers questions from documents."},
			Document: &models.Document{ID: "d1", Title: "Handbook", SourceURI: "file:///docs/handbook.md"},
			Score:    0.9, Rank: 1,
		},
		{
			Chunk:    &models.Chunk{ID: "c2", DocumentID: "d2", Text: "Quotas are charged per token."},
			Document: &models.Document{ID: "d2", Title: "Billing"},
			Score:    0.8, Rank: 2,
		},
	}
}

func newFixture(t *testing.T, events ...provider.Event) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.SeedPlans(ctx, models.DefaultPlans()); err != nil {
		t.Fatal(err)
	}

	c := &models.Case{ID: "case1", OwnerID: "u1", Name: "Research"}
	if err := store.CreateCase(ctx, c); err != nil {
		t.Fatal(err)
	}
	th := &models.Thread{ID: "th1", CaseID: c.ID, OwnerID: "u1", Title: "First"}
	if err := store.CreateThread(ctx, th); err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		store:  store,
		ledger: quota.NewSQLLedger(store, models.PlanFree),
		ret:    &stubRetriever{passages: passages()},
		gen:    &stubGenerator{events: events},
		thread: th,
	}
	cfg := config.GenerationConfig{
		SystemPrompt:        "Answer from the sources.",
		MaxCompletionTokens: 256,
		CompletionReserve:   100,
		HistoryLimit:        10,
		StreamBuffer:        4,
	}
	f.orch = New(store, f.ledger, f.ret, f.gen, cfg, WithLogger(zap.NewNop()))
	return f
}

func collectStream(t *testing.T, ch <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func used(t *testing.T, l quota.Ledger) int {
	t.Helper()
	acct, err := l.Account(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	return acct.DailyUsed
}

func TestChat_StreamsWithCitations(t *testing.T) {
	f := newFixture(t,
		provider.TextDelta("Kotae answers from documents [1]"),
		provider.TextDelta(" and charges per token [2"),
		provider.TextDelta("]. See also [1] and [7]."),
		provider.UsageEvent(provider.Usage{PromptTokens: 120, CompletionTokens: 30}),
		provider.Event{Type: provider.EventDone},
	)
	ch, err := f.orch.Chat(context.Background(), Request{UserID: "u1", ThreadID: "th1", Message: "What does kotae do?"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	events := collectStream(t, ch)

	want := []EventType{EventCitation, EventDelta, EventDelta, EventCitation, EventDelta, EventDone}
	if len(events) != len(want) {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Errorf("event %d = %s, want %s", i, ev.Type, want[i])
		}
	}
	if c := events[0].Citation; c.Marker != 1 || c.ChunkID != "c1" || c.DocumentTitle != "Handbook" || c.SourceURI != "file:///docs/handbook.md" {
		t.Errorf("first citation = %+v", c)
	}
	if c := events[3].Citation; c.Marker != 2 || c.DocumentID != "d2" {
		t.Errorf("split marker citation = %+v", c)
	}

	done := events[len(events)-1]
	msg, err := f.store.GetMessage(context.Background(), done.MessageID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.Role != models.RoleAssistant || msg.Content != "Kotae answers from documents [1] and charges per token [2]. See also [1] and [7]." {
		t.Errorf("persisted = %+v", msg)
	}
	if len(msg.Citations) != 2 || msg.Citations[0].Marker != 1 || msg.Citations[1].Marker != 2 {
		t.Errorf("persisted citations = %+v", msg.Citations)
	}

	if got := used(t, f.ledger); got != 150 {
		t.Errorf("daily used = %d, want actual usage 150", got)
	}

	history, _ := f.store.ListMessages(context.Background(), "th1", 0)
	if len(history) != 2 || history[0].Role != models.RoleUser {
		t.Errorf("thread history = %+v", history)
	}
	if len(f.gen.req.Passages) != 2 || f.gen.req.SystemPrompt != "Answer from the sources." {
		t.Errorf("generation request = %+v", f.gen.req)
	}
}

func TestChat_QuotaExceededBeforeGeneration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, err := f.ledger.Reserve(ctx, "u1", 950)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.ledger.Commit(ctx, r, 950); err != nil {
		t.Fatal(err)
	}

	_, err = f.orch.Chat(ctx, Request{UserID: "u1", ThreadID: "th1", Message: "hello"})
	if !errors.Is(err, apperr.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want quota exceeded", err)
	}
	if f.ret.calls != 0 || f.gen.calls != 0 {
		t.Errorf("retriever %d / generator %d calls after quota rejection", f.ret.calls, f.gen.calls)
	}
	if history, _ := f.store.ListMessages(ctx, "th1", 0); len(history) != 0 {
		t.Errorf("rejected question stored: %+v", history)
	}
}

func TestChat_PreStreamFailureReleases(t *testing.T) {
	tests := []struct {
		name   string
		retErr error
		genErr error
		want   error
	}{
		{"retrieval timeout", apperr.New(apperr.KindRetrievalTimeout, "retrieval timed out"), nil, apperr.ErrRetrievalTimeout},
		{"no active provider", nil, apperr.NoActiveProvider("no active LLM provider is configured"), apperr.ErrNoActiveProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.ret.err = tt.retErr
			f.gen.err = tt.genErr
			_, err := f.orch.Chat(context.Background(), Request{UserID: "u1", ThreadID: "th1", Message: "hello"})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if got := used(t, f.ledger); got != 0 {
				t.Errorf("reservation not released: used = %d", got)
			}
			if history, _ := f.store.ListMessages(context.Background(), "th1", 0); len(history) != 0 {
				t.Errorf("question stored after a failed turn: %+v", history)
			}
		})
	}
}

func TestChat_ProviderErrorMidStream(t *testing.T) {
	f := newFixture(t,
		provider.TextDelta("Partial"),
		provider.Event{Type: provider.EventError, Kind: apperr.KindProvider, Message: "openai request failed",
			Usage: provider.Usage{PromptTokens: 80, CompletionTokens: 2}},
	)
	ch, err := f.orch.Chat(context.Background(), Request{UserID: "u1", ThreadID: "th1", Message: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	events := collectStream(t, ch)
	last := events[len(events)-1]
	if last.Type != EventError || last.Kind != apperr.KindProvider {
		t.Fatalf("last = %+v", last)
	}
	if got := used(t, f.ledger); got != 82 {
		t.Errorf("used = %d, want reported 82", got)
	}
	history, _ := f.store.ListMessages(context.Background(), "th1", 0)
	if len(history) != 1 {
		t.Errorf("failed answer persisted: %+v", history)
	}
}

func TestChat_CancelCommits(t *testing.T) {
	f := newFixture(t, provider.TextDelta("Streaming an answer"))
	f.gen.hold = true

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.orch.Chat(ctx, Request{UserID: "u1", ThreadID: "th1", Message: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if ev := <-ch; ev.Type != EventDelta {
		t.Fatalf("first event = %+v", ev)
	}
	cancel()
	collectStream(t, ch)

	// The reservation is settled to what was sent and received, not left at
	// the estimate.
	got := used(t, f.ledger)
	if got == 0 || got >= 100+f.orch.cfg.CompletionReserve+50 {
		t.Errorf("used after cancel = %d", got)
	}
}

func TestChat_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.orch.Chat(ctx, Request{UserID: "u1", ThreadID: "th1", Message: "  "}); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("blank message: err = %v", err)
	}
	if _, err := f.orch.Chat(ctx, Request{UserID: "u2", ThreadID: "th1", Message: "hi"}); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("foreign thread: err = %v", err)
	}
	if _, err := f.orch.Chat(ctx, Request{UserID: "u1", ThreadID: "missing", Message: "hi"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing thread: err = %v", err)
	}
}

func TestChat_HistoryIsSent(t *testing.T) {
	done := []provider.Event{
		provider.TextDelta("ok"),
		provider.UsageEvent(provider.Usage{PromptTokens: 10, CompletionTokens: 1}),
		{Type: provider.EventDone},
	}
	f := newFixture(t, done...)
	ctx := context.Background()
	for _, q := range []string{"first question", "second question"} {
		ch, err := f.orch.Chat(ctx, Request{UserID: "u1", ThreadID: "th1", Message: q})
		if err != nil {
			t.Fatal(err)
		}
		collectStream(t, ch)
	}
	h := f.gen.req.History
	if len(h) != 2 || h[0].Content != "first question" || h[1].Content != "ok" {
		t.Errorf("history = %+v", h)
	}
	if f.gen.req.UserMessage != "second question" {
		t.Errorf("user message = %q", f.gen.req.UserMessage)
	}
}

type recordingIngester struct {
	mu  sync.Mutex
	got []*models.DocumentInput
}

func (r *recordingIngester) IndexDocument(_ context.Context, in *models.DocumentInput) (*models.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, in)
	return &models.Document{ID: in.ID, OwnerID: in.OwnerID}, nil
}

func TestIngestRequiresUploadCapability(t *testing.T) {
	f := newFixture(t)
	ing := &recordingIngester{}
	WithIngester(ing)(f.orch)
	ctx := context.Background()

	in := &models.DocumentInput{ID: "d9", Text: "text"}
	if _, err := f.orch.Ingest(ctx, "u1", in); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("free plan upload: err = %v", err)
	}
	if err := f.ledger.AssignPlan(ctx, "u1", models.PlanPro); err != nil {
		t.Fatal(err)
	}
	doc, err := f.orch.Ingest(ctx, "u1", in)
	if err != nil {
		t.Fatalf("pro upload: %v", err)
	}
	if doc.OwnerID != "u1" || len(ing.got) != 1 {
		t.Errorf("doc = %+v, calls = %d", doc, len(ing.got))
	}
	if _, err := f.orch.Ingest(ctx, "u1", &models.DocumentInput{ID: "d10", OwnerID: "u2", Text: "x"}); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("foreign owner: err = %v", err)
	}
}
