// Package chat drives one chat turn end to end: plan check, quota
// reservation, retrieval, grounded generation with live citation binding,
// usage commit and persistence of the finished answer.
package chat

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hyperjump/kotae/internal/apperr"
	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/provider"
	"github.com/hyperjump/kotae/internal/quota"
	"github.com/hyperjump/kotae/internal/retriever"
	"github.com/hyperjump/kotae/internal/storage"
	"github.com/hyperjump/kotae/pkg/utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/hyperjump/kotae/internal/chat")

// Retriever finds passages for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts retriever.Options) ([]*models.RetrievedPassage, error)
	Defaults() retriever.Options
}

// Generator streams an answer.
type Generator interface {
	Generate(ctx context.Context, req *provider.Request) (<-chan provider.Event, error)
}

// Ingester indexes a document.
type Ingester interface {
	IndexDocument(ctx context.Context, in *models.DocumentInput) (*models.Document, error)
}

// Request is one user turn.
type Request struct {
	UserID   string
	ThreadID string
	Message  string
}

// Orchestrator composes the chat pipeline.
type Orchestrator struct {
	sessions  storage.SessionStore
	ledger    quota.Ledger
	retriever Retriever
	generator Generator
	ingester  Ingester
	cfg       config.GenerationConfig
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithIngester enables Ingest.
func WithIngester(in Ingester) Option {
	return func(o *Orchestrator) { o.ingester = in }
}

// New returns an orchestrator.
func New(sessions storage.SessionStore, ledger quota.Ledger, r Retriever, g Generator, cfg config.GenerationConfig, opts ...Option) *Orchestrator {
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 16
	}
	o := &Orchestrator{
		sessions:  sessions,
		ledger:    ledger,
		retriever: r,
		generator: g,
		cfg:       cfg,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Chat runs one turn. Failures before the first token (plan, quota,
// retrieval, provider resolution) are returned directly and leave no charge.
// After that the stream carries deltas and citations and ends with exactly
// one done or error event. Cancelling ctx stops generation; usage seen so far
// is still committed.
func (o *Orchestrator) Chat(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, apperr.New(apperr.KindInvalidInput, "message is required")
	}
	thread, err := o.sessions.GetThread(ctx, req.ThreadID)
	if err != nil {
		return nil, err
	}
	if thread.OwnerID != req.UserID {
		return nil, apperr.New(apperr.KindForbidden, "thread belongs to another user")
	}
	if err := o.ledger.RequireCapability(ctx, req.UserID, models.CapabilityChat); err != nil {
		return nil, err
	}

	history, err := o.sessions.ListMessages(ctx, thread.ID, o.cfg.HistoryLimit)
	if err != nil {
		return nil, err
	}
	userMsg := &models.Message{
		ID:        uuid.NewString(),
		ThreadID:  thread.ID,
		Role:      models.RoleUser,
		Content:   req.Message,
		CreatedAt: o.now().UTC(),
	}

	genReq := &provider.Request{
		SystemPrompt: o.cfg.SystemPrompt,
		History:      history,
		UserMessage:  req.Message,
		MaxTokens:    o.cfg.MaxCompletionTokens,
	}
	estimated := provider.EstimatePromptTokens(provider.BuildMessages(genReq)) + o.cfg.CompletionReserve
	reservation, err := o.ledger.Reserve(ctx, req.UserID, estimated)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "chat.Chat")
	span.SetAttributes(
		attribute.String("thread_id", thread.ID),
		attribute.Int("estimated_tokens", estimated),
	)

	passages, err := o.retriever.Retrieve(ctx, req.Message, o.retriever.Defaults())
	if err != nil {
		return nil, o.abort(ctx, span, reservation, err)
	}
	genReq.Passages = passages

	// The question is stored only once the provider has taken the turn, so a
	// rejected turn leaves the thread unchanged.
	genCtx, cancel := context.WithCancel(ctx)
	events, err := o.generator.Generate(genCtx, genReq)
	if err != nil {
		cancel()
		return nil, o.abort(ctx, span, reservation, err)
	}
	if err := o.sessions.AppendMessage(ctx, userMsg); err != nil {
		cancel()
		return nil, o.abort(ctx, span, reservation, err)
	}

	out := make(chan StreamEvent, o.cfg.StreamBuffer)
	t := &turn{
		o:           o,
		ctx:         genCtx,
		cancel:      cancel,
		span:        span,
		out:         out,
		thread:      thread,
		reservation: reservation,
		prompt:      provider.EstimatePromptTokens(provider.BuildMessages(genReq)),
		scanner:     newCitationScanner(passages),
	}
	go t.run(events)
	return out, nil
}

// abort releases the reservation after a failure before streaming began.
func (o *Orchestrator) abort(ctx context.Context, span trace.Span, r *quota.Reservation, cause error) error {
	defer span.End()
	span.RecordError(cause)
	span.SetStatus(codes.Error, string(apperr.KindOf(cause)))
	if err := o.ledger.Release(context.WithoutCancel(ctx), r); err != nil {
		o.logger.Error("Failed to release quota reservation",
			zap.String("user_id", r.UserID),
			zap.Error(err))
	}
	return cause
}

// turn is the streaming half of one Chat call.
type turn struct {
	o           *Orchestrator
	ctx         context.Context
	cancel      context.CancelFunc
	span        trace.Span
	out         chan<- StreamEvent
	thread      *models.Thread
	reservation *quota.Reservation
	prompt      int
	scanner     *citationScanner

	content   strings.Builder
	committed bool
}

func (t *turn) send(ev StreamEvent) bool {
	select {
	case t.out <- ev:
		return true
	case <-t.ctx.Done():
		return false
	}
}

func (t *turn) commit(actual int) {
	if t.committed {
		return
	}
	t.committed = true
	if err := t.o.ledger.Commit(context.WithoutCancel(t.ctx), t.reservation, actual); err != nil {
		t.o.logger.Error("Failed to commit token usage",
			zap.String("user_id", t.reservation.UserID),
			zap.Int("actual", actual),
			zap.Error(err))
	}
	t.span.SetAttributes(attribute.Int("actual_tokens", actual))
}

func (t *turn) run(events <-chan provider.Event) {
	defer close(t.out)
	defer t.span.End()
	defer t.cancel()
	// Stream ended without usage: the caller went away mid-answer.
	defer func() {
		if !t.committed {
			t.commit(t.prompt + utils.EstimateTokens(t.content.String()))
		}
	}()

	for ev := range events {
		switch ev.Type {
		case provider.EventTextDelta:
			for _, c := range t.scanner.Feed(ev.Text) {
				if !t.send(StreamEvent{Type: EventCitation, Citation: c}) {
					return
				}
			}
			t.content.WriteString(ev.Text)
			if !t.send(StreamEvent{Type: EventDelta, Text: ev.Text}) {
				return
			}

		case provider.EventUsage:
			t.commit(ev.Usage.Total())

		case provider.EventError:
			t.commit(ev.Usage.Total())
			t.span.SetStatus(codes.Error, ev.Message)
			t.send(StreamEvent{Type: EventError, Kind: ev.Kind, Message: ev.Message})
			return

		case provider.EventDone:
			msg := &models.Message{
				ID:        uuid.NewString(),
				ThreadID:  t.thread.ID,
				Role:      models.RoleAssistant,
				Content:   t.content.String(),
				Citations: t.scanner.Cited(),
				CreatedAt: t.o.now().UTC(),
			}
			if err := t.o.sessions.AppendMessage(context.WithoutCancel(t.ctx), msg); err != nil {
				t.o.logger.Error("Failed to persist assistant message",
					zap.String("thread_id", t.thread.ID),
					zap.Error(err))
				kind, text, _ := apperr.Public(err)
				t.send(StreamEvent{Type: EventError, Kind: kind, Message: text})
				return
			}
			t.send(StreamEvent{Type: EventDone, MessageID: msg.ID, Citations: msg.Citations})
			return
		}
	}
}

// Ingest indexes a document on behalf of userID. Uploading is a plan
// capability.
func (o *Orchestrator) Ingest(ctx context.Context, userID string, in *models.DocumentInput) (*models.Document, error) {
	if o.ingester == nil {
		return nil, apperr.New(apperr.KindConfig, "document ingestion is not enabled")
	}
	if err := o.ledger.RequireCapability(ctx, userID, models.CapabilityDocumentUpload); err != nil {
		return nil, err
	}
	if in.OwnerID == "" {
		in.OwnerID = userID
	}
	if in.OwnerID != userID {
		return nil, apperr.New(apperr.KindForbidden, "cannot ingest documents for another user")
	}
	return o.ingester.IndexDocument(ctx, in)
}
