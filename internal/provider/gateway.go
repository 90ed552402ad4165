package provider

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/hyperjump/kotae/internal/apperr"
	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/pkg/utils"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("github.com/hyperjump/kotae/internal/provider")

const (
	testPrompt    = "Hello, are you working?"
	testMaxTokens = 32
	testTimeout   = 30 * time.Second
)

// ConfigSource resolves the active provider configuration.
type ConfigSource interface {
	ActiveProviderConfig(ctx context.Context) (*models.ProviderConfig, error)
}

// Gateway streams answers from whichever provider is active at call time.
type Gateway struct {
	configs  ConfigSource
	registry *Registry
	cfg      config.GenerationConfig
	logger   *zap.Logger

	mu     sync.Mutex
	guards map[models.ProviderName]*guard
}

type guard struct {
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(l *zap.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// NewGateway returns a gateway reading the active provider from configs.
func NewGateway(configs ConfigSource, registry *Registry, cfg config.GenerationConfig, opts ...GatewayOption) *Gateway {
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 16
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	g := &Gateway{
		configs:  configs,
		registry: registry,
		cfg:      cfg,
		logger:   zap.NewNop(),
		guards:   make(map[models.ProviderName]*guard),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) guardFor(name models.ProviderName) *guard {
	g.mu.Lock()
	defer g.mu.Unlock()
	if gd, ok := g.guards[name]; ok {
		return gd
	}
	bc := g.cfg.Breaker
	gd := &guard{
		limiter: rate.NewLimiter(rate.Limit(g.cfg.RateLimit), g.cfg.RateBurst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(name),
			MaxRequests: bc.MaxRequests,
			Interval:    bc.Interval,
			Timeout:     bc.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < bc.MinRequests {
					return false
				}
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= bc.FailureRatio
			},
			// A caller walking away says nothing about the provider.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				g.logger.Warn("Provider circuit changed state",
					zap.String("provider", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
	}
	g.guards[name] = gd
	return gd
}

// Generate starts a generation against the active provider. Configuration,
// rate limiting and open-circuit failures are returned directly; once the
// channel is returned every outcome arrives as events. A successful stream
// ends with Usage then Done; a failed one ends with a single Error. The
// channel is closed after the last event.
func (g *Gateway) Generate(ctx context.Context, req *Request) (<-chan Event, error) {
	active, err := g.configs.ActiveProviderConfig(ctx)
	if err != nil {
		return nil, err
	}
	backend, err := g.registry.Backend(active.Provider)
	if err != nil {
		return nil, err
	}

	gd := g.guardFor(active.Provider)
	if gd.breaker.State() == gobreaker.StateOpen {
		return nil, apperr.New(apperr.KindProvider, "%s is temporarily unavailable", active.Provider)
	}
	if err := gd.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apperr.Wrap(apperr.KindProvider, err, "%s request rate exceeded", active.Provider)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.cfg.MaxCompletionTokens
	}
	chat := &ChatRequest{
		Model:     active.ModelName,
		Messages:  BuildMessages(req),
		MaxTokens: maxTokens,
	}

	events := make(chan Event, g.cfg.StreamBuffer)
	go g.run(ctx, gd, backend, active, chat, events)
	return events, nil
}

func (g *Gateway) run(ctx context.Context, gd *guard, backend Backend, active *models.ProviderConfig, chat *ChatRequest, events chan<- Event) {
	defer close(events)

	ctx, span := tracer.Start(ctx, "provider.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", string(active.Provider)),
		attribute.String("model", active.ModelName),
	)

	var (
		reported   *Usage
		completion strings.Builder
	)
	send := func(ev Event) error {
		select {
		case events <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	emit := func(ev Event) error {
		switch ev.Type {
		case EventTextDelta:
			if ev.Text == "" {
				return nil
			}
			completion.WriteString(ev.Text)
			return send(ev)
		case EventUsage:
			u := ev.Usage
			reported = &u
		}
		return nil
	}

	start := time.Now()
	_, err := gd.breaker.Execute(func() (interface{}, error) {
		return nil, backend.Stream(ctx, active, chat, emit)
	})

	if err != nil {
		if ctx.Err() != nil {
			g.logger.Debug("Generation cancelled",
				zap.String("provider", string(active.Provider)),
				zap.Duration("elapsed", time.Since(start)))
			return
		}
		pe := providerError(string(active.Provider), err)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			pe = apperr.Wrap(apperr.KindProvider, err, "%s is temporarily unavailable", active.Provider)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, pe.Message)
		g.logger.Warn("Generation failed",
			zap.String("provider", string(active.Provider)),
			zap.String("model", active.ModelName),
			zap.Error(err))

		var usage Usage
		if reported != nil || completion.Len() > 0 {
			usage = finalUsage(reported, chat, completion.String())
		}
		_ = send(Event{Type: EventError, Kind: pe.Kind, Message: pe.Message, Usage: usage})
		return
	}

	usage := finalUsage(reported, chat, completion.String())
	span.SetAttributes(
		attribute.Int("usage.prompt_tokens", usage.PromptTokens),
		attribute.Int("usage.completion_tokens", usage.CompletionTokens),
	)
	g.logger.Debug("Generation finished",
		zap.String("provider", string(active.Provider)),
		zap.Int("prompt_tokens", usage.PromptTokens),
		zap.Int("completion_tokens", usage.CompletionTokens),
		zap.Duration("elapsed", time.Since(start)))

	if send(UsageEvent(usage)) != nil {
		return
	}
	_ = send(Event{Type: EventDone})
}

// finalUsage prefers the vendor's numbers and fills what it left out.
func finalUsage(reported *Usage, chat *ChatRequest, completion string) Usage {
	est := estimateUsage(chat, completion)
	if reported == nil {
		return est
	}
	u := *reported
	if u.PromptTokens == 0 {
		u.PromptTokens = est.PromptTokens
	}
	if u.CompletionTokens == 0 {
		u.CompletionTokens = est.CompletionTokens
	}
	return u
}

func estimateUsage(chat *ChatRequest, completion string) Usage {
	return Usage{
		PromptTokens:     EstimatePromptTokens(chat.Messages),
		CompletionTokens: utils.EstimateTokens(completion),
	}
}

// TestConfig sends a short greeting through cfg, which need not be saved or
// active, and returns the reply. It bypasses the rate limiter and breaker.
func (g *Gateway) TestConfig(ctx context.Context, cfg models.ProviderConfig) (string, error) {
	if !cfg.Provider.Valid() {
		return "", apperr.New(apperr.KindConfig, "unsupported provider %q", cfg.Provider)
	}
	if strings.TrimSpace(cfg.ModelName) == "" {
		return "", apperr.New(apperr.KindConfig, "model name is required")
	}
	backend, err := g.registry.Backend(cfg.Provider)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()

	chat := &ChatRequest{
		Model:     cfg.ModelName,
		Messages:  []Message{{Role: "user", Content: testPrompt}},
		MaxTokens: testMaxTokens,
	}
	var reply strings.Builder
	err = backend.Stream(ctx, &cfg, chat, func(ev Event) error {
		if ev.Type == EventTextDelta {
			reply.WriteString(ev.Text)
		}
		return nil
	})
	if err != nil {
		return "", providerError(string(cfg.Provider), err)
	}
	return strings.TrimSpace(reply.String()), nil
}
