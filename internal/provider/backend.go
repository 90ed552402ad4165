package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hyperjump/kotae/internal/apperr"
	"github.com/hyperjump/kotae/internal/models"
)

// Emit hands one event to the gateway. It blocks while the consumer is behind
// and fails once the stream has been cancelled; backends must stop reading
// when it returns an error.
type Emit func(Event) error

// Backend speaks one vendor family's streaming chat API. Backends emit only
// text deltas and, when the vendor reports it, a usage event.
type Backend interface {
	Stream(ctx context.Context, cfg *models.ProviderConfig, req *ChatRequest, emit Emit) error
}

// Registry maps provider names to backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[models.ProviderName]Backend
}

// NewRegistry returns a registry with every supported provider wired to its
// vendor family.
func NewRegistry(client *http.Client) *Registry {
	if client == nil {
		client = NewHTTPClient(30 * time.Second)
	}
	r := &Registry{backends: make(map[models.ProviderName]Backend)}
	r.Register(models.ProviderOpenAI, &OpenAIBackend{client: client, target: openAITarget})
	r.Register(models.ProviderAzure, &OpenAIBackend{client: client, target: azureTarget})
	r.Register(models.ProviderDeepSeek, &OpenAIBackend{client: client, target: deepSeekTarget})
	r.Register(models.ProviderBedrock, &OpenAIBackend{client: client, target: bedrockTarget})
	r.Register(models.ProviderAnthropic, &AnthropicBackend{client: client})
	r.Register(models.ProviderOllama, &OllamaBackend{client: client})
	return r
}

// Register installs or replaces the backend for name.
func (r *Registry) Register(name models.ProviderName, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = b
}

// Backend returns the backend for name.
func (r *Registry) Backend(name models.ProviderName) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		return nil, apperr.New(apperr.KindConfig, "unsupported provider %q", name)
	}
	return b, nil
}

// NewHTTPClient returns a client whose dial, TLS handshake and response header
// waits are bounded by connectTimeout. The body has no deadline; streams end
// when the request context is cancelled.
func NewHTTPClient(connectTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   connectTimeout,
			ResponseHeaderTimeout: connectTimeout,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}

// postJSON sends body and returns the response for a 2xx status. Any other
// status is returned as an *HTTPError.
func postJSON(ctx context.Context, client *http.Client, url string, header http.Header, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, readHTTPError(resp)
	}
	return resp, nil
}

func credential(cfg *models.ProviderConfig, key string) string {
	if cfg.Credentials == nil {
		return ""
	}
	return cfg.Credentials[key]
}

func requireCredential(cfg *models.ProviderConfig, key string) (string, error) {
	v := credential(cfg, key)
	if v == "" {
		return "", apperr.New(apperr.KindConfig, "%s credentials are missing %s", cfg.Provider, key)
	}
	return v, nil
}
