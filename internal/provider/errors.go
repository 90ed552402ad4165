package provider

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hyperjump/kotae/internal/apperr"
)

// HTTPError is a non-2xx response from a provider.
type HTTPError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *HTTPError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("http error: status=%d code=%s message=%s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("http error: status=%d message=%s", e.StatusCode, msg)
}

// errTruncated reports a stream that closed before its end marker.
func errTruncated() error {
	return &HTTPError{StatusCode: http.StatusBadGateway, Message: "stream ended before completion"}
}

// readHTTPError parses the error envelope used by OpenAI-compatible APIs and
// Anthropic ({"error": {"message", "type", "code"}}) or Ollama ({"error": "..."}).
func readHTTPError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	herr := &HTTPError{StatusCode: resp.StatusCode}

	var env struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Error) > 0 {
		var obj struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		}
		var s string
		switch {
		case json.Unmarshal(env.Error, &obj) == nil:
			herr.Message = strings.TrimSpace(obj.Message)
			herr.Type = strings.TrimSpace(obj.Type)
			if obj.Code != nil {
				herr.Code = strings.TrimSpace(fmt.Sprint(obj.Code))
			}
		case json.Unmarshal(env.Error, &s) == nil:
			herr.Message = strings.TrimSpace(s)
		}
	}
	if herr.Message == "" {
		herr.Message = strings.TrimSpace(string(raw))
	}
	return herr
}

// providerError converts a backend failure into the provider error kind shown
// to callers. Authentication failures point at the configuration.
func providerError(name string, err error) *apperr.Error {
	if ae, ok := apperr.As(err); ok {
		return ae
	}
	if herr, ok := err.(*HTTPError); ok {
		switch herr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return apperr.Wrap(apperr.KindProvider, err, "%s rejected the credentials", name)
		case http.StatusNotFound:
			return apperr.Wrap(apperr.KindProvider, err, "%s does not know the configured model", name)
		case http.StatusTooManyRequests:
			return apperr.Wrap(apperr.KindProvider, err, "%s is rate limiting requests", name)
		}
	}
	return apperr.Wrap(apperr.KindProvider, err, "%s request failed", name)
}
