// Package apperr defines the error taxonomy shared by every component. Each error
// carries a machine-readable Kind and a human message; wrapped causes stay
// internal and are only logged.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	KindConfig            Kind = "config_error"
	KindEmbeddingProvider Kind = "embedding_provider_error"
	KindRetrievalTimeout  Kind = "retrieval_timeout"
	KindDimensionMismatch Kind = "dimension_mismatch"
	KindEmbedderMismatch  Kind = "embedder_mismatch"
	KindNoActiveProvider  Kind = "no_active_provider"
	KindQuotaExceeded     Kind = "quota_exceeded"
	KindProvider          Kind = "provider_error"
	KindForbidden         Kind = "forbidden"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindInvalidInput      Kind = "invalid_input"
	KindInternal          Kind = "internal"
)

// Notification is a user-facing hint attached to configuration-class failures.
type Notification struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Error is the concrete error type returned at component boundaries.
type Error struct {
	Kind         Kind
	Message      string
	Notification *Notification
	Err          error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrConfig            = &Error{Kind: KindConfig}
	ErrEmbeddingProvider = &Error{Kind: KindEmbeddingProvider}
	ErrRetrievalTimeout  = &Error{Kind: KindRetrievalTimeout}
	ErrDimensionMismatch = &Error{Kind: KindDimensionMismatch}
	ErrEmbedderMismatch  = &Error{Kind: KindEmbedderMismatch}
	ErrNoActiveProvider  = &Error{Kind: KindNoActiveProvider}
	ErrQuotaExceeded     = &Error{Kind: KindQuotaExceeded}
	ErrProvider          = &Error{Kind: KindProvider}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrInvalidInput      = &Error{Kind: KindInvalidInput}
)

// New returns an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind wrapping err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// NoActiveProvider builds the configuration failure shown to operators when no
// generation backend is usable.
func NoActiveProvider(reason string) *Error {
	return &Error{
		Kind:    KindNoActiveProvider,
		Message: reason,
		Notification: &Notification{
			Title:   "LLM Configuration Required",
			Message: "Please configure an LLM provider in the admin settings.",
		},
	}
}

// As extracts the *Error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether a failure of this kind may be retried once.
// Only transient upstream dependencies qualify.
func Retryable(kind Kind) bool {
	return kind == KindEmbeddingProvider || kind == KindRetrievalTimeout
}

// HTTPStatus maps a kind to a response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindConfig, KindInvalidInput:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindNoActiveProvider:
		return http.StatusServiceUnavailable
	case KindRetrievalTimeout:
		return http.StatusGatewayTimeout
	case KindEmbeddingProvider, KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Public returns the kind and message safe to send to a caller. Foreign errors
// collapse to a generic internal message.
func Public(err error) (Kind, string, *Notification) {
	if e, ok := As(err); ok {
		return e.Kind, e.Message, e.Notification
	}
	return KindInternal, "internal error", nil
}
