package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Failure kinds. Every error returned by Client wraps exactly one of them.
var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidRequest = errors.New("invalid request")
	ErrServerError    = errors.New("server error")
	ErrConnection     = errors.New("connection error")
)

// APIError carries the failure kind along with what the server said.
type APIError struct {
	Kind       error
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Message)
	}
	if e.Message == "" {
		return fmt.Sprintf("%s (HTTP %d)", e.Kind.Error(), e.StatusCode)
	}
	return fmt.Sprintf("%s (HTTP %d): %s", e.Kind.Error(), e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Kind }

// kindForStatus maps an HTTP status code to a failure kind.
func kindForStatus(code int) error {
	switch {
	case code == http.StatusNotFound:
		return ErrNotFound
	case code >= 500:
		return ErrServerError
	default:
		return ErrInvalidRequest
	}
}

// Invalid builds a client-side InvalidRequest failure for payloads that are
// rejected before any request is made.
func Invalid(format string, args ...any) error {
	return &APIError{Kind: ErrInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

func connectionError(err error) error {
	return &APIError{Kind: ErrConnection, Message: err.Error()}
}

// IsRetryable reports whether the caller may retry the call as is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServerError) || errors.Is(err, ErrConnection)
}
