package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies an exchange failure for retry handling.
type ErrorKind int

const (
	// KindRetryable - network timeouts, 5xx responses, rate limiting.
	// Safe to retry with backoff.
	KindRetryable ErrorKind = iota

	// KindTerminalReject - invalid parameters, insufficient funds,
	// duplicate position. Retrying cannot succeed; abort the operation only.
	KindTerminalReject

	// KindFatal - authentication failure. Trading must halt.
	KindFatal
)

// String returns a human-readable kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindRetryable:
		return "RETRYABLE"
	case KindTerminalReject:
		return "TERMINAL"
	case KindFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Sentinel errors for well-known exchange outcomes.
var (
	ErrPositionNotFound   = errors.New("position not found on exchange")
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrRateLimited        = errors.New("rate limited by exchange")
	ErrAuthFailed         = errors.New("authentication failed")
	ErrInvalidParams      = errors.New("invalid order parameters")
)

// APIError is a classified exchange error.
type APIError struct {
	Kind    ErrorKind
	Code    int
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("exchange error (%s, code %d): %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("exchange error (%s, code %d): %s", e.Kind, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError builds a classified error wrapping err.
func NewAPIError(kind ErrorKind, code int, message string, err error) *APIError {
	return &APIError{Kind: kind, Code: code, Message: message, Err: err}
}

// ClassifyError maps an arbitrary error from a client call onto the retry
// taxonomy. Unknown errors default to retryable: treating a transient glitch
// as terminal loses a close attempt, the reverse only costs a retry.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindRetryable
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}

	switch {
	case errors.Is(err, ErrAuthFailed):
		return KindFatal
	case errors.Is(err, ErrInsufficientMargin),
		errors.Is(err, ErrInvalidParams),
		errors.Is(err, ErrPositionNotFound):
		return KindTerminalReject
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, context.DeadlineExceeded):
		return KindRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindRetryable
	}

	return KindRetryable
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	return ClassifyError(err) == KindRetryable
}

// IsFatal reports whether err must halt trading.
func IsFatal(err error) bool {
	return ClassifyError(err) == KindFatal
}
