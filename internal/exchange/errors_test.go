package exchange

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindRetryable},
		{"auth failure", ErrAuthFailed, KindFatal},
		{"wrapped auth failure", fmt.Errorf("login: %w", ErrAuthFailed), KindFatal},
		{"insufficient margin", ErrInsufficientMargin, KindTerminalReject},
		{"invalid params", ErrInvalidParams, KindTerminalReject},
		{"position not found", ErrPositionNotFound, KindTerminalReject},
		{"rate limited", ErrRateLimited, KindRetryable},
		{"deadline exceeded", context.DeadlineExceeded, KindRetryable},
		{"unknown error", errors.New("connection reset"), KindRetryable},
		{"api error terminal", NewAPIError(KindTerminalReject, 4061, "position exists", nil), KindTerminalReject},
		{"api error fatal", NewAPIError(KindFatal, 401, "bad key", nil), KindFatal},
		{"wrapped api error", fmt.Errorf("place order: %w", NewAPIError(KindTerminalReject, 1106, "bad param", nil)), KindTerminalReject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(ErrAuthFailed) {
		t.Error("auth failure should be fatal")
	}
	if IsFatal(ErrRateLimited) {
		t.Error("rate limiting should not be fatal")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(errors.New("timeout")) {
		t.Error("unknown errors should default to retryable")
	}
	if IsRetryable(ErrInsufficientMargin) {
		t.Error("insufficient margin should not be retryable")
	}
}

func TestAPIErrorUnwrap(t *testing.T) {
	inner := errors.New("socket closed")
	err := NewAPIError(KindRetryable, 500, "server error", inner)
	if !errors.Is(err, inner) {
		t.Error("APIError should unwrap to its cause")
	}
}
