// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"testing"
)

// TestErrorCodeValues verifies all error codes have non-empty, distinct values.
func TestErrorCodeValues(t *testing.T) {
	codes := []ErrorCode{
		ErrInternal, ErrInvalid, ErrNotFound, ErrConfig, ErrValidation,
		ErrPersistence, ErrMigration, ErrCorrupted,
		ErrQueueFull,
		ErrOffline, ErrSyncInProgress, ErrSyncFailed, ErrSyncTimeout,
		ErrRemoteRejected, ErrRemoteUnavailable, ErrRemoteAuth,
	}

	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		if code == "" {
			t.Error("ErrorCode should not be empty")
		}
		if seen[code] {
			t.Errorf("ErrorCode %q is duplicated", code)
		}
		seen[code] = true
	}
}

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrOffline, Message: "device is offline"},
			want:     "[OFFLINE] device is offline",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrPersistence, Message: "write queue", Err: errors.New("disk full")},
			want:     "[PERSISTENCE_ERROR] write queue: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appError.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestWrap verifies error wrapping and unwrapping.
func TestWrap(t *testing.T) {
	underlying := errors.New("underlying")

	err := Wrap(ErrPersistence, "save failed", underlying)
	if err.Code != ErrPersistence {
		t.Errorf("Wrap() code = %q, want %q", err.Code, ErrPersistence)
	}
	if !errors.Is(err, underlying) {
		t.Error("Wrap() result should unwrap to the underlying error")
	}
}

// TestNewf verifies formatted messages.
func TestNewf(t *testing.T) {
	err := Newf(ErrQueueFull, "queue is full (max size: %d)", 10)
	if err.Message != "queue is full (max size: 10)" {
		t.Errorf("Newf() message = %q", err.Message)
	}
}

// TestIs verifies error code checking through wrap chains.
func TestIs(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"matching AppError", New(ErrNotFound, "missing"), ErrNotFound, true},
		{"different code", New(ErrNotFound, "missing"), ErrOffline, false},
		{"wrapped by fmt", fmt.Errorf("outer: %w", New(ErrOffline, "offline")), ErrOffline, true},
		{"plain error", errors.New("plain"), ErrInternal, false},
		{"nil error", nil, ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCodeOf verifies code extraction with fallback.
func TestCodeOf(t *testing.T) {
	if got := CodeOf(fmt.Errorf("x: %w", New(ErrSyncInProgress, "busy"))); got != ErrSyncInProgress {
		t.Errorf("CodeOf() = %q, want %q", got, ErrSyncInProgress)
	}
	if got := CodeOf(errors.New("plain")); got != ErrInternal {
		t.Errorf("CodeOf() = %q, want %q", got, ErrInternal)
	}
}
