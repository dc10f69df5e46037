package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"retryable task error", RetryableError("rate limited"), true},
		{"fatal task error", FatalError("bad params"), false},
		{"wrapped retryable", fmt.Errorf("handler: %w", RetryableError("timeout")), true},
		{"wrapped fatal", fmt.Errorf("handler: %w", FatalError("unknown kind")), false},
		{"plain error defaults retryable", errors.New("connection reset"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorFormatting(t *testing.T) {
	err := NewNotFoundError("task", "abc-123")

	if err.Code != ErrCodeNotFound {
		t.Errorf("code = %q, want not_found", err.Code)
	}
	if got := err.Error(); got != "[not_found] task 'abc-123' not found." {
		t.Errorf("Error() = %q", got)
	}
	if err.Details["resource_id"] != "abc-123" {
		t.Errorf("details missing resource_id: %v", err.Details)
	}
}

func TestTaskErrorFormatting(t *testing.T) {
	err := RetryableError("attempt %d failed", 3)
	if err.Message != "attempt 3 failed" {
		t.Errorf("message = %q", err.Message)
	}
	if !err.Retryable {
		t.Error("RetryableError should be retryable")
	}

	fatal := FatalError("no such kind")
	if fatal.Retryable {
		t.Error("FatalError should not be retryable")
	}
}

func TestErrorUnwrapsThroughAs(t *testing.T) {
	var coreErr *Error
	wrapped := fmt.Errorf("outer: %w", NewConflictError("busy", nil))

	if !errors.As(wrapped, &coreErr) {
		t.Fatal("errors.As should find *Error through wrapping")
	}
	if coreErr.Code != ErrCodeConflict {
		t.Errorf("code = %q, want conflict", coreErr.Code)
	}
}
