package core

import (
	"errors"
	"fmt"
)

// Standard error codes used in API error responses.
const (
	ErrCodeInvalidRequest  = "invalid_request"
	ErrCodeValidationError = "validation_error"
	ErrCodeNotFound        = "not_found"
	ErrCodeConflict        = "conflict"
	ErrCodeDuplicate       = "duplicate"
	ErrCodeInvalidState    = "invalid_state"
	ErrCodeInternalError   = "internal_error"
	ErrCodeQueuePaused     = "queue_paused"
)

// Error is a structured, user-visible error.
type Error struct {
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func NewInvalidRequestError(message string, details map[string]any) *Error {
	return &Error{
		Code:      ErrCodeInvalidRequest,
		Message:   message,
		Retryable: false,
		Details:   details,
	}
}

func NewValidationError(message string, details map[string]any) *Error {
	return &Error{
		Code:      ErrCodeValidationError,
		Message:   message,
		Retryable: false,
		Details:   details,
	}
}

func NewNotFoundError(resourceType, resourceID string) *Error {
	return &Error{
		Code:      ErrCodeNotFound,
		Message:   fmt.Sprintf("%s '%s' not found.", resourceType, resourceID),
		Retryable: false,
		Details: map[string]any{
			"resource_type": resourceType,
			"resource_id":   resourceID,
		},
	}
}

func NewConflictError(message string, details map[string]any) *Error {
	return &Error{
		Code:      ErrCodeConflict,
		Message:   message,
		Retryable: false,
		Details:   details,
	}
}

// NewInvalidStateError reports a caller contract violation, such as
// double-completing an idempotency record. It is never retried.
func NewInvalidStateError(message string, details map[string]any) *Error {
	return &Error{
		Code:      ErrCodeInvalidState,
		Message:   message,
		Retryable: false,
		Details:   details,
	}
}

func NewInternalError(message string) *Error {
	return &Error{
		Code:      ErrCodeInternalError,
		Message:   message,
		Retryable: true,
	}
}

// TaskError is the failure signal returned by task handlers. Retryable
// marks transient conditions (timeouts, rate limits, network failures);
// everything else is treated as fatal and skips the remaining attempts.
type TaskError struct {
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *TaskError) Error() string {
	return e.Message
}

// RetryableError builds a transient task failure.
func RetryableError(format string, args ...any) *TaskError {
	return &TaskError{Message: fmt.Sprintf(format, args...), Retryable: true}
}

// FatalError builds a permanent task failure that must not be retried.
func FatalError(format string, args ...any) *TaskError {
	return &TaskError{Message: fmt.Sprintf(format, args...), Retryable: false}
}

// IsRetryable classifies an error from a task handler. Errors that do not
// carry an explicit classification are treated as retryable, since
// unknown failures are usually transient infrastructure problems.
func IsRetryable(err error) bool {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return true
}
