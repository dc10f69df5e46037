// Package core defines the task model: states, retry policies, backoff,
// validation, and the error taxonomy shared by every other package.
package core

import (
	"encoding/json"
	"time"
)

// Version is the server version reported in health responses.
const Version = "0.4.0"

// TimeFormat is the canonical timestamp format: RFC 3339 with
// millisecond precision in UTC.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime formats a time in the canonical format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// NowFormatted returns the current time in the canonical format.
func NowFormatted() string {
	return FormatTime(time.Now())
}

// Task is a unit of work moving through the retry state machine.
type Task struct {
	ID             string            `json:"id"`
	Kind           string            `json:"kind"`
	State          string            `json:"state"`
	Queue          string            `json:"queue"`
	Params         json.RawMessage   `json:"params,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Attempt        int               `json:"attempt"`
	MaxAttempts    *int              `json:"max_attempts,omitempty"`
	TimeoutMs      *int              `json:"timeout_ms,omitempty"`
	Retry          *RetryPolicy      `json:"retry,omitempty"`
	BatchID        string            `json:"batch_id,omitempty"`
	CreatedAt      string            `json:"created_at"`
	EnqueuedAt     string            `json:"enqueued_at,omitempty"`
	ScheduledAt    string            `json:"scheduled_at,omitempty"`
	NextRunAt      string            `json:"next_run_at,omitempty"`
	StartedAt      string            `json:"started_at,omitempty"`
	CompletedAt    string            `json:"completed_at,omitempty"`
	CancelledAt    string            `json:"cancelled_at,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	LastError      json.RawMessage   `json:"last_error,omitempty"`
	Errors         []json.RawMessage `json:"errors,omitempty"`
	Tags           []string          `json:"tags,omitempty"`

	// ReceiptHandle is transport bookkeeping, never serialized to callers.
	ReceiptHandle string `json:"-"`
}

// ResolvedMaxAttempts returns the effective attempt ceiling: the retry
// policy wins over the task-level field, which wins over the default.
func (t *Task) ResolvedMaxAttempts() int {
	if t.Retry != nil && t.Retry.MaxAttempts > 0 {
		return t.Retry.MaxAttempts
	}
	if t.MaxAttempts != nil && *t.MaxAttempts > 0 {
		return *t.MaxAttempts
	}
	return DefaultMaxAttempts
}

// SubmitRequest is a task submission from a caller.
type SubmitRequest struct {
	ID      string          `json:"id,omitempty"`
	Kind    string          `json:"kind"`
	Params  json.RawMessage `json:"params,omitempty"`
	// IdempotencyKey guards the task's side effect: at most one
	// execution for this key ever completes, across tasks and retries.
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Options        *SubmitOptions `json:"options,omitempty"`
}

// SubmitOptions are optional submission parameters.
type SubmitOptions struct {
	Queue       string       `json:"queue,omitempty"`
	TimeoutMs   *int         `json:"timeout_ms,omitempty"`
	ScheduledAt string       `json:"scheduled_at,omitempty"`
	Retry       *RetryPolicy `json:"retry,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
}

// BatchItem is a single task inside a fan-out batch.
type BatchItem struct {
	Kind           string          `json:"kind"`
	Params         json.RawMessage `json:"params,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Options        *SubmitOptions  `json:"options,omitempty"`
}

// BatchCallback is a task enqueued when a batch reaches a terminal
// status.
type BatchCallback struct {
	Kind    string          `json:"kind"`
	Params  json.RawMessage `json:"params,omitempty"`
	Options *SubmitOptions  `json:"options,omitempty"`
}

// BatchCallbacks configures batch completion callbacks. OnComplete
// fires on any terminal status; OnSuccess and OnFailure fire on their
// respective outcomes in addition to OnComplete.
type BatchCallbacks struct {
	OnComplete *BatchCallback `json:"on_complete,omitempty"`
	OnSuccess  *BatchCallback `json:"on_success,omitempty"`
	OnFailure  *BatchCallback `json:"on_failure,omitempty"`
}

// BatchRequest is a fan-out dispatch of multiple tasks tracked as one
// aggregation.
type BatchRequest struct {
	Name      string          `json:"name,omitempty"`
	Items     []BatchItem     `json:"items"`
	Callbacks *BatchCallbacks `json:"callbacks,omitempty"`
}

// Batch statuses. A batch is processing until every item reaches a
// terminal task state, then transitions exactly once to completed or
// failed.
const (
	BatchProcessing = "processing"
	BatchCompleted  = "completed"
	BatchFailed     = "failed"
	BatchCancelled  = "cancelled"
)

// Batch is the caller-visible view of a fan-out aggregation.
type Batch struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Status      string   `json:"status"`
	Total       int      `json:"total"`
	Completed   int      `json:"completed"`
	Failed      int      `json:"failed"`
	CreatedAt   string   `json:"created_at"`
	CompletedAt string   `json:"completed_at,omitempty"`
	TaskIDs     []string `json:"task_ids,omitempty"`
}

// CronSchedule is a recurring task definition.
type CronSchedule struct {
	Name       string          `json:"name"`
	Expression string          `json:"expression"`
	Kind       string          `json:"kind"`
	Params     json.RawMessage `json:"params,omitempty"`
	Queue      string          `json:"queue,omitempty"`
	Retry      *RetryPolicy    `json:"retry,omitempty"`
	Enabled    bool            `json:"enabled"`
	CreatedAt  string          `json:"created_at,omitempty"`
	NextRunAt  string          `json:"next_run_at,omitempty"`
	LastRunAt  string          `json:"last_run_at,omitempty"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	Backend BackendHealth `json:"backend"`
}

// BackendHealth reports the health of the storage and transport layers.
type BackendHealth struct {
	Store     string `json:"store"`
	Transport string `json:"transport,omitempty"`
	UptimeS   int64  `json:"uptime_s"`
}
