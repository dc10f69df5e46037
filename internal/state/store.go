package state

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/taskrelay/taskrelay/internal/core"
)

// Sentinel errors shared by all Store implementations so callers can
// distinguish races from infrastructure failures.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConditionFailed is returned when a conditional write loses:
	// create-if-absent found an existing record, or a guarded update
	// found the record in an unexpected state.
	ErrConditionFailed = errors.New("conditional check failed")
)

// Idempotency record statuses.
const (
	LedgerInFlight  = "in_flight"
	LedgerCompleted = "completed"
)

// TaskRecord is a task stored in the state store (DynamoDB).
type TaskRecord struct {
	ID             string   `dynamodbav:"PK"`
	SK             string   `dynamodbav:"SK"`
	Kind           string   `dynamodbav:"kind"`
	State          string   `dynamodbav:"state"`
	Queue          string   `dynamodbav:"queue"`
	Params         string   `dynamodbav:"params,omitempty"`
	IdempotencyKey string   `dynamodbav:"idempotency_key,omitempty"`
	Attempt        int      `dynamodbav:"attempt"`
	MaxAttempts    *int     `dynamodbav:"max_attempts,omitempty"`
	TimeoutMs      *int     `dynamodbav:"timeout_ms,omitempty"`
	Retry          string   `dynamodbav:"retry,omitempty"`
	BatchID        string   `dynamodbav:"batch_id,omitempty"`
	CreatedAt      string   `dynamodbav:"created_at"`
	EnqueuedAt     string   `dynamodbav:"enqueued_at,omitempty"`
	ScheduledAt    string   `dynamodbav:"scheduled_at,omitempty"`
	NextRunAt      string   `dynamodbav:"next_run_at,omitempty"`
	StartedAt      string   `dynamodbav:"started_at,omitempty"`
	CompletedAt    string   `dynamodbav:"completed_at,omitempty"`
	CancelledAt    string   `dynamodbav:"cancelled_at,omitempty"`
	Result         string   `dynamodbav:"result,omitempty"`
	LastError      string   `dynamodbav:"last_error,omitempty"`
	ErrorHistory   string   `dynamodbav:"error_history,omitempty"`
	Tags           []string `dynamodbav:"tags,omitempty"`
	ReceiptHandle  string   `dynamodbav:"receipt_handle,omitempty"`

	// GSI attributes for queries
	GSI1PK string `dynamodbav:"GSI1PK,omitempty"` // QUEUE#<name>
	GSI1SK string `dynamodbav:"GSI1SK,omitempty"` // STATE#<state>#<created_at>
	GSI2PK string `dynamodbav:"GSI2PK,omitempty"` // STATE#<state>
	GSI2SK string `dynamodbav:"GSI2SK,omitempty"` // <created_at>
}

// BatchRecord is a fan-out/fan-in aggregation in the state store.
// Completed and Failed are only ever mutated through a single atomic
// read-modify-write (IncrementBatchCounters), never read-then-write.
type BatchRecord struct {
	ID          string `dynamodbav:"PK"`
	SK          string `dynamodbav:"SK"`
	Name        string `dynamodbav:"name,omitempty"`
	Status      string `dynamodbav:"status"`
	Total       int    `dynamodbav:"total"`
	Completed   int    `dynamodbav:"completed"`
	Failed      int    `dynamodbav:"failed"`
	CreatedAt   string `dynamodbav:"created_at"`
	CompletedAt string `dynamodbav:"completed_at,omitempty"`
	Callbacks   string `dynamodbav:"callbacks,omitempty"`
}

// IdempotencyRecord guards a side-effecting operation against duplicate
// execution. For a given key at most one execution ever produces a
// result; the record is write-once after completion.
type IdempotencyRecord struct {
	Key         string `dynamodbav:"PK"`
	SK          string `dynamodbav:"SK"`
	Status      string `dynamodbav:"status"`
	TaskID      string `dynamodbav:"task_id,omitempty"`
	Result      string `dynamodbav:"result,omitempty"`
	CreatedAt   string `dynamodbav:"created_at"`
	CompletedAt string `dynamodbav:"completed_at,omitempty"`
}

// CronRecord is a recurring task schedule in the state store.
type CronRecord struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	Name       string `dynamodbav:"name"`
	Expression string `dynamodbav:"expression"`
	Kind       string `dynamodbav:"kind"`
	Params     string `dynamodbav:"params,omitempty"`
	Queue      string `dynamodbav:"queue,omitempty"`
	Retry      string `dynamodbav:"retry,omitempty"`
	Enabled    bool   `dynamodbav:"enabled"`
	CreatedAt  string `dynamodbav:"created_at,omitempty"`
	NextRunAt  string `dynamodbav:"next_run_at,omitempty"`
	LastRunAt  string `dynamodbav:"last_run_at,omitempty"`
}

// Store is the durable state collaborator. Implementations guarantee
// single-record atomicity: conditional creates, guarded state updates,
// and atomic counter increments. Multi-record transactions are not
// required.
type Store interface {
	// Task operations
	PutTask(ctx context.Context, record *TaskRecord) error
	GetTask(ctx context.Context, taskID string) (*TaskRecord, error)
	UpdateTaskState(ctx context.Context, taskID, newState string, updates map[string]any) error
	// ClaimTask transitions pending -> running, failing with
	// ErrConditionFailed if the task is not pending. This serializes
	// attempts: attempt N+1 can never start while N is in flight.
	ClaimTask(ctx context.Context, taskID string, updates map[string]any) error
	DeleteTask(ctx context.Context, taskID string) error

	// Query operations
	ListTasksByQueue(ctx context.Context, queue, state string, limit int) ([]*TaskRecord, error)
	ListTasksByState(ctx context.Context, state string, limit int) ([]*TaskRecord, error)
	CountTasksByQueueAndState(ctx context.Context, queue, state string) (int, error)

	// Queue metadata
	RegisterQueue(ctx context.Context, name string) error
	ListQueues(ctx context.Context) ([]string, error)
	SetQueuePaused(ctx context.Context, name string, paused bool) error
	IsQueuePaused(ctx context.Context, name string) (bool, error)
	IncrementQueueSucceeded(ctx context.Context, name string) error
	GetQueueSucceededCount(ctx context.Context, name string) (int, error)

	// Idempotency ledger
	CreateIdempotencyRecord(ctx context.Context, record *IdempotencyRecord) error
	GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error)
	CompleteIdempotencyRecord(ctx context.Context, key, result, completedAt string) error
	ReleaseIdempotencyRecord(ctx context.Context, key string) error

	// Batch operations
	PutBatch(ctx context.Context, record *BatchRecord) error
	GetBatch(ctx context.Context, batchID string) (*BatchRecord, error)
	AddBatchTask(ctx context.Context, batchID, taskID string) error
	GetBatchTasks(ctx context.Context, batchID string) ([]string, error)
	// IncrementBatchCounters atomically bumps the completed or failed
	// counter and returns the post-increment values.
	IncrementBatchCounters(ctx context.Context, batchID string, failed bool) (completed, failedCount int, err error)
	// FinishBatch transitions processing -> status, failing with
	// ErrConditionFailed if the batch already finished. This is the
	// exactly-once gate for batch completion.
	FinishBatch(ctx context.Context, batchID, status, completedAt string) error

	// Dead letter operations
	AddToDeadLetter(ctx context.Context, taskID string) error
	RemoveFromDeadLetter(ctx context.Context, taskID string) error
	IsInDeadLetter(ctx context.Context, taskID string) (bool, error)
	ListDeadLetter(ctx context.Context, limit int) ([]string, error)

	// Scheduled task operations
	AddScheduledTask(ctx context.Context, taskID string, dueAtMs int64) error
	GetDueScheduledTasks(ctx context.Context, nowMs int64) ([]string, error)
	RemoveScheduledTask(ctx context.Context, taskID string) error

	// Retry operations
	AddRetryTask(ctx context.Context, taskID string, dueAtMs int64) error
	GetDueRetryTasks(ctx context.Context, nowMs int64) ([]string, error)
	RemoveRetryTask(ctx context.Context, taskID string) error

	// Cron operations
	PutCron(ctx context.Context, cron *CronRecord) error
	GetCron(ctx context.Context, name string) (*CronRecord, error)
	DeleteCron(ctx context.Context, name string) error
	ListCrons(ctx context.Context) ([]*CronRecord, error)
	AcquireCronLock(ctx context.Context, name string, timestamp int64) (bool, error)

	// Health check
	Ping(ctx context.Context) error

	// Close the store
	Close() error
}

// RecordToTask converts a TaskRecord to a core.Task.
func RecordToTask(r *TaskRecord) *core.Task {
	task := &core.Task{
		ID:             r.ID,
		Kind:           r.Kind,
		State:          r.State,
		Queue:          r.Queue,
		IdempotencyKey: r.IdempotencyKey,
		Attempt:        r.Attempt,
		MaxAttempts:    r.MaxAttempts,
		TimeoutMs:      r.TimeoutMs,
		BatchID:        r.BatchID,
		CreatedAt:      r.CreatedAt,
		EnqueuedAt:     r.EnqueuedAt,
		ScheduledAt:    r.ScheduledAt,
		NextRunAt:      r.NextRunAt,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		CancelledAt:    r.CancelledAt,
		Tags:           r.Tags,
		ReceiptHandle:  r.ReceiptHandle,
	}

	if r.Params != "" {
		task.Params = json.RawMessage(r.Params)
	}
	if r.Result != "" {
		task.Result = json.RawMessage(r.Result)
	}
	if r.LastError != "" {
		task.LastError = json.RawMessage(r.LastError)
	}
	if r.ErrorHistory != "" {
		var history []json.RawMessage
		if json.Unmarshal([]byte(r.ErrorHistory), &history) == nil {
			task.Errors = history
		}
	}
	if r.Retry != "" {
		var retry core.RetryPolicy
		if json.Unmarshal([]byte(r.Retry), &retry) == nil {
			task.Retry = &retry
		}
	}

	return task
}

// TaskToRecord converts a core.Task to a TaskRecord for storage.
func TaskToRecord(task *core.Task) *TaskRecord {
	r := &TaskRecord{
		ID:             task.ID,
		SK:             "TASK",
		Kind:           task.Kind,
		State:          task.State,
		Queue:          task.Queue,
		IdempotencyKey: task.IdempotencyKey,
		Attempt:        task.Attempt,
		MaxAttempts:    task.MaxAttempts,
		TimeoutMs:      task.TimeoutMs,
		BatchID:        task.BatchID,
		CreatedAt:      task.CreatedAt,
		EnqueuedAt:     task.EnqueuedAt,
		ScheduledAt:    task.ScheduledAt,
		NextRunAt:      task.NextRunAt,
		StartedAt:      task.StartedAt,
		CompletedAt:    task.CompletedAt,
		CancelledAt:    task.CancelledAt,
		Tags:           task.Tags,
		ReceiptHandle:  task.ReceiptHandle,
		GSI1PK:         "QUEUE#" + task.Queue,
		GSI1SK:         "STATE#" + task.State + "#" + task.CreatedAt,
		GSI2PK:         "STATE#" + task.State,
		GSI2SK:         task.CreatedAt,
	}

	if task.Params != nil {
		r.Params = string(task.Params)
	}
	if task.Result != nil {
		r.Result = string(task.Result)
	}
	if task.LastError != nil {
		r.LastError = string(task.LastError)
	}
	if len(task.Errors) > 0 {
		histJSON, _ := json.Marshal(task.Errors)
		r.ErrorHistory = string(histJSON)
	}
	if task.Retry != nil {
		retryJSON, _ := json.Marshal(task.Retry)
		r.Retry = string(retryJSON)
	}

	return r
}

// RecordToBatch converts a BatchRecord to a core.Batch.
func RecordToBatch(r *BatchRecord) *core.Batch {
	return &core.Batch{
		ID:          r.ID,
		Name:        r.Name,
		Status:      r.Status,
		Total:       r.Total,
		Completed:   r.Completed,
		Failed:      r.Failed,
		CreatedAt:   r.CreatedAt,
		CompletedAt: r.CompletedAt,
	}
}

// RecordToCron converts a CronRecord to a core.CronSchedule.
func RecordToCron(r *CronRecord) *core.CronSchedule {
	c := &core.CronSchedule{
		Name:       r.Name,
		Expression: r.Expression,
		Kind:       r.Kind,
		Queue:      r.Queue,
		Enabled:    r.Enabled,
		CreatedAt:  r.CreatedAt,
		NextRunAt:  r.NextRunAt,
		LastRunAt:  r.LastRunAt,
	}
	if r.Params != "" {
		c.Params = json.RawMessage(r.Params)
	}
	if r.Retry != "" {
		var retry core.RetryPolicy
		if json.Unmarshal([]byte(r.Retry), &retry) == nil {
			c.Retry = &retry
		}
	}
	return c
}
