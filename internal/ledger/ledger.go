// Package ledger implements the idempotency ledger: at-most-once
// execution of side-effecting operations keyed by a caller-supplied key.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/taskrelay/taskrelay/internal/core"
	"github.com/taskrelay/taskrelay/internal/state"
)

// ErrInFlight is returned by BeginOrReuse when another execution holds
// the key. Callers fail fast rather than block waiting for the holder.
var ErrInFlight = errors.New("idempotency key is held by an in-flight execution")

// Reservation is the outcome of BeginOrReuse. When IsNew is true the
// caller owns the key and must eventually Complete or Release it. When
// IsNew is false the operation already ran and Result holds its output.
type Reservation struct {
	IsNew  bool
	TaskID string
	Result json.RawMessage
}

// Ledger guards operations against duplicate execution. All ordering
// guarantees come from the store's conditional writes; the ledger holds
// no state of its own.
type Ledger struct {
	store  state.Store
	logger *slog.Logger
}

// New creates a ledger backed by the given store.
func New(store state.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

// BeginOrReuse claims the key for a new execution, or returns the
// recorded result if the operation already completed. A key held by an
// in-flight execution returns ErrInFlight.
func (l *Ledger) BeginOrReuse(ctx context.Context, key, taskID string) (*Reservation, error) {
	record := &state.IdempotencyRecord{
		Key:       key,
		Status:    state.LedgerInFlight,
		TaskID:    taskID,
		CreatedAt: core.NowFormatted(),
	}

	err := l.store.CreateIdempotencyRecord(ctx, record)
	if err == nil {
		return &Reservation{IsNew: true, TaskID: taskID}, nil
	}
	if !errors.Is(err, state.ErrConditionFailed) {
		return nil, fmt.Errorf("reserve idempotency key: %w", err)
	}

	// Lost the create race or the key already exists; read the holder.
	existing, err := l.store.GetIdempotencyRecord(ctx, key)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			// The holder released between our create and read. Treat as
			// contention; the caller's retry will claim it.
			return nil, ErrInFlight
		}
		return nil, fmt.Errorf("read idempotency record: %w", err)
	}

	if existing.Status == state.LedgerCompleted {
		res := &Reservation{IsNew: false, TaskID: existing.TaskID}
		if existing.Result != "" {
			res.Result = json.RawMessage(existing.Result)
		}
		l.logger.Debug("idempotency key replayed",
			slog.String("key", key),
			slog.String("task_id", existing.TaskID))
		return res, nil
	}

	return nil, ErrInFlight
}

// Complete records the result of a successful execution. The key
// becomes a permanent replay record: every later BeginOrReuse returns
// this result without executing.
func (l *Ledger) Complete(ctx context.Context, key string, result json.RawMessage) error {
	resultStr := ""
	if result != nil {
		resultStr = string(result)
	}

	err := l.store.CompleteIdempotencyRecord(ctx, key, resultStr, core.NowFormatted())
	if err == nil {
		return nil
	}
	if errors.Is(err, state.ErrConditionFailed) || errors.Is(err, state.ErrNotFound) {
		return core.NewInvalidStateError(
			fmt.Sprintf("Idempotency key %q is not in-flight; it was already completed or released.", key),
			map[string]any{"key": key},
		)
	}

	return fmt.Errorf("complete idempotency record: %w", err)
}

// Release frees an in-flight key after a failed execution so a later
// retry can execute again. Releasing a completed key is a no-op error
// swallowed here: a completed record must never be disturbed.
func (l *Ledger) Release(ctx context.Context, key string) error {
	err := l.store.ReleaseIdempotencyRecord(ctx, key)
	if err == nil || errors.Is(err, state.ErrConditionFailed) || errors.Is(err, state.ErrNotFound) {
		return nil
	}

	return fmt.Errorf("release idempotency record: %w", err)
}

// Get returns the ledger record for a key, for inspection over the API.
func (l *Ledger) Get(ctx context.Context, key string) (*state.IdempotencyRecord, error) {
	record, err := l.store.GetIdempotencyRecord(ctx, key)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, core.NewNotFoundError("idempotency_key", key)
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}

	return record, nil
}
