// Package runner executes task attempts: it claims tasks, invokes kind
// handlers, consults the idempotency ledger, and drives the durable
// state transitions for success, retry, and permanent failure.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskrelay/taskrelay/internal/core"
	"github.com/taskrelay/taskrelay/internal/ledger"
	"github.com/taskrelay/taskrelay/internal/metrics"
	"github.com/taskrelay/taskrelay/internal/state"
	"github.com/taskrelay/taskrelay/internal/tracing"
)

// Handler executes one attempt of a task kind. A nil error means
// success; the returned payload is recorded as the task result. Errors
// are classified retryable or fatal via core.IsRetryable.
type Handler func(ctx context.Context, task *core.Task) (json.RawMessage, error)

// BatchNotifier is told when a batch member reaches a terminal state.
type BatchNotifier interface {
	TaskFinished(ctx context.Context, batchID string, failed bool) error
}

// Runner drives task attempts to a durable outcome.
type Runner struct {
	store    state.Store
	ledger   *ledger.Ledger
	handlers map[string]Handler
	batches  BatchNotifier
	events   core.EventPublisher
	logger   *slog.Logger
}

// New creates a runner. batches and events may be nil when batch
// tracking or event publication is not wired.
func New(store state.Store, lg *ledger.Ledger, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		store:    store,
		ledger:   lg,
		handlers: make(map[string]Handler),
		logger:   logger,
	}
	r.registerBuiltins()
	return r
}

// SetBatchNotifier wires batch fan-in notification.
func (r *Runner) SetBatchNotifier(n BatchNotifier) {
	r.batches = n
}

// SetEventPublisher wires real-time event publication.
func (r *Runner) SetEventPublisher(p core.EventPublisher) {
	r.events = p
}

// Register adds a handler for a task kind, replacing any existing one.
func (r *Runner) Register(kind string, h Handler) {
	r.handlers[kind] = h
}

// Execute runs one attempt of the task. It returns an error only for
// infrastructure failures; task-level failures are absorbed into the
// durable state machine.
func (r *Runner) Execute(ctx context.Context, taskID string) error {
	record, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			r.logger.Warn("task vanished before execution", slog.String("task_id", taskID))
			return nil
		}
		return fmt.Errorf("load task: %w", err)
	}
	task := state.RecordToTask(record)

	if core.IsTerminalState(task.State) {
		return nil
	}

	// pending -> running; losing the claim means another consumer has
	// the attempt, or the task was cancelled underneath us.
	startedAt := core.NowFormatted()
	err = r.store.ClaimTask(ctx, task.ID, map[string]any{"started_at": startedAt})
	if err != nil {
		if errors.Is(err, state.ErrConditionFailed) {
			r.logger.Debug("task claim lost",
				slog.String("task_id", task.ID),
				slog.String("state", task.State))
			return nil
		}
		return fmt.Errorf("claim task: %w", err)
	}
	r.publishEvent(task, core.StatePending, core.StateRunning)
	metrics.TaskAttempts.WithLabelValues(task.Queue, task.Kind).Inc()

	ownsKey := false
	if task.IdempotencyKey != "" {
		res, err := r.ledger.BeginOrReuse(ctx, task.IdempotencyKey, task.ID)
		if err != nil {
			if errors.Is(err, ledger.ErrInFlight) {
				// Another execution holds the key. Fail this attempt
				// fast and let backoff retry after the holder settles.
				metrics.LedgerDecisions.WithLabelValues("in_flight").Inc()
				return r.recordFailure(ctx, task, core.RetryableError(
					"idempotency key %q is held by an in-flight execution", task.IdempotencyKey))
			}
			return fmt.Errorf("idempotency ledger: %w", err)
		}
		if !res.IsNew {
			// The operation already ran to completion: replay its
			// result without invoking the handler.
			metrics.LedgerDecisions.WithLabelValues("replayed").Inc()
			r.logger.Info("task result replayed from ledger",
				slog.String("task_id", task.ID),
				slog.String("key", task.IdempotencyKey),
				slog.String("executed_by", res.TaskID))
			return r.recordSuccess(ctx, task, res.Result)
		}
		metrics.LedgerDecisions.WithLabelValues("new").Inc()
		ownsKey = true
	}

	result, execErr := r.invoke(ctx, task)
	if execErr == nil {
		if ownsKey {
			if err := r.ledger.Complete(ctx, task.IdempotencyKey, result); err != nil {
				return fmt.Errorf("complete ledger record: %w", err)
			}
		}
		return r.recordSuccess(ctx, task, result)
	}

	if ownsKey {
		// Free the key so a later attempt can execute again.
		if err := r.ledger.Release(ctx, task.IdempotencyKey); err != nil {
			r.logger.Error("failed to release idempotency key",
				slog.String("task_id", task.ID),
				slog.String("key", task.IdempotencyKey),
				slog.String("error", err.Error()))
		}
	}

	return r.recordFailure(ctx, task, execErr)
}

func (r *Runner) invoke(ctx context.Context, task *core.Task) (json.RawMessage, error) {
	handler, ok := r.handlers[task.Kind]
	if !ok {
		return nil, core.FatalError("no handler registered for kind %q", task.Kind)
	}

	ctx, span := tracing.StartConsumerSpan(ctx, "task.invoke",
		tracing.TaskID(task.ID),
		tracing.TaskKind(task.Kind),
		tracing.TaskQueue(task.Queue),
		tracing.TaskAttempt(task.Attempt))
	defer span.End()

	if task.TimeoutMs != nil && *task.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*task.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	result, err := handler(ctx, task)
	metrics.TaskDuration.WithLabelValues(task.Queue, task.Kind).Observe(time.Since(start).Seconds())

	// A success returned after the deadline still counts: the side
	// effect already happened. Only a returned context error is a timeout.
	if errors.Is(err, context.DeadlineExceeded) && task.TimeoutMs != nil {
		err = core.RetryableError("task exceeded its %dms timeout", *task.TimeoutMs)
	}

	if err != nil {
		tracing.RecordError(span, err)
	} else {
		tracing.SetOK(span)
	}

	return result, err
}

func (r *Runner) recordSuccess(ctx context.Context, task *core.Task, result json.RawMessage) error {
	updates := map[string]any{"completed_at": core.NowFormatted()}
	if result != nil {
		updates["result"] = string(result)
	}

	if err := r.store.UpdateTaskState(ctx, task.ID, core.StateSucceeded, updates); err != nil {
		return fmt.Errorf("record success: %w", err)
	}

	metrics.TasksSucceeded.WithLabelValues(task.Queue, task.Kind).Inc()
	if err := r.store.IncrementQueueSucceeded(ctx, task.Queue); err != nil {
		r.logger.Warn("failed to bump queue counter",
			slog.String("queue", task.Queue),
			slog.String("error", err.Error()))
	}

	r.publishEvent(task, core.StateRunning, core.StateSucceeded)
	r.logger.Info("task succeeded",
		slog.String("task_id", task.ID),
		slog.String("kind", task.Kind),
		slog.Int("attempt", task.Attempt))

	r.notifyBatch(ctx, task, false)
	return nil
}

func (r *Runner) recordFailure(ctx context.Context, task *core.Task, execErr error) error {
	taskErr := asTaskError(execErr)
	errJSON, _ := json.Marshal(taskErr)
	history := append(task.Errors, json.RawMessage(errJSON))
	historyJSON, _ := json.Marshal(history)

	retryable := core.IsRetryable(execErr)
	maxAttempts := task.ResolvedMaxAttempts()
	attemptsUsed := task.Attempt + 1

	if retryable && attemptsUsed < maxAttempts {
		return r.scheduleRetry(ctx, task, string(errJSON), string(historyJSON))
	}

	// Fatal error, or attempts exhausted: the failure is permanent.
	updates := map[string]any{
		"completed_at":  core.NowFormatted(),
		"last_error":    string(errJSON),
		"error_history": string(historyJSON),
	}
	if err := r.store.UpdateTaskState(ctx, task.ID, core.StateFailed, updates); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}

	metrics.TasksFailed.WithLabelValues(task.Queue, task.Kind).Inc()
	r.publishEvent(task, core.StateRunning, core.StateFailed)
	r.logger.Warn("task failed permanently",
		slog.String("task_id", task.ID),
		slog.String("kind", task.Kind),
		slog.Int("attempts", attemptsUsed),
		slog.Bool("retryable", retryable),
		slog.String("error", taskErr.Message))

	if retryable && r.exhaustionPolicy(task) == core.ExhaustionDeadLetter {
		if err := r.store.AddToDeadLetter(ctx, task.ID); err != nil {
			r.logger.Error("failed to dead-letter task",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()))
		} else {
			metrics.TasksDeadLettered.Inc()
		}
	}

	r.notifyBatch(ctx, task, true)
	return nil
}

func (r *Runner) scheduleRetry(ctx context.Context, task *core.Task, lastError, history string) error {
	delay := core.NewBackoff(task.Retry).Delay(task.Attempt)
	nextRun := time.Now().Add(delay)

	updates := map[string]any{
		"attempt":       task.Attempt + 1,
		"next_run_at":   core.FormatTime(nextRun),
		"last_error":    lastError,
		"error_history": history,
	}
	if err := r.store.UpdateTaskState(ctx, task.ID, core.StateRetryable, updates); err != nil {
		return fmt.Errorf("record retry: %w", err)
	}

	if err := r.store.AddRetryTask(ctx, task.ID, nextRun.UnixMilli()); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}

	metrics.RetriesScheduled.WithLabelValues(task.Queue, task.Kind).Inc()
	metrics.RetryDelay.WithLabelValues(task.Queue).Observe(delay.Seconds())
	r.publishEvent(task, core.StateRunning, core.StateRetryable)
	r.logger.Info("task retry scheduled",
		slog.String("task_id", task.ID),
		slog.String("kind", task.Kind),
		slog.Int("attempt", task.Attempt+1),
		slog.Duration("delay", delay))

	return nil
}

func (r *Runner) exhaustionPolicy(task *core.Task) string {
	if task.Retry != nil && task.Retry.OnExhaustion != "" {
		return task.Retry.OnExhaustion
	}
	return core.ExhaustionDiscard
}

func (r *Runner) notifyBatch(ctx context.Context, task *core.Task, failed bool) {
	if task.BatchID == "" || r.batches == nil {
		return
	}
	if err := r.batches.TaskFinished(ctx, task.BatchID, failed); err != nil {
		r.logger.Error("batch notification failed",
			slog.String("task_id", task.ID),
			slog.String("batch_id", task.BatchID),
			slog.String("error", err.Error()))
	}
}

func (r *Runner) publishEvent(task *core.Task, from, to string) {
	if r.events == nil {
		return
	}
	event := core.NewStateChangedEvent(task.ID, task.Queue, task.Kind, from, to)
	event.BatchID = task.BatchID
	if err := r.events.PublishTaskEvent(event); err != nil {
		r.logger.Debug("event publish failed", slog.String("error", err.Error()))
	}
}

func asTaskError(err error) *core.TaskError {
	var te *core.TaskError
	if errors.As(err, &te) {
		return te
	}
	return &core.TaskError{Message: err.Error(), Retryable: core.IsRetryable(err)}
}
