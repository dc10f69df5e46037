package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskrelay/taskrelay/internal/core"
	"github.com/taskrelay/taskrelay/internal/state"
)

// PromoteRetries re-enqueues retryable tasks whose backoff delay has
// elapsed: retryable -> pending, then back onto the transport.
func (d *Dispatcher) PromoteRetries(ctx context.Context) error {
	nowMs := time.Now().UnixMilli()
	taskIDs, err := d.store.GetDueRetryTasks(ctx, nowMs)
	if err != nil {
		return err
	}

	var firstErr error
	for _, taskID := range taskIDs {
		if err := d.promote(ctx, taskID, true); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("promote retry %s: %w", taskID, err)
			}
			d.logger.Error("retry promotion failed",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()))
		}
	}

	return firstErr
}

// PromoteScheduled enqueues scheduled tasks whose run time has arrived.
func (d *Dispatcher) PromoteScheduled(ctx context.Context) error {
	nowMs := time.Now().UnixMilli()
	taskIDs, err := d.store.GetDueScheduledTasks(ctx, nowMs)
	if err != nil {
		return err
	}

	var firstErr error
	for _, taskID := range taskIDs {
		if err := d.promote(ctx, taskID, false); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("promote scheduled %s: %w", taskID, err)
			}
			d.logger.Error("scheduled promotion failed",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()))
		}
	}

	return firstErr
}

func (d *Dispatcher) promote(ctx context.Context, taskID string, fromRetry bool) error {
	record, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		// The task vanished; drop the stale due entry.
		d.removeDueEntry(ctx, taskID, fromRetry)
		return fmt.Errorf("load task: %w", err)
	}

	// Remove the due entry first so a failing send retries on the next
	// sweep without double-promoting.
	if err := d.removeDueEntry(ctx, taskID, fromRetry); err != nil {
		return fmt.Errorf("remove due entry: %w", err)
	}

	if core.IsTerminalState(record.State) {
		return nil
	}

	now := core.NowFormatted()
	if record.State == core.StateRetryable {
		if err := d.store.UpdateTaskState(ctx, taskID, core.StatePending, map[string]any{"enqueued_at": now}); err != nil {
			return fmt.Errorf("mark pending: %w", err)
		}
		record.State = core.StatePending
	}

	task := state.RecordToTask(record)
	task.EnqueuedAt = now
	if err := d.sendToSQS(ctx, task); err != nil {
		// Put the entry back so the next sweep retries the send
		d.readdDueEntry(ctx, taskID, fromRetry)
		return fmt.Errorf("send to SQS: %w", err)
	}

	d.logger.Debug("task promoted",
		slog.String("task_id", taskID),
		slog.Bool("retry", fromRetry))

	return nil
}

func (d *Dispatcher) removeDueEntry(ctx context.Context, taskID string, fromRetry bool) error {
	if fromRetry {
		return d.store.RemoveRetryTask(ctx, taskID)
	}
	return d.store.RemoveScheduledTask(ctx, taskID)
}

func (d *Dispatcher) readdDueEntry(ctx context.Context, taskID string, fromRetry bool) {
	nowMs := time.Now().UnixMilli()
	var err error
	if fromRetry {
		err = d.store.AddRetryTask(ctx, taskID, nowMs)
	} else {
		err = d.store.AddScheduledTask(ctx, taskID, nowMs)
	}
	if err != nil {
		d.logger.Error("failed to restore due entry", slog.String("task_id", taskID))
	}
}
