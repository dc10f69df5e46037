package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/taskrelay/taskrelay/internal/core"
	"github.com/taskrelay/taskrelay/internal/state"
)

// ListDeadLetter returns dead-lettered tasks, oldest first.
func (d *Dispatcher) ListDeadLetter(ctx context.Context, limit int) ([]*core.Task, error) {
	taskIDs, err := d.store.ListDeadLetter(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letter: %w", err)
	}

	tasks := make([]*core.Task, 0, len(taskIDs))
	for _, taskID := range taskIDs {
		record, err := d.store.GetTask(ctx, taskID)
		if err != nil {
			d.logger.Warn("dead letter entry has no task",
				slog.String("task_id", taskID))
			continue
		}
		tasks = append(tasks, state.RecordToTask(record))
	}

	return tasks, nil
}

// RequeueDeadLetter moves a dead-lettered task back into its queue with
// a fresh attempt budget.
func (d *Dispatcher) RequeueDeadLetter(ctx context.Context, taskID string) (*core.Task, error) {
	inDLQ, err := d.store.IsInDeadLetter(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("check dead letter: %w", err)
	}
	if !inDLQ {
		return nil, core.NewNotFoundError("dead_letter_task", taskID)
	}

	record, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}

	now := core.NowFormatted()
	updates := map[string]any{
		"attempt":     0,
		"enqueued_at": now,
		"last_error":  "",
	}
	if err := d.store.UpdateTaskState(ctx, taskID, core.StatePending, updates); err != nil {
		return nil, fmt.Errorf("reset task: %w", err)
	}
	if err := d.store.RemoveFromDeadLetter(ctx, taskID); err != nil {
		return nil, fmt.Errorf("remove dead letter entry: %w", err)
	}

	task := state.RecordToTask(record)
	task.State = core.StatePending
	task.Attempt = 0
	task.EnqueuedAt = now
	if err := d.sendToSQS(ctx, task); err != nil {
		return nil, fmt.Errorf("send to SQS: %w", err)
	}

	d.logger.Info("dead-lettered task requeued", slog.String("task_id", taskID))
	return task, nil
}

// DiscardDeadLetter removes a task from the dead letter set without
// re-running it.
func (d *Dispatcher) DiscardDeadLetter(ctx context.Context, taskID string) error {
	inDLQ, err := d.store.IsInDeadLetter(ctx, taskID)
	if err != nil {
		return fmt.Errorf("check dead letter: %w", err)
	}
	if !inDLQ {
		return core.NewNotFoundError("dead_letter_task", taskID)
	}

	if err := d.store.RemoveFromDeadLetter(ctx, taskID); err != nil {
		return fmt.Errorf("remove dead letter entry: %w", err)
	}

	d.logger.Info("dead-lettered task discarded", slog.String("task_id", taskID))
	return nil
}
