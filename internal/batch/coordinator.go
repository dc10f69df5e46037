// Package batch implements fan-out/fan-in: a batch dispatches many
// tasks, counts their terminal outcomes atomically, and fires its
// completion exactly once when the last member finishes.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/taskrelay/taskrelay/internal/core"
	"github.com/taskrelay/taskrelay/internal/metrics"
	"github.com/taskrelay/taskrelay/internal/state"
)

// Enqueuer submits a task for execution. A non-empty batchID marks the
// task as a member of that batch.
type Enqueuer interface {
	Submit(ctx context.Context, req *core.SubmitRequest, batchID string) (*core.Task, error)
}

// Coordinator tracks fan-out batches.
type Coordinator struct {
	store  state.Store
	enq    Enqueuer
	events core.EventPublisher
	logger *slog.Logger
}

// New creates a coordinator. events may be nil.
func New(store state.Store, enq Enqueuer, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: store, enq: enq, logger: logger}
}

// SetEventPublisher wires real-time event publication.
func (c *Coordinator) SetEventPublisher(p core.EventPublisher) {
	c.events = p
}

// Dispatch validates and fans out a batch: the batch record is created
// first so member completions arriving during fan-out are counted.
func (c *Coordinator) Dispatch(ctx context.Context, req *core.BatchRequest) (*core.Batch, error) {
	if verr := core.ValidateBatchRequest(req); verr != nil {
		return nil, verr
	}

	batchID := core.NewID()
	record := &state.BatchRecord{
		ID:        batchID,
		SK:        "BATCH",
		Name:      req.Name,
		Status:    core.BatchProcessing,
		Total:     len(req.Items),
		CreatedAt: core.NowFormatted(),
	}
	if req.Callbacks != nil {
		callbacksJSON, err := json.Marshal(req.Callbacks)
		if err != nil {
			return nil, fmt.Errorf("marshal callbacks: %w", err)
		}
		record.Callbacks = string(callbacksJSON)
	}
	if err := c.store.PutBatch(ctx, record); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	taskIDs := make([]string, 0, len(req.Items))
	for i, item := range req.Items {
		task, err := c.enq.Submit(ctx, &core.SubmitRequest{
			Kind:           item.Kind,
			Params:         item.Params,
			IdempotencyKey: item.IdempotencyKey,
			Options:        item.Options,
		}, batchID)
		if err != nil {
			return nil, fmt.Errorf("submit batch item %d: %w", i, err)
		}
		if err := c.store.AddBatchTask(ctx, batchID, task.ID); err != nil {
			return nil, fmt.Errorf("record batch member: %w", err)
		}
		taskIDs = append(taskIDs, task.ID)
	}

	metrics.BatchesDispatched.Inc()
	c.logger.Info("batch dispatched",
		slog.String("batch_id", batchID),
		slog.String("name", req.Name),
		slog.Int("total", len(req.Items)))

	batch := state.RecordToBatch(record)
	batch.TaskIDs = taskIDs
	return batch, nil
}

// Get returns a batch with its member task IDs.
func (c *Coordinator) Get(ctx context.Context, batchID string) (*core.Batch, error) {
	record, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, core.NewNotFoundError("batch", batchID)
		}
		return nil, fmt.Errorf("get batch: %w", err)
	}

	batch := state.RecordToBatch(record)
	taskIDs, err := c.store.GetBatchTasks(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("get batch members: %w", err)
	}
	batch.TaskIDs = taskIDs

	return batch, nil
}

// Cancel finishes a processing batch as cancelled and best-effort
// cancels its pending members. Running members finish their attempt.
func (c *Coordinator) Cancel(ctx context.Context, batchID string) (*core.Batch, error) {
	err := c.store.FinishBatch(ctx, batchID, core.BatchCancelled, core.NowFormatted())
	if err != nil {
		if errors.Is(err, state.ErrConditionFailed) {
			return nil, core.NewInvalidStateError(
				fmt.Sprintf("Batch %q already finished and cannot be cancelled.", batchID),
				map[string]any{"batch_id": batchID},
			)
		}
		if errors.Is(err, state.ErrNotFound) {
			return nil, core.NewNotFoundError("batch", batchID)
		}
		return nil, fmt.Errorf("cancel batch: %w", err)
	}

	taskIDs, err := c.store.GetBatchTasks(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("get batch members: %w", err)
	}
	cancelledAt := core.NowFormatted()
	for _, taskID := range taskIDs {
		record, err := c.store.GetTask(ctx, taskID)
		if err != nil || !core.IsCancellableState(record.State) || record.State == core.StateRunning {
			continue
		}
		updates := map[string]any{"cancelled_at": cancelledAt}
		if err := c.store.UpdateTaskState(ctx, taskID, core.StateCancelled, updates); err != nil {
			c.logger.Warn("failed to cancel batch member",
				slog.String("batch_id", batchID),
				slog.String("task_id", taskID),
				slog.String("error", err.Error()))
		}
	}

	metrics.BatchesFinished.WithLabelValues(core.BatchCancelled).Inc()
	return c.Get(ctx, batchID)
}

// TaskFinished records one member's terminal outcome. The atomic
// counter increment means exactly one caller observes the count reach
// the total; the conditional finish is a second gate against races with
// Cancel.
func (c *Coordinator) TaskFinished(ctx context.Context, batchID string, failed bool) error {
	completed, failedCount, err := c.store.IncrementBatchCounters(ctx, batchID, failed)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			c.logger.Warn("batch vanished before member finished", slog.String("batch_id", batchID))
			return nil
		}
		return fmt.Errorf("count batch member: %w", err)
	}

	record, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("get batch: %w", err)
	}
	if completed+failedCount < record.Total {
		return nil
	}

	status := core.BatchCompleted
	if failedCount > 0 {
		status = core.BatchFailed
	}

	err = c.store.FinishBatch(ctx, batchID, status, core.NowFormatted())
	if err != nil {
		if errors.Is(err, state.ErrConditionFailed) {
			// Already finished, by a racing member or a cancel.
			return nil
		}
		return fmt.Errorf("finish batch: %w", err)
	}

	metrics.BatchesFinished.WithLabelValues(status).Inc()
	c.logger.Info("batch finished",
		slog.String("batch_id", batchID),
		slog.String("status", status),
		slog.Int("completed", completed),
		slog.Int("failed", failedCount))

	if c.events != nil {
		if err := c.events.PublishTaskEvent(core.NewBatchCompletedEvent(batchID, status)); err != nil {
			c.logger.Debug("event publish failed", slog.String("error", err.Error()))
		}
	}

	c.fireCallbacks(ctx, record, status)
	return nil
}

func (c *Coordinator) fireCallbacks(ctx context.Context, record *state.BatchRecord, status string) {
	if record.Callbacks == "" {
		return
	}

	var callbacks core.BatchCallbacks
	if err := json.Unmarshal([]byte(record.Callbacks), &callbacks); err != nil {
		c.logger.Error("malformed batch callbacks",
			slog.String("batch_id", record.ID),
			slog.String("error", err.Error()))
		return
	}

	fire := func(name string, cb *core.BatchCallback) {
		if cb == nil {
			return
		}
		_, err := c.enq.Submit(ctx, &core.SubmitRequest{
			Kind:    cb.Kind,
			Params:  cb.Params,
			Options: cb.Options,
		}, "")
		if err != nil {
			c.logger.Error("batch callback enqueue failed",
				slog.String("batch_id", record.ID),
				slog.String("callback", name),
				slog.String("error", err.Error()))
			return
		}
		c.logger.Info("batch callback enqueued",
			slog.String("batch_id", record.ID),
			slog.String("callback", name))
	}

	fire("on_complete", callbacks.OnComplete)
	if status == core.BatchCompleted {
		fire("on_success", callbacks.OnSuccess)
	}
	if status == core.BatchFailed {
		fire("on_failure", callbacks.OnFailure)
	}
}
