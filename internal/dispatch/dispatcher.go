// Package dispatch moves tasks between callers, the state store, and
// the SQS transport: submission, queue management, consumption, and the
// promotion of due retries and scheduled tasks.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/taskrelay/taskrelay/internal/core"
	"github.com/taskrelay/taskrelay/internal/metrics"
	"github.com/taskrelay/taskrelay/internal/state"
	"github.com/taskrelay/taskrelay/internal/tracing"
)

// DefaultQueue receives tasks submitted without an explicit queue.
const DefaultQueue = "default"

// Dispatcher owns task submission and the SQS transport.
type Dispatcher struct {
	sqsClient   *sqs.Client
	store       state.Store
	queueURLs   map[string]string
	queueURLsMu sync.RWMutex
	queuePrefix string
	useFIFO     bool
	startTime   time.Time
	logger      *slog.Logger
}

// New creates a dispatcher.
func New(sqsClient *sqs.Client, store state.Store, queuePrefix string, useFIFO bool) *Dispatcher {
	return &Dispatcher{
		sqsClient:   sqsClient,
		store:       store,
		queueURLs:   make(map[string]string),
		queuePrefix: queuePrefix,
		useFIFO:     useFIFO,
		startTime:   time.Now(),
		logger:      slog.Default(),
	}
}

// SetLogger sets the dispatcher's logger.
func (d *Dispatcher) SetLogger(logger *slog.Logger) {
	d.logger = logger
}

// Submit validates a request and creates the task. Tasks scheduled in
// the future land in the scheduled set; everything else is stored
// pending and sent to SQS immediately. A non-empty batchID marks the
// task as a batch member.
func (d *Dispatcher) Submit(ctx context.Context, req *core.SubmitRequest, batchID string) (*core.Task, error) {
	if verr := core.ValidateSubmitRequest(req); verr != nil {
		return nil, verr
	}

	ctx, span := tracing.StartSpan(ctx, "task.submit", tracing.TaskKind(req.Kind))
	defer span.End()

	now := time.Now()
	task := &core.Task{
		ID:             req.ID,
		Kind:           req.Kind,
		Queue:          DefaultQueue,
		Params:         req.Params,
		IdempotencyKey: req.IdempotencyKey,
		BatchID:        batchID,
		CreatedAt:      core.FormatTime(now),
	}
	if task.ID == "" {
		task.ID = core.NewID()
	}
	if req.Options != nil {
		if req.Options.Queue != "" {
			task.Queue = req.Options.Queue
		}
		task.TimeoutMs = req.Options.TimeoutMs
		task.ScheduledAt = req.Options.ScheduledAt
		task.Retry = req.Options.Retry
		task.Tags = req.Options.Tags
	}

	paused, err := d.store.IsQueuePaused(ctx, task.Queue)
	if err != nil {
		return nil, fmt.Errorf("check queue state: %w", err)
	}
	if paused {
		return nil, &core.Error{
			Code:      core.ErrCodeQueuePaused,
			Message:   fmt.Sprintf("Queue %q is paused and not accepting tasks.", task.Queue),
			Retryable: true,
			Details:   map[string]any{"queue": task.Queue},
		}
	}

	if task.ScheduledAt != "" {
		scheduledTime, perr := time.Parse(time.RFC3339, task.ScheduledAt)
		if perr == nil && scheduledTime.After(now) {
			return d.submitScheduled(ctx, task, scheduledTime)
		}
		// Past scheduled_at runs immediately
	}

	task.State = core.StatePending
	task.EnqueuedAt = core.FormatTime(now)

	if err := d.store.PutTask(ctx, state.TaskToRecord(task)); err != nil {
		return nil, fmt.Errorf("store task: %w", err)
	}
	if err := d.store.RegisterQueue(ctx, task.Queue); err != nil {
		return nil, fmt.Errorf("register queue: %w", err)
	}
	if err := d.sendToSQS(ctx, task); err != nil {
		return nil, fmt.Errorf("send to SQS: %w", err)
	}

	metrics.TasksSubmitted.WithLabelValues(task.Queue, task.Kind).Inc()
	d.logger.Info("task submitted",
		slog.String("task_id", task.ID),
		slog.String("kind", task.Kind),
		slog.String("queue", task.Queue))

	return task, nil
}

func (d *Dispatcher) submitScheduled(ctx context.Context, task *core.Task, runAt time.Time) (*core.Task, error) {
	task.State = core.StatePending
	task.NextRunAt = task.ScheduledAt

	if err := d.store.PutTask(ctx, state.TaskToRecord(task)); err != nil {
		return nil, fmt.Errorf("store scheduled task: %w", err)
	}
	if err := d.store.AddScheduledTask(ctx, task.ID, runAt.UnixMilli()); err != nil {
		return nil, fmt.Errorf("add to scheduled set: %w", err)
	}
	if err := d.store.RegisterQueue(ctx, task.Queue); err != nil {
		return nil, fmt.Errorf("register queue: %w", err)
	}

	metrics.TasksSubmitted.WithLabelValues(task.Queue, task.Kind).Inc()
	d.logger.Info("task scheduled",
		slog.String("task_id", task.ID),
		slog.String("kind", task.Kind),
		slog.String("run_at", task.ScheduledAt))

	return task, nil
}

// Get returns a task by ID.
func (d *Dispatcher) Get(ctx context.Context, taskID string) (*core.Task, error) {
	record, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, core.NewNotFoundError("task", taskID)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}

	return state.RecordToTask(record), nil
}

// Cancel cancels a task that has not finished. Cancelling a running
// task is best-effort: the in-flight attempt may still complete.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) (*core.Task, error) {
	record, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, core.NewNotFoundError("task", taskID)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}

	if !core.IsCancellableState(record.State) {
		return nil, core.NewInvalidStateError(
			fmt.Sprintf("Task %q is %s and cannot be cancelled.", taskID, record.State),
			map[string]any{"task_id": taskID, "state": record.State},
		)
	}

	updates := map[string]any{"cancelled_at": core.NowFormatted()}
	if err := d.store.UpdateTaskState(ctx, taskID, core.StateCancelled, updates); err != nil {
		return nil, fmt.Errorf("cancel task: %w", err)
	}

	// Drop pending promotion entries so the task is not re-enqueued
	if err := d.store.RemoveRetryTask(ctx, taskID); err != nil {
		d.logger.Warn("failed to drop retry entry", slog.String("task_id", taskID))
	}
	if err := d.store.RemoveScheduledTask(ctx, taskID); err != nil {
		d.logger.Warn("failed to drop scheduled entry", slog.String("task_id", taskID))
	}

	metrics.TasksCancelled.WithLabelValues(record.Queue, record.Kind).Inc()
	d.logger.Info("task cancelled", slog.String("task_id", taskID))

	return d.Get(ctx, taskID)
}

// SampleQueueDepths refreshes the per-queue pending depth gauge.
func (d *Dispatcher) SampleQueueDepths(ctx context.Context) error {
	queues, err := d.store.ListQueues(ctx)
	if err != nil {
		return fmt.Errorf("list queues: %w", err)
	}

	var firstErr error
	for _, queue := range queues {
		depth, err := d.store.CountTasksByQueueAndState(ctx, queue, core.StatePending)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("count queue %s: %w", queue, err)
			}
			continue
		}
		metrics.QueueDepth.WithLabelValues(queue).Set(float64(depth))
	}

	return firstErr
}

// Health reports transport and store connectivity.
func (d *Dispatcher) Health(ctx context.Context) *core.HealthResponse {
	resp := &core.HealthResponse{
		Status:  "ok",
		Version: core.Version,
		Backend: core.BackendHealth{
			Store:     "connected",
			Transport: "connected",
			UptimeS:   int64(time.Since(d.startTime).Seconds()),
		},
	}

	if err := d.store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Backend.Store = "disconnected"
	}

	if d.sqsClient != nil {
		_, err := d.sqsClient.ListQueues(ctx, &sqs.ListQueuesInput{MaxResults: aws.Int32(1)})
		if err != nil {
			resp.Status = "degraded"
			resp.Backend.Transport = "disconnected"
		}
	}

	return resp
}

// Close releases the dispatcher's resources.
func (d *Dispatcher) Close() error {
	return d.store.Close()
}
