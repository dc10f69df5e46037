package state

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMemoryStore_ClaimTask(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.PutTask(ctx, &TaskRecord{
		ID:        "task-1",
		SK:        "TASK",
		Kind:      "noop",
		State:     "pending",
		Queue:     "default",
		CreatedAt: "2025-01-01T10:00:00.000Z",
	})

	if err := store.ClaimTask(ctx, "task-1", map[string]any{"started_at": "2025-01-01T10:00:01.000Z"}); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}

	record, _ := store.GetTask(ctx, "task-1")
	if record.State != "running" {
		t.Errorf("state = %q, want running", record.State)
	}
	if record.StartedAt != "2025-01-01T10:00:01.000Z" {
		t.Errorf("started_at = %q", record.StartedAt)
	}

	// Second claim must lose: the task is no longer pending
	err := store.ClaimTask(ctx, "task-1", nil)
	if !errors.Is(err, ErrConditionFailed) {
		t.Errorf("second claim: got %v, want ErrConditionFailed", err)
	}
}

func TestMemoryStore_ClaimTask_NotFound(t *testing.T) {
	store := NewMemoryStore()

	err := store.ClaimTask(context.Background(), "missing", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_CreateIdempotencyRecord_Conflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	record := &IdempotencyRecord{
		Key:       "order-1",
		Status:    LedgerInFlight,
		TaskID:    "task-1",
		CreatedAt: "2025-01-01T10:00:00.000Z",
	}
	if err := store.CreateIdempotencyRecord(ctx, record); err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	dup := &IdempotencyRecord{Key: "order-1", Status: LedgerInFlight}
	err := store.CreateIdempotencyRecord(ctx, dup)
	if !errors.Is(err, ErrConditionFailed) {
		t.Errorf("duplicate create: got %v, want ErrConditionFailed", err)
	}
}

func TestMemoryStore_CompleteIdempotencyRecord(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.CreateIdempotencyRecord(ctx, &IdempotencyRecord{
		Key:    "order-1",
		Status: LedgerInFlight,
	})

	if err := store.CompleteIdempotencyRecord(ctx, "order-1", `{"ok":true}`, "2025-01-01T10:00:05.000Z"); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	record, err := store.GetIdempotencyRecord(ctx, "order-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if record.Status != LedgerCompleted {
		t.Errorf("status = %q, want completed", record.Status)
	}
	if record.Result != `{"ok":true}` {
		t.Errorf("result = %q", record.Result)
	}

	// Completing twice must fail: the record is write-once
	err = store.CompleteIdempotencyRecord(ctx, "order-1", `{"ok":false}`, "2025-01-01T10:00:06.000Z")
	if !errors.Is(err, ErrConditionFailed) {
		t.Errorf("double complete: got %v, want ErrConditionFailed", err)
	}
}

func TestMemoryStore_ReleaseIdempotencyRecord(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.CreateIdempotencyRecord(ctx, &IdempotencyRecord{
		Key:    "order-1",
		Status: LedgerInFlight,
	})

	if err := store.ReleaseIdempotencyRecord(ctx, "order-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	// After release the key is free again
	if err := store.CreateIdempotencyRecord(ctx, &IdempotencyRecord{Key: "order-1", Status: LedgerInFlight}); err != nil {
		t.Errorf("recreate after release: %v", err)
	}
}

func TestMemoryStore_ReleaseCompletedRecord_Fails(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.CreateIdempotencyRecord(ctx, &IdempotencyRecord{Key: "order-1", Status: LedgerInFlight})
	store.CompleteIdempotencyRecord(ctx, "order-1", "{}", "2025-01-01T10:00:05.000Z")

	err := store.ReleaseIdempotencyRecord(ctx, "order-1")
	if !errors.Is(err, ErrConditionFailed) {
		t.Errorf("release completed: got %v, want ErrConditionFailed", err)
	}
}

func TestMemoryStore_IncrementBatchCounters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.PutBatch(ctx, &BatchRecord{ID: "batch-1", Status: "processing", Total: 3})

	completed, failed, err := store.IncrementBatchCounters(ctx, "batch-1", false)
	if err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	if completed != 1 || failed != 0 {
		t.Errorf("counters = (%d, %d), want (1, 0)", completed, failed)
	}

	completed, failed, _ = store.IncrementBatchCounters(ctx, "batch-1", true)
	if completed != 1 || failed != 1 {
		t.Errorf("counters = (%d, %d), want (1, 1)", completed, failed)
	}

	completed, failed, _ = store.IncrementBatchCounters(ctx, "batch-1", false)
	if completed != 2 || failed != 1 {
		t.Errorf("counters = (%d, %d), want (2, 1)", completed, failed)
	}
}

func TestMemoryStore_IncrementBatchCounters_Concurrent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.PutBatch(ctx, &BatchRecord{ID: "batch-1", Status: "processing", Total: 50})

	var wg sync.WaitGroup
	reachedTotal := make(chan int, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			completed, failedCount, err := store.IncrementBatchCounters(ctx, "batch-1", false)
			if err != nil {
				t.Errorf("increment: %v", err)
				return
			}
			if completed+failedCount == 50 {
				reachedTotal <- completed
			}
		}()
	}
	wg.Wait()
	close(reachedTotal)

	// Post-increment values are unique, so exactly one goroutine sees
	// the sum reach the total.
	count := 0
	for range reachedTotal {
		count++
	}
	if count != 1 {
		t.Errorf("%d goroutines observed the total, want exactly 1", count)
	}
}

func TestMemoryStore_FinishBatch_ExactlyOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.PutBatch(ctx, &BatchRecord{ID: "batch-1", Status: "processing", Total: 2})

	if err := store.FinishBatch(ctx, "batch-1", "completed", "2025-01-01T10:00:05.000Z"); err != nil {
		t.Fatalf("first finish failed: %v", err)
	}

	err := store.FinishBatch(ctx, "batch-1", "failed", "2025-01-01T10:00:06.000Z")
	if !errors.Is(err, ErrConditionFailed) {
		t.Errorf("second finish: got %v, want ErrConditionFailed", err)
	}

	record, _ := store.GetBatch(ctx, "batch-1")
	if record.Status != "completed" {
		t.Errorf("status = %q, want completed (first finish wins)", record.Status)
	}
}

func TestMemoryStore_DueSets(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.AddRetryTask(ctx, "task-1", 1000)
	store.AddRetryTask(ctx, "task-2", 2000)
	store.AddRetryTask(ctx, "task-3", 3000)

	due, err := store.GetDueRetryTasks(ctx, 2000)
	if err != nil {
		t.Fatalf("get due failed: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %v, want 2 tasks", due)
	}
	if due[0] != "task-1" || due[1] != "task-2" {
		t.Errorf("due order = %v, want [task-1 task-2]", due)
	}

	store.RemoveRetryTask(ctx, "task-1")
	due, _ = store.GetDueRetryTasks(ctx, 2000)
	if len(due) != 1 || due[0] != "task-2" {
		t.Errorf("after remove: due = %v, want [task-2]", due)
	}
}

func TestMemoryStore_ScheduledDueSet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.AddScheduledTask(ctx, "task-1", 5000)

	due, _ := store.GetDueScheduledTasks(ctx, 4999)
	if len(due) != 0 {
		t.Errorf("not yet due, got %v", due)
	}

	due, _ = store.GetDueScheduledTasks(ctx, 5000)
	if len(due) != 1 {
		t.Errorf("due at exact time, got %v", due)
	}
}

func TestMemoryStore_QueueMetadata(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.RegisterQueue(ctx, "emails")
	store.RegisterQueue(ctx, "default")

	queues, _ := store.ListQueues(ctx)
	if len(queues) != 2 || queues[0] != "default" || queues[1] != "emails" {
		t.Errorf("queues = %v", queues)
	}

	paused, _ := store.IsQueuePaused(ctx, "emails")
	if paused {
		t.Error("new queue should not be paused")
	}

	store.SetQueuePaused(ctx, "emails", true)
	paused, _ = store.IsQueuePaused(ctx, "emails")
	if !paused {
		t.Error("queue should be paused")
	}

	store.IncrementQueueSucceeded(ctx, "emails")
	store.IncrementQueueSucceeded(ctx, "emails")
	count, _ := store.GetQueueSucceededCount(ctx, "emails")
	if count != 2 {
		t.Errorf("succeeded count = %d, want 2", count)
	}
}

func TestMemoryStore_CronLock(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ok, err := store.AcquireCronLock(ctx, "nightly", 1700000000)
	if err != nil || !ok {
		t.Fatalf("first acquire = (%v, %v), want (true, nil)", ok, err)
	}

	ok, _ = store.AcquireCronLock(ctx, "nightly", 1700000000)
	if ok {
		t.Error("second acquire for same slot should lose")
	}

	ok, _ = store.AcquireCronLock(ctx, "nightly", 1700000060)
	if !ok {
		t.Error("acquire for next slot should win")
	}
}
