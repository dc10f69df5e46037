package batch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/taskrelay/taskrelay/internal/core"
	"github.com/taskrelay/taskrelay/internal/state"
)

// fakeEnqueuer records submissions without a real transport.
type fakeEnqueuer struct {
	mu        sync.Mutex
	submitted []*core.SubmitRequest
	batchIDs  []string
	failNext  bool
}

func (f *fakeEnqueuer) Submit(_ context.Context, req *core.SubmitRequest, batchID string) (*core.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext {
		f.failNext = false
		return nil, errors.New("transport down")
	}

	f.submitted = append(f.submitted, req)
	f.batchIDs = append(f.batchIDs, batchID)
	return &core.Task{ID: core.NewID(), Kind: req.Kind, BatchID: batchID}, nil
}

func (f *fakeEnqueuer) submissions() []*core.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*core.SubmitRequest(nil), f.submitted...)
}

func newTestCoordinator() (*Coordinator, *state.MemoryStore, *fakeEnqueuer) {
	store := state.NewMemoryStore()
	enq := &fakeEnqueuer{}
	return New(store, enq, nil), store, enq
}

func noopItems(n int) []core.BatchItem {
	items := make([]core.BatchItem, n)
	for i := range items {
		items[i] = core.BatchItem{Kind: core.KindNoop}
	}
	return items
}

func TestDispatch_FansOut(t *testing.T) {
	c, store, enq := newTestCoordinator()
	ctx := context.Background()

	batch, err := c.Dispatch(ctx, &core.BatchRequest{Name: "imports", Items: noopItems(3)})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	if batch.Status != core.BatchProcessing {
		t.Errorf("status = %q, want processing", batch.Status)
	}
	if batch.Total != 3 {
		t.Errorf("total = %d, want 3", batch.Total)
	}
	if len(batch.TaskIDs) != 3 {
		t.Errorf("task IDs = %d, want 3", len(batch.TaskIDs))
	}
	if len(enq.submissions()) != 3 {
		t.Errorf("submitted %d tasks, want 3", len(enq.submissions()))
	}
	for _, id := range enq.batchIDs {
		if id != batch.ID {
			t.Errorf("member submitted with batch ID %q, want %q", id, batch.ID)
		}
	}

	members, _ := store.GetBatchTasks(ctx, batch.ID)
	if len(members) != 3 {
		t.Errorf("stored members = %d, want 3", len(members))
	}
}

func TestDispatch_EmptyItems(t *testing.T) {
	c, _, _ := newTestCoordinator()

	_, err := c.Dispatch(context.Background(), &core.BatchRequest{})
	var coreErr *core.Error
	if !errors.As(err, &coreErr) {
		t.Fatalf("got %v, want core.Error", err)
	}
	if coreErr.Code != core.ErrCodeInvalidRequest {
		t.Errorf("code = %q, want invalid_request", coreErr.Code)
	}
}

func TestTaskFinished_CompletesOnLastMember(t *testing.T) {
	c, _, _ := newTestCoordinator()
	ctx := context.Background()

	batch, _ := c.Dispatch(ctx, &core.BatchRequest{Items: noopItems(5)})

	// Members finish out of order: 3, 1, 5, 2, then 4
	for i := 0; i < 4; i++ {
		if err := c.TaskFinished(ctx, batch.ID, false); err != nil {
			t.Fatalf("member %d: %v", i, err)
		}
		got, _ := c.Get(ctx, batch.ID)
		if got.Status != core.BatchProcessing {
			t.Fatalf("after %d members: status = %q, want processing", i+1, got.Status)
		}
	}

	if err := c.TaskFinished(ctx, batch.ID, false); err != nil {
		t.Fatalf("last member: %v", err)
	}

	got, _ := c.Get(ctx, batch.ID)
	if got.Status != core.BatchCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.Completed != 5 || got.Failed != 0 {
		t.Errorf("counters = (%d, %d), want (5, 0)", got.Completed, got.Failed)
	}
	if got.CompletedAt == "" {
		t.Error("completed_at not set")
	}
}

func TestTaskFinished_AnyFailureFailsBatch(t *testing.T) {
	c, _, _ := newTestCoordinator()
	ctx := context.Background()

	batch, _ := c.Dispatch(ctx, &core.BatchRequest{Items: noopItems(3)})

	c.TaskFinished(ctx, batch.ID, false)
	c.TaskFinished(ctx, batch.ID, true)
	c.TaskFinished(ctx, batch.ID, false)

	got, _ := c.Get(ctx, batch.ID)
	if got.Status != core.BatchFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.Completed != 2 || got.Failed != 1 {
		t.Errorf("counters = (%d, %d), want (2, 1)", got.Completed, got.Failed)
	}
}

func TestTaskFinished_ConcurrentMembers_ExactlyOneCompletion(t *testing.T) {
	c, _, enq := newTestCoordinator()
	ctx := context.Background()

	batch, _ := c.Dispatch(ctx, &core.BatchRequest{
		Items: noopItems(20),
		Callbacks: &core.BatchCallbacks{
			OnComplete: &core.BatchCallback{Kind: core.KindNoop},
		},
	})
	fanOutSubmissions := len(enq.submissions())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.TaskFinished(ctx, batch.ID, false); err != nil {
				t.Errorf("task finished: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := c.Get(ctx, batch.ID)
	if got.Status != core.BatchCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}

	// The on_complete callback fires exactly once
	callbacks := len(enq.submissions()) - fanOutSubmissions
	if callbacks != 1 {
		t.Errorf("callback fired %d times, want exactly 1", callbacks)
	}
}

func TestTaskFinished_Callbacks(t *testing.T) {
	c, _, enq := newTestCoordinator()
	ctx := context.Background()

	batch, _ := c.Dispatch(ctx, &core.BatchRequest{
		Items: noopItems(2),
		Callbacks: &core.BatchCallbacks{
			OnComplete: &core.BatchCallback{Kind: core.KindNoop, Params: json.RawMessage(`{"result":"done"}`)},
			OnSuccess:  &core.BatchCallback{Kind: core.KindNoop},
			OnFailure:  &core.BatchCallback{Kind: core.KindNoop},
		},
	})
	fanOut := len(enq.submissions())

	c.TaskFinished(ctx, batch.ID, true)
	c.TaskFinished(ctx, batch.ID, false)

	// Failed batch: on_complete and on_failure fire, on_success does not
	fired := len(enq.submissions()) - fanOut
	if fired != 2 {
		t.Errorf("callbacks fired = %d, want 2 (on_complete + on_failure)", fired)
	}
}

func TestTaskFinished_UnknownBatch(t *testing.T) {
	c, _, _ := newTestCoordinator()

	if err := c.TaskFinished(context.Background(), "missing", false); err != nil {
		t.Errorf("unknown batch should be skipped, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	c, store, _ := newTestCoordinator()
	ctx := context.Background()

	batch, _ := c.Dispatch(ctx, &core.BatchRequest{Items: noopItems(2)})

	// Put pending member records in the store so Cancel can reach them
	members, _ := store.GetBatchTasks(ctx, batch.ID)
	for _, id := range members {
		store.PutTask(ctx, &state.TaskRecord{
			ID:        id,
			SK:        "TASK",
			Kind:      core.KindNoop,
			State:     core.StatePending,
			Queue:     "default",
			CreatedAt: core.NowFormatted(),
			BatchID:   batch.ID,
		})
	}

	got, err := c.Cancel(ctx, batch.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if got.Status != core.BatchCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}

	for _, id := range members {
		record, _ := store.GetTask(ctx, id)
		if record.State != core.StateCancelled {
			t.Errorf("member %s state = %q, want cancelled", id, record.State)
		}
	}

	// Cancelling again is an invalid state transition
	_, err = c.Cancel(ctx, batch.ID)
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Code != core.ErrCodeInvalidState {
		t.Errorf("second cancel: got %v, want invalid_state", err)
	}
}

func TestCancel_NotFound(t *testing.T) {
	c, _, _ := newTestCoordinator()

	_, err := c.Cancel(context.Background(), "missing")
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Code != core.ErrCodeNotFound {
		t.Errorf("cancel of a missing batch: got %v, want not_found", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	c, _, _ := newTestCoordinator()

	_, err := c.Get(context.Background(), "missing")
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Code != core.ErrCodeNotFound {
		t.Errorf("got %v, want not_found", err)
	}
}
