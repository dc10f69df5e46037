package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type dueEntry struct {
	taskID  string
	dueAtMs int64
}

// MemoryStore is an in-memory Store for tests and local development. It
// mirrors the conditional-write semantics of the DynamoDB store exactly:
// the same operations return ErrNotFound and ErrConditionFailed under
// the same conditions.
type MemoryStore struct {
	mu sync.Mutex

	tasks      map[string]*TaskRecord
	batches    map[string]*BatchRecord
	batchTasks map[string][]string
	ledger     map[string]*IdempotencyRecord
	queues     map[string]*queueMeta
	deadLetter map[string]bool
	scheduled  map[string]dueEntry
	retries    map[string]dueEntry
	crons      map[string]*CronRecord
	cronLocks  map[string]bool
}

type queueMeta struct {
	paused    bool
	succeeded int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:      make(map[string]*TaskRecord),
		batches:    make(map[string]*BatchRecord),
		batchTasks: make(map[string][]string),
		ledger:     make(map[string]*IdempotencyRecord),
		queues:     make(map[string]*queueMeta),
		deadLetter: make(map[string]bool),
		scheduled:  make(map[string]dueEntry),
		retries:    make(map[string]dueEntry),
		crons:      make(map[string]*CronRecord),
		cronLocks:  make(map[string]bool),
	}
}

func (s *MemoryStore) PutTask(_ context.Context, record *TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *record
	s.tasks[record.ID] = &copied
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}

	copied := *record
	return &copied, nil
}

func applyTaskUpdates(record *TaskRecord, newState string, updates map[string]any) {
	record.State = newState
	record.GSI1SK = "STATE#" + newState + "#" + record.CreatedAt
	record.GSI2PK = "STATE#" + newState

	for key, value := range updates {
		switch key {
		case "attempt":
			if v, ok := value.(int); ok {
				record.Attempt = v
			}
		case "enqueued_at":
			record.EnqueuedAt, _ = value.(string)
		case "next_run_at":
			record.NextRunAt, _ = value.(string)
		case "started_at":
			record.StartedAt, _ = value.(string)
		case "completed_at":
			record.CompletedAt, _ = value.(string)
		case "cancelled_at":
			record.CancelledAt, _ = value.(string)
		case "result":
			record.Result, _ = value.(string)
		case "last_error":
			record.LastError, _ = value.(string)
		case "error_history":
			record.ErrorHistory, _ = value.(string)
		case "receipt_handle":
			record.ReceiptHandle, _ = value.(string)
		}
	}
}

func (s *MemoryStore) UpdateTaskState(_ context.Context, taskID, newState string, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}

	applyTaskUpdates(record, newState, updates)
	return nil
}

func (s *MemoryStore) ClaimTask(_ context.Context, taskID string, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if record.State != "pending" {
		return ErrConditionFailed
	}

	applyTaskUpdates(record, "running", updates)
	return nil
}

func (s *MemoryStore) DeleteTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tasks, taskID)
	return nil
}

func (s *MemoryStore) ListTasksByQueue(_ context.Context, queue, state string, limit int) ([]*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}

	var records []*TaskRecord
	for _, record := range s.tasks {
		if record.Queue == queue && record.State == state {
			copied := *record
			records = append(records, &copied)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt < records[j].CreatedAt
	})
	if len(records) > limit {
		records = records[:limit]
	}

	return records, nil
}

func (s *MemoryStore) ListTasksByState(_ context.Context, state string, limit int) ([]*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}

	var records []*TaskRecord
	for _, record := range s.tasks {
		if record.State == state {
			copied := *record
			records = append(records, &copied)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt < records[j].CreatedAt
	})
	if len(records) > limit {
		records = records[:limit]
	}

	return records, nil
}

func (s *MemoryStore) CountTasksByQueueAndState(_ context.Context, queue, state string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, record := range s.tasks {
		if record.Queue == queue && record.State == state {
			count++
		}
	}

	return count, nil
}

func (s *MemoryStore) queueMeta(name string) *queueMeta {
	meta, ok := s.queues[name]
	if !ok {
		meta = &queueMeta{}
		s.queues[name] = meta
	}
	return meta
}

func (s *MemoryStore) RegisterQueue(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queueMeta(name)
	return nil
}

func (s *MemoryStore) ListQueues(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.queues))
	for name := range s.queues {
		names = append(names, name)
	}
	sort.Strings(names)

	return names, nil
}

func (s *MemoryStore) SetQueuePaused(_ context.Context, name string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queueMeta(name).paused = paused
	return nil
}

func (s *MemoryStore) IsQueuePaused(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.queues[name]
	if !ok {
		return false, nil
	}

	return meta.paused, nil
}

func (s *MemoryStore) IncrementQueueSucceeded(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queueMeta(name).succeeded++
	return nil
}

func (s *MemoryStore) GetQueueSucceededCount(_ context.Context, name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.queues[name]
	if !ok {
		return 0, nil
	}

	return meta.succeeded, nil
}

func (s *MemoryStore) CreateIdempotencyRecord(_ context.Context, record *IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ledger[record.Key]; exists {
		return ErrConditionFailed
	}

	copied := *record
	s.ledger[record.Key] = &copied
	return nil
}

func (s *MemoryStore) GetIdempotencyRecord(_ context.Context, key string) (*IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.ledger[key]
	if !ok {
		return nil, ErrNotFound
	}

	copied := *record
	return &copied, nil
}

func (s *MemoryStore) CompleteIdempotencyRecord(_ context.Context, key, result, completedAt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.ledger[key]
	if !ok || record.Status != LedgerInFlight {
		return ErrConditionFailed
	}

	record.Status = LedgerCompleted
	record.Result = result
	record.CompletedAt = completedAt
	return nil
}

func (s *MemoryStore) ReleaseIdempotencyRecord(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.ledger[key]
	if !ok || record.Status != LedgerInFlight {
		return ErrConditionFailed
	}

	delete(s.ledger, key)
	return nil
}

func (s *MemoryStore) PutBatch(_ context.Context, record *BatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *record
	s.batches[record.ID] = &copied
	return nil
}

func (s *MemoryStore) GetBatch(_ context.Context, batchID string) (*BatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.batches[batchID]
	if !ok {
		return nil, ErrNotFound
	}

	copied := *record
	return &copied, nil
}

func (s *MemoryStore) AddBatchTask(_ context.Context, batchID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batchTasks[batchID] = append(s.batchTasks[batchID], taskID)
	return nil
}

func (s *MemoryStore) GetBatchTasks(_ context.Context, batchID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	taskIDs := make([]string, len(s.batchTasks[batchID]))
	copy(taskIDs, s.batchTasks[batchID])

	return taskIDs, nil
}

func (s *MemoryStore) IncrementBatchCounters(_ context.Context, batchID string, failed bool) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.batches[batchID]
	if !ok {
		return 0, 0, ErrNotFound
	}

	if failed {
		record.Failed++
	} else {
		record.Completed++
	}

	return record.Completed, record.Failed, nil
}

func (s *MemoryStore) FinishBatch(_ context.Context, batchID, status, completedAt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.batches[batchID]
	if !ok {
		return ErrNotFound
	}
	if record.Status != "processing" {
		return ErrConditionFailed
	}

	record.Status = status
	record.CompletedAt = completedAt
	return nil
}

func (s *MemoryStore) AddToDeadLetter(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deadLetter[taskID] = true
	return nil
}

func (s *MemoryStore) RemoveFromDeadLetter(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.deadLetter, taskID)
	return nil
}

func (s *MemoryStore) IsInDeadLetter(_ context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.deadLetter[taskID], nil
}

func (s *MemoryStore) ListDeadLetter(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}

	taskIDs := make([]string, 0, len(s.deadLetter))
	for taskID := range s.deadLetter {
		taskIDs = append(taskIDs, taskID)
	}
	sort.Strings(taskIDs)
	if len(taskIDs) > limit {
		taskIDs = taskIDs[:limit]
	}

	return taskIDs, nil
}

func dueTaskIDs(entries map[string]dueEntry, nowMs int64) []string {
	var due []dueEntry
	for _, entry := range entries {
		if entry.dueAtMs <= nowMs {
			due = append(due, entry)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].dueAtMs < due[j].dueAtMs
	})

	taskIDs := make([]string, 0, len(due))
	for _, entry := range due {
		taskIDs = append(taskIDs, entry.taskID)
	}

	return taskIDs
}

func (s *MemoryStore) AddScheduledTask(_ context.Context, taskID string, dueAtMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scheduled[taskID] = dueEntry{taskID: taskID, dueAtMs: dueAtMs}
	return nil
}

func (s *MemoryStore) GetDueScheduledTasks(_ context.Context, nowMs int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return dueTaskIDs(s.scheduled, nowMs), nil
}

func (s *MemoryStore) RemoveScheduledTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.scheduled, taskID)
	return nil
}

func (s *MemoryStore) AddRetryTask(_ context.Context, taskID string, dueAtMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.retries[taskID] = dueEntry{taskID: taskID, dueAtMs: dueAtMs}
	return nil
}

func (s *MemoryStore) GetDueRetryTasks(_ context.Context, nowMs int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return dueTaskIDs(s.retries, nowMs), nil
}

func (s *MemoryStore) RemoveRetryTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.retries, taskID)
	return nil
}

func (s *MemoryStore) PutCron(_ context.Context, cron *CronRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *cron
	s.crons[cron.Name] = &copied
	return nil
}

func (s *MemoryStore) GetCron(_ context.Context, name string) (*CronRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.crons[name]
	if !ok {
		return nil, ErrNotFound
	}

	copied := *record
	return &copied, nil
}

func (s *MemoryStore) DeleteCron(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.crons, name)
	return nil
}

func (s *MemoryStore) ListCrons(_ context.Context) ([]*CronRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.crons))
	for name := range s.crons {
		names = append(names, name)
	}
	sort.Strings(names)

	records := make([]*CronRecord, 0, len(names))
	for _, name := range names {
		copied := *s.crons[name]
		records = append(records, &copied)
	}

	return records, nil
}

func (s *MemoryStore) AcquireCronLock(_ context.Context, name string, timestamp int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockKey := fmt.Sprintf("%s#%d", name, timestamp)
	if s.cronLocks[lockKey] {
		return false, nil
	}

	s.cronLocks[lockKey] = true
	return true, nil
}

func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
