package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/taskrelay/taskrelay/internal/batch"
	"github.com/taskrelay/taskrelay/internal/core"
	"github.com/taskrelay/taskrelay/internal/dispatch"
	"github.com/taskrelay/taskrelay/internal/ledger"
	"github.com/taskrelay/taskrelay/internal/state"
)

type testEnv struct {
	router *chi.Mux
	store  *state.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := state.NewMemoryStore()
	dispatcher := dispatch.New(nil, store, "taskrelay", false)
	lg := ledger.New(store, nil)
	coordinator := batch.New(store, dispatcher, nil)

	r := chi.NewRouter()

	taskH := NewTaskHandler(dispatcher)
	batchH := NewBatchHandler(coordinator)
	ledgerH := NewLedgerHandler(lg)
	queueH := NewQueueHandler(store)
	deadLetterH := NewDeadLetterHandler(dispatcher)
	cronH := NewCronHandler(dispatcher)
	systemH := NewSystemHandler(dispatcher)

	r.Get("/v1/health", systemH.Health)
	r.Post("/v1/tasks", taskH.Create)
	r.Get("/v1/tasks/{id}", taskH.Get)
	r.Delete("/v1/tasks/{id}", taskH.Cancel)
	r.Post("/v1/batches", batchH.Create)
	r.Get("/v1/batches/{id}", batchH.Get)
	r.Delete("/v1/batches/{id}", batchH.Cancel)
	r.Get("/v1/ledger/{key}", ledgerH.Get)
	r.Get("/v1/queues", queueH.List)
	r.Get("/v1/queues/{name}", queueH.Get)
	r.Post("/v1/queues/{name}/pause", queueH.Pause)
	r.Post("/v1/queues/{name}/resume", queueH.Resume)
	r.Get("/v1/dead-letter", deadLetterH.List)
	r.Post("/v1/dead-letter/{id}/requeue", deadLetterH.Requeue)
	r.Delete("/v1/dead-letter/{id}", deadLetterH.Discard)
	r.Get("/v1/crons", cronH.List)
	r.Put("/v1/crons/{name}", cronH.Create)
	r.Get("/v1/crons/{name}", cronH.Get)
	r.Delete("/v1/crons/{name}", cronH.Delete)

	return &testEnv{router: r, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decodeTask(t *testing.T, rr *httptest.ResponseRecorder) *core.Task {
	t.Helper()

	var resp struct {
		Task *core.Task `json:"task"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode task response: %v", err)
	}
	if resp.Task == nil {
		t.Fatalf("response has no task: %s", rr.Body.String())
	}
	return resp.Task
}

func decodeBatch(t *testing.T, rr *httptest.ResponseRecorder) *core.Batch {
	t.Helper()

	var resp struct {
		Batch *core.Batch `json:"batch"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode batch response: %v", err)
	}
	if resp.Batch == nil {
		t.Fatalf("response has no batch: %s", rr.Body.String())
	}
	return resp.Batch
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) *core.Error {
	t.Helper()

	var resp ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.Error == nil {
		t.Fatalf("response has no error: %s", rr.Body.String())
	}
	return resp.Error
}

func TestTaskCreate(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/v1/tasks", `{"kind":"noop","params":{}}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rr.Code, rr.Body.String())
	}

	task := decodeTask(t, rr)
	if task.ID == "" {
		t.Error("task ID should be set")
	}
	if task.State != core.StatePending {
		t.Errorf("state = %q, want pending", task.State)
	}
	if task.Queue != "default" {
		t.Errorf("queue = %q, want default", task.Queue)
	}
	if loc := rr.Header().Get("Location"); loc != "/v1/tasks/"+task.ID {
		t.Errorf("Location = %q, want /v1/tasks/%s", loc, task.ID)
	}
}

func TestTaskCreateInvalidJSON(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/v1/tasks", `{not json`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if e := decodeError(t, rr); e.Code != core.ErrCodeInvalidRequest {
		t.Errorf("code = %q, want invalid_request", e.Code)
	}
}

func TestTaskCreateMissingKind(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/v1/tasks", `{"params":{}}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rr.Code, rr.Body.String())
	}
	if e := decodeError(t, rr); e.Code != core.ErrCodeInvalidRequest {
		t.Errorf("code = %q, want invalid_request", e.Code)
	}
}

func TestTaskCreateInvalidTimeout(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/v1/tasks", `{"kind":"noop","options":{"timeout_ms":-5}}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", rr.Code, rr.Body.String())
	}
	if e := decodeError(t, rr); e.Code != core.ErrCodeValidationError {
		t.Errorf("code = %q, want validation_error", e.Code)
	}
}

func TestTaskGetAndCancel(t *testing.T) {
	env := newTestEnv(t)

	created := decodeTask(t, env.do(t, http.MethodPost, "/v1/tasks", `{"kind":"noop"}`))

	rr := env.do(t, http.MethodGet, "/v1/tasks/"+created.ID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rr.Code)
	}
	if got := decodeTask(t, rr); got.ID != created.ID {
		t.Errorf("got task %q, want %q", got.ID, created.ID)
	}

	rr = env.do(t, http.MethodDelete, "/v1/tasks/"+created.ID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	if got := decodeTask(t, rr); got.State != core.StateCancelled {
		t.Errorf("state = %q, want cancelled", got.State)
	}

	// A finished task cannot be cancelled again
	rr = env.do(t, http.MethodDelete, "/v1/tasks/"+created.ID, "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", rr.Code)
	}
	if e := decodeError(t, rr); e.Code != core.ErrCodeInvalidState {
		t.Errorf("code = %q, want invalid_state", e.Code)
	}
}

func TestTaskGetNotFound(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/v1/tasks/"+core.NewID(), "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if e := decodeError(t, rr); e.Code != core.ErrCodeNotFound {
		t.Errorf("code = %q, want not_found", e.Code)
	}
}

func TestBatchCreateAndGet(t *testing.T) {
	env := newTestEnv(t)

	body := `{"name":"reports","items":[{"kind":"noop"},{"kind":"noop"}]}`
	rr := env.do(t, http.MethodPost, "/v1/batches", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rr.Code, rr.Body.String())
	}

	created := decodeBatch(t, rr)
	if created.Total != 2 {
		t.Errorf("total = %d, want 2", created.Total)
	}
	if created.Status != core.BatchProcessing {
		t.Errorf("status = %q, want processing", created.Status)
	}
	if len(created.TaskIDs) != 2 {
		t.Errorf("task IDs = %d, want 2", len(created.TaskIDs))
	}

	rr = env.do(t, http.MethodGet, "/v1/batches/"+created.ID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rr.Code)
	}
	if got := decodeBatch(t, rr); got.ID != created.ID {
		t.Errorf("got batch %q, want %q", got.ID, created.ID)
	}
}

func TestBatchCreateEmptyItems(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/v1/batches", `{"items":[]}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rr.Code, rr.Body.String())
	}
}

func TestBatchGetNotFound(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/v1/batches/"+core.NewID(), "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestLedgerGet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	record := &state.IdempotencyRecord{
		Key:       "order-42",
		Status:    "in_flight",
		TaskID:    "task-1",
		CreatedAt: core.NowFormatted(),
	}
	if err := env.store.CreateIdempotencyRecord(ctx, record); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	if err := env.store.CompleteIdempotencyRecord(ctx, "order-42", `{"ok":true}`, core.NowFormatted()); err != nil {
		t.Fatalf("complete ledger record: %v", err)
	}

	rr := env.do(t, http.MethodGet, "/v1/ledger/order-42", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Entry struct {
			Key    string `json:"key"`
			Status string `json:"status"`
			TaskID string `json:"task_id"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Entry.Key != "order-42" {
		t.Errorf("key = %q, want order-42", resp.Entry.Key)
	}
	if resp.Entry.Status != "completed" {
		t.Errorf("status = %q, want completed", resp.Entry.Status)
	}
	if resp.Entry.TaskID != "task-1" {
		t.Errorf("task_id = %q, want task-1", resp.Entry.TaskID)
	}
}

func TestLedgerGetNotFound(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/v1/ledger/unknown-key", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestQueuePauseAndResume(t *testing.T) {
	env := newTestEnv(t)

	decodeTask(t, env.do(t, http.MethodPost, "/v1/tasks", `{"kind":"noop","options":{"queue":"billing"}}`))

	rr := env.do(t, http.MethodGet, "/v1/queues", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rr.Code)
	}
	var listResp struct {
		Queues []struct {
			Name    string `json:"name"`
			Paused  bool   `json:"paused"`
			Pending int    `json:"pending"`
		} `json:"queues"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if listResp.Count != 1 {
		t.Fatalf("count = %d, want 1", listResp.Count)
	}
	if q := listResp.Queues[0]; q.Name != "billing" || q.Paused || q.Pending != 1 {
		t.Errorf("queue = %+v, want billing unpaused with 1 pending", q)
	}

	rr = env.do(t, http.MethodPost, "/v1/queues/billing/pause", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("pause status = %d, want 200: %s", rr.Code, rr.Body.String())
	}

	// Submissions to a paused queue are rejected
	rr = env.do(t, http.MethodPost, "/v1/tasks", `{"kind":"noop","options":{"queue":"billing"}}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("paused submit status = %d, want 503: %s", rr.Code, rr.Body.String())
	}
	if e := decodeError(t, rr); e.Code != core.ErrCodeQueuePaused {
		t.Errorf("code = %q, want queue_paused", e.Code)
	}

	rr = env.do(t, http.MethodPost, "/v1/queues/billing/resume", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("resume status = %d, want 200", rr.Code)
	}
	rr = env.do(t, http.MethodPost, "/v1/tasks", `{"kind":"noop","options":{"queue":"billing"}}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("post-resume submit status = %d, want 201", rr.Code)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/v1/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var resp core.HealthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version != core.Version {
		t.Errorf("version = %q, want %q", resp.Version, core.Version)
	}
}

func TestCronLifecycle(t *testing.T) {
	env := newTestEnv(t)

	body := `{"expression":"0 * * * *","kind":"noop","params":{}}`
	rr := env.do(t, http.MethodPut, "/v1/crons/hourly-noop", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("create status = %d, want 200: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/v1/crons", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rr.Code)
	}
	var listResp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if listResp.Count != 1 {
		t.Errorf("count = %d, want 1", listResp.Count)
	}

	rr = env.do(t, http.MethodGet, "/v1/crons/hourly-noop", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rr.Code)
	}

	rr = env.do(t, http.MethodDelete, "/v1/crons/hourly-noop", "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/v1/crons/hourly-noop", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", rr.Code)
	}
}

func TestCronInvalidExpression(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPut, "/v1/crons/bad", `{"expression":"not a cron","kind":"noop"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rr.Code, rr.Body.String())
	}
}

func TestDeadLetterRequeueNotFound(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/v1/dead-letter/"+core.NewID()+"/requeue", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", rr.Code, rr.Body.String())
	}
}

func TestDeadLetterListEmpty(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/v1/dead-letter", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 0 {
		t.Errorf("count = %d, want 0", resp.Count)
	}
}
