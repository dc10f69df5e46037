package dispatch

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/taskrelay/taskrelay/internal/core"
)

func TestEncodeDecodeTask(t *testing.T) {
	task := &core.Task{
		ID:             "task-1",
		Kind:           "webhook",
		State:          core.StatePending,
		Queue:          "default",
		Params:         json.RawMessage(`{"url":"https://example.com"}`),
		IdempotencyKey: "order-1",
		Attempt:        2,
		CreatedAt:      "2025-01-01T10:00:00.000Z",
	}

	body, err := EncodeTask(task)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded, err := DecodeTask(body)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded.ID != "task-1" || decoded.Kind != "webhook" || decoded.Attempt != 2 {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.IdempotencyKey != "order-1" {
		t.Errorf("idempotency_key = %q", decoded.IdempotencyKey)
	}
}

func TestEncodeTask_Oversized(t *testing.T) {
	task := &core.Task{
		ID:     "task-1",
		Kind:   "noop",
		Params: json.RawMessage(`"` + strings.Repeat("x", MaxMessageSize) + `"`),
	}

	_, err := EncodeTask(task)
	var coreErr *core.Error
	if !errors.As(err, &coreErr) {
		t.Fatalf("got %v, want core.Error", err)
	}
	if coreErr.Code != core.ErrCodeInvalidRequest {
		t.Errorf("code = %q, want invalid_request", coreErr.Code)
	}
}

func TestDecodeTask_Malformed(t *testing.T) {
	if _, err := DecodeTask("{not json"); err == nil {
		t.Error("expected error for malformed body")
	}
	if _, err := DecodeTask(`{"kind":"noop"}`); err == nil {
		t.Error("expected error for missing task ID")
	}
}

func TestDecodeTask_ReceiptHandleNotSerialized(t *testing.T) {
	task := &core.Task{ID: "task-1", Kind: "noop", ReceiptHandle: "rh-secret"}

	body, _ := EncodeTask(task)
	if strings.Contains(body, "rh-secret") {
		t.Error("receipt handle leaked into the message body")
	}
}
