package core

import (
	"encoding/json"
	"testing"
)

func intPtr(n int) *int { return &n }

func TestValidateSubmitRequest(t *testing.T) {
	tests := []struct {
		name     string
		req      SubmitRequest
		wantCode string
	}{
		{
			name: "valid noop",
			req:  SubmitRequest{Kind: "noop"},
		},
		{
			name: "valid webhook",
			req: SubmitRequest{
				Kind:   "webhook",
				Params: json.RawMessage(`{"url":"https://example.com/hook"}`),
			},
		},
		{
			name:     "missing kind",
			req:      SubmitRequest{},
			wantCode: ErrCodeInvalidRequest,
		},
		{
			name:     "uppercase kind",
			req:      SubmitRequest{Kind: "Noop"},
			wantCode: ErrCodeInvalidRequest,
		},
		{
			name:     "unknown kind",
			req:      SubmitRequest{Kind: "teleport"},
			wantCode: ErrCodeInvalidRequest,
		},
		{
			name:     "non-v7 caller ID",
			req:      SubmitRequest{ID: "01912d68-783e-4a03-8467-5661c1243ad4", Kind: "noop"},
			wantCode: ErrCodeInvalidRequest,
		},
		{
			name:     "webhook without url",
			req:      SubmitRequest{Kind: "webhook", Params: json.RawMessage(`{}`)},
			wantCode: ErrCodeInvalidRequest,
		},
		{
			name:     "webhook with ftp url",
			req:      SubmitRequest{Kind: "webhook", Params: json.RawMessage(`{"url":"ftp://example.com"}`)},
			wantCode: ErrCodeInvalidRequest,
		},
		{
			name:     "bad queue name",
			req:      SubmitRequest{Kind: "noop", Options: &SubmitOptions{Queue: "Billing!"}},
			wantCode: ErrCodeInvalidRequest,
		},
		{
			name:     "zero timeout",
			req:      SubmitRequest{Kind: "noop", Options: &SubmitOptions{TimeoutMs: intPtr(0)}},
			wantCode: ErrCodeValidationError,
		},
		{
			name:     "bad scheduled_at",
			req:      SubmitRequest{Kind: "noop", Options: &SubmitOptions{ScheduledAt: "tomorrow"}},
			wantCode: ErrCodeInvalidRequest,
		},
		{
			name: "valid scheduled_at",
			req:  SubmitRequest{Kind: "noop", Options: &SubmitOptions{ScheduledAt: "2030-01-01T00:00:00Z"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSubmitRequest(&tt.req)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected validation error")
			}
			if err.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", err.Code, tt.wantCode)
			}
		})
	}
}

func TestValidateRetryPolicy(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{"defaults", RetryPolicy{}, false},
		{"full policy", RetryPolicy{MaxAttempts: 3, BaseInterval: "PT1S", JitterMax: "PT0.5S", MaxInterval: "PT1M", OnExhaustion: "dead_letter"}, false},
		{"discard exhaustion", RetryPolicy{OnExhaustion: "discard"}, false},
		{"negative attempts", RetryPolicy{MaxAttempts: -1}, true},
		{"bad base interval", RetryPolicy{BaseInterval: "1s"}, true},
		{"bad jitter", RetryPolicy{JitterMax: "half a second"}, true},
		{"bad exhaustion", RetryPolicy{OnExhaustion: "explode"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRetryPolicy(&tt.policy)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateBatchRequest(t *testing.T) {
	valid := BatchRequest{
		Items: []BatchItem{{Kind: "noop"}, {Kind: "noop"}},
		Callbacks: &BatchCallbacks{
			OnComplete: &BatchCallback{Kind: "noop"},
		},
	}
	if err := ValidateBatchRequest(&valid); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	empty := BatchRequest{}
	if err := ValidateBatchRequest(&empty); err == nil {
		t.Error("empty items should fail")
	}

	badItem := BatchRequest{Items: []BatchItem{{Kind: "noop"}, {Kind: ""}}}
	err := ValidateBatchRequest(&badItem)
	if err == nil {
		t.Fatal("item without kind should fail")
	}
	if err.Details["index"] != 1 {
		t.Errorf("details should name the failing index, got %v", err.Details)
	}

	badCallback := BatchRequest{
		Items:     []BatchItem{{Kind: "noop"}},
		Callbacks: &BatchCallbacks{OnFailure: &BatchCallback{Kind: "Bad Kind"}},
	}
	if err := ValidateBatchRequest(&badCallback); err == nil {
		t.Error("invalid callback kind should fail")
	}
}

func TestResolvedMaxAttempts(t *testing.T) {
	tests := []struct {
		name string
		task Task
		want int
	}{
		{"default", Task{}, DefaultMaxAttempts},
		{"task-level override", Task{MaxAttempts: intPtr(2)}, 2},
		{"retry policy wins", Task{MaxAttempts: intPtr(2), Retry: &RetryPolicy{MaxAttempts: 7}}, 7},
		{"zero policy attempts ignored", Task{Retry: &RetryPolicy{}}, DefaultMaxAttempts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.task.ResolvedMaxAttempts(); got != tt.want {
				t.Errorf("ResolvedMaxAttempts() = %d, want %d", got, tt.want)
			}
		})
	}
}
