package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/taskrelay/taskrelay/internal/core"
)

// MaxMessageSize is the maximum SQS message size (256 KB).
const MaxMessageSize = 256 * 1024

// EncodeTask serializes a task for an SQS message body. Oversized
// payloads are rejected at submission time rather than failing in the
// consumer.
func EncodeTask(task *core.Task) (string, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}

	if len(data) > MaxMessageSize {
		return "", &core.Error{
			Code:    core.ErrCodeInvalidRequest,
			Message: fmt.Sprintf("Task payload size (%d bytes) exceeds the transport maximum of %d bytes.", len(data), MaxMessageSize),
			Details: map[string]any{
				"payload_size": len(data),
				"max_size":     MaxMessageSize,
				"task_id":      task.ID,
			},
		}
	}

	return string(data), nil
}

// DecodeTask deserializes a task from an SQS message body.
func DecodeTask(body string) (*core.Task, error) {
	var task core.Task
	if err := json.Unmarshal([]byte(body), &task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	if task.ID == "" {
		return nil, fmt.Errorf("message body has no task ID")
	}
	return &task, nil
}
