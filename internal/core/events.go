package core

import "time"

// Event types for real-time notifications.
const (
	EventTaskStateChanged = "task.state_changed"
	EventBatchCompleted   = "batch.completed"
	EventServerShutdown   = "server.shutdown"
)

// TaskEvent is a real-time task or batch event.
type TaskEvent struct {
	EventType string `json:"event"`
	TaskID    string `json:"task_id,omitempty"`
	BatchID   string `json:"batch_id,omitempty"`
	Queue     string `json:"queue,omitempty"`
	Kind      string `json:"kind,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Timestamp string `json:"timestamp"`
}

// NewStateChangedEvent creates a task.state_changed event.
func NewStateChangedEvent(taskID, queue, kind, from, to string) *TaskEvent {
	return &TaskEvent{
		EventType: EventTaskStateChanged,
		TaskID:    taskID,
		Queue:     queue,
		Kind:      kind,
		From:      from,
		To:        to,
		Timestamp: FormatTime(time.Now()),
	}
}

// NewBatchCompletedEvent creates a batch.completed event.
func NewBatchCompletedEvent(batchID, status string) *TaskEvent {
	return &TaskEvent{
		EventType: EventBatchCompleted,
		BatchID:   batchID,
		To:        status,
		Timestamp: FormatTime(time.Now()),
	}
}

// EventPublisher publishes real-time events.
type EventPublisher interface {
	PublishTaskEvent(event *TaskEvent) error
	Close() error
}

// EventSubscriber subscribes to real-time events.
type EventSubscriber interface {
	// SubscribeTask subscribes to events for a specific task.
	SubscribeTask(taskID string) (<-chan *TaskEvent, func(), error)
	// SubscribeQueue subscribes to events for all tasks in a queue.
	SubscribeQueue(queue string) (<-chan *TaskEvent, func(), error)
	// SubscribeAll subscribes to all events.
	SubscribeAll() (<-chan *TaskEvent, func(), error)
}
