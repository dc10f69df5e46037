package dispatch

import (
	"log/slog"
	"sync"

	"github.com/taskrelay/taskrelay/internal/core"
)

// subscription is a single subscriber channel with its filter.
type subscription struct {
	ch     chan *core.TaskEvent
	filter func(*core.TaskEvent) bool
}

// PubSubBroker implements core.EventPublisher and core.EventSubscriber
// with in-memory fan-out (SQS has no native pub/sub for real-time SSE).
type PubSubBroker struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

// NewPubSubBroker creates an in-memory broker.
func NewPubSubBroker() *PubSubBroker {
	return &PubSubBroker{
		subs: make(map[*subscription]struct{}),
	}
}

// PublishTaskEvent delivers an event to all matching subscribers. Slow
// subscribers drop events rather than block the publisher.
func (b *PubSubBroker) PublishTaskEvent(event *core.TaskEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if sub.filter == nil || sub.filter(event) {
			select {
			case sub.ch <- event:
			default:
				slog.Warn("dropping event, subscriber channel full",
					"task_id", event.TaskID, "event", event.EventType)
			}
		}
	}
	return nil
}

// SubscribeTask subscribes to events for a specific task.
func (b *PubSubBroker) SubscribeTask(taskID string) (<-chan *core.TaskEvent, func(), error) {
	return b.subscribe(func(e *core.TaskEvent) bool {
		return e.TaskID == taskID
	})
}

// SubscribeQueue subscribes to events for all tasks in a queue.
func (b *PubSubBroker) SubscribeQueue(queue string) (<-chan *core.TaskEvent, func(), error) {
	return b.subscribe(func(e *core.TaskEvent) bool {
		return e.Queue == queue
	})
}

// SubscribeAll subscribes to all events.
func (b *PubSubBroker) SubscribeAll() (<-chan *core.TaskEvent, func(), error) {
	return b.subscribe(nil)
}

func (b *PubSubBroker) subscribe(filter func(*core.TaskEvent) bool) (<-chan *core.TaskEvent, func(), error) {
	ch := make(chan *core.TaskEvent, 64)
	sub := &subscription{ch: ch, filter: filter}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	// Unsubscribe and Close race during shutdown; only the side that
	// removes the subscription closes the channel.
	unsubscribe := func() {
		b.mu.Lock()
		_, present := b.subs[sub]
		delete(b.subs, sub)
		b.mu.Unlock()
		if present {
			close(ch)
		}
	}

	return ch, unsubscribe, nil
}

// Close shuts down the broker and removes all subscriptions.
func (b *PubSubBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[*subscription]struct{})
	return nil
}
