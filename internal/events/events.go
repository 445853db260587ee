package events

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

type EventType string

const (
	EventTypeArchived EventType = "archived"
)

type Event interface {
	GetType() EventType
}

// ArchivedEvent announces that a message was written to the archive and
// removed from the queue.
type ArchivedEvent struct {
	MessageID  string    `json:"message_id"`
	Key        string    `json:"key"`
	ArchivedAt time.Time `json:"archived_at"`
}

func (e ArchivedEvent) GetType() EventType {
	return EventTypeArchived
}

// EventBus fans events out to subscribers without ever blocking the
// publisher: a subscriber whose buffer is full misses the event.
// Subscriber channels are never closed; readers stop on their own context.
type EventBus struct {
	subscribers *xsync.MapOf[string, chan Event]
	dropped     atomic.Uint64
	closed      atomic.Bool
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: xsync.NewMapOf[string, chan Event](),
	}
}

func (eb *EventBus) Subscribe(buffer int) (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, buffer)
	if !eb.closed.Load() {
		eb.subscribers.Store(id, ch)
	}
	return id, ch
}

func (eb *EventBus) Unsubscribe(id string) {
	eb.subscribers.Delete(id)
}

func (eb *EventBus) Publish(event Event) {
	if eb == nil || eb.closed.Load() {
		return
	}
	eb.subscribers.Range(func(id string, ch chan Event) bool {
		select {
		case ch <- event:
		default:
			eb.dropped.Add(1)
			slog.Debug("Event dropped for slow subscriber", "subscriber", id, "type", event.GetType())
		}
		return true
	})
}

func (eb *EventBus) Subscribers() int {
	return eb.subscribers.Size()
}

func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}

func (eb *EventBus) Close() {
	eb.closed.Store(true)
	eb.subscribers.Clear()
}
