package websession

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// AuthListener is a plugin point invoked on every session identity change.
// Delivery is best-effort and at-least-once: a listener's failure or panic
// is logged and does not abort the other listeners or the caller.
type AuthListener interface {
	HandleSessionAuth(ctx context.Context, s *Session) error
}

// Bus fans session-lifecycle notifications out to registered listeners.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string]AuthListener
	order     []string
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[string]AuthListener)}
}

// Subscribe registers a listener under an id. Re-subscribing the same id
// replaces the previous listener.
func (b *Bus) Subscribe(id string, l AuthListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.listeners[id]; !exists {
		b.order = append(b.order, id)
	}
	b.listeners[id] = l
}

// Unsubscribe removes a listener.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.listeners[id]; !exists {
		return
	}
	delete(b.listeners, id)
	for i, lid := range b.order {
		if lid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// NotifyAuthChange invokes every listener in subscription order. Failures
// are isolated per listener.
func (b *Bus) NotifyAuthChange(ctx context.Context, s *Session) {
	b.mu.RLock()
	ids := append([]string(nil), b.order...)
	listeners := make([]AuthListener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, b.listeners[id])
	}
	b.mu.RUnlock()

	for i, l := range listeners {
		if err := b.deliver(ctx, l, s); err != nil {
			s.app.logger.Error("error calling session handler",
				"handler", ids[i], "session_id", s.ID(), "error", err)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, l AuthListener, s *Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session handler panic: %v", r)
		}
	}()
	return l.HandleSessionAuth(ctx, s)
}

// EventType categorizes session-scoped events observable by clients.
type EventType string

const (
	// EventSessionLogUpdated signals a new entry in the session log.
	EventSessionLogUpdated EventType = "session_log_updated"

	// EventTaskFinished signals a terminal async task.
	EventTaskFinished EventType = "task_finished"

	// EventDataSourceUpdated signals a connection grant or revoke.
	EventDataSourceUpdated EventType = "datasource_updated"

	// EventProjectUpdated signals a project added to or removed from the
	// session.
	EventProjectUpdated EventType = "project_updated"

	// EventSessionClosed signals session teardown.
	EventSessionClosed EventType = "session_closed"
)

// Event is a session-scoped notification for long-poll/streaming clients.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// subscriber channel capacity; events are dropped when a consumer stalls.
const eventBuffer = 64

// eventFanout delivers session events to any number of subscribers.
type eventFanout struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func (f *eventFanout) subscribe() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subs == nil {
		f.subs = make(map[int]chan Event)
	}
	ch := make(chan Event, eventBuffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
}

// publish delivers the event without blocking; slow consumers lose events.
func (f *eventFanout) publish(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (f *eventFanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
