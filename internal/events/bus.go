// ABOUTME: In-process typed pub/sub bus for coordination lifecycle events.
// ABOUTME: Handlers are isolated per-subscriber; one panicking handler never blocks the rest.

package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies a category of coordination event.
type Type string

const (
	// TypeAll subscribes a handler to every published event.
	TypeAll Type = "*"

	AgentConnected     Type = "agent.connected"
	AgentDisconnected  Type = "agent.disconnected"
	ConnectionOpened   Type = "connection.opened"
	ConnectionClosed   Type = "connection.closed"
	MessageRouted      Type = "message.routed"
	BroadcastDelivered Type = "broadcast.delivered"
	QueueOverflow      Type = "queue.overflow"
)

// Event is the unit delivered to subscribers.
type Event struct {
	Type    Type
	Payload any
	Time    time.Time
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(Event)

// Bus is a typed publish/subscribe dispatcher.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type]map[string]Handler
	logger   *slog.Logger
}

// NewBus creates a bus. Pass nil logger for default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[Type]map[string]Handler),
		logger:   logger.With("component", "events"),
	}
}

// Subscribe registers a handler for the given event type and returns an
// unsubscribe token. Use TypeAll for a catch-all subscription.
func (b *Bus) Subscribe(t Type, h Handler) string {
	token := uuid.New().String()

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[t]; !ok {
		b.handlers[t] = make(map[string]Handler)
	}
	b.handlers[t][token] = h
	return token
}

// Unsubscribe removes the handler registered under token for the given type.
func (b *Bus) Unsubscribe(t Type, token string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.handlers[t]
	if !ok {
		return
	}
	delete(subs, token)
	if len(subs) == 0 {
		delete(b.handlers, t)
	}
}

// Publish delivers an event to all handlers subscribed to its type, then to
// catch-all handlers. Panics are recovered per handler so every subscriber
// gets a delivery attempt.
func (b *Bus) Publish(t Type, payload any) {
	evt := Event{Type: t, Payload: payload, Time: time.Now()}

	b.mu.RLock()
	targets := make([]Handler, 0, len(b.handlers[t])+len(b.handlers[TypeAll]))
	for _, h := range b.handlers[t] {
		targets = append(targets, h)
	}
	for _, h := range b.handlers[TypeAll] {
		targets = append(targets, h)
	}
	b.mu.RUnlock()

	for _, h := range targets {
		b.dispatch(h, evt)
	}
}

func (b *Bus) dispatch(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", evt.Type,
				"panic", r,
			)
		}
	}()
	h(evt)
}
