package channel

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Handler receives the payload of one dispatched event. A returned error is
// logged and does not stop delivery to the remaining handlers.
type Handler func(payload json.RawMessage) error

// Subscription is one (event type, handler) registration. The pointer is the
// registration's identity: registering the same func twice yields two
// subscriptions and two invocations per dispatch.
type Subscription struct {
	eventType string
	handler   Handler
}

// EventType returns the event type the subscription was registered for.
func (s *Subscription) EventType() string { return s.eventType }

// Registry maps event types to ordered handler lists. It is safe for
// concurrent use, and handlers may register or remove subscriptions while a
// dispatch is running; such changes apply from the next dispatch.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]*Subscription
}

// NewRegistry returns an empty registry. A nil logger uses slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		handlers: make(map[string][]*Subscription),
	}
}

// On appends h to the list for eventType. A nil handler registers nothing
// and returns nil.
func (r *Registry) On(eventType string, h Handler) *Subscription {
	if h == nil {
		r.logger.Warn("Ignoring nil handler", "event", eventType)
		return nil
	}
	sub := &Subscription{eventType: eventType, handler: h}
	r.mu.Lock()
	r.handlers[eventType] = append(r.handlers[eventType], sub)
	r.mu.Unlock()
	return sub
}

// Off removes the given subscriptions from eventType. With no subscriptions
// it removes every handler for eventType. Nil entries match nothing.
func (r *Registry) Off(eventType string, subs ...*Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(subs) == 0 {
		delete(r.handlers, eventType)
		return
	}
	current, ok := r.handlers[eventType]
	if !ok {
		return
	}
	kept := make([]*Subscription, 0, len(current))
	for _, existing := range current {
		if !containsSub(subs, existing) {
			kept = append(kept, existing)
		}
	}
	if len(kept) == 0 {
		delete(r.handlers, eventType)
		return
	}
	r.handlers[eventType] = kept
}

func containsSub(subs []*Subscription, s *Subscription) bool {
	for _, candidate := range subs {
		if candidate == s {
			return true
		}
	}
	return false
}

// Count returns the number of handlers registered for eventType.
func (r *Registry) Count(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[eventType])
}

// Dispatch invokes, in registration order, every handler registered for
// eventType when the call starts. It returns how many handlers ran.
func (r *Registry) Dispatch(eventType string, payload json.RawMessage) int {
	r.mu.RLock()
	subs := make([]*Subscription, len(r.handlers[eventType]))
	copy(subs, r.handlers[eventType])
	r.mu.RUnlock()

	for _, sub := range subs {
		if err := r.invoke(sub, payload); err != nil {
			r.logger.Error("Event handler failed", "event", eventType, "error", err)
		}
	}
	return len(subs)
}

func (r *Registry) invoke(sub *Subscription, payload json.RawMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return sub.handler(payload)
}
