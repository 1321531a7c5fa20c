// Package events implements the in-process publish/subscribe bus that
// decouples chat internals from their consumers.
package events

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/panics"

	"github.com/mercado/storefront-chat/internal/metrics"
)

// Handler receives a published event.
type Handler func(Event)

// Subscription identifies one registered handler. Two registrations of the
// same function yield distinct subscriptions.
type Subscription struct {
	id   uint64
	name string
	bus  *Bus
}

// ID returns the bus-unique identifier of the subscription.
func (s Subscription) ID() uint64 { return s.id }

// Name returns the event name the subscription listens to.
func (s Subscription) Name() string { return s.name }

// Unsubscribe removes the handler. It is a no-op if the handler is already gone.
func (s Subscription) Unsubscribe() {
	if s.bus != nil {
		s.bus.Off(s)
	}
}

// SubscriberError describes a panic raised by a handler during Emit.
type SubscriberError struct {
	Event        string
	Subscription uint64
	Value        any
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("events: subscriber %d panicked on %q: %v", e.Subscription, e.Event, e.Value)
}

type subscriber struct {
	id      uint64
	handler Handler
}

// Bus maps event names to ordered handler lists. It is safe for concurrent
// use; handlers are invoked synchronously on the emitting goroutine.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscriber
	log    *slog.Logger
}

// NewBus creates an empty bus. A nil logger falls back to slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs: make(map[string][]subscriber),
		log:  logger.With("component", "events"),
	}
}

// On registers h for events called name. Handlers run in registration order.
func (b *Bus) On(name string, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[name] = append(b.subs[name], subscriber{id: b.nextID, handler: h})
	return Subscription{id: b.nextID, name: name, bus: b}
}

// Off removes a single registration and reports whether it was present.
func (b *Bus) Off(s Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[s.name]
	for i, sub := range list {
		if sub.id != s.id {
			continue
		}
		// Copy so that snapshots taken by in-flight Emit calls stay intact.
		next := make([]subscriber, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, s.name)
		} else {
			b.subs[s.name] = next
		}
		return true
	}
	return false
}

// ClearListeners removes every registration for every event.
func (b *Bus) ClearListeners() {
	b.mu.Lock()
	b.subs = make(map[string][]subscriber)
	b.mu.Unlock()
}

// Count returns the number of handlers registered for name.
func (b *Bus) Count(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

// Emit delivers ev to a snapshot of the handlers registered for its name at
// the time of the call. Handlers added or removed during delivery do not
// affect it. A panicking handler is logged and the remaining handlers still
// run. Emit returns the number of handlers invoked.
func (b *Bus) Emit(ev Event) int {
	name := ev.EventName()

	b.mu.RLock()
	snapshot := b.subs[name]
	b.mu.RUnlock()

	for _, sub := range snapshot {
		var pc panics.Catcher
		pc.Try(func() { sub.handler(ev) })
		if r := pc.Recovered(); r != nil {
			metrics.SubscriberPanics.Inc()
			err := &SubscriberError{Event: name, Subscription: sub.id, Value: r.Value}
			b.log.Error("subscriber panicked", "event", name, "subscription", sub.id, "error", err)
		}
	}
	return len(snapshot)
}

// Subscribe registers a handler for the event type T. T must be one of the
// value event types declared in this package.
func Subscribe[T Event](b *Bus, fn func(T)) Subscription {
	var zero T
	return b.On(zero.EventName(), func(ev Event) {
		if typed, ok := ev.(T); ok {
			fn(typed)
		}
	})
}
