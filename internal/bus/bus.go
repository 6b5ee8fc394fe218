// Package bus is the in-process publish/subscribe fabric for canonical
// events. Delivery is sequential per event in registration order so
// subscribers get deterministic ordering and natural back-pressure.
package bus

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/you/streamweave/internal/core"
)

// HandlerFunc receives one canonical event.
type HandlerFunc func(core.Event)

// ErrorFunc receives failures raised by subscribers so one bad consumer
// cannot break its siblings.
type ErrorFunc func(event string, err error)

type subscriber struct {
	id int
	fn HandlerFunc
}

type Bus struct {
	mu      sync.Mutex
	nextID  int
	subs    map[string][]subscriber
	onError ErrorFunc
}

func New(onError ErrorFunc) *Bus {
	if onError == nil {
		onError = func(event string, err error) {
			slog.Error("bus: subscriber failed", "event", event, "err", err)
		}
	}
	return &Bus{subs: make(map[string][]subscriber), onError: onError}
}

// Subscribe registers fn for an event name and returns its removal func.
// Removal during a broadcast is safe; the in-flight broadcast still sees
// the snapshot it started with.
func (b *Bus) Subscribe(event string, fn HandlerFunc) func() {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[event] = append(b.subs[event], subscriber{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[event]
		for i, s := range list {
			if s.id == id {
				b.subs[event] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event to every subscriber of its name, one at a
// time in registration order. A panicking subscriber is recovered and
// routed through the error handler; remaining subscribers still run.
func (b *Bus) Publish(event string, e core.Event) {
	b.mu.Lock()
	registered := b.subs[event]
	snapshot := make([]subscriber, len(registered))
	copy(snapshot, registered)
	b.mu.Unlock()

	for _, s := range snapshot {
		b.deliver(event, e, s.fn)
	}
}

func (b *Bus) deliver(event string, e core.Event, fn HandlerFunc) {
	defer func() {
		if r := recover(); r != nil {
			b.onError(event, fmt.Errorf("subscriber panic: %v", r))
		}
	}()
	fn(e)
}

// SubscriberCount reports registered subscribers for an event name.
func (b *Bus) SubscriberCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[event])
}
