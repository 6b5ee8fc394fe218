package platform

import "sync"

// Emitter is a mutex-guarded in-process event emitter. Delivery is
// sequential in registration order; Emit snapshots the listener slice so
// listeners may register or remove during delivery without racing.
type Emitter struct {
	mu        sync.Mutex
	listeners map[string][]Listener
}

func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[string][]Listener)}
}

func (e *Emitter) On(event string, fn Listener) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.listeners[event] = append(e.listeners[event], fn)
	e.mu.Unlock()
}

func (e *Emitter) Emit(event string, payload Payload) {
	e.mu.Lock()
	registered := e.listeners[event]
	snapshot := make([]Listener, len(registered))
	copy(snapshot, registered)
	e.mu.Unlock()

	for _, fn := range snapshot {
		fn(payload)
	}
}

func (e *Emitter) RemoveAllListeners() {
	e.mu.Lock()
	e.listeners = make(map[string][]Listener)
	e.mu.Unlock()
}

// ListenerCount reports registered listeners for an event. Test helper and
// status surface.
func (e *Emitter) ListenerCount(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[event])
}
