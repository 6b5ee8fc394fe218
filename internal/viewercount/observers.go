package viewercount

import (
	"sync"

	"github.com/you/streamweave/internal/core"
)

// Observer receives viewer count updates.
type Observer func(p core.Platform, count int)

// Observers fans updates out to registered observers. Registration and
// removal are O(1); broadcasts iterate a snapshot so an observer removing
// itself (or others) mid-broadcast is safe.
type Observers struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]Observer
}

func NewObservers() *Observers {
	return &Observers{subs: make(map[int]Observer)}
}

// Register adds an observer and returns its removal func.
func (o *Observers) Register(fn Observer) func() {
	if fn == nil {
		return func() {}
	}
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.subs[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}

// Broadcast delivers one update to every observer registered at the time
// of the call.
func (o *Observers) Broadcast(p core.Platform, count int) {
	o.mu.Lock()
	snapshot := make([]Observer, 0, len(o.subs))
	for _, fn := range o.subs {
		snapshot = append(snapshot, fn)
	}
	o.mu.Unlock()

	for _, fn := range snapshot {
		fn(p, count)
	}
}

// Count reports the number of registered observers.
func (o *Observers) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs)
}
