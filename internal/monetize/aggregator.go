package monetize

import (
	"fmt"
	"sync"
	"time"

	"github.com/you/streamweave/internal/core"
)

// GiftAggregationDelay is the combo debounce window.
const GiftAggregationDelay = 2000 * time.Millisecond

// Aggregator coalesces TikTok combo gift bursts. One pending window exists
// per userId-giftType key; the window emits a single aggregated event when
// the debounce timer fires or a terminal repeatEnd arrives.
type Aggregator struct {
	delay time.Duration
	emit  func(core.Event)

	mu      sync.Mutex
	windows map[string]*giftWindow
	closed  bool
}

type giftWindow struct {
	event core.Event
	timer *time.Timer
}

func NewAggregator(emit func(core.Event), delay time.Duration) *Aggregator {
	if delay <= 0 {
		delay = GiftAggregationDelay
	}
	return &Aggregator{
		delay:   delay,
		emit:    emit,
		windows: make(map[string]*giftWindow),
	}
}

// Submit feeds one normalized TikTok gift event into the aggregator.
// TikTok reports repeatCount cumulatively, so a newer burst replaces the
// pending count rather than adding to it. A terminal repeatEnd=1 flushes
// the window immediately and is never dropped.
func (a *Aggregator) Submit(e core.Event) error {
	if e.Platform != core.PlatformTikTok || e.Gift == nil {
		return fmt.Errorf("monetize: aggregator accepts tiktok gift events only")
	}
	if e.UserID == "" {
		return fmt.Errorf("monetize: gift payload missing userId")
	}

	key := e.UserID + "-" + e.Gift.GiftType

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("monetize: aggregator closed")
	}

	w, exists := a.windows[key]
	if exists {
		w.timer.Stop()
		w.event = e
	} else {
		w = &giftWindow{event: e}
		a.windows[key] = w
	}

	if e.Gift.RepeatEnd == 1 {
		delete(a.windows, key)
		a.mu.Unlock()
		a.emit(e)
		return nil
	}

	w.timer = time.AfterFunc(a.delay, func() { a.fire(key) })
	a.mu.Unlock()
	return nil
}

func (a *Aggregator) fire(key string) {
	a.mu.Lock()
	w, ok := a.windows[key]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.windows, key)
	a.mu.Unlock()
	a.emit(w.event)
}

// PendingWindows reports open windows. Status surface and test helper.
func (a *Aggregator) PendingWindows() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.windows)
}

// Close stops all timers and flushes any pending windows so no gift is
// lost on shutdown. Idempotent.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	pending := make([]core.Event, 0, len(a.windows))
	for key, w := range a.windows {
		w.timer.Stop()
		pending = append(pending, w.event)
		delete(a.windows, key)
	}
	a.mu.Unlock()

	for _, e := range pending {
		a.emit(e)
	}
}
