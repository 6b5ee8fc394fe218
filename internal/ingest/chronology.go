package ingest

import (
	"sync"

	"github.com/you/streamweave/internal/core"
)

// Cutoffs holds the per-(platform, streamId) connection cutoff in epoch
// microseconds. A cutoff is set once when the connection becomes ready
// and is immutable for the life of that connection.
type Cutoffs struct {
	mu sync.RWMutex
	m  map[cutoffKey]int64
}

type cutoffKey struct {
	platform core.Platform
	streamID string
}

func NewCutoffs() *Cutoffs {
	return &Cutoffs{m: make(map[cutoffKey]int64)}
}

// Set records the cutoff for a stream. Re-setting an existing cutoff is
// ignored; the connection owns its cutoff until Clear.
func (c *Cutoffs) Set(p core.Platform, streamID string, connectionTimeMicros int64) {
	key := cutoffKey{platform: p, streamID: streamID}
	c.mu.Lock()
	if _, exists := c.m[key]; !exists {
		c.m[key] = connectionTimeMicros
	}
	c.mu.Unlock()
}

// Clear drops the cutoff for a stream, typically on disconnect.
func (c *Cutoffs) Clear(p core.Platform, streamID string) {
	c.mu.Lock()
	delete(c.m, cutoffKey{platform: p, streamID: streamID})
	c.mu.Unlock()
}

// Keep reports whether the event passes the chronology filter. Events at
// or before the cutoff are replayed history and are dropped; streams with
// no recorded cutoff pass unfiltered. Stateless per event, O(1).
func (c *Cutoffs) Keep(e core.Event) bool {
	if e.StreamID == "" {
		return true
	}
	c.mu.RLock()
	cutoff, ok := c.m[cutoffKey{platform: e.Platform, streamID: e.StreamID}]
	c.mu.RUnlock()
	if !ok {
		return true
	}
	return e.Timestamp.UnixMicro() > cutoff
}
