// Package retry holds the per-platform connection backoff counters and the
// token-refresh backoff schedule.
package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/you/streamweave/internal/core"
)

const (
	BaseDelay  = 2000 * time.Millisecond
	MaxDelay   = 60000 * time.Millisecond
	Multiplier = 1.3
)

// Backoff tracks one failure counter per platform. Counters are independent:
// a Twitch outage never inflates the TikTok delay.
type Backoff struct {
	mu     sync.Mutex
	counts map[core.Platform]int
}

func NewBackoff() *Backoff {
	return &Backoff{counts: make(map[core.Platform]int)}
}

// Calculate returns the current delay for the platform without mutating the
// counter. Unknown platforms behave as count zero.
func (b *Backoff) Calculate(platform core.Platform) time.Duration {
	b.mu.Lock()
	count := b.counts[platform]
	b.mu.Unlock()
	return delayFor(count)
}

// Increment bumps the failure counter and returns the new delay.
func (b *Backoff) Increment(platform core.Platform) time.Duration {
	b.mu.Lock()
	b.counts[platform]++
	count := b.counts[platform]
	b.mu.Unlock()
	return delayFor(count)
}

// Reset clears the counter after a successful connection.
func (b *Backoff) Reset(platform core.Platform) {
	b.mu.Lock()
	delete(b.counts, platform)
	b.mu.Unlock()
}

// Count returns the current failure count for the platform.
func (b *Backoff) Count(platform core.Platform) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[platform]
}

func delayFor(count int) time.Duration {
	if count < 0 {
		count = 0
	}
	d := float64(BaseDelay) * math.Pow(Multiplier, float64(count))
	if d > float64(MaxDelay) {
		return MaxDelay
	}
	if d < float64(BaseDelay) {
		return BaseDelay
	}
	return time.Duration(d)
}

const (
	refreshInitialDelay = 1000 * time.Millisecond
	refreshMaxDelay     = 8000 * time.Millisecond
	refreshFloor        = 100 * time.Millisecond

	// RefreshMaxAttempts bounds token-refresh retries.
	RefreshMaxAttempts = 3
)

// RefreshDelay returns the token-refresh backoff for the given attempt
// (0-based): 1s doubling to 8s, with ±20% integer jitter, floored at 100 ms.
// rng may be nil, in which case the global source is used.
func RefreshDelay(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := refreshInitialDelay << uint(attempt)
	if base > refreshMaxDelay {
		base = refreshMaxDelay
	}

	jitterRange := int64(base) / 5
	var jitter int64
	if jitterRange > 0 {
		if rng != nil {
			jitter = rng.Int63n(jitterRange*2+1) - jitterRange
		} else {
			jitter = rand.Int63n(jitterRange*2+1) - jitterRange
		}
	}

	d := time.Duration(int64(base) + jitter)
	if d < refreshFloor {
		d = refreshFloor
	}
	return d
}
