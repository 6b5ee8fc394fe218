// Package viewercount polls per-platform viewer counts at a bounded
// cadence and fans results out to registered observers.
package viewercount

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/you/streamweave/internal/autherr"
	"github.com/you/streamweave/internal/core"
)

// pollInterval is the minimum spacing between provider fetches.
const pollInterval = 5 * time.Second

// Provider fetches the current viewer count for one platform.
type Provider interface {
	Platform() core.Platform
	Fetch(ctx context.Context) (int, error)
}

// ErrorClass is the provider failure taxonomy.
type ErrorClass string

const (
	ErrClassNetwork  ErrorClass = "network"
	ErrClassProvider ErrorClass = "provider"
	ErrClassUnknown  ErrorClass = "unknown"
)

// ProviderError marks a failure originating at the platform API rather
// than the transport.
type ProviderError struct {
	Status int
	Err    error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "provider error"
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ErrorStats is a snapshot of a tracker's failure accounting.
type ErrorStats struct {
	Network     int `json:"network"`
	Provider    int `json:"provider"`
	Unknown     int `json:"unknown"`
	Consecutive int `json:"consecutiveErrors"`
}

// Metrics carries the package's prometheus collectors on an isolated
// registry.
type Metrics struct {
	registry *prometheus.Registry
	viewers  *prometheus.GaugeVec
	errors   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.viewers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "streamweave",
		Subsystem: "viewercount",
		Name:      "current",
		Help:      "Last fetched viewer count per platform.",
	}, []string{"platform"})
	m.errors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamweave",
		Subsystem: "viewercount",
		Name:      "fetch_errors_total",
		Help:      "Viewer count fetch failures by class.",
	}, []string{"platform", "class"})
	m.registry.MustRegister(m.viewers, m.errors)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Tracker wraps a provider with the poll cadence limit and the error
// taxonomy. Fetch returns 0 on any failure.
type Tracker struct {
	provider Provider
	limiter  *rate.Limiter
	metrics  *Metrics

	mu    sync.Mutex
	stats ErrorStats
	last  int
}

// NewTracker enforces the one-fetch-per-5s cadence on the provider.
func NewTracker(p Provider, m *Metrics) *Tracker {
	return &Tracker{
		provider: p,
		limiter:  rate.NewLimiter(rate.Every(pollInterval), 1),
		metrics:  m,
	}
}

// Fetch obtains the viewer count, waiting for cadence headroom first.
// Failures are classified and counted; the caller always gets a usable
// non-negative number.
func (t *Tracker) Fetch(ctx context.Context) int {
	if err := t.limiter.Wait(ctx); err != nil {
		return t.lastValue()
	}

	count, err := t.provider.Fetch(ctx)
	p := t.provider.Platform()
	if err != nil {
		class := classify(err)
		t.mu.Lock()
		switch class {
		case ErrClassNetwork:
			t.stats.Network++
		case ErrClassProvider:
			t.stats.Provider++
		default:
			t.stats.Unknown++
		}
		t.stats.Consecutive++
		t.mu.Unlock()
		if t.metrics != nil {
			t.metrics.errors.WithLabelValues(string(p), string(class)).Inc()
		}
		return 0
	}

	if count < 0 {
		count = 0
	}
	t.mu.Lock()
	t.stats.Consecutive = 0
	t.last = count
	t.mu.Unlock()
	if t.metrics != nil {
		t.metrics.viewers.WithLabelValues(string(p)).Set(float64(count))
	}
	return count
}

// Platform reports which platform the wrapped provider serves.
func (t *Tracker) Platform() core.Platform { return t.provider.Platform() }

func (t *Tracker) Stats() ErrorStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *Tracker) lastValue() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func classify(err error) ErrorClass {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return ErrClassProvider
	}
	if ae := autherr.Classify(err); ae.Kind == autherr.KindNetwork {
		return ErrClassNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ErrClassNetwork
	}
	return ErrClassUnknown
}
