package autherr

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/you/streamweave/internal/clock"
)

// Monitor keeps per-category error counts, hourly frequency buckets,
// handling-latency aggregates, and recovery outcomes.
type Monitor struct {
	clk      clock.Clock
	registry *prometheus.Registry

	errorsTotal     *prometheus.CounterVec
	recoveriesTotal *prometheus.CounterVec

	mu           sync.Mutex
	counts       map[string]int64
	hourly       map[int64]map[string]int64 // hour bucket (unix/3600) -> category -> count
	totalMs      float64
	maxMs        float64
	samples      int64
	recoveryOK   int64
	recoveryFail int64
}

func NewMonitor(clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.System()
	}
	registry := prometheus.NewRegistry()
	m := &Monitor{
		clk:      clk,
		registry: registry,
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamweave",
			Name:      "auth_errors_total",
			Help:      "Auth errors observed by category",
		}, []string{"category"}),
		recoveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamweave",
			Name:      "auth_recoveries_total",
			Help:      "Recovery attempts by outcome",
		}, []string{"outcome"}),
		counts: make(map[string]int64),
		hourly: make(map[int64]map[string]int64),
	}
	registry.MustRegister(m.errorsTotal, m.recoveriesTotal)
	return m
}

// Registry exposes the monitor's collectors for the HTTP API.
func (m *Monitor) Registry() *prometheus.Registry { return m.registry }

// Record notes one classified error and how long handling it took.
func (m *Monitor) Record(err *AuthError, handling time.Duration) {
	if err == nil {
		return
	}
	category := err.Kind.Category()
	hour := m.clk.Now().Unix() / 3600
	ms := float64(handling) / float64(time.Millisecond)

	m.mu.Lock()
	m.counts[category]++
	bucket := m.hourly[hour]
	if bucket == nil {
		bucket = make(map[string]int64)
		m.hourly[hour] = bucket
	}
	bucket[category]++
	m.totalMs += ms
	m.samples++
	if ms > m.maxMs {
		m.maxMs = ms
	}
	m.mu.Unlock()

	m.errorsTotal.WithLabelValues(category).Inc()
}

// RecordRecovery notes the outcome of a recovery attempt.
func (m *Monitor) RecordRecovery(ok bool) {
	m.mu.Lock()
	if ok {
		m.recoveryOK++
	} else {
		m.recoveryFail++
	}
	m.mu.Unlock()

	outcome := "failure"
	if ok {
		outcome = "success"
	}
	m.recoveriesTotal.WithLabelValues(outcome).Inc()
}

// Stats is a snapshot of the monitor's aggregates.
type Stats struct {
	Counts              map[string]int64 `json:"counts"`
	HourlyFrequency     map[string]int64 `json:"hourlyFrequency"` // current hour
	AvgHandlingMs       float64          `json:"avgHandlingMs"`
	MaxHandlingMs       float64          `json:"maxHandlingMs"`
	RecoverySuccessRate float64          `json:"recoverySuccessRate"`
}

func (m *Monitor) Snapshot() Stats {
	hour := m.clk.Now().Unix() / 3600

	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int64, len(m.counts))
	for k, v := range m.counts {
		counts[k] = v
	}
	current := make(map[string]int64)
	for k, v := range m.hourly[hour] {
		current[k] = v
	}

	avg := 0.0
	if m.samples > 0 {
		avg = m.totalMs / float64(m.samples)
	}
	rate := 0.0
	if total := m.recoveryOK + m.recoveryFail; total > 0 {
		rate = float64(m.recoveryOK) / float64(total)
	}

	return Stats{
		Counts:              counts,
		HourlyFrequency:     current,
		AvgHandlingMs:       avg,
		MaxHandlingMs:       m.maxMs,
		RecoverySuccessRate: rate,
	}
}

// Cleanup evicts hourly buckets older than hoursToKeep.
func (m *Monitor) Cleanup(hoursToKeep int) {
	if hoursToKeep < 0 {
		hoursToKeep = 0
	}
	cutoff := m.clk.Now().Unix()/3600 - int64(hoursToKeep)

	m.mu.Lock()
	for hour := range m.hourly {
		if hour < cutoff {
			delete(m.hourly, hour)
		}
	}
	m.mu.Unlock()
}
