// Package ingesttrace accounts for where raw payloads go inside the
// ingest pipeline: how many arrived from each adapter, how many
// normalized, and where the rest were dropped.
package ingesttrace

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/you/streamweave/internal/core"
)

// Stage identifies one point a payload can reach in the pipeline.
type Stage string

const (
	StageSeen       Stage = "seen_from_adapter"
	StageNormalized Stage = "normalized_ok"
	StagePublished  Stage = "published"

	StageDroppedPrefix = "dropped_"
)

// StageDropped names the drop stage for a reason (invalid, chronology,
// self, aggregation).
func StageDropped(reason string) Stage {
	return Stage(fmt.Sprintf("%s%s", StageDroppedPrefix, reason))
}

type key struct {
	platform core.Platform
	stage    Stage
}

// Stats holds per-(platform, stage) counters. A nil *Stats is a no-op, so
// the pipeline can run untraced.
type Stats struct {
	mu       sync.Mutex
	counters map[key]int64
}

func New() *Stats {
	return &Stats{counters: make(map[key]int64)}
}

// Inc bumps one counter and returns the updated value.
func (s *Stats) Inc(p core.Platform, stage Stage) int64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{platform: p, stage: stage}
	s.counters[k]++
	return s.counters[k]
}

// Snapshot returns the counters keyed "platform/stage".
func (s *Stats) Snapshot() map[string]int64 {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.counters))
	for k, v := range s.counters {
		out[string(k.platform)+"/"+string(k.stage)] = v
	}
	return out
}

// LogSummary emits the counter snapshot through structured logging,
// typically once at shutdown.
func (s *Stats) LogSummary(logger *slog.Logger) {
	if s == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("ingest trace summary", "counters", s.Snapshot())
}
