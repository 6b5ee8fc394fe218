package ingesttrace

import (
	"testing"

	"github.com/you/streamweave/internal/core"
)

func TestIncAndSnapshot(t *testing.T) {
	s := New()
	s.Inc(core.PlatformTwitch, StageSeen)
	s.Inc(core.PlatformTwitch, StageSeen)
	s.Inc(core.PlatformTwitch, StageNormalized)
	s.Inc(core.PlatformYouTube, StageDropped("self"))

	snap := s.Snapshot()
	if got := snap["twitch/seen_from_adapter"]; got != 2 {
		t.Fatalf("seen counter = %d, want 2", got)
	}
	if got := snap["twitch/normalized_ok"]; got != 1 {
		t.Fatalf("normalized counter = %d, want 1", got)
	}
	if got := snap["youtube/dropped_self"]; got != 1 {
		t.Fatalf("dropped counter = %d, want 1", got)
	}
}

func TestStageDropped(t *testing.T) {
	if got := StageDropped("chronology"); got != "dropped_chronology" {
		t.Fatalf("StageDropped = %q", got)
	}
}

func TestNilStatsIsNoOp(t *testing.T) {
	var s *Stats
	if n := s.Inc(core.PlatformTikTok, StageSeen); n != 0 {
		t.Fatalf("nil Inc = %d, want 0", n)
	}
	if snap := s.Snapshot(); snap != nil {
		t.Fatalf("nil Snapshot = %v, want nil", snap)
	}
	s.LogSummary(nil)
}
