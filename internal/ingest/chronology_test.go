package ingest

import (
	"testing"
	"time"

	"github.com/you/streamweave/internal/core"
)

func eventAt(t *testing.T, streamID string, micros int64) core.Event {
	t.Helper()
	e, err := core.NewEvent(core.PlatformYouTube, core.TypeChatMessage).
		WithIdentity("UCabc", "watcher").
		WithText("hi").
		WithTimestamp(time.UnixMicro(micros)).
		WithStreamID(streamID).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return e
}

func TestCutoffs_DropAndKeep(t *testing.T) {
	c := NewCutoffs()
	c.Set(core.PlatformYouTube, "vid1", 2000)

	if c.Keep(eventAt(t, "vid1", 1000)) {
		t.Fatalf("event before cutoff must be dropped")
	}
	if c.Keep(eventAt(t, "vid1", 2000)) {
		t.Fatalf("event at cutoff must be dropped")
	}
	if !c.Keep(eventAt(t, "vid1", 2001)) {
		t.Fatalf("event after cutoff must be delivered")
	}
}

func TestCutoffs_UnknownStreamPasses(t *testing.T) {
	c := NewCutoffs()
	c.Set(core.PlatformYouTube, "vid1", 2000)

	if !c.Keep(eventAt(t, "vid2", 1)) {
		t.Fatalf("streams without a cutoff must not be filtered")
	}
	if !c.Keep(eventAt(t, "", 1)) {
		t.Fatalf("events without a stream id must not be filtered")
	}
}

func TestCutoffs_ImmutablePerConnection(t *testing.T) {
	c := NewCutoffs()
	c.Set(core.PlatformYouTube, "vid1", 2000)
	c.Set(core.PlatformYouTube, "vid1", 9000)

	if !c.Keep(eventAt(t, "vid1", 2500)) {
		t.Fatalf("second Set must not move an existing cutoff")
	}

	c.Clear(core.PlatformYouTube, "vid1")
	c.Set(core.PlatformYouTube, "vid1", 9000)
	if c.Keep(eventAt(t, "vid1", 2500)) {
		t.Fatalf("cutoff not re-armed after clear")
	}
}
