package core

import (
	"strings"
	"testing"
	"time"
)

func TestBuilder_Build(t *testing.T) {
	ev, err := NewEvent(PlatformTwitch, TypeChatMessage).
		WithIdentity("123", "someone").
		WithText("hello").
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if ev.ID == "" || ev.CorrelationID == "" {
		t.Fatalf("expected generated ids, got %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Fatalf("expected timestamp fallback")
	}
	if got := ev.WireName(); got != "platform:chat-message" {
		t.Fatalf("wire name = %q", got)
	}
}

func TestBuilder_RejectsUnknownPlatform(t *testing.T) {
	_, err := NewEvent(Platform("kick"), TypeChatMessage).
		WithIdentity("1", "u").
		Build()
	if err == nil {
		t.Fatalf("expected error for unsupported platform")
	}
	if !strings.Contains(err.Error(), "unsupported platform") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBuilder_RejectsUnknownType(t *testing.T) {
	if _, err := NewEvent(PlatformTikTok, EventType("raid")).WithIdentity("1", "u").Build(); err == nil {
		t.Fatalf("expected error for unsupported type")
	}
}

func TestBuilder_RejectsIncompleteIdentity(t *testing.T) {
	cases := []struct {
		userID, username string
	}{
		{"", "name"},
		{"42", ""},
		{"  ", "name"},
	}
	for _, c := range cases {
		if _, err := NewEvent(PlatformYouTube, TypeChatMessage).WithIdentity(c.userID, c.username).Build(); err == nil {
			t.Fatalf("expected rejection for identity %q/%q", c.userID, c.username)
		}
	}
}

func TestBuilder_SyntheticSkipsIdentity(t *testing.T) {
	ev, err := NewEvent(PlatformTwitch, TypeConnection).Synthetic().Build()
	if err != nil {
		t.Fatalf("synthetic build: %v", err)
	}
	if ev.Username != "" || ev.UserID != "" {
		t.Fatalf("synthetic event should have no identity")
	}
}

func TestEvent_TimestampISO(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.FixedZone("x", 3600))
	ev, err := NewEvent(PlatformTwitch, TypeChatMessage).
		WithIdentity("1", "u").
		WithTimestamp(ts).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := ev.TimestampISO(); got != "2024-03-01T11:30:00Z" {
		t.Fatalf("iso timestamp = %q", got)
	}
	if _, err := time.Parse(time.RFC3339Nano, ev.TimestampISO()); err != nil {
		t.Fatalf("timestamp does not parse: %v", err)
	}
}

func TestPaypiggy_RenderCopy(t *testing.T) {
	cases := []struct {
		p    Paypiggy
		want string
	}{
		{Paypiggy{Platform: PlatformTwitch}, "subscribed"},
		{Paypiggy{Platform: PlatformYouTube}, "member"},
		{Paypiggy{Platform: PlatformYouTube, Tier: "superfan"}, "SuperFan"},
		{Paypiggy{Platform: PlatformTikTok, Tier: "SuperFan"}, "SuperFan"},
	}
	for _, c := range cases {
		if got := c.p.RenderCopy(); got != c.want {
			t.Fatalf("RenderCopy(%+v) = %q; want %q", c.p, got, c.want)
		}
		if ContainsPlaceholder(c.p.RenderCopy()) {
			t.Fatalf("copy %q contains placeholder", c.p.RenderCopy())
		}
	}
}

func TestParsePlatform(t *testing.T) {
	if p, ok := ParsePlatform("  TikTok "); !ok || p != PlatformTikTok {
		t.Fatalf("ParsePlatform = %q, %v", p, ok)
	}
	if _, ok := ParsePlatform("kick"); ok {
		t.Fatalf("expected unknown platform")
	}
}
