package twitchchat

import (
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/you/streamweave/internal/platform"
)

func TestChatPayload(t *testing.T) {
	ts := time.Unix(1_700_000_000, 0)
	m := twitch.PrivateMessage{
		ID:      "msg-1",
		Message: "Cheer100 hello",
		Bits:    100,
		RoomID:  "room-9",
		Time:    ts,
		User:    twitch.User{ID: "42", Name: "cheerer"},
	}

	raw := chatPayload(m, false)
	if raw["username"] != "cheerer" || raw["userId"] != "42" || raw["text"] != "Cheer100 hello" {
		t.Fatalf("payload = %v", raw)
	}
	if raw["bits"] != float64(100) {
		t.Fatalf("bits = %v", raw["bits"])
	}
	if raw["timestamp"] != float64(ts.UnixMilli()) {
		t.Fatalf("timestamp = %v", raw["timestamp"])
	}
	if raw["streamId"] != "room-9" {
		t.Fatalf("streamId = %v", raw["streamId"])
	}
	if _, ok := raw["self"]; ok {
		t.Fatalf("self set for other user")
	}

	raw = chatPayload(twitch.PrivateMessage{User: twitch.User{ID: "1", Name: "bot"}}, true)
	if raw["self"] != true {
		t.Fatalf("self not set")
	}
	if _, ok := raw["bits"]; ok {
		t.Fatalf("bits present without cheer")
	}
}

func TestNoticePayload(t *testing.T) {
	m := twitch.UserNoticeMessage{
		MsgID: "resub",
		User:  twitch.User{ID: "7", Name: "loyal"},
		MsgParams: map[string]string{
			"msg-param-sub-plan":          "2000",
			"msg-param-cumulative-months": "5",
		},
		Time: time.Unix(1_700_000_000, 0),
	}
	raw, ok := noticePayload(m)
	if !ok {
		t.Fatalf("resub not recognized")
	}
	if raw["tier"] != "2000" || raw["months"] != float64(5) || raw["kind"] != "resub" {
		t.Fatalf("payload = %v", raw)
	}

	if _, ok := noticePayload(twitch.UserNoticeMessage{MsgID: "raid"}); ok {
		t.Fatalf("raid treated as paypiggy")
	}
}

func TestNew_RequiresChannel(t *testing.T) {
	if _, err := New(platform.Config{}, platform.Deps{}); err == nil {
		t.Fatalf("missing channel accepted")
	}
	a, err := New(platform.Config{Channel: "streamer"}, platform.Deps{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	// Hardened surface is present without wrapping.
	var _ platform.Adapter = a
}
