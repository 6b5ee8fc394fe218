package bus

import (
	"testing"

	"github.com/you/streamweave/internal/core"
)

func chatEvent(t *testing.T, text string) core.Event {
	t.Helper()
	e, err := core.NewEvent(core.PlatformTwitch, core.TypeChatMessage).
		WithIdentity("42", "viewer").
		WithText(text).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return e
}

func TestPublish_OrderAndSequential(t *testing.T) {
	b := New(nil)
	var order []string
	b.Subscribe("platform:chat-message", func(core.Event) { order = append(order, "first") })
	b.Subscribe("platform:chat-message", func(core.Event) { order = append(order, "second") })
	b.Subscribe("platform:gift", func(core.Event) { order = append(order, "wrong") })

	b.Publish("platform:chat-message", chatEvent(t, "hi"))
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("order = %v", order)
	}
}

func TestPublish_PanicIsolation(t *testing.T) {
	var routed []string
	b := New(func(event string, err error) { routed = append(routed, event) })

	ran := false
	b.Subscribe("platform:gift", func(core.Event) { panic("boom") })
	b.Subscribe("platform:gift", func(core.Event) { ran = true })

	b.Publish("platform:gift", chatEvent(t, ""))
	if !ran {
		t.Fatalf("sibling subscriber skipped after panic")
	}
	if len(routed) != 1 || routed[0] != "platform:gift" {
		t.Fatalf("routed = %v", routed)
	}
}

func TestSubscribe_RemovalDuringBroadcast(t *testing.T) {
	b := New(nil)
	fired := 0
	var cancelSecond func()
	b.Subscribe("e", func(core.Event) {
		fired++
		cancelSecond()
	})
	cancelSecond = b.Subscribe("e", func(core.Event) { fired++ })

	// Snapshot semantics: the in-flight broadcast still reaches both.
	b.Publish("e", chatEvent(t, ""))
	if fired != 2 {
		t.Fatalf("fired = %d", fired)
	}
	b.Publish("e", chatEvent(t, ""))
	if fired != 3 {
		t.Fatalf("removed subscriber still firing; fired = %d", fired)
	}
}

func TestRoute_KnownAliasesAndUnknown(t *testing.T) {
	b := New(nil)
	var got []string
	cancel := Route(b, map[string]HandlerFunc{
		"onChat":       func(core.Event) { got = append(got, "chat") },
		"onMembership": func(core.Event) { got = append(got, "membership") },
		"onTelegraph":  func(core.Event) { got = append(got, "never") },
	})
	defer cancel()

	b.Publish("platform:chat-message", chatEvent(t, "hi"))
	b.Publish("platform:paypiggy", chatEvent(t, ""))
	if len(got) != 2 || got[0] != "chat" || got[1] != "membership" {
		t.Fatalf("got = %v", got)
	}

	cancel()
	b.Publish("platform:chat-message", chatEvent(t, "hi"))
	if len(got) != 2 {
		t.Fatalf("cancel did not unsubscribe; got = %v", got)
	}
}
