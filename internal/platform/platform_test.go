package platform

import (
	"context"
	"errors"
	"testing"

	"github.com/you/streamweave/internal/core"
)

func TestEmitter_OrderAndIsolation(t *testing.T) {
	e := NewEmitter()
	var order []int
	e.On("chat", func(Payload) { order = append(order, 1) })
	e.On("chat", func(Payload) { order = append(order, 2) })
	e.On("gift", func(Payload) { order = append(order, 99) })

	e.Emit("chat", Payload{"text": "hi"})
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order = %v", order)
	}
}

func TestEmitter_RemoveDuringEmit(t *testing.T) {
	e := NewEmitter()
	fired := 0
	e.On("x", func(Payload) {
		fired++
		e.RemoveAllListeners()
	})
	e.On("x", func(Payload) { fired++ })

	// Snapshot semantics: both listeners of this emit still run.
	e.Emit("x", nil)
	if fired != 2 {
		t.Fatalf("fired = %d", fired)
	}
	e.Emit("x", nil)
	if fired != 2 {
		t.Fatalf("listeners survived removal; fired = %d", fired)
	}
}

func TestLogger_NilMethodsAreNoOps(t *testing.T) {
	var l Logger
	l.Debug("quiet")
	l.Warn("quiet")

	var got string
	l = Logger{InfoFn: func(msg string, _ ...any) { got = msg }}
	l.Info("hello")
	l.Error("still a no-op")
	if got != "hello" {
		t.Fatalf("got = %q", got)
	}
}

type stubConnector struct {
	cfg  Config
	init bool
}

func (s *stubConnector) Initialize(context.Context, Handlers) error {
	s.init = true
	return nil
}

func (s *stubConnector) Cleanup(context.Context) error { return nil }

func TestFactory_ValidationAndWrap(t *testing.T) {
	var built *stubConnector
	Register(core.PlatformTikTok, func(cfg Config, _ Deps) (Connector, error) {
		built = &stubConnector{cfg: cfg}
		return built, nil
	})

	if _, err := New("myspace", &Config{}, &Deps{}); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("unsupported platform err = %v", err)
	}
	if _, err := New("tiktok", nil, &Deps{}); err == nil {
		t.Fatalf("nil config must fail")
	}
	if _, err := New("tiktok", &Config{}, nil); err == nil {
		t.Fatalf("nil deps must fail")
	}

	a, err := New("TikTok", &Config{Username: "@streamer"}, &Deps{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if built.cfg.Username != "streamer" {
		t.Fatalf("leading @ not stripped: %q", built.cfg.Username)
	}
	if built.cfg.Channel != "streamer" {
		t.Fatalf("channel should default to username: %q", built.cfg.Channel)
	}

	// Stub lacks an emitter, so the factory must graft one on.
	var seen Payload
	a.On("tiktok:chat", func(p Payload) { seen = p })
	a.Emit("tiktok:chat", Payload{"comment": "hi"})
	if seen == nil || seen["comment"] != "hi" {
		t.Fatalf("wrapped emitter not functional: %v", seen)
	}
	if err := a.Initialize(context.Background(), Handlers{}); err != nil || !built.init {
		t.Fatalf("wrapped connector lost Initialize: %v", err)
	}
}

func TestFactory_NilClientIsError(t *testing.T) {
	Register(core.PlatformYouTube, func(Config, Deps) (Connector, error) { return nil, nil })
	if _, err := New("youtube", &Config{Username: "ch"}, &Deps{}); err == nil {
		t.Fatalf("nil client must be a constructor error")
	}
}
