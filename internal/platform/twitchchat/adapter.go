// Package twitchchat is the Twitch chat transport: a gempir IRC client
// hardened to the adapter surface, emitting raw payloads only.
package twitchchat

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/you/streamweave/internal/core"
	"github.com/you/streamweave/internal/platform"
)

func init() {
	platform.Register(core.PlatformTwitch, func(cfg platform.Config, deps platform.Deps) (platform.Connector, error) {
		return New(cfg, deps)
	})
}

const connectTimeout = 15 * time.Second

// Adapter joins one Twitch channel and forwards raw chat, cheer, and
// subscription payloads.
type Adapter struct {
	*platform.Emitter

	cfg  platform.Config
	deps platform.Deps

	mu     sync.Mutex
	client *twitch.Client
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg platform.Config, deps platform.Deps) (*Adapter, error) {
	if strings.TrimSpace(cfg.Channel) == "" {
		return nil, errors.New("twitchchat: channel is required")
	}
	return &Adapter{Emitter: platform.NewEmitter(), cfg: cfg, deps: deps}, nil
}

func (a *Adapter) token() string {
	if a.deps.TokenProvider != nil {
		if t := strings.TrimSpace(a.deps.TokenProvider()); t != "" {
			return t
		}
	}
	return strings.TrimSpace(a.cfg.Token)
}

// Initialize connects and keeps the connection alive with a doubling
// backoff capped at 60s until Cleanup or ctx cancellation. It returns
// after the first successful join or the first terminal failure.
func (a *Adapter) Initialize(ctx context.Context, h platform.Handlers) error {
	token := a.token()
	if token == "" {
		return errors.New("twitchchat: token is required")
	}
	if !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}

	nick := a.cfg.Username
	if nick == "" {
		nick = a.cfg.Channel
	}

	client := twitch.NewClient(nick, token)
	client.Join(a.cfg.Channel)

	connected := make(chan struct{})
	var connectOnce sync.Once
	client.OnConnect(func() {
		a.deps.Logger.Info("twitchchat: joined channel", "channel", a.cfg.Channel)
		connectOnce.Do(func() { close(connected) })
	})

	client.OnPrivateMessage(func(m twitch.PrivateMessage) {
		raw := chatPayload(m, strings.EqualFold(m.User.Name, nick))
		a.Emit("twitch:chat", raw)
		if h.OnChat != nil {
			h.OnChat(raw)
		}
	})
	client.OnUserNoticeMessage(func(m twitch.UserNoticeMessage) {
		raw, ok := noticePayload(m)
		if !ok {
			return
		}
		a.Emit("twitch:paypiggy", raw)
		if h.OnPaypiggy != nil {
			h.OnPaypiggy(raw)
		}
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	a.mu.Lock()
	a.client = client
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	go a.run(runCtx, client, done)

	select {
	case <-connected:
		return nil
	case <-done:
		return errors.New("twitchchat: connection closed before join")
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(connectTimeout):
		return errors.New("twitchchat: connect timed out")
	}
}

// run keeps the IRC connection alive. gempir's Connect blocks until the
// connection drops; reconnects back off doubling to 60s.
func (a *Adapter) run(ctx context.Context, client *twitch.Client, done chan struct{}) {
	defer close(done)

	go func() {
		<-ctx.Done()
		_ = client.Disconnect()
	}()

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		err := client.Connect()
		if ctx.Err() != nil || errors.Is(err, twitch.ErrClientDisconnected) {
			return
		}
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}

		a.deps.Logger.Warn("twitchchat: disconnected", "err", err, "retryIn", backoff.String())
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if backoff < 60*time.Second {
			backoff *= 2
			if backoff > 60*time.Second {
				backoff = 60 * time.Second
			}
		}
	}
}

// Cleanup disconnects and waits for the run loop to drain. Idempotent.
func (a *Adapter) Cleanup(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	done := a.done
	a.cancel = nil
	a.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// chatPayload maps a gempir message to the raw shape the normalizer
// expects. Bits ride along so cheer messages become gift events.
func chatPayload(m twitch.PrivateMessage, self bool) platform.Payload {
	raw := platform.Payload{
		"id":        m.ID,
		"username":  m.User.Name,
		"userId":    m.User.ID,
		"text":      m.Message,
		"timestamp": float64(m.Time.UnixMilli()),
	}
	if self {
		raw["self"] = true
	}
	if m.Bits > 0 {
		raw["bits"] = float64(m.Bits)
	}
	if m.RoomID != "" {
		raw["streamId"] = m.RoomID
	}
	return raw
}

// noticePayload maps sub and resub notices to raw paypiggy payloads.
// Other notice kinds (raids, rituals) are not monetization events.
func noticePayload(m twitch.UserNoticeMessage) (platform.Payload, bool) {
	switch m.MsgID {
	case "sub", "resub", "subgift", "anonsubgift":
	default:
		return nil, false
	}

	raw := platform.Payload{
		"username":  m.User.Name,
		"userId":    m.User.ID,
		"timestamp": float64(m.Time.UnixMilli()),
		"kind":      m.MsgID,
	}
	if plan := m.MsgParams["msg-param-sub-plan"]; plan != "" {
		raw["tier"] = plan
	}
	if months := m.MsgParams["msg-param-cumulative-months"]; months != "" {
		if n, err := strconv.Atoi(months); err == nil {
			raw["months"] = float64(n)
		}
	}
	return raw, true
}
