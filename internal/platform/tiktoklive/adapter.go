// Package tiktoklive is the TikTok live transport. It consumes the JSON
// frame stream a webcast relay exposes over websocket and forwards raw
// chat, gift, membership, and room payloads.
package tiktoklive

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/you/streamweave/internal/core"
	"github.com/you/streamweave/internal/platform"
)

func init() {
	platform.Register(core.PlatformTikTok, func(cfg platform.Config, deps platform.Deps) (platform.Connector, error) {
		return New(cfg, deps)
	})
}

// gatewayBase is a var so tests can point the adapter at a local relay.
var gatewayBase = "wss://webcast.us.tiktok.com/ws"

const (
	connectTimeout = 15 * time.Second
	pingInterval   = 30 * time.Second
	readLimit      = 1 << 20
)

// frame is one relay message. Data keeps the webcast field names; the
// adapter only reshapes what the canonical model needs.
type frame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Adapter maintains the websocket to the relay and forwards raw payloads.
type Adapter struct {
	*platform.Emitter

	cfg     platform.Config
	deps    platform.Deps
	gateway string

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	roomID  string
	viewers int
	hasRoom bool
}

func New(cfg platform.Config, deps platform.Deps) (*Adapter, error) {
	gateway, err := gatewayFor(cfg)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		Emitter: platform.NewEmitter(),
		cfg:     cfg,
		deps:    deps,
		gateway: gateway,
	}, nil
}

func gatewayFor(cfg platform.Config) (string, error) {
	if s, ok := cfg.Settings["gatewayUrl"].(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s), nil
	}
	user := strings.TrimSpace(cfg.Username)
	if user == "" {
		return "", errors.New("tiktoklive: username is required")
	}
	return fmt.Sprintf("%s?unique_id=%s", gatewayBase, url.QueryEscape(user)), nil
}

// Initialize dials the relay and starts the read loop. It returns after
// the first successful dial or the first terminal failure; the loop
// itself survives drops with a doubling backoff capped at 60s.
func (a *Adapter) Initialize(ctx context.Context, h platform.Handlers) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	connected := make(chan struct{})

	a.mu.Lock()
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	go a.run(runCtx, h, connected, done)

	select {
	case <-connected:
		return nil
	case <-done:
		return errors.New("tiktoklive: relay loop exited before connect")
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(connectTimeout):
		return errors.New("tiktoklive: connect timed out")
	}
}

func (a *Adapter) run(ctx context.Context, h platform.Handlers, connected chan struct{}, done chan struct{}) {
	defer close(done)

	backoff := time.Second
	const maxBackoff = 60 * time.Second
	var connectOnce sync.Once

	for ctx.Err() == nil {
		conn, _, err := websocket.Dial(ctx, a.gateway, &websocket.DialOptions{
			HTTPClient: a.deps.HTTP,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.deps.Logger.Warn("tiktoklive: dial failed", "err", err, "retryIn", backoff.String())
			if !sleepContext(ctx, backoff) {
				return
			}
			backoff = doubleCapped(backoff, maxBackoff)
			continue
		}
		conn.SetReadLimit(readLimit)

		a.deps.Logger.Info("tiktoklive: relay connected", "user", a.cfg.Username)
		backoff = time.Second
		connectOnce.Do(func() { close(connected) })

		start := time.Now()
		err = a.readFrames(ctx, conn, h)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return
		}
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}

		a.deps.Logger.Warn("tiktoklive: relay dropped", "err", err, "retryIn", backoff.String())
		if !sleepContext(ctx, backoff) {
			return
		}
		backoff = doubleCapped(backoff, maxBackoff)
	}
}

// readFrames pumps the connection until it drops, pinging the relay on a
// fixed cadence so half-open connections die quickly.
func (a *Adapter) readFrames(ctx context.Context, conn *websocket.Conn, h platform.Handlers) error {
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.Ping(pingCtx); err != nil {
					return
				}
			}
		}
	}()

	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return err
		}
		a.handleFrame(f, h)
	}
}

func (a *Adapter) handleFrame(f frame, h platform.Handlers) {
	switch f.Type {
	case "roomInfo":
		a.recordRoom(f.Data)
	case "chat":
		raw := a.chatPayload(f.Data)
		a.Emit("tiktok:chat", raw)
		if h.OnChat != nil {
			h.OnChat(raw)
		}
	case "gift":
		raw := a.giftPayload(f.Data)
		a.Emit("tiktok:gift", raw)
		if h.OnGift != nil {
			h.OnGift(raw)
		}
	case "member", "subscribe":
		raw := a.memberPayload(f.Data)
		a.Emit("tiktok:paypiggy", raw)
		if h.OnPaypiggy != nil {
			h.OnPaypiggy(raw)
		}
	case "roomUser":
		raw := a.roomUserPayload(f.Data)
		a.Emit("tiktok:viewer-count", raw)
		if h.OnViewerCount != nil {
			h.OnViewerCount(raw)
		}
	case "streamEnd":
		raw := platform.Payload{"live": false}
		if roomID := a.RoomID(); roomID != "" {
			raw["roomId"] = roomID
		}
		a.Emit("tiktok:stream-status", raw)
		if h.OnStreamStatus != nil {
			h.OnStreamStatus(raw)
		}
	default:
		a.deps.Logger.Debug("tiktoklive: unhandled frame", "type", f.Type)
	}
}

func (a *Adapter) recordRoom(data map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id := coerceString(data["roomId"]); id != "" {
		a.roomID = id
	}
	if n, ok := asNumber(data["viewerCount"]); ok {
		a.viewers = int(n)
		a.hasRoom = true
	}
}

// RoomID reports the room id announced by the relay, if any.
func (a *Adapter) RoomID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.roomID
}

// RoomInfo reports the last viewer count the relay announced. It backs
// the viewer count provider so polling does not open a second relay
// connection.
func (a *Adapter) RoomInfo(context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.hasRoom {
		return 0, errors.New("tiktoklive: no room snapshot yet")
	}
	return a.viewers, nil
}

// Cleanup stops the relay loop and waits for it to drain. Idempotent.
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

func doubleCapped(d, limit time.Duration) time.Duration {
	if d >= limit {
		return limit
	}
	d *= 2
	if d > limit {
		d = limit
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
