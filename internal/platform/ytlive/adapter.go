package ytlive

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/you/streamweave/internal/core"
	"github.com/you/streamweave/internal/platform"
)

func init() {
	platform.Register(core.PlatformYouTube, func(cfg platform.Config, deps platform.Deps) (platform.Connector, error) {
		return New(cfg, deps)
	})
}

const connectTimeout = 20 * time.Second

// Adapter polls one YouTube live chat and forwards raw chat, superchat,
// and membership payloads.
type Adapter struct {
	*platform.Emitter

	cfg     platform.Config
	deps    platform.Deps
	liveURL string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg platform.Config, deps platform.Deps) (*Adapter, error) {
	liveURL, err := liveURLFor(cfg)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		Emitter: platform.NewEmitter(),
		cfg:     cfg,
		deps:    deps,
		liveURL: liveURL,
	}, nil
}

// liveURLFor derives the page to bootstrap from. An explicit liveUrl or
// videoId setting wins over the channel handle.
func liveURLFor(cfg platform.Config) (string, error) {
	if s, ok := cfg.Settings["liveUrl"].(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s), nil
	}
	if v, ok := cfg.Settings["videoId"].(string); ok && strings.TrimSpace(v) != "" {
		return "https://www.youtube.com/watch?v=" + strings.TrimSpace(v), nil
	}

	ch := strings.TrimSpace(cfg.Channel)
	switch {
	case ch == "":
		return "", errors.New("ytlive: channel, videoId, or liveUrl is required")
	case strings.Contains(ch, "://"):
		return ch, nil
	case strings.HasPrefix(ch, "@"):
		return "https://www.youtube.com/" + ch + "/live", nil
	default:
		return "https://www.youtube.com/@" + ch + "/live", nil
	}
}

// Initialize bootstraps the live page and starts the poll loop. It
// returns after the first successful bootstrap or the first terminal
// failure; the loop itself survives poll errors by re-bootstrapping with
// a doubling backoff capped at 60s.
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
		return errors.New("ytlive: chat poll loop exited before bootstrap")
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(connectTimeout):
		return errors.New("ytlive: bootstrap timed out")
	}
}

func (a *Adapter) run(ctx context.Context, h platform.Handlers, connected chan struct{}, done chan struct{}) {
	defer close(done)

	cl := newClient(a.deps.HTTP)
	backoff := time.Second
	const maxBackoff = 60 * time.Second

	var (
		sess        session
		connectOnce sync.Once
	)

	for ctx.Err() == nil {
		if sess.continuation == "" {
			var err error
			sess, err = cl.bootstrap(ctx, a.liveURL)
			if err != nil {
				a.deps.Logger.Warn("ytlive: bootstrap failed", "err", err, "retryIn", backoff.String())
				if !sleepContext(ctx, backoff) {
					return
				}
				backoff = doubleCapped(backoff, maxBackoff)
				continue
			}
			a.deps.Logger.Info("ytlive: live chat session established",
				"videoId", sess.videoID, "clientVersion", sess.clientVersion)
			backoff = time.Second
			connectOnce.Do(func() { close(connected) })
		}

		items, next, timeout, err := cl.poll(ctx, sess)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.deps.Logger.Warn("ytlive: poll failed", "err", err, "retryIn", backoff.String())
			if !sleepContext(ctx, backoff) {
				return
			}
			backoff = doubleCapped(backoff, maxBackoff)
			sess = session{}
			continue
		}

		for _, it := range items {
			a.dispatch(h, it)
		}

		sess.continuation = next
		if next == "" {
			a.deps.Logger.Debug("ytlive: continuation missing, re-bootstrapping")
		}
		if timeout <= 0 {
			timeout = 1500
		}
		if !sleepContext(ctx, time.Duration(timeout)*time.Millisecond) {
			return
		}
	}
}

func (a *Adapter) dispatch(h platform.Handlers, it item) {
	switch it.kind {
	case chatItem:
		a.Emit("youtube:chat", it.raw)
		if h.OnChat != nil {
			h.OnChat(it.raw)
		}
	case giftItem:
		a.Emit("youtube:gift", it.raw)
		if h.OnGift != nil {
			h.OnGift(it.raw)
		}
	case paypiggyItem:
		a.Emit("youtube:paypiggy", it.raw)
		if h.OnPaypiggy != nil {
			h.OnPaypiggy(it.raw)
		}
	}
}

// Cleanup stops the poll loop and waits for it to drain. Idempotent.
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
