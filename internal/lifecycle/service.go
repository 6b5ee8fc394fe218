// Package lifecycle owns the per-platform connection state machine:
// construction through the factory, stream detection, background
// initialization, status reporting, and teardown.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/you/streamweave/internal/bus"
	"github.com/you/streamweave/internal/clock"
	"github.com/you/streamweave/internal/core"
	"github.com/you/streamweave/internal/ingest"
	"github.com/you/streamweave/internal/platform"
	"github.com/you/streamweave/internal/retry"
)

// State is the per-platform connection state.
type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateInitializing  State = "INITIALIZING"
	StateReady         State = "READY"
	StateRefreshing    State = "REFRESHING"
	StateError         State = "ERROR"
)

// ConfigUpdatedEvent is the bus event that drives a READY platform back to
// UNINITIALIZED after a config hot-swap.
const ConfigUpdatedEvent = "config.updated"

const detectionUnavailable = "Stream detection unavailable"

// StreamDetector watches a platform for live streams and invokes connect
// with each stream id as it goes live. It returns when ctx is cancelled
// or detection fails.
type StreamDetector interface {
	Detect(ctx context.Context, connect func(streamID string)) error
}

// detectorPlatforms need live-stream detection before the chat connection
// is meaningful.
var detectorPlatforms = map[core.Platform]bool{
	core.PlatformTwitch:  true,
	core.PlatformYouTube: true,
}

// backgroundPlatforms negotiate slow handshakes and initialize off the
// caller's path.
var backgroundPlatforms = map[core.Platform]bool{
	core.PlatformTikTok: true,
}

type entry struct {
	adapter     platform.Adapter
	state       State
	connectedAt time.Time
	lastError   string
	cancel      context.CancelFunc
	streams     map[string]bool
}

// Service is the platform lifecycle state machine.
type Service struct {
	Pipeline *ingest.Pipeline
	Bus      *bus.Bus
	Retry    *retry.Backoff
	Clock    clock.Clock

	// Detectors supplies the stream detector per platform; absent entries
	// for detector platforms record a detection-unavailable error.
	Detectors map[core.Platform]StreamDetector

	// CancelRefresh is invoked when a platform's config is hot-swapped so
	// any pending proactive token refresh dies with the old credentials.
	CancelRefresh func(core.Platform)

	// NewAdapter builds a platform transport; defaults to platform.New.
	NewAdapter func(name string, cfg *platform.Config, deps *platform.Deps) (platform.Adapter, error)

	mu      sync.Mutex
	entries map[core.Platform]*entry

	bgGroup  *errgroup.Group
	bgDone   chan struct{}
	busUnsub func()
}

func NewService(p *ingest.Pipeline, b *bus.Bus, backoff *retry.Backoff, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.System()
	}
	s := &Service{
		Pipeline:   p,
		Bus:        b,
		Retry:      backoff,
		Clock:      clk,
		NewAdapter: platform.New,
		entries:    make(map[core.Platform]*entry),
	}
	s.busUnsub = b.Subscribe(ConfigUpdatedEvent, s.onConfigUpdated)
	return s
}

// InitializeAll builds and initializes every configured platform. The
// returned map carries the per-platform outcome; background platforms
// report nil here and surface failures via state.
func (s *Service) InitializeAll(ctx context.Context, configs map[core.Platform]*platform.Config, deps platform.Deps) map[core.Platform]error {
	results := make(map[core.Platform]error, len(configs))

	group, bgCtx := errgroup.WithContext(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.bgGroup = group
	s.bgDone = make(chan struct{})
	s.mu.Unlock()

	for p, cfg := range configs {
		p, cfg := p, cfg
		if backgroundPlatforms[p] {
			results[p] = nil
			group.Go(func() error {
				if err := s.initializeOne(bgCtx, p, cfg, deps); err != nil {
					slog.Warn("lifecycle: background init failed", "platform", p, "err", err)
				}
				return nil
			})
			continue
		}
		results[p] = s.initializeOne(ctx, p, cfg, deps)
	}

	done := s.bgDone
	go func() {
		_ = group.Wait()
		close(done)
	}()
	return results
}

func (s *Service) initializeOne(ctx context.Context, p core.Platform, cfg *platform.Config, deps platform.Deps) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	if prior := s.entries[p]; prior != nil && prior.cancel != nil {
		prior.cancel()
	}
	e := &entry{state: StateInitializing, cancel: cancel, streams: make(map[string]bool)}
	s.entries[p] = e
	s.mu.Unlock()

	adapter, err := s.NewAdapter(string(p), cfg, &deps)
	if err != nil {
		s.fail(p, err)
		return err
	}

	if detectorPlatforms[p] {
		detector := s.Detectors[p]
		if detector == nil {
			s.fail(p, fmt.Errorf("%s", detectionUnavailable))
			return fmt.Errorf("lifecycle: %s: %s", p, detectionUnavailable)
		}
		go s.runDetector(runCtx, p, detector)
	}

	if err := adapter.Initialize(ctx, s.Pipeline.Handlers(p)); err != nil {
		s.fail(p, err)
		if s.Retry != nil {
			s.Retry.Increment(p)
		}
		return fmt.Errorf("lifecycle: initialize %s: %w", p, err)
	}

	now := s.Clock.Now()
	s.mu.Lock()
	e.adapter = adapter
	e.state = StateReady
	e.connectedAt = now
	e.lastError = ""
	s.mu.Unlock()

	if s.Retry != nil {
		s.Retry.Reset(p)
	}
	s.Pipeline.SubmitStreamStatus(p, true, "")
	s.publishConnection(p, "connected")
	return nil
}

// publishConnection announces an adapter connect or disconnect on the
// connection wire so SSE consumers see transport transitions.
func (s *Service) publishConnection(p core.Platform, status string) {
	ev, err := core.NewEvent(p, core.TypeConnection).
		Synthetic().
		WithMetadata("status", status).
		Build()
	if err != nil {
		return
	}
	s.Bus.Publish(ev.WireName(), ev)
}

// runDetector drives stream detection until the platform's context dies.
// Each newly detected stream arms its chronology cutoff and publishes a
// stream-detected event.
func (s *Service) runDetector(ctx context.Context, p core.Platform, detector StreamDetector) {
	err := detector.Detect(ctx, func(streamID string) {
		now := s.Clock.Now()

		s.mu.Lock()
		e := s.entries[p]
		var newIDs, allIDs []string
		if e != nil {
			if !e.streams[streamID] {
				e.streams[streamID] = true
				newIDs = []string{streamID}
			}
			for id := range e.streams {
				allIDs = append(allIDs, id)
			}
		}
		connections := len(allIDs)
		s.mu.Unlock()

		s.Pipeline.Cutoffs.Set(p, streamID, now.UnixMicro())
		if len(newIDs) > 0 {
			if ev, buildErr := s.Pipeline.Normalizer.StreamDetected(p, newIDs, allIDs, connections); buildErr == nil {
				s.Bus.Publish(ev.WireName(), ev)
			}
		}
	})
	if err != nil && ctx.Err() == nil {
		s.fail(p, err)
		if s.Retry != nil {
			s.Retry.Increment(p)
		}
		s.Pipeline.SubmitError(p, err, map[string]any{"stage": "stream-detection"})
	}
}

func (s *Service) fail(p core.Platform, err error) {
	s.mu.Lock()
	if e := s.entries[p]; e != nil {
		e.state = StateError
		e.lastError = err.Error()
	}
	s.mu.Unlock()
}

// WaitForBackgroundInits blocks until every background initialization
// finishes or the timeout elapses. Reports whether all completed.
func (s *Service) WaitForBackgroundInits(timeout time.Duration) bool {
	s.mu.Lock()
	done := s.bgDone
	s.mu.Unlock()
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// DisconnectAll tears down every platform. Cleanup is preferred and must
// be idempotent; after return the instance map is empty.
func (s *Service) DisconnectAll(ctx context.Context) {
	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[core.Platform]*entry)
	s.mu.Unlock()

	for p, e := range entries {
		if e.cancel != nil {
			e.cancel()
		}
		if e.adapter == nil {
			continue
		}
		e.adapter.RemoveAllListeners()
		if err := e.adapter.Cleanup(ctx); err != nil {
			slog.Warn("lifecycle: cleanup failed", "platform", p, "err", err)
		}
		s.Pipeline.SubmitStreamStatus(p, false, "")
		s.publishConnection(p, "disconnected")
	}
	s.Pipeline.Close()
}

// Shutdown removes the config-updated subscription and disconnects.
func (s *Service) Shutdown(ctx context.Context) {
	if s.busUnsub != nil {
		s.busUnsub()
	}
	s.DisconnectAll(ctx)
}

func (s *Service) IsPlatformAvailable(p core.Platform) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[p]
	return e != nil && e.state == StateReady
}

// GetPlatform returns the adapter or nil when unavailable.
func (s *Service) GetPlatform(p core.Platform) platform.Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[p]; e != nil {
		return e.adapter
	}
	return nil
}

// GetPlatformConnectionTime reports milliseconds since the platform
// connected, or 0 when not connected.
func (s *Service) GetPlatformConnectionTime(p core.Platform) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[p]
	if e == nil || e.connectedAt.IsZero() {
		return 0
	}
	return s.Clock.Now().Sub(e.connectedAt).Milliseconds()
}

// StateOf reports the platform's lifecycle state.
func (s *Service) StateOf(p core.Platform) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[p]; e != nil {
		return e.state
	}
	return StateUninitialized
}

// MarkRefreshing flags a READY platform as refreshing credentials and
// back. Invalid transitions are ignored.
func (s *Service) MarkRefreshing(p core.Platform, refreshing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[p]
	if e == nil {
		return
	}
	switch {
	case refreshing && e.state == StateReady:
		e.state = StateRefreshing
	case !refreshing && e.state == StateRefreshing:
		e.state = StateReady
	}
}

// FailedPlatform pairs a platform with its captured last error.
type FailedPlatform struct {
	Name      core.Platform `json:"name"`
	LastError string        `json:"lastError"`
}

// Status is the aggregate lifecycle view.
type Status struct {
	InitializedPlatforms []core.Platform            `json:"initializedPlatforms"`
	FailedPlatforms      []FailedPlatform           `json:"failedPlatforms"`
	StreamStatuses       map[core.Platform][]string `json:"streamStatuses"`
	ConnectionTimes      map[core.Platform]int64    `json:"connectionTimes"`
}

func (s *Service) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		StreamStatuses:  make(map[core.Platform][]string),
		ConnectionTimes: make(map[core.Platform]int64),
	}
	for p, e := range s.entries {
		switch e.state {
		case StateReady, StateRefreshing:
			st.InitializedPlatforms = append(st.InitializedPlatforms, p)
		case StateError:
			st.FailedPlatforms = append(st.FailedPlatforms, FailedPlatform{Name: p, LastError: e.lastError})
		}
		for id := range e.streams {
			st.StreamStatuses[p] = append(st.StreamStatuses[p], id)
		}
		if !e.connectedAt.IsZero() {
			st.ConnectionTimes[p] = s.Clock.Now().Sub(e.connectedAt).Milliseconds()
		}
	}
	return st
}

// onConfigUpdated drives READY → UNINITIALIZED for the named platform and
// cancels its proactive refresh.
func (s *Service) onConfigUpdated(e core.Event) {
	name, _ := e.Metadata["platform"].(string)
	p, ok := core.ParsePlatform(name)
	if !ok {
		p = e.Platform
		if !p.Valid() {
			return
		}
	}

	s.mu.Lock()
	if entry := s.entries[p]; entry != nil {
		entry.state = StateUninitialized
		entry.connectedAt = time.Time{}
	}
	s.mu.Unlock()

	if s.CancelRefresh != nil {
		s.CancelRefresh(p)
	}
	slog.Info("lifecycle: config updated, platform reset", "platform", p)
}
