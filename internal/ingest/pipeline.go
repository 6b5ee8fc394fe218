package ingest

import (
	"context"
	"log/slog"
	"sync"

	"github.com/you/streamweave/internal/bus"
	"github.com/you/streamweave/internal/core"
	"github.com/you/streamweave/internal/ingesttrace"
	"github.com/you/streamweave/internal/monetize"
	"github.com/you/streamweave/internal/platform"
)

// GoalRecorder persists gift values; nil disables persistence.
type GoalRecorder interface {
	Record(ctx context.Context, e core.Event) error
}

// Pipeline runs every raw payload through normalization, the chronology
// and self filters, monetization, and onto the bus. Events of the same
// stream are processed one at a time to completion; unrelated streams run
// independently.
type Pipeline struct {
	Normalizer *Normalizer
	Cutoffs    *Cutoffs
	Self       *SelfFilter
	Detector   *monetize.Detector
	Goals      GoalRecorder
	Bus        *bus.Bus

	// Trace counts payloads per stage; nil disables accounting.
	Trace *ingesttrace.Stats

	aggregator *monetize.Aggregator

	mu      sync.Mutex
	streams map[cutoffKey]*sync.Mutex
}

func NewPipeline(n *Normalizer, cutoffs *Cutoffs, self *SelfFilter, det *monetize.Detector, goals GoalRecorder, b *bus.Bus) *Pipeline {
	p := &Pipeline{
		Normalizer: n,
		Cutoffs:    cutoffs,
		Self:       self,
		Detector:   det,
		Goals:      goals,
		Bus:        b,
		streams:    make(map[cutoffKey]*sync.Mutex),
	}
	p.aggregator = monetize.NewAggregator(p.deliverGift, 0)
	return p
}

// Close flushes pending gift windows.
func (p *Pipeline) Close() {
	p.aggregator.Close()
}

// streamLock returns the serialization lock for one (platform, streamId).
func (p *Pipeline) streamLock(pf core.Platform, streamID string) *sync.Mutex {
	key := cutoffKey{platform: pf, streamID: streamID}
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.streams[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	p.streams[key] = l
	return l
}

// SubmitChat ingests a raw chat payload. Monetized cheer text additionally
// yields a gift event after the chat event.
func (p *Pipeline) SubmitChat(pf core.Platform, raw platform.Payload) {
	p.Trace.Inc(pf, ingesttrace.StageSeen)
	e, err := p.Normalizer.Chat(pf, raw)
	if err != nil {
		p.Trace.Inc(pf, ingesttrace.StageDropped("invalid"))
		slog.Debug("ingest: chat payload rejected", "platform", pf, "err", err)
		return
	}
	p.Trace.Inc(pf, ingesttrace.StageNormalized)

	lock := p.streamLock(pf, e.StreamID)
	lock.Lock()
	defer lock.Unlock()

	if !p.Cutoffs.Keep(e) {
		p.Trace.Inc(pf, ingesttrace.StageDropped("chronology"))
		slog.Debug("ingest: chat dropped by chronology filter", "platform", pf, "stream", e.StreamID)
		return
	}
	if p.Self.ShouldFilter(pf, raw) {
		p.Trace.Inc(pf, ingesttrace.StageDropped("self"))
		slog.Debug("ingest: self message filtered", "platform", pf, "user", e.Username)
		return
	}

	p.Bus.Publish(e.WireName(), e)
	p.Trace.Inc(pf, ingesttrace.StagePublished)

	if pf != core.PlatformTwitch || p.Detector == nil {
		return
	}
	det := p.Detector.Detect(raw, pf)
	if !det.Detected || det.Type != "twitch_bits" {
		return
	}
	bits, _ := det.Details["bits"].(int)
	if bits <= 0 {
		return
	}
	gift, err := core.NewEvent(pf, core.TypeGift).
		WithIdentity(e.UserID, e.Username).
		WithTimestamp(e.Timestamp).
		WithStreamID(e.StreamID).
		WithCorrelationID(e.CorrelationID).
		WithGift(core.Gift{
			GiftType:   "bits",
			GiftCount:  1,
			UnitAmount: float64(bits),
			Amount:     float64(bits),
			Currency:   "bits",
		}).
		Build()
	if err != nil {
		slog.Debug("ingest: cheer gift build failed", "err", err)
		return
	}
	p.deliverGift(gift)
}

// SubmitGift ingests a raw gift payload. TikTok combo gifts pass through
// the aggregation window; everything else is delivered directly.
func (p *Pipeline) SubmitGift(pf core.Platform, raw platform.Payload) {
	p.Trace.Inc(pf, ingesttrace.StageSeen)
	e, err := p.Normalizer.Gift(pf, raw)
	if err != nil {
		p.Trace.Inc(pf, ingesttrace.StageDropped("invalid"))
		slog.Debug("ingest: gift payload rejected", "platform", pf, "err", err)
		return
	}
	p.Trace.Inc(pf, ingesttrace.StageNormalized)

	lock := p.streamLock(pf, e.StreamID)
	lock.Lock()
	defer lock.Unlock()

	if !p.Cutoffs.Keep(e) {
		p.Trace.Inc(pf, ingesttrace.StageDropped("chronology"))
		return
	}

	if pf == core.PlatformTikTok && e.Gift != nil && e.Gift.Combo {
		if err := p.aggregator.Submit(e); err != nil {
			slog.Debug("ingest: gift aggregation rejected", "err", err)
		}
		return
	}
	p.deliverGift(e)
}

// SubmitPaypiggy ingests a raw subscription or membership payload.
func (p *Pipeline) SubmitPaypiggy(pf core.Platform, raw platform.Payload) {
	p.Trace.Inc(pf, ingesttrace.StageSeen)
	e, err := p.Normalizer.Paypiggy(pf, raw)
	if err != nil {
		p.Trace.Inc(pf, ingesttrace.StageDropped("invalid"))
		slog.Debug("ingest: paypiggy payload rejected", "platform", pf, "err", err)
		return
	}
	p.Trace.Inc(pf, ingesttrace.StageNormalized)

	lock := p.streamLock(pf, e.StreamID)
	lock.Lock()
	defer lock.Unlock()

	if !p.Cutoffs.Keep(e) {
		p.Trace.Inc(pf, ingesttrace.StageDropped("chronology"))
		return
	}
	p.Bus.Publish(e.WireName(), e)
	p.Trace.Inc(pf, ingesttrace.StagePublished)
}

// SubmitViewerCount publishes a synthetic viewer-count event.
func (p *Pipeline) SubmitViewerCount(pf core.Platform, count int, streamID string) {
	e, err := p.Normalizer.ViewerCount(pf, count, streamID)
	if err != nil {
		return
	}
	p.Bus.Publish(e.WireName(), e)
}

// SubmitStreamStatus publishes a synthetic live/offline event.
func (p *Pipeline) SubmitStreamStatus(pf core.Platform, live bool, streamID string) {
	e, err := p.Normalizer.StreamStatus(pf, live, streamID)
	if err != nil {
		return
	}
	p.Bus.Publish(e.WireName(), e)
}

// SubmitError publishes a serialized error event.
func (p *Pipeline) SubmitError(pf core.Platform, cause error, context map[string]any) {
	e, err := p.Normalizer.ErrorEvent(pf, cause, context)
	if err != nil {
		return
	}
	p.Bus.Publish(e.WireName(), e)
}

// deliverGift publishes a gift event and records it against the goal
// accumulator. Called directly and by the aggregation window timer.
func (p *Pipeline) deliverGift(e core.Event) {
	p.Bus.Publish(e.WireName(), e)
	p.Trace.Inc(e.Platform, ingesttrace.StagePublished)
	if p.Goals != nil {
		if err := p.Goals.Record(context.Background(), e); err != nil {
			slog.Error("ingest: goal record failed", "platform", e.Platform, "err", err)
		}
	}
}

// Handlers returns the raw-payload handler set to hand a platform adapter.
func (p *Pipeline) Handlers(pf core.Platform) platform.Handlers {
	return platform.Handlers{
		OnChat:     func(raw platform.Payload) { p.SubmitChat(pf, raw) },
		OnGift:     func(raw platform.Payload) { p.SubmitGift(pf, raw) },
		OnPaypiggy: func(raw platform.Payload) { p.SubmitPaypiggy(pf, raw) },
		OnStreamStatus: func(raw platform.Payload) {
			live, _ := raw["live"].(bool)
			p.SubmitStreamStatus(pf, live, streamID(raw))
		},
		OnViewerCount: func(raw platform.Payload) {
			count, _ := numberField(raw, "viewerCount")
			p.SubmitViewerCount(pf, int(count), streamID(raw))
		},
	}
}
