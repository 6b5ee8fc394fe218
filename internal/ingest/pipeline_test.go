package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/you/streamweave/internal/bus"
	"github.com/you/streamweave/internal/clock"
	"github.com/you/streamweave/internal/core"
	"github.com/you/streamweave/internal/monetize"
	"github.com/you/streamweave/internal/platform"
)

type memGoals struct {
	mu    sync.Mutex
	total float64
}

func (g *memGoals) Record(_ context.Context, e core.Event) error {
	g.mu.Lock()
	g.total += e.Gift.UnitAmount * float64(e.Gift.GiftCount)
	g.mu.Unlock()
	return nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *bus.Bus, *memGoals) {
	t.Helper()
	b := bus.New(func(event string, err error) { t.Errorf("bus error on %s: %v", event, err) })
	goals := &memGoals{}
	self := &SelfFilter{
		Streamer: map[core.Platform]string{core.PlatformTwitch: "streamer"},
		Enabled:  func(core.Platform) (bool, error) { return true, nil },
	}
	n := NewNormalizer(clock.NewFake(time.Unix(1_700_000_000, 0)))
	p := NewPipeline(n, NewCutoffs(), self, monetize.NewDetector(), goals, b)
	t.Cleanup(p.Close)
	return p, b, goals
}

func TestPipeline_HundredBitsCheer(t *testing.T) {
	p, b, goals := newTestPipeline(t)

	var chats, gifts []core.Event
	b.Subscribe(core.TypeChatMessage.WireName(), func(e core.Event) { chats = append(chats, e) })
	b.Subscribe(core.TypeGift.WireName(), func(e core.Event) { gifts = append(gifts, e) })

	p.SubmitChat(core.PlatformTwitch, platform.Payload{
		"username": "cheerer", "userId": "42",
		"text": "Cheer100 great stream", "bits": float64(100),
	})

	if len(chats) != 1 {
		t.Fatalf("chats = %d", len(chats))
	}
	if len(gifts) != 1 {
		t.Fatalf("gifts = %d", len(gifts))
	}
	g := gifts[0].Gift
	if g.GiftType != "bits" || g.GiftCount != 1 || g.Amount != 100 || g.Currency != "bits" {
		t.Fatalf("gift = %+v", g)
	}
	if goals.total != 100 {
		t.Fatalf("goal total = %v; must be 100, never 10000", goals.total)
	}
}

func TestPipeline_ChronologyDrop(t *testing.T) {
	p, b, _ := newTestPipeline(t)
	p.Cutoffs.Set(core.PlatformYouTube, "vid1", time.Unix(1_700_000_100, 0).UnixMicro())

	var delivered []core.Event
	b.Subscribe(core.TypeChatMessage.WireName(), func(e core.Event) { delivered = append(delivered, e) })

	old := platform.Payload{
		"author":    map[string]any{"channelId": "UCabc", "name": "Watcher"},
		"message":   "replayed",
		"videoId":   "vid1",
		"timestamp": float64(time.Unix(1_700_000_050, 0).UnixMilli()),
	}
	fresh := platform.Payload{
		"author":    map[string]any{"channelId": "UCabc", "name": "Watcher"},
		"message":   "live",
		"videoId":   "vid1",
		"timestamp": float64(time.Unix(1_700_000_200, 0).UnixMilli()),
	}
	p.SubmitChat(core.PlatformYouTube, old)
	p.SubmitChat(core.PlatformYouTube, fresh)

	if len(delivered) != 1 || delivered[0].Text != "live" {
		t.Fatalf("delivered = %+v", delivered)
	}
}

func TestPipeline_SelfFiltered(t *testing.T) {
	p, b, _ := newTestPipeline(t)

	var delivered []core.Event
	b.Subscribe(core.TypeChatMessage.WireName(), func(e core.Event) { delivered = append(delivered, e) })

	p.SubmitChat(core.PlatformTwitch, platform.Payload{
		"username": "streamer", "userId": "1", "text": "testing my own chat",
	})
	if len(delivered) != 0 {
		t.Fatalf("self message delivered: %+v", delivered)
	}
}

func TestPipeline_TikTokComboThroughAggregator(t *testing.T) {
	p, b, goals := newTestPipeline(t)

	gifts := make(chan core.Event, 4)
	b.Subscribe(core.TypeGift.WireName(), func(e core.Event) { gifts <- e })

	raw := func(repeat int, repeatEnd int) platform.Payload {
		return platform.Payload{
			"user":        map[string]any{"userId": "9", "uniqueId": "sender"},
			"giftDetails": map[string]any{"giftName": "Rose", "diamondCount": float64(10), "giftType": float64(1)},
			"repeatCount": float64(repeat),
			"repeatEnd":   float64(repeatEnd),
		}
	}

	p.SubmitGift(core.PlatformTikTok, raw(1, 0))
	p.SubmitGift(core.PlatformTikTok, raw(2, 1))

	select {
	case e := <-gifts:
		if e.Gift.GiftCount != 2 || e.Gift.Amount != 20 {
			t.Fatalf("aggregated gift = %+v", e.Gift)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("aggregated gift never emitted")
	}
	select {
	case e := <-gifts:
		t.Fatalf("extra gift emitted: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}

	goals.mu.Lock()
	defer goals.mu.Unlock()
	if goals.total != 20 {
		t.Fatalf("goal total = %v", goals.total)
	}
}

func TestPipeline_PaypiggyAndHandlers(t *testing.T) {
	p, b, _ := newTestPipeline(t)

	var pigs []core.Event
	b.Subscribe(core.TypePaypiggy.WireName(), func(e core.Event) { pigs = append(pigs, e) })

	h := p.Handlers(core.PlatformYouTube)
	h.OnPaypiggy(platform.Payload{
		"author": map[string]any{"channelId": "UCabc", "name": "Fan"},
		"tier":   "superfan",
		"months": float64(3),
	})

	if len(pigs) != 1 {
		t.Fatalf("paypiggy = %d", len(pigs))
	}
	pp := pigs[0].Paypiggy
	if pp.Tier != "superfan" || pp.Months != 3 || pp.RenderCopy() != "SuperFan" {
		t.Fatalf("paypiggy = %+v", pp)
	}
}
