// Package ingest turns raw platform payloads into canonical events and
// enforces the per-stream delivery invariants: chronology, self filtering,
// monetization aggregation, and sequential routing to the bus.
package ingest

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/you/streamweave/internal/autherr"
	"github.com/you/streamweave/internal/clock"
	"github.com/you/streamweave/internal/core"
	"github.com/you/streamweave/internal/platform"
)

var ErrInvalidPayload = errors.New("ingest: invalid payload")

// Normalizer converts platform-shaped payloads into canonical events.
// Rejections come back wrapped in ErrInvalidPayload.
type Normalizer struct {
	Clock clock.Clock
}

func NewNormalizer(clk clock.Clock) *Normalizer {
	if clk == nil {
		clk = clock.System()
	}
	return &Normalizer{Clock: clk}
}

// moderationMarkers are payload type values that identify moderation
// actions rather than chat. They are suppressed before identity
// extraction and checked once more after, since some platforms tag the
// action on the author record instead of the envelope.
var moderationMarkers = map[string]bool{
	"moderation":     true,
	"ban":            true,
	"timeout":        true,
	"delete":         true,
	"message_delete": true,
}

func isChatMessagePayload(raw platform.Payload) bool {
	if raw == nil {
		return false
	}
	if t, ok := stringField(raw, "type"); ok && moderationMarkers[strings.ToLower(t)] {
		return false
	}
	if _, ok := raw["moderation"]; ok {
		return false
	}
	return true
}

// Chat normalizes a raw chat payload. Moderation payloads are rejected
// both before and after identity extraction.
func (n *Normalizer) Chat(p core.Platform, raw platform.Payload) (core.Event, error) {
	if !isChatMessagePayload(raw) {
		return core.Event{}, fmt.Errorf("%w: moderation payload suppressed", ErrInvalidPayload)
	}

	id, err := extractIdentity(p, raw)
	if err != nil {
		return core.Event{}, err
	}

	if !isChatMessagePayload(raw) {
		return core.Event{}, fmt.Errorf("%w: moderation payload suppressed", ErrInvalidPayload)
	}

	text, ok := extractChatText(p, raw)
	if !ok {
		return core.Event{}, fmt.Errorf("%w: %s chat payload carries no text", ErrInvalidPayload, p)
	}

	b := core.NewEvent(p, core.TypeChatMessage).
		WithIdentity(id.UserID, id.Username).
		WithText(text).
		WithTimestamp(n.payloadTime(raw)).
		WithStreamID(streamID(raw))
	if msgID, ok := stringField(raw, "id"); ok {
		b.WithID(msgID)
	}
	return b.Build()
}

// Gift normalizes a monetized payload per platform.
func (n *Normalizer) Gift(p core.Platform, raw platform.Payload) (core.Event, error) {
	id, err := extractIdentity(p, raw)
	if err != nil {
		return core.Event{}, err
	}

	var gift core.Gift
	switch p {
	case core.PlatformTikTok:
		gift, err = tiktokGift(raw)
	case core.PlatformTwitch:
		gift, err = twitchBitsGift(raw)
	case core.PlatformYouTube:
		gift, err = youtubeSuperchatGift(raw)
	default:
		err = fmt.Errorf("%w: no gift normalization for %q", ErrInvalidPayload, p)
	}
	if err != nil {
		return core.Event{}, err
	}

	return core.NewEvent(p, core.TypeGift).
		WithIdentity(id.UserID, id.Username).
		WithTimestamp(n.payloadTime(raw)).
		WithStreamID(streamID(raw)).
		WithGift(gift).
		Build()
}

// Paypiggy normalizes subscription and membership payloads.
func (n *Normalizer) Paypiggy(p core.Platform, raw platform.Payload) (core.Event, error) {
	id, err := extractIdentity(p, raw)
	if err != nil {
		return core.Event{}, err
	}

	pp := core.Paypiggy{Platform: p}
	if tier, ok := stringField(raw, "tier"); ok {
		pp.Tier = tier
	}
	if months, ok := numberField(raw, "months"); ok {
		pp.Months = int(months)
	}
	if level, ok := stringField(raw, "membershipLevel"); ok {
		pp.MembershipLevel = level
	}

	return core.NewEvent(p, core.TypePaypiggy).
		WithIdentity(id.UserID, id.Username).
		WithTimestamp(n.payloadTime(raw)).
		WithStreamID(streamID(raw)).
		WithPaypiggy(pp).
		Build()
}

// ViewerCount produces a synthetic viewer-count event.
func (n *Normalizer) ViewerCount(p core.Platform, count int, streamID string) (core.Event, error) {
	if count < 0 {
		count = 0
	}
	return core.NewEvent(p, core.TypeViewerCount).
		Synthetic().
		WithTimestamp(n.Clock.Now()).
		WithStreamID(streamID).
		WithMetadata("viewerCount", count).
		Build()
}

// StreamStatus produces a synthetic live/offline status event.
func (n *Normalizer) StreamStatus(p core.Platform, live bool, streamID string) (core.Event, error) {
	return core.NewEvent(p, core.TypeStreamStatus).
		Synthetic().
		WithTimestamp(n.Clock.Now()).
		WithStreamID(streamID).
		WithMetadata("live", live).
		Build()
}

// StreamDetected reports newly observed live streams.
func (n *Normalizer) StreamDetected(p core.Platform, newIDs, allIDs []string, connections int) (core.Event, error) {
	return core.NewEvent(p, core.TypeStreamDetected).
		Synthetic().
		WithTimestamp(n.Clock.Now()).
		WithMetadata("newStreamIds", newIDs).
		WithMetadata("allStreamIds", allIDs).
		WithMetadata("detectionTime", n.Clock.Now().UTC().Format(time.RFC3339Nano)).
		WithMetadata("connectionCount", connections).
		Build()
}

// ErrorEvent serializes a failure into a canonical error event with a
// derived recoverable flag.
func (n *Normalizer) ErrorEvent(p core.Platform, err error, context map[string]any) (core.Event, error) {
	ae := autherr.Classify(err)
	serialized := map[string]any{"message": ae.Error()}
	if ae.Code != "" {
		serialized["code"] = ae.Code
	}

	b := core.NewEvent(p, core.TypeError).
		Synthetic().
		WithTimestamp(n.Clock.Now()).
		WithMetadata("error", serialized).
		WithMetadata("recoverable", ae.Recoverable)
	if len(context) > 0 {
		b.WithMetadata("context", context)
	}
	return b.Build()
}

// payloadTime extracts the platform-reported event time; missing or
// malformed values fall back to ingest time.
func (n *Normalizer) payloadTime(raw platform.Payload) time.Time {
	if ms, ok := numberField(raw, "timestamp"); ok && ms > 0 {
		return time.UnixMilli(int64(ms)).UTC()
	}
	if s, ok := stringField(raw, "timestamp"); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts
		}
	}
	return n.Clock.Now().UTC()
}

// extractIdentity applies the per-platform identity rules. Missing
// either field rejects the payload.
func extractIdentity(p core.Platform, raw platform.Payload) (core.Identity, error) {
	var id core.Identity
	id.Platform = p

	switch p {
	case core.PlatformTwitch:
		id.Username, _ = stringField(raw, "username")
		id.UserID = coerceString(raw["userId"])
	case core.PlatformYouTube:
		author, _ := raw["author"].(map[string]any)
		if author != nil {
			id.UserID = coerceString(author["channelId"])
			id.Username = coerceString(author["name"])
		}
	case core.PlatformTikTok:
		user, _ := raw["user"].(map[string]any)
		if user != nil {
			id.UserID = coerceString(user["userId"])
			id.Username = coerceString(user["uniqueId"])
		}
	default:
		return id, fmt.Errorf("%w: unsupported platform %q", ErrInvalidPayload, p)
	}

	if !id.Complete() {
		return id, fmt.Errorf("%w: %s identity requires userId and username", ErrInvalidPayload, p)
	}
	return id, nil
}

// extractChatText pulls plain text out of the platform representation,
// including YouTube's fragmented run arrays. Unicode passes through
// untouched.
func extractChatText(p core.Platform, raw platform.Payload) (string, bool) {
	switch p {
	case core.PlatformTikTok:
		if s, ok := stringField(raw, "comment"); ok {
			return s, true
		}
	case core.PlatformYouTube:
		switch msg := raw["message"].(type) {
		case string:
			return msg, true
		case []any:
			var b strings.Builder
			for _, part := range msg {
				switch v := part.(type) {
				case string:
					b.WriteString(v)
				case map[string]any:
					// Run fragments keep their whitespace untouched.
					if s, ok := v["text"].(string); ok && s != "" {
						b.WriteString(s)
					} else if s, ok := v["emoji"].(string); ok && s != "" {
						b.WriteString(s)
					}
				}
			}
			if b.Len() > 0 {
				return b.String(), true
			}
		}
	}
	if s, ok := stringField(raw, "text"); ok {
		return s, true
	}
	if s, ok := stringField(raw, "message"); ok {
		return s, true
	}
	return "", false
}

// tiktokGift validates and converts a TikTok gift payload. The source of
// truth is giftDetails plus the root repeatCount.
func tiktokGift(raw platform.Payload) (core.Gift, error) {
	details, _ := raw["giftDetails"].(map[string]any)
	if details == nil {
		return core.Gift{}, fmt.Errorf("%w: tiktok gift requires giftDetails", ErrInvalidPayload)
	}
	name := coerceString(details["giftName"])
	if name == "" {
		return core.Gift{}, fmt.Errorf("%w: tiktok gift requires giftName", ErrInvalidPayload)
	}
	diamonds, ok := finiteNumber(details["diamondCount"])
	if !ok {
		return core.Gift{}, fmt.Errorf("%w: tiktok gift requires numeric diamondCount", ErrInvalidPayload)
	}
	comboType, ok := finiteNumber(details["giftType"])
	if !ok {
		return core.Gift{}, fmt.Errorf("%w: tiktok gift requires numeric giftType", ErrInvalidPayload)
	}
	repeat, ok := finiteNumber(raw["repeatCount"])
	if !ok || repeat <= 0 {
		return core.Gift{}, fmt.Errorf("%w: tiktok gift requires repeatCount > 0", ErrInvalidPayload)
	}

	g := core.Gift{
		ID:         coerceString(raw["giftId"]),
		GiftType:   name,
		GiftCount:  int(repeat),
		UnitAmount: diamonds,
		Amount:     diamonds * repeat,
		Currency:   "coins",
		Combo:      int(comboType) == 1,
		ComboType:  int(comboType),
		GroupID:    coerceString(raw["groupId"]),
	}
	if end, ok := finiteNumber(raw["repeatEnd"]); ok {
		g.RepeatEnd = int(end)
	}
	return g, nil
}

// twitchBitsGift converts a bits cheer. giftCount is always 1 so the goal
// accumulator's amount*giftCount stays equal to the raw bit total.
func twitchBitsGift(raw platform.Payload) (core.Gift, error) {
	bits, ok := finiteNumber(raw["bits"])
	if !ok || bits <= 0 {
		return core.Gift{}, fmt.Errorf("%w: twitch gift requires bits > 0", ErrInvalidPayload)
	}
	return core.Gift{
		GiftType:   "bits",
		GiftCount:  1,
		UnitAmount: bits,
		Amount:     bits,
		Currency:   "bits",
	}, nil
}

func youtubeSuperchatGift(raw platform.Payload) (core.Gift, error) {
	giftType := coerceString(raw["giftType"])
	switch giftType {
	case "Super Chat", "Super Sticker":
	case "":
		giftType = "Super Chat"
	default:
		return core.Gift{}, fmt.Errorf("%w: unknown youtube gift type %q", ErrInvalidPayload, giftType)
	}
	amount, ok := finiteNumber(raw["amount"])
	if !ok || amount <= 0 {
		return core.Gift{}, fmt.Errorf("%w: youtube superchat requires amount", ErrInvalidPayload)
	}
	currency := coerceString(raw["currency"])
	if currency == "" {
		return core.Gift{}, fmt.Errorf("%w: youtube superchat requires currency", ErrInvalidPayload)
	}
	return core.Gift{
		GiftType:   giftType,
		GiftCount:  1,
		UnitAmount: amount,
		Amount:     amount,
		Currency:   currency,
	}, nil
}

func streamID(raw platform.Payload) string {
	for _, key := range []string{"streamId", "videoId", "roomId"} {
		if s, ok := stringField(raw, key); ok {
			return s
		}
	}
	return ""
}

func stringField(raw platform.Payload, key string) (string, bool) {
	s, ok := raw[key].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

func numberField(raw platform.Payload, key string) (float64, bool) {
	return finiteNumber(raw[key])
}

// finiteNumber accepts JSON numbers and integer types, rejecting NaN and
// infinities.
func finiteNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return n, true
	case float32:
		return finiteNumber(float64(n))
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// coerceString renders scalar payload values as canonical strings;
// numeric user ids become their decimal form.
func coerceString(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		if s == math.Trunc(s) && !math.IsInf(s, 0) {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	}
	return ""
}
