// Package monetize identifies monetized events across platforms,
// coalesces TikTok combo gift bursts, and persists goal totals.
package monetize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/you/streamweave/internal/core"
	"github.com/you/streamweave/internal/platform"
)

// Detection is the detector verdict for one payload.
type Detection struct {
	Detected bool
	Type     string // twitch_bits, youtube_superchat, tiktok_gift
	Details  map[string]any
	Err      error
}

// cheermotePattern matches Twitch cheermote tokens such as Cheer100 or
// ShowLove50 anywhere in chat text, case insensitive.
var cheermotePattern = regexp.MustCompile(`(?i)\b(cheer|showlove)(\d+)\b`)

// Detector classifies payloads as monetized or not and records metrics.
type Detector struct {
	// DisableKeywordParsing turns off cheermote text scanning; explicit
	// bits fields still count.
	DisableKeywordParsing bool

	registry   *prometheus.Registry
	detections *prometheus.CounterVec
}

func NewDetector() *Detector {
	d := &Detector{registry: prometheus.NewRegistry()}
	d.detections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamweave",
		Subsystem: "monetize",
		Name:      "detections_total",
		Help:      "Monetized events detected, labelled by type.",
	}, []string{"type"})
	d.registry.MustRegister(d.detections)
	return d
}

// Registry exposes the detector's metrics registry for the HTTP API.
func (d *Detector) Registry() *prometheus.Registry { return d.registry }

// Detect inspects a raw payload for monetization markers.
func (d *Detector) Detect(raw platform.Payload, p core.Platform) Detection {
	if raw == nil {
		return Detection{Err: fmt.Errorf("monetize: nil payload")}
	}

	var det Detection
	switch p {
	case core.PlatformTwitch:
		det = detectTwitchBits(raw, !d.DisableKeywordParsing)
	case core.PlatformYouTube:
		det = detectYouTubeSuperchat(raw)
	case core.PlatformTikTok:
		det = detectTikTokGift(raw)
	default:
		det = Detection{Err: fmt.Errorf("monetize: unsupported platform %q", p)}
	}

	if det.Detected {
		d.detections.WithLabelValues(det.Type).Inc()
	}
	return det
}

// detectTwitchBits recognizes bits either from the payload's bits field or
// by parsing cheermote tokens out of the chat text and summing them.
func detectTwitchBits(raw platform.Payload, parseKeywords bool) Detection {
	total := 0
	if bits, ok := asNumber(raw["bits"]); ok && bits > 0 {
		total = int(bits)
	}

	parsed := 0
	if parseKeywords {
		text, _ := raw["text"].(string)
		if text == "" {
			text, _ = raw["message"].(string)
		}
		for _, m := range cheermotePattern.FindAllStringSubmatch(text, -1) {
			if n, err := strconv.Atoi(m[2]); err == nil {
				parsed += n
			}
		}
	}
	if total == 0 {
		total = parsed
	}

	if total <= 0 {
		return Detection{}
	}
	return Detection{
		Detected: true,
		Type:     "twitch_bits",
		Details:  map[string]any{"bits": total, "parsedFromText": parsed > 0 && total == parsed},
	}
}

func detectYouTubeSuperchat(raw platform.Payload) Detection {
	amount, ok := asNumber(raw["amount"])
	if !ok || amount <= 0 {
		return Detection{}
	}
	currency, _ := raw["currency"].(string)
	if strings.TrimSpace(currency) == "" {
		return Detection{Err: fmt.Errorf("monetize: superchat amount without currency")}
	}
	return Detection{
		Detected: true,
		Type:     "youtube_superchat",
		Details:  map[string]any{"amount": amount, "currency": currency},
	}
}

func detectTikTokGift(raw platform.Payload) Detection {
	details, _ := raw["giftDetails"].(map[string]any)
	if details == nil {
		return Detection{}
	}
	count, ok := asNumber(raw["repeatCount"])
	if !ok {
		count, ok = asNumber(raw["giftCount"])
	}
	if !ok || count <= 0 {
		return Detection{Err: fmt.Errorf("monetize: tiktok gift without numeric giftCount")}
	}
	return Detection{
		Detected: true,
		Type:     "tiktok_gift",
		Details:  map[string]any{"giftName": details["giftName"], "giftCount": int(count)},
	}
}

// asNumber accepts JSON numbers, integer types, and numeric strings.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}
