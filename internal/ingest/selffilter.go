package ingest

import (
	"strings"

	"github.com/you/streamweave/internal/core"
	"github.com/you/streamweave/internal/platform"
)

// FlagFunc resolves whether self-message filtering is enabled for a
// platform. Implementations apply the per-platform override of the
// general flag; an error means the answer could not be determined.
type FlagFunc func(p core.Platform) (bool, error)

// SelfFilter drops events authored by the streamer identity. Any failure
// to read configuration fails open: the event is kept.
type SelfFilter struct {
	// Streamer maps each platform to the streamer's canonical username
	// there. Empty entries disable username matching for that platform.
	Streamer map[core.Platform]string
	// StreamerID holds the streamer's userId per platform where known.
	StreamerID map[core.Platform]string

	Enabled FlagFunc
}

// ShouldFilter reports whether the raw payload was authored by the
// streamer and filtering is enabled for the platform.
func (f *SelfFilter) ShouldFilter(p core.Platform, raw platform.Payload) bool {
	if f == nil || f.Enabled == nil || raw == nil {
		return false
	}
	enabled, err := f.Enabled(p)
	if err != nil || !enabled {
		return false
	}

	streamer := strings.TrimSpace(f.Streamer[p])

	switch p {
	case core.PlatformTwitch:
		if b, ok := raw["self"].(bool); ok && b {
			return true
		}
		if matchUsername(streamer, coerceString(raw["username"])) {
			return true
		}
		if ctx, ok := raw["context"].(map[string]any); ok {
			if matchUsername(streamer, coerceString(ctx["username"])) {
				return true
			}
		}
	case core.PlatformYouTube:
		author, _ := raw["author"].(map[string]any)
		if author != nil {
			if matchUsername(streamer, coerceString(author["name"])) {
				return true
			}
			if b, ok := author["isChatOwner"].(bool); ok && b {
				return true
			}
		}
		if b, ok := raw["isBroadcaster"].(bool); ok && b {
			return true
		}
		if badges, ok := raw["badges"].([]any); ok {
			for _, badge := range badges {
				if strings.EqualFold(coerceString(badge), "Owner") {
					return true
				}
			}
		}
	case core.PlatformTikTok:
		user, _ := raw["user"].(map[string]any)
		if user != nil {
			if matchUsername(streamer, coerceString(user["uniqueId"])) {
				return true
			}
			if id := strings.TrimSpace(f.StreamerID[p]); id != "" && coerceString(user["userId"]) == id {
				return true
			}
		}
	}
	return false
}

func matchUsername(streamer, candidate string) bool {
	return streamer != "" && candidate != "" && strings.EqualFold(streamer, candidate)
}
