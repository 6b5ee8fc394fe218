package config

import (
	"testing"

	"github.com/you/streamweave/internal/core"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"STREAMWEAVE_HTTP_ADDR", "STREAMWEAVE_TOKEN_STORE_PATH", "STREAMWEAVE_GOALS_SQLITE_PATH",
		"STREAMWEAVE_DISABLE_KEYWORD_PARSING", "STREAMWEAVE_IGNORE_SELF_MESSAGES",
		"STREAMWEAVE_TWITCH_ENABLED", "STREAMWEAVE_TWITCH_CHANNEL", "STREAMWEAVE_TWITCH_USERNAME",
		"STREAMWEAVE_TWITCH_TOKEN", "STREAMWEAVE_TWITCH_CLIENT_ID", "STREAMWEAVE_TWITCH_CLIENT_SECRET",
		"STREAMWEAVE_TWITCH_REFRESH_TOKEN", "STREAMWEAVE_TWITCH_IGNORE_SELF",
		"STREAMWEAVE_YOUTUBE_ENABLED", "STREAMWEAVE_YOUTUBE_CHANNEL", "STREAMWEAVE_YOUTUBE_VIDEO_ID",
		"STREAMWEAVE_YOUTUBE_LIVE_URL", "STREAMWEAVE_YOUTUBE_IGNORE_SELF",
		"STREAMWEAVE_TIKTOK_ENABLED", "STREAMWEAVE_TIKTOK_USERNAME", "STREAMWEAVE_TIKTOK_GATEWAY_URL",
		"STREAMWEAVE_TIKTOK_IGNORE_SELF",
		"TWITCH_CHANNEL", "TWITCH_NICK", "TWITCH_TOKEN", "TWITCH_CLIENT_ID", "TWITCH_CLIENT_SECRET",
		"TWITCH_REFRESH_TOKEN", "YOUTUBE_URL", "TIKTOK_USERNAME",
	} {
		t.Setenv(name, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()
	if cfg.HTTPAddr != ":8427" {
		t.Fatalf("http addr = %q", cfg.HTTPAddr)
	}
	if cfg.TokenStorePath != "tokens.json" || cfg.GoalDBPath != "goals.db" {
		t.Fatalf("paths = %q %q", cfg.TokenStorePath, cfg.GoalDBPath)
	}
	if cfg.DisableKeywordParsing || cfg.IgnoreSelfMessages {
		t.Fatalf("flags on by default: %+v", cfg)
	}
	if got := cfg.EnabledPlatforms(); len(got) != 0 {
		t.Fatalf("platforms enabled with no config: %v", got)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("STREAMWEAVE_HTTP_ADDR", ":9000")
	t.Setenv("STREAMWEAVE_TWITCH_CHANNEL", "streamer")
	t.Setenv("STREAMWEAVE_TWITCH_TOKEN", "tok")
	t.Setenv("STREAMWEAVE_TWITCH_CLIENT_ID", "cid")
	t.Setenv("STREAMWEAVE_TWITCH_CLIENT_SECRET", "cs")
	t.Setenv("STREAMWEAVE_TWITCH_REFRESH_TOKEN", "rt")
	t.Setenv("STREAMWEAVE_YOUTUBE_CHANNEL", "@streamer")
	t.Setenv("STREAMWEAVE_TIKTOK_USERNAME", "@streamer")
	t.Setenv("STREAMWEAVE_DISABLE_KEYWORD_PARSING", "true")

	cfg := Load()
	if cfg.HTTPAddr != ":9000" {
		t.Fatalf("http addr = %q", cfg.HTTPAddr)
	}
	if !cfg.Twitch.Enabled || !cfg.YouTube.Enabled || !cfg.TikTok.Enabled {
		t.Fatalf("platforms not derived from presence: %+v", cfg)
	}
	if got := cfg.EnabledPlatforms(); len(got) != 3 {
		t.Fatalf("platforms = %v", got)
	}
	if !cfg.RefreshEnabled() {
		t.Fatalf("refresh not enabled with full credentials")
	}
	if !cfg.DisableKeywordParsing {
		t.Fatalf("keyword parsing flag not read")
	}
}

func TestLegacyFallbacks(t *testing.T) {
	clearEnv(t)
	t.Setenv("TWITCH_CHANNEL", "legacychan")
	t.Setenv("TWITCH_TOKEN", "legacytok")
	t.Setenv("YOUTUBE_URL", "https://youtube.test/watch?v=x")

	cfg := Load()
	if cfg.Twitch.Channel != "legacychan" || cfg.Twitch.LegacyChannelEnv != "TWITCH_CHANNEL" {
		t.Fatalf("legacy channel not honored: %+v", cfg.Twitch)
	}
	if cfg.Twitch.Token != "legacytok" || cfg.Twitch.LegacyTokenEnv != "TWITCH_TOKEN" {
		t.Fatalf("legacy token not honored: %+v", cfg.Twitch)
	}
	if !cfg.YouTube.Enabled || cfg.YouTube.LiveURL == "" {
		t.Fatalf("legacy youtube url not honored: %+v", cfg.YouTube)
	}

	// The namespaced key wins over the legacy one.
	t.Setenv("STREAMWEAVE_TWITCH_CHANNEL", "newchan")
	cfg = Load()
	if cfg.Twitch.Channel != "newchan" || cfg.Twitch.LegacyChannelEnv != "" {
		t.Fatalf("namespaced key did not win: %+v", cfg.Twitch)
	}
}

func TestIgnoreSelfOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("STREAMWEAVE_IGNORE_SELF_MESSAGES", "true")
	t.Setenv("STREAMWEAVE_TIKTOK_IGNORE_SELF", "false")

	cfg := Load()
	if got, _ := cfg.IgnoreSelf(core.PlatformTwitch); !got {
		t.Fatalf("twitch should inherit the general flag")
	}
	if got, _ := cfg.IgnoreSelf(core.PlatformTikTok); got {
		t.Fatalf("tiktok override ignored")
	}

	// Per-platform enable with the general flag off.
	t.Setenv("STREAMWEAVE_IGNORE_SELF_MESSAGES", "false")
	t.Setenv("STREAMWEAVE_YOUTUBE_IGNORE_SELF", "true")
	cfg = Load()
	if got, _ := cfg.IgnoreSelf(core.PlatformYouTube); !got {
		t.Fatalf("youtube override ignored")
	}
	if got, _ := cfg.IgnoreSelf(core.PlatformTwitch); got {
		t.Fatalf("twitch should follow the general flag off")
	}
}

func TestStreamerNames(t *testing.T) {
	cfg := Config{
		Twitch:  TwitchConfig{Channel: "streamer"},
		YouTube: YouTubeConfig{Channel: "@streamer"},
		TikTok:  TikTokConfig{Username: "@creator"},
	}
	names := cfg.StreamerNames()
	if names[core.PlatformTwitch] != "streamer" {
		t.Fatalf("twitch name = %q", names[core.PlatformTwitch])
	}
	if names[core.PlatformYouTube] != "streamer" || names[core.PlatformTikTok] != "creator" {
		t.Fatalf("handles not stripped: %v", names)
	}
}

func TestRedactedSnapshot(t *testing.T) {
	cfg := Config{
		Twitch: TwitchConfig{
			Enabled:      true,
			Channel:      "streamer",
			Token:        "oauth:secret",
			ClientID:     "abcd",
			ClientSecret: "shh",
			RefreshToken: "refresh",
		},
	}

	summary := cfg.Summary()
	if summary.Twitch.Token != "***REDACTED*** (len=12)" {
		t.Fatalf("token not redacted: %q", summary.Twitch.Token)
	}
	if !summary.Twitch.RefreshEnabled {
		t.Fatalf("refresh enabled not derived")
	}

	redacted := cfg.Redacted()
	twitchRaw := redacted["twitch"].(map[string]any)
	if twitchRaw["client_secret"].(string) != "***REDACTED*** (len=3)" {
		t.Fatalf("client secret = %v", twitchRaw["client_secret"])
	}
	if twitchRaw["channel"].(string) != "streamer" {
		t.Fatalf("channel not preserved: %v", twitchRaw["channel"])
	}
}
