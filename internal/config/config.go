// Package config loads the aggregator configuration from the
// environment. STREAMWEAVE_* keys are authoritative; the bare legacy
// names older deployments exported still work as fallbacks.
package config

import (
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/you/streamweave/internal/core"
)

type Config struct {
	HTTPAddr       string
	TokenStorePath string
	GoalDBPath     string

	// DisableKeywordParsing turns off cheermote text scanning; explicit
	// bits fields still count.
	DisableKeywordParsing bool

	// IgnoreSelfMessages is the general self-filter flag. Per-platform
	// overrides live on the platform sections.
	IgnoreSelfMessages bool

	Twitch  TwitchConfig
	YouTube YouTubeConfig
	TikTok  TikTokConfig
}

type TwitchConfig struct {
	Enabled      bool
	Channel      string
	Username     string
	Token        string
	ClientID     string
	ClientSecret string
	RefreshToken string

	// IgnoreSelf overrides the general flag when set.
	IgnoreSelf *bool

	LegacyChannelEnv string
	LegacyTokenEnv   string
}

type YouTubeConfig struct {
	Enabled bool
	Channel string
	VideoID string
	LiveURL string

	IgnoreSelf *bool
}

type TikTokConfig struct {
	Enabled    bool
	Username   string
	GatewayURL string

	IgnoreSelf *bool
}

const (
	defaultHTTPAddr   = ":8427"
	defaultTokenPath  = "tokens.json"
	defaultGoalDBPath = "goals.db"
)

func Load() Config {
	cfg := Config{}

	cfg.HTTPAddr = readString("STREAMWEAVE_HTTP_ADDR", defaultHTTPAddr)
	cfg.TokenStorePath = readString("STREAMWEAVE_TOKEN_STORE_PATH", defaultTokenPath)
	cfg.GoalDBPath = readString("STREAMWEAVE_GOALS_SQLITE_PATH", defaultGoalDBPath)
	cfg.DisableKeywordParsing = readBool("STREAMWEAVE_DISABLE_KEYWORD_PARSING", false)
	cfg.IgnoreSelfMessages = readBool("STREAMWEAVE_IGNORE_SELF_MESSAGES", false)

	cfg.Twitch.Channel = readString("STREAMWEAVE_TWITCH_CHANNEL", "")
	if cfg.Twitch.Channel == "" {
		if legacy := strings.TrimSpace(os.Getenv("TWITCH_CHANNEL")); legacy != "" {
			cfg.Twitch.Channel = legacy
			cfg.Twitch.LegacyChannelEnv = "TWITCH_CHANNEL"
		}
	}
	cfg.Twitch.Username = firstEnv("STREAMWEAVE_TWITCH_USERNAME", "TWITCH_NICK")
	cfg.Twitch.Token = readString("STREAMWEAVE_TWITCH_TOKEN", "")
	if cfg.Twitch.Token == "" {
		if legacy := strings.TrimSpace(os.Getenv("TWITCH_TOKEN")); legacy != "" {
			cfg.Twitch.Token = legacy
			cfg.Twitch.LegacyTokenEnv = "TWITCH_TOKEN"
		}
	}
	cfg.Twitch.ClientID = firstEnv("STREAMWEAVE_TWITCH_CLIENT_ID", "TWITCH_CLIENT_ID")
	cfg.Twitch.ClientSecret = firstEnv("STREAMWEAVE_TWITCH_CLIENT_SECRET", "TWITCH_CLIENT_SECRET")
	cfg.Twitch.RefreshToken = firstEnv("STREAMWEAVE_TWITCH_REFRESH_TOKEN", "TWITCH_REFRESH_TOKEN")
	cfg.Twitch.Enabled = readBool("STREAMWEAVE_TWITCH_ENABLED", cfg.Twitch.Channel != "")
	cfg.Twitch.IgnoreSelf = readOptionalBool("STREAMWEAVE_TWITCH_IGNORE_SELF")

	cfg.YouTube.Channel = readString("STREAMWEAVE_YOUTUBE_CHANNEL", "")
	cfg.YouTube.VideoID = readString("STREAMWEAVE_YOUTUBE_VIDEO_ID", "")
	cfg.YouTube.LiveURL = firstEnv("STREAMWEAVE_YOUTUBE_LIVE_URL", "YOUTUBE_URL")
	cfg.YouTube.Enabled = readBool("STREAMWEAVE_YOUTUBE_ENABLED",
		cfg.YouTube.Channel != "" || cfg.YouTube.VideoID != "" || cfg.YouTube.LiveURL != "")
	cfg.YouTube.IgnoreSelf = readOptionalBool("STREAMWEAVE_YOUTUBE_IGNORE_SELF")

	cfg.TikTok.Username = firstEnv("STREAMWEAVE_TIKTOK_USERNAME", "TIKTOK_USERNAME")
	cfg.TikTok.GatewayURL = readString("STREAMWEAVE_TIKTOK_GATEWAY_URL", "")
	cfg.TikTok.Enabled = readBool("STREAMWEAVE_TIKTOK_ENABLED", cfg.TikTok.Username != "")
	cfg.TikTok.IgnoreSelf = readOptionalBool("STREAMWEAVE_TIKTOK_IGNORE_SELF")

	return cfg
}

// EnabledPlatforms lists the platforms configured for connection, in
// stable order.
func (c Config) EnabledPlatforms() []core.Platform {
	var out []core.Platform
	if c.Twitch.Enabled {
		out = append(out, core.PlatformTwitch)
	}
	if c.YouTube.Enabled {
		out = append(out, core.PlatformYouTube)
	}
	if c.TikTok.Enabled {
		out = append(out, core.PlatformTikTok)
	}
	return out
}

// IgnoreSelf resolves the self-filter flag for one platform: the
// platform override when set, otherwise the general flag. The error
// return exists for the filter contract; loading never fails.
func (c Config) IgnoreSelf(p core.Platform) (bool, error) {
	var override *bool
	switch p {
	case core.PlatformTwitch:
		override = c.Twitch.IgnoreSelf
	case core.PlatformYouTube:
		override = c.YouTube.IgnoreSelf
	case core.PlatformTikTok:
		override = c.TikTok.IgnoreSelf
	}
	if override != nil {
		return *override, nil
	}
	return c.IgnoreSelfMessages, nil
}

// StreamerNames maps each platform to the streamer identity used for
// self filtering.
func (c Config) StreamerNames() map[core.Platform]string {
	out := map[core.Platform]string{}
	if name := strings.TrimSpace(c.Twitch.Channel); name != "" {
		out[core.PlatformTwitch] = name
	}
	if name := strings.TrimPrefix(strings.TrimSpace(c.YouTube.Channel), "@"); name != "" {
		out[core.PlatformYouTube] = name
	}
	if name := strings.TrimPrefix(strings.TrimSpace(c.TikTok.Username), "@"); name != "" {
		out[core.PlatformTikTok] = name
	}
	return out
}

func readString(name, def string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	return v
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func readOptionalBool(name string) *bool {
	raw, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return nil
	}
	return &v
}

func (c Config) Summary() Summary {
	return Summary{
		HTTPAddr:       c.HTTPAddr,
		TokenStorePath: c.TokenStorePath,
		GoalDBPath:     c.GoalDBPath,
		Platforms:      platformNames(c.EnabledPlatforms()),
		KeywordParsing: !c.DisableKeywordParsing,
		IgnoreSelf:     c.IgnoreSelfMessages,
		Twitch: TwitchSummary{
			Enabled:        c.Twitch.Enabled,
			Channel:        c.Twitch.Channel,
			Username:       c.Twitch.Username,
			Token:          redactString(c.Twitch.Token),
			ClientID:       redactString(c.Twitch.ClientID),
			ClientSecret:   redactString(c.Twitch.ClientSecret),
			RefreshToken:   redactString(c.Twitch.RefreshToken),
			RefreshEnabled: c.RefreshEnabled(),
		},
		YouTube: YouTubeSummary{
			Enabled: c.YouTube.Enabled,
			Channel: c.YouTube.Channel,
			VideoID: c.YouTube.VideoID,
			LiveURL: c.YouTube.LiveURL,
		},
		TikTok: TikTokSummary{
			Enabled:  c.TikTok.Enabled,
			Username: c.TikTok.Username,
			Relay:    c.TikTok.GatewayURL != "",
		},
	}
}

// RefreshEnabled reports whether token refresh has everything it needs.
func (c Config) RefreshEnabled() bool {
	return c.Twitch.ClientID != "" && c.Twitch.ClientSecret != "" && c.Twitch.RefreshToken != ""
}

type Summary struct {
	HTTPAddr       string         `json:"http_addr"`
	TokenStorePath string         `json:"token_store_path"`
	GoalDBPath     string         `json:"goal_db_path"`
	Platforms      []string       `json:"platforms"`
	KeywordParsing bool           `json:"keyword_parsing"`
	IgnoreSelf     bool           `json:"ignore_self"`
	Twitch         TwitchSummary  `json:"twitch"`
	YouTube        YouTubeSummary `json:"youtube"`
	TikTok         TikTokSummary  `json:"tiktok"`
}

type TwitchSummary struct {
	Enabled        bool   `json:"enabled"`
	Channel        string `json:"channel,omitempty"`
	Username       string `json:"username,omitempty"`
	Token          string `json:"token,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	ClientSecret   string `json:"client_secret,omitempty"`
	RefreshToken   string `json:"refresh_token,omitempty"`
	RefreshEnabled bool   `json:"refresh_enabled"`
}

type YouTubeSummary struct {
	Enabled bool   `json:"enabled"`
	Channel string `json:"channel,omitempty"`
	VideoID string `json:"video_id,omitempty"`
	LiveURL string `json:"live_url,omitempty"`
}

type TikTokSummary struct {
	Enabled  bool   `json:"enabled"`
	Username string `json:"username,omitempty"`
	Relay    bool   `json:"relay"`
}

func (c Config) Redacted() map[string]any {
	return map[string]any{
		"http_addr":        c.HTTPAddr,
		"token_store_path": c.TokenStorePath,
		"goal_db_path":     c.GoalDBPath,
		"keyword_parsing":  !c.DisableKeywordParsing,
		"ignore_self":      c.IgnoreSelfMessages,
		"platforms":        platformNames(c.EnabledPlatforms()),
		"twitch": map[string]any{
			"enabled":         c.Twitch.Enabled,
			"channel":         c.Twitch.Channel,
			"username":        c.Twitch.Username,
			"token":           redactString(c.Twitch.Token),
			"client_id":       redactString(c.Twitch.ClientID),
			"client_secret":   redactString(c.Twitch.ClientSecret),
			"refresh_token":   redactString(c.Twitch.RefreshToken),
			"refresh_enabled": c.RefreshEnabled(),
		},
		"youtube": map[string]any{
			"enabled":  c.YouTube.Enabled,
			"channel":  c.YouTube.Channel,
			"video_id": c.YouTube.VideoID,
			"live_url": c.YouTube.LiveURL,
		},
		"tiktok": map[string]any{
			"enabled":  c.TikTok.Enabled,
			"username": c.TikTok.Username,
			"relay":    c.TikTok.GatewayURL != "",
		},
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}

func platformNames(platforms []core.Platform) []string {
	out := make([]string, 0, len(platforms))
	for _, p := range platforms {
		out = append(out, string(p))
	}
	sort.Strings(out)
	return out
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}
