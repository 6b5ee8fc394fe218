package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/you/streamweave/internal/autherr"
	"github.com/you/streamweave/internal/bus"
	"github.com/you/streamweave/internal/config"
	"github.com/you/streamweave/internal/core"
	"github.com/you/streamweave/internal/httpapi"
	"github.com/you/streamweave/internal/ingest"
	"github.com/you/streamweave/internal/ingesttrace"
	"github.com/you/streamweave/internal/lifecycle"
	"github.com/you/streamweave/internal/monetize"
	"github.com/you/streamweave/internal/platform"
	_ "github.com/you/streamweave/internal/platform/tiktoklive"
	"github.com/you/streamweave/internal/platform/twitchchat"
	"github.com/you/streamweave/internal/platform/ytlive"
	"github.com/you/streamweave/internal/retry"
	"github.com/you/streamweave/internal/tokenstore"
	"github.com/you/streamweave/internal/twitchauth"
	"github.com/you/streamweave/internal/version"
	"github.com/you/streamweave/internal/viewercount"
)

const tokenStorePlatform = "twitch"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag     bool
		httpAddr        string
		tokenStorePath  string
		goalsPath       string
		twChannel       string
		ytURL           string
		ttUsername      string
		noMsg           bool
		disableKeywords bool
		httpCorsOrigins string
		httpRateRPS     int
		httpRateBurst   int
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP status/stream address (e.g., :8427)")
	flag.StringVar(&tokenStorePath, "token-store", "", "Path to the JSON token store")
	flag.StringVar(&goalsPath, "goals-sqlite", "", "Path to the SQLite goal totals database")
	flag.StringVar(&twChannel, "twitch-channel", "", "Twitch channel to join (without #)")
	flag.StringVar(&ytURL, "youtube-url", "", "YouTube live/watch URL or @handle")
	flag.StringVar(&ttUsername, "tiktok-username", "", "TikTok username to follow (without @)")
	flag.BoolVar(&noMsg, "no-msg", false, "Suppress console chat and gift notifications")
	flag.BoolVar(&disableKeywords, "disable-keyword-parsing", false, "Disable cheermote text parsing (explicit bits still count)")
	flag.StringVar(&httpCorsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.IntVar(&httpRateRPS, "http-rate-rps", 20, "Maximum HTTP requests per second per client")
	flag.IntVar(&httpRateBurst, "http-rate-burst", 40, "Burst size for HTTP rate limiter")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"aggregator version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	if err := godotenv.Load(); err == nil {
		log.Printf("aggregator: loaded .env")
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg := config.Load()

	if overrides["http-addr"] {
		cfg.HTTPAddr = strings.TrimSpace(httpAddr)
	}
	if overrides["token-store"] {
		cfg.TokenStorePath = strings.TrimSpace(tokenStorePath)
	}
	if overrides["goals-sqlite"] {
		cfg.GoalDBPath = strings.TrimSpace(goalsPath)
	}
	if overrides["twitch-channel"] {
		trimmed := strings.TrimSpace(twChannel)
		cfg.Twitch.Channel = trimmed
		cfg.Twitch.Enabled = trimmed != ""
		cfg.Twitch.LegacyChannelEnv = ""
	}
	if overrides["youtube-url"] {
		trimmed := strings.TrimSpace(ytURL)
		cfg.YouTube.LiveURL = trimmed
		cfg.YouTube.Enabled = trimmed != "" || cfg.YouTube.Channel != "" || cfg.YouTube.VideoID != ""
	}
	if overrides["tiktok-username"] {
		trimmed := strings.TrimSpace(ttUsername)
		cfg.TikTok.Username = trimmed
		cfg.TikTok.Enabled = trimmed != ""
	}
	if disableKeywords {
		cfg.DisableKeywordParsing = true
	}

	if cfg.Twitch.LegacyChannelEnv != "" {
		log.Printf("aggregator: twitch channel read from legacy %s; prefer STREAMWEAVE_TWITCH_CHANNEL", cfg.Twitch.LegacyChannelEnv)
	}
	if cfg.Twitch.LegacyTokenEnv != "" {
		log.Printf("aggregator: twitch token read from legacy %s; prefer STREAMWEAVE_TWITCH_TOKEN", cfg.Twitch.LegacyTokenEnv)
	}

	log.Printf("%s", cfg.SummaryJSON())

	platforms := cfg.EnabledPlatforms()
	if len(platforms) == 0 {
		log.Printf("aggregator: ERROR: no platforms configured. Set STREAMWEAVE_TWITCH_CHANNEL, STREAMWEAVE_YOUTUBE_LIVE_URL, or STREAMWEAVE_TIKTOK_USERNAME.")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("aggregator: received %s, shutting down", sig)
		cancel()
	}()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	logger := platform.Logger{DebugFn: slog.Debug, InfoFn: slog.Info, WarnFn: slog.Warn, ErrorFn: slog.Error}

	monitor := autherr.NewMonitor(nil)

	// The lifecycle service is built after the auth lifecycle, so the
	// refresh-state callback resolves it through a pointer set later.
	var svcRef atomic.Pointer[lifecycle.Service]

	var (
		authLC *twitchauth.Lifecycle
		caller *twitchauth.ReactiveCaller
	)
	if cfg.Twitch.Enabled {
		if ae := twitchauth.ValidateConfig(cfg.Twitch.ClientID, cfg.Twitch.ClientSecret, cfg.Twitch.Token); ae != nil {
			log.Printf("aggregator: twitch credentials look like placeholders: %v", ae)
		}
		seedTokenStore(cfg)

		lc, err := twitchauth.NewLifecycle(cfg.Twitch.ClientID, cfg.Twitch.ClientSecret, cfg.TokenStorePath,
			twitchauth.WithHTTPClient(httpClient),
			twitchauth.WithErrorHandler(func(ae *autherr.AuthError) {
				monitor.Record(ae, 0)
				slog.Warn("twitchauth: auth error", "category", ae.Kind.Category(), "err", ae)
			}),
			twitchauth.WithRefreshState(func(refreshing bool) {
				if s := svcRef.Load(); s != nil {
					s.MarkRefreshing(core.PlatformTwitch, refreshing)
				}
			}))
		if err != nil {
			log.Fatalf("aggregator: token store: %v", err)
		}
		authLC = lc
		caller = twitchauth.NewReactiveCaller(lc)

		if cfg.RefreshEnabled() {
			lc.EnsureValidToken(ctx)
			lc.StartProactiveRefresh()
		}
		if !twitchauth.AuthDisabled() && lc.Token().AccessToken != "" {
			err := caller.Call(ctx, func(callCtx context.Context, access string) error {
				login, err := twitchauth.ValidateLogin(callCtx, httpClient, access)
				if err != nil {
					return err
				}
				log.Printf("aggregator: twitch token validated for %s", login)
				return nil
			})
			if err != nil {
				slog.Warn("aggregator: twitch token validation failed", "err", err)
			}
		}
	}

	b := bus.New(nil)
	backoff := retry.NewBackoff()

	var stopNotify func()
	if !noMsg {
		stopNotify = attachConsoleNotifier(b)
	}

	det := monetize.NewDetector()
	det.DisableKeywordParsing = cfg.DisableKeywordParsing

	goals, err := monetize.OpenGoalStore(cfg.GoalDBPath)
	if err != nil {
		log.Fatalf("aggregator: open goal store: %v", err)
	}
	defer func() {
		if err := goals.Close(); err != nil {
			log.Printf("aggregator: closing goal store: %v", err)
		}
	}()
	if err := goals.Ping(); err != nil {
		log.Fatalf("aggregator: ping goal store: %v", err)
	}

	pipeline := ingest.NewPipeline(
		ingest.NewNormalizer(nil),
		ingest.NewCutoffs(),
		&ingest.SelfFilter{Streamer: cfg.StreamerNames(), Enabled: cfg.IgnoreSelf},
		det,
		goals,
		b,
	)
	trace := ingesttrace.New()
	pipeline.Trace = trace

	svc := lifecycle.NewService(pipeline, b, backoff, nil)
	svcRef.Store(svc)
	svc.Detectors = streamDetectors(cfg, httpClient, logger)
	if authLC != nil {
		svc.CancelRefresh = func(p core.Platform) {
			if p == core.PlatformTwitch {
				authLC.CancelProactiveRefresh()
			}
		}
	}

	deps := platform.Deps{Logger: logger, HTTP: httpClient}
	if authLC != nil {
		deps.TokenProvider = func() string { return authLC.Token().AccessToken }
	} else if cfg.Twitch.Token != "" {
		token := cfg.Twitch.Token
		deps.TokenProvider = func() string { return token }
	}

	results := svc.InitializeAll(ctx, platformConfigs(cfg), deps)
	for p, err := range results {
		if err != nil {
			log.Printf("aggregator: %s initialization failed: %v", p, err)
		} else {
			log.Printf("aggregator: %s initialized", p)
		}
	}
	go func() {
		if !svc.WaitForBackgroundInits(60 * time.Second) {
			slog.Warn("aggregator: background platform inits still pending after 60s")
		}
	}()

	stopWatch := make(chan struct{})
	if authLC != nil {
		if err := tokenstore.Watch(stopWatch, tokenReloader(cfg.TokenStorePath, authLC, b), cfg.TokenStorePath); err != nil {
			slog.Error("aggregator: watch token store", "err", err)
		}
	}

	vcMetrics := viewercount.NewMetrics()
	observers := viewercount.NewObservers()
	observers.Register(func(p core.Platform, count int) {
		pipeline.SubmitViewerCount(p, count, "")
	})
	startViewerPolls(ctx, cfg, svc, b, httpClient, vcMetrics, observers)

	build := httpapi.BuildInfo{Version: version.Version, Revision: version.Commit}
	if version.BuildTime != "" && version.BuildTime != "unknown" {
		if t, err := time.Parse(time.RFC3339, version.BuildTime); err == nil {
			build.BuiltAt = t
		}
	}

	api := httpapi.New(svc, goals, httpapi.Options{
		Addr:           cfg.HTTPAddr,
		Build:          build,
		ConfigSummary:  cfg.Summary(),
		RateRPS:        httpRateRPS,
		RateBurst:      httpRateBurst,
		AllowedOrigins: splitOrigins(httpCorsOrigins),
		ExtraGatherers: []httpapi.Gatherer{monitor.Registry(), det.Registry(), vcMetrics.Registry()},
	})
	detach := api.AttachBus(b)
	go func() {
		if err := api.Start(); err != nil {
			log.Fatalf("aggregator: http api: %v", err)
		}
	}()
	log.Printf("aggregator: http api ready on %s", cfg.HTTPAddr)

	<-ctx.Done()

	close(stopWatch)
	detach()
	if stopNotify != nil {
		stopNotify()
	}
	if authLC != nil {
		authLC.CancelProactiveRefresh()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	svc.Shutdown(shutdownCtx)
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Printf("aggregator: http api shutdown: %v", err)
	}
	cancelShutdown()

	pipeline.Close()
	trace.LogSummary(nil)
	log.Printf("aggregator: shutdown complete")
}

// attachConsoleNotifier prints normalized chat and monetization events to
// the console log. The -no-msg flag keeps the terminal quiet instead.
func attachConsoleNotifier(b *bus.Bus) func() {
	chat := b.Subscribe(core.TypeChatMessage.WireName(), func(e core.Event) {
		log.Printf("[%s] %s: %s", e.Platform, e.Username, e.Text)
	})
	gift := b.Subscribe(core.TypeGift.WireName(), func(e core.Event) {
		if e.Gift == nil {
			return
		}
		log.Printf("[%s] %s gifted %dx %s (%.0f %s)",
			e.Platform, e.Username, e.Gift.GiftCount, e.Gift.GiftType, e.Gift.Amount, e.Gift.Currency)
	})
	paypiggy := b.Subscribe(core.TypePaypiggy.WireName(), func(e core.Event) {
		if e.Paypiggy == nil {
			return
		}
		log.Printf("[%s] %s %s", e.Platform, e.Username, e.Paypiggy.RenderCopy())
	})
	return func() {
		chat()
		gift()
		paypiggy()
	}
}

// seedTokenStore copies env-provided Twitch credentials into the store when
// it has no twitch section, so first runs work without a manual write.
func seedTokenStore(cfg config.Config) {
	if cfg.Twitch.Token == "" && cfg.Twitch.RefreshToken == "" {
		return
	}
	store, err := tokenstore.Load(cfg.TokenStorePath)
	if err != nil {
		log.Printf("aggregator: token store: %v", err)
		return
	}
	if _, ok := store.Get(tokenStorePlatform); ok {
		return
	}
	tok := tokenstore.Token{AccessToken: cfg.Twitch.Token, RefreshToken: cfg.Twitch.RefreshToken}
	if err := store.Set(tokenStorePlatform, tok); err != nil {
		log.Printf("aggregator: seed token store: %v", err)
		return
	}
	if err := store.Save(cfg.TokenStorePath); err != nil {
		log.Printf("aggregator: seed token store: %v", err)
		return
	}
	log.Printf("aggregator: seeded token store from environment")
}

// tokenReloader reacts to external rotations of the store file: credentials
// that differ from memory are adopted and the platform is reset through the
// config-updated bus event.
func tokenReloader(path string, lc *twitchauth.Lifecycle, b *bus.Bus) func() {
	return func() {
		store, err := tokenstore.Load(path)
		if err != nil {
			slog.Error("aggregator: reload token store", "err", err)
			return
		}
		tok, ok := store.Get(tokenStorePlatform)
		if !ok || strings.TrimSpace(tok.AccessToken) == "" {
			return
		}
		cur := lc.Token()
		if tok.AccessToken == cur.AccessToken && tok.RefreshToken == cur.RefreshToken {
			return
		}

		slog.Info("aggregator: token store rotated externally; adopting credentials")
		lc.UpdateTokens(twitchauth.TokenData{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken})

		ev, err := core.NewEvent(core.PlatformTwitch, core.TypeConnection).
			Synthetic().
			WithMetadata("platform", string(core.PlatformTwitch)).
			WithMetadata("reason", "token-rotation").
			Build()
		if err == nil {
			b.Publish(lifecycle.ConfigUpdatedEvent, ev)
		}
	}
}

// streamDetectors wires the per-platform live-stream detectors. Platforms
// left out here surface "detection unavailable" from the lifecycle.
func streamDetectors(cfg config.Config, hc *http.Client, logger platform.Logger) map[core.Platform]lifecycle.StreamDetector {
	detectors := make(map[core.Platform]lifecycle.StreamDetector)

	if cfg.Twitch.Enabled && cfg.Twitch.ClientID != "" && cfg.Twitch.ClientSecret != "" {
		detectors[core.PlatformTwitch] = &twitchchat.Detector{
			Login:        cfg.Twitch.Channel,
			ClientID:     cfg.Twitch.ClientID,
			ClientSecret: cfg.Twitch.ClientSecret,
			HTTP:         hc,
			Logger:       logger,
		}
	}
	if cfg.YouTube.Enabled {
		target := cfg.YouTube.LiveURL
		if cfg.YouTube.VideoID != "" {
			target = "https://www.youtube.com/watch?v=" + cfg.YouTube.VideoID
		}
		if target == "" {
			target = cfg.YouTube.Channel
		}
		detectors[core.PlatformYouTube] = &ytlive.Detector{Target: target, HTTP: hc, Logger: logger}
	}
	return detectors
}

// platformConfigs maps the loaded configuration onto per-platform adapter
// configs, carrying transport knobs through Settings.
func platformConfigs(cfg config.Config) map[core.Platform]*platform.Config {
	configs := make(map[core.Platform]*platform.Config)

	if cfg.Twitch.Enabled {
		configs[core.PlatformTwitch] = &platform.Config{
			Username: cfg.Twitch.Username,
			Channel:  cfg.Twitch.Channel,
			Token:    cfg.Twitch.Token,
			ClientID: cfg.Twitch.ClientID,
		}
	}
	if cfg.YouTube.Enabled {
		settings := map[string]any{}
		if cfg.YouTube.LiveURL != "" {
			settings["liveUrl"] = cfg.YouTube.LiveURL
		}
		if cfg.YouTube.VideoID != "" {
			settings["videoId"] = cfg.YouTube.VideoID
		}
		configs[core.PlatformYouTube] = &platform.Config{
			Channel:  cfg.YouTube.Channel,
			Settings: settings,
		}
	}
	if cfg.TikTok.Enabled {
		settings := map[string]any{}
		if cfg.TikTok.GatewayURL != "" {
			settings["gatewayUrl"] = cfg.TikTok.GatewayURL
		}
		configs[core.PlatformTikTok] = &platform.Config{
			Username: cfg.TikTok.Username,
			Settings: settings,
		}
	}
	return configs
}

// startViewerPolls runs one poll loop per enabled platform. Each tracker's
// limiter paces the loop, so the goroutines spin no faster than the cadence.
func startViewerPolls(
	ctx context.Context,
	cfg config.Config,
	svc *lifecycle.Service,
	b *bus.Bus,
	hc *http.Client,
	metrics *viewercount.Metrics,
	observers *viewercount.Observers,
) {
	var trackers []*viewercount.Tracker

	if cfg.Twitch.Enabled && cfg.Twitch.ClientID != "" && cfg.Twitch.ClientSecret != "" {
		trackers = append(trackers, viewercount.NewTracker(&viewercount.TwitchProvider{
			ClientID:     cfg.Twitch.ClientID,
			ClientSecret: cfg.Twitch.ClientSecret,
			Login:        cfg.Twitch.Channel,
			HTTP:         hc,
		}, metrics))
	}
	if cfg.YouTube.Enabled {
		var latestVideo atomic.Value
		latestVideo.Store(cfg.YouTube.VideoID)
		b.Subscribe(core.TypeStreamDetected.WireName(), func(e core.Event) {
			if e.Platform != core.PlatformYouTube {
				return
			}
			if ids, ok := e.Metadata["newStreamIds"].([]string); ok && len(ids) > 0 {
				latestVideo.Store(ids[len(ids)-1])
			}
		})
		trackers = append(trackers, viewercount.NewTracker(&viewercount.YouTubeProvider{
			VideoIDFn: func() string {
				v, _ := latestVideo.Load().(string)
				return v
			},
			HTTP: hc,
		}, metrics))
	}
	if cfg.TikTok.Enabled {
		trackers = append(trackers, viewercount.NewTracker(&viewercount.TikTokProvider{
			RoomInfo: func(roomCtx context.Context) (int, error) {
				if ri, ok := svc.GetPlatform(core.PlatformTikTok).(interface {
					RoomInfo(context.Context) (int, error)
				}); ok {
					return ri.RoomInfo(roomCtx)
				}
				return 0, errors.New("tiktok adapter unavailable")
			},
		}, metrics))
	}

	for _, tr := range trackers {
		tr := tr
		go func() {
			for ctx.Err() == nil {
				count := tr.Fetch(ctx)
				if ctx.Err() != nil {
					return
				}
				observers.Broadcast(tr.Platform(), count)
			}
		}()
	}
}

func splitOrigins(raw string) []string {
	var out []string
	for _, origin := range strings.Split(raw, ",") {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			out = append(out, origin)
		}
	}
	return out
}
