package ytlive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/you/streamweave/internal/platform"
)

const defaultDetectInterval = 30 * time.Second

// Detector polls a channel's live page and reports each newly live video
// id. It satisfies the stream detector surface the platform lifecycle
// consumes.
type Detector struct {
	// Target is a channel handle ("@streamer"), a watch URL, or a full
	// live URL.
	Target   string
	HTTP     *http.Client
	Interval time.Duration
	Logger   platform.Logger
}

// Detect polls until ctx dies, invoking connect once per newly observed
// live video id. Transient fetch failures back off and retry; only an
// unusable target is a hard error.
func (d *Detector) Detect(ctx context.Context, connect func(streamID string)) error {
	target, err := normalizeTarget(d.Target)
	if err != nil {
		return err
	}

	hc := d.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultDetectInterval
	}

	backoff := time.Second
	lastLive := ""
	for ctx.Err() == nil {
		videoID, live, err := d.probe(ctx, hc, target)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			d.Logger.Warn("ytlive: detection probe failed", "err", err, "retryIn", backoff.String())
			if !sleepContext(ctx, backoff) {
				return nil
			}
			backoff = doubleCapped(backoff, interval)
			continue
		case live && videoID != "" && videoID != lastLive:
			lastLive = videoID
			connect(videoID)
		case !live:
			lastLive = ""
		}

		backoff = time.Second
		if !sleepContext(ctx, interval) {
			return nil
		}
	}
	return nil
}

// probe fetches the target page once and reads the live state out of the
// embedded player response.
func (d *Detector) probe(ctx context.Context, hc *http.Client, target string) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", false, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := hc.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", false, fmt.Errorf("ytlive: probe status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return "", false, err
	}
	text := string(body)

	videoID := extractString(text, `"videoId":"`)
	if videoID == "" {
		return "", false, nil
	}
	return videoID, pageIsLive(text), nil
}

func pageIsLive(body string) bool {
	lowered := strings.ToLower(body)
	switch {
	case strings.Contains(lowered, `"islivenow":true`):
		return true
	case strings.Contains(lowered, `"islive":true`):
		return true
	case strings.Contains(lowered, "livechatrenderer"):
		return true
	}
	return false
}

// normalizeTarget coerces handles and shorthand into a fetchable URL.
func normalizeTarget(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.New("ytlive: detection target is required")
	}
	if strings.HasPrefix(trimmed, "@") {
		return "https://www.youtube.com/" + trimmed + "/live", nil
	}
	if !strings.Contains(trimmed, "://") {
		return "https://www.youtube.com/@" + trimmed + "/live", nil
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return "", fmt.Errorf("ytlive: invalid detection target: %w", err)
	}
	return trimmed, nil
}
