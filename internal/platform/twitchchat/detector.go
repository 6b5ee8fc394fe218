package twitchchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/you/streamweave/internal/platform"
)

// Endpoint vars so tests can point probes at a local server.
var (
	helixBase     = "https://api.twitch.tv/helix"
	helixTokenURL = "https://id.twitch.tv/oauth2/token"
)

const defaultDetectInterval = 30 * time.Second

// Detector polls Helix /streams for the channel going live and reports
// each new stream id. It satisfies the stream detector surface the
// platform lifecycle consumes.
type Detector struct {
	Login        string
	ClientID     string
	ClientSecret string
	HTTP         *http.Client
	Interval     time.Duration
	Logger       platform.Logger

	mu    sync.Mutex
	token string
	exp   time.Time
}

// Detect polls until ctx dies, invoking connect once per newly observed
// live stream id. Transient fetch failures back off and retry; only
// missing credentials or login are hard errors.
func (d *Detector) Detect(ctx context.Context, connect func(streamID string)) error {
	login := strings.TrimPrefix(strings.TrimSpace(d.Login), "#")
	if login == "" {
		return errors.New("twitchchat: detection login is required")
	}
	if strings.TrimSpace(d.ClientID) == "" || strings.TrimSpace(d.ClientSecret) == "" {
		return errors.New("twitchchat: detection requires client credentials")
	}

	interval := d.Interval
	if interval <= 0 {
		interval = defaultDetectInterval
	}

	backoff := time.Second
	lastLive := ""
	for ctx.Err() == nil {
		streamID, live, err := d.probe(ctx, login)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			d.Logger.Warn("twitchchat: detection probe failed", "err", err, "retryIn", backoff.String())
			if !sleepDetect(ctx, backoff) {
				return nil
			}
			backoff = doubleCappedAt(backoff, interval)
			continue
		case live && streamID != "" && streamID != lastLive:
			lastLive = streamID
			connect(streamID)
		case !live:
			lastLive = ""
		}

		backoff = time.Second
		if !sleepDetect(ctx, interval) {
			return nil
		}
	}
	return nil
}

// probe asks Helix whether the channel is live. An offline channel is not
// an error; it reports ("", false, nil).
func (d *Detector) probe(ctx context.Context, login string) (string, bool, error) {
	token, err := d.appToken(ctx)
	if err != nil {
		return "", false, err
	}

	endpoint := strings.TrimSuffix(helixBase, "/") + "/streams?user_login=" + url.QueryEscape(login)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Client-Id", strings.TrimSpace(d.ClientID))

	resp, err := d.httpClient().Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		// Expired app token; drop the cache so the next probe re-mints.
		d.mu.Lock()
		d.token = ""
		d.mu.Unlock()
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", false, fmt.Errorf("streams status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed struct {
		Data []struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", false, fmt.Errorf("decode streams response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return "", false, nil
	}
	return parsed.Data[0].ID, true, nil
}

func (d *Detector) appToken(ctx context.Context) (string, error) {
	d.mu.Lock()
	if d.token != "" && time.Now().Before(d.exp) {
		token := d.token
		d.mu.Unlock()
		return token, nil
	}
	d.mu.Unlock()

	form := url.Values{}
	form.Set("client_id", strings.TrimSpace(d.ClientID))
	form.Set("client_secret", strings.TrimSpace(d.ClientSecret))
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, helixTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token status %d", resp.StatusCode)
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	token := strings.TrimSpace(parsed.AccessToken)
	if token == "" {
		return "", errors.New("empty app token")
	}

	d.mu.Lock()
	d.token = token
	d.exp = time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second / 2)
	d.mu.Unlock()
	return token, nil
}

func (d *Detector) httpClient() *http.Client {
	if d.HTTP != nil {
		return d.HTTP
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func sleepDetect(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func doubleCappedAt(d, limit time.Duration) time.Duration {
	d *= 2
	if d > limit {
		return limit
	}
	return d
}
