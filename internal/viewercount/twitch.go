package viewercount

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/you/streamweave/internal/core"
)

// Endpoint vars so tests can point fetches at a local server.
var (
	helixBaseURL  = "https://api.twitch.tv/helix"
	oauthTokenURL = "https://id.twitch.tv/oauth2/token"
)

// TwitchProvider polls Helix /streams for the live viewer count. It holds
// its own app-token cache; an offline channel reports 0 without error.
type TwitchProvider struct {
	ClientID     string
	ClientSecret string
	Login        string
	HTTP         *http.Client

	mu    sync.Mutex
	token string
	exp   time.Time
}

func (t *TwitchProvider) Platform() core.Platform { return core.PlatformTwitch }

func (t *TwitchProvider) Fetch(ctx context.Context) (int, error) {
	token, err := t.appToken(ctx)
	if err != nil {
		return 0, err
	}

	endpoint := strings.TrimSuffix(helixBaseURL, "/") + "/streams?user_login=" + url.QueryEscape(t.Login)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build streams request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Client-Id", strings.TrimSpace(t.ClientID))

	resp, err := t.httpClient().Do(req)
	if err != nil {
		return 0, fmt.Errorf("streams request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return 0, &ProviderError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("streams status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var parsed struct {
		Data []struct {
			ViewerCount int `json:"viewer_count"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, &ProviderError{Err: fmt.Errorf("decode streams response: %w", err)}
	}
	if len(parsed.Data) == 0 {
		// Channel is offline.
		return 0, nil
	}
	return parsed.Data[0].ViewerCount, nil
}

func (t *TwitchProvider) appToken(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.token != "" && time.Now().Before(t.exp) {
		token := t.token
		t.mu.Unlock()
		return token, nil
	}
	t.mu.Unlock()

	form := url.Values{}
	form.Set("client_id", strings.TrimSpace(t.ClientID))
	form.Set("client_secret", strings.TrimSpace(t.ClientSecret))
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oauthTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &ProviderError{Status: resp.StatusCode, Err: fmt.Errorf("token status %d", resp.StatusCode)}
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &ProviderError{Err: fmt.Errorf("decode token: %w", err)}
	}
	token := strings.TrimSpace(parsed.AccessToken)
	if token == "" {
		return "", &ProviderError{Err: fmt.Errorf("empty app token")}
	}

	t.mu.Lock()
	t.token = token
	t.exp = time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second / 2)
	t.mu.Unlock()
	return token, nil
}

func (t *TwitchProvider) httpClient() *http.Client {
	if t.HTTP != nil {
		return t.HTTP
	}
	return http.DefaultClient
}
