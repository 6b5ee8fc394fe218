// Package twitchauth owns the Twitch OAuth token lifecycle: acquisition,
// proactive and reactive refresh, persistence, and scheduling.
package twitchauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/you/streamweave/internal/autherr"
)

// OAuth endpoints. These are fixed by Twitch and must not be derived.
const (
	AuthorizeEndpoint = "https://id.twitch.tv/oauth2/authorize"
	TokenEndpoint     = "https://id.twitch.tv/oauth2/token"
	ValidateEndpoint  = "https://id.twitch.tv/oauth2/validate"
	RevokeEndpoint    = "https://id.twitch.tv/oauth2/revoke"
)

// RequiredScopes is the scope set requested during the authorization flow.
var RequiredScopes = []string{
	"user:read:chat",
	"chat:edit",
	"channel:read:subscriptions",
	"bits:read",
	"channel:read:redemptions",
	"moderator:read:followers",
}

// OAuthFlowTimeout bounds the end-to-end browser-interactive flow.
const OAuthFlowTimeout = 600 * time.Second

// Priority tiers operation timeouts by caller criticality.
type Priority int

const (
	PriorityImmediate Priority = iota // user-initiated
	PriorityNormal
	PriorityLow // background
)

// Timeouts returns (validate, refresh) timeouts for the tier, scaled by the
// network-quality multiplier. Multiplier must be one of 0.8, 1.0, 1.5, 2.0;
// anything else falls back to 1.0.
func Timeouts(p Priority, qualityMultiplier float64) (validate, refresh time.Duration) {
	switch qualityMultiplier {
	case 0.8, 1.0, 1.5, 2.0:
	default:
		qualityMultiplier = 1.0
	}
	switch p {
	case PriorityImmediate:
		validate, refresh = 2000*time.Millisecond, 3000*time.Millisecond
	case PriorityLow:
		validate, refresh = 5000*time.Millisecond, 8000*time.Millisecond
	default:
		validate, refresh = 3000*time.Millisecond, 5000*time.Millisecond
	}
	validate = time.Duration(float64(validate) * qualityMultiplier)
	refresh = time.Duration(float64(refresh) * qualityMultiplier)
	return validate, refresh
}

// AuthDisabled reports whether the OAuth flow is bypassed entirely
// (development and test environments only).
func AuthDisabled() bool {
	if strings.EqualFold(strings.TrimSpace(os.Getenv("TWITCH_DISABLE_AUTH")), "true") {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(os.Getenv("NODE_ENV")), "test")
}

// BuildAuthorizeURL assembles the browser-interactive authorization URL.
func BuildAuthorizeURL(clientID, redirectURI, state string) string {
	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(RequiredScopes, " "))
	if state != "" {
		q.Set("state", state)
	}
	return AuthorizeEndpoint + "?" + q.Encode()
}

// ValidateLogin checks the access token against the validate endpoint and
// returns the login it belongs to. Used during initialization only; the
// proactive refresh path never calls it.
func ValidateLogin(ctx context.Context, httpClient *http.Client, access string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, validateEndpoint, nil)
	if err != nil {
		return "", fmt.Errorf("twitchauth: build validate request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(access))

	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("twitchauth: validate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", autherr.NewAPICallError(resp.StatusCode, 0, fmt.Errorf("validate status %d", resp.StatusCode))
	}

	var v struct {
		Login string `json:"login"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return "", fmt.Errorf("twitchauth: decode validate response: %w", err)
	}
	if v.Login == "" {
		return "", fmt.Errorf("twitchauth: validate returned no login")
	}
	return v.Login, nil
}

// Revoke invalidates the access token server-side.
func Revoke(ctx context.Context, httpClient *http.Client, clientID, access string) error {
	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("token", strings.TrimSpace(access))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, RevokeEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("twitchauth: build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("twitchauth: revoke request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return autherr.NewAPICallError(resp.StatusCode, 0, fmt.Errorf("revoke status %d", resp.StatusCode))
	}
	return nil
}

var placeholderPrefixes = []string{
	"test_token_",
	"placeholder_",
	"your_token",
	"changeme",
	"xxx",
}

// ValidateConfig rejects credentials that are obviously placeholders left
// over from templates or examples.
func ValidateConfig(clientID, clientSecret, accessToken string) *autherr.AuthError {
	var missing []string
	if !credentialLooksReal(clientID) {
		missing = append(missing, "clientId")
	}
	if !credentialLooksReal(clientSecret) {
		missing = append(missing, "clientSecret")
	}
	if accessToken != "" && !credentialLooksReal(accessToken) {
		missing = append(missing, "accessToken")
	}
	if len(missing) > 0 {
		return autherr.NewConfigError(missing, nil)
	}
	return nil
}

func credentialLooksReal(value string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" || v == "null" || v == "undefined" || v == "nan" {
		return false
	}
	for _, prefix := range placeholderPrefixes {
		if strings.HasPrefix(v, prefix) {
			return false
		}
	}
	return true
}
