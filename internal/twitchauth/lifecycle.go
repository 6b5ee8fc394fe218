package twitchauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/you/streamweave/internal/autherr"
	"github.com/you/streamweave/internal/clock"
	"github.com/you/streamweave/internal/retry"
	"github.com/you/streamweave/internal/tokenstore"
)

// refreshLeeway is how long before expiry a token counts as stale.
const refreshLeeway = 15 * time.Minute

// maxProactiveWait caps the proactive refresh timer.
const maxProactiveWait = 3 * time.Hour

const storeKey = "twitch"

// Endpoint vars so tests can point requests at a local server.
var (
	tokenEndpoint    = TokenEndpoint
	validateEndpoint = ValidateEndpoint
)

// TokenData is the wire shape of a token grant.
type TokenData struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"` // seconds
}

// Lifecycle owns the in-memory Twitch token state. All mutation happens
// here; other components read snapshots.
type Lifecycle struct {
	ClientID     string
	ClientSecret string
	StorePath    string
	HTTP         *http.Client
	Clock        clock.Clock
	OnError      func(*autherr.AuthError)

	// OnRefreshState is told when a refresh attempt starts and finishes,
	// so the lifecycle service can report the REFRESHING state.
	OnRefreshState func(refreshing bool)

	// sleep is injectable for tests; defaults to time.Sleep.
	sleep func(time.Duration)

	mu    sync.Mutex
	store *tokenstore.Store
	token tokenstore.Token

	refreshing atomic.Bool

	timerMu      sync.Mutex
	refreshTimer *time.Timer
}

// NewLifecycle loads persisted credentials and returns a ready lifecycle.
func NewLifecycle(clientID, clientSecret, storePath string, opts ...Option) (*Lifecycle, error) {
	store, err := tokenstore.Load(storePath)
	if err != nil {
		return nil, err
	}
	l := &Lifecycle{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		StorePath:    storePath,
		Clock:        clock.System(),
		sleep:        time.Sleep,
		store:        store,
	}
	if tok, ok := store.Get(storeKey); ok {
		l.token = tok
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Option customizes a Lifecycle at construction.
type Option func(*Lifecycle)

func WithHTTPClient(c *http.Client) Option { return func(l *Lifecycle) { l.HTTP = c } }
func WithClock(c clock.Clock) Option       { return func(l *Lifecycle) { l.Clock = c } }
func WithErrorHandler(fn func(*autherr.AuthError)) Option {
	return func(l *Lifecycle) { l.OnError = fn }
}
func WithSleep(fn func(time.Duration)) Option { return func(l *Lifecycle) { l.sleep = fn } }
func WithRefreshState(fn func(refreshing bool)) Option {
	return func(l *Lifecycle) { l.OnRefreshState = fn }
}

// Token returns a snapshot of the current credentials.
func (l *Lifecycle) Token() tokenstore.Token {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token
}

// NeedsRefresh decides from in-memory state only; no remote call is made.
// Missing token, missing expiry, expired, or within the leeway all count
// as needing refresh.
func (l *Lifecycle) NeedsRefresh() bool {
	l.mu.Lock()
	tok := l.token
	l.mu.Unlock()

	if strings.TrimSpace(tok.AccessToken) == "" {
		return true
	}
	if tok.ExpiresAt == nil {
		return true
	}
	remaining := time.Duration(*tok.ExpiresAt-l.Clock.Now().UnixMilli()) * time.Millisecond
	return remaining <= refreshLeeway
}

// Refresh exchanges the stored refresh token for a new grant, once. Returns
// nil when a refresh is already in flight, on any transport or HTTP failure,
// or on a malformed response; failures are routed through the error handler.
// Refresh does not persist; callers pass the result to UpdateTokens.
func (l *Lifecycle) Refresh(ctx context.Context) *TokenData {
	data, _ := l.refreshOnce(ctx)
	return data
}

// refreshOnce performs one refresh attempt and reports the classified
// failure so callers can decide whether a retry is worthwhile.
func (l *Lifecycle) refreshOnce(ctx context.Context) (*TokenData, *autherr.AuthError) {
	if !l.refreshing.CompareAndSwap(false, true) {
		return nil, nil
	}
	l.notifyRefreshState(true)
	defer func() {
		l.refreshing.Store(false)
		l.notifyRefreshState(false)
	}()

	fail := func(ae *autherr.AuthError) (*TokenData, *autherr.AuthError) {
		l.routeError(ae)
		return nil, ae
	}

	l.mu.Lock()
	refreshToken := strings.TrimSpace(l.token.RefreshToken)
	l.mu.Unlock()

	if refreshToken == "" {
		return fail(autherr.NewConfigError([]string{"refreshToken"}, nil))
	}
	if strings.TrimSpace(l.ClientID) == "" || strings.TrimSpace(l.ClientSecret) == "" {
		return fail(autherr.NewConfigError([]string{"clientId", "clientSecret"}, nil))
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		_, refreshTimeout := Timeouts(PriorityNormal, 1.0)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, refreshTimeout)
		defer cancel()
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", l.ClientID)
	form.Set("client_secret", l.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fail(autherr.Classify(err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := l.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fail(autherr.Classify(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fail(autherr.Classify(err))
	}

	if resp.StatusCode != http.StatusOK {
		return fail(autherr.NewTokenRefreshError(resp.StatusCode,
			fmt.Errorf("refresh status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))))
	}

	var data TokenData
	if err := json.Unmarshal(body, &data); err != nil {
		return fail(autherr.NewTokenRefreshError(0, fmt.Errorf("decode refresh response: %w", err)))
	}
	if data.AccessToken == "" {
		return fail(autherr.NewTokenRefreshError(0, fmt.Errorf("refresh returned empty access token")))
	}
	return &data, nil
}

func (l *Lifecycle) notifyRefreshState(refreshing bool) {
	if l.OnRefreshState != nil {
		l.OnRefreshState(refreshing)
	}
}

var persistBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// UpdateTokens applies a grant: memory first, then persistence with up to
// three write attempts. If persistence ultimately fails, memory rolls back
// to the prior state and a ConfigError with RollbackApplied surfaces.
func (l *Lifecycle) UpdateTokens(data TokenData) bool {
	if strings.TrimSpace(data.AccessToken) == "" {
		l.routeError(autherr.NewConfigError([]string{"access_token"}, nil))
		return false
	}

	l.mu.Lock()
	prior := l.token

	next := tokenstore.Token{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = prior.RefreshToken
	}
	if data.ExpiresIn > 0 {
		at := l.Clock.Now().UnixMilli() + int64(data.ExpiresIn)*1000
		next.ExpiresAt = &at
	}
	next = next.Mirror()

	l.token = next
	l.mu.Unlock()

	var saveErr error
	for attempt := 0; attempt < len(persistBackoff); attempt++ {
		if err := l.persist(next); err != nil {
			saveErr = err
			if attempt < len(persistBackoff)-1 {
				l.sleep(persistBackoff[attempt])
			}
			continue
		}
		saveErr = nil
		break
	}

	if saveErr != nil {
		l.mu.Lock()
		l.token = prior
		l.mu.Unlock()
		_ = l.store.Set(storeKey, prior)

		cfgErr := autherr.NewConfigError(nil, fmt.Errorf("persist tokens: %w", saveErr))
		cfgErr.RollbackApplied = true
		l.routeError(cfgErr)
		return false
	}

	l.scheduleProactive()
	return true
}

func (l *Lifecycle) persist(tok tokenstore.Token) error {
	if err := l.store.Set(storeKey, tok); err != nil {
		return err
	}
	return l.store.Save(l.StorePath)
}

// EnsureValidToken refreshes proactively when the token is stale, retrying
// transient failures on the refresh backoff schedule. Dead grants and config
// errors are not retried. It returns true even when every attempt fails:
// callers proceed and rely on the reactive 401 path for eventual consistency.
func (l *Lifecycle) EnsureValidToken(ctx context.Context) bool {
	if !l.NeedsRefresh() {
		return true
	}
	for attempt := 0; attempt < retry.RefreshMaxAttempts; attempt++ {
		data, aerr := l.refreshOnce(ctx)
		if data != nil {
			l.UpdateTokens(*data)
			return true
		}
		if aerr == nil || !aerr.Retryable {
			return true
		}
		if ctx != nil && ctx.Err() != nil {
			return true
		}
		if attempt+1 < retry.RefreshMaxAttempts {
			l.sleep(retry.RefreshDelay(attempt, nil))
		}
	}
	return true
}

// scheduleProactive arms a one-shot refresh timer at expiry minus the
// leeway, capped at maxProactiveWait. Rearming cancels any prior timer.
func (l *Lifecycle) scheduleProactive() {
	l.mu.Lock()
	expiresAt := l.token.ExpiresAt
	l.mu.Unlock()
	if expiresAt == nil {
		return
	}

	wait := time.Duration(*expiresAt-l.Clock.Now().UnixMilli())*time.Millisecond - refreshLeeway
	if wait > maxProactiveWait {
		wait = maxProactiveWait
	}
	if wait < 0 {
		wait = 0
	}

	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	if l.refreshTimer != nil {
		l.refreshTimer.Stop()
	}
	l.refreshTimer = time.AfterFunc(wait, func() {
		slog.Debug("twitchauth: proactive refresh firing")
		// UpdateTokens reschedules from the new expiry on success.
		l.EnsureValidToken(context.Background())
	})
}

// CancelProactiveRefresh stops any pending refresh timer. Called on config
// hot-swap and shutdown; idempotent and safe against the timer's own fire.
func (l *Lifecycle) CancelProactiveRefresh() {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	if l.refreshTimer != nil {
		l.refreshTimer.Stop()
		l.refreshTimer = nil
	}
}

// StartProactiveRefresh arms the schedule from current state, typically
// after a successful initialization validate.
func (l *Lifecycle) StartProactiveRefresh() {
	l.scheduleProactive()
}

func (l *Lifecycle) routeError(err *autherr.AuthError) {
	if err == nil {
		return
	}
	if l.OnError != nil {
		l.OnError(err)
		return
	}
	slog.Error("twitchauth: unhandled auth error", "category", err.Kind.Category(), "err", err)
}
