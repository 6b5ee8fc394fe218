package twitchauth

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/you/streamweave/internal/autherr"
)

// APICall is an operation that uses a Twitch access token. Implementations
// report HTTP failures as autherr values so 401s are recognizable.
type APICall func(ctx context.Context, accessToken string) error

// CallMetrics is a snapshot of reactive-refresh accounting.
type CallMetrics struct {
	TotalCalls          int64 `json:"totalCalls"`
	RefreshAttempts     int64 `json:"refreshAttempts"`
	SuccessfulRefreshes int64 `json:"successfulRefreshes"`
}

// ReactiveCaller wraps API calls with reactive token refresh: at most one
// refresh-and-retry per call. A second 401 after a refresh fails outright,
// which prevents refresh loops.
type ReactiveCaller struct {
	Lifecycle *Lifecycle

	totalCalls          atomic.Int64
	refreshAttempts     atomic.Int64
	successfulRefreshes atomic.Int64
}

func NewReactiveCaller(l *Lifecycle) *ReactiveCaller {
	return &ReactiveCaller{Lifecycle: l}
}

func (r *ReactiveCaller) Metrics() CallMetrics {
	return CallMetrics{
		TotalCalls:          r.totalCalls.Load(),
		RefreshAttempts:     r.refreshAttempts.Load(),
		SuccessfulRefreshes: r.successfulRefreshes.Load(),
	}
}

// Call runs fn with the current access token. On a 401 it refreshes once;
// when the refresh yields a different access token the call is retried once.
// An identical token means the upstream grant is dead (needsNewTokens).
// Non-401 failures bypass refresh entirely.
func (r *ReactiveCaller) Call(ctx context.Context, fn APICall) error {
	r.totalCalls.Add(1)

	access := r.Lifecycle.Token().AccessToken
	err := fn(ctx, access)
	if err == nil {
		return nil
	}

	ae := autherr.Classify(err)
	if ae.Kind != autherr.KindAPICall || ae.Status != 401 {
		return err
	}

	r.refreshAttempts.Add(1)
	data := r.Lifecycle.Refresh(ctx)
	if data == nil {
		return autherr.NewTokenRefreshError(0, fmt.Errorf("reactive refresh failed: %w", err))
	}
	if data.AccessToken == access {
		dead := autherr.NewTokenRefreshError(0, fmt.Errorf("refresh returned identical access token"))
		dead.NeedsNewTokens = true
		return dead
	}

	r.successfulRefreshes.Add(1)
	r.Lifecycle.UpdateTokens(*data)

	retryErr := fn(ctx, data.AccessToken)
	if retryErr == nil {
		return nil
	}
	// Second 401 after a successful refresh: fail, never loop.
	return retryErr
}
