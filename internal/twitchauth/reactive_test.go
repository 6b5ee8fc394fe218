package twitchauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/you/streamweave/internal/autherr"
	"github.com/you/streamweave/internal/tokenstore"
)

func reactiveFixture(t *testing.T, refreshHandler http.HandlerFunc) *ReactiveCaller {
	t.Helper()
	srv := httptest.NewServer(refreshHandler)
	t.Cleanup(srv.Close)
	old := tokenEndpoint
	tokenEndpoint = srv.URL
	t.Cleanup(func() { tokenEndpoint = old })

	path := filepath.Join(t.TempDir(), "tokens.json")
	store, err := tokenstore.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := store.Set("twitch", tokenstore.Token{AccessToken: "stale", RefreshToken: "r1"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	l, err := NewLifecycle("cid", "csecret", path,
		WithSleep(func(time.Duration) {}),
		WithErrorHandler(func(*autherr.AuthError) {}),
	)
	if err != nil {
		t.Fatalf("lifecycle: %v", err)
	}
	t.Cleanup(l.CancelProactiveRefresh)
	return NewReactiveCaller(l)
}

func TestCall_401RefreshRetry(t *testing.T) {
	r := reactiveFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"access_token":"fresh","refresh_token":"r2","expires_in":3600}`))
	})

	var tokensSeen []string
	err := r.Call(context.Background(), func(_ context.Context, access string) error {
		tokensSeen = append(tokensSeen, access)
		if access == "stale" {
			return autherr.NewAPICallError(401, 0, errors.New("unauthorized"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if len(tokensSeen) != 2 || tokensSeen[0] != "stale" || tokensSeen[1] != "fresh" {
		t.Fatalf("tokens seen = %v", tokensSeen)
	}

	m := r.Metrics()
	if m.TotalCalls != 1 || m.RefreshAttempts != 1 || m.SuccessfulRefreshes != 1 {
		t.Fatalf("metrics = %+v", m)
	}
	if got := r.Lifecycle.Token().AccessToken; got != "fresh" {
		t.Fatalf("lifecycle token = %q", got)
	}
}

func TestCall_Non401Bypasses(t *testing.T) {
	refreshed := false
	r := reactiveFixture(t, func(http.ResponseWriter, *http.Request) { refreshed = true })

	want := autherr.NewAPICallError(500, 0, errors.New("server error"))
	err := r.Call(context.Background(), func(context.Context, string) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("err = %v", err)
	}
	if refreshed {
		t.Fatalf("non-401 must not trigger refresh")
	}
	if m := r.Metrics(); m.RefreshAttempts != 0 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestCall_IdenticalTokenMeansDeadGrant(t *testing.T) {
	r := reactiveFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"access_token":"stale","refresh_token":"r1","expires_in":3600}`))
	})

	calls := 0
	err := r.Call(context.Background(), func(context.Context, string) error {
		calls++
		return autherr.NewAPICallError(401, 0, errors.New("unauthorized"))
	})

	var ae *autherr.AuthError
	if !errors.As(err, &ae) || !ae.NeedsNewTokens {
		t.Fatalf("err = %v; want needsNewTokens refresh error", err)
	}
	if calls != 1 {
		t.Fatalf("identical token must not retry the call; calls = %d", calls)
	}
	if m := r.Metrics(); m.SuccessfulRefreshes != 0 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestCall_SecondFailureAfterRefreshIsFinal(t *testing.T) {
	r := reactiveFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"access_token":"fresh","refresh_token":"r2","expires_in":3600}`))
	})

	calls := 0
	err := r.Call(context.Background(), func(context.Context, string) error {
		calls++
		return autherr.NewAPICallError(401, 0, errors.New("still unauthorized"))
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 2 {
		t.Fatalf("exactly one retry allowed; calls = %d", calls)
	}
	if m := r.Metrics(); m.RefreshAttempts != 1 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestCall_RefreshFailure(t *testing.T) {
	r := reactiveFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	err := r.Call(context.Background(), func(context.Context, string) error {
		return autherr.NewAPICallError(401, 0, errors.New("unauthorized"))
	})
	var ae *autherr.AuthError
	if !errors.As(err, &ae) || ae.Kind != autherr.KindTokenRefresh {
		t.Fatalf("err = %v", err)
	}
}
