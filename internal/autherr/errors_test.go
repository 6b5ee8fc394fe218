package autherr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestClassify_NetworkCodes(t *testing.T) {
	cases := []struct {
		err  error
		code NetworkCode
	}{
		{syscall.ECONNREFUSED, CodeConnRefused},
		{fmt.Errorf("dial: %w", syscall.ECONNRESET), CodeConnReset},
		{syscall.ECONNABORTED, CodeConnAborted},
		{context.DeadlineExceeded, CodeTimedOut},
		{&net.DNSError{Err: "no such host", Name: "id.twitch.tv", IsNotFound: true}, CodeNotFound},
	}
	for _, c := range cases {
		ae := Classify(c.err)
		if ae.Kind != KindNetwork {
			t.Fatalf("Classify(%v) kind = %v; want network", c.err, ae.Kind)
		}
		if ae.Code != string(c.code) {
			t.Fatalf("Classify(%v) code = %s; want %s", c.err, ae.Code, c.code)
		}
		if !ae.Retryable || !ae.Recoverable {
			t.Fatalf("network errors must be retryable and recoverable: %+v", ae)
		}
	}
}

func TestClassify_UnknownAndPassthrough(t *testing.T) {
	ae := Classify(errors.New("weird"))
	if ae.Kind != KindUnknown || ae.Retryable {
		t.Fatalf("unknown classification wrong: %+v", ae)
	}

	orig := NewConfigError([]string{"clientId"}, nil)
	if got := Classify(fmt.Errorf("wrapped: %w", orig)); got != orig {
		t.Fatalf("existing AuthError should pass through")
	}
}

func TestTokenRefreshError_NeedsNewTokens(t *testing.T) {
	for _, status := range []int{400, 401} {
		e := NewTokenRefreshError(status, nil)
		if !e.NeedsNewTokens {
			t.Fatalf("status %d must set needsNewTokens", status)
		}
		s := e.RecoveryStrategy()
		if s.Action != "oauth_flow" || !s.RequiresUser {
			t.Fatalf("status %d strategy = %+v", status, s)
		}
	}

	e := NewTokenRefreshError(503, nil)
	if e.NeedsNewTokens || !e.Retryable {
		t.Fatalf("5xx refresh should be retryable without new tokens: %+v", e)
	}
}

func TestAPICallError_Statuses(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
		code      string
	}{
		{401, false, "UNAUTHORIZED"},
		{403, false, "INSUFFICIENT_PERMISSIONS"},
		{404, false, "NOT_FOUND"},
		{429, true, "RATE_LIMITED"},
		{500, true, "SERVER_ERROR"},
		{503, true, "SERVER_ERROR"},
	}
	for _, c := range cases {
		e := NewAPICallError(c.status, 0, nil)
		if e.Retryable != c.retryable {
			t.Fatalf("status %d retryable = %v; want %v", c.status, e.Retryable, c.retryable)
		}
		if e.Code != c.code {
			t.Fatalf("status %d code = %s; want %s", c.status, e.Code, c.code)
		}
	}

	if e := NewAPICallError(401, 0, nil); !e.NeedsRefresh {
		t.Fatalf("401 must flag needsRefresh")
	}
}

func TestRecoveryStrategy_RateLimit(t *testing.T) {
	e := NewAPICallError(429, 5*time.Second, nil)
	s := e.RecoveryStrategy()
	if s.Action != "rate_limit_backoff" || s.Wait != 5*time.Second {
		t.Fatalf("strategy = %+v", s)
	}

	// Missing retry-after falls back to 60s.
	e = NewAPICallError(429, 0, nil)
	if s := e.RecoveryStrategy(); s.Wait != 60*time.Second {
		t.Fatalf("default wait = %v", s.Wait)
	}
}

func TestRecoveryStrategy_NetworkRetries(t *testing.T) {
	s := NewNetworkError(CodeTimedOut, nil).RecoveryStrategy()
	if s.Action != "retry" || s.MaxAttempts != 3 {
		t.Fatalf("strategy = %+v", s)
	}
}

func TestRecoveryActions_NoPlaceholders(t *testing.T) {
	errs := []*AuthError{
		NewNetworkError(CodeConnRefused, nil),
		NewTokenRefreshError(401, nil),
		NewAPICallError(429, 0, nil),
		NewConfigError([]string{"clientSecret"}, nil),
		Classify(errors.New("boom")),
	}
	for _, e := range errs {
		for _, action := range e.RecoveryActions() {
			for _, bad := range []string{"{", "}", "undefined", "null", "NaN"} {
				if strings.Contains(action, bad) {
					t.Fatalf("action %q contains %q", action, bad)
				}
			}
		}
	}
}
