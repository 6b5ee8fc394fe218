// Package autherr classifies authentication and API failures into a small
// taxonomy and derives recovery strategies from it.
package autherr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"
)

// Kind tags the failure class.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindTokenRefresh
	KindAPICall
	KindConfig
)

func (k Kind) Category() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTokenRefresh:
		return "token-refresh"
	case KindAPICall:
		return "api-call"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// NetworkCode enumerates the transport failure codes recognized at the
// boundary. Transport errors map onto these before entering the core.
type NetworkCode string

const (
	CodeConnRefused NetworkCode = "ECONNREFUSED"
	CodeTimedOut    NetworkCode = "ETIMEDOUT"
	CodeNotFound    NetworkCode = "ENOTFOUND"
	CodeConnAborted NetworkCode = "ECONNABORTED"
	CodeConnReset   NetworkCode = "ECONNRESET"
)

// AuthError is the tagged failure carried through the auth subsystem.
type AuthError struct {
	Kind           Kind
	Code           string
	Recoverable    bool
	Retryable      bool
	NeedsRefresh   bool
	NeedsNewTokens bool

	Status          int           // HTTP status for api-call / token-refresh failures
	RetryAfter      time.Duration // honored for 429
	Missing         []string      // absent config fields
	RollbackApplied bool

	Err       error
	Context   map[string]any
	Timestamp time.Time

	msg string
}

func (e *AuthError) Error() string {
	base := e.msg
	if base == "" {
		base = e.Kind.Category() + " error"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", base, e.Err)
	}
	return base
}

func (e *AuthError) Unwrap() error { return e.Err }

// WithContext attaches a context entry and returns the error for chaining.
func (e *AuthError) WithContext(key string, value any) *AuthError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func newBase(kind Kind, msg string, err error) *AuthError {
	return &AuthError{
		Kind:      kind,
		Err:       err,
		Timestamp: time.Now().UTC(),
		msg:       msg,
	}
}

// NewNetworkError builds a retryable, recoverable transport failure.
func NewNetworkError(code NetworkCode, err error) *AuthError {
	e := newBase(KindNetwork, "network failure", err)
	e.Code = string(code)
	e.Recoverable = true
	e.Retryable = true
	return e
}

// NewTokenRefreshError builds a refresh-endpoint failure. HTTP 400/401 means
// the refresh token itself is dead and a new OAuth flow is required.
func NewTokenRefreshError(status int, err error) *AuthError {
	e := newBase(KindTokenRefresh, "token refresh failed", err)
	e.Status = status
	e.Code = "TOKEN_REFRESH_FAILED"
	switch status {
	case 400, 401:
		e.NeedsNewTokens = true
		e.Recoverable = false
	case 0:
		// transport-level failure, worth retrying
		e.Recoverable = true
		e.Retryable = true
	default:
		e.Recoverable = status >= 500
		e.Retryable = status >= 500
	}
	return e
}

// NewAPICallError builds a failure observed on a platform API call.
func NewAPICallError(status int, retryAfter time.Duration, err error) *AuthError {
	e := newBase(KindAPICall, fmt.Sprintf("api call failed with status %d", status), err)
	e.Status = status
	switch {
	case status == 401:
		e.Code = "UNAUTHORIZED"
		e.NeedsRefresh = true
		e.Recoverable = true
	case status == 403:
		e.Code = "INSUFFICIENT_PERMISSIONS"
	case status == 404:
		e.Code = "NOT_FOUND"
	case status == 429:
		e.Code = "RATE_LIMITED"
		e.Retryable = true
		e.Recoverable = true
		if retryAfter <= 0 {
			retryAfter = 60 * time.Second
		}
		e.RetryAfter = retryAfter
	case status >= 500:
		e.Code = "SERVER_ERROR"
		e.Retryable = true
		e.Recoverable = true
	default:
		e.Code = "API_CALL_FAILED"
	}
	return e
}

// NewConfigError builds a non-recoverable configuration failure.
func NewConfigError(missing []string, err error) *AuthError {
	e := newBase(KindConfig, "configuration invalid", err)
	e.Code = "CONFIG_INVALID"
	e.Missing = append([]string(nil), missing...)
	return e
}

// Classify maps an arbitrary error into the taxonomy. Transport errors are
// recognized by errno and net error shape; anything unrecognized becomes a
// generic non-retryable AuthError.
func Classify(err error) *AuthError {
	if err == nil {
		return nil
	}

	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}

	if code, ok := networkCodeOf(err); ok {
		return NewNetworkError(code, err)
	}

	e := newBase(KindUnknown, "unclassified failure", err)
	e.Code = "UNKNOWN"
	return e
}

func networkCodeOf(err error) (NetworkCode, bool) {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeConnRefused, true
	case errors.Is(err, syscall.ECONNRESET):
		return CodeConnReset, true
	case errors.Is(err, syscall.ECONNABORTED):
		return CodeConnAborted, true
	case errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, context.DeadlineExceeded),
		os.IsTimeout(err):
		return CodeTimedOut, true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CodeNotFound, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimedOut, true
	}
	return "", false
}

// Strategy describes how callers should react to a failure.
type Strategy struct {
	Action       string // "retry" | "rate_limit_backoff" | "oauth_flow" | "fail"
	MaxAttempts  int
	Wait         time.Duration
	RequiresUser bool
}

// RecoveryStrategy derives the reaction for this error per the propagation
// policy: network retries, 429 honors retry-after, dead refresh tokens need
// a new OAuth flow, everything else fails.
func (e *AuthError) RecoveryStrategy() Strategy {
	switch {
	case e.Kind == KindNetwork:
		return Strategy{Action: "retry", MaxAttempts: 3}
	case e.Kind == KindAPICall && e.Status == 429:
		wait := e.RetryAfter
		if wait <= 0 {
			wait = 60 * time.Second
		}
		return Strategy{Action: "rate_limit_backoff", Wait: wait}
	case e.Kind == KindTokenRefresh && e.NeedsNewTokens:
		return Strategy{Action: "oauth_flow", RequiresUser: true}
	default:
		return Strategy{Action: "fail"}
	}
}

// RecoveryActions returns human-readable remediation steps. The copy must
// never contain template placeholders or stringified sentinel values.
func (e *AuthError) RecoveryActions() []string {
	switch e.RecoveryStrategy().Action {
	case "retry":
		return []string{
			"Check your internet connection",
			"The operation will be retried automatically",
		}
	case "rate_limit_backoff":
		return []string{
			"The platform is rate limiting requests",
			"Waiting before trying again",
		}
	case "oauth_flow":
		return []string{
			"Your saved credentials have expired",
			"Re-authenticate with the platform to obtain new tokens",
		}
	default:
		if e.Kind == KindConfig {
			return []string{
				"Review the application configuration",
				"Fill in the missing or invalid fields and restart",
			}
		}
		return []string{"The error is not automatically recoverable"}
	}
}
