package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/you/streamweave/internal/core"
)

// Filters captures the parsed query parameters for the SSE event feed.
// Empty slices mean no restriction on that axis.
type Filters struct {
	Platforms []core.Platform
	Types     []core.EventType
	Usernames []string
	Since     *time.Time
}

// ParseFilters parses query parameters into a Filters struct.
func ParseFilters(values url.Values) (Filters, error) {
	var f Filters

	for _, raw := range splitParams(values, "platform") {
		if raw == "all" || raw == "*" {
			f.Platforms = nil
			break
		}
		p, ok := core.ParsePlatform(raw)
		if !ok {
			return Filters{}, errors.New("invalid platform filter")
		}
		f.Platforms = appendUniquePlatform(f.Platforms, p)
	}

	for _, raw := range splitParams(values, "type") {
		t := core.EventType(strings.ToLower(raw))
		if !t.Valid() {
			return Filters{}, errors.New("invalid event type filter")
		}
		f.Types = appendUniqueType(f.Types, t)
	}

	seen := make(map[string]struct{})
	for _, raw := range splitParams(values, "username") {
		lowered := strings.ToLower(raw)
		if _, ok := seen[lowered]; ok {
			continue
		}
		seen[lowered] = struct{}{}
		f.Usernames = append(f.Usernames, lowered)
	}

	if rawSince := values.Get("since"); rawSince != "" {
		parsed, err := parseSince(rawSince)
		if err != nil {
			return Filters{}, err
		}
		f.Since = &parsed
	}

	return f, nil
}

// FiltersFromRequest parses filters from an HTTP request.
func FiltersFromRequest(r *http.Request) (Filters, error) {
	return ParseFilters(r.URL.Query())
}

// splitParams collects a repeatable, comma-separable query parameter.
func splitParams(values url.Values, key string) []string {
	var out []string
	for _, raw := range values[key] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func appendUniquePlatform(list []core.Platform, p core.Platform) []core.Platform {
	for _, existing := range list {
		if existing == p {
			return list
		}
	}
	return append(list, p)
}

func appendUniqueType(list []core.EventType, t core.EventType) []core.EventType {
	for _, existing := range list {
		if existing == t {
			return list
		}
	}
	return append(list, t)
}

func parseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().Add(-d).UTC(), nil
	}
	return time.Time{}, errors.New("invalid since parameter")
}

// Matches reports whether the event satisfies the filters.
func (f Filters) Matches(e core.Event) bool {
	if len(f.Platforms) > 0 {
		match := false
		for _, p := range f.Platforms {
			if e.Platform == p {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if len(f.Types) > 0 {
		match := false
		for _, t := range f.Types {
			if e.Type == t {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if len(f.Usernames) > 0 {
		username := strings.ToLower(e.Username)
		match := false
		for _, u := range f.Usernames {
			if strings.Contains(username, u) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if f.Since != nil && e.Timestamp.Before(f.Since.UTC()) {
		return false
	}
	return true
}
