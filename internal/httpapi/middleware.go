package httpapi

import (
	"compress/gzip"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// accessRecorder captures status and byte counts for request accounting.
// Flush passes through so SSE keeps working behind it.
type accessRecorder struct {
	http.ResponseWriter
	code    int
	written int64
}

func newAccessRecorder(w http.ResponseWriter) *accessRecorder {
	return &accessRecorder{ResponseWriter: w}
}

func (a *accessRecorder) WriteHeader(code int) {
	a.code = code
	a.ResponseWriter.WriteHeader(code)
}

func (a *accessRecorder) Write(b []byte) (int, error) {
	if a.code == 0 {
		a.code = http.StatusOK
	}
	n, err := a.ResponseWriter.Write(b)
	a.written += int64(n)
	return n, err
}

func (a *accessRecorder) Status() int {
	if a.code == 0 {
		return http.StatusOK
	}
	return a.code
}

func (a *accessRecorder) Bytes() int64 { return a.written }

func (a *accessRecorder) Flush() {
	if f, ok := a.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type gzipWriter struct {
	http.ResponseWriter
	gz *gzip.Writer
}

func (g *gzipWriter) Write(b []byte) (int, error) { return g.gz.Write(b) }

func (g *gzipWriter) Flush() {
	_ = g.gz.Flush()
	if f, ok := g.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (g *gzipWriter) Close() error { return g.gz.Close() }

// negotiateGzip compresses the response when the client accepts it. Event
// streams and upgraded connections stay uncompressed; proxies buffer
// compressed SSE. When a recorder wraps the connection its writes are
// redirected through the gzip writer so accounting stays on the outside.
func negotiateGzip(w http.ResponseWriter, r *http.Request) (*gzipWriter, bool) {
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		return nil, false
	}
	if r.Header.Get("Upgrade") != "" {
		return nil, false
	}
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return nil, false
	}

	inner := w
	if rec, ok := w.(*accessRecorder); ok && rec.ResponseWriter != nil {
		inner = rec.ResponseWriter
	}
	gw := &gzipWriter{ResponseWriter: inner, gz: gzip.NewWriter(inner)}

	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Add("Vary", "Accept-Encoding")

	if rec, ok := w.(*accessRecorder); ok {
		rec.ResponseWriter = gw
	}
	return gw, true
}

// visitorEntry pairs a limiter with its last activity for pruning.
type visitorEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

// ipLimiter applies a token bucket per client IP. A nil limiter allows
// everything, so a zero rate disables limiting without branching at call
// sites.
type ipLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitorEntry
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
}

func newIPLimiter(rps, burst int) *ipLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &ipLimiter{
		visitors: make(map[string]*visitorEntry),
		limit:    rate.Limit(rps),
		burst:    burst,
		idleTTL:  5 * time.Minute,
	}
}

func (l *ipLimiter) Allow(ip string) bool {
	if l == nil {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitorEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.seen = now
	ok = v.limiter.Allow()

	if len(l.visitors) > 1024 {
		l.prune(now)
	}
	return ok
}

func (l *ipLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for ip, v := range l.visitors {
		if v.seen.Before(cutoff) {
			delete(l.visitors, ip)
		}
	}
}

// clientIP prefers the first X-Forwarded-For hop, then the socket peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, hop := range strings.Split(xff, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				return hop
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// originPolicy is the CORS allowlist. nil means no CORS headers and no
// origin rejections, matching a same-origin deployment.
type originPolicy struct {
	any     bool
	allowed map[string]struct{}
}

func newOriginPolicy(origins []string) *originPolicy {
	if len(origins) == 0 {
		return nil
	}
	p := &originPolicy{allowed: make(map[string]struct{})}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		switch {
		case o == "":
		case o == "*":
			p.any = true
			p.allowed = nil
			return p
		default:
			p.allowed[o] = struct{}{}
		}
	}
	return p
}

func (p *originPolicy) permits(origin string) bool {
	if p == nil {
		return false
	}
	if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
		return false
	}
	if p.any {
		return true
	}
	_, ok := p.allowed[origin]
	return ok
}

// preflight answers CORS OPTIONS requests. Returns (handled, status).
func (p *originPolicy) preflight(w http.ResponseWriter, r *http.Request) (bool, int) {
	if p == nil || r.Method != http.MethodOptions {
		return false, 0
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false, 0
	}
	if !p.permits(origin) {
		w.WriteHeader(http.StatusForbidden)
		return true, http.StatusForbidden
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
		w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
	}
	w.Header().Set("Access-Control-Max-Age", "300")
	w.Header().Add("Vary", "Origin")
	w.WriteHeader(http.StatusNoContent)
	return true, http.StatusNoContent
}

// decorate adds CORS headers to a regular request. Returns false when the
// Origin is present and not on the allowlist.
func (p *originPolicy) decorate(w http.ResponseWriter, r *http.Request) bool {
	if p == nil {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if !p.permits(origin) {
		return false
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	return true
}
