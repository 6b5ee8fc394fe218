// Package httpapi exposes the aggregator's operational surface: health,
// lifecycle status, goal totals, Prometheus metrics, and a filtered SSE
// feed of canonical events.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/you/streamweave/internal/bus"
	"github.com/you/streamweave/internal/core"
	"github.com/you/streamweave/internal/lifecycle"
)

// StatusSource supplies the aggregate lifecycle view.
type StatusSource interface {
	GetStatus() lifecycle.Status
}

// GoalSource supplies persisted monetization totals.
type GoalSource interface {
	Totals(ctx context.Context) (map[string]float64, error)
}

type sseClient struct {
	ch      chan core.Event
	filters Filters
}

type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	opts       Options
	status     StatusSource
	goals      GoalSource
	metrics    *Metrics
	limiter    *ipLimiter
	cors       *originPolicy
	started    time.Time

	mu      sync.Mutex
	clients map[*sseClient]struct{}
	closed  bool
}

type Options struct {
	Addr  string
	Build BuildInfo

	// ConfigSummary is rendered verbatim under /status. Secrets must be
	// redacted by the caller.
	ConfigSummary any

	// RateRPS/RateBurst bound per-IP request rates; zero disables.
	RateRPS   int
	RateBurst int

	AllowedOrigins []string

	// ExtraGatherers are merged into /metrics alongside the API's own
	// registry (auth monitor, monetization detector, viewer counts).
	ExtraGatherers []Gatherer
}

func New(status StatusSource, goals GoalSource, opts Options) *Server {
	srv := &Server{
		opts:    opts,
		status:  status,
		goals:   goals,
		metrics: newMetrics(),
		limiter: newIPLimiter(opts.RateRPS, opts.RateBurst),
		cors:    newOriginPolicy(opts.AllowedOrigins),
		started: time.Now(),
		clients: make(map[*sseClient]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.route("healthz", srv.handleHealthz))
	mux.HandleFunc("/info", srv.route("info", srv.handleInfo))
	mux.HandleFunc("/status", srv.route("status", srv.handleStatus))
	mux.HandleFunc("/goals", srv.route("goals", srv.handleGoals))
	mux.HandleFunc("/events", srv.route("events", srv.handleEvents))
	mux.Handle("/metrics", srv.metrics.Handler(opts.ExtraGatherers...))
	srv.mux = mux

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

// Mux exposes the underlying mux so callers can register extra routes
// before Start.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// route wraps a handler with rate limiting, CORS, gzip, and request
// accounting.
func (s *Server) route(name string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newAccessRecorder(w)

		if handled, status := s.cors.preflight(rec, r); handled {
			s.metrics.ObserveRequest(name, r.Method, status, time.Since(start))
			return
		}
		if !s.cors.decorate(rec, r) {
			http.Error(rec, "origin not allowed", http.StatusForbidden)
			s.metrics.ObserveRequest(name, r.Method, http.StatusForbidden, time.Since(start))
			return
		}
		if !s.limiter.Allow(clientIP(r)) {
			s.metrics.IncRateLimited()
			http.Error(rec, "rate limit exceeded", http.StatusTooManyRequests)
			s.metrics.ObserveRequest(name, r.Method, http.StatusTooManyRequests, time.Since(start))
			return
		}

		if gz, ok := negotiateGzip(rec, r); ok {
			defer gz.Close()
		}

		fn(rec, r)

		dur := time.Since(start)
		s.metrics.ObserveRequest(name, r.Method, rec.Status(), dur)
		slog.Debug("httpapi: request",
			"route", name, "method", r.Method, "status", rec.Status(),
			"bytes", rec.Bytes(), "duration", dur.String())
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{}
	if s.status != nil {
		resp["lifecycle"] = s.status.GetStatus()
	}
	if s.opts.ConfigSummary != nil {
		resp["config"] = s.opts.ConfigSummary
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleGoals(w http.ResponseWriter, r *http.Request) {
	if s.goals == nil {
		http.Error(w, "goal tracking disabled", http.StatusNotFound)
		return
	}
	totals, err := s.goals.Totals(r.Context())
	if err != nil {
		slog.Error("httpapi: goal totals failed", "err", err)
		http.Error(w, "totals error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{"totals": totals})
}

// handleEvents streams canonical events over SSE, honoring platform,
// type, and username filters from the query string.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	client := &sseClient{ch: make(chan core.Event, 256), filters: filters}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	s.metrics.IncSSEClients(1)

	defer func() {
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		s.metrics.IncSSEClients(-1)
	}()

	fmt.Fprintf(w, ":ok\n\n")
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case e, ok := <-client.ch:
			if !ok {
				return
			}
			// Injection patterns are stripped here, at the rendering
			// boundary, never earlier; normalization sees the raw text.
			e.Text = core.Sanitize(e.Text)
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.WireName(), data)
			flusher.Flush()
			s.metrics.IncEventsSent()
		}
	}
}

// Broadcast fans one event out to every connected SSE client whose
// filters match. Slow clients drop rather than block ingest.
func (s *Server) Broadcast(e core.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		if !client.filters.Matches(e) {
			continue
		}
		select {
		case client.ch <- e:
		default:
			s.metrics.IncBroadcastDrops()
		}
	}
}

// AttachBus subscribes the server to every canonical wire name so bus
// traffic reaches SSE clients. The returned func detaches.
func (s *Server) AttachBus(b *bus.Bus) func() {
	types := []core.EventType{
		core.TypeChatMessage, core.TypeGift, core.TypePaypiggy, core.TypeGiftPaypiggy,
		core.TypeViewerCount, core.TypeStreamStatus, core.TypeStreamDetected,
		core.TypeConnection, core.TypeError,
	}
	cancels := make([]func(), 0, len(types))
	for _, t := range types {
		cancels = append(cancels, b.Subscribe(t.WireName(), s.Broadcast))
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

func (s *Server) Start() error {
	slog.Info("httpapi: listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for client := range s.clients {
		close(client.ch)
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}
