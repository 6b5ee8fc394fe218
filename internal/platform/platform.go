// Package platform defines the uniform surface the aggregator consumes from
// every upstream transport, plus the factory that hardens SDK-specific
// clients to that surface.
package platform

import (
	"context"
)

// Payload is the raw, platform-shaped event data an adapter emits. All
// normalization into the canonical model happens downstream.
type Payload map[string]any

// Listener receives raw payloads for one event name.
type Listener func(Payload)

// EventSource is the in-process emitter surface every adapter exposes.
type EventSource interface {
	On(event string, fn Listener)
	Emit(event string, payload Payload)
	RemoveAllListeners()
}

// Handlers are the callbacks a transport invokes with raw payloads.
// Nil entries are skipped.
type Handlers struct {
	OnChat         func(Payload)
	OnGift         func(Payload)
	OnPaypiggy     func(Payload)
	OnStreamStatus func(Payload)
	OnViewerCount  func(Payload)
}

// Connector is the minimal contract a transport constructor must satisfy.
// Initialize establishes the upstream connection and routes raw events to
// the handlers until the context is cancelled or Cleanup runs.
type Connector interface {
	Initialize(ctx context.Context, h Handlers) error
	Cleanup(ctx context.Context) error
}

// Adapter is a Connector hardened to the emitter surface. Transports that
// do not implement EventSource themselves get wrapped by the factory.
type Adapter interface {
	Connector
	EventSource
}

// Logger is the leveled logging surface injected into adapters. Nil
// function fields become no-ops, so a partially filled Logger is valid.
type Logger struct {
	DebugFn func(msg string, args ...any)
	InfoFn  func(msg string, args ...any)
	WarnFn  func(msg string, args ...any)
	ErrorFn func(msg string, args ...any)
}

func (l Logger) Debug(msg string, args ...any) {
	if l.DebugFn != nil {
		l.DebugFn(msg, args...)
	}
}

func (l Logger) Info(msg string, args ...any) {
	if l.InfoFn != nil {
		l.InfoFn(msg, args...)
	}
}

func (l Logger) Warn(msg string, args ...any) {
	if l.WarnFn != nil {
		l.WarnFn(msg, args...)
	}
}

func (l Logger) Error(msg string, args ...any) {
	if l.ErrorFn != nil {
		l.ErrorFn(msg, args...)
	}
}
