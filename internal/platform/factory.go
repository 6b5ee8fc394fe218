package platform

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/you/streamweave/internal/core"
)

// Config is the per-platform connection configuration handed to a
// transport constructor.
type Config struct {
	Username string // streamer identity on the platform
	Channel  string // chat channel to join, defaults to Username
	Token    string
	ClientID string

	// Settings carries transport-specific knobs (poll intervals, endpoint
	// overrides) without widening this struct per platform.
	Settings map[string]any
}

// Deps are the injected collaborators every transport may use.
type Deps struct {
	Logger        Logger
	HTTP          *http.Client
	TokenProvider func() string
}

// Constructor builds a transport for one platform. Returning a nil
// Connector without an error is treated as a constructor defect.
type Constructor func(cfg Config, deps Deps) (Connector, error)

var (
	registryMu sync.Mutex
	registry   = make(map[core.Platform]Constructor)
)

// Register installs the constructor for a platform. Transport packages call
// this from init; the last registration wins, which lets tests stub one in.
func Register(p core.Platform, fn Constructor) {
	registryMu.Lock()
	registry[p] = fn
	registryMu.Unlock()
}

var ErrUnsupportedPlatform = errors.New("platform: unsupported platform")

// New validates configuration, constructs the platform transport, and
// hardens it to the Adapter surface. Transports lacking an emitter get
// wrapped with an in-process one.
func New(name string, cfg *Config, deps *Deps) (Adapter, error) {
	p, ok := core.ParsePlatform(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, name)
	}
	if cfg == nil {
		return nil, fmt.Errorf("platform %s: config is required", p)
	}
	if deps == nil {
		return nil, fmt.Errorf("platform %s: dependencies are required", p)
	}

	conf := *cfg
	if p == core.PlatformTikTok {
		conf.Username = strings.TrimPrefix(conf.Username, "@")
		conf.Channel = strings.TrimPrefix(conf.Channel, "@")
	}
	if conf.Channel == "" {
		conf.Channel = conf.Username
	}

	registryMu.Lock()
	ctor := registry[p]
	registryMu.Unlock()
	if ctor == nil {
		return nil, fmt.Errorf("%w: no constructor for %q", ErrUnsupportedPlatform, p)
	}

	conn, err := ctor(conf, *deps)
	if err != nil {
		return nil, fmt.Errorf("platform %s: construct: %w", p, err)
	}
	if conn == nil {
		return nil, fmt.Errorf("platform %s: constructor returned no client", p)
	}

	if adapter, ok := conn.(Adapter); ok {
		return adapter, nil
	}
	return &wrapped{Connector: conn, Emitter: NewEmitter()}, nil
}

// wrapped grafts an emitter onto a transport that has none.
type wrapped struct {
	Connector
	*Emitter
}
