// Package version carries build identification injected at link time:
//
//	go build -ldflags "-X .../internal/version.Version=v1.2.3 \
//	  -X .../internal/version.Commit=abc1234 \
//	  -X .../internal/version.BuildTime=2026-01-02T15:04:05Z"
package version

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)
