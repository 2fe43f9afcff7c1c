// Package version reports build information stamped in at link time.
package version

import (
	"fmt"
	"runtime"
)

// Name is the program name used in version strings and user agents.
const Name = "agentsync"

// Set via ldflags at build time:
//
//	go build -ldflags "-X github.com/soyeahso/agentsync/internal/version.Version=1.0.0
//	  -X github.com/soyeahso/agentsync/internal/version.Commit=abc123
//	  -X github.com/soyeahso/agentsync/internal/version.Date=2026-01-01"
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a formatted version string.
func Info() string {
	return fmt.Sprintf("%s %s (commit: %s, built: %s, %s/%s)",
		Name, Version, short(Commit), Date, runtime.GOOS, runtime.GOARCH)
}

// UserAgent identifies this build to the relay during the handshake.
func UserAgent() string {
	return fmt.Sprintf("%s/%s (%s/%s)", Name, Version, runtime.GOOS, runtime.GOARCH)
}

func short(s string) string {
	if len(s) > 7 {
		return s[:7]
	}
	return s
}
