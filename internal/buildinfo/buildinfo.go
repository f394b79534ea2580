// Package buildinfo holds version metadata stamped at compile time via
// -ldflags "-X github.com/nugget/mobo/internal/buildinfo.Version=...".
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Uptime returns the time since process start, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logs and the version command.
func String() string {
	return fmt.Sprintf("mobo %s (%s) built %s with %s", Version, GitCommit, BuildTime, runtime.Version())
}

// UserAgent is sent on outbound HTTP requests.
func UserAgent() string {
	return "mobo/" + Version
}

// LogAttrs returns build metadata as slog key/value pairs.
func LogAttrs() []any {
	return []any{
		"version", Version,
		"commit", GitCommit,
		"built", BuildTime,
		"go", runtime.Version(),
	}
}

// Info returns build metadata as a map for structured output.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}
