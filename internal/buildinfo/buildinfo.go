// Package buildinfo holds version and build metadata stamped at compile
// time via -ldflags "-X github.com/nugget/sensorpub/internal/buildinfo.Version=...".
package buildinfo

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Build describes the running binary. It is served by GET /v1/version
// and printed by "sensorpub version".
type Build struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	GitBranch string    `json:"git_branch"`
	BuildTime string    `json:"build_time"`
	GoVersion string    `json:"go_version"`
	Platform  string    `json:"platform"`
	Started   time.Time `json:"started"`
	Uptime    string    `json:"uptime"`
}

// Info returns the current build and runtime metadata.
func Info() Build {
	return Build{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Started:   startTime,
		Uptime:    Uptime().String(),
	}
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("sensorpub %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}

// Fields returns the text rendering used by "sensorpub version", in
// display order.
func (b Build) Fields() [][2]string {
	return [][2]string{
		{"version", b.Version},
		{"git_commit", b.GitCommit},
		{"git_branch", b.GitBranch},
		{"build_time", b.BuildTime},
		{"go_version", b.GoVersion},
		{"platform", b.Platform},
	}
}

// LogValue groups the build identity for the startup log line.
func (b Build) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("version", b.Version),
		slog.String("commit", b.GitCommit),
		slog.String("branch", b.GitBranch),
		slog.String("built", b.BuildTime),
	)
}
