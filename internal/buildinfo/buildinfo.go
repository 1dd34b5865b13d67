// Package buildinfo exposes the version metadata baked into the binary.
// Release builds stamp the variables through -ldflags; when they are
// absent (plain go build, go install) the module's embedded VCS
// settings fill in what they can.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Stamped with -ldflags "-X ..." on release builds.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var bootTime = time.Now()

func init() {
	if GitCommit != "unknown" {
		return
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	var dirty bool
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if s.Value != "" {
				GitCommit = s.Value
			}
		case "vcs.time":
			if s.Value != "" && BuildTime == "unknown" {
				BuildTime = s.Value
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if dirty && GitCommit != "unknown" {
		GitCommit += "-dirty"
	}
}

// Info returns the build and runtime facts as a flat map, the shape the
// version command and the status endpoint both serve.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime is the time since process start, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(bootTime).Truncate(time.Second)
}

// UserAgent identifies the agent on outbound HTTP calls.
func UserAgent() string {
	return fmt.Sprintf("jarvis/%s (+https://github.com/jarvis-agent/jarvis)", Version)
}

// String is the one-line form used in boot logs and the blob record.
func String() string {
	return fmt.Sprintf("Jarvis %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
