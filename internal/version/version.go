package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// These variables will be set at build time via -ldflags
var (
	// Version represents the application version (from git tags)
	Version = "dev"
	// BuildTime is the time when the binary was built
	BuildTime = "unknown"
	// CommitID is the git commit hash
	CommitID = "unknown"
)

// BuildInfo describes the running binary
type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// Get returns the build info. Values not injected with -ldflags fall back
// to what the Go toolchain recorded, so `go install` builds still report a
// module version and revision.
func Get() BuildInfo {
	info := BuildInfo{
		Version:   Version,
		GitCommit: CommitID,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.GitCommit == "unknown" && len(s.Value) >= 7 {
				info.GitCommit = s.Value[:7]
			}
		case "vcs.time":
			if info.BuildTime == "unknown" {
				info.BuildTime = s.Value
			}
		}
	}
	return info
}

// FormattedBuildTime returns the build time in a human readable form
func (b BuildInfo) FormattedBuildTime() string {
	t, err := time.Parse(time.RFC3339, b.BuildTime)
	if err != nil {
		return b.BuildTime
	}
	return t.Format("Mon Jan 2 15:04:05 2006")
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("screen-bridge %s (%s, %s %s/%s)", b.Version, b.GitCommit, b.GoVersion, b.OS, b.Arch)
}

// UserAgent identifies the CLI to a running bridge.
func UserAgent() string {
	return "screen-bridge/" + Get().Version
}

// Info returns the build info as a flat map for JSON status output
func Info() map[string]string {
	b := Get()
	return map[string]string{
		"Version":       b.Version,
		"GoVersion":     b.GoVersion,
		"GitCommit":     b.GitCommit,
		"BuildTime":     b.BuildTime,
		"FormattedTime": b.FormattedBuildTime(),
		"OS":            b.OS,
		"Arch":          b.Arch,
	}
}
