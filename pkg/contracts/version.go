package contracts

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

const (
	// Version of the metrofleet binary
	Version = "0.1.0"
	// APIVersion of the HTTP and websocket contracts
	APIVersion = "v1"
)

// Set with -ldflags "-X metrofleet/pkg/contracts.GitCommit=..."; when empty
// the VCS stamp embedded by the go tool is used.
var (
	BuildTime = ""
	GitCommit = ""
)

// VersionInfo is served by /api/version
type VersionInfo struct {
	Version    string `json:"version"`
	APIVersion string `json:"api_version"`
	GitCommit  string `json:"git_commit"`
	BuildTime  string `json:"build_time"`
	Modified   bool   `json:"modified,omitempty"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// GetVersionInfo describes the running binary
func GetVersionInfo() VersionInfo {
	info := VersionInfo{
		Version:    Version,
		APIVersion: APIVersion,
		GitCommit:  GitCommit,
		BuildTime:  BuildTime,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.GitCommit == "" {
					info.GitCommit = s.Value
				}
			case "vcs.time":
				if info.BuildTime == "" {
					info.BuildTime = s.Value
				}
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
	}
	if info.GitCommit == "" {
		info.GitCommit = "unknown"
	}
	if info.BuildTime == "" {
		info.BuildTime = "unknown"
	}
	return info
}

// GetFullVersionString returns a one-line version description
func GetFullVersionString() string {
	info := GetVersionInfo()
	commit := info.GitCommit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if info.Modified {
		commit += "-dirty"
	}
	return fmt.Sprintf("metrofleet v%s (api %s, commit %s, built %s, %s, %s)",
		info.Version, info.APIVersion, commit, info.BuildTime, info.GoVersion, info.Platform)
}
