// Package version reports the build that is running.
//
// Set at build time:
//
//	go build -ldflags "-X github.com/rickgao/sockethub/internal/version.Version=1.0.0 \
//	                   -X github.com/rickgao/sockethub/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/rickgao/sockethub/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import "runtime"

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info is the build description served by the status route.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// Get returns the running build.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}

// String returns "version (commit) built time".
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}
