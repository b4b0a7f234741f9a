// Package version reports the build identity of the ordersaga binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Set with -ldflags "-X github.com/goclaw/ordersaga/pkg/version.Version=...".
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

// Info is the build identity exposed on /status and by -version.
type Info struct {
	Version   string `json:"version"`
	BuildTime string `json:"buildTime"`
	GitCommit string `json:"gitCommit"`
	GoVersion string `json:"goVersion"`
	Modified  bool   `json:"modified,omitempty"`
}

var (
	once   sync.Once
	cached Info
)

// Get returns the build identity. Values not injected through ldflags are taken from the
// VCS stamp the Go toolchain embeds, when present.
func Get() Info {
	once.Do(func() {
		cached = Info{Version: Version, BuildTime: BuildTime, GitCommit: GitCommit, GoVersion: GoVersion}
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		fill(&cached, bi)
	})
	return cached
}

func fill(info *Info, bi *debug.BuildInfo) {
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.GitCommit == "unknown" && s.Value != "" {
				info.GitCommit = shortRevision(s.Value)
			}
		case "vcs.time":
			if info.BuildTime == "unknown" && s.Value != "" {
				info.BuildTime = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

func (i Info) String() string {
	s := fmt.Sprintf("%s (commit %s, built %s, %s)", i.Version, i.GitCommit, i.BuildTime, i.GoVersion)
	if i.Modified {
		s += " dirty"
	}
	return s
}
