// Package version reports the build information of forkdb, read from the VCS metadata the Go toolchain embeds.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Version is the semantic version of the build. It can be overridden via ldflags.
var Version = "0.1.0"

// Info describes a build.
type Info struct {
	Version   string
	GitCommit string
	Dirty     bool
	GoVersion string
}

// GetInfo returns the build information of the running binary.
func GetInfo() Info {
	info := Info{Version: Version, GoVersion: runtime.Version()}
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, kv := range buildInfo.Settings {
		switch kv.Key {
		case "vcs.revision":
			info.GitCommit = kv.Value
		case "vcs.modified":
			info.Dirty = kv.Value == "true"
		}
	}
	return info
}

// Short returns a single-line version string, such as 0.1.0+abc1234-dirty.
func (i Info) Short() string {
	v := i.Version
	if i.GitCommit != "" {
		v += "+" + i.GitCommit[:min(7, len(i.GitCommit))]
		if i.Dirty {
			v += "-dirty"
		}
	}
	return v
}

// String returns a multi-line description of the build.
func (i Info) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("forkdb version %s\n", i.Short()))
	sb.WriteString(fmt.Sprintf("  Go version: %s\n", i.GoVersion))
	return sb.String()
}
