// Package version reports the build version of the binary.
package version

import (
	"runtime"
	"runtime/debug"
)

// Version is stamped at build time:
//
//	-ldflags="-X cardrelay/internal/version.Version=v1.0.0"
var Version = ""

// Info is the build metadata exposed on /healthz.
type Info struct {
	Version  string `json:"version"`
	Revision string `json:"revision,omitempty"`
	Go       string `json:"go"`
}

func GetInfo() Info {
	info := Info{Version: Get(), Go: runtime.Version()}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.Revision = setting(bi, "vcs.revision")
	}
	return info
}

// Get returns Version, falling back to module or VCS build info, then "dev".
func Get() string {
	if Version != "" {
		return Version
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		if v := bi.Main.Version; v != "" && v != "(devel)" {
			return v
		}
		if rev := setting(bi, "vcs.revision"); rev != "" {
			if len(rev) > 7 {
				rev = rev[:7]
			}
			return "dev-" + rev
		}
	}
	return "dev"
}

func setting(bi *debug.BuildInfo, key string) string {
	for _, s := range bi.Settings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}
