// Package sysinfo describes the running environment. The description is
// stored as a stamp whenever storage is reset.
package sysinfo

import (
	"runtime"
	"runtime/debug"
	"time"
)

// Version is overridden at build time with -ldflags "-X ajiaco/internal/sysinfo.Version=...".
var Version = ""

// BuildVersion returns Version, falling back to the main module version
// recorded in the binary.
func BuildVersion() string {
	if Version != "" {
		return Version
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" {
		return bi.Main.Version
	}
	return "(devel)"
}

// Modules lists the dependency modules linked into the binary as path@version.
func Modules() []any {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return []any{}
	}
	out := make([]any, 0, len(bi.Deps))
	for _, dep := range bi.Deps {
		if dep.Replace != nil {
			dep = dep.Replace
		}
		out = append(out, dep.Path+"@"+dep.Version)
	}
	return out
}

// Info returns the environment description stamped at now.
func Info(now time.Time) map[string]any {
	return map[string]any{
		"VERSION":          BuildVersion(),
		"GO_VERSION":       runtime.Version(),
		"GO_MODULES":       Modules(),
		"PLATFORM":         runtime.GOOS + "/" + runtime.GOARCH,
		"SYSTEM_ENCODING":  "utf-8",
		"SYSTEM_TIME_ZONE": time.Local.String(),
		"UTC_CREATED_AT":   now.UTC().Format(time.RFC3339Nano),
	}
}
