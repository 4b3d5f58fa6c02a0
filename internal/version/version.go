// Package version reports the version of the rollout binary.
package version

import (
	_ "embed"
	"runtime/debug"
	"strings"
)

// VERSION is the release version checked into the repository. It is used
// when the binary is built without ldflags.
//
//go:embed VERSION
var VERSION string

// Get returns the embedded version with a "v" prefix.
func Get() string {
	return "v" + strings.TrimSpace(VERSION)
}

// Resolve returns ldflags when set, then the module version of a
// `go install` build, then the embedded version.
func Resolve(ldflags string) string {
	if ldflags != "" {
		return ldflags
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			return v
		}
	}
	return Get()
}
