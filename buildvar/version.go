// Package buildvar provides build information, such as the version of an
// smtpsubmit binary.
package buildvar

import (
	"runtime/debug"
)

// Version is set at runtime based on the Go module used to build. For builds
// from a checkout, it is the VCS revision, with "+modifications" if the
// working tree was dirty.
var Version = "(devel)"

// GoVersion is the Go toolchain used for the build.
var GoVersion = "(unknown)"

func init() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	GoVersion = buildInfo.GoVersion
	Version = buildInfo.Main.Version
	if Version != "(devel)" && Version != "" {
		return
	}
	var vcsRev, vcsMod string
	for _, setting := range buildInfo.Settings {
		switch setting.Key {
		case "vcs.revision":
			vcsRev = setting.Value
		case "vcs.modified":
			vcsMod = setting.Value
		}
	}
	if vcsRev == "" {
		Version = "(devel)"
		return
	}
	Version = vcsRev
	switch vcsMod {
	case "false":
	case "true":
		Version += "+modifications"
	default:
		Version += "+unknown"
	}
}
