// Package buildinfo stamps corral binaries with release metadata.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/corralhq/corral/core/infra/logging"
)

// Set via -ldflags at release build time.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s go=%s", Version, resolveCommit(), Date, runtime.Version())
}

// resolveCommit falls back to the VCS revision embedded by the toolchain
// when the ldflags stamp is absent (plain go build).
func resolveCommit() string {
	if Commit != "" && Commit != "unknown" {
		return Commit
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range bi.Settings {
			if setting.Key == "vcs.revision" && setting.Value != "" {
				if len(setting.Value) > 12 {
					return setting.Value[:12]
				}
				return setting.Value
			}
		}
	}
	return Commit
}

// Log writes the build summary under the service's component prefix.
func Log(service string) {
	logging.Info(service, "build "+Info())
}
