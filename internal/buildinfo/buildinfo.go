// Package buildinfo carries build metadata stamped by the linker.
package buildinfo

import "runtime/debug"

// Build metadata set with -ldflags "-X".
var (
	Version = "dev"
	Commit  = "unknown"
	BuiltAt = "unknown"
)

// String formats the metadata as "version=<v> commit=<sha> built_at=<rfc3339>".
func String() string {
	return "version=" + Version + " commit=" + resolvedCommit() + " built_at=" + BuiltAt
}

// resolvedCommit falls back to the VCS revision embedded by go build when
// the linker did not stamp one.
func resolvedCommit() string {
	if Commit != "unknown" {
		return Commit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Commit
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
			return setting.Value[:7]
		}
	}
	return Commit
}
