package droidpack

import "runtime/debug"

// VersionCore is the core of droidpack's semantic version.
var VersionCore = "0.1.0"

// SemVer returns droidpack's full semantic version, including VCS
// metadata when built from source.
func SemVer() string {
	semver := "v" + VersionCore

	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
				return semver + "+" + setting.Value[:7]
			}
		}
	}

	return semver
}
