// Package buildconfig exposes release metadata stamped at link time.
package buildconfig

// Overridden via
// -ldflags "-X .../internal/buildconfig.version=v1.2.3 -X .../internal/buildconfig.commit=abc123".
var (
	version = "dev"
	commit  = "unknown"
)

// Version reports the stamped release version, "dev" for local builds.
func Version() string {
	return version
}

// Commit reports the stamped git revision.
func Commit() string {
	return commit
}

// VersionInfo bundles both fields for diagnostic endpoints.
func VersionInfo() map[string]string {
	return map[string]string{
		"version": version,
		"commit":  commit,
	}
}
