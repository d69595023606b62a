// Package appversion reports the diverga build version.
package appversion

import "runtime/debug"

const devel = "dev"

// version is set at build time via
// -ldflags "-X diverga/internal/appversion.version=v1.2.3".
var version = devel //nolint:gochecknoglobals // ldflags requires package-level var

// String returns the ldflags version, falling back to the module version
// recorded by go install and then to "dev".
func String() string {
	if version != devel {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			return v
		}
	}
	return version
}
