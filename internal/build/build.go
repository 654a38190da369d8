// Package build provides build-time metadata, overridden via ldflags at release time.
package build

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)
