// Package buildinfo carries version information stamped at link time.
package buildinfo

// Set via -ldflags at build time.
var (
	Version   = "dev"
	BuildDate = "unknown"
)
