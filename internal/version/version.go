// Package version provides build-time version information.
package version

// Version is set by the build process
var Version = "dev"

// GitCommit is set by the build process
var GitCommit = "unknown"

// BuildDate is set by the build process
var BuildDate = "unknown"
