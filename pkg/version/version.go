// Package version contains the build version, set at build time via ldflags.
package version

// Version is the symbolic version of this build.
var Version = "development"
