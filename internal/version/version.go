// Package version holds the build version, set with
// -ldflags "-X recap/internal/version.Version=..."
package version

// Version is the running build
var Version = "dev"
