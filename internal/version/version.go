// Package version exposes the build version of the gas station.
package version

// Version is the release version reported by the /version endpoint and
// the --version flag. Overridden at build time via
// -ldflags "-X github.com/R3E-Network/gaspool/internal/version.Version=...".
var Version = "dev"
