package version

// Version is the current version of the SilentLink CLI.
// This value can be overridden at build time using:
//   go build -ldflags="-X 'github.com/ljdmx/SilentLink/internal/version.Version=v1.0.0'"
var Version = "dev"
