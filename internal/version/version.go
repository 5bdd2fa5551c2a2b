package version

// Version information (injected at build time via -ldflags).
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Full returns the complete version string for telemetry and logging.
func Full() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime
}
