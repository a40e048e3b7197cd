package observability

import "fmt"

// Build identity, overwritten via -ldflags "-X device-relay/internal/infrastructure/observability.Version=...".
var (
	Version = "dev"
	Commit  = "none"
	Date    = ""
)

// VersionString is the one-line form printed by the CLI.
func VersionString() string {
	if Date == "" {
		return fmt.Sprintf("device-relay %s (%s)", Version, Commit)
	}
	return fmt.Sprintf("device-relay %s (%s, built %s)", Version, Commit, Date)
}
