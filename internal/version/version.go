// Package version provides build-time version information.
package version

import "fmt"

// Set at build time with -ldflags "-X dipfit/internal/version.Version=...".
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Info is the build description printed by "dipfit version".
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Get returns the current build description.
func Get() Info {
	return Info{Version: Version, Commit: GitCommit, Date: BuildTime}
}

func (i Info) String() string {
	return fmt.Sprintf("dipfit version %s (commit: %s, built: %s)", i.Version, i.Commit, i.Date)
}
