package version

import (
	"runtime"
	"time"
)

// Set at build time via -ldflags "-X".
var (
	Version   = "dev"
	BuildTime = "unknown"
	CommitID  = "unknown"
)

// Protocol is the softbus handshake revision spoken by this build.
const Protocol = "1"

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	Protocol  string `json:"protocol"`
	GoVersion string `json:"go_version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	Platform  string `json:"platform"`
}

// Get returns the build information shown by `dscreen version`.
func Get() Info {
	return Info{
		Version:   Version,
		Protocol:  Protocol,
		GoVersion: runtime.Version(),
		GitCommit: CommitID,
		BuildTime: BuildTime,
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Built renders BuildTime for humans, falling back to the raw value when it
// is not RFC 3339.
func (i Info) Built() string {
	t, err := time.Parse(time.RFC3339, i.BuildTime)
	if err != nil {
		return i.BuildTime
	}
	return t.Format("Mon Jan 2 15:04:05 2006")
}

// Short is the one-line form printed by `dscreen --version`.
func (i Info) Short() string {
	return "dscreen version " + i.Version + ", build " + i.GitCommit
}
