package version

import (
	"fmt"

	"go.uber.org/zap"
)

// Set at build time:
// go build -ldflags "-X github.com/echoyidotfun/demind-agent-service/internal/version.Version=v1.2.3"
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func GetVersion() string {
	if Version == "" {
		return "dev"
	}
	return Version
}

// String renders the build as "version (commit, built time)"
func String() string {
	return fmt.Sprintf("%s (%s, built %s)", GetVersion(), GitCommit, BuildTime)
}

// Fields returns the build information as log fields
func Fields() []zap.Field {
	return []zap.Field{
		zap.String("version", GetVersion()),
		zap.String("git_commit", GitCommit),
		zap.String("build_time", BuildTime),
	}
}
