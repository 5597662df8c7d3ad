package obs

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	GoVersion string `json:"go_version"`
}

var (
	buildMu         sync.Mutex
	buildRegistered bool
	currentBuild    BuildInfo

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "authcore_build_info",
			Help: "Version, commit and Go runtime of the running authcore binary.",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// InitBuildInfo publishes authcore_build_info with a single series. A commit
// of "" or "dev" is replaced by the VCS revision the toolchain stamped into
// the binary, if any.
func InitBuildInfo(version, commit string) BuildInfo {
	info := BuildInfo{Version: version, Commit: commit, GoVersion: runtime.Version()}
	if info.Commit == "" || info.Commit == "dev" {
		if rev := vcsRevision(); rev != "" {
			info.Commit = rev
		}
	}
	if info.Commit == "" {
		info.Commit = "unknown"
	}

	buildMu.Lock()
	defer buildMu.Unlock()
	if !buildRegistered {
		prometheus.MustRegister(buildInfo)
		buildRegistered = true
	}
	buildInfo.Reset()
	buildInfo.WithLabelValues(info.Version, info.Commit, info.GoVersion).Set(1)
	currentBuild = info
	return info
}

// CurrentBuild returns what InitBuildInfo last published.
func CurrentBuild() BuildInfo {
	buildMu.Lock()
	defer buildMu.Unlock()
	return currentBuild
}

func vcsRevision() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 12 {
			return s.Value[:12]
		}
	}
	return ""
}
