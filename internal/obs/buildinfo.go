package obs

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version   string    `json:"version"`
	Commit    string    `json:"commit"`
	GoVersion string    `json:"goVersion"`
	StartedAt time.Time `json:"startedAt"`
}

var (
	buildInfoOnce sync.Once
	buildMu       sync.RWMutex
	build         = BuildInfo{Version: "dev", Commit: "none", GoVersion: runtime.Version(), StartedAt: time.Now().UTC()}

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arbiter_build_info",
			Help: "Arbiter build information; always 1.",
		},
		[]string{"version", "commit", "goversion"},
	)
	startTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arbiter_start_time_seconds",
		Help: "Unix time the process started.",
	})
)

// InitBuildInfo records the build labels and exports them once.
func InitBuildInfo(version, commit string) {
	buildMu.Lock()
	if version != "" {
		build.Version = version
	}
	if commit != "" {
		build.Commit = commit
	}
	info := build
	buildMu.Unlock()

	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo, startTime)
	})
	buildInfo.WithLabelValues(info.Version, info.Commit, info.GoVersion).Set(1)
	startTime.Set(float64(info.StartedAt.Unix()))
}

// Build returns what InitBuildInfo recorded, or dev defaults.
func Build() BuildInfo {
	buildMu.RLock()
	defer buildMu.RUnlock()
	return build
}
