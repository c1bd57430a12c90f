package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Tesoro API build information.",
		},
		[]string{"version", "commit"},
	)
)

// Build identifies the running binary; set via -ldflags in cmd/api.
type Build struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// InitBuildInfo registers build_info once and sets build_info{version,commit} to 1.
func InitBuildInfo(b Build) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(b.Version, b.Commit).Set(1)
}
