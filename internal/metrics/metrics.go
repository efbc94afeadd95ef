package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Detection run metrics
var (
	// Window metrics
	WindowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_windows_total",
			Help: "Total number of windows attempted by the detector",
		},
		[]string{"detector", "result"}, // result: scored/skipped/exhausted
	)

	DetectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowguard_detection_duration_seconds",
			Help:    "Detection run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"detector"},
	)

	// Selection metrics
	AbnormalWindows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowguard_abnormal_windows",
			Help: "Number of abnormal windows selected in the last run",
		},
		[]string{"detector", "component"},
	)

	// Identification metrics
	IdentifiedContributors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_identified_contributors_total",
			Help: "Total number of states or transitions reported as anomaly contributors",
		},
		[]string{"mode"}, // mode: mf/mb
	)
)

// Window results used as the "result" label of WindowsTotal.
const (
	ResultScored    = "scored"
	ResultSkipped   = "skipped"
	ResultExhausted = "exhausted"
)

// WriteTextfile dumps every registered metric to path in the text exposition
// format read by the node exporter textfile collector.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
