package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// IterationCurrent is the 0-based iteration number the engine is on.
	IterationCurrent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ntfsconv_iteration_current",
			Help: "Current conversion iteration number",
		},
	)

	// FilesMigratedTotal mirrors ConversionState.files_migrated_total.
	FilesMigratedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ntfsconv_files_migrated_total",
			Help: "Total number of files verified and migrated to the target volume",
		},
	)

	// NoProgressCount is the consecutive-iteration no-progress counter (spec §4.5 step 4).
	NoProgressCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ntfsconv_no_progress_count",
			Help: "Consecutive iterations that moved less than 1 MiB",
		},
	)

	// SourceUsedKB is the last-observed used_kb of the source volume.
	SourceUsedKB = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ntfsconv_source_used_kb",
			Help: "Live data remaining on the source volume, in kilobytes",
		},
	)

	// VerificationOutcomesTotal counts migrator verification results by outcome.
	VerificationOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ntfsconv_verification_outcomes_total",
			Help: "Verification pass outcomes by kind (verified, missing, failed)",
		},
		[]string{"outcome"},
	)

	// BlockOpDuration times individual Block Layer Adapter operations.
	BlockOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ntfsconv_block_op_duration_seconds",
			Help:    "Duration of Block Layer Adapter operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// IterationDuration times a full shrink/grow/migrate/verify/delete cycle.
	IterationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ntfsconv_iteration_duration_seconds",
			Help:    "Duration of one conversion iteration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)
)

func init() {
	prometheus.MustRegister(
		IterationCurrent,
		FilesMigratedTotal,
		NoProgressCount,
		SourceUsedKB,
		VerificationOutcomesTotal,
		BlockOpDuration,
		IterationDuration,
	)
}

// Handler returns the Prometheus HTTP handler, for callers that want to
// expose a scrape endpoint alongside the conversion run.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
