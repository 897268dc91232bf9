// Package metrics exposes the forge pipeline's Prometheus instrumentation,
// grounded on cuemby-warren's pkg/metrics package: package-level collectors
// registered once in init(), plus a small Timer helper for histogram
// observations, and a Handler for mounting promhttp.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job queue and build execution.
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_jobs_enqueued_total",
			Help: "Total number of build jobs enqueued, by arch",
		},
		[]string{"arch"},
	)

	JobsDisplacedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_jobs_displaced_total",
			Help: "Total number of pending jobs displaced by a re-enqueue of the same dirname/arch",
		},
		[]string{"arch"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_queue_depth",
			Help: "Number of jobs currently pending in the build queue",
		},
	)

	BuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_builds_total",
			Help: "Total number of completed build pipeline runs, by result",
		},
		[]string{"result"}, // success, clean_failure, build_failure, sign_failure, upload_failure
	)

	BuildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forge_build_duration_seconds",
			Help:    "Time taken to run one job's full build pipeline",
			Buckets: []float64{30, 60, 180, 300, 600, 1200, 1800, 3600, 7200},
		},
		[]string{"arch"},
	)

	// Update detection.
	UpdateScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forge_update_scan_duration_seconds",
			Help:    "Time taken for one full recipe-tree update scan",
			Buckets: prometheus.DefBuckets,
		},
	)

	UpdateChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_update_checks_total",
			Help: "Total number of per-recipe update checks, by outcome",
		},
		[]string{"outcome"}, // advanced, downgrade, unchanged, quarantined, skipped
	)

	QuarantinedRecipesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_quarantined_recipes_total",
			Help: "Total number of recipes newly quarantined after repeated check failures",
		},
	)

	// Upload handshake.
	UploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forge_upload_duration_seconds",
			Help:    "Time taken for one artifact set's full push handshake",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	UploadRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_upload_retries_total",
			Help: "Total number of upload handshake retries, by phase",
		},
		[]string{"phase"}, // push_start_busy, transfer, push_done
	)

	UploadFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_upload_failures_total",
			Help: "Total number of uploads that exhausted their retries",
		},
	)

	// Repo daemon.
	ReservationBusyTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_repo_reservation_busy_total",
			Help: "Total number of push_start calls rejected because a reservation was already active",
		},
	)

	IntegrateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forge_repo_integrate_duration_seconds",
			Help:    "Time taken for one repo-daemon integration operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"}, // update, regenerate, remove, clean_archive
	)

	EvictedArtifactsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_repo_evicted_artifacts_total",
			Help: "Total number of artifacts moved out of a served tree, by destination",
		},
		[]string{"destination"}, // archive, recycled
	)
)

func init() {
	prometheus.MustRegister(
		JobsEnqueuedTotal,
		JobsDisplacedTotal,
		QueueDepth,
		BuildsTotal,
		BuildDuration,
		UpdateScanDuration,
		UpdateChecksTotal,
		QuarantinedRecipesTotal,
		UploadDuration,
		UploadRetriesTotal,
		UploadFailuresTotal,
		ReservationBusyTotal,
		IntegrateDuration,
		EvictedArtifactsTotal,
	)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an in-flight operation for later histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
