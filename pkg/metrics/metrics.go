package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Module metrics
	ModulesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "laps_modules_total",
			Help: "Total number of registered modules by state",
		},
		[]string{"state"},
	)

	ModuleRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laps_module_restarts_total",
			Help: "Total number of module container restarts by name and version",
		},
		[]string{"name", "version"},
	)

	ModuleBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "laps_module_build_duration_seconds",
			Help:    "Time taken to build a module image in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	ModuleBuildsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "laps_module_builds_failed_total",
			Help: "Total number of module builds that failed",
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "laps_queue_depth",
			Help: "Current number of tokens waiting in a module's job queue",
		},
		[]string{"name", "version"},
	)

	// Job metrics
	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laps_jobs_submitted_total",
			Help: "Total number of jobs submitted by module",
		},
		[]string{"name", "version"},
	)

	JobLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "laps_job_latency_seconds",
			Help:    "Time between job submission and a terminal result",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"name", "version", "outcome"},
	)

	JobsExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laps_jobs_expired_total",
			Help: "Total number of jobs whose record expired before being awaited to completion",
		},
		[]string{"name", "version"},
	)

	// Map store metrics
	MapsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "laps_maps_total",
			Help: "Total number of maps currently stored",
		},
	)

	MapUploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "laps_map_upload_duration_seconds",
			Help:    "Time taken to decode and store an uploaded raster in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laps_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "laps_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(ModulesTotal)
	prometheus.MustRegister(ModuleRestartsTotal)
	prometheus.MustRegister(ModuleBuildDuration)
	prometheus.MustRegister(ModuleBuildsFailedTotal)

	prometheus.MustRegister(QueueDepth)

	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobLatency)
	prometheus.MustRegister(JobsExpiredTotal)

	prometheus.MustRegister(MapsTotal)
	prometheus.MustRegister(MapUploadDuration)

	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
