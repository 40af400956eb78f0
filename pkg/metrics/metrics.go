// Package metrics defines the Prometheus metric collectors used across the
// pipeline and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	APIRejectionsTotal   *prometheus.CounterVec
	RunsTotal            *prometheus.CounterVec
	RunsRejectedTotal    *prometheus.CounterVec
	RunDuration          prometheus.Histogram
	RunInProgress        prometheus.Gauge
	StageAttemptsTotal   *prometheus.CounterVec
	StageResultsTotal    *prometheus.CounterVec
	StageDuration        *prometheus.HistogramVec
	ExtractAttemptsTotal *prometheus.CounterVec
	SnapshotRows         prometheus.Gauge
	VersionsTotal        *prometheus.CounterVec
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg. A nil reg uses
// the default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		APIRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apod_api_rejections_total",
				Help: "Control API requests refused by route and reason.",
			},
			[]string{"route", "reason"},
		),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apod_pipeline_runs_total",
				Help: "Finished pipeline runs by trigger and final status.",
			},
			[]string{"trigger", "status"},
		),
		RunsRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apod_pipeline_runs_rejected_total",
				Help: "Triggers rejected because another run held the lease.",
			},
			[]string{"trigger"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "apod_pipeline_run_duration_seconds",
				Help:    "Wall-clock duration of pipeline runs.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		RunInProgress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "apod_pipeline_run_in_progress",
				Help: "1 while a pipeline run holds the lease.",
			},
		),
		StageAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apod_pipeline_stage_attempts_total",
				Help: "Stage attempts by stage and outcome (success, error, timeout).",
			},
			[]string{"stage", "outcome"},
		),
		StageResultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apod_pipeline_stage_results_total",
				Help: "Terminal stage states by stage.",
			},
			[]string{"stage", "state"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apod_pipeline_stage_duration_seconds",
				Help:    "Duration of a stage including its retries.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
			},
			[]string{"stage"},
		),
		ExtractAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apod_extract_attempts_total",
				Help: "Upstream fetch attempts by outcome (success, transport, status, malformed).",
			},
			[]string{"outcome"},
		),
		SnapshotRows: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "apod_snapshot_rows",
				Help: "Rows in the tabular snapshot after the last write.",
			},
		),
		VersionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apod_versioning_steps_total",
				Help: "Versioning step outcomes by step (capture, commit) and result (changed, unchanged).",
			},
			[]string{"step", "result"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.APIRejectionsTotal,
		m.RunsTotal,
		m.RunsRejectedTotal,
		m.RunDuration,
		m.RunInProgress,
		m.StageAttemptsTotal,
		m.StageResultsTotal,
		m.StageDuration,
		m.ExtractAttemptsTotal,
		m.SnapshotRows,
		m.VersionsTotal,
		m.CircuitBreakerState,
	)

	return m
}

// NewNop returns collectors registered with a throwaway registry, for tests
// and callers that do not export metrics.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
