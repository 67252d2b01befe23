// Package metrics provides Prometheus instrumentation for the ingestion
// pipeline: fetch traffic, change-detection skips, parse and consolidation
// outcomes, artifact publication and run durations.
//
// Metrics are registered on the default registry via promauto and recorded
// directly at the call sites, e.g.:
//
//	metrics.FetchAttempts.WithLabelValues("cvm", host).Inc()
//	timer := metrics.NewTimer()
//	...
//	metrics.RunDuration.WithLabelValues("cvm", "completed").Observe(timer.Stop().Seconds())
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchAttempts counts dispatched HTTP attempts, including retries.
	// Labels: source (family id), host (target host)
	FetchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "garimpo_fetch_attempts_total",
			Help: "Total number of dispatched HTTP request attempts",
		},
		[]string{"source", "host"},
	)

	// FetchFailures counts terminal fetch failures after retry exhaustion.
	// Labels: source, reason (connection/timeout/rate_limit/http)
	FetchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "garimpo_fetch_failures_total",
			Help: "Total number of terminal fetch failures",
		},
		[]string{"source", "reason"},
	)

	// DocumentsSkipped counts documents skipped because their validators or
	// fingerprint matched the change-detection ledger.
	DocumentsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "garimpo_documents_skipped_total",
			Help: "Total number of documents skipped as unchanged",
		},
		[]string{"source"},
	)

	// DocumentsParsed counts parse outcomes per document.
	// Labels: source, status (success/failure)
	DocumentsParsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "garimpo_documents_parsed_total",
			Help: "Total number of parsed documents",
		},
		[]string{"source", "status"},
	)

	// RowsDropped counts rows rejected during consolidation for missing
	// business-key fields.
	RowsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "garimpo_rows_dropped_total",
			Help: "Total number of rows dropped during consolidation",
		},
		[]string{"table"},
	)

	// FieldOverrides counts field-level precedence resolutions during
	// multi-source reconciliation.
	FieldOverrides = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "garimpo_field_overrides_total",
			Help: "Total number of precedence-resolved field overrides",
		},
		[]string{"table"},
	)

	// ArtifactsPublished counts publish outcomes per gold table.
	// Labels: table, outcome (written/skipped_identical)
	ArtifactsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "garimpo_artifacts_published_total",
			Help: "Total number of artifact publish operations",
		},
		[]string{"table", "outcome"},
	)

	// RunsTotal counts finished job runs per terminal state.
	// Labels: source, state (completed/failed)
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "garimpo_runs_total",
			Help: "Total number of finished job runs",
		},
		[]string{"source", "state"},
	)

	// RunDuration tracks wall-clock run durations in seconds.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "garimpo_run_duration_seconds",
			Help:    "Job run duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		},
		[]string{"source", "state"},
	)
)

// Timer measures an operation duration.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed time since the timer started.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
