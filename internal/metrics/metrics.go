// Package metrics declares the Prometheus collectors of the sync service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsFinished counts jobs by type and terminal status.
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "addrsync_jobs_finished_total",
			Help: "Jobs that reached a terminal status",
		},
		[]string{"type", "status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "addrsync_job_duration_seconds",
			Help:    "Wall time of jobs from start to terminal status",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"type"},
	)

	// ImportRows counts import outcomes: inserted, updated, skipped, deactivated.
	ImportRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "addrsync_import_rows_total",
			Help: "Rows processed by imports by outcome",
		},
		[]string{"outcome"},
	)

	FetchBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "addrsync_fetch_bytes_total",
			Help: "Bytes downloaded from the registry",
		},
	)

	// ReconcileOutcomes counts pending points by result: matched, queued, unmatched.
	ReconcileOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "addrsync_reconcile_points_total",
			Help: "Pending points examined by reconciliation by outcome",
		},
		[]string{"outcome"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "addrsync_http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "addrsync_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
