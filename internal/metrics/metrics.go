// Package metrics exposes Prometheus metrics for pipeline runs, jobs and the report API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the registry served on /metrics.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

// RunsTotal counts pipeline runs by final status.
var RunsTotal = factory.NewCounterVec(prometheus.CounterOpts{
	Namespace: "recall",
	Name:      "pipeline_runs_total",
	Help:      "Pipeline runs by final status",
}, []string{"status"})

// RunDurationSeconds tracks wall time of a pipeline run.
var RunDurationSeconds = factory.NewHistogram(prometheus.HistogramOpts{
	Namespace: "recall",
	Name:      "pipeline_run_duration_seconds",
	Help:      "Time taken by a pipeline run",
	Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900},
})

// RowsDropped counts raw rows dropped by ingest normalization.
var RowsDropped = factory.NewCounterVec(prometheus.CounterOpts{
	Namespace: "recall",
	Name:      "ingest_rows_dropped_total",
	Help:      "Raw rows dropped during normalization by reason",
}, []string{"reason"})

// DuplicatesRemoved counts records removed by deduplication.
var DuplicatesRemoved = factory.NewCounter(prometheus.CounterOpts{
	Namespace: "recall",
	Name:      "dedup_removed_total",
	Help:      "Records removed as duplicates",
})

// GapDaysFilled counts days recovered by gap fill.
var GapDaysFilled = factory.NewCounter(prometheus.CounterOpts{
	Namespace: "recall",
	Name:      "gapfill_days_filled_total",
	Help:      "Missing days re-extracted by gap fill",
})

// TableRecords is the record count of the current table version.
var TableRecords = factory.NewGauge(prometheus.GaugeOpts{
	Namespace: "recall",
	Name:      "table_records",
	Help:      "Records in the current table version",
})

// TableRecurrences counts recurrences in the current table version by type.
var TableRecurrences = factory.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "recall",
	Name:      "table_recurrences",
	Help:      "Recurrences in the current table version by type",
}, []string{"type"})

// UnmappedRatio is the share of recent records the roster could not map.
var UnmappedRatio = factory.NewGauge(prometheus.GaugeOpts{
	Namespace: "recall",
	Name:      "roster_unmapped_ratio",
	Help:      "Share of records within the staleness lookback without a supervisor",
})

// RosterRebuilds counts interval table rebuilds by outcome.
var RosterRebuilds = factory.NewCounterVec(prometheus.CounterOpts{
	Namespace: "recall",
	Name:      "roster_rebuilds_total",
	Help:      "Supervisor interval rebuild attempts by outcome",
}, []string{"outcome"})

// JobsTotal counts finished jobs by stage and status.
var JobsTotal = factory.NewCounterVec(prometheus.CounterOpts{
	Namespace: "recall",
	Name:      "jobs_total",
	Help:      "Finished jobs by stage and status",
}, []string{"stage", "status"})

// ReportRequests counts report API requests by endpoint and outcome code.
var ReportRequests = factory.NewCounterVec(prometheus.CounterOpts{
	Namespace: "recall",
	Name:      "report_requests_total",
	Help:      "Report API requests by endpoint and status code",
}, []string{"endpoint", "code"})
