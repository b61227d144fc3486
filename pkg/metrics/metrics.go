// Package metrics collects per-run measurements and writes them to a
// Prometheus textfile for node_exporter's textfile collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zph/wsusctl/pkg/diagnostics"
	"github.com/zph/wsusctl/pkg/maintenance"
	"github.com/zph/wsusctl/pkg/operation"
)

// Metrics owns a private registry so that only wsusctl series end up in
// the textfile.
type Metrics struct {
	registry *prometheus.Registry

	operations       *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	lastRun          *prometheus.GaugeVec
	cleanupRows      *prometheus.CounterVec
	cleanupReclaimed prometheus.Gauge
	indexes          *prometheus.CounterVec
	checks           *prometheus.GaugeVec
}

// New creates a Metrics with every series registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wsusctl_operations_total",
			Help: "Operations run, by name and outcome",
		}, []string{"operation", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wsusctl_operation_duration_seconds",
			Help:    "Operation wall time",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"operation"}),
		lastRun: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wsusctl_operation_last_run_timestamp_seconds",
			Help: "Unix time an operation last finished",
		}, []string{"operation", "outcome"}),
		cleanupRows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wsusctl_cleanup_rows_total",
			Help: "Rows removed or skipped by deep cleanup, by kind",
		}, []string{"kind"}),
		cleanupReclaimed: f.NewGauge(prometheus.GaugeOpts{
			Name: "wsusctl_cleanup_reclaimed_bytes",
			Help: "Database space reclaimed by the last deep cleanup",
		}),
		indexes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wsusctl_cleanup_indexes_total",
			Help: "Indexes maintained by deep cleanup, by action",
		}, []string{"action"}),
		checks: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wsusctl_diagnostics_checks",
			Help: "Checks in the last diagnostics run, by status",
		}, []string{"status"}),
	}
}

// ObserveOperation implements operation.Recorder.
func (m *Metrics) ObserveOperation(name string, outcome operation.Outcome, elapsed time.Duration) {
	m.operations.WithLabelValues(name, string(outcome)).Inc()
	m.duration.WithLabelValues(name).Observe(elapsed.Seconds())
	m.lastRun.WithLabelValues(name, string(outcome)).SetToCurrentTime()
}

// ObserveCleanup records deep cleanup counters.
func (m *Metrics) ObserveCleanup(s *maintenance.Stats) {
	if s == nil {
		return
	}
	m.cleanupRows.WithLabelValues("declined_supersessions").Add(float64(s.DeclinedSupersessions))
	m.cleanupRows.WithLabelValues("superseded_supersessions").Add(float64(s.SupersededSupersessions))
	m.cleanupRows.WithLabelValues("declined_updates_deleted").Add(float64(s.DeclinedDeleted))
	m.cleanupRows.WithLabelValues("declined_updates_skipped").Add(float64(s.DeclinedSkipped))
	m.cleanupRows.WithLabelValues("declined_updates_transient").Add(float64(s.DeclinedTransient))
	m.cleanupRows.WithLabelValues("declined_updates_failed").Add(float64(s.DeclinedFailed))
	m.indexes.WithLabelValues("rebuild").Add(float64(s.IndexesRebuilt))
	m.indexes.WithLabelValues("reorganize").Add(float64(s.IndexesReorganized))
	m.indexes.WithLabelValues("failed").Add(float64(s.IndexesFailed))
	m.cleanupReclaimed.Set(float64(s.ReclaimedBytes()))
}

// ObserveDiagnostics records the status breakdown of a report.
func (m *Metrics) ObserveDiagnostics(r *diagnostics.Report) {
	if r == nil {
		return
	}
	m.checks.WithLabelValues("pass").Set(float64(r.PassedCount()))
	m.checks.WithLabelValues("fail").Set(float64(r.FailedCount()))
	m.checks.WithLabelValues("warning").Set(float64(r.WarningCount()))
	m.checks.WithLabelValues("repaired").Set(float64(r.RepairedCount()))
}

// Gatherer exposes the registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// WriteTextfile atomically replaces path with the current series.
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", path, err)
	}
	return nil
}

var _ operation.Recorder = (*Metrics)(nil)
