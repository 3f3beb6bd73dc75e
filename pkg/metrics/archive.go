/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ArchiveMetrics holds Prometheus metrics for the archiving worker.
type ArchiveMetrics struct {
	// CycleDurationSeconds tracks the duration of one pass over all policies.
	CycleDurationSeconds prometheus.Histogram
	// RowsArchivedTotal counts rows moved to the archive store, by table.
	RowsArchivedTotal *prometheus.CounterVec
	// RowsSkippedTotal counts rows already present in the archive, by table.
	RowsSkippedTotal *prometheus.CounterVec
	// BatchesTotal counts committed batches, by table.
	BatchesTotal *prometheus.CounterVec
	// ErrorsTotal counts errors by table and operation.
	ErrorsTotal *prometheus.CounterVec
	// LastCycleTimestamp records when the last cycle finished.
	LastCycleTimestamp prometheus.Gauge
}

// NewArchiveMetrics creates archive metrics registered with the default
// registry.
func NewArchiveMetrics() *ArchiveMetrics {
	return newArchiveMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewArchiveMetricsWithRegistry creates archive metrics registered with reg.
// Use it for isolated registries in tests.
func NewArchiveMetricsWithRegistry(reg *prometheus.Registry) *ArchiveMetrics {
	return newArchiveMetrics(promauto.With(reg))
}

func newArchiveMetrics(f promauto.Factory) *ArchiveMetrics {
	return &ArchiveMetrics{
		CycleDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailroute_archive_cycle_duration_seconds",
			Help:    "Duration of an archive cycle in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27m
		}),
		RowsArchivedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailroute_archive_rows_archived_total",
			Help: "Total number of rows moved from the primary to the archive store",
		}, []string{"table"}),
		RowsSkippedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailroute_archive_rows_skipped_total",
			Help: "Total number of rows already present in the archive store",
		}, []string{"table"}),
		BatchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailroute_archive_batches_total",
			Help: "Total number of committed archive batches",
		}, []string{"table"}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailroute_archive_errors_total",
			Help: "Total number of archive errors by table and operation",
		}, []string{"table", "operation"}),
		LastCycleTimestamp: f.NewGauge(prometheus.GaugeOpts{
			Name: "mailroute_archive_last_cycle_timestamp",
			Help: "Unix timestamp of the last completed archive cycle",
		}),
	}
}

// RecordCycle observes a cycle duration and stamps the last cycle time.
func (m *ArchiveMetrics) RecordCycle(d time.Duration) {
	m.CycleDurationSeconds.Observe(d.Seconds())
	m.LastCycleTimestamp.SetToCurrentTime()
}

// RecordBatch records one committed batch for table.
func (m *ArchiveMetrics) RecordBatch(table string, archived, skipped int64) {
	m.BatchesTotal.WithLabelValues(table).Inc()
	m.RowsArchivedTotal.WithLabelValues(table).Add(float64(archived))
	if skipped > 0 {
		m.RowsSkippedTotal.WithLabelValues(table).Add(float64(skipped))
	}
}

// RecordError increments the error counter.
func (m *ArchiveMetrics) RecordError(table, operation string) {
	m.ErrorsTotal.WithLabelValues(table, operation).Inc()
}
