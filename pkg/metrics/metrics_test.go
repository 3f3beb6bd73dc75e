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
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// findMetric returns the sample of family name whose labels match want.
func findMetric(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, want) {
				return m
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, want)
	return nil
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	if len(m.GetLabel()) != len(want) {
		return false
	}
	for _, lp := range m.GetLabel() {
		if want[lp.GetName()] != lp.GetValue() {
			return false
		}
	}
	return true
}

// =============================================================================
// Archive metrics
// =============================================================================

func TestNewArchiveMetrics_Promauto(t *testing.T) {
	m := NewArchiveMetrics()
	require.NotNil(t, m)
	assert.NotNil(t, m.CycleDurationSeconds)
	assert.NotNil(t, m.RowsArchivedTotal)
	assert.NotNil(t, m.ErrorsTotal)
}

func TestArchiveMetrics_RecordBatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewArchiveMetricsWithRegistry(reg)

	m.RecordBatch("emails", 1000, 0)
	m.RecordBatch("emails", 500, 3)

	rows := findMetric(t, reg, "mailroute_archive_rows_archived_total", map[string]string{"table": "emails"})
	assert.Equal(t, 1500.0, rows.GetCounter().GetValue())

	batches := findMetric(t, reg, "mailroute_archive_batches_total", map[string]string{"table": "emails"})
	assert.Equal(t, 2.0, batches.GetCounter().GetValue())

	skipped := findMetric(t, reg, "mailroute_archive_rows_skipped_total", map[string]string{"table": "emails"})
	assert.Equal(t, 3.0, skipped.GetCounter().GetValue())
}

func TestArchiveMetrics_RecordCycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewArchiveMetricsWithRegistry(reg)

	m.RecordCycle(2 * time.Second)

	h := findMetric(t, reg, "mailroute_archive_cycle_duration_seconds", map[string]string{})
	assert.Equal(t, uint64(1), h.GetHistogram().GetSampleCount())
	assert.InDelta(t, 2.0, h.GetHistogram().GetSampleSum(), 0.001)

	ts := findMetric(t, reg, "mailroute_archive_last_cycle_timestamp", map[string]string{})
	assert.Positive(t, ts.GetGauge().GetValue())
}

func TestArchiveMetrics_RecordError(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewArchiveMetricsWithRegistry(reg)

	m.RecordError("audit_logs", "delete")
	m.RecordError("audit_logs", "delete")

	e := findMetric(t, reg, "mailroute_archive_errors_total", map[string]string{"table": "audit_logs", "operation": "delete"})
	assert.Equal(t, 2.0, e.GetCounter().GetValue())
}

// =============================================================================
// Routing metrics
// =============================================================================

func TestNewRoutingMetrics_Promauto(t *testing.T) {
	m := NewRoutingMetrics()
	require.NotNil(t, m)
	assert.NotNil(t, m.ResolutionsTotal)
	assert.NotNil(t, m.PoolsOpen)
}

func TestRoutingMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRoutingMetricsWithRegistry(reg)

	m.RecordResolution("write", "shard")
	m.RecordResolution("write", "shard")
	m.RecordResolutionError("write")
	m.RecordSessionOpened("primary")
	m.RecordPoolCreateError("shard-1")
	m.RecordBreakerState("shard-1", "open")
	m.PoolsOpen.Inc()

	r := findMetric(t, reg, "mailroute_routing_resolutions_total", map[string]string{"intent": "write", "role": "shard"})
	assert.Equal(t, 2.0, r.GetCounter().GetValue())

	e := findMetric(t, reg, "mailroute_routing_resolution_errors_total", map[string]string{"intent": "write"})
	assert.Equal(t, 1.0, e.GetCounter().GetValue())

	s := findMetric(t, reg, "mailroute_sessions_opened_total", map[string]string{"endpoint": "primary"})
	assert.Equal(t, 1.0, s.GetCounter().GetValue())

	p := findMetric(t, reg, "mailroute_pool_create_errors_total", map[string]string{"endpoint": "shard-1"})
	assert.Equal(t, 1.0, p.GetCounter().GetValue())

	b := findMetric(t, reg, "mailroute_breaker_state_changes_total", map[string]string{"endpoint": "shard-1", "state": "open"})
	assert.Equal(t, 1.0, b.GetCounter().GetValue())

	g := findMetric(t, reg, "mailroute_pool_open", map[string]string{})
	assert.Equal(t, 1.0, g.GetGauge().GetValue())
}
