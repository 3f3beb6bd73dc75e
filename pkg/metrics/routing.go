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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RoutingMetrics holds Prometheus metrics for intent resolution and the
// connection cache.
type RoutingMetrics struct {
	// ResolutionsTotal counts resolved intents by intent type and target role.
	ResolutionsTotal *prometheus.CounterVec
	// ResolutionErrorsTotal counts failed resolutions by intent type.
	ResolutionErrorsTotal *prometheus.CounterVec
	// PoolsOpen is the number of live connection pools.
	PoolsOpen prometheus.Gauge
	// PoolCreateErrorsTotal counts failed pool creations by endpoint.
	PoolCreateErrorsTotal *prometheus.CounterVec
	// SessionsOpenedTotal counts sessions handed out by endpoint.
	SessionsOpenedTotal *prometheus.CounterVec
	// BreakerStateChangesTotal counts circuit breaker transitions by endpoint
	// and new state.
	BreakerStateChangesTotal *prometheus.CounterVec
}

// NewRoutingMetrics creates routing metrics registered with the default
// registry.
func NewRoutingMetrics() *RoutingMetrics {
	return newRoutingMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewRoutingMetricsWithRegistry creates routing metrics registered with reg.
func NewRoutingMetricsWithRegistry(reg *prometheus.Registry) *RoutingMetrics {
	return newRoutingMetrics(promauto.With(reg))
}

func newRoutingMetrics(f promauto.Factory) *RoutingMetrics {
	return &RoutingMetrics{
		ResolutionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailroute_routing_resolutions_total",
			Help: "Total number of resolved query intents by intent and target role",
		}, []string{"intent", "role"}),
		ResolutionErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailroute_routing_resolution_errors_total",
			Help: "Total number of query intents that could not be resolved",
		}, []string{"intent"}),
		PoolsOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "mailroute_pool_open",
			Help: "Number of open connection pools",
		}),
		PoolCreateErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailroute_pool_create_errors_total",
			Help: "Total number of failed connection pool creations",
		}, []string{"endpoint"}),
		SessionsOpenedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailroute_sessions_opened_total",
			Help: "Total number of sessions opened by endpoint",
		}, []string{"endpoint"}),
		BreakerStateChangesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailroute_breaker_state_changes_total",
			Help: "Total number of circuit breaker state transitions",
		}, []string{"endpoint", "state"}),
	}
}

// RecordResolution increments the resolution counter.
func (m *RoutingMetrics) RecordResolution(intent, role string) {
	m.ResolutionsTotal.WithLabelValues(intent, role).Inc()
}

// RecordResolutionError increments the resolution error counter.
func (m *RoutingMetrics) RecordResolutionError(intent string) {
	m.ResolutionErrorsTotal.WithLabelValues(intent).Inc()
}

// RecordSessionOpened increments the session counter for endpoint.
func (m *RoutingMetrics) RecordSessionOpened(endpoint string) {
	m.SessionsOpenedTotal.WithLabelValues(endpoint).Inc()
}

// RecordPoolCreateError increments the pool creation error counter.
func (m *RoutingMetrics) RecordPoolCreateError(endpoint string) {
	m.PoolCreateErrorsTotal.WithLabelValues(endpoint).Inc()
}

// RecordBreakerState records a breaker transition.
func (m *RoutingMetrics) RecordBreakerState(endpoint, state string) {
	m.BreakerStateChangesTotal.WithLabelValues(endpoint, state).Inc()
}
