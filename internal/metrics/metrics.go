// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the Prometheus collectors reported at /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors that report orchestrator activity.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal           *prometheus.CounterVec
	tasksTotal          *prometheus.CounterVec
	taskDuration        *prometheus.HistogramVec
	queueDepth          *prometheus.GaugeVec
	resourceUtilization *prometheus.GaugeVec
	wsConnections       prometheus.Gauge
}

// New constructs the collectors on a fresh registry. Each daemon owns its
// own registry so tests can instantiate metrics without duplicate
// registration panics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maestro",
			Name:      "runs_total",
			Help:      "Workflow runs reaching a terminal status.",
		}, []string{"status"}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maestro",
			Name:      "tasks_total",
			Help:      "Task executions reaching a terminal status.",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "maestro",
			Name:      "task_duration_seconds",
			Help:      "Wall-clock duration of task executions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"agent"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "maestro",
			Name:      "queue_depth",
			Help:      "Jobs in the durable queue by state.",
		}, []string{"state"}),
		resourceUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "maestro",
			Name:      "resource_utilization",
			Help:      "Resource manager utilization percentage by resource.",
		}, []string{"resource"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "maestro",
			Name:      "ws_connections",
			Help:      "Open websocket connections.",
		}),
	}

	reg.MustRegister(
		m.runsTotal,
		m.tasksTotal,
		m.taskDuration,
		m.queueDepth,
		m.resourceUtilization,
		m.wsConnections,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunFinished counts a run that reached a terminal status.
func (m *Metrics) RunFinished(status string) {
	m.runsTotal.WithLabelValues(status).Inc()
}

// TaskFinished counts a terminal task execution and observes its duration.
func (m *Metrics) TaskFinished(status, agentID string, d time.Duration) {
	m.tasksTotal.WithLabelValues(status).Inc()
	m.taskDuration.WithLabelValues(agentID).Observe(d.Seconds())
}

// SetQueueDepth records the current queue population by state.
func (m *Metrics) SetQueueDepth(pending, scheduled, leased, dead int64) {
	m.queueDepth.WithLabelValues("pending").Set(float64(pending))
	m.queueDepth.WithLabelValues("scheduled").Set(float64(scheduled))
	m.queueDepth.WithLabelValues("leased").Set(float64(leased))
	m.queueDepth.WithLabelValues("dead").Set(float64(dead))
}

// SetUtilization records one resource utilization sample, as a percentage.
func (m *Metrics) SetUtilization(resource string, pct float64) {
	m.resourceUtilization.WithLabelValues(resource).Set(pct)
}

// WSConnections returns the gauge tracking open websocket connections. The
// hub increments and decrements it as clients come and go.
func (m *Metrics) WSConnections() prometheus.Gauge {
	return m.wsConnections
}
