/*
Copyright MatrixInfer-AI Authors.

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
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Label names
	LabelPath       = "path"
	LabelStatusCode = "status_code"
	LabelErrorType  = "error_type"
	LabelRole       = "role"
	LabelPolicy     = "policy"
	LabelReason     = "reason"
	LabelSource     = "source"
	LabelStatus     = "status"
	LabelResult     = "result"

	// Result values
	ResultSuccess = "success"
	ResultFailure = "failure"
)

var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Metrics holds all Prometheus metrics for the router
type Metrics struct {
	// Request counters
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	// PhaseDuration times the prefill and decode upstream calls separately.
	PhaseDuration  *prometheus.HistogramVec
	ActiveRequests prometheus.Gauge

	// Routing
	RoutingDecisions     *prometheus.CounterVec
	RoutingFailures      *prometheus.CounterVec
	RoutingKeySource     *prometheus.CounterVec
	RoutingDuration      prometheus.Histogram
	SessionReassignments *prometheus.CounterVec

	// Fleet state
	Workers           *prometheus.GaugeVec
	RingVersion       *prometheus.GaugeVec
	HealthProbes      *prometheus.CounterVec
	HealthTransitions *prometheus.CounterVec
	DiscoverySyncs    *prometheus.CounterVec

	RateLimitExceeded prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the metrics registered with the global prometheus registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pd_router_requests_total",
				Help: "Total number of HTTP requests processed by the router",
			},
			[]string{LabelPath, LabelStatusCode, LabelErrorType},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pd_router_request_duration_seconds",
				Help:    "End-to-end request latency including both prefill and decode",
				Buckets: latencyBuckets,
			},
			[]string{LabelPath, LabelStatusCode},
		),
		PhaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pd_router_phase_duration_seconds",
				Help:    "Upstream latency of the prefill and decode phases",
				Buckets: latencyBuckets,
			},
			[]string{LabelRole, LabelStatusCode},
		),
		ActiveRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pd_router_active_requests",
				Help: "Requests currently being proxied",
			},
		),
		RoutingDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pd_router_routing_decisions_total",
				Help: "Worker selections by role and policy",
			},
			[]string{LabelRole, LabelPolicy},
		),
		RoutingFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pd_router_routing_failures_total",
				Help: "Failed worker selections by role and reason",
			},
			[]string{LabelRole, LabelReason},
		),
		RoutingKeySource: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pd_router_routing_key_source_total",
				Help: "Where the routing key of each request came from",
			},
			[]string{LabelSource},
		),
		RoutingDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pd_router_routing_duration_seconds",
				Help:    "Time spent choosing a prefill and decode worker",
				Buckets: prometheus.ExponentialBuckets(0.000001, 4, 10),
			},
		),
		SessionReassignments: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pd_router_session_reassignments_total",
				Help: "Sessions routed to a different worker than on their previous request",
			},
			[]string{LabelRole},
		),
		Workers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pd_router_workers",
				Help: "Registered workers by role and health status",
			},
			[]string{LabelRole, LabelStatus},
		),
		RingVersion: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pd_router_ring_version",
				Help: "Current hash ring snapshot version per role",
			},
			[]string{LabelRole},
		),
		HealthProbes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pd_router_health_probes_total",
				Help: "Health probes sent to workers by result",
			},
			[]string{LabelResult},
		),
		HealthTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pd_router_health_transitions_total",
				Help: "Worker health status changes by new status",
			},
			[]string{LabelStatus},
		),
		DiscoverySyncs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pd_router_discovery_syncs_total",
				Help: "Worker discovery synchronizations by source and result",
			},
			[]string{LabelSource, LabelResult},
		),
		RateLimitExceeded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pd_router_rate_limit_exceeded_total",
				Help: "Requests rejected by the inbound rate limiter",
			},
		),
	}
}

// RecordRequest records the outcome of a proxied request.
func (m *Metrics) RecordRequest(path string, statusCode int, errorType string, duration time.Duration) {
	code := strconv.Itoa(statusCode)
	m.RequestsTotal.WithLabelValues(path, code, errorType).Inc()
	m.RequestDuration.WithLabelValues(path, code).Observe(duration.Seconds())
}

func (m *Metrics) RecordPhase(role string, statusCode int, duration time.Duration) {
	m.PhaseDuration.WithLabelValues(role, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}
