// Package metrics provides Prometheus instrumentation for the flagkit client
// and sidecar.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that several clients in one process never collide and only
// flagkit metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by a flagkit client.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal        *prometheus.CounterVec
	HTTPRequestDuration      *prometheus.HistogramVec
	EvaluationsTotal         *prometheus.CounterVec
	EvaluationDuration       prometheus.Histogram
	CacheSize                prometheus.Gauge
	SyncsTotal               *prometheus.CounterVec
	FlagChangesTotal         prometheus.Counter
	TelemetryUploadsTotal    *prometheus.CounterVec
	TelemetryQueueLength     prometheus.Gauge
	TelemetryDroppedTotal    prometheus.Counter
	RateLimitedTotal         prometheus.Counter
	ValidationFailures       *prometheus.CounterVec
	CircuitBreakerState      prometheus.Gauge
	SidecarAuthFailuresTotal prometheus.Counter

	dropped atomic.Uint64
}

// New creates and registers all flagkit metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagkit_http_requests_total",
			Help: "Total number of sidecar HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagkit_http_request_duration_seconds",
			Help:    "Sidecar HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagkit_evaluations_total",
			Help: "Total number of flag evaluations by reason.",
		}, []string{"reason"}),

		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flagkit_evaluation_duration_seconds",
			Help:    "Local flag evaluation latency in seconds.",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
		}),

		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flagkit_cache_size",
			Help: "Number of flags in the local cache.",
		}),

		SyncsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagkit_syncs_total",
			Help: "Total number of flag sync attempts by result.",
		}, []string{"result"}),

		FlagChangesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagkit_flag_changes_total",
			Help: "Total number of flag value changes applied by syncs.",
		}),

		TelemetryUploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagkit_telemetry_uploads_total",
			Help: "Total number of telemetry batch uploads by result.",
		}, []string{"result"}),

		TelemetryQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flagkit_telemetry_queue_length",
			Help: "Number of access log entries waiting for upload.",
		}),

		TelemetryDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagkit_telemetry_dropped_total",
			Help: "Total number of access log entries evicted from a full queue.",
		}),

		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagkit_rate_limited_total",
			Help: "Total number of evaluations denied by the per-user rate limiter.",
		}),

		ValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagkit_validation_failures_total",
			Help: "Total number of rejected evaluation inputs by field.",
		}, []string{"field"}),

		CircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flagkit_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}),

		SidecarAuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagkit_sidecar_auth_failures_total",
			Help: "Total number of failed sidecar bearer token checks.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EvaluationsTotal,
		m.EvaluationDuration,
		m.CacheSize,
		m.SyncsTotal,
		m.FlagChangesTotal,
		m.TelemetryUploadsTotal,
		m.TelemetryQueueLength,
		m.TelemetryDroppedTotal,
		m.RateLimitedTotal,
		m.ValidationFailures,
		m.CircuitBreakerState,
		m.SidecarAuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordEvaluation counts one evaluation and observes its latency.
func (m *Metrics) RecordEvaluation(reason string, d time.Duration) {
	m.EvaluationsTotal.WithLabelValues(reason).Inc()
	m.EvaluationDuration.Observe(d.Seconds())
}

// RecordSync counts one sync attempt. A nil err counts as success.
func (m *Metrics) RecordSync(changes int, err error) {
	m.SyncsTotal.WithLabelValues(result(err)).Inc()
	m.FlagChangesTotal.Add(float64(changes))
}

// RecordUpload counts one telemetry upload attempt.
func (m *Metrics) RecordUpload(err error) {
	m.TelemetryUploadsTotal.WithLabelValues(result(err)).Inc()
}

// SetCacheSize updates the cache size gauge.
func (m *Metrics) SetCacheSize(size int) {
	m.CacheSize.Set(float64(size))
}

// SetQueue updates the queue gauge and catches the dropped counter up to the
// queue's cumulative total.
func (m *Metrics) SetQueue(length int, dropped uint64) {
	m.TelemetryQueueLength.Set(float64(length))
	for {
		seen := m.dropped.Load()
		if dropped <= seen {
			return
		}
		if m.dropped.CompareAndSwap(seen, dropped) {
			m.TelemetryDroppedTotal.Add(float64(dropped - seen))
			return
		}
	}
}

// IncRateLimited increments the rate limited counter.
func (m *Metrics) IncRateLimited() {
	m.RateLimitedTotal.Inc()
}

// IncValidationFailure counts a rejected input for field.
func (m *Metrics) IncValidationFailure(field string) {
	m.ValidationFailures.WithLabelValues(field).Inc()
}

// SetBreakerState records the breaker state as its numeric code.
func (m *Metrics) SetBreakerState(state int) {
	m.CircuitBreakerState.Set(float64(state))
}

// IncSidecarAuthFailures increments the sidecar auth failure counter.
func (m *Metrics) IncSidecarAuthFailures() {
	m.SidecarAuthFailuresTotal.Inc()
}

// ObserveHTTPRequest records one sidecar request.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	code := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(d.Seconds())
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
