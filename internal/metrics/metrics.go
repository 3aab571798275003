// Package metrics tracks Prometheus metrics for session outcomes and data
// transfer volume. All methods tolerate a nil receiver so callers can wire
// in a NullMetrics() when the optional metrics endpoint is disabled.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks stftp session and transfer metrics with an stftp_ prefix.
type Metrics struct {
	SessionsTotal    *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec
	BytesTransferred *prometheus.CounterVec
	SessionDuration  *prometheus.HistogramVec
}

// NewMetrics creates stftp metrics and registers them with reg. Panics if
// registration fails, which only happens on a programming error at
// initialization.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stftp_sessions_total",
				Help: "Total sessions by role and outcome",
			},
			[]string{"role", "outcome"}, // role: upload/download/delete, outcome: success/failed
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stftp_retries_total",
				Help: "Total retransmits consumed by the reliability engine, by role",
			},
			[]string{"role"},
		),
		BytesTransferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stftp_bytes_transferred_total",
				Help: "Total plaintext bytes transferred, by role",
			},
			[]string{"role"},
		),
		SessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stftp_session_duration_seconds",
				Help:    "Session duration in seconds, by role",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"role"},
		),
	}

	reg.MustRegister(m.SessionsTotal, m.RetriesTotal, m.BytesTransferred, m.SessionDuration)
	return m
}

// RecordSession records a completed session's role, outcome, and duration.
func (m *Metrics) RecordSession(role, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(role, outcome).Inc()
	m.SessionDuration.WithLabelValues(role).Observe(durationSeconds)
}

// AddRetries records retransmits consumed during a session.
func (m *Metrics) AddRetries(role string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.RetriesTotal.WithLabelValues(role).Add(float64(count))
}

// AddBytesTransferred records plaintext bytes moved during a session.
func (m *Metrics) AddBytesTransferred(role string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesTransferred.WithLabelValues(role).Add(float64(n))
}

// NullMetrics returns nil, which every method above treats as a no-op
// collector.
func NullMetrics() *Metrics {
	return nil
}

// ServeHTTP starts a blocking Prometheus /metrics HTTP server on addr using
// reg's registry. Intended to run in its own goroutine; returns the error
// from http.ListenAndServe, which is always non-nil once it returns.
func ServeHTTP(addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
