// Package metrics provides Prometheus metrics for sign-in and session operations.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors. Each instance owns its registry.
type Metrics struct {
	enabled  bool
	registry *prometheus.Registry

	loginsTotal       *prometheus.CounterVec
	authFailuresTotal *prometheus.CounterVec
	revocationsTotal  *prometheus.CounterVec
	refreshesTotal    prometheus.Counter
	verifyDuration    *prometheus.HistogramVec
}

// New creates and registers the collectors.
// If enabled is false, returns a no-op Metrics instance.
func New(enabled bool) *Metrics {
	m := &Metrics{enabled: enabled}
	if !enabled {
		return m
	}

	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(m.registry)

	m.loginsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "signind_logins_total",
		Help: "Total login attempts by provider and result",
	}, []string{"provider", "result"})

	m.authFailuresTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "signind_auth_failures_total",
		Help: "Total authentication failures by operation and error code",
	}, []string{"operation", "code"})

	m.revocationsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "signind_revocations_total",
		Help: "Total session tokens blacklisted by kind",
	}, []string{"kind"})

	m.refreshesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "signind_token_refreshes_total",
		Help: "Total token pairs issued by refresh",
	})

	m.verifyDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "signind_provider_verify_duration_seconds",
		Help:    "Provider token verification duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	return m
}

// Enabled reports whether collectors are live.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// RecordLogin records a login attempt. result is "new", "existing" or "failure".
func (m *Metrics) RecordLogin(provider, result string) {
	if !m.Enabled() {
		return
	}
	m.loginsTotal.WithLabelValues(provider, result).Inc()
}

// RecordAuthFailure records a failed auth operation.
func (m *Metrics) RecordAuthFailure(operation, code string) {
	if !m.Enabled() {
		return
	}
	m.authFailuresTotal.WithLabelValues(operation, code).Inc()
}

// RecordRevocation records a token added to a denylist.
func (m *Metrics) RecordRevocation(kind string) {
	if !m.Enabled() {
		return
	}
	m.revocationsTotal.WithLabelValues(kind).Inc()
}

// RecordRefresh records a successful refresh. Failed refreshes are counted by
// RecordAuthFailure.
func (m *Metrics) RecordRefresh() {
	if !m.Enabled() {
		return
	}
	m.refreshesTotal.Inc()
}

// ObserveVerify records how long a provider verification took.
func (m *Metrics) ObserveVerify(provider string, seconds float64) {
	if !m.Enabled() {
		return
	}
	m.verifyDuration.WithLabelValues(provider).Observe(seconds)
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
