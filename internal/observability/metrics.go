package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions. Decision latencies are microsecond-scale,
// so the buckets run from 10µs to 50ms.
var (
	decisionDurationBuckets = []float64{0.00001, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.005, 0.05}
	httpDurationBuckets     = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
)

// Metrics holds all Prometheus metric instruments for the gateway.
type Metrics struct {
	// Decision metrics
	DecisionsTotal   *prometheus.CounterVec
	DecisionDuration *prometheus.HistogramVec
	DenialsTotal     *prometheus.CounterVec

	// Capability metrics
	GrantsTotal      *prometheus.CounterVec
	DelegationsTotal *prometheus.CounterVec
	RevocationsTotal *prometheus.CounterVec

	// Rate limiting
	RateLimitedTotal *prometheus.CounterVec

	// Session cache
	ActiveSessions *prometheus.GaugeVec

	// Tenant registry
	RegisteredTenants prometheus.Gauge

	// Audit plane
	AuditEventsTotal   *prometheus.CounterVec
	AuditWriteFailures prometheus.Counter

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talos_decisions_total",
			Help: "Total number of authorization decisions.",
		}, []string{"tenant_id", "verdict"}),
		DecisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "talos_decision_duration_seconds",
			Help:    "Authorization decision duration in seconds.",
			Buckets: decisionDurationBuckets,
		}, []string{"tenant_id"}),
		DenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talos_denials_total",
			Help: "Total number of denials by reason.",
		}, []string{"tenant_id", "reason"}),

		GrantsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talos_grants_total",
			Help: "Total number of capabilities granted.",
		}, []string{"tenant_id"}),
		DelegationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talos_delegations_total",
			Help: "Total number of capabilities delegated.",
		}, []string{"tenant_id"}),
		RevocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talos_revocations_total",
			Help: "Total number of capabilities revoked.",
		}, []string{"tenant_id"}),

		RateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talos_rate_limited_total",
			Help: "Total number of requests denied by the rate limiter.",
		}, []string{"tenant_id"}),

		ActiveSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "talos_active_sessions",
			Help: "Number of live cached sessions.",
		}, []string{"tenant_id"}),

		RegisteredTenants: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "talos_registered_tenants",
			Help: "Number of registered tenants.",
		}),

		AuditEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talos_audit_events_total",
			Help: "Total number of audit events recorded.",
		}, []string{"event_type"}),
		AuditWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "talos_audit_write_failures_total",
			Help: "Total number of failed audit writes.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talos_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "talos_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
	}

	reg.MustRegister(
		m.DecisionsTotal,
		m.DecisionDuration,
		m.DenialsTotal,
		m.GrantsTotal,
		m.DelegationsTotal,
		m.RevocationsTotal,
		m.RateLimitedTotal,
		m.ActiveSessions,
		m.RegisteredTenants,
		m.AuditEventsTotal,
		m.AuditWriteFailures,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}

// Handler returns the Prometheus scrape handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
