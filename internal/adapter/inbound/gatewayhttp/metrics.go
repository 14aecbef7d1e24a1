package gatewayhttp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus metrics.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Registrations   *prometheus.CounterVec
	TenantRequests  *prometheus.CounterVec
	RateLimited     *prometheus.CounterVec
	ActiveTenants   prometheus.GaugeFunc
	ActiveSessions  prometheus.GaugeFunc
}

// NewMetrics creates and registers the gateway metrics. Tenant and session
// gauges read the live tenant map on scrape.
func NewMetrics(reg prometheus.Registerer, tenantCount, sessionCount func() float64) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentdoor",
				Name:      "requests_total",
				Help:      "Total HTTP requests processed",
			},
			[]string{"surface", "status"}, // surface=admin/tenant/system
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "agentdoor",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"surface"},
		),
		Registrations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentdoor",
				Name:      "registrations_total",
				Help:      "Registration attempts by outcome",
			},
			[]string{"outcome"}, // outcome=accepted/rejected
		),
		TenantRequests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentdoor",
				Name:      "tenant_requests_total",
				Help:      "Requests handled on the tenant surface, by slug",
			},
			[]string{"slug"},
		),
		RateLimited: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentdoor",
				Name:      "rate_limited_total",
				Help:      "Requests rejected with 429, by surface",
			},
			[]string{"surface"},
		),
		ActiveTenants: promauto.With(reg).NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "agentdoor",
				Name:      "active_tenants",
				Help:      "Number of installed tenants",
			},
			tenantCount,
		),
		ActiveSessions: promauto.With(reg).NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "agentdoor",
				Name:      "active_sessions",
				Help:      "Live sessions across all tenants",
			},
			sessionCount,
		),
	}
}
