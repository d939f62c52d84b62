package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sentinel-Gate/filtergate/internal/service"
)

// Metrics holds the Prometheus metrics for filtergate.
type Metrics struct {
	RequestsTotal           *prometheus.CounterVec
	RequestDuration         *prometheus.HistogramVec
	InFlightRequests        prometheus.Gauge
	AuditSubmittedTotal     prometheus.Counter
	AuditDropsTotal         prometheus.Counter
	AuditWriteFailuresTotal prometheus.Counter
	RateLimitKeys           prometheus.Gauge
}

// Compile-time check that Metrics receives audit service events.
var _ service.AuditMetrics = (*Metrics)(nil)

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "filtergate",
				Name:      "requests_total",
				Help:      "Total number of gateway requests processed",
			},
			[]string{"method", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "filtergate",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		InFlightRequests: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "filtergate",
				Name:      "in_flight_requests",
				Help:      "Number of gateway requests being served",
			},
		),
		AuditSubmittedTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "filtergate",
				Name:      "audit_submitted_total",
				Help:      "Total access events accepted by the audit service",
			},
		),
		AuditDropsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "filtergate",
				Name:      "audit_drops_total",
				Help:      "Total access events dropped due to backpressure",
			},
		),
		AuditWriteFailuresTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "filtergate",
				Name:      "audit_write_failures_total",
				Help:      "Total access events lost to audit store errors",
			},
		),
		RateLimitKeys: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "filtergate",
				Name:      "rate_limit_keys",
				Help:      "Number of active rate limit keys",
			},
		),
	}
}

// AuditSubmitted counts an accepted access event.
func (m *Metrics) AuditSubmitted() { m.AuditSubmittedTotal.Inc() }

// AuditDropped counts a dropped access event.
func (m *Metrics) AuditDropped() { m.AuditDropsTotal.Inc() }

// AuditWriteFailed counts n events lost to a failed store write.
func (m *Metrics) AuditWriteFailed(n int) { m.AuditWriteFailuresTotal.Add(float64(n)) }
