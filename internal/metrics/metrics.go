// Package metrics exposes Prometheus metrics for the gateway.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	ProxyRequestsTotal  *prometheus.CounterVec
	ProxyDuration       *prometheus.HistogramVec
	AdmissionRejects    *prometheus.CounterVec
	SSRFBlocksTotal     prometheus.Counter
	UpstreamAuthErrors  *prometheus.CounterVec
	BrokerSessionsTotal *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
}

var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// New creates and registers the gateway metrics. A nil registerer uses
// the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ProxyRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "proxy",
				Name:      "requests_total",
				Help:      "Total proxied requests by connector and status class",
			},
			[]string{"connector", "status"},
		),
		ProxyDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Subsystem: "proxy",
				Name:      "upstream_duration_seconds",
				Help:      "Upstream call duration in seconds",
				Buckets:   defaultBuckets,
			},
			[]string{"connector"},
		),
		AdmissionRejects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "admission",
				Name:      "rejects_total",
				Help:      "Requests rejected before proxying, by reason",
			},
			[]string{"reason"},
		),
		SSRFBlocksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "ssrf",
				Name:      "blocks_total",
				Help:      "Upstream destinations rejected by the SSRF guard",
			},
		),
		UpstreamAuthErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "upstream_auth",
				Name:      "errors_total",
				Help:      "Upstream auth failures by connector",
			},
			[]string{"connector"},
		),
		BrokerSessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "broker",
				Name:      "sessions_total",
				Help:      "Brokered login sessions by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "circuit_breaker",
				Name:      "state",
				Help:      "Circuit breaker state per connector (0=closed, 1=half-open, 2=open)",
			},
			[]string{"connector"},
		),
	}
}

// RecordProxyRequest records one proxied request.
func (m *Metrics) RecordProxyRequest(connector string, status int, duration time.Duration) {
	class := strconv.Itoa(status/100) + "xx"
	m.ProxyRequestsTotal.WithLabelValues(connector, class).Inc()
	m.ProxyDuration.WithLabelValues(connector).Observe(duration.Seconds())
}

// RecordReject records an admission rejection.
func (m *Metrics) RecordReject(reason string) {
	m.AdmissionRejects.WithLabelValues(reason).Inc()
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
