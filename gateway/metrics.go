package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks gateway outcomes. Counters are registered on the registerer
// given to NewMetrics, so separate gateways can use separate registries.
type Metrics struct {
	Requests        *prometheus.CounterVec
	Retries         prometheus.Counter
	LoginRedirects  prometheus.Counter
	RequestDuration prometheus.Histogram
}

// NewMetrics registers the gateway metrics on reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ceuplanner_gateway_requests_total",
			Help: "API calls by final outcome (success, http_error, network_error)",
		}, []string{"outcome"}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "ceuplanner_gateway_retries_total",
			Help: "Requests resent after a successful token refresh",
		}),
		LoginRedirects: factory.NewCounter(prometheus.CounterOpts{
			Name: "ceuplanner_gateway_login_redirects_total",
			Help: "Navigations to the login page started by the redirect guard",
		}),
		RequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ceuplanner_gateway_request_duration_seconds",
			Help:    "Duration of API calls including any refresh and retry",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) observe(outcome string, start time.Time) {
	m.Requests.WithLabelValues(outcome).Inc()
	m.RequestDuration.Observe(time.Since(start).Seconds())
}
