package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics tracks API request latency by route template.
type HTTPMetrics struct {
	RequestDuration *prometheus.HistogramVec
}

func NewHTTPMetrics(registerer prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "matreq_http_request_duration_seconds",
				Help:    "Latency of API requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
	}
	registerer.MustRegister(m.RequestDuration)
	return m
}

// Observe records one finished request. route is the registered path
// template, never the raw URL.
func (m *HTTPMetrics) Observe(method, route string, status int, took time.Duration) {
	m.RequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(took.Seconds())
}
