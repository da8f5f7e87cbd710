package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RequestMetrics instruments the management API. Paths are route templates,
// never raw URLs, so job ids stay out of the label values.
type RequestMetrics struct {
	duration *prometheus.HistogramVec
	total    *prometheus.CounterVec
	inFlight prometheus.Gauge
}

func newRequestMetrics() *RequestMetrics {
	labels := []string{"method", "path", "status"}
	return &RequestMetrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jobexec",
			Subsystem: "management",
			Name:      "request_duration_seconds",
			Help:      "Management API request duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}, labels),
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobexec",
			Subsystem: "management",
			Name:      "requests_total",
			Help:      "Management API requests served.",
		}, labels),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jobexec",
			Subsystem: "management",
			Name:      "requests_in_flight",
			Help:      "Management API requests being served.",
		}),
	}
}

func (m *RequestMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.duration, m.total, m.inFlight}
}

// Begin marks a request as in flight. The returned func records its outcome.
func (m *RequestMetrics) Begin(method string) func(path string, status int) {
	start := time.Now()
	m.inFlight.Inc()
	return func(path string, status int) {
		m.inFlight.Dec()
		m.Observe(method, path, status, time.Since(start))
	}
}

// Observe records one served request.
func (m *RequestMetrics) Observe(method, path string, status int, elapsed time.Duration) {
	code := strconv.Itoa(status)
	m.duration.WithLabelValues(method, path, code).Observe(elapsed.Seconds())
	m.total.WithLabelValues(method, path, code).Inc()
}
