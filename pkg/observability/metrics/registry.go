// Package metrics exposes the Prometheus registry served on /metrics.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is a private Prometheus registry. It starts with the management
// request metrics and the Go runtime and process collectors.
type Registry struct {
	reg      *prometheus.Registry
	requests *RequestMetrics
}

// NewRegistry creates a registry with the default collectors.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry(), requests: newRequestMetrics()}
	r.reg.MustRegister(append(r.requests.collectors(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)...)
	return r
}

// Requests returns the management API metrics of this registry.
func (r *Registry) Requests() *RequestMetrics {
	return r.requests
}

// Register adds collectors in order and stops at the first one rejected.
// A duplicate surfaces as a wrapped prometheus.AlreadyRegisteredError.
func (r *Registry) Register(cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := r.reg.Register(c); err != nil {
			return fmt.Errorf("register collector: %w", err)
		}
	}
	return nil
}

// Handler serves the registry in the Prometheus or OpenMetrics text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Gatherer returns the underlying prometheus.Gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
