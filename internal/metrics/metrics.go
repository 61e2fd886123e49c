// Package metrics exposes Prometheus metrics for authentication outcomes and
// proxied completions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	AuthRequests       *prometheus.CounterVec
	Logins             *prometheus.CounterVec
	CompletionRequests *prometheus.CounterVec
	CompletionDuration *prometheus.HistogramVec
	StreamChunks       prometheus.Counter
}

// New creates and registers the service metrics on a fresh registry.
func New(serviceName string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		AuthRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: serviceName,
				Subsystem: "auth",
				Name:      "requests_total",
				Help:      "Authenticated requests by outcome (ok or reject reason).",
			},
			[]string{"outcome"},
		),
		Logins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: serviceName,
				Subsystem: "auth",
				Name:      "logins_total",
				Help:      "Login attempts by result.",
			},
			[]string{"result"},
		),
		CompletionRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: serviceName,
				Subsystem: "chat",
				Name:      "completions_total",
				Help:      "Proxied chat completions by mode and result.",
			},
			[]string{"mode", "result"},
		),
		CompletionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: serviceName,
				Subsystem: "chat",
				Name:      "completion_duration_seconds",
				Help:      "Duration of proxied chat completions in seconds.",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"mode"},
		),
		StreamChunks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: serviceName,
				Subsystem: "chat",
				Name:      "stream_chunks_total",
				Help:      "Chunks relayed to streaming clients.",
			},
		),
	}

	registry.MustRegister(
		m.AuthRequests,
		m.Logins,
		m.CompletionRequests,
		m.CompletionDuration,
		m.StreamChunks,
	)
	return m
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
