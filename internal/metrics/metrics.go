// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	authzDenials    *prometheus.CounterVec
	generatedTodos  *prometheus.CounterVec
}

// New registers the collectors (plus Go and process collectors) on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tandem_http_requests_total",
			Help: "HTTP requests by method, route template and status code.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tandem_http_request_duration_seconds",
			Help:    "HTTP request latency by route template.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		authzDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tandem_authz_denials_total",
			Help: "Operations rejected by the authorization checker, by required action.",
		}, []string{"action"}),
		generatedTodos: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tandem_generated_todos_total",
			Help: "Generated todo candidates by outcome (streamed, created, invalid, failed).",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.requests,
		m.requestDuration,
		m.authzDenials,
		m.generatedTodos,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) AuthzDenied(action string) {
	if m == nil {
		return
	}
	m.authzDenials.WithLabelValues(action).Inc()
}

func (m *Metrics) GeneratedTodo(outcome string) {
	if m == nil {
		return
	}
	m.generatedTodos.WithLabelValues(outcome).Inc()
}
