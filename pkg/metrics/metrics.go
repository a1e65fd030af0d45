// Package metrics exposes Prometheus collectors for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the relay's collectors and the registry they live in
type Metrics struct {
	Registry *prometheus.Registry

	// Wire protocol
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ErrorsTotal     *prometheus.CounterVec

	// Business
	ClientsRegistered prometheus.Counter
	MessagesQueued    *prometheus.CounterVec
	MessagesDelivered prometheus.Counter

	// Connections
	ConnectionsOpen  prometheus.Gauge
	ConnectionsTotal prometheus.Counter

	// Admin HTTP
	HTTPRequestsTotal *prometheus.CounterVec
}

// New registers every collector on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_requests_total",
				Help: "Total requests dispatched",
			},
			[]string{"code", "result"}, // result: "ok" or "error"
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_request_duration_seconds",
				Help:    "Request dispatch duration",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
			},
			[]string{"code"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_errors_total",
				Help: "Requests answered with the error response",
			},
			[]string{"reason"},
		),

		ClientsRegistered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_clients_registered_total",
				Help: "Total clients registered",
			},
		),

		MessagesQueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_queued_total",
				Help: "Total messages queued",
			},
			[]string{"type"},
		),

		MessagesDelivered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_messages_delivered_total",
				Help: "Total messages delivered by pull",
			},
		),

		ConnectionsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_connections_open",
				Help: "Currently open client connections",
			},
		),

		ConnectionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_connections_total",
				Help: "Total accepted client connections",
			},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total admin HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
	}
}
