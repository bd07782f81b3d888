// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for admin API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Connections can stay open for a long stream, so their buckets reach further.
var connectionBuckets = []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300, 1800}

// Direction label values for BytesForwarded.
const (
	DirectionUpstream   = "upstream"
	DirectionDownstream = "downstream"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsAccepted prometheus.Counter
	ConnectionsHandled  *prometheus.CounterVec
	ConnectionsInFlight prometheus.Gauge
	ConnectionDuration  prometheus.Histogram
	ProxiedRequests     *prometheus.CounterVec
	BytesForwarded      *prometheus.CounterVec
	QueueDepth          *prometheus.GaugeVec

	UpstreamDialDuration prometheus.Histogram
	UpstreamDials        *prometheus.CounterVec

	AdminRequestsTotal   *prometheus.CounterVec
	AdminRequestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forward_proxy_connections_accepted_total",
			Help: "Total client connections accepted.",
		}),

		ConnectionsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forward_proxy_connections_handled_total",
			Help: "Total client connections handled, by outcome.",
		}, []string{"outcome"}),

		ConnectionsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forward_proxy_connections_in_flight",
			Help: "Number of client connections currently being handled.",
		}),

		ConnectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "forward_proxy_connection_duration_seconds",
			Help:    "Time spent handling one client connection.",
			Buckets: connectionBuckets,
		}),

		ProxiedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forward_proxy_requests_total",
			Help: "Total parsed client requests, by method.",
		}, []string{"method"}),

		BytesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forward_proxy_body_bytes_total",
			Help: "Decoded body bytes forwarded, by direction.",
		}, []string{"direction"}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "forward_proxy_worker_queue_depth",
			Help: "Connections queued per worker, not yet started.",
		}, []string{"worker"}),

		UpstreamDialDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "forward_proxy_upstream_dial_duration_seconds",
			Help:    "Upstream connect latency in seconds.",
			Buckets: defaultBuckets,
		}),

		UpstreamDials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forward_proxy_upstream_dials_total",
			Help: "Total upstream connection attempts, by result.",
		}, []string{"result"}),

		AdminRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forward_proxy_admin_requests_total",
			Help: "Total admin HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		AdminRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forward_proxy_admin_request_duration_seconds",
			Help:    "Admin HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),
	}

	reg.MustRegister(
		m.ConnectionsAccepted,
		m.ConnectionsHandled,
		m.ConnectionsInFlight,
		m.ConnectionDuration,
		m.ProxiedRequests,
		m.BytesForwarded,
		m.QueueDepth,
		m.UpstreamDialDuration,
		m.UpstreamDials,
		m.AdminRequestsTotal,
		m.AdminRequestDuration,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true, "TRACE": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}
