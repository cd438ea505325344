package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orneryd/muninn/pkg/broadcast"
	"github.com/orneryd/muninn/pkg/muninn"
)

const metricsNamespace = "muninn"

// Metrics holds the Prometheus registry and request instruments for the
// HTTP server. Graph and session state is collected on scrape, not
// pushed, so there is nothing to update from the hot path.
type Metrics struct {
	registry *prometheus.Registry

	// HTTPRequestsTotal counts requests by handler and status code.
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTPDurationSeconds measures request latency by handler.
	HTTPDurationSeconds *prometheus.HistogramVec
}

// NewMetrics builds a registry with the store and hub collectors
// registered. Each server gets its own registry so tests can run
// several instances in one process.
func NewMetrics(store *muninn.Store, hub *broadcast.Hub) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by handler and status code",
			},
			[]string{"handler", "code"},
		),
		HTTPDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by handler",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"handler"},
		),
	}
	m.registry.MustRegister(m.HTTPRequestsTotal, m.HTTPDurationSeconds)
	m.registry.MustRegister(&storeCollector{store: store, hub: hub})
	return m
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Instrument wraps an HTTP handler with request count and latency
// tracking under the given handler label.
func (m *Metrics) Instrument(name string, next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerDuration(
		m.HTTPDurationSeconds.MustCurryWith(prometheus.Labels{"handler": name}),
		promhttp.InstrumentHandlerCounter(
			m.HTTPRequestsTotal.MustCurryWith(prometheus.Labels{"handler": name}),
			next,
		),
	)
}

// =============================================================================
// Store Collector
// =============================================================================

var (
	descNodes = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "graph", "nodes"),
		"Node count per graph, archived included",
		[]string{"graph"}, nil,
	)
	descEdges = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "graph", "edges"),
		"Edge count per graph",
		[]string{"graph"}, nil,
	)
	descTokens = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "graph", "estimated_tokens"),
		"Estimated token footprint per graph",
		[]string{"graph"}, nil,
	)
	descSessions = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "active_sessions"),
		"Registered sessions not yet expired",
		nil, nil,
	)
	descWSClients = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "websocket_clients"),
		"Connected WebSocket subscribers",
		nil, nil,
	)
)

// storeCollector snapshots store statistics on every scrape.
type storeCollector struct {
	store *muninn.Store
	hub   *broadcast.Hub
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descNodes
	ch <- descEdges
	ch <- descTokens
	ch <- descSessions
	ch <- descWSClients
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	ping := c.store.Ping()

	for key, n := range ping.Nodes {
		ch <- prometheus.MustNewConstMetric(descNodes, prometheus.GaugeValue, float64(n), key)
	}
	for key, n := range ping.Edges {
		ch <- prometheus.MustNewConstMetric(descEdges, prometheus.GaugeValue, float64(n), key)
	}
	for key, n := range ping.Tokens {
		ch <- prometheus.MustNewConstMetric(descTokens, prometheus.GaugeValue, float64(n), key)
	}
	ch <- prometheus.MustNewConstMetric(descSessions, prometheus.GaugeValue, float64(ping.ActiveSessions))
	if c.hub != nil {
		ch <- prometheus.MustNewConstMetric(descWSClients, prometheus.GaugeValue, float64(c.hub.Count()))
	}
}
