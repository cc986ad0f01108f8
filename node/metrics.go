package node

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	directionInbound  = "inbound"
	directionOutbound = "outbound"
)

// Metrics holds the reactor collectors. Each reactor registers them on its own
// registry so several reactors can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	connectionsOpen  prometheus.Gauge
	connectionsTotal *prometheus.CounterVec
	bytesRead        prometheus.Counter
	bytesWritten     prometheus.Counter
	handlerFaults    *prometheus.CounterVec
	connectErrors    prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.connectionsOpen = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Number of connections currently open",
		},
	)

	m.connectionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of established connections",
		},
		[]string{"direction"},
	)

	m.bytesRead = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_read_total",
			Help:      "Total number of bytes read from sockets",
		},
	)

	m.bytesWritten = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Total number of bytes written to sockets",
		},
	)

	m.handlerFaults = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_faults_total",
			Help:      "Total number of errors and panics escaping handlers",
		},
		[]string{"event"},
	)

	m.connectErrors = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_errors_total",
			Help:      "Total number of failed outbound connects",
		},
	)

	return m
}

// Registry exposes the underlying registry, e.g. for tests or custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) connOpened(direction string) {
	m.connectionsOpen.Inc()
	m.connectionsTotal.WithLabelValues(direction).Inc()
}

func (m *Metrics) connClosed() {
	m.connectionsOpen.Dec()
}

func (m *Metrics) read(n int) {
	m.bytesRead.Add(float64(n))
}

func (m *Metrics) written(n int) {
	m.bytesWritten.Add(float64(n))
}

func (m *Metrics) fault(event string) {
	m.handlerFaults.WithLabelValues(event).Inc()
}

func (m *Metrics) connectFailed() {
	m.connectErrors.Inc()
}
