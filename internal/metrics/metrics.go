package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sockmux"

// Metrics holds the collectors shared by managers and sockets.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Sockets         *prometheus.GaugeVec   // endpoint
	ConnectAttempts *prometheus.CounterVec // nsp
	SocketEvents    *prometheus.CounterVec // nsp, event
	TransportEvents *prometheus.CounterVec // endpoint, event
	Packets         *prometheus.CounterVec // direction, type
	Unsupported     *prometheus.CounterVec // op
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sockets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sockets",
			Help:      "Logical sockets cached by a manager.",
		}, []string{"endpoint"}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_connect_attempts_total",
			Help:      "Namespace connect packets sent.",
		}, []string{"nsp"}),
		SocketEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_events_total",
			Help:      "Socket lifecycle events (connect, connect_error, connect_timeout, disconnect).",
		}, []string{"nsp", "event"}),
		TransportEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_events_total",
			Help:      "Transport connectivity events.",
		}, []string{"endpoint", "event"}),
		Packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Namespace packets by direction and type.",
		}, []string{"direction", "type"}),
		Unsupported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unsupported_operations_total",
			Help:      "Manager operations that were requested but are not supported.",
		}, []string{"op"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Sockets,
			m.ConnectAttempts,
			m.SocketEvents,
			m.TransportEvents,
			m.Packets,
			m.Unsupported,
		)
	}
	return m
}

// NewRegistry returns a registry with the process and Go collectors plus the
// sockmux collectors.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return reg, New(reg)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// SetSockets records the cache size of the manager for endpoint.
func (m *Metrics) SetSockets(endpoint string, n int) {
	if m == nil {
		return
	}
	m.Sockets.WithLabelValues(endpoint).Set(float64(n))
}

// ConnectAttempt counts a namespace connect packet.
func (m *Metrics) ConnectAttempt(nsp string) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(nsp).Inc()
}

// SocketEvent counts a socket lifecycle event.
func (m *Metrics) SocketEvent(nsp, event string) {
	if m == nil {
		return
	}
	m.SocketEvents.WithLabelValues(nsp, event).Inc()
}

// TransportEvent counts a transport connectivity event.
func (m *Metrics) TransportEvent(endpoint, event string) {
	if m == nil {
		return
	}
	m.TransportEvents.WithLabelValues(endpoint, event).Inc()
}

// Packet counts a packet; direction is "in" or "out".
func (m *Metrics) Packet(direction, typ string) {
	if m == nil {
		return
	}
	m.Packets.WithLabelValues(direction, typ).Inc()
}

// UnsupportedOperation counts a rejected manager operation.
func (m *Metrics) UnsupportedOperation(op string) {
	if m == nil {
		return
	}
	m.Unsupported.WithLabelValues(op).Inc()
}
