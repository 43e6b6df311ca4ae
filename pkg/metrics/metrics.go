// Package metrics holds the Prometheus collectors shared by the gateway components.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "service_gateway"

// Metrics groups every collector the gateway exports.
type Metrics struct {
	registry *prometheus.Registry

	socketConnections prometheus.Gauge
	socketFrames      *prometheus.CounterVec // direction
	roomJoins         *prometheus.CounterVec // result
	rateLimited       prometheus.Counter

	busMessages       *prometheus.CounterVec // topic, kind
	busReconnects     *prometheus.CounterVec // role, reason
	busDecodeFailures prometheus.Counter
	busDuplicates     prometheus.Counter

	registryServices prometheus.Gauge
	pendingRequests  prometheus.Gauge
	requestTimeouts  prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		socketConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "connections",
			Help:      "Currently authenticated socket connections",
		}),
		socketFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "frames_total",
			Help:      "Socket frames by direction",
		}, []string{"direction"}),
		roomJoins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "room_joins_total",
			Help:      "Room join attempts by result",
		}, []string{"result"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "rate_limited_total",
			Help:      "Inbound frames rejected by the per-connection limiter",
		}),
		busMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "messages_total",
			Help:      "Messages delivered from the bus by topic and kind",
		}, []string{"topic", "kind"}),
		busReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "reconnects_total",
			Help:      "Bus reconnect cycles by role and reason",
		}, []string{"role", "reason"}),
		busDecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "decode_failures_total",
			Help:      "Bus messages dropped because they were not JSON objects",
		}),
		busDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "duplicates_total",
			Help:      "Bus messages dropped because their messageId was already seen",
		}),
		registryServices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "services",
			Help:      "Services currently known to the registry",
		}),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "pending",
			Help:      "Routed requests waiting for a response",
		}),
		requestTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "timeouts_total",
			Help:      "Routed requests that expired without a response",
		}),
	}

	m.registry.MustRegister(
		m.socketConnections,
		m.socketFrames,
		m.roomJoins,
		m.rateLimited,
		m.busMessages,
		m.busReconnects,
		m.busDecodeFailures,
		m.busDuplicates,
		m.registryServices,
		m.pendingRequests,
		m.requestTimeouts,
	)
	return m
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) SocketConnected() {
	if m != nil {
		m.socketConnections.Inc()
	}
}

func (m *Metrics) SocketDisconnected() {
	if m != nil {
		m.socketConnections.Dec()
	}
}

// SocketFrame counts one frame; direction is "in" or "out".
func (m *Metrics) SocketFrame(direction string) {
	if m != nil {
		m.socketFrames.WithLabelValues(direction).Inc()
	}
}

// RoomJoin counts a join attempt; result is "joined", "denied" or "error".
func (m *Metrics) RoomJoin(result string) {
	if m != nil {
		m.roomJoins.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) RateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}

func (m *Metrics) BusMessage(topic, kind string) {
	if m != nil {
		m.busMessages.WithLabelValues(topic, kind).Inc()
	}
}

func (m *Metrics) BusReconnect(role, reason string) {
	if m != nil {
		m.busReconnects.WithLabelValues(role, reason).Inc()
	}
}

func (m *Metrics) BusDecodeFailure() {
	if m != nil {
		m.busDecodeFailures.Inc()
	}
}

func (m *Metrics) BusDuplicate() {
	if m != nil {
		m.busDuplicates.Inc()
	}
}

func (m *Metrics) SetRegistryServices(n int) {
	if m != nil {
		m.registryServices.Set(float64(n))
	}
}

func (m *Metrics) SetPendingRequests(n int) {
	if m != nil {
		m.pendingRequests.Set(float64(n))
	}
}

func (m *Metrics) RequestTimeout() {
	if m != nil {
		m.requestTimeouts.Inc()
	}
}
