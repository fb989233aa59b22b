package websocket

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for connections. A nil *Metrics
// records nothing.
type Metrics struct {
	connections prometheus.Gauge
	handshakes  *prometheus.CounterVec
	messages    *prometheus.CounterVec
	closeCodes  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wsengine",
			Name:      "connections_active",
			Help:      "Number of open WebSocket connections.",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsengine",
			Name:      "handshakes_total",
			Help:      "Opening handshakes by role and result.",
		}, []string{"role", "result"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsengine",
			Name:      "messages_total",
			Help:      "Data messages by direction and type.",
		}, []string{"direction", "type"}),
		closeCodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsengine",
			Name:      "close_codes_total",
			Help:      "Closed connections by close code.",
		}, []string{"code"}),
	}

	if reg != nil {
		reg.MustRegister(m.connections, m.handshakes, m.messages, m.closeCodes)
	}
	return m
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) connClosed(code int) {
	if m == nil {
		return
	}
	m.connections.Dec()
	m.closeCodes.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) handshake(role, result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(role, result).Inc()
}

func (m *Metrics) messageReceived(messageType int) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues("in", messageTypeLabel(messageType)).Inc()
}

func (m *Metrics) messageSent(messageType int) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues("out", messageTypeLabel(messageType)).Inc()
}

func messageTypeLabel(messageType int) string {
	if messageType == TextMessage {
		return "text"
	}
	return "binary"
}
