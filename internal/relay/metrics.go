package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "simlink"

// Metrics are the relay's Prometheus collectors.
type Metrics struct {
	connections      *prometheus.GaugeVec
	connectionsTotal *prometheus.CounterVec
	messages         *prometheus.CounterVec
	dropped          *prometheus.CounterVec
	rejected         *prometheus.CounterVec
	forwardErrors    *prometheus.CounterVec
	sessions         prometheus.Counter
}

// NewMetrics registers the relay collectors on reg. A nil reg creates
// unregistered collectors, which is what tests want by default.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		connections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Currently open connections by role",
		}, []string{"role"}),

		connectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "relay",
			Name:      "connections_total",
			Help:      "Accepted connections by role",
		}, []string{"role"}),

		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Messages relayed by direction",
		}, []string{"direction"}),

		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "relay",
			Name:      "clients_dropped_total",
			Help:      "Clients disconnected by the relay by reason",
		}, []string{"reason"}),

		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "relay",
			Name:      "rejected_total",
			Help:      "Connections refused by reason",
		}, []string{"reason"}),

		forwardErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "relay",
			Name:      "forward_errors_total",
			Help:      "Client messages that could not be forwarded to the simulator",
		}, []string{"code"}),

		sessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "relay",
			Name:      "sessions_total",
			Help:      "Simulator sessions started",
		}),
	}
}

const (
	directionToClients   = "simulator_to_clients"
	directionToSimulator = "client_to_simulator"

	dropReasonSlow    = "slow"
	dropReasonSession = "session_ended"
)

func (m *Metrics) connOpened(r Role) {
	m.connections.WithLabelValues(string(r)).Inc()
	m.connectionsTotal.WithLabelValues(string(r)).Inc()
}

func (m *Metrics) connClosed(r Role) {
	m.connections.WithLabelValues(string(r)).Dec()
}
