package realtime

import "github.com/prometheus/client_golang/prometheus"

// Delivery results recorded by Metrics.Deliveries.
const (
	deliveryDelivered = "delivered"
	deliveryOffline   = "offline"
	deliveryDropped   = "dropped"
)

// Metrics holds the gateway's collectors.
type Metrics struct {
	connections prometheus.Gauge
	onlineUsers prometheus.Gauge
	events      *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	replaced    prometheus.Counter
}

// NewMetrics builds the collectors and registers them with reg. A nil reg
// leaves them unregistered, which keeps tests free of global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tandem_ws_connections",
			Help: "Current number of open realtime connections.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tandem_presence_online_users",
			Help: "Users with a live connection on this node.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tandem_ws_events_total",
			Help: "Inbound realtime events by type.",
		}, []string{"type"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tandem_ws_deliveries_total",
			Help: "Message deliveries to recipients grouped by result.",
		}, []string{"result"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tandem_ws_rejected_total",
			Help: "Rejected websocket handshakes grouped by reason.",
		}, []string{"reason"}),
		replaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tandem_ws_sessions_replaced_total",
			Help: "Connections closed because the same user connected again.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.connections,
			m.onlineUsers,
			m.events,
			m.deliveries,
			m.rejected,
			m.replaced,
		)
	}
	return m
}
