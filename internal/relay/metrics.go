package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics covers the relay's operational surface. All methods are nil-safe
// so the registry can run without a collector in tests.
type Metrics struct {
	connections  prometheus.Gauge
	rooms        prometheus.Gauge
	members      prometheus.Gauge
	framesRouted prometheus.Counter
	rejects      *prometheus.CounterVec
	purges       prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "emberroom",
			Subsystem: "relay",
			Name:      "open_connections",
			Help:      "Currently open websocket connections.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "emberroom",
			Subsystem: "relay",
			Name:      "live_rooms",
			Help:      "Rooms currently tracked by the registry.",
		}),
		members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "emberroom",
			Subsystem: "relay",
			Name:      "room_members",
			Help:      "Members currently joined across all rooms.",
		}),
		framesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "emberroom",
			Subsystem: "relay",
			Name:      "frames_routed_total",
			Help:      "key_share and encrypted frames forwarded.",
		}),
		rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emberroom",
			Subsystem: "relay",
			Name:      "rejected_total",
			Help:      "Connections closed for protocol or limit violations.",
		}, []string{"reason"}),
		purges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "emberroom",
			Subsystem: "relay",
			Name:      "purges_total",
			Help:      "Rooms destroyed by their creator.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.rooms, m.members, m.framesRouted, m.rejects, m.purges)
	}
	return m
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) roomOpened() {
	if m != nil {
		m.rooms.Inc()
	}
}

func (m *Metrics) roomClosed() {
	if m != nil {
		m.rooms.Dec()
	}
}

func (m *Metrics) memberJoined() {
	if m != nil {
		m.members.Inc()
	}
}

func (m *Metrics) memberLeft() {
	if m != nil {
		m.members.Dec()
	}
}

func (m *Metrics) frameRouted() {
	if m != nil {
		m.framesRouted.Inc()
	}
}

func (m *Metrics) rejected(reason string) {
	if m != nil {
		m.rejects.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) purgeServed() {
	if m != nil {
		m.purges.Inc()
	}
}
