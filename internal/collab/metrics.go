package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is optional; a nil *Metrics records nothing.
type Metrics struct {
	rooms    prometheus.Gauge
	users    prometheus.Gauge
	updates  prometheus.Counter
	writes   *prometheus.CounterVec
	reclaims prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "knowtis", Subsystem: "collab", Name: "rooms_active",
			Help: "Rooms currently held in memory.",
		}),
		users: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "knowtis", Subsystem: "collab", Name: "users_connected",
			Help: "Connections joined to a room.",
		}),
		updates: f.NewCounter(prometheus.CounterOpts{
			Namespace: "knowtis", Subsystem: "collab", Name: "updates_applied_total",
			Help: "Document updates merged into rooms.",
		}),
		writes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "knowtis", Subsystem: "collab", Name: "snapshot_writes_total",
			Help: "Snapshot writes by result.",
		}, []string{"result"}),
		reclaims: f.NewCounter(prometheus.CounterOpts{
			Namespace: "knowtis", Subsystem: "collab", Name: "rooms_reclaimed_total",
			Help: "Rooms released after the idle grace period.",
		}),
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

func (m *Metrics) userJoined() {
	if m != nil {
		m.users.Inc()
	}
}

func (m *Metrics) usersLeft(n int) {
	if m != nil && n > 0 {
		m.users.Sub(float64(n))
	}
}

func (m *Metrics) updateApplied() {
	if m != nil {
		m.updates.Inc()
	}
}

func (m *Metrics) snapshotWritten(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.writes.WithLabelValues(result).Inc()
}

func (m *Metrics) roomReclaimed() {
	if m != nil {
		m.reclaims.Inc()
	}
}
