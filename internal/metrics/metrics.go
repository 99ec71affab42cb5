// Package metrics exposes Prometheus collectors for rooms, sessions and persistence.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "whiteboard"

// Snapshot save results.
const (
	SaveResultSuccess = "success"
	SaveResultFailure = "failure"
	SaveResultSkipped = "skipped"
)

// Metrics groups the server collectors. A nil *Metrics records nothing.
type Metrics struct {
	activeRooms       prometheus.Gauge
	activeSessions    prometheus.Gauge
	broadcastMessages prometheus.Counter
	droppedSessions   *prometheus.CounterVec
	resyncs           *prometheus.CounterVec
	snapshotSaves     *prometheus.CounterVec
	saveDuration      prometheus.Histogram
	transactions      *prometheus.CounterVec
}

// New registers the collectors on registerer.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		activeRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rooms",
			Help:      "Number of rooms currently loaded",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions attached to a room",
		}),
		broadcastMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_messages_total",
			Help:      "Diff messages queued to sessions",
		}),
		droppedSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_sessions_total",
			Help:      "Sessions torn down by the server",
		}, []string{"reason"}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resyncs_total",
			Help:      "Full snapshots sent instead of incremental catch-up",
		}, []string{"reason"}),
		snapshotSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_saves_total",
			Help:      "Room snapshot saves by result",
		}, []string{"result"}),
		saveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_save_duration_seconds",
			Help:      "Duration of room snapshot saves including retries",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_transactions_total",
			Help:      "Committed document store transactions by source",
		}, []string{"source"}),
	}
	collectors := []prometheus.Collector{
		m.activeRooms, m.activeSessions, m.broadcastMessages, m.droppedSessions,
		m.resyncs, m.snapshotSaves, m.saveDuration, m.transactions,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) RoomOpened() {
	if m == nil {
		return
	}
	m.activeRooms.Inc()
}

func (m *Metrics) RoomClosed() {
	if m == nil {
		return
	}
	m.activeRooms.Dec()
}

func (m *Metrics) SessionAttached() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionDetached() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) Broadcast() {
	if m == nil {
		return
	}
	m.broadcastMessages.Inc()
}

func (m *Metrics) SessionDropped(reason string) {
	if m == nil {
		return
	}
	m.droppedSessions.WithLabelValues(reason).Inc()
}

func (m *Metrics) Resync(reason string) {
	if m == nil {
		return
	}
	m.resyncs.WithLabelValues(reason).Inc()
}

// SnapshotSaved records one save attempt sequence and its wall time.
func (m *Metrics) SnapshotSaved(result string, seconds float64) {
	if m == nil {
		return
	}
	m.snapshotSaves.WithLabelValues(result).Inc()
	if result != SaveResultSkipped {
		m.saveDuration.Observe(seconds)
	}
}

func (m *Metrics) Transaction(source string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(source).Inc()
}
