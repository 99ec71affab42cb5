package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gatherValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if !labelsMatch(metric, labels) {
				continue
			}
			switch {
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue()
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue()
			case metric.GetHistogram() != nil:
				return float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, pair := range metric.GetLabel() {
		if expected, ok := labels[pair.GetName()]; ok {
			if expected != pair.GetValue() {
				return false
			}
			matched++
		}
	}
	return matched == len(labels)
}

func TestMetricsRecordRoomLifecycle(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := New(registry)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.RoomOpened()
	m.RoomOpened()
	m.RoomClosed()
	m.SessionAttached()
	m.Broadcast()
	m.Resync("history_gap")
	m.SnapshotSaved(SaveResultSuccess, 0.02)
	m.SnapshotSaved(SaveResultSkipped, 0)
	m.Transaction("remote")

	if got := gatherValue(t, registry, "whiteboard_active_rooms", nil); got != 1 {
		t.Fatalf("expected 1 active room, got %v", got)
	}
	if got := gatherValue(t, registry, "whiteboard_resyncs_total", map[string]string{"reason": "history_gap"}); got != 1 {
		t.Fatalf("expected 1 resync, got %v", got)
	}
	if got := gatherValue(t, registry, "whiteboard_snapshot_save_duration_seconds", nil); got != 1 {
		t.Fatalf("expected skipped saves to stay out of the histogram, got %v samples", got)
	}
	if got := gatherValue(t, registry, "whiteboard_store_transactions_total", map[string]string{"source": "remote"}); got != 1 {
		t.Fatalf("expected 1 remote transaction, got %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RoomOpened()
	m.SessionDropped("slow_consumer")
	m.SnapshotSaved(SaveResultFailure, 1)
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	if _, err := New(registry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := New(registry); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}
