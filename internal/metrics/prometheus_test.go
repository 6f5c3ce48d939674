package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	return sink, reg
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusSink_Registration(t *testing.T) {
	// Should not panic or error with a fresh registry.
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	if sink == nil {
		t.Fatal("NewPrometheusSink returned nil")
	}
}

func TestPrometheusSink_PostFired(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.PostFired(2 * time.Second)
	sink.PostFired(-time.Second)

	val := getCounterValue(t, reg, "postcron_scheduler_posts_fired_total")
	if val != 2 {
		t.Errorf("posts_fired_total = %v, want 2", val)
	}
}

func TestPrometheusSink_SyncCompleted_WithError(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.SyncCompleted(100*time.Millisecond, 5, nil)
	errCount := getCounterValue(t, reg, "postcron_scheduler_sync_errors_total")
	if errCount != 0 {
		t.Errorf("sync_errors_total = %v after success, want 0", errCount)
	}

	sink.SyncCompleted(100*time.Millisecond, 0, errors.New("db error"))
	errCount = getCounterValue(t, reg, "postcron_scheduler_sync_errors_total")
	if errCount != 1 {
		t.Errorf("sync_errors_total = %v after error, want 1", errCount)
	}

	if total := getCounterValue(t, reg, "postcron_scheduler_syncs_total"); total != 2 {
		t.Errorf("syncs_total = %v, want 2", total)
	}
}

func TestPrometheusSink_SchedulerGaugeAndMissed(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.PostScheduled()
	sink.PostScheduled()
	sink.PostMissed()
	sink.PendingEntriesUpdate(7)

	if v := getCounterValue(t, reg, "postcron_scheduler_posts_scheduled_total"); v != 2 {
		t.Errorf("posts_scheduled_total = %v, want 2", v)
	}
	if v := getCounterValue(t, reg, "postcron_scheduler_posts_missed_total"); v != 1 {
		t.Errorf("posts_missed_total = %v, want 1", v)
	}
	if v := getGaugeValue(t, reg, "postcron_scheduler_pending_entries"); v != 7 {
		t.Errorf("pending_entries = %v, want 7", v)
	}
}

func TestPrometheusSink_DeliveryAttemptLabels(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DeliveryAttemptCompleted(1, ClassOK, 100*time.Millisecond)
	sink.DeliveryAttemptCompleted(2, ClassRateLimited, 200*time.Millisecond)

	val1 := getCounterVecValue(t, reg, "postcron_dispatcher_delivery_attempts_total",
		map[string]string{"attempt": "1", "class": "ok"})
	if val1 != 1 {
		t.Errorf("attempt=1,class=ok = %v, want 1", val1)
	}

	val2 := getCounterVecValue(t, reg, "postcron_dispatcher_delivery_attempts_total",
		map[string]string{"attempt": "2", "class": "rate_limited"})
	if val2 != 1 {
		t.Errorf("attempt=2,class=rate_limited = %v, want 1", val2)
	}
}

func TestPrometheusSink_DeliveryOutcome(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DeliveryOutcome(OutcomeSent)
	sink.DeliveryOutcome(OutcomeFailed)
	sink.DeliveryOutcome(OutcomeSent)

	sentVal := getCounterVecValue(t, reg, "postcron_dispatcher_delivery_outcomes_total",
		map[string]string{"outcome": "sent"})
	if sentVal != 2 {
		t.Errorf("outcome=sent = %v, want 2", sentVal)
	}

	failedVal := getCounterVecValue(t, reg, "postcron_dispatcher_delivery_outcomes_total",
		map[string]string{"outcome": "failed"})
	if failedVal != 1 {
		t.Errorf("outcome=failed = %v, want 1", failedVal)
	}
}

func TestPrometheusSink_EventsInFlight(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.EventsInFlightIncr()
	sink.EventsInFlightIncr()
	sink.EventsInFlightDecr()

	val := getGaugeValue(t, reg, "postcron_dispatcher_events_in_flight")
	if val != 1 {
		t.Errorf("events_in_flight = %v, want 1", val)
	}
}

func TestPrometheusSink_CleanupFailed(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.CleanupFailed(3)

	if v := getCounterValue(t, reg, "postcron_dispatcher_cleanup_failures_total"); v != 3 {
		t.Errorf("cleanup_failures_total = %v, want 3", v)
	}
}

func TestPrometheusSink_BufferMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.BufferCapacitySet(100)
	sink.BufferSizeUpdate(42)
	sink.EmitError()

	capVal := getGaugeValue(t, reg, "postcron_eventbus_buffer_capacity")
	if capVal != 100 {
		t.Errorf("buffer_capacity = %v, want 100", capVal)
	}

	sizeVal := getGaugeValue(t, reg, "postcron_eventbus_buffer_size")
	if sizeVal != 42 {
		t.Errorf("buffer_size = %v, want 42", sizeVal)
	}

	if v := getCounterValue(t, reg, "postcron_eventbus_emit_errors_total"); v != 1 {
		t.Errorf("emit_errors_total = %v, want 1", v)
	}
}

func TestPrometheusSink_ReconcilerMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.OrphanedPostsUpdate(4)
	sink.PostsPurged(10)
	sink.PostsPurged(2)

	if v := getGaugeValue(t, reg, "postcron_reconciler_orphaned_posts"); v != 4 {
		t.Errorf("orphaned_posts = %v, want 4", v)
	}
	if v := getCounterValue(t, reg, "postcron_reconciler_posts_purged_total"); v != 12 {
		t.Errorf("posts_purged_total = %v, want 12", v)
	}
}

func TestPrometheusSink_LeaderMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.LeaderStatusChanged(true)
	sink.LeaderAcquired()
	if v := getGaugeValue(t, reg, "postcron_leader_status"); v != 1 {
		t.Errorf("leader_status = %v, want 1", v)
	}

	sink.LeaderStatusChanged(false)
	sink.LeaderLost("conn_lost")
	if v := getGaugeValue(t, reg, "postcron_leader_status"); v != 0 {
		t.Errorf("leader_status = %v, want 0", v)
	}
	if v := getCounterValue(t, reg, "postcron_leader_acquired_total"); v != 1 {
		t.Errorf("leader_acquired_total = %v, want 1", v)
	}
	lost := getCounterVecValue(t, reg, "postcron_leader_lost_total", map[string]string{"reason": "conn_lost"})
	if lost != 1 {
		t.Errorf("leader_lost_total{reason=conn_lost} = %v, want 1", lost)
	}
}

func TestPrometheusSink_DuplicateRegistration_NoPanic(t *testing.T) {
	reg := prometheus.NewRegistry()

	sink1 := NewPrometheusSink(reg)
	if sink1 == nil {
		t.Fatal("first NewPrometheusSink returned nil")
	}

	// Second registration fails for every collector but must not panic.
	sink2 := NewPrometheusSink(reg)
	if sink2 == nil {
		t.Fatal("second NewPrometheusSink returned nil")
	}
	sink2.PostScheduled()
}
