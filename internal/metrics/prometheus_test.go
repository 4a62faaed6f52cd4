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

func TestPrometheusSink_TickStarted(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.TickStarted()
	sink.TickStarted()

	val := getCounterValue(t, reg, "spanreed_trigger_ticks_total")
	if val != 2 {
		t.Errorf("ticks_total = %v, want 2", val)
	}
}

func TestPrometheusSink_TickCompleted_WithError(t *testing.T) {
	sink, reg := newTestSink(t)

	// No error
	sink.TickCompleted(100*time.Millisecond, 5, nil)
	errCount := getCounterValue(t, reg, "spanreed_trigger_tick_errors_total")
	if errCount != 0 {
		t.Errorf("tick_errors_total = %v after success, want 0", errCount)
	}

	// With error
	sink.TickCompleted(100*time.Millisecond, 0, errors.New("db error"))
	errCount = getCounterValue(t, reg, "spanreed_trigger_tick_errors_total")
	if errCount != 1 {
		t.Errorf("tick_errors_total = %v after error, want 1", errCount)
	}
}

func TestPrometheusSink_TriggerFiredLabels(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.TriggerFired("schedule")
	sink.TriggerFired("schedule")
	sink.TriggerFired("event")
	sink.TriggerDeduped("event")

	fired := getCounterVecValue(t, reg, "spanreed_trigger_fired_total",
		map[string]string{"kind": "schedule"})
	if fired != 2 {
		t.Errorf("fired{kind=schedule} = %v, want 2", fired)
	}
	deduped := getCounterVecValue(t, reg, "spanreed_trigger_deduped_total",
		map[string]string{"kind": "event"})
	if deduped != 1 {
		t.Errorf("deduped{kind=event} = %v, want 1", deduped)
	}
}

func TestPrometheusSink_RunLifecycleCounters(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.RunStarted()
	sink.RunStarted()
	sink.RunSuspended()
	sink.RunResumed(false)
	sink.RunResumed(true)
	sink.RunFinished("completed")
	sink.RunFinished("failed")
	sink.RunFinished("completed")

	if v := getCounterValue(t, reg, "spanreed_engine_runs_started_total"); v != 2 {
		t.Errorf("runs_started_total = %v, want 2", v)
	}
	if v := getCounterValue(t, reg, "spanreed_engine_runs_suspended_total"); v != 1 {
		t.Errorf("runs_suspended_total = %v, want 1", v)
	}
	timedOut := getCounterVecValue(t, reg, "spanreed_engine_runs_resumed_total",
		map[string]string{"timed_out": "true"})
	if timedOut != 1 {
		t.Errorf("runs_resumed{timed_out=true} = %v, want 1", timedOut)
	}
	completed := getCounterVecValue(t, reg, "spanreed_engine_runs_finished_total",
		map[string]string{"status": "completed"})
	if completed != 2 {
		t.Errorf("runs_finished{status=completed} = %v, want 2", completed)
	}
}

func TestPrometheusSink_QueueDepth(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.QueueDepth(12)
	sink.QueueDepth(3)

	if v := getGaugeValue(t, reg, "spanreed_engine_queue_depth"); v != 3 {
		t.Errorf("queue_depth = %v, want 3", v)
	}
}

func TestPrometheusSink_BrokerCounters(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.RequestOpened()
	sink.RequestClosed("answered")
	sink.RequestClosed("expired")
	sink.PromptDelivery(true)
	sink.PromptDelivery(false)

	if v := getCounterValue(t, reg, "spanreed_broker_requests_opened_total"); v != 1 {
		t.Errorf("requests_opened_total = %v, want 1", v)
	}
	answered := getCounterVecValue(t, reg, "spanreed_broker_requests_closed_total",
		map[string]string{"status": "answered"})
	if answered != 1 {
		t.Errorf("requests_closed{status=answered} = %v, want 1", answered)
	}
	failed := getCounterVecValue(t, reg, "spanreed_broker_prompt_deliveries_total",
		map[string]string{"ok": "false"})
	if failed != 1 {
		t.Errorf("prompt_deliveries{ok=false} = %v, want 1", failed)
	}
}

func TestPrometheusSink_DeliveryAttemptLabels(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DeliveryAttemptCompleted("telegram", "2xx", 100*time.Millisecond)
	sink.DeliveryAttemptCompleted("web", "5xx", 200*time.Millisecond)

	val1 := getCounterVecValue(t, reg, "spanreed_surface_delivery_attempts_total",
		map[string]string{"surface": "telegram", "status_class": "2xx"})
	if val1 != 1 {
		t.Errorf("surface=telegram,status=2xx = %v, want 1", val1)
	}

	val2 := getCounterVecValue(t, reg, "spanreed_surface_delivery_attempts_total",
		map[string]string{"surface": "web", "status_class": "5xx"})
	if val2 != 1 {
		t.Errorf("surface=web,status=5xx = %v, want 1", val2)
	}
}

func TestPrometheusSink_ReconcileCompleted(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.ReconcileCompleted(3, 1)
	sink.ReconcileCompleted(1, 0)

	if v := getCounterValue(t, reg, "spanreed_reconciler_runs_requeued_total"); v != 4 {
		t.Errorf("runs_requeued_total = %v, want 4", v)
	}
	if v := getCounterValue(t, reg, "spanreed_reconciler_requests_expired_total"); v != 1 {
		t.Errorf("requests_expired_total = %v, want 1", v)
	}
}

func TestPrometheusSink_DuplicateRegistration_NoPanic(t *testing.T) {
	// Registering metrics twice with the same registry should not panic.
	// The second registration will fail, but should be handled gracefully.
	reg := prometheus.NewRegistry()

	sink1 := NewPrometheusSink(reg)
	if sink1 == nil {
		t.Fatal("first NewPrometheusSink returned nil")
	}

	// Second registration will fail for all metrics, but should not panic.
	sink2 := NewPrometheusSink(reg)
	if sink2 == nil {
		t.Fatal("second NewPrometheusSink returned nil")
	}
}

// Verify PrometheusSink implements Sink interface.
var _ Sink = (*PrometheusSink)(nil)
