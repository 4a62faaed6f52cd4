package metrics

import (
	"testing"
	"time"
)

func TestNoopSink_AllMethods(t *testing.T) {
	// Verify that calling all methods on NoopSink does not panic.
	s := NewNoopSink()

	s.TickStarted()
	s.TickCompleted(100*time.Millisecond, 5, nil)
	s.TriggerFired("schedule")
	s.TriggerDeduped("event")

	s.EventPublished()
	s.PublishBlocked()

	s.RunStarted()
	s.RunFinished("completed")
	s.RunSuspended()
	s.RunResumed(true)
	s.RunResumed(false)
	s.QueueDepth(7)

	s.RequestOpened()
	s.RequestClosed("answered")
	s.PromptDelivery(true)
	s.PromptDelivery(false)

	s.DeliveryAttemptCompleted("telegram", "2xx", 200*time.Millisecond)
	s.DeliveryOutcome("telegram", OutcomeSuccess)
	s.DeliveryOutcome("web", OutcomeFailed)

	s.ReconcileCompleted(2, 1)
}

// Verify NoopSink implements Sink interface.
var _ Sink = (*NoopSink)(nil)
