package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (*NoopSink) TickStarted()                            {}
func (*NoopSink) TickCompleted(time.Duration, int, error) {}
func (*NoopSink) TriggerFired(string)                     {}
func (*NoopSink) TriggerDeduped(string)                   {}

func (*NoopSink) EventPublished() {}
func (*NoopSink) PublishBlocked() {}

func (*NoopSink) RunStarted()        {}
func (*NoopSink) RunFinished(string) {}
func (*NoopSink) RunSuspended()      {}
func (*NoopSink) RunResumed(bool)    {}
func (*NoopSink) QueueDepth(int)     {}

func (*NoopSink) RequestOpened()       {}
func (*NoopSink) RequestClosed(string) {}
func (*NoopSink) PromptDelivery(bool)  {}

func (*NoopSink) DeliveryAttemptCompleted(string, string, time.Duration) {}
func (*NoopSink) DeliveryOutcome(string, string)                         {}

func (*NoopSink) ReconcileCompleted(int, int) {}
