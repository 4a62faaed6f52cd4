package metrics

import "time"

// Sink aggregates the metrics interfaces of every component. All methods
// are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and
// continue.
type Sink interface {
	// Trigger engine
	TickStarted()
	TickCompleted(duration time.Duration, runsStarted int, err error)
	TriggerFired(kind string)
	TriggerDeduped(kind string)

	// Event bus
	EventPublished()
	PublishBlocked()

	// Execution engine
	RunStarted()
	RunFinished(status string)
	RunSuspended()
	RunResumed(timedOut bool)
	QueueDepth(depth int)

	// Interaction broker
	RequestOpened()
	RequestClosed(status string)
	PromptDelivery(ok bool)

	// Surface delivery
	DeliveryAttemptCompleted(surface, statusClass string, duration time.Duration)
	DeliveryOutcome(surface, outcome string)

	// Reconciler
	ReconcileCompleted(requeued, expired int)
}

// Outcome constants for DeliveryOutcome.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)
