package metrics

import (
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Trigger engine
	ticksTotal        prometheus.Counter
	tickErrorsTotal   prometheus.Counter
	runsStartedByTick prometheus.Counter
	tickDuration      prometheus.Histogram
	triggersFired     *prometheus.CounterVec
	triggersDeduped   *prometheus.CounterVec

	// Event bus
	eventsPublished  prometheus.Counter
	publishesBlocked prometheus.Counter

	// Execution engine
	runsStartedTotal  prometheus.Counter
	runsFinishedTotal *prometheus.CounterVec
	runsSuspended     prometheus.Counter
	runsResumed       *prometheus.CounterVec
	queueDepth        prometheus.Gauge

	// Interaction broker
	requestsOpened   prometheus.Counter
	requestsClosed   *prometheus.CounterVec
	promptDeliveries *prometheus.CounterVec

	// Surface delivery
	deliveryAttemptsTotal *prometheus.CounterVec
	deliveryOutcomesTotal *prometheus.CounterVec
	deliveryDuration      prometheus.Histogram

	// Reconciler
	reconcileRequeued prometheus.Counter
	reconcileExpired  prometheus.Counter
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initTriggerMetrics(reg)
	s.initBusMetrics(reg)
	s.initEngineMetrics(reg)
	s.initBrokerMetrics(reg)
	s.initSurfaceMetrics(reg)
	s.initReconcilerMetrics(reg)
	return s
}

func (s *PrometheusSink) initTriggerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spanreed_trigger_ticks_total",
		Help: "Total number of trigger engine ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spanreed_trigger_tick_errors_total",
		Help: "Total number of trigger ticks that hit at least one error.",
	})
	s.runsStartedByTick = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spanreed_trigger_runs_started_total",
		Help: "Total number of runs started by schedule ticks.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "spanreed_trigger_tick_duration_seconds",
		Help:    "Duration of each trigger engine tick in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.triggersFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spanreed_trigger_fired_total",
		Help: "Total number of trigger firings by trigger kind.",
	}, []string{"kind"})
	s.triggersDeduped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spanreed_trigger_deduped_total",
		Help: "Total number of trigger firings suppressed by deduplication.",
	}, []string{"kind"})

	s.register(reg, s.ticksTotal, "spanreed_trigger_ticks_total")
	s.register(reg, s.tickErrorsTotal, "spanreed_trigger_tick_errors_total")
	s.register(reg, s.runsStartedByTick, "spanreed_trigger_runs_started_total")
	s.register(reg, s.tickDuration, "spanreed_trigger_tick_duration_seconds")
	s.register(reg, s.triggersFired, "spanreed_trigger_fired_total")
	s.register(reg, s.triggersDeduped, "spanreed_trigger_deduped_total")
}

func (s *PrometheusSink) initBusMetrics(reg prometheus.Registerer) {
	s.eventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spanreed_bus_events_published_total",
		Help: "Total number of events published to the bus.",
	})
	s.publishesBlocked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spanreed_bus_publishes_blocked_total",
		Help: "Total number of publishes that blocked on a full subscriber buffer.",
	})

	s.register(reg, s.eventsPublished, "spanreed_bus_events_published_total")
	s.register(reg, s.publishesBlocked, "spanreed_bus_publishes_blocked_total")
}

func (s *PrometheusSink) initEngineMetrics(reg prometheus.Registerer) {
	s.runsStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spanreed_engine_runs_started_total",
		Help: "Total number of runs created.",
	})
	s.runsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spanreed_engine_runs_finished_total",
		Help: "Total number of runs reaching a terminal status.",
	}, []string{"status"})
	s.runsSuspended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spanreed_engine_runs_suspended_total",
		Help: "Total number of run suspensions (questions asked).",
	})
	s.runsResumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spanreed_engine_runs_resumed_total",
		Help: "Total number of run resumptions.",
	}, []string{"timed_out"})
	s.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "spanreed_engine_queue_depth",
		Help: "Number of runs waiting in the dispatch queue.",
	})

	s.register(reg, s.runsStartedTotal, "spanreed_engine_runs_started_total")
	s.register(reg, s.runsFinishedTotal, "spanreed_engine_runs_finished_total")
	s.register(reg, s.runsSuspended, "spanreed_engine_runs_suspended_total")
	s.register(reg, s.runsResumed, "spanreed_engine_runs_resumed_total")
	s.register(reg, s.queueDepth, "spanreed_engine_queue_depth")
}

func (s *PrometheusSink) initBrokerMetrics(reg prometheus.Registerer) {
	s.requestsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spanreed_broker_requests_opened_total",
		Help: "Total number of interaction requests opened.",
	})
	s.requestsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spanreed_broker_requests_closed_total",
		Help: "Total number of interaction requests closed, by closing status.",
	}, []string{"status"})
	s.promptDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spanreed_broker_prompt_deliveries_total",
		Help: "Total number of prompt delivery attempts by result.",
	}, []string{"ok"})

	s.register(reg, s.requestsOpened, "spanreed_broker_requests_opened_total")
	s.register(reg, s.requestsClosed, "spanreed_broker_requests_closed_total")
	s.register(reg, s.promptDeliveries, "spanreed_broker_prompt_deliveries_total")
}

func (s *PrometheusSink) initSurfaceMetrics(reg prometheus.Registerer) {
	s.deliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spanreed_surface_delivery_attempts_total",
		Help: "Total number of surface webhook delivery attempts.",
	}, []string{"surface", "status_class"})
	s.deliveryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spanreed_surface_delivery_outcomes_total",
		Help: "Total number of final delivery outcomes per surface.",
	}, []string{"surface", "outcome"})
	s.deliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "spanreed_surface_delivery_duration_seconds",
		Help:    "Surface webhook request latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.register(reg, s.deliveryAttemptsTotal, "spanreed_surface_delivery_attempts_total")
	s.register(reg, s.deliveryOutcomesTotal, "spanreed_surface_delivery_outcomes_total")
	s.register(reg, s.deliveryDuration, "spanreed_surface_delivery_duration_seconds")
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.reconcileRequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spanreed_reconciler_runs_requeued_total",
		Help: "Total number of stale pending runs requeued by the reconciler.",
	})
	s.reconcileExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spanreed_reconciler_requests_expired_total",
		Help: "Total number of overdue interaction requests expired by the reconciler.",
	})

	s.register(reg, s.reconcileRequeued, "spanreed_reconciler_runs_requeued_total")
	s.register(reg, s.reconcileExpired, "spanreed_reconciler_requests_expired_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Trigger engine

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, runsStarted int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	s.runsStartedByTick.Add(float64(runsStarted))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) TriggerFired(kind string) {
	s.triggersFired.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) TriggerDeduped(kind string) {
	s.triggersDeduped.WithLabelValues(kind).Inc()
}

// Event bus

func (s *PrometheusSink) EventPublished() {
	s.eventsPublished.Inc()
}

func (s *PrometheusSink) PublishBlocked() {
	s.publishesBlocked.Inc()
}

// Execution engine

func (s *PrometheusSink) RunStarted() {
	s.runsStartedTotal.Inc()
}

func (s *PrometheusSink) RunFinished(status string) {
	s.runsFinishedTotal.WithLabelValues(status).Inc()
}

func (s *PrometheusSink) RunSuspended() {
	s.runsSuspended.Inc()
}

func (s *PrometheusSink) RunResumed(timedOut bool) {
	s.runsResumed.WithLabelValues(strconv.FormatBool(timedOut)).Inc()
}

func (s *PrometheusSink) QueueDepth(depth int) {
	s.queueDepth.Set(float64(depth))
}

// Interaction broker

func (s *PrometheusSink) RequestOpened() {
	s.requestsOpened.Inc()
}

func (s *PrometheusSink) RequestClosed(status string) {
	s.requestsClosed.WithLabelValues(status).Inc()
}

func (s *PrometheusSink) PromptDelivery(ok bool) {
	s.promptDeliveries.WithLabelValues(strconv.FormatBool(ok)).Inc()
}

// Surface delivery

func (s *PrometheusSink) DeliveryAttemptCompleted(surface, statusClass string, duration time.Duration) {
	s.deliveryAttemptsTotal.WithLabelValues(surface, statusClass).Inc()
	s.deliveryDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(surface, outcome string) {
	s.deliveryOutcomesTotal.WithLabelValues(surface, outcome).Inc()
}

// Reconciler

func (s *PrometheusSink) ReconcileCompleted(requeued, expired int) {
	s.reconcileRequeued.Add(float64(requeued))
	s.reconcileExpired.Add(float64(expired))
}
