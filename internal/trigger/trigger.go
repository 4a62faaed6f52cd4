// Package trigger decides when automation runs start. Schedule triggers are
// evaluated on one logical clock with a persisted per-automation cursor;
// event triggers are matched against the bus; command triggers are fired
// directly by external dispatchers.
package trigger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/Nurdok/spanreed/internal/domain"
	"github.com/Nurdok/spanreed/internal/transport/channel"
)

type Registry interface {
	List(kind domain.TriggerKind) []domain.Automation
	FindByCommand(name string) (domain.Automation, error)
}

type Starter interface {
	Start(ctx context.Context, automationID string, input []byte) (uuid.UUID, error)
}

type Deduper interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type CursorStore interface {
	GetScheduleCursor(ctx context.Context, automationID string) (time.Time, error)
	SaveScheduleCursor(ctx context.Context, automationID string, firedAt time.Time) error
}

type CronParser interface {
	Parse(expression string, timezone string) (CronSchedule, error)
}

type CronSchedule interface {
	Next(after time.Time) time.Time
}

type Subscriber interface {
	Subscribe(pattern string) (<-chan domain.Event, func())
}

// MetricsSink records trigger engine metrics. All methods must be
// non-blocking and fire-and-forget.
type MetricsSink interface {
	TickStarted()
	TickCompleted(duration time.Duration, runsStarted int, err error)
	TriggerFired(kind string)
	TriggerDeduped(kind string)
}

type Config struct {
	TickInterval time.Duration

	// DedupTTL is how long idempotency claims are held. It must exceed the
	// window in which the same trigger identity can plausibly reappear
	// (duplicate event delivery, crash between start and cursor save).
	DedupTTL time.Duration
}

type Engine struct {
	config   Config
	registry Registry
	parser   CronParser
	cursors  CursorStore
	dedup    Deduper
	starter  Starter
	bus      Subscriber
	clock    func() time.Time
	metrics  MetricsSink // optional, nil = disabled
}

func New(config Config, registry Registry, parser CronParser, cursors CursorStore, dedup Deduper, starter Starter, bus Subscriber) *Engine {
	if config.DedupTTL <= 0 {
		config.DedupTTL = 24 * time.Hour
	}
	return &Engine{
		config:   config,
		registry: registry,
		parser:   parser,
		cursors:  cursors,
		dedup:    dedup,
		starter:  starter,
		bus:      bus,
		clock:    time.Now,
	}
}

// WithClock replaces the time source. Only for tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithMetrics attaches a metrics sink.
func (e *Engine) WithMetrics(sink MetricsSink) *Engine {
	e.metrics = sink
	return e
}

// Run evaluates schedules on a ticker and consumes bus events until ctx is
// cancelled. It blocks.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	events, cancelSub := e.bus.Subscribe("*")
	defer cancelSub()

	log.Printf("trigger: started, tick=%s", e.config.TickInterval)

	// First evaluation happens immediately so a restart recovers missed
	// schedule fires without waiting a full tick.
	e.processTick(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("trigger: stopped")
			return ctx.Err()
		case <-ticker.C:
			e.processTick(ctx)
		case event := <-events:
			e.handleEvent(ctx, event)
		}
	}
}

func (e *Engine) processTick(ctx context.Context) {
	start := e.clock()
	now := start.UTC()
	started := 0
	var tickErr error

	if e.metrics != nil {
		e.metrics.TickStarted()
	}

	for _, a := range e.registry.List(domain.TriggerKindSchedule) {
		fired, err := e.processSchedule(ctx, a, now)
		if err != nil {
			// One automation's bad state never blocks the others.
			log.Printf("trigger: automation %s: %v", a.ID, err)
			tickErr = err
			continue
		}
		if fired {
			started++
		}
	}

	if e.metrics != nil {
		e.metrics.TickCompleted(e.clock().Sub(start), started, tickErr)
	}
}

// processSchedule fires an automation at most once per tick: a downtime gap
// spanning several due times collapses to a single fire at the most recent
// due time, never a backlog burst.
func (e *Engine) processSchedule(ctx context.Context, a domain.Automation, now time.Time) (bool, error) {
	cursor, err := e.cursors.GetScheduleCursor(ctx, a.ID)
	if err != nil {
		return false, fmt.Errorf("get cursor: %w", err)
	}
	if cursor.IsZero() {
		// First sight of this automation: arm from now, do not fire for
		// times before registration.
		if err := e.cursors.SaveScheduleCursor(ctx, a.ID, now); err != nil {
			return false, fmt.Errorf("init cursor: %w", err)
		}
		return false, nil
	}

	sched, err := e.parser.Parse(a.Trigger.CronExpression, a.Trigger.Timezone)
	if err != nil {
		// The registry validates at registration time; reaching this means
		// the definition was corrupted, not merely mistyped.
		return false, fmt.Errorf("parse cron: %w", err)
	}

	due := sched.Next(cursor)
	if due.After(now) {
		return false, nil
	}

	const maxIterations = 1000
	for i := 0; i < maxIterations; i++ {
		next := sched.Next(due)
		if next.After(now) {
			break
		}
		due = next
	}
	due = due.UTC()

	key := idempotencyKey(a.ID, "schedule", fmt.Sprintf("%d", due.Unix()))
	ok, err := e.dedup.Claim(ctx, key, e.config.DedupTTL)
	if err != nil {
		return false, fmt.Errorf("dedup claim: %w", err)
	}
	if !ok {
		if e.metrics != nil {
			e.metrics.TriggerDeduped("schedule")
		}
		return false, nil
	}

	input, err := json.Marshal(map[string]string{
		"scheduled_at": due.Format(time.RFC3339),
		"fired_at":     now.Format(time.RFC3339),
	})
	if err != nil {
		return false, err
	}

	runID, err := e.starter.Start(ctx, a.ID, input)
	if err != nil {
		return false, fmt.Errorf("start run: %w", err)
	}

	if err := e.cursors.SaveScheduleCursor(ctx, a.ID, due); err != nil {
		// The dedup claim prevents a refire if we crash before this save
		// lands, as long as the TTL covers the restart window.
		return true, fmt.Errorf("save cursor: %w", err)
	}

	if e.metrics != nil {
		e.metrics.TriggerFired("schedule")
	}
	log.Printf("trigger: schedule fired automation=%s run=%s scheduled_at=%s", a.ID, runID, due.Format(time.RFC3339))
	return true, nil
}

func (e *Engine) handleEvent(ctx context.Context, event domain.Event) {
	for _, a := range e.registry.List(domain.TriggerKindEvent) {
		if !channel.MatchPattern(a.Trigger.EventPattern, event.Type) {
			continue
		}
		if err := e.startForEvent(ctx, a, event); err != nil {
			log.Printf("trigger: automation %s event %s: %v", a.ID, event.Type, err)
		}
	}
}

func (e *Engine) startForEvent(ctx context.Context, a domain.Automation, event domain.Event) error {
	// The bus delivers at-least-once; the claim makes duplicate delivery
	// start at most one run per (automation, event identity).
	key := idempotencyKey(a.ID, "event", event.Key())
	ok, err := e.dedup.Claim(ctx, key, e.config.DedupTTL)
	if err != nil {
		return fmt.Errorf("dedup claim: %w", err)
	}
	if !ok {
		if e.metrics != nil {
			e.metrics.TriggerDeduped("event")
		}
		return nil
	}

	input, err := json.Marshal(event)
	if err != nil {
		return err
	}

	runID, err := e.starter.Start(ctx, a.ID, input)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}

	if e.metrics != nil {
		e.metrics.TriggerFired("event")
	}
	log.Printf("trigger: event fired automation=%s run=%s event=%s", a.ID, runID, event.Type)
	return nil
}

// FireCommand starts the automation registered under the given command
// name. Commands come from an external dispatcher (a chat handler, the
// HTTP API); they are direct invocations and are not deduplicated.
func (e *Engine) FireCommand(ctx context.Context, name string, args json.RawMessage) (uuid.UUID, error) {
	a, err := e.registry.FindByCommand(name)
	if err != nil {
		return uuid.Nil, err
	}

	runID, err := e.starter.Start(ctx, a.ID, args)
	if err != nil {
		return uuid.Nil, fmt.Errorf("start run: %w", err)
	}

	if e.metrics != nil {
		e.metrics.TriggerFired("command")
	}
	log.Printf("trigger: command fired automation=%s run=%s command=%s", a.ID, runID, name)
	return runID, nil
}

func idempotencyKey(automationID, kind, identity string) string {
	hash := sha256.Sum256([]byte(automationID + ":" + kind + ":" + identity))
	return hex.EncodeToString(hash[:])
}
