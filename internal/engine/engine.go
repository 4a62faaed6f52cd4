// Package engine executes automation runs as resumable state machines. A
// run lives in the store, not in memory: between steps the engine
// checkpoints a continuation token, and a suspension releases the worker
// entirely. The process can die at any point and a restart picks every
// non-terminal run back up from its last checkpoint.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Nurdok/spanreed/internal/domain"
	"github.com/Nurdok/spanreed/internal/store"
)

// ErrUnknownProgram is returned when an automation names a program that
// was never registered with the engine.
var ErrUnknownProgram = errors.New("engine: unknown program")

// AutomationLookup resolves an automation definition by id.
type AutomationLookup interface {
	Get(id string) (domain.Automation, error)
}

// InteractionBroker is the engine's view of the interaction broker: open a
// question for a suspending run, or sweep the open question of a cancelled
// one.
type InteractionBroker interface {
	Open(ctx context.Context, runID uuid.UUID, token []byte, prompt json.RawMessage, surfaces []string, ttl time.Duration) (uuid.UUID, error)
	CancelForRun(ctx context.Context, runID uuid.UUID) error
}

// MetricsSink receives engine counters. Implemented by internal/metrics.
type MetricsSink interface {
	RunStarted()
	RunFinished(status string)
	RunSuspended()
	RunResumed(timedOut bool)
	QueueDepth(depth int)
}

type noopMetrics struct{}

func (noopMetrics) RunStarted()        {}
func (noopMetrics) RunFinished(string) {}
func (noopMetrics) RunSuspended()      {}
func (noopMetrics) RunResumed(bool)    {}
func (noopMetrics) QueueDepth(int)     {}

type Config struct {
	// Workers bounds how many runs execute concurrently.
	Workers int

	// QueueSize is the dispatch buffer. A full queue applies backpressure:
	// Start and Resume block until a worker frees a slot.
	QueueSize int
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
}

type Engine struct {
	config Config
	store  store.Store
	lookup AutomationLookup
	broker InteractionBroker

	mu       sync.RWMutex
	programs map[string]Program

	queue   chan uuid.UUID
	metrics MetricsSink
	clock   func() time.Time
}

func New(config Config, st store.Store, lookup AutomationLookup, broker InteractionBroker) *Engine {
	config.applyDefaults()
	return &Engine{
		config:   config,
		store:    st,
		lookup:   lookup,
		broker:   broker,
		programs: make(map[string]Program),
		queue:    make(chan uuid.UUID, config.QueueSize),
		metrics:  noopMetrics{},
		clock:    time.Now,
	}
}

func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

func (e *Engine) WithMetrics(m MetricsSink) *Engine {
	e.metrics = m
	return e
}

// RegisterProgram makes a program available to automations under name.
func (e *Engine) RegisterProgram(name string, p Program) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.programs[name]; exists {
		return fmt.Errorf("engine: program %q already registered", name)
	}
	e.programs[name] = p
	return nil
}

func (e *Engine) program(name string) (Program, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.programs[name]
	return p, ok
}

// Run starts the worker pool and blocks until ctx is cancelled and all
// workers have drained their current step.
func (e *Engine) Run(ctx context.Context) {
	log.Printf("engine: started, workers=%d queue=%d", e.config.Workers, e.config.QueueSize)
	var wg sync.WaitGroup
	for i := 0; i < e.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case runID := <-e.queue:
					e.metrics.QueueDepth(len(e.queue))
					e.drive(ctx, runID)
				}
			}
		}()
	}
	wg.Wait()
	log.Println("engine: stopped")
}

// Start creates a run for the automation and queues it for execution. The
// run is durable before Start returns: a crash after the store write is
// recovered on the next boot.
func (e *Engine) Start(ctx context.Context, automationID string, input []byte) (uuid.UUID, error) {
	a, err := e.lookup.Get(automationID)
	if err != nil {
		return uuid.Nil, err
	}
	if _, ok := e.program(a.Program); !ok {
		return uuid.Nil, fmt.Errorf("%w: %q (automation %s)", ErrUnknownProgram, a.Program, automationID)
	}

	token, err := json.Marshal(State{Step: StepStart, Input: input})
	if err != nil {
		return uuid.Nil, fmt.Errorf("engine: encode initial state: %w", err)
	}
	now := e.clock()
	run := domain.RunInstance{
		ID:           uuid.New(),
		AutomationID: automationID,
		Status:       domain.RunStatusPending,
		Token:        token,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return uuid.Nil, fmt.Errorf("engine: create run: %w", err)
	}
	e.metrics.RunStarted()
	log.Printf("engine: run started run=%s automation=%s", run.ID, automationID)
	if err := e.enqueue(ctx, run.ID); err != nil {
		// The run is durable; recovery or the reconciler will pick it up.
		log.Printf("engine: run %s created but not queued: %v", run.ID, err)
	}
	return run.ID, nil
}

// Resume feeds a reply into a suspended run and queues it. The store's
// waiting_for_input -> running transition is the serialization point:
// duplicate resumes for the same suspension lose with ErrNotWaiting and
// change nothing.
func (e *Engine) Resume(ctx context.Context, runID uuid.UUID, reply domain.Reply) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	var st State
	if err := json.Unmarshal(run.Token, &st); err != nil {
		return fmt.Errorf("engine: decode token for run %s: %w", runID, err)
	}
	st.Reply = &reply
	token, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("engine: encode resumed state: %w", err)
	}
	if err := e.store.ResumeRun(ctx, runID, token); err != nil {
		return err
	}
	e.metrics.RunResumed(reply.TimedOut)
	log.Printf("engine: run resumed run=%s step=%s timed_out=%t", runID, st.Step, reply.TimedOut)
	if err := e.enqueue(ctx, runID); err != nil {
		log.Printf("engine: run %s resumed but not queued: %v", runID, err)
	}
	return nil
}

// Cancel moves a run to cancelled from any non-terminal status. A
// suspended run's open request is closed; a currently executing run keeps
// running until its next checkpoint, which observes the terminal status
// and discards the step's progress.
func (e *Engine) Cancel(ctx context.Context, runID uuid.UUID) error {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return err
	}
	if err := e.broker.CancelForRun(ctx, runID); err != nil {
		return err
	}
	if err := e.store.FinishRun(ctx, runID, domain.RunStatusCancelled, nil, ""); err != nil {
		return err
	}
	// A suspension racing the cancel may have opened a request between the
	// sweep and the finish; now that the run is terminal, sweep once more.
	if err := e.broker.CancelForRun(ctx, runID); err != nil {
		log.Printf("engine: cancel sweep run=%s: %v", runID, err)
	}
	e.metrics.RunFinished(string(domain.RunStatusCancelled))
	log.Printf("engine: run cancelled run=%s", runID)
	return nil
}

// Recover queues every pending or running run left over from a previous
// process. Suspended runs stay where they are; the broker re-arms their
// deadlines separately.
func (e *Engine) Recover(ctx context.Context) error {
	runs, err := e.store.ListPendingRuns(ctx)
	if err != nil {
		return fmt.Errorf("engine: recover: %w", err)
	}
	queued := 0
	for _, run := range runs {
		if run.Status == domain.RunStatusWaitingForInput {
			continue
		}
		if err := e.enqueue(ctx, run.ID); err != nil {
			return fmt.Errorf("engine: recover run %s: %w", run.ID, err)
		}
		queued++
	}
	log.Printf("engine: recovered %d run(s) for execution", queued)
	return nil
}

// Kick requeues an existing run. Used by the reconciler for runs that were
// created but never picked up.
func (e *Engine) Kick(ctx context.Context, runID uuid.UUID) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() || run.Status == domain.RunStatusWaitingForInput {
		return nil
	}
	return e.enqueue(ctx, runID)
}

func (e *Engine) enqueue(ctx context.Context, runID uuid.UUID) error {
	select {
	case e.queue <- runID:
		e.metrics.QueueDepth(len(e.queue))
		return nil
	default:
	}
	select {
	case e.queue <- runID:
		e.metrics.QueueDepth(len(e.queue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drive executes steps for one run until it suspends, finishes, or fails.
// Each iteration checkpoints through the store first, so a cancellation
// issued from outside wins at the next step boundary.
func (e *Engine) drive(ctx context.Context, runID uuid.UUID) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		log.Printf("engine: drive run=%s: %v", runID, err)
		return
	}
	if run.Status.Terminal() || run.Status == domain.RunStatusWaitingForInput {
		return
	}

	a, err := e.lookup.Get(run.AutomationID)
	if err != nil {
		e.fail(ctx, runID, fmt.Sprintf("automation %s: %v", run.AutomationID, err))
		return
	}
	prog, ok := e.program(a.Program)
	if !ok {
		e.fail(ctx, runID, fmt.Sprintf("program %q not registered", a.Program))
		return
	}

	var st State
	if err := json.Unmarshal(run.Token, &st); err != nil {
		e.fail(ctx, runID, fmt.Sprintf("corrupt continuation token: %v", err))
		return
	}
	st.Config = a.Config

	if err := e.store.CheckpointRun(ctx, runID, run.Token); err != nil {
		e.dropCheckpoint(runID, err)
		return
	}

	for {
		outcome, err := prog.Step(ctx, &st)
		if err != nil {
			e.fail(ctx, runID, err.Error())
			return
		}

		switch outcome.kind {
		case outcomeFinish:
			if err := e.store.FinishRun(ctx, runID, domain.RunStatusCompleted, outcome.result, ""); err != nil {
				e.dropCheckpoint(runID, err)
				return
			}
			e.metrics.RunFinished(string(domain.RunStatusCompleted))
			log.Printf("engine: run completed run=%s", runID)
			return

		case outcomeAsk:
			st.Step = outcome.next
			st.Reply = nil
			token, err := json.Marshal(st)
			if err != nil {
				e.fail(ctx, runID, fmt.Sprintf("encode state at step %q: %v", st.Step, err))
				return
			}
			reqID, err := e.broker.Open(ctx, runID, token, outcome.prompt, outcome.surfaces, outcome.ttl)
			if isTransitionLoss(err) {
				e.dropCheckpoint(runID, err)
				return
			}
			if err != nil {
				e.fail(ctx, runID, fmt.Sprintf("suspend at step %q: %v", st.Step, err))
				return
			}
			e.metrics.RunSuspended()
			log.Printf("engine: run suspended run=%s request=%s step=%s", runID, reqID, st.Step)
			return

		case outcomeContinue:
			st.Step = outcome.next
			st.Reply = nil
			token, err := json.Marshal(st)
			if err != nil {
				e.fail(ctx, runID, fmt.Sprintf("encode state at step %q: %v", st.Step, err))
				return
			}
			if err := e.store.CheckpointRun(ctx, runID, token); err != nil {
				e.dropCheckpoint(runID, err)
				return
			}
		}
	}
}

func (e *Engine) fail(ctx context.Context, runID uuid.UUID, detail string) {
	err := e.store.FinishRun(ctx, runID, domain.RunStatusFailed, nil, detail)
	if isTransitionLoss(err) {
		// Cancelled (or otherwise settled) from outside while the step ran.
		return
	}
	if err != nil {
		log.Printf("engine: fail run=%s: %v", runID, err)
		return
	}
	e.metrics.RunFinished(string(domain.RunStatusFailed))
	log.Printf("engine: run failed run=%s: %s", runID, detail)
}

// dropCheckpoint logs a checkpoint that lost to an external transition.
// The step's in-memory progress is discarded; the store's status wins.
func (e *Engine) dropCheckpoint(runID uuid.UUID, err error) {
	if isTransitionLoss(err) {
		log.Printf("engine: run %s settled externally, discarding step progress", runID)
		return
	}
	if err != nil {
		log.Printf("engine: checkpoint run=%s: %v", runID, err)
	}
}

func isTransitionLoss(err error) bool {
	return errors.Is(err, store.ErrTerminalStatus) ||
		errors.Is(err, store.ErrNotWaiting) ||
		errors.Is(err, store.ErrAlreadyWaiting)
}
