package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Nurdok/spanreed/internal/broker"
	"github.com/Nurdok/spanreed/internal/cron"
	"github.com/Nurdok/spanreed/internal/domain"
	"github.com/Nurdok/spanreed/internal/registry"
	"github.com/Nurdok/spanreed/internal/store"
	"github.com/Nurdok/spanreed/internal/store/memory"
	"github.com/Nurdok/spanreed/internal/testutil"
)

type nopDispatcher struct{}

func (nopDispatcher) Deliver(ctx context.Context, req domain.InteractionRequest) error { return nil }

// harness wires a real broker and engine over a shared in-memory store,
// the same composition main uses.
type harness struct {
	engine   *Engine
	broker   *broker.Broker
	store    *memory.Store
	registry *registry.Registry
	cancel   context.CancelFunc
	done     chan struct{}
}

func newHarness(t *testing.T, config Config) *harness {
	t.Helper()
	st := memory.New()
	reg := registry.New(cron.NewParser())
	b := broker.New(broker.Config{}, st, nopDispatcher{})
	eng := New(config, st, reg, b)
	b.SetResumer(eng)
	return &harness{engine: eng, broker: b, store: st, registry: reg}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go func() {
		h.engine.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
}

func (h *harness) register(t *testing.T, id, program string) {
	t.Helper()
	err := h.registry.Register(domain.Automation{
		ID:      id,
		Name:    id,
		Trigger: domain.TriggerSpec{Kind: domain.TriggerKindCommand, Command: id},
		Program: program,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func waitForRunStatus(t *testing.T, st store.Store, runID uuid.UUID, want domain.RunStatus) domain.RunInstance {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		run, err := st.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if run.Status == want {
			return run
		}
		if run.Status.Terminal() && !want.Terminal() {
			t.Fatalf("run %s settled as %s while waiting for %s (error=%q)", runID, run.Status, want, run.Error)
		}
		time.Sleep(5 * time.Millisecond)
	}
	run, _ := st.GetRun(context.Background(), runID)
	t.Fatalf("run %s stuck in %s, want %s", runID, run.Status, want)
	return domain.RunInstance{}
}

// askProgram asks one question and finishes with whatever came back.
func askProgram() Program {
	return ProgramFunc(func(ctx context.Context, st *State) (Outcome, error) {
		switch st.Step {
		case StepStart:
			return Ask(json.RawMessage(`{"question":"proceed?"}`), []string{"telegram"}, time.Hour, "collect"), nil
		case "collect":
			if st.Reply == nil {
				return Outcome{}, errors.New("resumed without a reply")
			}
			if st.Reply.TimedOut {
				return Finish(json.RawMessage(`{"outcome":"timeout"}`)), nil
			}
			result, _ := json.Marshal(map[string]json.RawMessage{"answer": st.Reply.Payload})
			return Finish(result), nil
		default:
			return Outcome{}, fmt.Errorf("unexpected step %q", st.Step)
		}
	})
}

func TestEngine_LifecycleWithSuspension(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})
	h.register(t, "morning", "ask")
	if err := h.engine.RegisterProgram("ask", askProgram()); err != nil {
		t.Fatalf("RegisterProgram: %v", err)
	}
	h.start(t)
	ctx := testutil.TestContext(t)

	runID, err := h.engine.Start(ctx, "morning", json.RawMessage(`{"city":"haifa"}`))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitForRunStatus(t, h.store, runID, domain.RunStatusWaitingForInput)
	req, err := h.store.GetOpenRequestForRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetOpenRequestForRun: %v", err)
	}

	if err := h.broker.Answer(ctx, req.ID, json.RawMessage(`"yes"`), "telegram"); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	run := waitForRunStatus(t, h.store, runID, domain.RunStatusCompleted)
	var result map[string]json.RawMessage
	if err := json.Unmarshal(run.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if string(result["answer"]) != `"yes"` {
		t.Fatalf("result answer = %s, want \"yes\"", result["answer"])
	}
}

func TestEngine_TimeoutResumesWithMarker(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	h.register(t, "slow", "ask")
	if err := h.engine.RegisterProgram("ask", askProgram()); err != nil {
		t.Fatalf("RegisterProgram: %v", err)
	}
	h.start(t)
	ctx := testutil.TestContext(t)

	runID, err := h.engine.Start(ctx, "slow", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForRunStatus(t, h.store, runID, domain.RunStatusWaitingForInput)
	req, err := h.store.GetOpenRequestForRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetOpenRequestForRun: %v", err)
	}

	if err := h.broker.Expire(ctx, req.ID); err != nil {
		t.Fatalf("Expire: %v", err)
	}

	run := waitForRunStatus(t, h.store, runID, domain.RunStatusCompleted)
	if string(run.Result) != `{"outcome":"timeout"}` {
		t.Fatalf("result = %s, want timeout outcome", run.Result)
	}
}

func TestEngine_MultiStepRunCheckpointsVars(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	h.register(t, "counter", "count")
	prog := ProgramFunc(func(ctx context.Context, st *State) (Outcome, error) {
		switch st.Step {
		case StepStart:
			st.SetVar("n", float64(0))
			return Continue("bump"), nil
		case "bump":
			n, _ := st.Vars["n"].(float64)
			st.SetVar("n", n+1)
			if n+1 < 3 {
				return Continue("bump"), nil
			}
			return Finish(json.RawMessage(`{"n":3}`)), nil
		default:
			return Outcome{}, fmt.Errorf("unexpected step %q", st.Step)
		}
	})
	if err := h.engine.RegisterProgram("count", prog); err != nil {
		t.Fatalf("RegisterProgram: %v", err)
	}
	h.start(t)

	runID, err := h.engine.Start(testutil.TestContext(t), "counter", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	run := waitForRunStatus(t, h.store, runID, domain.RunStatusCompleted)
	if string(run.Result) != `{"n":3}` {
		t.Fatalf("result = %s, want {\"n\":3}", run.Result)
	}
}

func TestEngine_StepErrorFailsRun(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	h.register(t, "broken", "boom")
	prog := ProgramFunc(func(ctx context.Context, st *State) (Outcome, error) {
		return Outcome{}, errors.New("upstream unavailable")
	})
	if err := h.engine.RegisterProgram("boom", prog); err != nil {
		t.Fatalf("RegisterProgram: %v", err)
	}
	h.start(t)

	runID, err := h.engine.Start(testutil.TestContext(t), "broken", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	run := waitForRunStatus(t, h.store, runID, domain.RunStatusFailed)
	if run.Error != "upstream unavailable" {
		t.Fatalf("run error = %q, want step error detail", run.Error)
	}
}

func TestEngine_StartUnknownAutomation(t *testing.T) {
	h := newHarness(t, Config{})
	if _, err := h.engine.Start(testutil.TestContext(t), "ghost", nil); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("err = %v, want registry.ErrNotFound", err)
	}
}

func TestEngine_StartUnknownProgram(t *testing.T) {
	h := newHarness(t, Config{})
	h.register(t, "misconfigured", "never-registered")
	if _, err := h.engine.Start(testutil.TestContext(t), "misconfigured", nil); !errors.Is(err, ErrUnknownProgram) {
		t.Fatalf("err = %v, want ErrUnknownProgram", err)
	}
}

func TestEngine_CancelWaitingRun(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	h.register(t, "waiting", "ask")
	if err := h.engine.RegisterProgram("ask", askProgram()); err != nil {
		t.Fatalf("RegisterProgram: %v", err)
	}
	h.start(t)
	ctx := testutil.TestContext(t)

	runID, err := h.engine.Start(ctx, "waiting", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForRunStatus(t, h.store, runID, domain.RunStatusWaitingForInput)
	req, err := h.store.GetOpenRequestForRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetOpenRequestForRun: %v", err)
	}

	if err := h.engine.Cancel(ctx, runID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	run, _ := h.store.GetRun(ctx, runID)
	if run.Status != domain.RunStatusCancelled {
		t.Fatalf("run status = %s, want cancelled", run.Status)
	}
	closed, _ := h.store.GetRequest(ctx, req.ID)
	if closed.Status != domain.RequestStatusCancelled {
		t.Fatalf("request status = %s, want cancelled", closed.Status)
	}

	// A reply arriving after cancellation is a late reply.
	if err := h.broker.Answer(ctx, req.ID, json.RawMessage(`"too late"`), "telegram"); !errors.Is(err, store.ErrNotOpen) {
		t.Fatalf("late answer err = %v, want ErrNotOpen", err)
	}
}

func TestEngine_CancelQueuedRunBeforePickup(t *testing.T) {
	// No workers running: the run stays queued in pending.
	h := newHarness(t, Config{Workers: 1})
	h.register(t, "queued", "ask")
	if err := h.engine.RegisterProgram("ask", askProgram()); err != nil {
		t.Fatalf("RegisterProgram: %v", err)
	}
	ctx := testutil.TestContext(t)

	runID, err := h.engine.Start(ctx, "queued", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.engine.Cancel(ctx, runID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// When a worker finally drains the queue, the terminal status holds.
	h.start(t)
	time.Sleep(50 * time.Millisecond)
	run, _ := h.store.GetRun(ctx, runID)
	if run.Status != domain.RunStatusCancelled {
		t.Fatalf("run status = %s, want cancelled to survive pickup", run.Status)
	}
}

func TestEngine_RestartResumesSuspendedRun(t *testing.T) {
	first := newHarness(t, Config{Workers: 1})
	first.register(t, "durable", "ask")
	if err := first.engine.RegisterProgram("ask", askProgram()); err != nil {
		t.Fatalf("RegisterProgram: %v", err)
	}
	first.start(t)
	ctx := testutil.TestContext(t)

	runID, err := first.engine.Start(ctx, "durable", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForRunStatus(t, first.store, runID, domain.RunStatusWaitingForInput)
	first.cancel()
	<-first.done

	// A second process over the same store: fresh registry, broker, engine.
	reg := registry.New(cron.NewParser())
	if err := reg.Register(domain.Automation{
		ID:      "durable",
		Name:    "durable",
		Trigger: domain.TriggerSpec{Kind: domain.TriggerKindCommand, Command: "durable"},
		Program: "ask",
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	b := broker.New(broker.Config{}, first.store, nopDispatcher{})
	eng := New(Config{Workers: 1}, first.store, reg, b)
	b.SetResumer(eng)
	if err := eng.RegisterProgram("ask", askProgram()); err != nil {
		t.Fatalf("RegisterProgram: %v", err)
	}

	if err := b.Recover(ctx); err != nil {
		t.Fatalf("broker Recover: %v", err)
	}
	if err := eng.Recover(ctx); err != nil {
		t.Fatalf("engine Recover: %v", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(runCtx)

	req, err := first.store.GetOpenRequestForRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetOpenRequestForRun: %v", err)
	}
	if err := b.Answer(ctx, req.ID, json.RawMessage(`"still here"`), "telegram"); err != nil {
		t.Fatalf("Answer after restart: %v", err)
	}
	run := waitForRunStatus(t, first.store, runID, domain.RunStatusCompleted)
	if run.Result == nil {
		t.Fatal("completed run has no result")
	}
}

func TestEngine_RecoverRequeuesInterruptedRuns(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	h.register(t, "interrupted", "noop")
	if err := h.engine.RegisterProgram("noop", ProgramFunc(func(ctx context.Context, st *State) (Outcome, error) {
		return Finish(json.RawMessage(`{}`)), nil
	})); err != nil {
		t.Fatalf("RegisterProgram: %v", err)
	}
	ctx := testutil.TestContext(t)

	// A run created by a previous process that died before pickup.
	token, _ := json.Marshal(State{Step: StepStart})
	orphan := domain.RunInstance{
		ID:           uuid.New(),
		AutomationID: "interrupted",
		Status:       domain.RunStatusPending,
		Token:        token,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := h.store.CreateRun(ctx, orphan); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if err := h.engine.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	h.start(t)
	waitForRunStatus(t, h.store, orphan.ID, domain.RunStatusCompleted)
}

func TestEngine_WorkerPoolBoundsConcurrency(t *testing.T) {
	h := newHarness(t, Config{Workers: 2, QueueSize: 16})
	h.register(t, "gated", "gate")

	var mu sync.Mutex
	inFlight, peak := 0, 0
	release := make(chan struct{})
	prog := ProgramFunc(func(ctx context.Context, st *State) (Outcome, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
		return Finish(nil), nil
	})
	if err := h.engine.RegisterProgram("gate", prog); err != nil {
		t.Fatalf("RegisterProgram: %v", err)
	}
	h.start(t)
	ctx := testutil.TestContext(t)

	var runIDs []uuid.UUID
	for i := 0; i < 5; i++ {
		id, err := h.engine.Start(ctx, "gated", nil)
		if err != nil {
			t.Fatalf("Start %d: %v", i, err)
		}
		runIDs = append(runIDs, id)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	for _, id := range runIDs {
		waitForRunStatus(t, h.store, id, domain.RunStatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak != 2 {
		t.Fatalf("peak concurrent steps = %d, want exactly the 2 workers", peak)
	}
}
