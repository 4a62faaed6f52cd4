// Package broker mediates interaction requests: it suspends a run with an
// open question, delivers the prompt to the user's surfaces, and turns
// exactly one of {reply, deadline, cancellation} into the request's closing
// transition. All races resolve in the store's atomic close; the broker
// never holds its own authority over request state.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/Nurdok/spanreed/internal/domain"
	"github.com/Nurdok/spanreed/internal/store"
)

// ErrSurfaceNotAllowed is returned for a reply arriving on a surface the
// request did not ask on.
var ErrSurfaceNotAllowed = errors.New("broker: reply surface not accepted by request")

// Resumer hands a closed request's outcome back to the execution engine.
type Resumer interface {
	Resume(ctx context.Context, runID uuid.UUID, reply domain.Reply) error
}

// Dispatcher delivers a prompt to the user on the request's surfaces.
type Dispatcher interface {
	Deliver(ctx context.Context, req domain.InteractionRequest) error
}

// MetricsSink receives broker counters. Implemented by internal/metrics.
type MetricsSink interface {
	RequestOpened()
	RequestClosed(status string)
	PromptDelivery(ok bool)
}

type noopMetrics struct{}

func (noopMetrics) RequestOpened()       {}
func (noopMetrics) RequestClosed(string) {}
func (noopMetrics) PromptDelivery(bool)  {}

type Config struct {
	// CheckInterval is how often the deadline watcher wakes up.
	CheckInterval time.Duration

	// DefaultTTL applies when a program asks without a deadline.
	DefaultTTL time.Duration

	// DeliverTimeout bounds a single prompt delivery attempt.
	DeliverTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 24 * time.Hour
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = 30 * time.Second
	}
}

type Broker struct {
	config     Config
	store      store.Store
	dispatcher Dispatcher
	resumer    Resumer
	watcher    *deadlineWatcher
	metrics    MetricsSink
	clock      func() time.Time
}

func New(config Config, st store.Store, dispatcher Dispatcher) *Broker {
	config.applyDefaults()
	b := &Broker{
		config:     config,
		store:      st,
		dispatcher: dispatcher,
		watcher:    newDeadlineWatcher(),
		metrics:    noopMetrics{},
		clock:      time.Now,
	}
	return b
}

// SetResumer wires the execution engine in after construction. The engine
// and the broker reference each other, so one side binds late; call this
// before Run or any Answer/Expire traffic.
func (b *Broker) SetResumer(r Resumer) { b.resumer = r }

func (b *Broker) WithClock(clock func() time.Time) *Broker {
	b.clock = clock
	return b
}

func (b *Broker) WithMetrics(m MetricsSink) *Broker {
	b.metrics = m
	return b
}

// Open suspends the run and creates its interaction request in one store
// write, then arms the expiry watcher and delivers the prompt. Delivery is
// asynchronous and best-effort: a failed delivery leaves the request open,
// answerable through any surface, and still subject to its deadline.
func (b *Broker) Open(ctx context.Context, runID uuid.UUID, token []byte, prompt json.RawMessage, surfaces []string, ttl time.Duration) (uuid.UUID, error) {
	if len(surfaces) == 0 {
		return uuid.Nil, fmt.Errorf("broker: open request for run %s has no surfaces", runID)
	}
	if ttl <= 0 {
		ttl = b.config.DefaultTTL
	}
	now := b.clock()
	req := domain.InteractionRequest{
		ID:        uuid.New(),
		RunID:     runID,
		Prompt:    prompt,
		Surfaces:  surfaces,
		Status:    domain.RequestStatusOpen,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		UpdatedAt: now,
	}
	if err := b.store.Suspend(ctx, runID, token, req); err != nil {
		return uuid.Nil, err
	}
	b.metrics.RequestOpened()
	b.watcher.arm(req.ID, req.ExpiresAt)
	go b.deliver(req)
	log.Printf("broker: opened request=%s run=%s surfaces=%v expires=%s",
		req.ID, runID, surfaces, req.ExpiresAt.Format(time.RFC3339))
	return req.ID, nil
}

func (b *Broker) deliver(req domain.InteractionRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), b.config.DeliverTimeout)
	defer cancel()
	if err := b.dispatcher.Deliver(ctx, req); err != nil {
		b.metrics.PromptDelivery(false)
		log.Printf("broker: deliver request=%s: %v", req.ID, err)
		return
	}
	b.metrics.PromptDelivery(true)
}

// Answer closes the request with the user's reply and resumes its run.
// Replies that lose the race against the deadline or a duplicate reply are
// acknowledged as late: the caller gets store.ErrNotOpen. A reply from a
// surface the request did not ask on is rejected without touching state.
func (b *Broker) Answer(ctx context.Context, requestID uuid.UUID, payload json.RawMessage, fromSurface string) error {
	req, err := b.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if !req.AcceptsSurface(fromSurface) {
		log.Printf("broker: rejected reply request=%s surface=%q accepted=%v", requestID, fromSurface, req.Surfaces)
		return ErrSurfaceNotAllowed
	}
	closed, err := b.store.CloseRequest(ctx, requestID, domain.RequestStatusAnswered, payload, fromSurface)
	if err != nil {
		return err
	}
	b.metrics.RequestClosed(string(domain.RequestStatusAnswered))
	log.Printf("broker: answered request=%s run=%s via=%s", requestID, closed.RunID, fromSurface)
	return b.resumer.Resume(ctx, closed.RunID, domain.Reply{Payload: payload, Surface: fromSurface})
}

// Expire closes an overdue request and resumes its run with a timeout
// marker. Losing the race to a reply is the normal case, not an error.
func (b *Broker) Expire(ctx context.Context, requestID uuid.UUID) error {
	closed, err := b.store.CloseRequest(ctx, requestID, domain.RequestStatusExpired, nil, "")
	if errors.Is(err, store.ErrNotOpen) || errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	b.metrics.RequestClosed(string(domain.RequestStatusExpired))
	log.Printf("broker: expired request=%s run=%s", requestID, closed.RunID)
	return b.resumer.Resume(ctx, closed.RunID, domain.Reply{TimedOut: true})
}

// CancelForRun closes the run's open request, if any, without resuming:
// cancellation finishes the run through the engine, not through a reply.
func (b *Broker) CancelForRun(ctx context.Context, runID uuid.UUID) error {
	req, err := b.store.GetOpenRequestForRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = b.store.CloseRequest(ctx, req.ID, domain.RequestStatusCancelled, nil, "")
	if errors.Is(err, store.ErrNotOpen) {
		return nil
	}
	if err != nil {
		return err
	}
	b.metrics.RequestClosed(string(domain.RequestStatusCancelled))
	log.Printf("broker: cancelled request=%s run=%s", req.ID, runID)
	return nil
}

// Recover rebuilds broker state from the store after a restart: it re-arms
// the expiry watcher for every open request, then finds suspended runs whose
// request was already closed and re-drives the recorded outcome. The second
// pass covers a crash between closing a request and resuming its run, which
// would otherwise leave the run suspended forever.
func (b *Broker) Recover(ctx context.Context) error {
	open, err := b.store.ListOpenRequests(ctx)
	if err != nil {
		return fmt.Errorf("broker: recover: %w", err)
	}
	hasOpen := make(map[uuid.UUID]bool, len(open))
	for _, req := range open {
		b.watcher.arm(req.ID, req.ExpiresAt)
		hasOpen[req.RunID] = true
	}
	log.Printf("broker: recovered %d open request(s)", len(open))
	if _, err := b.redriveOrphans(ctx, hasOpen); err != nil {
		return err
	}
	return nil
}

// RedriveOrphans finds suspended runs whose request is already closed and
// re-drives the recorded outcome. The reconciler calls it periodically so an
// orphan left by a crashed instance is picked up without waiting for a
// restart. Returns how many runs were re-driven.
func (b *Broker) RedriveOrphans(ctx context.Context) (int, error) {
	open, err := b.store.ListOpenRequests(ctx)
	if err != nil {
		return 0, fmt.Errorf("broker: list open requests: %w", err)
	}
	hasOpen := make(map[uuid.UUID]bool, len(open))
	for _, req := range open {
		hasOpen[req.RunID] = true
	}
	return b.redriveOrphans(ctx, hasOpen)
}

func (b *Broker) redriveOrphans(ctx context.Context, hasOpen map[uuid.UUID]bool) (int, error) {
	const page = 100
	redriven := 0
	for offset := 0; ; offset += page {
		runs, err := b.store.ListRuns(ctx, domain.RunStatusWaitingForInput, page, offset)
		if err != nil {
			return redriven, fmt.Errorf("broker: list suspended runs: %w", err)
		}
		for _, run := range runs {
			if hasOpen[run.ID] {
				continue
			}
			ok, err := b.redriveClosedRequest(ctx, run.ID)
			if err != nil {
				log.Printf("broker: redrive run=%s: %v", run.ID, err)
				continue
			}
			if ok {
				redriven++
			}
		}
		if len(runs) < page {
			return redriven, nil
		}
	}
}

// redriveClosedRequest replays the closing transition of the run's latest
// request. Answered and expired requests resume the run with the recorded
// reply or the timeout marker; a cancelled request means the run's
// cancellation was cut short, so the run is finished as cancelled. Losing a
// race to a concurrent resume is fine: the store transition has one winner.
func (b *Broker) redriveClosedRequest(ctx context.Context, runID uuid.UUID) (bool, error) {
	req, err := b.store.GetLatestRequestForRun(ctx, runID)
	if err != nil {
		return false, err
	}

	switch req.Status {
	case domain.RequestStatusAnswered:
		log.Printf("broker: recovering answered request=%s run=%s", req.ID, runID)
		err = b.resumer.Resume(ctx, runID, domain.Reply{Payload: req.Reply, Surface: req.RepliedVia})
	case domain.RequestStatusExpired:
		log.Printf("broker: recovering expired request=%s run=%s", req.ID, runID)
		err = b.resumer.Resume(ctx, runID, domain.Reply{TimedOut: true})
	case domain.RequestStatusCancelled:
		log.Printf("broker: recovering cancelled run=%s request=%s", runID, req.ID)
		err = b.store.FinishRun(ctx, runID, domain.RunStatusCancelled, nil, "")
	default:
		return false, nil
	}
	if errors.Is(err, store.ErrNotWaiting) || errors.Is(err, store.ErrTerminalStatus) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Run drives the deadline watcher until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) {
	ticker := time.NewTicker(b.config.CheckInterval)
	defer ticker.Stop()
	log.Printf("broker: watcher started, interval=%s", b.config.CheckInterval)
	for {
		select {
		case <-ctx.Done():
			log.Println("broker: watcher stopped")
			return
		case <-ticker.C:
			b.expireDue(ctx)
		}
	}
}

func (b *Broker) expireDue(ctx context.Context) {
	for _, id := range b.watcher.due(b.clock()) {
		if err := b.Expire(ctx, id); err != nil {
			log.Printf("broker: expire request=%s: %v", id, err)
		}
	}
}
