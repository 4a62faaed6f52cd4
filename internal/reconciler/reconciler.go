// Package reconciler sweeps up work the normal paths dropped.
//
// A run is stale when it sat in pending past a threshold: it was created
// but its queue entry was lost (queue full at creation, crash between the
// store write and pickup). The reconciler requeues it; the engine's status
// guards make a duplicate requeue harmless.
//
// An interaction request is overdue when its deadline passed but the
// watcher never expired it (watcher armed in a process that died, in-flight
// at shutdown). The reconciler expires it through the broker; the store's
// atomic close makes losing to a concurrent reply harmless.
//
// A suspended run is orphaned when its request was closed but the process
// died before the resume landed. The reconciler asks the broker to re-drive
// the recorded outcome; the resume's single-winner transition makes a
// duplicate re-drive harmless.
package reconciler

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/Nurdok/spanreed/internal/domain"
)

// Store defines the queries the reconciler sweeps over.
type Store interface {
	GetStalePendingRuns(ctx context.Context, olderThan time.Time, max int) ([]domain.RunInstance, error)
	ListOpenRequests(ctx context.Context) ([]domain.InteractionRequest, error)
}

// Kicker requeues an existing run for execution.
type Kicker interface {
	Kick(ctx context.Context, runID uuid.UUID) error
}

// Expirer times an interaction request out and re-drives suspended runs
// whose closing transition was cut short by a crash.
type Expirer interface {
	Expire(ctx context.Context, requestID uuid.UUID) error
	RedriveOrphans(ctx context.Context) (int, error)
}

// MetricsSink receives reconciler counters. Implemented by internal/metrics.
type MetricsSink interface {
	ReconcileCompleted(requeued, expired int)
}

type noopMetrics struct{}

func (noopMetrics) ReconcileCompleted(int, int) {}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 5 minutes.
	Interval time.Duration

	// Threshold is the age after which a pending run is considered stale.
	// Default: 10 minutes.
	Threshold time.Duration

	// BatchSize is the maximum number of stale runs to process per cycle.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Threshold: 10 * time.Minute,
		BatchSize: 100,
	}
}

// Reconciler requeues stale runs and expires overdue requests.
type Reconciler struct {
	config  Config
	store   Store
	kicker  Kicker
	expirer Expirer
	metrics MetricsSink
	clock   func() time.Time
}

// New creates a new Reconciler.
func New(config Config, store Store, kicker Kicker, expirer Expirer) *Reconciler {
	return &Reconciler{
		config:  config,
		store:   store,
		kicker:  kicker,
		expirer: expirer,
		metrics: noopMetrics{},
		clock:   time.Now,
	}
}

func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

func (r *Reconciler) WithMetrics(m MetricsSink) *Reconciler {
	r.metrics = m
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	log.Printf("reconciler: started (interval=%s, threshold=%s, batch=%d)",
		r.config.Interval, r.config.Threshold, r.config.BatchSize)

	// Run immediately on startup, then on ticker
	r.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("reconciler: stopped")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

// runCycle executes one reconciliation cycle.
func (r *Reconciler) runCycle(ctx context.Context) {
	requeued := r.requeueStaleRuns(ctx)
	expired := r.expireOverdueRequests(ctx)
	redriven := r.redriveOrphanedRuns(ctx)
	if requeued > 0 || expired > 0 || redriven > 0 {
		r.metrics.ReconcileCompleted(requeued, expired)
		log.Printf("reconciler: cycle complete, requeued=%d, expired=%d, redriven=%d",
			requeued, expired, redriven)
	}
}

func (r *Reconciler) requeueStaleRuns(ctx context.Context) int {
	now := r.clock().UTC()
	threshold := now.Add(-r.config.Threshold)

	stale, err := r.store.GetStalePendingRuns(ctx, threshold, r.config.BatchSize)
	if err != nil {
		// DB error: log and abort. Will retry next interval.
		log.Printf("reconciler: failed to fetch stale runs: %v", err)
		return 0
	}
	if len(stale) == 0 {
		return 0
	}

	log.Printf("reconciler: found %d stale pending run(s)", len(stale))

	requeued := 0
	for _, run := range stale {
		// Check context before each kick to allow graceful shutdown
		if ctx.Err() != nil {
			log.Printf("reconciler: cycle interrupted, requeued %d/%d runs", requeued, len(stale))
			return requeued
		}
		if err := r.kicker.Kick(ctx, run.ID); err != nil {
			// Queue full or store error. Log and continue - will retry
			// next cycle.
			log.Printf("reconciler: failed to requeue run=%s: %v", run.ID, err)
			continue
		}
		log.Printf("reconciler: requeued run=%s automation=%s (age=%s)",
			run.ID, run.AutomationID, now.Sub(run.CreatedAt).Round(time.Second))
		requeued++
	}
	return requeued
}

// redriveOrphanedRuns sweeps suspended runs whose request was closed but
// whose resume never landed, as after a crash mid-reply on any instance.
func (r *Reconciler) redriveOrphanedRuns(ctx context.Context) int {
	redriven, err := r.expirer.RedriveOrphans(ctx)
	if err != nil {
		log.Printf("reconciler: failed to redrive suspended runs: %v", err)
	}
	return redriven
}

func (r *Reconciler) expireOverdueRequests(ctx context.Context) int {
	now := r.clock().UTC()

	open, err := r.store.ListOpenRequests(ctx)
	if err != nil {
		log.Printf("reconciler: failed to list open requests: %v", err)
		return 0
	}

	expired := 0
	for _, req := range open {
		if req.ExpiresAt.After(now) {
			continue
		}
		if ctx.Err() != nil {
			return expired
		}
		if err := r.expirer.Expire(ctx, req.ID); err != nil {
			log.Printf("reconciler: failed to expire request=%s: %v", req.ID, err)
			continue
		}
		log.Printf("reconciler: expired request=%s run=%s (overdue=%s)",
			req.ID, req.RunID, now.Sub(req.ExpiresAt).Round(time.Second))
		expired++
	}
	return expired
}
