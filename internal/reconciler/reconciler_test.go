package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Nurdok/spanreed/internal/domain"
	"github.com/Nurdok/spanreed/internal/testutil"
)

// mockStore returns configurable stale runs and open requests.
type mockStore struct {
	mu       sync.Mutex
	stale    []domain.RunInstance
	open     []domain.InteractionRequest
	staleErr error
	openErr  error
}

func (s *mockStore) GetStalePendingRuns(ctx context.Context, olderThan time.Time, max int) ([]domain.RunInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.staleErr != nil {
		return nil, s.staleErr
	}
	var result []domain.RunInstance
	for _, run := range s.stale {
		if run.CreatedAt.Before(olderThan) {
			result = append(result, run)
			if len(result) >= max {
				break
			}
		}
	}
	return result, nil
}

func (s *mockStore) ListOpenRequests(ctx context.Context) ([]domain.InteractionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	return append([]domain.InteractionRequest(nil), s.open...), nil
}

// mockKicker tracks requeued runs.
type mockKicker struct {
	mu     sync.Mutex
	kicked []uuid.UUID
	err    error
}

func (k *mockKicker) Kick(ctx context.Context, runID uuid.UUID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.err != nil {
		return k.err
	}
	k.kicked = append(k.kicked, runID)
	return nil
}

func (k *mockKicker) got() []uuid.UUID {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]uuid.UUID(nil), k.kicked...)
}

// mockExpirer tracks expired requests and redrive sweeps.
type mockExpirer struct {
	mu       sync.Mutex
	expired  []uuid.UUID
	redrives int
}

func (e *mockExpirer) Expire(ctx context.Context, requestID uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expired = append(e.expired, requestID)
	return nil
}

func (e *mockExpirer) RedriveOrphans(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.redrives++
	return 0, nil
}

func (e *mockExpirer) got() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uuid.UUID(nil), e.expired...)
}

func (e *mockExpirer) redriveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.redrives
}

func TestReconciler_RequeuesStaleRuns(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := testutil.NewFakeClock(now)
	store := &mockStore{}
	kicker := &mockKicker{}
	expirer := &mockExpirer{}

	staleRun := domain.RunInstance{
		ID:           uuid.New(),
		AutomationID: "auto-1",
		Status:       domain.RunStatusPending,
		CreatedAt:    now.Add(-30 * time.Minute),
	}
	freshRun := domain.RunInstance{
		ID:           uuid.New(),
		AutomationID: "auto-2",
		Status:       domain.RunStatusPending,
		CreatedAt:    now.Add(-time.Minute),
	}
	store.stale = []domain.RunInstance{staleRun, freshRun}

	r := New(DefaultConfig(), store, kicker, expirer).WithClock(clock.Now)
	r.runCycle(context.Background())

	kicked := kicker.got()
	if len(kicked) != 1 || kicked[0] != staleRun.ID {
		t.Fatalf("kicked = %v, want only stale run %s", kicked, staleRun.ID)
	}
}

func TestReconciler_ExpiresOverdueRequests(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := testutil.NewFakeClock(now)
	store := &mockStore{}
	kicker := &mockKicker{}
	expirer := &mockExpirer{}

	overdue := domain.InteractionRequest{
		ID:        uuid.New(),
		RunID:     uuid.New(),
		Status:    domain.RequestStatusOpen,
		ExpiresAt: now.Add(-time.Minute),
	}
	live := domain.InteractionRequest{
		ID:        uuid.New(),
		RunID:     uuid.New(),
		Status:    domain.RequestStatusOpen,
		ExpiresAt: now.Add(time.Hour),
	}
	store.open = []domain.InteractionRequest{overdue, live}

	r := New(DefaultConfig(), store, kicker, expirer).WithClock(clock.Now)
	r.runCycle(context.Background())

	expired := expirer.got()
	if len(expired) != 1 || expired[0] != overdue.ID {
		t.Fatalf("expired = %v, want only overdue request %s", expired, overdue.ID)
	}
}

func TestReconciler_CycleSweepsOrphanedRuns(t *testing.T) {
	store := &mockStore{}
	expirer := &mockExpirer{}

	r := New(DefaultConfig(), store, &mockKicker{}, expirer)
	r.runCycle(context.Background())

	// The orphan sweep runs every cycle, even with nothing stale or overdue.
	if got := expirer.redriveCount(); got != 1 {
		t.Fatalf("redrive sweeps = %d, want 1", got)
	}
}

func TestReconciler_StoreErrorAbortsCycle(t *testing.T) {
	store := &mockStore{staleErr: errors.New("db down"), openErr: errors.New("db down")}
	kicker := &mockKicker{}
	expirer := &mockExpirer{}

	r := New(DefaultConfig(), store, kicker, expirer)
	r.runCycle(context.Background())

	if len(kicker.got()) != 0 || len(expirer.got()) != 0 {
		t.Fatal("cycle must not act on anything when the store errors")
	}
}

func TestReconciler_KickFailureDoesNotStopCycle(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := testutil.NewFakeClock(now)
	store := &mockStore{}
	kicker := &mockKicker{err: errors.New("queue full")}
	expirer := &mockExpirer{}

	store.stale = []domain.RunInstance{{
		ID:        uuid.New(),
		Status:    domain.RunStatusPending,
		CreatedAt: now.Add(-time.Hour),
	}}
	store.open = []domain.InteractionRequest{{
		ID:        uuid.New(),
		RunID:     uuid.New(),
		Status:    domain.RequestStatusOpen,
		ExpiresAt: now.Add(-time.Minute),
	}}

	r := New(DefaultConfig(), store, kicker, expirer).WithClock(clock.Now)
	r.runCycle(context.Background())

	// Requeue failed but the expiry sweep still ran.
	if len(expirer.got()) != 1 {
		t.Fatalf("expired = %d, want 1 despite kick failure", len(expirer.got()))
	}
}

func TestReconciler_BatchSizeLimitsRequeues(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := testutil.NewFakeClock(now)
	store := &mockStore{}
	kicker := &mockKicker{}
	expirer := &mockExpirer{}

	for i := 0; i < 10; i++ {
		store.stale = append(store.stale, domain.RunInstance{
			ID:        uuid.New(),
			Status:    domain.RunStatusPending,
			CreatedAt: now.Add(-time.Hour),
		})
	}

	config := DefaultConfig()
	config.BatchSize = 3
	r := New(config, store, kicker, expirer).WithClock(clock.Now)
	r.runCycle(context.Background())

	if got := len(kicker.got()); got != 3 {
		t.Fatalf("kicked = %d, want batch size 3", got)
	}
}

func TestReconciler_RunStopsOnContextCancel(t *testing.T) {
	store := &mockStore{}
	r := New(Config{Interval: 10 * time.Millisecond, Threshold: time.Minute, BatchSize: 10},
		store, &mockKicker{}, &mockExpirer{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop on context cancel")
	}
}
