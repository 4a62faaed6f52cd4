// Package memory implements the store contract in process memory. It backs
// tests and single-process dev mode; durability across restarts requires
// the postgres store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Nurdok/spanreed/internal/domain"
	"github.com/Nurdok/spanreed/internal/store"
)

type Store struct {
	mu       sync.Mutex
	runs     map[uuid.UUID]domain.RunInstance
	requests map[uuid.UUID]domain.InteractionRequest
	cursors  map[string]time.Time
	clock    func() time.Time
}

func New() *Store {
	return &Store{
		runs:     make(map[uuid.UUID]domain.RunInstance),
		requests: make(map[uuid.UUID]domain.InteractionRequest),
		cursors:  make(map[string]time.Time),
		clock:    time.Now,
	}
}

// WithClock replaces the timestamp source. Only for tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func (s *Store) CreateRun(ctx context.Context, run domain.RunInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s: already exists", run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (domain.RunInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return domain.RunInstance{}, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, status domain.RunStatus, limit, offset int) ([]domain.RunInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []domain.RunInstance
	for _, run := range s.runs {
		if status != "" && run.Status != status {
			continue
		}
		result = append(result, run)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })

	if offset >= len(result) {
		return nil, nil
	}
	result = result[offset:]
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListPendingRuns(ctx context.Context) ([]domain.RunInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []domain.RunInstance
	for _, run := range s.runs {
		if !run.Status.Terminal() {
			result = append(result, run)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) GetStalePendingRuns(ctx context.Context, olderThan time.Time, max int) ([]domain.RunInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []domain.RunInstance
	for _, run := range s.runs {
		if run.Status == domain.RunStatusPending && run.CreatedAt.Before(olderThan) {
			result = append(result, run)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if max > 0 && len(result) > max {
		result = result[:max]
	}
	return result, nil
}

func (s *Store) CheckpointRun(ctx context.Context, id uuid.UUID, token []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	if run.Status.Terminal() {
		return store.ErrTerminalStatus
	}
	if run.Status == domain.RunStatusWaitingForInput {
		return store.ErrNotWaiting
	}

	run.Status = domain.RunStatusRunning
	run.Token = token
	run.UpdatedAt = s.clock().UTC()
	s.runs[id] = run
	return nil
}

func (s *Store) ResumeRun(ctx context.Context, id uuid.UUID, token []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	if run.Status.Terminal() {
		return store.ErrTerminalStatus
	}
	if run.Status != domain.RunStatusWaitingForInput {
		return store.ErrNotWaiting
	}

	run.Status = domain.RunStatusRunning
	run.Token = token
	run.UpdatedAt = s.clock().UTC()
	s.runs[id] = run
	return nil
}

func (s *Store) Suspend(ctx context.Context, runID uuid.UUID, token []byte, req domain.InteractionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	if run.Status.Terminal() {
		return store.ErrTerminalStatus
	}
	if run.Status != domain.RunStatusRunning {
		return store.ErrNotWaiting
	}

	for _, existing := range s.requests {
		if existing.RunID == runID && existing.Status == domain.RequestStatusOpen {
			return store.ErrAlreadyWaiting
		}
	}

	now := s.clock().UTC()
	run.Status = domain.RunStatusWaitingForInput
	run.Token = token
	run.UpdatedAt = now
	s.runs[runID] = run

	req.Status = domain.RequestStatusOpen
	req.UpdatedAt = now
	s.requests[req.ID] = req
	return nil
}

func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, status domain.RunStatus, result []byte, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	if run.Status.Terminal() {
		return store.ErrTerminalStatus
	}

	run.Status = status
	run.Result = result
	run.Error = errMsg
	run.UpdatedAt = s.clock().UTC()
	s.runs[id] = run
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id uuid.UUID) (domain.InteractionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return domain.InteractionRequest{}, fmt.Errorf("request %s: %w", id, store.ErrNotFound)
	}
	return req, nil
}

func (s *Store) GetOpenRequestForRun(ctx context.Context, runID uuid.UUID) (domain.InteractionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, req := range s.requests {
		if req.RunID == runID && req.Status == domain.RequestStatusOpen {
			return req, nil
		}
	}
	return domain.InteractionRequest{}, fmt.Errorf("open request for run %s: %w", runID, store.ErrNotFound)
}

func (s *Store) GetLatestRequestForRun(ctx context.Context, runID uuid.UUID) (domain.InteractionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest domain.InteractionRequest
	found := false
	for _, req := range s.requests {
		if req.RunID != runID {
			continue
		}
		if !found || req.CreatedAt.After(latest.CreatedAt) {
			latest = req
			found = true
		}
	}
	if !found {
		return domain.InteractionRequest{}, fmt.Errorf("request for run %s: %w", runID, store.ErrNotFound)
	}
	return latest, nil
}

func (s *Store) CloseRequest(ctx context.Context, id uuid.UUID, status domain.RequestStatus, reply []byte, surface string) (domain.InteractionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return domain.InteractionRequest{}, fmt.Errorf("request %s: %w", id, store.ErrNotFound)
	}
	if req.Status != domain.RequestStatusOpen {
		return domain.InteractionRequest{}, store.ErrNotOpen
	}

	req.Status = status
	req.Reply = reply
	req.RepliedVia = surface
	req.UpdatedAt = s.clock().UTC()
	s.requests[id] = req
	return req, nil
}

func (s *Store) ListOpenRequests(ctx context.Context) ([]domain.InteractionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []domain.InteractionRequest
	for _, req := range s.requests {
		if req.Status == domain.RequestStatusOpen {
			result = append(result, req)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(result[j].ExpiresAt) })
	return result, nil
}

func (s *Store) GetScheduleCursor(ctx context.Context, automationID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[automationID], nil
}

func (s *Store) SaveScheduleCursor(ctx context.Context, automationID string, firedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[automationID] = firedAt
	return nil
}

var _ store.Store = (*Store)(nil)
