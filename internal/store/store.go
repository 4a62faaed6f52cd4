// Package store defines the durable persistence contract for run instances
// and interaction requests. Implementations must make every status
// transition atomic per entity: concurrent transitions on the same entity
// resolve to exactly one winner, the losers observe a sentinel error.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Nurdok/spanreed/internal/domain"
)

var (
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyWaiting guards the one-open-request-per-run invariant.
	ErrAlreadyWaiting = errors.New("store: run already has an open interaction request")

	// ErrNotOpen is returned when closing a request that was already
	// answered, expired, or cancelled.
	ErrNotOpen = errors.New("store: interaction request is not open")

	// ErrTerminalStatus is returned on any attempted transition out of
	// completed, failed, or cancelled.
	ErrTerminalStatus = errors.New("store: run already in terminal status")

	// ErrNotWaiting is returned by ResumeRun when the run is not suspended,
	// which serializes duplicate resume attempts to a single winner.
	ErrNotWaiting = errors.New("store: run is not waiting for input")
)

type Store interface {
	// CreateRun persists a new run in pending status.
	CreateRun(ctx context.Context, run domain.RunInstance) error

	GetRun(ctx context.Context, id uuid.UUID) (domain.RunInstance, error)

	// ListRuns returns runs filtered by status ("" matches all), newest
	// first, paginated by limit and offset.
	ListRuns(ctx context.Context, status domain.RunStatus, limit, offset int) ([]domain.RunInstance, error)

	// ListPendingRuns returns every run not in a terminal status. Used on
	// process restart to rehydrate outstanding work.
	ListPendingRuns(ctx context.Context) ([]domain.RunInstance, error)

	// GetStalePendingRuns returns pending runs created before olderThan,
	// oldest first. Used by the reconciler to find runs orphaned by a crash
	// between creation and pickup.
	GetStalePendingRuns(ctx context.Context, olderThan time.Time, max int) ([]domain.RunInstance, error)

	// CheckpointRun moves a pending run to running, or saves a new
	// continuation token for a run that is already running. Returns
	// ErrTerminalStatus if the run was finished or cancelled meanwhile and
	// ErrNotWaiting if the run is suspended (a suspended run advances only
	// through ResumeRun).
	CheckpointRun(ctx context.Context, id uuid.UUID, token []byte) error

	// ResumeRun atomically moves waiting_for_input -> running, storing the
	// token that carries the reply. Exactly one concurrent caller wins;
	// the rest get ErrNotWaiting (or ErrTerminalStatus).
	ResumeRun(ctx context.Context, id uuid.UUID, token []byte) error

	// Suspend atomically stores the continuation token, moves the run
	// running -> waiting_for_input, and creates the open interaction
	// request — one write, no partial state visible. Returns
	// ErrAlreadyWaiting if the run already has an open request.
	Suspend(ctx context.Context, runID uuid.UUID, token []byte, req domain.InteractionRequest) error

	// FinishRun moves a run to a terminal status with its result or error
	// detail. Returns ErrTerminalStatus if it already is terminal.
	FinishRun(ctx context.Context, id uuid.UUID, status domain.RunStatus, result []byte, errMsg string) error

	GetRequest(ctx context.Context, id uuid.UUID) (domain.InteractionRequest, error)

	// GetOpenRequestForRun returns the run's open request, ErrNotFound if
	// there is none.
	GetOpenRequestForRun(ctx context.Context, runID uuid.UUID) (domain.InteractionRequest, error)

	// GetLatestRequestForRun returns the run's most recently created
	// request regardless of status, ErrNotFound if the run never had one.
	// Recovery uses it to re-drive the outcome of a request that was
	// closed right before a crash.
	GetLatestRequestForRun(ctx context.Context, runID uuid.UUID) (domain.InteractionRequest, error)

	// CloseRequest atomically flips an open request to the given closed
	// status, recording the reply for answered requests. First caller
	// wins; later callers get ErrNotOpen.
	CloseRequest(ctx context.Context, id uuid.UUID, status domain.RequestStatus, reply []byte, surface string) (domain.InteractionRequest, error)

	// ListOpenRequests returns every open request. Used on restart to
	// re-arm expiry watchers.
	ListOpenRequests(ctx context.Context) ([]domain.InteractionRequest, error)

	// Schedule cursors record the last fire time per automation so a
	// restart never replays a backlog of missed schedule ticks. A missing
	// cursor is a zero time, not an error.
	GetScheduleCursor(ctx context.Context, automationID string) (time.Time, error)
	SaveScheduleCursor(ctx context.Context, automationID string, firedAt time.Time) error
}
