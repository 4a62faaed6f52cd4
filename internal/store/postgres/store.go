// Package postgres implements the store contract on PostgreSQL. All status
// transitions are single atomic UPDATEs with the allowed source statuses in
// the WHERE clause, so concurrent transitions on one entity serialize on
// the row lock and exactly one caller wins.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Nurdok/spanreed/internal/domain"
	"github.com/Nurdok/spanreed/internal/store"
)

type Store struct {
	db        *sql.DB
	opTimeout time.Duration
	clock     func() time.Time
}

// New creates a store on the given database connection. opTimeout bounds
// every single statement; 0 disables the bound.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout, clock: time.Now}
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *Store) CreateRun(ctx context.Context, run domain.RunInstance) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryInsertRun,
		run.ID,
		run.AutomationID,
		string(run.Status),
		run.Token,
		[]byte(run.Result),
		run.Error,
		run.CreatedAt,
		run.UpdatedAt,
	)
	return err
}

func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (domain.RunInstance, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return scanRun(s.db.QueryRowContext(ctx, queryGetRun, id))
}

func (s *Store) ListRuns(ctx context.Context, status domain.RunStatus, limit, offset int) ([]domain.RunInstance, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListRuns, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *Store) ListPendingRuns(ctx context.Context) ([]domain.RunInstance, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListPendingRuns)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *Store) GetStalePendingRuns(ctx context.Context, olderThan time.Time, max int) ([]domain.RunInstance, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryGetStalePendingRuns, olderThan, max)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *Store) CheckpointRun(ctx context.Context, id uuid.UUID, token []byte) error {
	return s.transitionRun(ctx, id, queryCheckpointRun, token)
}

func (s *Store) ResumeRun(ctx context.Context, id uuid.UUID, token []byte) error {
	return s.transitionRun(ctx, id, queryResumeRun, token)
}

// transitionRun runs a guarded status UPDATE and maps a zero-row result to
// the sentinel describing why the run was not eligible.
func (s *Store) transitionRun(ctx context.Context, id uuid.UUID, query string, token []byte) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, query, id, token, s.clock().UTC())
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.runTransitionError(ctx, id)
	}
	return nil
}

func (s *Store) Suspend(ctx context.Context, runID uuid.UUID, token []byte, req domain.InteractionRequest) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.clock().UTC()

	result, err := tx.ExecContext(ctx, querySuspendRun, runID, token, now)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.runTransitionError(ctx, runID)
	}

	_, err = tx.ExecContext(ctx, queryInsertRequest,
		req.ID,
		req.RunID,
		[]byte(req.Prompt),
		pq.Array(req.Surfaces),
		req.CreatedAt,
		req.ExpiresAt,
		now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyWaiting
		}
		return err
	}

	return tx.Commit()
}

func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, status domain.RunStatus, result []byte, errMsg string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, queryFinishRun, id, string(status), result, errMsg, s.clock().UTC())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.runTransitionError(ctx, id)
	}
	return nil
}

// runTransitionError distinguishes the zero-row cases: missing run,
// terminal run, or suspended run.
func (s *Store) runTransitionError(ctx context.Context, id uuid.UUID) error {
	var current string
	err := s.db.QueryRowContext(ctx, queryGetRunStatus, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if domain.RunStatus(current).Terminal() {
		return store.ErrTerminalStatus
	}
	return store.ErrNotWaiting
}

func (s *Store) GetRequest(ctx context.Context, id uuid.UUID) (domain.InteractionRequest, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return scanRequest(s.db.QueryRowContext(ctx, queryGetRequest, id))
}

func (s *Store) GetOpenRequestForRun(ctx context.Context, runID uuid.UUID) (domain.InteractionRequest, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return scanRequest(s.db.QueryRowContext(ctx, queryGetOpenRequestForRun, runID))
}

func (s *Store) GetLatestRequestForRun(ctx context.Context, runID uuid.UUID) (domain.InteractionRequest, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return scanRequest(s.db.QueryRowContext(ctx, queryGetLatestRequestForRun, runID))
}

func (s *Store) CloseRequest(ctx context.Context, id uuid.UUID, status domain.RequestStatus, reply []byte, surface string) (domain.InteractionRequest, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	req, err := scanRequest(s.db.QueryRowContext(ctx, queryCloseRequest, id, string(status), reply, surface, s.clock().UTC()))
	if err == nil {
		return req, nil
	}
	if !isNotFound(err) {
		return domain.InteractionRequest{}, err
	}

	// Zero rows: either the request does not exist or it is already closed.
	if _, getErr := s.GetRequest(ctx, id); getErr != nil {
		return domain.InteractionRequest{}, getErr
	}
	return domain.InteractionRequest{}, store.ErrNotOpen
}

func (s *Store) ListOpenRequests(ctx context.Context) ([]domain.InteractionRequest, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListOpenRequests)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.InteractionRequest
	for rows.Next() {
		req, err := scanRequestRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

func (s *Store) GetScheduleCursor(ctx context.Context, automationID string) (time.Time, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var firedAt time.Time
	err := s.db.QueryRowContext(ctx, queryGetScheduleCursor, automationID).Scan(&firedAt)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return firedAt, nil
}

func (s *Store) SaveScheduleCursor(ctx context.Context, automationID string, firedAt time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, querySaveScheduleCursor, automationID, firedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.RunInstance, error) {
	var run domain.RunInstance
	var status string
	var result []byte

	err := row.Scan(
		&run.ID,
		&run.AutomationID,
		&status,
		&run.Token,
		&result,
		&run.Error,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return domain.RunInstance{}, store.ErrNotFound
	}
	if err != nil {
		return domain.RunInstance{}, err
	}
	run.Status = domain.RunStatus(status)
	run.Result = result
	return run, nil
}

func scanRuns(rows *sql.Rows) ([]domain.RunInstance, error) {
	var result []domain.RunInstance
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

func scanRequest(row rowScanner) (domain.InteractionRequest, error) {
	req, err := scanRequestRow(row)
	if err == sql.ErrNoRows {
		return domain.InteractionRequest{}, store.ErrNotFound
	}
	return req, err
}

func scanRequestRow(row rowScanner) (domain.InteractionRequest, error) {
	var req domain.InteractionRequest
	var status string
	var prompt, reply []byte
	var surfaces pq.StringArray

	err := row.Scan(
		&req.ID,
		&req.RunID,
		&prompt,
		&surfaces,
		&status,
		&reply,
		&req.RepliedVia,
		&req.CreatedAt,
		&req.ExpiresAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return domain.InteractionRequest{}, err
	}
	req.Prompt = prompt
	req.Reply = reply
	req.Status = domain.RequestStatus(status)
	req.Surfaces = surfaces
	return req, nil
}

func isNotFound(err error) bool {
	return err == sql.ErrNoRows || err == store.ErrNotFound
}

// isUniqueViolation checks for a PostgreSQL unique violation (code 23505),
// matching on the message so it works across driver versions.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}

var _ store.Store = (*Store)(nil)
