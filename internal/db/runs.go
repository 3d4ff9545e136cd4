package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/autoapply/internal/model"
)

// -----------------------------------------------------------------------------
// Run Methods
// -----------------------------------------------------------------------------

const runColumns = `id, user_id, name, description, status, created_at, started_at, completed_at, updated_at`

func scanRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	err := row.Scan(&r.ID, &r.UserID, &r.Name, &r.Description, &r.Status,
		&r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (q *queries) getRun(ctx context.Context, what, query string, args ...any) (*model.Run, error) {
	r, err := scanRun(q.q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get %s: %w", what, err)
	}
	return r, nil
}

// CreateRun inserts a run
func (q *queries) CreateRun(ctx context.Context, r *model.Run) error {
	_, err := q.q.Exec(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.UserID, r.Name, r.Description, r.Status,
		r.CreatedAt, r.StartedAt, r.CompletedAt, r.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.NewConflict("user %s already has a running run", r.UserID)
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (q *queries) GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	return q.getRun(ctx, "run", `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
}

// GetActiveRun returns the user's running run, if any
func (q *queries) GetActiveRun(ctx context.Context, userID uuid.UUID) (*model.Run, error) {
	return q.getRun(ctx, "active run",
		`SELECT `+runColumns+` FROM runs WHERE user_id = $1 AND status = 'running'`, userID)
}

// PromoteOldestQueuedRun starts the user's oldest queued run when none of
// theirs is running. Two racing promoters are settled by uq_runs_one_running.
func (q *queries) PromoteOldestQueuedRun(ctx context.Context, userID uuid.UUID, now time.Time) (*model.Run, error) {
	r, err := scanRun(q.q.QueryRow(ctx,
		`UPDATE runs
		 SET status = 'running', started_at = $2, updated_at = $2
		 WHERE id = (
		     SELECT id FROM runs
		     WHERE user_id = $1 AND status = 'queued'
		     ORDER BY created_at ASC
		     LIMIT 1
		     FOR UPDATE
		 )
		 AND NOT EXISTS (
		     SELECT 1 FROM runs WHERE user_id = $1 AND status = 'running'
		 )
		 RETURNING `+runColumns,
		userID, now,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if isUniqueViolation(err) {
			return nil, model.NewConflict("user %s already has a running run", userID)
		}
		return nil, fmt.Errorf("failed to promote run: %w", err)
	}
	return r, nil
}

// CompleteRun marks a run completed
func (q *queries) CompleteRun(ctx context.Context, id uuid.UUID, now time.Time) (*model.Run, error) {
	return q.getRun(ctx, "completed run",
		`UPDATE runs SET status = 'completed', completed_at = $2, updated_at = $2
		 WHERE id = $1
		 RETURNING `+runColumns,
		id, now)
}

// ListRuns lists runs oldest first, optionally filtered by status.
// uuid.Nil lists every user's runs.
func (q *queries) ListRuns(ctx context.Context, userID uuid.UUID, status string) ([]model.Run, error) {
	rows, err := q.q.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE ($1 = '00000000-0000-0000-0000-000000000000'::uuid OR user_id = $1)
		   AND ($2 = '' OR status = $2)
		 ORDER BY created_at ASC`,
		userID, status,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run and its tasks
func (q *queries) DeleteRun(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := q.q.Exec(ctx, `DELETE FROM runs WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
