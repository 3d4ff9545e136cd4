package litestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/autoapply/internal/model"
)

const runColumns = `id, user_id, name, description, status, created_at, started_at, completed_at, updated_at`

func scanRun(row rowScanner) (*model.Run, error) {
	var (
		r                      model.Run
		description            sql.NullString
		createdAt, updatedAt   int64
		startedAt, completedAt sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.Name, &description, &r.Status,
		&createdAt, &startedAt, &completedAt, &updatedAt); err != nil {
		return nil, err
	}
	r.Description = fromNullString(description)
	r.CreatedAt = fromNanos(createdAt)
	r.StartedAt = fromNullNanos(startedAt)
	r.CompletedAt = fromNullNanos(completedAt)
	r.UpdatedAt = fromNanos(updatedAt)
	return &r, nil
}

func (q *queries) getRunWhere(ctx context.Context, what, where string, args ...any) (*model.Run, error) {
	r, err := scanRun(q.q.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE `+where, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get %s: %w", what, err)
	}
	return r, nil
}

// CreateRun inserts a run. A second running run for the same user violates
// uq_runs_one_running and is reported as a conflict.
func (q *queries) CreateRun(ctx context.Context, r *model.Run) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.Name, toNullString(r.Description), r.Status,
		toNanos(r.CreatedAt), toNullNanos(r.StartedAt), toNullNanos(r.CompletedAt),
		toNanos(r.UpdatedAt),
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
	return q.getRunWhere(ctx, "run", "id = ?", id)
}

// GetActiveRun returns the user's running run, if any
func (q *queries) GetActiveRun(ctx context.Context, userID uuid.UUID) (*model.Run, error) {
	return q.getRunWhere(ctx, "active run", "user_id = ? AND status = ?", userID, model.RunStatusRunning)
}

// PromoteOldestQueuedRun starts the user's oldest queued run when nothing
// else of theirs is running. Returns nil when no run was promoted.
func (q *queries) PromoteOldestQueuedRun(ctx context.Context, userID uuid.UUID, now time.Time) (*model.Run, error) {
	ts := toNanos(now)
	r, err := scanRun(q.q.QueryRowContext(ctx,
		`UPDATE runs
		 SET status = ?, started_at = ?, updated_at = ?
		 WHERE id = (
		     SELECT id FROM runs
		     WHERE user_id = ? AND status = ?
		     ORDER BY created_at ASC
		     LIMIT 1
		 )
		 AND NOT EXISTS (
		     SELECT 1 FROM runs WHERE user_id = ? AND status = ?
		 )
		 RETURNING `+runColumns,
		model.RunStatusRunning, ts, ts,
		userID, model.RunStatusQueued,
		userID, model.RunStatusRunning,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if isUniqueViolation(err) {
			return nil, model.NewConflict("user %s already has a running run", userID)
		}
		return nil, fmt.Errorf("failed to promote run: %w", err)
	}
	return r, nil
}

// CompleteRun marks a run completed. Returns nil when the run does not exist.
func (q *queries) CompleteRun(ctx context.Context, id uuid.UUID, now time.Time) (*model.Run, error) {
	ts := toNanos(now)
	r, err := scanRun(q.q.QueryRowContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ?, updated_at = ?
		 WHERE id = ?
		 RETURNING `+runColumns,
		model.RunStatusCompleted, ts, ts, id,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to complete run: %w", err)
	}
	return r, nil
}

// ListRuns lists runs oldest first. uuid.Nil lists every user's runs and
// an empty status lists all statuses.
func (q *queries) ListRuns(ctx context.Context, userID uuid.UUID, status string) ([]model.Run, error) {
	var (
		where []string
		args  []any
	)
	if userID != uuid.Nil {
		where = append(where, "user_id = ?")
		args = append(args, userID)
	}
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, status)
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := q.q.QueryContext(ctx, query, args...)
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

// DeleteRun removes a run and, by cascade, its tasks
func (q *queries) DeleteRun(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := q.q.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
