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
	"github.com/jonathan/autoapply/internal/store"
)

const taskColumns = `id, run_id, job_id, state, priority, attempt_count,
	last_error_code, last_error_message, queued_at, started_at,
	last_state_change_at, created_at, claimed_by, claim_expires_at`

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		t                   model.Task
		state               string
		errCode, errMsg     sql.NullString
		claimedBy           sql.NullString
		queuedAt, changedAt int64
		createdAt           int64
		startedAt, claimExp sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.RunID, &t.JobID, &state, &t.Priority, &t.AttemptCount,
		&errCode, &errMsg, &queuedAt, &startedAt,
		&changedAt, &createdAt, &claimedBy, &claimExp); err != nil {
		return nil, err
	}
	t.State = model.State(state)
	t.LastErrorCode = fromNullString(errCode)
	t.LastErrorMessage = fromNullString(errMsg)
	t.QueuedAt = fromNanos(queuedAt)
	t.StartedAt = fromNullNanos(startedAt)
	t.LastStateChangeAt = fromNanos(changedAt)
	t.CreatedAt = fromNanos(createdAt)
	t.ClaimedBy = fromNullString(claimedBy)
	t.ClaimExpiresAt = fromNullNanos(claimExp)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]model.Task, error) {
	defer rows.Close()
	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// GetTask retrieves a task by ID
func (q *queries) GetTask(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	t, err := scanTask(q.q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// CreateTask inserts a task. It reports false when the (run, job) pair
// already has a task.
func (q *queries) CreateTask(ctx context.Context, t *model.Task) (bool, error) {
	res, err := q.q.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, job_id) DO NOTHING`,
		t.ID, t.RunID, t.JobID, string(t.State), t.Priority, t.AttemptCount,
		toNullString(t.LastErrorCode), toNullString(t.LastErrorMessage),
		toNanos(t.QueuedAt), toNullNanos(t.StartedAt),
		toNanos(t.LastStateChangeAt), toNanos(t.CreatedAt),
		toNullString(t.ClaimedBy), toNullNanos(t.ClaimExpiresAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to create task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateTask writes the task's mutable columns if its state is still fromState
func (q *queries) UpdateTask(ctx context.Context, t *model.Task, fromState model.State) (bool, error) {
	res, err := q.q.ExecContext(ctx,
		`UPDATE tasks
		 SET state = ?, priority = ?, attempt_count = ?, last_error_code = ?,
		     last_error_message = ?, queued_at = ?, started_at = ?,
		     last_state_change_at = ?, claimed_by = ?, claim_expires_at = ?
		 WHERE id = ? AND state = ?`,
		string(t.State), t.Priority, t.AttemptCount, toNullString(t.LastErrorCode),
		toNullString(t.LastErrorMessage), toNanos(t.QueuedAt), toNullNanos(t.StartedAt),
		toNanos(t.LastStateChangeAt), toNullString(t.ClaimedBy), toNullNanos(t.ClaimExpiresAt),
		t.ID, string(fromState),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClaimNextTask leases the next QUEUED task of a run in one statement
func (q *queries) ClaimNextTask(ctx context.Context, req store.ClaimRequest) (*model.Task, error) {
	t, err := scanTask(q.q.QueryRowContext(ctx,
		`UPDATE tasks
		 SET claimed_by = ?, claim_expires_at = ?
		 WHERE id = (
		     SELECT id FROM tasks
		     WHERE run_id = ? AND state = ?
		       AND (claim_expires_at IS NULL OR claim_expires_at <= ?)
		     ORDER BY priority DESC, queued_at ASC, created_at ASC
		     LIMIT 1
		 )
		 RETURNING `+taskColumns,
		req.WorkerID, toNanos(req.LeaseTill),
		req.RunID, string(model.StateQueued), toNanos(req.Now),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	return t, nil
}

// ListStuckTasks returns RUNNING tasks that entered RUNNING before cutoff
func (q *queries) ListStuckTasks(ctx context.Context, cutoff time.Time) ([]model.Task, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE state = ? AND started_at < ? AND last_state_change_at < ?
		 ORDER BY last_state_change_at ASC`,
		string(model.StateRunning), toNanos(cutoff), toNanos(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck tasks: %w", err)
	}
	return scanTasks(rows)
}

// ListTasks lists tasks in queue order with optional filters
func (q *queries) ListTasks(ctx context.Context, f store.TaskFilter) ([]model.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.RunID != uuid.Nil {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.State != model.AnyState {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if f.JobID != 0 {
		where = append(where, "job_id = ?")
		args = append(args, f.JobID)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority DESC, queued_at ASC"

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return scanTasks(rows)
}

// CountTasksByState returns the number of tasks of a run in each state
func (q *queries) CountTasksByState(ctx context.Context, runID uuid.UUID) (map[model.State]int, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT state, COUNT(1) FROM tasks WHERE run_id = ? GROUP BY state`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.State]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[model.State(state)] = n
	}
	return counts, rows.Err()
}
