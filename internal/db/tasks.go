package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/autoapply/internal/model"
	"github.com/jonathan/autoapply/internal/store"
)

// -----------------------------------------------------------------------------
// Task Methods
// -----------------------------------------------------------------------------

const taskColumns = `id, run_id, job_id, state, priority, attempt_count,
	last_error_code, last_error_message, queued_at, started_at,
	last_state_change_at, created_at, claimed_by, claim_expires_at`

func scanTask(row pgx.Row) (*model.Task, error) {
	var t model.Task
	var state string
	err := row.Scan(&t.ID, &t.RunID, &t.JobID, &state, &t.Priority, &t.AttemptCount,
		&t.LastErrorCode, &t.LastErrorMessage, &t.QueuedAt, &t.StartedAt,
		&t.LastStateChangeAt, &t.CreatedAt, &t.ClaimedBy, &t.ClaimExpiresAt)
	if err != nil {
		return nil, err
	}
	t.State = model.State(state)
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]model.Task, error) {
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
	t, err := scanTask(q.q.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// CreateTask inserts a task, reporting false if the run already targets the job
func (q *queries) CreateTask(ctx context.Context, t *model.Task) (bool, error) {
	tag, err := q.q.Exec(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (run_id, job_id) DO NOTHING`,
		t.ID, t.RunID, t.JobID, string(t.State), t.Priority, t.AttemptCount,
		t.LastErrorCode, t.LastErrorMessage, t.QueuedAt, t.StartedAt,
		t.LastStateChangeAt, t.CreatedAt, t.ClaimedBy, t.ClaimExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateTask writes the task if its state still equals fromState
func (q *queries) UpdateTask(ctx context.Context, t *model.Task, fromState model.State) (bool, error) {
	tag, err := q.q.Exec(ctx,
		`UPDATE tasks
		 SET state = $1, priority = $2, attempt_count = $3, last_error_code = $4,
		     last_error_message = $5, queued_at = $6, started_at = $7,
		     last_state_change_at = $8, claimed_by = $9, claim_expires_at = $10
		 WHERE id = $11 AND state = $12`,
		string(t.State), t.Priority, t.AttemptCount, t.LastErrorCode,
		t.LastErrorMessage, t.QueuedAt, t.StartedAt,
		t.LastStateChangeAt, t.ClaimedBy, t.ClaimExpiresAt,
		t.ID, string(fromState),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimNextTask leases the next QUEUED task, skipping rows other claimers
// have locked so concurrent workers never wait on or receive the same task.
func (q *queries) ClaimNextTask(ctx context.Context, req store.ClaimRequest) (*model.Task, error) {
	t, err := scanTask(q.q.QueryRow(ctx,
		`UPDATE tasks
		 SET claimed_by = $1, claim_expires_at = $2
		 WHERE id = (
		     SELECT id FROM tasks
		     WHERE run_id = $3 AND state = 'QUEUED'
		       AND (claim_expires_at IS NULL OR claim_expires_at <= $4)
		     ORDER BY priority DESC, queued_at ASC, created_at ASC
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+taskColumns,
		req.WorkerID, req.LeaseTill, req.RunID, req.Now,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	return t, nil
}

// ListStuckTasks returns RUNNING tasks that entered RUNNING before cutoff
func (q *queries) ListStuckTasks(ctx context.Context, cutoff time.Time) ([]model.Task, error) {
	rows, err := q.q.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE state = 'RUNNING' AND started_at < $1 AND last_state_change_at < $1
		 ORDER BY last_state_change_at ASC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck tasks: %w", err)
	}
	return collectTasks(rows)
}

// ListTasks lists tasks in queue order with optional filters
func (q *queries) ListTasks(ctx context.Context, f store.TaskFilter) ([]model.Task, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.RunID != uuid.Nil {
		where = append(where, "run_id = "+arg(f.RunID))
	}
	if f.State != model.AnyState {
		where = append(where, "state = "+arg(string(f.State)))
	}
	if f.JobID != 0 {
		where = append(where, "job_id = "+arg(f.JobID))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority DESC, queued_at ASC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	rows, err := q.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return collectTasks(rows)
}

// CountTasksByState returns the number of tasks of a run in each state
func (q *queries) CountTasksByState(ctx context.Context, runID uuid.UUID) (map[model.State]int, error) {
	rows, err := q.q.Query(ctx,
		`SELECT state, COUNT(*) FROM tasks WHERE run_id = $1 GROUP BY state`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[model.State(state)] = n
	}
	return counts, rows.Err()
}
