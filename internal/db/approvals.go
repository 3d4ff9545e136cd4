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
// Approval Request Methods
// -----------------------------------------------------------------------------

const approvalColumns = `id, task_id, form_data, preview_url, status, channel,
	approval_token_hash, notes, created_at, expires_at, approved_at, resolved_at`

func scanApproval(row pgx.Row) (*model.ApprovalRequest, error) {
	var a model.ApprovalRequest
	var formData []byte
	err := row.Scan(&a.ID, &a.TaskID, &formData, &a.PreviewURL, &a.Status, &a.Channel,
		&a.TokenHash, &a.Notes, &a.CreatedAt, &a.ExpiresAt, &a.ApprovedAt, &a.ResolvedAt)
	if err != nil {
		return nil, err
	}
	a.FormData = formData
	return &a, nil
}

func (q *queries) getApproval(ctx context.Context, query string, args ...any) (*model.ApprovalRequest, error) {
	a, err := scanApproval(q.q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get approval request: %w", err)
	}
	return a, nil
}

// CreateApproval inserts an approval request
func (q *queries) CreateApproval(ctx context.Context, a *model.ApprovalRequest) error {
	formData := []byte(a.FormData)
	if len(formData) == 0 {
		formData = []byte("[]")
	}
	_, err := q.q.Exec(ctx,
		`INSERT INTO approval_requests (`+approvalColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.TaskID, formData, a.PreviewURL, a.Status, a.Channel,
		a.TokenHash, a.Notes, a.CreatedAt, a.ExpiresAt, a.ApprovedAt, a.ResolvedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.NewConflict("task %s already has a pending approval request", a.TaskID)
		}
		return fmt.Errorf("failed to create approval request: %w", err)
	}
	return nil
}

// GetApproval retrieves an approval request by ID
func (q *queries) GetApproval(ctx context.Context, id uuid.UUID) (*model.ApprovalRequest, error) {
	return q.getApproval(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, id)
}

// GetPendingApprovalForTask returns the task's pending request, if any
func (q *queries) GetPendingApprovalForTask(ctx context.Context, taskID uuid.UUID) (*model.ApprovalRequest, error) {
	return q.getApproval(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE task_id = $1 AND status = 'pending'`,
		taskID)
}

// ResolveApproval writes the decision if the request is still pending
func (q *queries) ResolveApproval(ctx context.Context, a *model.ApprovalRequest) (bool, error) {
	tag, err := q.q.Exec(ctx,
		`UPDATE approval_requests
		 SET status = $1, notes = $2, approved_at = $3, resolved_at = $4
		 WHERE id = $5 AND status = 'pending'`,
		a.Status, a.Notes, a.ApprovedAt, a.ResolvedAt, a.ID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to resolve approval request: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListOverdueApprovals returns pending requests whose TTL has elapsed
func (q *queries) ListOverdueApprovals(ctx context.Context, now time.Time) ([]model.ApprovalRequest, error) {
	rows, err := q.q.Query(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests
		 WHERE status = 'pending' AND expires_at < $1
		 ORDER BY expires_at ASC`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue approvals: %w", err)
	}
	defer rows.Close()

	var out []model.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval request: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
