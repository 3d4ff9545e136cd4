package litestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/autoapply/internal/model"
)

const approvalColumns = `id, task_id, form_data, preview_url, status, channel,
	approval_token_hash, notes, created_at, expires_at, approved_at, resolved_at`

func scanApproval(row rowScanner) (*model.ApprovalRequest, error) {
	var (
		a                      model.ApprovalRequest
		formData               string
		previewURL, notes      sql.NullString
		createdAt, expiresAt   int64
		approvedAt, resolvedAt sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.TaskID, &formData, &previewURL, &a.Status, &a.Channel,
		&a.TokenHash, &notes, &createdAt, &expiresAt, &approvedAt, &resolvedAt); err != nil {
		return nil, err
	}
	a.FormData = []byte(formData)
	a.PreviewURL = fromNullString(previewURL)
	a.Notes = fromNullString(notes)
	a.CreatedAt = fromNanos(createdAt)
	a.ExpiresAt = fromNanos(expiresAt)
	a.ApprovedAt = fromNullNanos(approvedAt)
	a.ResolvedAt = fromNullNanos(resolvedAt)
	return &a, nil
}

func (q *queries) getApprovalWhere(ctx context.Context, where string, args ...any) (*model.ApprovalRequest, error) {
	a, err := scanApproval(q.q.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE `+where, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get approval request: %w", err)
	}
	return a, nil
}

// CreateApproval inserts an approval request
func (q *queries) CreateApproval(ctx context.Context, a *model.ApprovalRequest) error {
	formData := string(a.FormData)
	if formData == "" {
		formData = "[]"
	}
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO approval_requests (`+approvalColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, formData, toNullString(a.PreviewURL), a.Status, a.Channel,
		a.TokenHash, toNullString(a.Notes), toNanos(a.CreatedAt), toNanos(a.ExpiresAt),
		toNullNanos(a.ApprovedAt), toNullNanos(a.ResolvedAt),
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
	return q.getApprovalWhere(ctx, "id = ?", id)
}

// GetPendingApprovalForTask returns the task's pending request, if any
func (q *queries) GetPendingApprovalForTask(ctx context.Context, taskID uuid.UUID) (*model.ApprovalRequest, error) {
	return q.getApprovalWhere(ctx, "task_id = ? AND status = ?", taskID, model.ApprovalPending)
}

// ResolveApproval writes the decision if the request is still pending
func (q *queries) ResolveApproval(ctx context.Context, a *model.ApprovalRequest) (bool, error) {
	res, err := q.q.ExecContext(ctx,
		`UPDATE approval_requests
		 SET status = ?, notes = ?, approved_at = ?, resolved_at = ?
		 WHERE id = ? AND status = ?`,
		a.Status, toNullString(a.Notes), toNullNanos(a.ApprovedAt), toNullNanos(a.ResolvedAt),
		a.ID, model.ApprovalPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to resolve approval request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListOverdueApprovals returns pending requests whose TTL elapsed before now
func (q *queries) ListOverdueApprovals(ctx context.Context, now time.Time) ([]model.ApprovalRequest, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests
		 WHERE status = ? AND expires_at < ?
		 ORDER BY expires_at ASC`,
		model.ApprovalPending, toNanos(now),
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
