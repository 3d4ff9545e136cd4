// Package approval implements the time-boxed human checkpoint that gates a
// task's final submission. Expiry is applied lazily whenever an overdue
// request is resolved, and proactively by ExpireOverdue.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/autoapply/internal/model"
	"github.com/jonathan/autoapply/internal/schemas"
	"github.com/jonathan/autoapply/internal/store"
	"github.com/jonathan/autoapply/internal/workflow"
)

// ErrCodeApprovalExpired is recorded on tasks whose approval timed out.
const ErrCodeApprovalExpired = "APPROVAL_EXPIRED"

// DefaultChannel is where approval links are delivered unless overridden.
const DefaultChannel = "email"

// Tokens mints and checks the one-time tokens embedded in approval links.
// *config.TokenConfig satisfies it.
type Tokens interface {
	NewToken() (token, hash string, err error)
	VerifyToken(token, storedHash string) bool
}

// Gate creates and resolves approval requests.
type Gate struct {
	engine *workflow.Engine
	store  store.Store
	clock  store.Clock
	logger *slog.Logger
	tokens Tokens
	ttl    time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

// WithDefaultTTL sets the TTL used when a request does not specify one.
func WithDefaultTTL(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.ttl = d
		}
	}
}

// NewGate creates an approval gate that drives tasks through engine.
func NewGate(engine *workflow.Engine, tokens Tokens, opts ...Option) *Gate {
	g := &Gate{
		engine: engine,
		store:  engine.Store(),
		clock:  engine.Clock(),
		logger: engine.Logger(),
		tokens: tokens,
		ttl:    model.DefaultApprovalTTL,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CreateRequest describes a new approval checkpoint.
type CreateRequest struct {
	TaskID     uuid.UUID
	FormData   json.RawMessage
	PreviewURL *string
	Channel    string
	// TTL <= 0 uses the gate's default.
	TTL time.Duration
}

// Create opens an approval request for a task in PENDING_APPROVAL. If the
// task already has a pending request, that request is returned unchanged.
// Only a newly created request carries its raw token.
func (g *Gate) Create(ctx context.Context, req CreateRequest) (*model.ApprovalRequest, error) {
	formData, err := normalizeFormData(req.FormData)
	if err != nil {
		return nil, err
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = g.ttl
	}
	channel := req.Channel
	if channel == "" {
		channel = DefaultChannel
	}

	var (
		result *model.ApprovalRequest
		raced  bool
	)
	err = g.store.WithTx(ctx, func(repo store.Repository) error {
		task, err := repo.GetTask(ctx, req.TaskID)
		if err != nil {
			return err
		}
		if task == nil {
			return &model.NotFoundError{Kind: "task", ID: req.TaskID.String()}
		}
		if task.State != model.StatePendingApproval {
			return model.NewConflict("task %s is in state %s, expected %s",
				task.ID, task.State, model.StatePendingApproval)
		}

		existing, err := repo.GetPendingApprovalForTask(ctx, task.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			result = existing
			return nil
		}

		token, hash, err := g.tokens.NewToken()
		if err != nil {
			return err
		}
		now := g.clock.Now()
		a := &model.ApprovalRequest{
			ID:         uuid.New(),
			TaskID:     task.ID,
			FormData:   formData,
			PreviewURL: req.PreviewURL,
			Status:     model.ApprovalPending,
			Channel:    channel,
			CreatedAt:  now,
			ExpiresAt:  now.Add(ttl),
			TokenHash:  hash,
		}
		if err := repo.CreateApproval(ctx, a); err != nil {
			var conflict *model.ConflictError
			if errors.As(err, &conflict) {
				raced = true
			}
			return err
		}
		a.Token = token
		result = a
		return nil
	})
	if raced {
		// A concurrent Create won the pending slot; hand back its request.
		existing, gerr := g.store.GetPendingApprovalForTask(ctx, req.TaskID)
		if gerr == nil && existing != nil {
			return existing, nil
		}
	}
	if err != nil {
		return nil, err
	}

	if result.Token != "" {
		g.logger.Info("approval requested", "approval_id", result.ID, "task_id", result.TaskID,
			"expires_at", result.ExpiresAt, "channel", result.Channel)
	}
	return result, nil
}

// Get returns an approval request by ID.
func (g *Gate) Get(ctx context.Context, id uuid.UUID) (*model.ApprovalRequest, error) {
	a, err := g.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, &model.NotFoundError{Kind: "approval request", ID: id.String()}
	}
	return a, nil
}

// Resolve records the user's decision. Approval moves the task to
// APPROVED and rejection to REJECTED. A request past its TTL is expired
// (with its task) and the call fails with a conflict.
func (g *Gate) Resolve(ctx context.Context, id uuid.UUID, approved bool, notes *string) (*model.ApprovalRequest, error) {
	var (
		result    *model.ApprovalRequest
		expiredAt time.Time
	)
	err := g.store.WithTx(ctx, func(repo store.Repository) error {
		a, err := repo.GetApproval(ctx, id)
		if err != nil {
			return err
		}
		if a == nil {
			return &model.NotFoundError{Kind: "approval request", ID: id.String()}
		}
		if !a.IsPending() {
			return model.NewConflict("approval request already %s", a.Status)
		}

		now := g.clock.Now()
		if a.ExpiredAt(now) {
			expiredAt = a.ExpiresAt
			return g.expire(ctx, repo, a, now)
		}

		to := model.StateRejected
		a.Status = model.ApprovalRejected
		if approved {
			to = model.StateApproved
			a.Status = model.ApprovalApproved
			a.ApprovedAt = &now
		}
		a.Notes = notes
		a.ResolvedAt = &now

		ok, err := repo.ResolveApproval(ctx, a)
		if err != nil {
			return err
		}
		if !ok {
			return model.NewConflict("approval request %s was resolved concurrently", a.ID)
		}
		if _, err := g.engine.Apply(ctx, repo, a.TaskID, model.StatePendingApproval, to,
			workflow.Metadata{Reason: "approval " + a.Status}); err != nil {
			return err
		}
		result = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		// The lazy expiry above has committed.
		return nil, model.NewConflict("approval request expired at %s", expiredAt.Format(time.RFC3339))
	}

	g.logger.Info("approval resolved", "approval_id", result.ID, "task_id", result.TaskID,
		"status", result.Status)
	return result, nil
}

// ResolveWithToken is Resolve for the one-time link path: the caller must
// present the token minted by Create.
func (g *Gate) ResolveWithToken(ctx context.Context, id uuid.UUID, token string, approved bool, notes *string) (*model.ApprovalRequest, error) {
	a, err := g.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !g.tokens.VerifyToken(token, a.TokenHash) {
		return nil, &InvalidTokenError{ApprovalID: id}
	}
	return g.Resolve(ctx, id, approved, notes)
}

// ExpireOverdue expires every pending request past its TTL, moving its task
// to EXPIRED. Each request is handled in its own transaction. It returns the
// number of requests expired.
func (g *Gate) ExpireOverdue(ctx context.Context) (int, error) {
	overdue, err := g.store.ListOverdueApprovals(ctx, g.clock.Now())
	if err != nil {
		return 0, err
	}

	var (
		expired int
		errs    []error
	)
	for _, candidate := range overdue {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		done := false
		err := g.store.WithTx(ctx, func(repo store.Repository) error {
			a, err := repo.GetApproval(ctx, candidate.ID)
			if err != nil || a == nil || !a.IsPending() {
				return err
			}
			now := g.clock.Now()
			if !a.ExpiredAt(now) {
				return nil
			}
			if err := g.expire(ctx, repo, a, now); err != nil {
				return err
			}
			done = true
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to expire approval %s: %w", candidate.ID, err))
			continue
		}
		if done {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

// expire marks a pending request expired and drives its task to EXPIRED.
// A task that already left PENDING_APPROVAL is left where it is.
func (g *Gate) expire(ctx context.Context, repo store.Repository, a *model.ApprovalRequest, now time.Time) error {
	a.Status = model.ApprovalExpired
	a.ResolvedAt = &now
	ok, err := repo.ResolveApproval(ctx, a)
	if err != nil {
		return err
	}
	if !ok {
		return model.NewConflict("approval request %s was resolved concurrently", a.ID)
	}

	_, err = g.engine.Apply(ctx, repo, a.TaskID, model.StatePendingApproval, model.StateExpired,
		workflow.Metadata{
			ErrorCode:    ErrCodeApprovalExpired,
			ErrorMessage: fmt.Sprintf("approval not given before %s", a.ExpiresAt.Format(time.RFC3339)),
			Reason:       "approval expired",
		})
	var mismatch *workflow.StateMismatchError
	if errors.As(err, &mismatch) {
		g.logger.Warn("expired approval for task no longer awaiting it",
			"approval_id", a.ID, "task_id", a.TaskID, "state", mismatch.Actual)
		return nil
	}
	if err != nil {
		return err
	}

	g.logger.Info("approval expired", "approval_id", a.ID, "task_id", a.TaskID, "expires_at", a.ExpiresAt)
	return nil
}

// normalizeFormData validates a form snapshot and fills defaulted fields.
func normalizeFormData(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("[]"), nil
	}
	if err := schemas.Validate(schemas.FormData, raw); err != nil {
		return nil, err
	}

	var fields []model.FormField
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode form data: %w", err)
	}
	for i := range fields {
		if fields[i].FieldType == "" {
			fields[i].FieldType = model.DefaultFieldType
		}
	}
	if fields == nil {
		fields = []model.FormField{}
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode form data: %w", err)
	}
	return out, nil
}
