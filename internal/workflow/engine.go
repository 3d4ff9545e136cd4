package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonathan/autoapply/internal/model"
	"github.com/jonathan/autoapply/internal/store"
)

// Engine validates and applies task transitions.
type Engine struct {
	store  store.Store
	clock  store.Clock
	logger *slog.Logger
	hooks  *hookSet
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(c store.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger transitions are reported to.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRetryPolicy replaces the default auto-retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) {
		e.hooks.redirects[edge{model.StateRunning, model.StateFailed}] = []RedirectHook{p.Redirect}
	}
}

// WithRedirect registers an extra redirect hook on (from, to).
func WithRedirect(from, to model.State, hook RedirectHook) Option {
	return func(e *Engine) { e.hooks.redirect(from, to, hook) }
}

// WithEffect registers an extra effect hook on (from, to).
func WithEffect(from, to model.State, hook EffectHook) Option {
	return func(e *Engine) { e.hooks.effect(from, to, hook) }
}

// NewEngine creates a state machine engine over s with the default hooks.
func NewEngine(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		clock:  store.SystemClock{},
		logger: slog.Default(),
		hooks:  defaultHooks(DefaultRetryPolicy()),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Clock returns the engine's time source.
func (e *Engine) Clock() store.Clock {
	return e.clock
}

// Logger returns the engine's logger.
func (e *Engine) Logger() *slog.Logger {
	return e.logger
}

// Store returns the store the engine writes to.
func (e *Engine) Store() store.Store {
	return e.store
}

// Transition moves a task to a new state in its own transaction.
//
// from is the state the caller believes the task is in; pass model.AnyState
// to skip that check when the caller already holds the task exclusively.
// The resulting state may differ from to when a redirect hook fires, e.g.
// a first RUNNING -> FAILED becomes a queued retry.
func (e *Engine) Transition(ctx context.Context, taskID uuid.UUID, from, to model.State, meta Metadata) (*model.Task, error) {
	var result *model.Task
	err := e.store.WithTx(ctx, func(repo store.Repository) error {
		t, err := e.Apply(ctx, repo, taskID, from, to, meta)
		if err != nil {
			return err
		}
		result = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Apply performs a transition using repo, which should be bound to a
// transaction the caller owns. Components that need to change other rows
// atomically with the task (such as the approval gate) call Apply directly.
func (e *Engine) Apply(ctx context.Context, repo store.Repository, taskID uuid.UUID, from, to model.State, meta Metadata) (*model.Task, error) {
	current, err := repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, &model.NotFoundError{Kind: "task", ID: taskID.String()}
	}

	if from != model.AnyState && current.State != from {
		return nil, &StateMismatchError{TaskID: taskID, Expected: from, Actual: current.State}
	}
	if !CanTransition(current.State, to) {
		return nil, &InvalidTransitionError{From: current.State, To: to}
	}

	c := &Change{
		Task:      current.Clone(),
		From:      current.State,
		Requested: to,
		To:        to,
		Meta:      meta,
		Now:       e.clock.Now(),
	}

	for _, hook := range e.hooks.redirectsFor(c.From, c.Requested) {
		hook(c)
	}
	if c.Redirected() && !CanTransition(c.From, c.To) {
		return nil, fmt.Errorf("redirect of %s -> %s to %s leaves the graph: %w",
			c.From, c.Requested, c.To, &InvalidTransitionError{From: c.From, To: c.To})
	}

	c.Task.State = c.To
	c.Task.LastStateChangeAt = c.Now
	if meta.ErrorCode != "" {
		code := meta.ErrorCode
		c.Task.LastErrorCode = &code
	}
	if meta.ErrorMessage != "" {
		msg := meta.ErrorMessage
		c.Task.LastErrorMessage = &msg
	}

	for _, hook := range e.hooks.effectsFor(c.From, c.To) {
		if err := hook(ctx, repo, c); err != nil {
			return nil, err
		}
	}

	written, err := repo.UpdateTask(ctx, c.Task, c.From)
	if err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", taskID, err)
	}
	if !written {
		// Someone else changed the row between our read and write.
		actual := model.AnyState
		if latest, gerr := repo.GetTask(ctx, taskID); gerr == nil && latest != nil {
			actual = latest.State
		}
		return nil, &StateMismatchError{TaskID: taskID, Expected: c.From, Actual: actual}
	}

	attrs := []any{
		"task_id", taskID,
		"from", c.From,
		"to", c.To,
		"attempt", c.Task.AttemptCount,
		"priority", c.Task.Priority,
	}
	if c.Redirected() {
		attrs = append(attrs, "requested", c.Requested)
	}
	if meta.Reason != "" {
		attrs = append(attrs, "reason", meta.Reason)
	}
	if meta.ErrorCode != "" {
		attrs = append(attrs, "error_code", meta.ErrorCode)
	}
	e.logger.Info("task transition", attrs...)

	return c.Task, nil
}
