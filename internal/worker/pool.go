package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/autoapply/internal/model"
	"github.com/jonathan/autoapply/internal/queue"
	"github.com/jonathan/autoapply/internal/store"
	"github.com/jonathan/autoapply/internal/workflow"
)

// Error codes recorded when the applier itself misbehaves
const (
	ErrCodeApplier        = "APPLIER_ERROR"
	ErrCodeInvalidOutcome = "INVALID_OUTCOME"
)

// DefaultPollInterval is how long an idle worker waits before polling again.
const DefaultPollInterval = 2 * time.Second

// Pool runs tasks from every active run on a fixed number of goroutines.
type Pool struct {
	queue        *queue.Queue
	engine       *workflow.Engine
	store        store.Store
	applier      Applier
	logger       *slog.Logger
	concurrency  int
	pollInterval time.Duration

	processed atomic.Int64
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of worker goroutines.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithPollInterval sets the idle poll interval.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithPoolLogger sets the pool's logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPool creates a worker pool that starts tasks through q and hands them
// to applier.
func NewPool(engine *workflow.Engine, q *queue.Queue, applier Applier, opts ...PoolOption) *Pool {
	p := &Pool{
		queue:        q,
		engine:       engine,
		store:        engine.Store(),
		applier:      applier,
		logger:       engine.Logger(),
		concurrency:  1,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Processed returns how many tasks the pool has finished working on.
func (p *Pool) Processed() int64 {
	return p.processed.Load()
}

// Run blocks until ctx is cancelled or a worker hits an unrecoverable
// error. Cancellation is a clean shutdown and returns nil.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", "concurrency", p.concurrency,
		"poll_interval", p.pollInterval, "worker_id", p.queue.WorkerID())

	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		slot := i
		g.Go(func() error {
			return p.loop(gCtx, slot)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	p.logger.Info("worker pool stopped", "processed", p.Processed())
	return err
}

func (p *Pool) loop(ctx context.Context, slot int) error {
	logger := p.logger.With("slot", slot)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		worked, err := p.RunOnce(ctx, slot)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("worker iteration failed", "error", err)
		}
		if worked {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
}

// RunOnce starts and works one task from the active runs, beginning with
// the run at offset slot. Within a run, approved tasks come before queued
// ones. It reports whether a task was found.
func (p *Pool) RunOnce(ctx context.Context, slot int) (bool, error) {
	active, err := p.store.ListRuns(ctx, uuid.Nil, model.RunStatusRunning)
	if err != nil {
		return false, err
	}
	for i := range active {
		run := active[(slot+i)%len(active)]

		task, err := p.queue.StartApproved(ctx, run.ID)
		if err != nil {
			return false, err
		}
		if task != nil {
			return true, p.work(ctx, task, true)
		}

		task, err = p.queue.Start(ctx, run.ID)
		if err != nil {
			return false, err
		}
		if task != nil {
			return true, p.work(ctx, task, false)
		}
	}
	return false, nil
}

func (p *Pool) apply(ctx context.Context, task *model.Task, approved bool) (Outcome, error) {
	if s, ok := p.applier.(Submitter); ok && approved {
		return s.Submit(ctx, task)
	}
	return p.applier.Apply(ctx, task)
}

// work hands a RUNNING task to the applier and records the outcome.
func (p *Pool) work(ctx context.Context, task *model.Task, approved bool) error {
	logger := p.logger.With("task_id", task.ID, "run_id", task.RunID,
		"attempt", task.AttemptCount, "approved", approved)
	logger.Debug("applying")

	outcome, err := p.apply(ctx, task, approved)
	if ctx.Err() != nil {
		// Recovery reclaims the task once it goes stale.
		return ctx.Err()
	}
	p.processed.Add(1)

	switch {
	case err != nil:
		outcome = Outcome{State: model.StateFailed, ErrorCode: ErrCodeApplier, ErrorMessage: err.Error()}
	case !workflow.CanTransition(model.StateRunning, outcome.State):
		logger.Warn("applier reported an unreachable state", "state", outcome.State)
		outcome = Outcome{
			State:        model.StateFailed,
			ErrorCode:    ErrCodeInvalidOutcome,
			ErrorMessage: fmt.Sprintf("applier reported state %q", outcome.State),
		}
	}

	result, err := p.engine.Transition(ctx, task.ID, model.StateRunning, outcome.State, workflow.Metadata{
		ErrorCode:    outcome.ErrorCode,
		ErrorMessage: outcome.ErrorMessage,
		Reason:       "applier outcome",
	})
	var mismatch *workflow.StateMismatchError
	if errors.As(err, &mismatch) {
		logger.Warn("task moved while it was being applied", "state", mismatch.Actual)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record outcome for task %s: %w", task.ID, err)
	}
	logger.Info("task worked", "state", result.State)
	return nil
}
