// Package queue hands QUEUED tasks to workers and reclaims tasks whose
// worker went away.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/autoapply/internal/model"
	"github.com/jonathan/autoapply/internal/store"
	"github.com/jonathan/autoapply/internal/workflow"
)

// DefaultClaimTTL is how long a dequeue lease keeps a task away from other
// workers before it is claimable again.
const DefaultClaimTTL = 30 * time.Second

// Queue wraps the dequeue claim and the task operations built on it.
type Queue struct {
	engine   *workflow.Engine
	store    store.Store
	clock    store.Clock
	logger   *slog.Logger
	workerID string
	claimTTL time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithWorkerID sets the identity recorded on claimed tasks.
func WithWorkerID(id string) Option {
	return func(q *Queue) { q.workerID = id }
}

// WithClaimTTL sets the dequeue lease duration.
func WithClaimTTL(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.claimTTL = d
		}
	}
}

// New creates a queue that drives transitions through engine.
func New(engine *workflow.Engine, opts ...Option) *Queue {
	q := &Queue{
		engine:   engine,
		store:    engine.Store(),
		clock:    engine.Clock(),
		logger:   engine.Logger(),
		workerID: defaultWorkerID(),
		claimTTL: DefaultClaimTTL,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// WorkerID returns the identity this queue claims tasks under.
func (q *Queue) WorkerID() string {
	return q.workerID
}

// DequeueNext claims the highest-priority, oldest QUEUED task of runID.
// It returns nil when the run has nothing claimable. The task is still
// QUEUED; the caller moves it to RUNNING before working on it.
func (q *Queue) DequeueNext(ctx context.Context, runID uuid.UUID) (*model.Task, error) {
	now := q.clock.Now()
	task, err := q.store.ClaimNextTask(ctx, store.ClaimRequest{
		RunID:     runID,
		WorkerID:  q.workerID,
		Now:       now,
		LeaseTill: now.Add(q.claimTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue from run %s: %w", runID, err)
	}
	if task != nil {
		q.logger.Debug("task claimed", "task_id", task.ID, "run_id", runID,
			"priority", task.Priority, "worker", q.workerID)
	}
	return task, nil
}

// Start claims the next task of runID and moves it to RUNNING. It returns
// nil when nothing is claimable. A claim lost to the recovery sweep or an
// expired lease is skipped and the next task is tried.
func (q *Queue) Start(ctx context.Context, runID uuid.UUID) (*model.Task, error) {
	for {
		claimed, err := q.DequeueNext(ctx, runID)
		if err != nil || claimed == nil {
			return nil, err
		}
		task, err := q.engine.Transition(ctx, claimed.ID, model.StateQueued, model.StateRunning,
			workflow.Metadata{Reason: "dequeued by " + q.workerID})
		if err == nil {
			return task, nil
		}
		if !isStateMismatch(err) {
			return nil, err
		}
		q.logger.Debug("claimed task moved before start", "task_id", claimed.ID, "error", err)
	}
}

// approvedBatch bounds how many approved tasks StartApproved tries per call.
const approvedBatch = 10

// StartApproved moves an APPROVED task of runID back to RUNNING so its
// submission can finish. Approved tasks skip the queue because the session
// behind them has a TTL. The from-state check makes the move a
// compare-and-set: a worker that loses the race skips to the next task.
// It returns nil when the run has no approved tasks.
func (q *Queue) StartApproved(ctx context.Context, runID uuid.UUID) (*model.Task, error) {
	approved, err := q.store.ListTasks(ctx, store.TaskFilter{
		RunID: runID,
		State: model.StateApproved,
		Limit: approvedBatch,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list approved tasks of run %s: %w", runID, err)
	}
	for _, candidate := range approved {
		task, err := q.engine.Transition(ctx, candidate.ID, model.StateApproved, model.StateRunning,
			workflow.Metadata{Reason: "approved, resumed by " + q.workerID})
		if err == nil {
			return task, nil
		}
		if !isStateMismatch(err) {
			return nil, err
		}
	}
	return nil, nil
}

// resumable lists the states a user may push back into the queue.
var resumable = map[model.State]bool{
	model.StateFailed:    true,
	model.StateExpired:   true,
	model.StateNeedsAuth: true,
	model.StateNeedsUser: true,
}

// Resume re-queues a failed, expired or blocked task at boosted priority.
func (q *Queue) Resume(ctx context.Context, taskID uuid.UUID) (*model.Task, error) {
	current, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, &model.NotFoundError{Kind: "task", ID: taskID.String()}
	}
	if !resumable[current.State] {
		return nil, model.NewConflict("task %s cannot be resumed from state %s", taskID, current.State)
	}
	return q.engine.Transition(ctx, taskID, current.State, model.StateQueued,
		workflow.Metadata{Reason: "manual resume"})
}
