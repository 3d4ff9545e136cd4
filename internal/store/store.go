// Package store defines the persistence contract the application engine is
// written against. The Postgres (internal/db) and SQLite (internal/litestore)
// backends both implement it.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/autoapply/internal/model"
)

// ClaimRequest describes a dequeue claim on the next QUEUED task of a run.
type ClaimRequest struct {
	RunID     uuid.UUID
	WorkerID  string
	Now       time.Time
	LeaseTill time.Time
}

// Repository is the set of row operations available both on a store and
// inside one of its transactions.
//
// Lookups return (nil, nil) when the row does not exist.
type Repository interface {
	// Tasks
	GetTask(ctx context.Context, id uuid.UUID) (*model.Task, error)
	CreateTask(ctx context.Context, task *model.Task) (bool, error)
	// UpdateTask writes every mutable column of task, but only if the row's
	// state still equals fromState. It reports whether the row was written.
	UpdateTask(ctx context.Context, task *model.Task, fromState model.State) (bool, error)
	// ClaimNextTask leases the highest-priority, oldest QUEUED task of a run
	// without blocking on rows other claimers hold. Returns nil when none.
	ClaimNextTask(ctx context.Context, req ClaimRequest) (*model.Task, error)
	// ListStuckTasks returns RUNNING tasks that entered RUNNING before cutoff.
	ListStuckTasks(ctx context.Context, cutoff time.Time) ([]model.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error)
	CountTasksByState(ctx context.Context, runID uuid.UUID) (map[model.State]int, error)

	// Runs
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error)
	GetActiveRun(ctx context.Context, userID uuid.UUID) (*model.Run, error)
	// PromoteOldestQueuedRun moves the user's oldest queued run to running,
	// only if no other run of theirs is running, in a single statement.
	PromoteOldestQueuedRun(ctx context.Context, userID uuid.UUID, now time.Time) (*model.Run, error)
	CompleteRun(ctx context.Context, id uuid.UUID, now time.Time) (*model.Run, error)
	// ListRuns lists runs oldest first. uuid.Nil matches every user and an
	// empty status matches every status.
	ListRuns(ctx context.Context, userID uuid.UUID, status string) ([]model.Run, error)
	DeleteRun(ctx context.Context, id uuid.UUID) (bool, error)

	// Approval requests
	CreateApproval(ctx context.Context, approval *model.ApprovalRequest) error
	GetApproval(ctx context.Context, id uuid.UUID) (*model.ApprovalRequest, error)
	GetPendingApprovalForTask(ctx context.Context, taskID uuid.UUID) (*model.ApprovalRequest, error)
	// ResolveApproval moves a pending request to status. It reports false
	// when the request was no longer pending.
	ResolveApproval(ctx context.Context, approval *model.ApprovalRequest) (bool, error)
	ListOverdueApprovals(ctx context.Context, now time.Time) ([]model.ApprovalRequest, error)

	// Job postings
	GetJobPosting(ctx context.Context, id int64) (*model.JobPosting, error)
	MarkJobApplied(ctx context.Context, jobID int64, at time.Time) error
}

// Store is a Repository that can also open transactions.
type Store interface {
	Repository
	// WithTx runs fn inside a transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(Repository) error) error
	Close() error
}

// TaskFilter narrows ListTasks. Zero values are ignored.
type TaskFilter struct {
	RunID  uuid.UUID
	State  model.State
	JobID  int64
	Limit  int
	Offset int
}

// Clock is the source of "now" for TTL and timeout comparisons.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock is a settable clock for tests and replays.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewFixedClock returns a clock frozen at t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{t: t.UTC()}
}

// Now returns the fixed instant.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
