// Package runs enforces the one-active-run-per-user rule and manages the
// lifecycle of runs and the tasks they contain.
package runs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/jonathan/autoapply/internal/model"
	"github.com/jonathan/autoapply/internal/store"
)

// Orchestrator creates, starts and completes runs.
type Orchestrator struct {
	store  store.Store
	clock  store.Clock
	logger *slog.Logger
}

// StartNextError reports that a run was completed but the next queued run
// could not be started. The completion itself is committed.
type StartNextError struct {
	Completed *model.Run
	Err       error
}

func (e *StartNextError) Error() string {
	return fmt.Sprintf("run %s completed; failed to start next run: %v", e.Completed.ID, e.Err)
}

func (e *StartNextError) Unwrap() error {
	return e.Err
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the orchestrator's clock.
func WithClock(c store.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLogger sets the orchestrator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator over s.
func New(s store.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:  s,
		clock:  store.SystemClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Create inserts a queued run for userID.
func (o *Orchestrator) Create(ctx context.Context, userID uuid.UUID, name string, description *string) (*model.Run, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &model.InvalidInputError{Field: "name", Message: "must not be blank"}
	}
	now := o.clock.Now()
	r := &model.Run{
		ID:          uuid.New(),
		UserID:      userID,
		Name:        name,
		Description: description,
		Status:      model.RunStatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.CreateRun(ctx, r); err != nil {
		return nil, err
	}
	o.logger.Info("run created", "run_id", r.ID, "user_id", userID)
	return r, nil
}

// Get returns a run by ID.
func (o *Orchestrator) Get(ctx context.Context, runID uuid.UUID) (*model.Run, error) {
	r, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, &model.NotFoundError{Kind: "run", ID: runID.String()}
	}
	return r, nil
}

// AddJobs queues one task per job posting in the run. Jobs already in the
// run are skipped. It returns the tasks created.
func (o *Orchestrator) AddJobs(ctx context.Context, runID uuid.UUID, jobIDs []int64) ([]model.Task, error) {
	var created []model.Task
	err := o.store.WithTx(ctx, func(repo store.Repository) error {
		created = created[:0]
		r, err := repo.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if r == nil {
			return &model.NotFoundError{Kind: "run", ID: runID.String()}
		}
		if r.Status == model.RunStatusCompleted {
			return model.NewConflict("run %s is already completed", runID)
		}

		now := o.clock.Now()
		seen := make(map[int64]bool, len(jobIDs))
		for _, jobID := range jobIDs {
			if seen[jobID] {
				continue
			}
			seen[jobID] = true

			job, err := repo.GetJobPosting(ctx, jobID)
			if err != nil {
				return err
			}
			if job == nil {
				return &model.NotFoundError{Kind: "job posting", ID: fmt.Sprint(jobID)}
			}

			t := model.Task{
				ID:                uuid.New(),
				RunID:             runID,
				JobID:             jobID,
				State:             model.StateQueued,
				Priority:          model.PriorityNormal,
				QueuedAt:          now,
				LastStateChangeAt: now,
				CreatedAt:         now,
			}
			ok, err := repo.CreateTask(ctx, &t)
			if err != nil {
				return err
			}
			if ok {
				created = append(created, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("jobs added to run", "run_id", runID, "requested", len(jobIDs), "created", len(created))
	return created, nil
}

// StartNext promotes the user's oldest queued run to running. It fails with
// a conflict when a run is already active and returns nil when nothing is
// queued.
func (o *Orchestrator) StartNext(ctx context.Context, userID uuid.UUID) (*model.Run, error) {
	active, err := o.store.GetActiveRun(ctx, userID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, model.NewConflict("run %s is already running for user %s", active.ID, userID)
	}

	r, err := o.store.PromoteOldestQueuedRun(ctx, userID, o.clock.Now())
	if err != nil {
		return nil, err
	}
	if r == nil {
		queued, err := o.store.ListRuns(ctx, userID, model.RunStatusQueued)
		if err != nil {
			return nil, err
		}
		if len(queued) > 0 {
			// Another caller started a run between our check and the update.
			return nil, model.NewConflict("another run was started concurrently for user %s", userID)
		}
		return nil, nil
	}

	o.logger.Info("run started", "run_id", r.ID, "user_id", userID)
	return r, nil
}

// Complete marks a run completed. With autoStartNext it then starts the
// user's next queued run and returns it. A failure to start the next run
// is returned as a *StartNextError; the run stays completed.
func (o *Orchestrator) Complete(ctx context.Context, runID uuid.UUID, autoStartNext bool) (*model.Run, error) {
	r, err := o.store.CompleteRun(ctx, runID, o.clock.Now())
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, &model.NotFoundError{Kind: "run", ID: runID.String()}
	}
	o.logger.Info("run completed", "run_id", r.ID, "user_id", r.UserID)

	if !autoStartNext {
		return nil, nil
	}
	next, err := o.StartNext(ctx, r.UserID)
	if err != nil {
		return nil, &StartNextError{Completed: r, Err: err}
	}
	return next, nil
}

// Active returns the user's running run, or nil.
func (o *Orchestrator) Active(ctx context.Context, userID uuid.UUID) (*model.Run, error) {
	return o.store.GetActiveRun(ctx, userID)
}

// ListQueued returns the user's queued runs, oldest first.
func (o *Orchestrator) ListQueued(ctx context.Context, userID uuid.UUID) ([]model.Run, error) {
	return o.store.ListRuns(ctx, userID, model.RunStatusQueued)
}

// List returns the user's runs in any status.
func (o *Orchestrator) List(ctx context.Context, userID uuid.UUID) ([]model.Run, error) {
	return o.store.ListRuns(ctx, userID, "")
}

// Summary returns a run with its task counts by state.
func (o *Orchestrator) Summary(ctx context.Context, runID uuid.UUID) (*model.RunSummary, error) {
	r, err := o.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	counts, err := o.store.CountTasksByState(ctx, runID)
	if err != nil {
		return nil, err
	}
	s := &model.RunSummary{Run: *r, Counts: make(map[model.State]int, len(model.AllStates))}
	for _, st := range model.AllStates {
		s.Counts[st] = counts[st]
		s.TotalTasks += counts[st]
	}
	return s, nil
}

// Tasks lists a run's tasks, optionally filtered by state.
func (o *Orchestrator) Tasks(ctx context.Context, runID uuid.UUID, state model.State, limit, offset int) ([]model.Task, error) {
	if _, err := o.Get(ctx, runID); err != nil {
		return nil, err
	}
	return o.store.ListTasks(ctx, store.TaskFilter{RunID: runID, State: state, Limit: limit, Offset: offset})
}

// Delete removes a run and, by cascade, its tasks and approval requests.
func (o *Orchestrator) Delete(ctx context.Context, runID uuid.UUID) error {
	ok, err := o.store.DeleteRun(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		return &model.NotFoundError{Kind: "run", ID: runID.String()}
	}
	o.logger.Info("run deleted", "run_id", runID)
	return nil
}
