package workflow_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/autoapply/internal/litestore"
	"github.com/jonathan/autoapply/internal/model"
	"github.com/jonathan/autoapply/internal/store"
	"github.com/jonathan/autoapply/internal/store/storetest"
	"github.com/jonathan/autoapply/internal/workflow"
)

type fixture struct {
	store  *litestore.Store
	clock  *store.FixedClock
	engine *workflow.Engine
	run    *model.Run
}

func newFixture(t *testing.T, opts ...workflow.Option) *fixture {
	t.Helper()
	s := storetest.OpenMemory(t)
	clock := store.NewFixedClock(storetest.Epoch.Add(time.Hour))
	opts = append([]workflow.Option{
		workflow.WithClock(clock),
		workflow.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return &fixture{
		store:  s,
		clock:  clock,
		engine: workflow.NewEngine(s, opts...),
		run:    storetest.SeedRun(t, s, uuid.New(), model.RunStatusRunning, storetest.Epoch),
	}
}

func (f *fixture) task(t *testing.T, opts ...storetest.TaskOption) *model.Task {
	t.Helper()
	return storetest.SeedTask(t, f.store, f.run.ID, opts...)
}

func TestTransition_InvalidPairsLeaveStateUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, from := range model.AllStates {
		for _, to := range model.AllStates {
			if workflow.CanTransition(from, to) {
				continue
			}
			task := f.task(t, storetest.WithState(from))

			_, err := f.engine.Transition(ctx, task.ID, model.AnyState, to, workflow.Metadata{})
			var invalid *workflow.InvalidTransitionError
			require.True(t, errors.As(err, &invalid), "%s -> %s: got %v", from, to, err)
			assert.Equal(t, from, invalid.From)
			assert.Equal(t, to, invalid.To)

			got := storetest.MustTask(t, f.store, task.ID)
			assert.Equal(t, from, got.State, "%s -> %s changed state", from, to)
		}
	}
}

func TestTransition_EnterRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t)

	got, err := f.engine.Transition(ctx, task.ID, model.StateQueued, model.StateRunning, workflow.Metadata{})
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, got.State)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.StartedAt)
	firstStart := *got.StartedAt
	assert.True(t, f.clock.Now().Equal(firstStart))

	// Back to the queue through recovery, then run again.
	f.clock.Advance(time.Minute)
	_, err = f.engine.Transition(ctx, task.ID, model.StateRunning, model.StateQueued, workflow.Metadata{})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	got, err = f.engine.Transition(ctx, task.ID, model.StateQueued, model.StateRunning, workflow.Metadata{})
	require.NoError(t, err)

	assert.Equal(t, 2, got.AttemptCount)
	require.NotNil(t, got.StartedAt)
	assert.True(t, firstStart.Equal(*got.StartedAt), "started_at is set on first entry only")
	assert.True(t, f.clock.Now().Equal(got.LastStateChangeAt))

	persisted := storetest.MustTask(t, f.store, task.ID)
	assert.Equal(t, got.AttemptCount, persisted.AttemptCount)
	assert.Equal(t, model.StateRunning, persisted.State)
}

func TestTransition_AutoRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	meta := workflow.Metadata{ErrorCode: "FORM_TIMEOUT", ErrorMessage: "form did not load"}

	first := f.task(t, storetest.WithState(model.StateRunning), storetest.WithAttempts(1))
	got, err := f.engine.Transition(ctx, first.ID, model.StateRunning, model.StateFailed, meta)
	require.NoError(t, err)
	assert.Equal(t, model.StateQueued, got.State)
	assert.Equal(t, model.PriorityResumed, got.Priority)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.LastErrorCode)
	assert.Equal(t, "FORM_TIMEOUT", *got.LastErrorCode)
	assert.True(t, f.clock.Now().Equal(got.QueuedAt))

	second := f.task(t, storetest.WithState(model.StateRunning), storetest.WithAttempts(2))
	got, err = f.engine.Transition(ctx, second.ID, model.StateRunning, model.StateFailed, meta)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, got.State)
	assert.Equal(t, model.PriorityNormal, got.Priority)
	require.NotNil(t, got.LastErrorMessage)
	assert.Equal(t, "form did not load", *got.LastErrorMessage)
}

func TestTransition_NoRetryBypassesRedirect(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, storetest.WithState(model.StateRunning), storetest.WithAttempts(1))

	got, err := f.engine.Transition(context.Background(), task.ID, model.StateRunning, model.StateFailed,
		workflow.Metadata{NoRetry: true})
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, got.State)
}

func TestTransition_WithRetryPolicy(t *testing.T) {
	f := newFixture(t, workflow.WithRetryPolicy(workflow.RetryPolicy{Threshold: 3, Priority: 75}))
	task := f.task(t, storetest.WithState(model.StateRunning), storetest.WithAttempts(2))

	got, err := f.engine.Transition(context.Background(), task.ID, model.StateRunning, model.StateFailed, workflow.Metadata{})
	require.NoError(t, err)
	assert.Equal(t, model.StateQueued, got.State)
	assert.Equal(t, 75, got.Priority)
}

func TestTransition_SubmittedMarksJobApplied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	submitted := f.task(t, storetest.WithState(model.StateRunning))
	_, err := f.engine.Transition(ctx, submitted.ID, model.StateRunning, model.StateSubmitted, workflow.Metadata{})
	require.NoError(t, err)

	job, err := f.store.GetJobPosting(ctx, submitted.JobID)
	require.NoError(t, err)
	assert.True(t, job.HasBeenApplied)
	require.NotNil(t, job.LastAppliedAt)
	assert.True(t, f.clock.Now().Equal(*job.LastAppliedAt))

	for _, to := range []model.State{model.StateExpired, model.StateFailed} {
		task := f.task(t, storetest.WithState(model.StateRunning), storetest.WithAttempts(2))
		_, err := f.engine.Transition(ctx, task.ID, model.StateRunning, to, workflow.Metadata{})
		require.NoError(t, err)

		job, err := f.store.GetJobPosting(ctx, task.JobID)
		require.NoError(t, err)
		assert.False(t, job.HasBeenApplied, "%s must not mark the job applied", to)
	}

	rejected := f.task(t, storetest.WithState(model.StatePendingApproval))
	_, err = f.engine.Transition(ctx, rejected.ID, model.StatePendingApproval, model.StateRejected, workflow.Metadata{})
	require.NoError(t, err)
	job, err = f.store.GetJobPosting(ctx, rejected.JobID)
	require.NoError(t, err)
	assert.False(t, job.HasBeenApplied)
}

func TestTransition_PriorityBoosts(t *testing.T) {
	tests := []struct {
		from, to model.State
		want     int
	}{
		{model.StateNeedsAuth, model.StateQueued, model.PriorityResumed},
		{model.StateNeedsUser, model.StateQueued, model.PriorityResumed},
		{model.StateFailed, model.StateQueued, model.PriorityResumed},
		{model.StateExpired, model.StateQueued, model.PriorityResumed},
		{model.StateApproved, model.StateRunning, model.PriorityApproved},
		{model.StateRunning, model.StateQueued, model.PriorityNormal},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			f := newFixture(t)
			task := f.task(t, storetest.WithState(tt.from))

			got, err := f.engine.Transition(context.Background(), task.ID, tt.from, tt.to, workflow.Metadata{})
			require.NoError(t, err)
			assert.Equal(t, tt.to, got.State)
			assert.Equal(t, tt.want, got.Priority)
		})
	}
}

func TestTransition_StateMismatch(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, storetest.WithState(model.StateQueued))

	_, err := f.engine.Transition(context.Background(), task.ID, model.StateRunning, model.StateFailed, workflow.Metadata{})
	var mismatch *workflow.StateMismatchError
	require.True(t, errors.As(err, &mismatch), "got %v", err)
	assert.Equal(t, model.StateRunning, mismatch.Expected)
	assert.Equal(t, model.StateQueued, mismatch.Actual)
	assert.Contains(t, err.Error(), "is in state QUEUED, expected RUNNING")

	var invalid *workflow.InvalidTransitionError
	assert.False(t, errors.As(err, &invalid), "mismatch is distinct from an invalid transition")
	assert.Equal(t, model.StateQueued, storetest.MustTask(t, f.store, task.ID).State)
}

func TestTransition_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Transition(context.Background(), uuid.New(), model.AnyState, model.StateRunning, workflow.Metadata{})
	var nf *model.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestTransition_EffectErrorRollsBack(t *testing.T) {
	boom := errors.New("boom")
	f := newFixture(t, workflow.WithEffect(model.StateQueued, model.StateRunning,
		func(_ context.Context, _ store.Repository, c *workflow.Change) error {
			return boom
		}))
	task := f.task(t)

	_, err := f.engine.Transition(context.Background(), task.ID, model.StateQueued, model.StateRunning, workflow.Metadata{})
	assert.ErrorIs(t, err, boom)

	got := storetest.MustTask(t, f.store, task.ID)
	assert.Equal(t, model.StateQueued, got.State)
	assert.Equal(t, 0, got.AttemptCount)
}

func TestTransition_RedirectOffGraphIsRejected(t *testing.T) {
	f := newFixture(t, workflow.WithRedirect(model.StateNeedsUser, model.StateQueued,
		func(c *workflow.Change) { c.To = model.StateSubmitted }))
	task := f.task(t, storetest.WithState(model.StateNeedsUser))

	_, err := f.engine.Transition(context.Background(), task.ID, model.StateNeedsUser, model.StateQueued, workflow.Metadata{})
	var invalid *workflow.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, model.StateSubmitted, invalid.To)
	assert.Equal(t, model.StateNeedsUser, storetest.MustTask(t, f.store, task.ID).State)
}

func TestApply_InsideCallerTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.task(t)
	b := f.task(t)

	boom := errors.New("second failed")
	err := f.store.WithTx(ctx, func(repo store.Repository) error {
		if _, err := f.engine.Apply(ctx, repo, a.ID, model.StateQueued, model.StateRunning, workflow.Metadata{}); err != nil {
			return err
		}
		if _, err := f.engine.Apply(ctx, repo, b.ID, model.StateQueued, model.StateRunning, workflow.Metadata{}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, model.StateQueued, storetest.MustTask(t, f.store, a.ID).State)
	assert.Equal(t, model.StateQueued, storetest.MustTask(t, f.store, b.ID).State)
}
