package worker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/autoapply/internal/litestore"
	"github.com/jonathan/autoapply/internal/model"
	"github.com/jonathan/autoapply/internal/queue"
	"github.com/jonathan/autoapply/internal/store"
	"github.com/jonathan/autoapply/internal/store/storetest"
	"github.com/jonathan/autoapply/internal/worker"
	"github.com/jonathan/autoapply/internal/workflow"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	store  *litestore.Store
	clock  *store.FixedClock
	engine *workflow.Engine
	queue  *queue.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := storetest.OpenMemory(t)
	clock := store.NewFixedClock(storetest.Epoch.Add(time.Hour))
	engine := workflow.NewEngine(s, workflow.WithClock(clock), workflow.WithLogger(discard))
	return &fixture{
		store:  s,
		clock:  clock,
		engine: engine,
		queue:  queue.New(engine, queue.WithWorkerID("pool-test")),
	}
}

func outcome(state model.State) worker.Applier {
	return worker.ApplierFunc(func(context.Context, *model.Task) (worker.Outcome, error) {
		return worker.Outcome{State: state}, nil
	})
}

func TestRunOnce_RecordsOutcome(t *testing.T) {
	f := newFixture(t)
	run := storetest.SeedRun(t, f.store, uuid.New(), model.RunStatusRunning, storetest.Epoch)
	task := storetest.SeedTask(t, f.store, run.ID)

	var seen *model.Task
	applier := worker.ApplierFunc(func(_ context.Context, task *model.Task) (worker.Outcome, error) {
		seen = task
		return worker.Outcome{State: model.StatePendingApproval}, nil
	})
	pool := worker.NewPool(f.engine, f.queue, applier)

	worked, err := pool.RunOnce(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, worked)
	require.NotNil(t, seen)
	assert.Equal(t, model.StateRunning, seen.State, "applier sees the task in RUNNING")
	assert.Equal(t, 1, seen.AttemptCount)

	assert.Equal(t, model.StatePendingApproval, storetest.MustTask(t, f.store, task.ID).State)
	assert.EqualValues(t, 1, pool.Processed())

	worked, err = pool.RunOnce(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestRunOnce_SkipsQueuedRuns(t *testing.T) {
	f := newFixture(t)
	run := storetest.SeedRun(t, f.store, uuid.New(), model.RunStatusQueued, storetest.Epoch)
	task := storetest.SeedTask(t, f.store, run.ID)
	pool := worker.NewPool(f.engine, f.queue, outcome(model.StateSubmitted))

	worked, err := pool.RunOnce(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, worked)
	assert.Equal(t, model.StateQueued, storetest.MustTask(t, f.store, task.ID).State)
}

func TestRunOnce_ApplierErrorIsRetriedOnce(t *testing.T) {
	f := newFixture(t)
	run := storetest.SeedRun(t, f.store, uuid.New(), model.RunStatusRunning, storetest.Epoch)
	task := storetest.SeedTask(t, f.store, run.ID)
	applier := worker.ApplierFunc(func(context.Context, *model.Task) (worker.Outcome, error) {
		return worker.Outcome{}, errors.New("page did not load")
	})
	pool := worker.NewPool(f.engine, f.queue, applier)

	_, err := pool.RunOnce(context.Background(), 0)
	require.NoError(t, err)
	got := storetest.MustTask(t, f.store, task.ID)
	assert.Equal(t, model.StateQueued, got.State, "first failure is retried")
	assert.Equal(t, model.PriorityResumed, got.Priority)
	require.NotNil(t, got.LastErrorCode)
	assert.Equal(t, worker.ErrCodeApplier, *got.LastErrorCode)

	_, err = pool.RunOnce(context.Background(), 0)
	require.NoError(t, err)
	got = storetest.MustTask(t, f.store, task.ID)
	assert.Equal(t, model.StateFailed, got.State)
	assert.Equal(t, 2, got.AttemptCount)
}

func TestRunOnce_UnreachableOutcomeFails(t *testing.T) {
	f := newFixture(t)
	run := storetest.SeedRun(t, f.store, uuid.New(), model.RunStatusRunning, storetest.Epoch)
	task := storetest.SeedTask(t, f.store, run.ID, storetest.WithAttempts(1))
	pool := worker.NewPool(f.engine, f.queue, outcome(model.StateApproved))

	_, err := pool.RunOnce(context.Background(), 0)
	require.NoError(t, err)
	got := storetest.MustTask(t, f.store, task.ID)
	assert.Equal(t, model.StateFailed, got.State)
	require.NotNil(t, got.LastErrorCode)
	assert.Equal(t, worker.ErrCodeInvalidOutcome, *got.LastErrorCode)
}

func TestRunOnce_SubmittedMarksJob(t *testing.T) {
	f := newFixture(t)
	run := storetest.SeedRun(t, f.store, uuid.New(), model.RunStatusRunning, storetest.Epoch)
	task := storetest.SeedTask(t, f.store, run.ID)
	pool := worker.NewPool(f.engine, f.queue, outcome(model.StateSubmitted))

	_, err := pool.RunOnce(context.Background(), 0)
	require.NoError(t, err)

	job, err := f.store.GetJobPosting(context.Background(), task.JobID)
	require.NoError(t, err)
	assert.True(t, job.HasBeenApplied)
}

type submitter struct {
	applied   []uuid.UUID
	submitted []uuid.UUID
}

func (s *submitter) Apply(_ context.Context, task *model.Task) (worker.Outcome, error) {
	s.applied = append(s.applied, task.ID)
	return worker.Outcome{State: model.StatePendingApproval}, nil
}

func (s *submitter) Submit(_ context.Context, task *model.Task) (worker.Outcome, error) {
	s.submitted = append(s.submitted, task.ID)
	return worker.Outcome{State: model.StateSubmitted}, nil
}

func TestRunOnce_ApprovedTasksGoFirst(t *testing.T) {
	f := newFixture(t)
	run := storetest.SeedRun(t, f.store, uuid.New(), model.RunStatusRunning, storetest.Epoch)
	queued := storetest.SeedTask(t, f.store, run.ID, storetest.WithPriority(model.PriorityApproved))
	approved := storetest.SeedTask(t, f.store, run.ID, storetest.WithState(model.StateApproved), storetest.WithAttempts(1))

	applier := &submitter{}
	pool := worker.NewPool(f.engine, f.queue, applier, worker.WithPoolLogger(discard))

	worked, err := pool.RunOnce(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, []uuid.UUID{approved.ID}, applier.submitted)
	assert.Empty(t, applier.applied)
	assert.Equal(t, model.StateSubmitted, storetest.MustTask(t, f.store, approved.ID).State)

	_, err = pool.RunOnce(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{queued.ID}, applier.applied)
	assert.Equal(t, model.StatePendingApproval, storetest.MustTask(t, f.store, queued.ID).State)
}

func TestRunOnce_ApprovedTaskWithoutSubmitterUsesApply(t *testing.T) {
	f := newFixture(t)
	run := storetest.SeedRun(t, f.store, uuid.New(), model.RunStatusRunning, storetest.Epoch)
	approved := storetest.SeedTask(t, f.store, run.ID, storetest.WithState(model.StateApproved))
	pool := worker.NewPool(f.engine, f.queue, outcome(model.StateSubmitted), worker.WithPoolLogger(discard))

	_, err := pool.RunOnce(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, model.StateSubmitted, storetest.MustTask(t, f.store, approved.ID).State)
}

func TestRunOnce_CancelledApplyLeavesTaskRunning(t *testing.T) {
	f := newFixture(t)
	run := storetest.SeedRun(t, f.store, uuid.New(), model.RunStatusRunning, storetest.Epoch)
	task := storetest.SeedTask(t, f.store, run.ID)

	ctx, cancel := context.WithCancel(context.Background())
	applier := worker.ApplierFunc(func(ctx context.Context, _ *model.Task) (worker.Outcome, error) {
		cancel()
		return worker.Outcome{}, ctx.Err()
	})
	pool := worker.NewPool(f.engine, f.queue, applier)

	_, err := pool.RunOnce(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.StateRunning, storetest.MustTask(t, f.store, task.ID).State)
}

func TestRun_DrainsAllRuns(t *testing.T) {
	f := newFixture(t)
	var want []uuid.UUID
	for i := 0; i < 3; i++ {
		run := storetest.SeedRun(t, f.store, uuid.New(), model.RunStatusRunning, storetest.Epoch.Add(time.Duration(i)*time.Second))
		for j := 0; j < 4; j++ {
			want = append(want, storetest.SeedTask(t, f.store, run.ID).ID)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen = map[uuid.UUID]int{}
	)
	applier := worker.ApplierFunc(func(_ context.Context, task *model.Task) (worker.Outcome, error) {
		mu.Lock()
		defer mu.Unlock()
		seen[task.ID]++
		if len(seen) == len(want) {
			cancel()
		}
		return worker.Outcome{State: model.StateSubmitted}, nil
	})
	pool := worker.NewPool(f.engine, f.queue, applier,
		worker.WithConcurrency(3),
		worker.WithPollInterval(10*time.Millisecond),
		worker.WithPoolLogger(discard),
	)

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("pool did not drain")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, id := range want {
		assert.Equal(t, 1, seen[id], "task %s applied exactly once", id)
	}
}
