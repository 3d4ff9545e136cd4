package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/autoapply/internal/model"
	"github.com/jonathan/autoapply/internal/store"
)

// RunContract exercises the Repository behavior every backend must share.
// open must return an empty store.
func RunContract(t *testing.T, open func(t *testing.T) SeedableStore) {
	t.Run("GetMissingReturnsNil", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		task, err := s.GetTask(ctx, uuid.New())
		require.NoError(t, err)
		assert.Nil(t, task)

		run, err := s.GetRun(ctx, uuid.New())
		require.NoError(t, err)
		assert.Nil(t, run)

		job, err := s.GetJobPosting(ctx, 987654)
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("TaskRoundTrip", func(t *testing.T) {
		s := open(t)
		run := SeedRun(t, s, uuid.New(), model.RunStatusRunning, Epoch)
		want := SeedTask(t, s, run.ID, WithPriority(model.PriorityResumed), WithAttempts(1),
			StartedAt(Epoch.Add(time.Minute)))

		got := MustTask(t, s, want.ID)
		assert.Equal(t, want.RunID, got.RunID)
		assert.Equal(t, want.JobID, got.JobID)
		assert.Equal(t, model.StateQueued, got.State)
		assert.Equal(t, model.PriorityResumed, got.Priority)
		assert.Equal(t, 1, got.AttemptCount)
		assert.True(t, want.QueuedAt.Equal(got.QueuedAt))
		require.NotNil(t, got.StartedAt)
		assert.True(t, want.StartedAt.Equal(*got.StartedAt))
		assert.Nil(t, got.LastErrorCode)
		assert.Nil(t, got.ClaimedBy)
	})

	t.Run("DuplicateTaskForJobIsSkipped", func(t *testing.T) {
		s := open(t)
		run := SeedRun(t, s, uuid.New(), model.RunStatusQueued, Epoch)
		first := SeedTask(t, s, run.ID)

		dup := first.Clone()
		dup.ID = uuid.New()
		created, err := s.CreateTask(context.Background(), dup)
		require.NoError(t, err)
		assert.False(t, created)
	})

	t.Run("UpdateTaskIsConditional", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		run := SeedRun(t, s, uuid.New(), model.RunStatusRunning, Epoch)
		task := SeedTask(t, s, run.ID)

		next := task.Clone()
		next.State = model.StateRunning
		code := "X"
		next.LastErrorCode = &code

		written, err := s.UpdateTask(ctx, next, model.StateFailed)
		require.NoError(t, err)
		assert.False(t, written, "stale expected state must not write")
		assert.Equal(t, model.StateQueued, MustTask(t, s, task.ID).State)

		written, err = s.UpdateTask(ctx, next, model.StateQueued)
		require.NoError(t, err)
		assert.True(t, written)
		got := MustTask(t, s, task.ID)
		assert.Equal(t, model.StateRunning, got.State)
		require.NotNil(t, got.LastErrorCode)
		assert.Equal(t, "X", *got.LastErrorCode)
	})

	t.Run("ClaimOrdersByPriorityThenQueueTime", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		run := SeedRun(t, s, uuid.New(), model.RunStatusRunning, Epoch)
		normalOld := SeedTask(t, s, run.ID, QueuedAt(Epoch))
		normalNew := SeedTask(t, s, run.ID, QueuedAt(Epoch.Add(time.Second)))
		approved := SeedTask(t, s, run.ID, WithPriority(model.PriorityApproved), QueuedAt(Epoch.Add(time.Hour)))
		resumed := SeedTask(t, s, run.ID, WithPriority(model.PriorityResumed), QueuedAt(Epoch.Add(time.Minute)))
		other := SeedRun(t, s, uuid.New(), model.RunStatusRunning, Epoch)
		SeedTask(t, s, other.ID, WithPriority(1000))

		now := Epoch.Add(2 * time.Hour)
		var order []uuid.UUID
		for i := 0; i < 4; i++ {
			got, err := s.ClaimNextTask(ctx, store.ClaimRequest{
				RunID: run.ID, WorkerID: "w1", Now: now, LeaseTill: now.Add(time.Minute),
			})
			require.NoError(t, err)
			require.NotNil(t, got)
			require.NotNil(t, got.ClaimedBy)
			assert.Equal(t, "w1", *got.ClaimedBy)
			assert.Equal(t, model.StateQueued, got.State)
			order = append(order, got.ID)
		}
		assert.Equal(t, []uuid.UUID{approved.ID, resumed.ID, normalOld.ID, normalNew.ID}, order)

		got, err := s.ClaimNextTask(ctx, store.ClaimRequest{
			RunID: run.ID, WorkerID: "w1", Now: now, LeaseTill: now.Add(time.Minute),
		})
		require.NoError(t, err)
		assert.Nil(t, got, "all leased")

		later := now.Add(2 * time.Minute)
		got, err = s.ClaimNextTask(ctx, store.ClaimRequest{
			RunID: run.ID, WorkerID: "w2", Now: later, LeaseTill: later.Add(time.Minute),
		})
		require.NoError(t, err)
		require.NotNil(t, got, "expired lease is claimable again")
		assert.Equal(t, approved.ID, got.ID)
	})

	t.Run("ConcurrentClaimsAreDistinct", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		run := SeedRun(t, s, uuid.New(), model.RunStatusRunning, Epoch)
		const n = 12
		for i := 0; i < n; i++ {
			SeedTask(t, s, run.ID, QueuedAt(Epoch.Add(time.Duration(i)*time.Second)))
		}

		var (
			mu   sync.Mutex
			seen = make(map[uuid.UUID]int)
			wg   sync.WaitGroup
		)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					got, err := s.ClaimNextTask(ctx, store.ClaimRequest{
						RunID: run.ID, WorkerID: uuid.NewString(), Now: Epoch, LeaseTill: Epoch.Add(time.Hour),
					})
					if err != nil {
						t.Errorf("claim: %v", err)
						return
					}
					if got == nil {
						return
					}
					mu.Lock()
					seen[got.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, n)
		for id, count := range seen {
			assert.Equal(t, 1, count, "task %s claimed more than once", id)
		}
	})

	t.Run("ListStuckTasks", func(t *testing.T) {
		s := open(t)
		run := SeedRun(t, s, uuid.New(), model.RunStatusRunning, Epoch)
		stuck := SeedTask(t, s, run.ID, WithState(model.StateRunning), StartedAt(Epoch))
		SeedTask(t, s, run.ID, WithState(model.StateRunning), StartedAt(Epoch.Add(time.Hour)))
		SeedTask(t, s, run.ID, WithState(model.StateQueued), StartedAt(Epoch))

		got, err := s.ListStuckTasks(context.Background(), Epoch.Add(30*time.Minute))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, stuck.ID, got[0].ID)
	})

	t.Run("ListAndCountTasks", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		run := SeedRun(t, s, uuid.New(), model.RunStatusRunning, Epoch)
		SeedTask(t, s, run.ID)
		SeedTask(t, s, run.ID)
		failed := SeedTask(t, s, run.ID, WithState(model.StateFailed))

		all, err := s.ListTasks(ctx, store.TaskFilter{RunID: run.ID})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		onlyFailed, err := s.ListTasks(ctx, store.TaskFilter{RunID: run.ID, State: model.StateFailed})
		require.NoError(t, err)
		require.Len(t, onlyFailed, 1)
		assert.Equal(t, failed.ID, onlyFailed[0].ID)

		page, err := s.ListTasks(ctx, store.TaskFilter{RunID: run.ID, Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Len(t, page, 2)

		counts, err := s.CountTasksByState(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, map[model.State]int{model.StateQueued: 2, model.StateFailed: 1}, counts)
	})

	t.Run("OneRunningRunPerUser", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		user := uuid.New()
		SeedRun(t, s, user, model.RunStatusRunning, Epoch)

		err := s.CreateRun(ctx, &model.Run{
			ID: uuid.New(), UserID: user, Name: "second", Status: model.RunStatusRunning,
			CreatedAt: Epoch, UpdatedAt: Epoch,
		})
		var conflict *model.ConflictError
		assert.True(t, errors.As(err, &conflict), "got %v", err)

		SeedRun(t, s, uuid.New(), model.RunStatusRunning, Epoch)
	})

	t.Run("PromoteOldestQueuedRun", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		user := uuid.New()
		older := SeedRun(t, s, user, model.RunStatusQueued, Epoch)
		SeedRun(t, s, user, model.RunStatusQueued, Epoch.Add(time.Minute))

		promoted, err := s.PromoteOldestQueuedRun(ctx, user, Epoch.Add(time.Hour))
		require.NoError(t, err)
		require.NotNil(t, promoted)
		assert.Equal(t, older.ID, promoted.ID)
		assert.Equal(t, model.RunStatusRunning, promoted.Status)
		require.NotNil(t, promoted.StartedAt)

		again, err := s.PromoteOldestQueuedRun(ctx, user, Epoch.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Nil(t, again, "a run is already running")

		active, err := s.GetActiveRun(ctx, user)
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, older.ID, active.ID)

		completed, err := s.CompleteRun(ctx, older.ID, Epoch.Add(3*time.Hour))
		require.NoError(t, err)
		require.NotNil(t, completed)
		assert.Equal(t, model.RunStatusCompleted, completed.Status)

		queued, err := s.ListRuns(ctx, user, model.RunStatusQueued)
		require.NoError(t, err)
		assert.Len(t, queued, 1)

		all, err := s.ListRuns(ctx, user, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		other := SeedRun(t, s, uuid.New(), model.RunStatusRunning, Epoch.Add(4*time.Hour))
		running, err := s.ListRuns(ctx, uuid.Nil, model.RunStatusRunning)
		require.NoError(t, err)
		require.Len(t, running, 1, "uuid.Nil spans users")
		assert.Equal(t, other.ID, running[0].ID)
	})

	t.Run("ConcurrentPromotionsAdmitOneRun", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		user := uuid.New()
		oldest := SeedRun(t, s, user, model.RunStatusQueued, Epoch)
		for i := 1; i < 4; i++ {
			SeedRun(t, s, user, model.RunStatusQueued, Epoch.Add(time.Duration(i)*time.Minute))
		}

		var (
			mu       sync.Mutex
			promoted []uuid.UUID
			wg       sync.WaitGroup
		)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r, err := s.PromoteOldestQueuedRun(ctx, user, Epoch.Add(time.Hour))
				if err != nil {
					var conflict *model.ConflictError
					if !errors.As(err, &conflict) {
						t.Errorf("promote: %v", err)
					}
					return
				}
				if r != nil {
					mu.Lock()
					promoted = append(promoted, r.ID)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		require.Len(t, promoted, 1)
		assert.Equal(t, oldest.ID, promoted[0], "the oldest queued run wins")

		running, err := s.ListRuns(ctx, user, model.RunStatusRunning)
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, oldest.ID, running[0].ID)

		queued, err := s.ListRuns(ctx, user, model.RunStatusQueued)
		require.NoError(t, err)
		assert.Len(t, queued, 3)
	})

	t.Run("DeleteRunCascades", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		run := SeedRun(t, s, uuid.New(), model.RunStatusQueued, Epoch)
		task := SeedTask(t, s, run.ID)

		deleted, err := s.DeleteRun(ctx, run.ID)
		require.NoError(t, err)
		assert.True(t, deleted)

		gone, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Nil(t, gone)

		deleted, err = s.DeleteRun(ctx, run.ID)
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("ApprovalLifecycle", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		run := SeedRun(t, s, uuid.New(), model.RunStatusRunning, Epoch)
		task := SeedTask(t, s, run.ID, WithState(model.StatePendingApproval))

		a := &model.ApprovalRequest{
			ID:        uuid.New(),
			TaskID:    task.ID,
			FormData:  []byte(`[{"label":"Name","value":"Ada","field_type":"text"}]`),
			Status:    model.ApprovalPending,
			Channel:   "email",
			TokenHash: "hash",
			CreatedAt: Epoch,
			ExpiresAt: Epoch.Add(model.DefaultApprovalTTL),
		}
		require.NoError(t, s.CreateApproval(ctx, a))

		dup := *a
		dup.ID = uuid.New()
		var conflict *model.ConflictError
		assert.True(t, errors.As(s.CreateApproval(ctx, &dup), &conflict))

		pending, err := s.GetPendingApprovalForTask(ctx, task.ID)
		require.NoError(t, err)
		require.NotNil(t, pending)
		assert.Equal(t, a.ID, pending.ID)
		assert.Equal(t, "hash", pending.TokenHash)
		assert.JSONEq(t, string(a.FormData), string(pending.FormData))

		overdue, err := s.ListOverdueApprovals(ctx, Epoch.Add(time.Hour))
		require.NoError(t, err)
		assert.Len(t, overdue, 1)

		resolvedAt := Epoch.Add(time.Minute)
		a.Status = model.ApprovalApproved
		a.ApprovedAt = &resolvedAt
		a.ResolvedAt = &resolvedAt
		ok, err := s.ResolveApproval(ctx, a)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.ResolveApproval(ctx, a)
		require.NoError(t, err)
		assert.False(t, ok, "already resolved")

		pending, err = s.GetPendingApprovalForTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Nil(t, pending)

		fresh := *a
		fresh.ID = uuid.New()
		fresh.Status = model.ApprovalPending
		fresh.ApprovedAt = nil
		fresh.ResolvedAt = nil
		assert.NoError(t, s.CreateApproval(ctx, &fresh), "a resolved request does not block a new one")
	})

	t.Run("MarkJobApplied", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		jobID := SeedJob(t, s)

		require.NoError(t, s.MarkJobApplied(ctx, jobID, Epoch))
		job, err := s.GetJobPosting(ctx, jobID)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.True(t, job.HasBeenApplied)
		require.NotNil(t, job.LastAppliedAt)
		assert.True(t, Epoch.Equal(*job.LastAppliedAt))

		var nf *model.NotFoundError
		assert.True(t, errors.As(s.MarkJobApplied(ctx, 987654, Epoch), &nf))
	})

	t.Run("WithTxRollsBack", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		run := SeedRun(t, s, uuid.New(), model.RunStatusRunning, Epoch)
		task := SeedTask(t, s, run.ID)

		boom := errors.New("boom")
		err := s.WithTx(ctx, func(repo store.Repository) error {
			next := task.Clone()
			next.State = model.StateRunning
			if _, err := repo.UpdateTask(ctx, next, model.StateQueued); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, model.StateQueued, MustTask(t, s, task.ID).State)
	})
}
