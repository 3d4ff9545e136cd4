// Package storetest holds fixtures and a contract suite shared by the store
// backends and the packages built on them.
package storetest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/autoapply/internal/litestore"
	"github.com/jonathan/autoapply/internal/model"
	"github.com/jonathan/autoapply/internal/store"
)

// SeedableStore is a store that can also insert job postings.
type SeedableStore interface {
	store.Store
	UpsertJobPosting(ctx context.Context, j *model.JobPosting) error
}

// Epoch is the fixed instant fixtures are stamped relative to.
var Epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

var jobSeq atomic.Int64

// OpenMemory opens a private in-memory SQLite store closed at test cleanup.
func OpenMemory(t *testing.T) *litestore.Store {
	t.Helper()
	s, err := litestore.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// SeedJob inserts an active job posting with a unique URL.
func SeedJob(t *testing.T, s SeedableStore) int64 {
	t.Helper()
	j := &model.JobPosting{
		ApplyURL:    fmt.Sprintf("https://jobs.test.example.com/%s/%d", uuid.NewString(), jobSeq.Add(1)),
		IsActive:    true,
		FirstSeenAt: Epoch,
	}
	require.NoError(t, s.UpsertJobPosting(context.Background(), j))
	return j.ID
}

// SeedRun inserts a run for userID in the given status.
func SeedRun(t *testing.T, s store.Repository, userID uuid.UUID, status string, createdAt time.Time) *model.Run {
	t.Helper()
	r := &model.Run{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      "run " + createdAt.Format(time.RFC3339Nano),
		Status:    status,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	if status == model.RunStatusRunning {
		started := createdAt
		r.StartedAt = &started
	}
	require.NoError(t, s.CreateRun(context.Background(), r))
	return r
}

// TaskOption adjusts a fixture task before it is inserted.
type TaskOption func(*model.Task)

// WithState sets the fixture task's state.
func WithState(st model.State) TaskOption {
	return func(t *model.Task) { t.State = st }
}

// WithPriority sets the fixture task's priority.
func WithPriority(p int) TaskOption {
	return func(t *model.Task) { t.Priority = p }
}

// WithAttempts sets the fixture task's attempt count.
func WithAttempts(n int) TaskOption {
	return func(t *model.Task) { t.AttemptCount = n }
}

// QueuedAt sets the fixture task's queue entry time.
func QueuedAt(at time.Time) TaskOption {
	return func(t *model.Task) { t.QueuedAt = at }
}

// StartedAt marks the fixture task as having entered RUNNING at at.
func StartedAt(at time.Time) TaskOption {
	return func(t *model.Task) {
		started := at
		t.StartedAt = &started
		t.LastStateChangeAt = at
	}
}

// SeedTask inserts a task for a fresh job in runID.
func SeedTask(t *testing.T, s SeedableStore, runID uuid.UUID, opts ...TaskOption) *model.Task {
	t.Helper()
	task := &model.Task{
		ID:                uuid.New(),
		RunID:             runID,
		JobID:             SeedJob(t, s),
		State:             model.StateQueued,
		Priority:          model.PriorityNormal,
		QueuedAt:          Epoch,
		LastStateChangeAt: Epoch,
		CreatedAt:         Epoch,
	}
	for _, opt := range opts {
		opt(task)
	}
	created, err := s.CreateTask(context.Background(), task)
	require.NoError(t, err)
	require.True(t, created)
	return task
}

// MustTask reloads a task and fails the test if it is gone.
func MustTask(t *testing.T, s store.Repository, id uuid.UUID) *model.Task {
	t.Helper()
	task, err := s.GetTask(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, task, "task %s", id)
	return task
}
