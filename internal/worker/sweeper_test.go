package worker_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/autoapply/internal/model"
	"github.com/jonathan/autoapply/internal/store/storetest"
	"github.com/jonathan/autoapply/internal/worker"
)

type fakeRecoverer struct {
	calls   atomic.Int32
	n       int
	err     error
	timeout time.Duration
	max     int
}

func (f *fakeRecoverer) RecoverStuck(_ context.Context, timeout time.Duration, maxAttempts int) (int, error) {
	f.calls.Add(1)
	f.timeout, f.max = timeout, maxAttempts
	return f.n, f.err
}

type fakeExpirer struct {
	calls atomic.Int32
	n     int
	err   error
}

func (f *fakeExpirer) ExpireOverdue(context.Context) (int, error) {
	f.calls.Add(1)
	return f.n, f.err
}

func TestSweep(t *testing.T) {
	rec := &fakeRecoverer{n: 2}
	exp := &fakeExpirer{n: 1}
	s := worker.NewSweeper(rec, exp, worker.SweeperConfig{StuckTimeout: 15 * time.Minute, MaxAttempts: 3}, discard)

	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, worker.SweepResult{Recovered: 2, Expired: 1}, res)
	assert.Equal(t, 15*time.Minute, rec.timeout)
	assert.Equal(t, 3, rec.max)
}

func TestSweep_RecoveryErrorStillExpires(t *testing.T) {
	rec := &fakeRecoverer{err: errors.New("database is locked")}
	exp := &fakeExpirer{n: 4}
	s := worker.NewSweeper(rec, exp, worker.SweeperConfig{StuckTimeout: time.Minute, MaxAttempts: 1}, discard)

	res, err := s.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recovery")
	assert.Equal(t, 4, res.Expired)
	assert.EqualValues(t, 1, exp.calls.Load())
}

func TestSweep_WithoutExpirer(t *testing.T) {
	s := worker.NewSweeper(&fakeRecoverer{}, nil, worker.SweeperConfig{StuckTimeout: time.Minute, MaxAttempts: 1}, nil)
	_, err := s.Sweep(context.Background())
	assert.NoError(t, err)
}

func TestRun_HoldsHostLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "sweeper.lock")
	cfg := worker.SweeperConfig{
		Interval:     10 * time.Millisecond,
		StuckTimeout: time.Minute,
		MaxAttempts:  3,
		LockPath:     lockPath,
	}
	rec := &fakeRecoverer{}
	first := worker.NewSweeper(rec, &fakeExpirer{}, cfg, discard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- first.Run(ctx) }()

	require.Eventually(t, func() bool { return rec.calls.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)

	second := worker.NewSweeper(&fakeRecoverer{}, nil, cfg, discard)
	assert.ErrorIs(t, second.Run(context.Background()), worker.ErrSweeperRunning)

	cancel()
	require.NoError(t, <-done)

	// The lock is released on shutdown.
	ctx2, cancel2 := context.WithCancel(context.Background())
	cancel2()
	assert.NoError(t, second.Run(ctx2))
}

func TestRun_RejectsNonPositiveInterval(t *testing.T) {
	s := worker.NewSweeper(&fakeRecoverer{}, nil, worker.SweeperConfig{}, discard)
	assert.Error(t, s.Run(context.Background()))
}

func TestSweep_AgainstQueue(t *testing.T) {
	f := newFixture(t)
	run := storetest.SeedRun(t, f.store, uuid.New(), model.RunStatusRunning, storetest.Epoch)
	stale := storetest.SeedTask(t, f.store, run.ID,
		storetest.WithState(model.StateRunning),
		storetest.WithAttempts(1),
		storetest.StartedAt(f.clock.Now().Add(-20*time.Minute)),
	)

	s := worker.NewSweeper(f.queue, nil, worker.SweeperConfig{StuckTimeout: 15 * time.Minute, MaxAttempts: 3}, discard)
	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recovered)
	assert.Equal(t, model.StateQueued, storetest.MustTask(t, f.store, stale.ID).State)
}
