package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/flock"
)

// ErrSweeperRunning is returned when another sweeper on this host holds
// the lock.
var ErrSweeperRunning = errors.New("another sweeper is already running on this host")

// Recoverer reclaims tasks stuck in RUNNING. *queue.Queue satisfies it.
type Recoverer interface {
	RecoverStuck(ctx context.Context, timeout time.Duration, maxAttempts int) (int, error)
}

// Expirer expires overdue approval requests. *approval.Gate satisfies it.
type Expirer interface {
	ExpireOverdue(ctx context.Context) (int, error)
}

// SweeperConfig holds sweep timing.
type SweeperConfig struct {
	Interval     time.Duration
	StuckTimeout time.Duration
	MaxAttempts  int
	LockPath     string
}

// Sweeper periodically recovers stuck tasks and expires overdue approvals.
type Sweeper struct {
	recoverer Recoverer
	expirer   Expirer
	cfg       SweeperConfig
	lock      *flock.Flock
	logger    *slog.Logger
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	Recovered int
	Expired   int
}

// NewSweeper creates a sweeper. expirer may be nil to skip approval expiry.
func NewSweeper(recoverer Recoverer, expirer Expirer, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		recoverer: recoverer,
		expirer:   expirer,
		cfg:       cfg,
		logger:    logger,
	}
	if cfg.LockPath != "" {
		s.lock = flock.New(cfg.LockPath)
	}
	return s
}

// Sweep runs one recovery pass followed by one expiry pass. Both passes run
// even if the first fails.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var (
		res  SweepResult
		errs []error
	)

	n, err := s.recoverer.RecoverStuck(ctx, s.cfg.StuckTimeout, s.cfg.MaxAttempts)
	res.Recovered = n
	if err != nil {
		errs = append(errs, fmt.Errorf("recovery: %w", err))
	}

	if s.expirer != nil {
		n, err = s.expirer.ExpireOverdue(ctx)
		res.Expired = n
		if err != nil {
			errs = append(errs, fmt.Errorf("approval expiry: %w", err))
		}
	}

	if res.Recovered > 0 || res.Expired > 0 {
		s.logger.Info("sweep complete", "recovered", res.Recovered, "expired", res.Expired)
	}
	return res, errors.Join(errs...)
}

// Run sweeps immediately and then every Interval until ctx is cancelled.
// It holds the host lock for its whole lifetime.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", s.cfg.Interval)
	}
	if s.lock != nil {
		ok, err := s.lock.TryLock()
		if err != nil {
			return fmt.Errorf("failed to acquire sweeper lock: %w", err)
		}
		if !ok {
			return ErrSweeperRunning
		}
		defer func() {
			if err := s.lock.Unlock(); err != nil {
				s.logger.Warn("failed to release sweeper lock", "error", err)
			}
		}()
	}

	s.logger.Info("sweeper started", "interval", s.cfg.Interval,
		"stuck_timeout", s.cfg.StuckTimeout, "max_attempts", s.cfg.MaxAttempts)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}
