package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonathan/autoapply/internal/model"
	"github.com/jonathan/autoapply/internal/workflow"
)

// Recovery defaults
const (
	DefaultStuckTimeout = 15 * time.Minute
	DefaultMaxAttempts  = 3
)

// ErrCodeMaxAttempts is recorded on tasks the sweep gives up on.
const ErrCodeMaxAttempts = "MAX_ATTEMPTS_EXCEEDED"

// RecoverStuck reclaims RUNNING tasks that have not changed state for longer
// than timeout. Tasks at or past maxAttempts are failed for good; the rest go
// back to QUEUED. Each task is moved in its own transaction, and tasks that a
// live worker moved in the meantime are left alone. It returns the number of
// tasks moved.
func (q *Queue) RecoverStuck(ctx context.Context, timeout time.Duration, maxAttempts int) (int, error) {
	if timeout <= 0 {
		return 0, fmt.Errorf("recovery timeout must be positive, got %s", timeout)
	}
	cutoff := q.clock.Now().Add(-timeout)

	stuck, err := q.store.ListStuckTasks(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var (
		recovered int
		errs      []error
	)
	for _, task := range stuck {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		to := model.StateQueued
		meta := workflow.Metadata{Reason: "stuck task recovery"}
		if task.AttemptCount >= maxAttempts {
			to = model.StateFailed
			meta.ErrorCode = ErrCodeMaxAttempts
			meta.ErrorMessage = fmt.Sprintf("task stuck in RUNNING state after %d attempts", task.AttemptCount)
			meta.NoRetry = true
		}

		_, err := q.engine.Transition(ctx, task.ID, model.StateRunning, to, meta)
		switch {
		case err == nil:
			recovered++
			q.logger.Info("recovered stuck task", "task_id", task.ID, "to", to,
				"attempt", task.AttemptCount, "max_attempts", maxAttempts)
		case isStateMismatch(err):
			q.logger.Debug("stuck task moved before recovery", "task_id", task.ID, "error", err)
		default:
			errs = append(errs, fmt.Errorf("failed to recover task %s: %w", task.ID, err))
		}
	}
	return recovered, errors.Join(errs...)
}

func isStateMismatch(err error) bool {
	var mismatch *workflow.StateMismatchError
	return errors.As(err, &mismatch)
}
