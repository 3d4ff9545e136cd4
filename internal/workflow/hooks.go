package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/jonathan/autoapply/internal/model"
	"github.com/jonathan/autoapply/internal/store"
)

// Metadata carries caller-supplied detail about a transition.
type Metadata struct {
	ErrorCode    string
	ErrorMessage string
	// Reason is logged with the transition but not persisted.
	Reason string
	// NoRetry disables the auto-retry redirect on RUNNING -> FAILED. The
	// recovery sweep sets it when it fails a task that exhausted attempts.
	NoRetry bool
}

// Change is the in-flight state of one transition as it passes through the
// hook chain. Hooks mutate Task; the engine persists it afterwards.
type Change struct {
	Task      *model.Task
	From      model.State
	Requested model.State
	To        model.State
	Meta      Metadata
	Now       time.Time
}

// Redirected reports whether a redirect hook changed the destination.
func (c *Change) Redirected() bool {
	return c.To != c.Requested
}

// RedirectHook may change Change.To before the destination is applied.
// Redirect hooks are keyed on (from, requested-to).
type RedirectHook func(c *Change)

// EffectHook applies the side effects of entering a state. Effect hooks are
// keyed on (from, resulting-to) and run inside the transition's transaction.
type EffectHook func(ctx context.Context, repo store.Repository, c *Change) error

type edge struct {
	from model.State
	to   model.State
}

// hookSet indexes hooks by edge. model.AnyState as from matches every source.
type hookSet struct {
	redirects map[edge][]RedirectHook
	effects   map[edge][]EffectHook
}

func newHookSet() *hookSet {
	return &hookSet{
		redirects: make(map[edge][]RedirectHook),
		effects:   make(map[edge][]EffectHook),
	}
}

func (h *hookSet) redirect(from, to model.State, hook RedirectHook) {
	k := edge{from, to}
	h.redirects[k] = append(h.redirects[k], hook)
}

func (h *hookSet) effect(from, to model.State, hook EffectHook) {
	k := edge{from, to}
	h.effects[k] = append(h.effects[k], hook)
}

// redirectsFor returns wildcard hooks first, then hooks for the exact edge.
func (h *hookSet) redirectsFor(from, to model.State) []RedirectHook {
	out := append([]RedirectHook(nil), h.redirects[edge{model.AnyState, to}]...)
	return append(out, h.redirects[edge{from, to}]...)
}

func (h *hookSet) effectsFor(from, to model.State) []EffectHook {
	out := append([]EffectHook(nil), h.effects[edge{model.AnyState, to}]...)
	return append(out, h.effects[edge{from, to}]...)
}

// DefaultAutoRetryThreshold is the attempt count below which a reported
// failure is turned back into a queued retry.
const DefaultAutoRetryThreshold = 2

// RetryPolicy redirects RUNNING -> FAILED to QUEUED while the task has
// attempts left, boosting it so the retry is serviced promptly.
type RetryPolicy struct {
	Threshold int
	Priority  int
}

// DefaultRetryPolicy retries once: attempt 1 fails into the queue, attempt 2
// fails for good.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Threshold: DefaultAutoRetryThreshold, Priority: model.PriorityResumed}
}

// Redirect is the RedirectHook for RUNNING -> FAILED.
func (p RetryPolicy) Redirect(c *Change) {
	if c.Meta.NoRetry {
		return
	}
	if c.Task.AttemptCount < p.Threshold {
		c.To = model.StateQueued
		c.Task.Priority = p.Priority
	}
}

// enterRunning counts the attempt and releases the dequeue lease.
func enterRunning(_ context.Context, _ store.Repository, c *Change) error {
	c.Task.AttemptCount++
	if c.Task.StartedAt == nil {
		now := c.Now
		c.Task.StartedAt = &now
	}
	c.Task.ClaimedBy = nil
	c.Task.ClaimExpiresAt = nil
	return nil
}

// enterQueued stamps the time of (re-)entry so FIFO within a priority band
// follows queue entry order.
func enterQueued(_ context.Context, _ store.Repository, c *Change) error {
	c.Task.QueuedAt = c.Now
	c.Task.ClaimedBy = nil
	c.Task.ClaimExpiresAt = nil
	return nil
}

func boostPriority(priority int) EffectHook {
	return func(_ context.Context, _ store.Repository, c *Change) error {
		c.Task.Priority = priority
		return nil
	}
}

// markApplied is the only place a job posting is marked as applied.
func markApplied(ctx context.Context, repo store.Repository, c *Change) error {
	if err := repo.MarkJobApplied(ctx, c.Task.JobID, c.Now); err != nil {
		return fmt.Errorf("failed to mark job %d applied: %w", c.Task.JobID, err)
	}
	return nil
}

func defaultHooks(retry RetryPolicy) *hookSet {
	h := newHookSet()

	h.redirect(model.StateRunning, model.StateFailed, retry.Redirect)

	h.effect(model.AnyState, model.StateRunning, enterRunning)
	h.effect(model.AnyState, model.StateQueued, enterQueued)
	h.effect(model.StateNeedsAuth, model.StateQueued, boostPriority(model.PriorityResumed))
	h.effect(model.StateNeedsUser, model.StateQueued, boostPriority(model.PriorityResumed))
	h.effect(model.StateFailed, model.StateQueued, boostPriority(model.PriorityResumed))
	h.effect(model.StateExpired, model.StateQueued, boostPriority(model.PriorityResumed))
	h.effect(model.StateApproved, model.StateRunning, boostPriority(model.PriorityApproved))
	h.effect(model.AnyState, model.StateSubmitted, markApplied)

	return h
}
