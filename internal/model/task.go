// Package model defines the domain types shared by the application engine:
// tasks, runs, approval requests and the job postings they target.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of an application task.
type State string

// Task states
const (
	StateQueued          State = "QUEUED"
	StateRunning         State = "RUNNING"
	StateNeedsAuth       State = "NEEDS_AUTH"
	StateNeedsUser       State = "NEEDS_USER"
	StatePendingApproval State = "PENDING_APPROVAL"
	StateApproved        State = "APPROVED"
	StateSubmitted       State = "SUBMITTED"
	StateRejected        State = "REJECTED"
	StateFailed          State = "FAILED"
	StateExpired         State = "EXPIRED"
)

// AnyState is passed as the expected state to skip the optimistic check.
const AnyState State = ""

// AllStates lists every task state in lifecycle order.
var AllStates = []State{
	StateQueued,
	StateRunning,
	StateNeedsAuth,
	StateNeedsUser,
	StatePendingApproval,
	StateApproved,
	StateSubmitted,
	StateRejected,
	StateFailed,
	StateExpired,
}

// Valid reports whether s is a known task state.
func (s State) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// ParseState converts a raw string into a State.
func ParseState(raw string) (State, error) {
	s := State(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown task state: %q", raw)
	}
	return s, nil
}

// Priority levels for queue ordering
const (
	PriorityNormal   = 50  // regular queue tasks
	PriorityResumed  = 100 // unblocked by the user or retried
	PriorityApproved = 200 // approval sessions have a TTL
)

// Task is one attempt to apply to one job posting within one run.
type Task struct {
	ID                uuid.UUID  `json:"id"`
	RunID             uuid.UUID  `json:"run_id"`
	JobID             int64      `json:"job_id"`
	State             State      `json:"state"`
	Priority          int        `json:"priority"`
	AttemptCount      int        `json:"attempt_count"`
	LastErrorCode     *string    `json:"last_error_code,omitempty"`
	LastErrorMessage  *string    `json:"last_error_message,omitempty"`
	QueuedAt          time.Time  `json:"queued_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	LastStateChangeAt time.Time  `json:"last_state_change_at"`
	CreatedAt         time.Time  `json:"created_at"`

	// Dequeue lease
	ClaimedBy      *string    `json:"claimed_by,omitempty"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`
}

// Clone returns a deep copy of the task so callers can mutate it freely.
func (t *Task) Clone() *Task {
	c := *t
	c.LastErrorCode = cloneString(t.LastErrorCode)
	c.LastErrorMessage = cloneString(t.LastErrorMessage)
	c.StartedAt = cloneTime(t.StartedAt)
	c.ClaimedBy = cloneString(t.ClaimedBy)
	c.ClaimExpiresAt = cloneTime(t.ClaimExpiresAt)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
