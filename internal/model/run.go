package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus constants
const (
	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
)

// Run is a user-scoped batch of application tasks.
type Run struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"user_id"`
	Name        string     `json:"name"`
	Description *string    `json:"description,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// RunSummary is a run together with its task counts by state.
type RunSummary struct {
	Run
	TotalTasks int           `json:"total_tasks"`
	Counts     map[State]int `json:"counts"`
}

// JobPosting is the subset of a job board posting the engine reads or marks.
type JobPosting struct {
	ID             int64      `json:"id"`
	ApplyURL       string     `json:"apply_url"`
	CompanyName    *string    `json:"company_name,omitempty"`
	JobTitle       *string    `json:"job_title,omitempty"`
	IsActive       bool       `json:"is_active"`
	HasBeenApplied bool       `json:"has_been_applied_to"`
	LastAppliedAt  *time.Time `json:"last_applied_at,omitempty"`
	FirstSeenAt    time.Time  `json:"first_seen_at"`
}
