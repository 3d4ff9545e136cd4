// Package worker runs tasks through the browser-automation collaborator and
// keeps the background sweeps going.
package worker

import (
	"context"

	"github.com/jonathan/autoapply/internal/model"
)

// Outcome is what an Applier reports after working on a task.
type Outcome struct {
	// State is where the task goes next. It must be reachable from RUNNING.
	State        model.State `json:"state"`
	ErrorCode    string      `json:"error_code,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// Applier works on one RUNNING task: opening the posting, filling the form
// and submitting it once approved.
type Applier interface {
	Apply(ctx context.Context, task *model.Task) (Outcome, error)
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(ctx context.Context, task *model.Task) (Outcome, error)

// Apply calls f(ctx, task).
func (f ApplierFunc) Apply(ctx context.Context, task *model.Task) (Outcome, error) {
	return f(ctx, task)
}

// Submitter is implemented by appliers that finish approved applications
// separately from first attempts. The pool calls Submit for tasks it
// resumed from APPROVED and Apply otherwise.
type Submitter interface {
	Submit(ctx context.Context, task *model.Task) (Outcome, error)
}
