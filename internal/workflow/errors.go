package workflow

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jonathan/autoapply/internal/model"
)

// InvalidTransitionError indicates the requested edge is not in the graph
type InvalidTransitionError struct {
	From model.State
	To   model.State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// StateMismatchError indicates the task was not in the state the caller
// expected, usually because another worker or the recovery sweep got there first
type StateMismatchError struct {
	TaskID   uuid.UUID
	Expected model.State
	Actual   model.State
}

func (e *StateMismatchError) Error() string {
	return fmt.Sprintf("task %s is in state %s, expected %s", e.TaskID, e.Actual, e.Expected)
}
