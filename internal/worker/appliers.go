package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/jonathan/autoapply/internal/model"
)

// ErrCodeManual marks a task handed to a person because no automated
// applier is configured.
const ErrCodeManual = "MANUAL_APPLY"

// ManualApplier parks every task in NEEDS_USER so a person can apply and
// then resume or transition it.
func ManualApplier() Applier {
	return ApplierFunc(func(_ context.Context, task *model.Task) (Outcome, error) {
		return Outcome{
			State:        model.StateNeedsUser,
			ErrorCode:    ErrCodeManual,
			ErrorMessage: fmt.Sprintf("no automated applier configured for job %d", task.JobID),
		}, nil
	})
}

// CommandApplier runs an external program per task. The task is written to
// the program's stdin as JSON and the program prints an Outcome as JSON on
// stdout. AUTOAPPLY_PHASE tells it whether to fill the form or submit an
// approved one. A non-zero exit is an applier error.
type CommandApplier struct {
	Path string
	Args []string
	Env  []string
}

// NewCommandApplier splits a command line on whitespace.
func NewCommandApplier(command string) (*CommandApplier, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("applier command is empty")
	}
	return &CommandApplier{Path: fields[0], Args: fields[1:]}, nil
}

// Phases passed to the applier command in AUTOAPPLY_PHASE
const (
	PhaseApply  = "apply"
	PhaseSubmit = "submit"
)

// Apply implements Applier.
func (a *CommandApplier) Apply(ctx context.Context, task *model.Task) (Outcome, error) {
	return a.run(ctx, task, PhaseApply)
}

// Submit implements Submitter for tasks resumed after approval.
func (a *CommandApplier) Submit(ctx context.Context, task *model.Task) (Outcome, error) {
	return a.run(ctx, task, PhaseSubmit)
}

func (a *CommandApplier) run(ctx context.Context, task *model.Task, phase string) (Outcome, error) {
	input, err := json.Marshal(task)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to encode task: %w", err)
	}

	cmd := exec.CommandContext(ctx, a.Path, a.Args...)
	env := a.Env
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append(env[:len(env):len(env)], "AUTOAPPLY_PHASE="+phase)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return Outcome{}, fmt.Errorf("applier command failed: %w", err)
		}
		return Outcome{}, fmt.Errorf("applier command failed: %w: %s", err, msg)
	}

	var out Outcome
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &out); err != nil {
		return Outcome{}, fmt.Errorf("failed to parse applier output: %w", err)
	}
	state, err := model.ParseState(string(out.State))
	if err != nil {
		return Outcome{}, err
	}
	out.State = state
	return out, nil
}
