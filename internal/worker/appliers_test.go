package worker_test

import (
	"context"
	"os/exec"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/autoapply/internal/model"
	"github.com/jonathan/autoapply/internal/worker"
)

func shellApplier(t *testing.T, script string) *worker.CommandApplier {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return &worker.CommandApplier{Path: sh, Args: []string{"-c", script}}
}

func TestManualApplier(t *testing.T) {
	out, err := worker.ManualApplier().Apply(context.Background(), &model.Task{ID: uuid.New(), JobID: 42})
	require.NoError(t, err)
	assert.Equal(t, model.StateNeedsUser, out.State)
	assert.Equal(t, worker.ErrCodeManual, out.ErrorCode)
	assert.Contains(t, out.ErrorMessage, "42")
}

func TestNewCommandApplier(t *testing.T) {
	a, err := worker.NewCommandApplier("  ./apply --headless  ")
	require.NoError(t, err)
	assert.Equal(t, "./apply", a.Path)
	assert.Equal(t, []string{"--headless"}, a.Args)

	_, err = worker.NewCommandApplier("   ")
	assert.Error(t, err)
}

func TestCommandApplier_ReadsOutcome(t *testing.T) {
	a := shellApplier(t, `grep -q '"job_id":7' && echo '{"state":"PENDING_APPROVAL"}'`)

	out, err := a.Apply(context.Background(), &model.Task{ID: uuid.New(), JobID: 7, State: model.StateRunning})
	require.NoError(t, err)
	assert.Equal(t, model.StatePendingApproval, out.State)
}

func TestCommandApplier_ReportsErrorMetadata(t *testing.T) {
	a := shellApplier(t, `cat >/dev/null; echo '{"state":"NEEDS_AUTH","error_code":"LOGIN_REQUIRED","error_message":"session expired"}'`)

	out, err := a.Apply(context.Background(), &model.Task{ID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, model.StateNeedsAuth, out.State)
	assert.Equal(t, "LOGIN_REQUIRED", out.ErrorCode)
	assert.Equal(t, "session expired", out.ErrorMessage)
}

func TestCommandApplier_Phase(t *testing.T) {
	a := shellApplier(t, `cat >/dev/null; printf '{"state":"SUBMITTED","error_message":"%s"}' "$AUTOAPPLY_PHASE"`)
	task := &model.Task{ID: uuid.New()}

	out, err := a.Apply(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, worker.PhaseApply, out.ErrorMessage)

	out, err = a.Submit(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, worker.PhaseSubmit, out.ErrorMessage)
}

func TestCommandApplier_Failures(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		wantErr string
	}{
		{"non-zero exit", `cat >/dev/null; echo 'captcha wall' >&2; exit 3`, "captcha wall"},
		{"garbage output", `cat >/dev/null; echo 'done!'`, "failed to parse applier output"},
		{"unknown state", `cat >/dev/null; echo '{"state":"MAYBE"}'`, "unknown task state"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := shellApplier(t, tt.script).Apply(context.Background(), &model.Task{ID: uuid.New()})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCommandApplier_Cancelled(t *testing.T) {
	a := shellApplier(t, `sleep 5`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Apply(ctx, &model.Task{ID: uuid.New()})
	assert.ErrorIs(t, err, context.Canceled)
}
