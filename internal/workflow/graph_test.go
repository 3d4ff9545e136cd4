package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jonathan/autoapply/internal/model"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to model.State
		want     bool
	}{
		{model.StateQueued, model.StateRunning, true},
		{model.StateRunning, model.StateQueued, true},
		{model.StateRunning, model.StateSubmitted, true},
		{model.StateRunning, model.StatePendingApproval, true},
		{model.StatePendingApproval, model.StateApproved, true},
		{model.StatePendingApproval, model.StateRejected, true},
		{model.StateApproved, model.StateRunning, true},
		{model.StateApproved, model.StateExpired, true},
		{model.StateFailed, model.StateQueued, true},
		{model.StateExpired, model.StateQueued, true},
		{model.StateQueued, model.StateSubmitted, false},
		{model.StateQueued, model.StateQueued, false},
		{model.StatePendingApproval, model.StateRunning, false},
		{model.StateSubmitted, model.StateQueued, false},
		{model.StateRejected, model.StateQueued, false},
		{model.StateFailed, model.StateRunning, false},
		{model.State("BOGUS"), model.StateQueued, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestGraphCoversEveryState(t *testing.T) {
	for _, s := range model.AllStates {
		_, ok := transitions[s]
		assert.True(t, ok, "state %s missing from graph", s)
		for _, to := range transitions[s] {
			assert.True(t, to.Valid(), "edge %s -> %s targets unknown state", s, to)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(model.StateSubmitted))
	assert.True(t, IsTerminal(model.StateRejected))
	assert.False(t, IsTerminal(model.StateFailed), "failed can be resumed")
	assert.False(t, IsTerminal(model.StateExpired), "expired can be resumed")
	assert.False(t, IsTerminal(model.StateQueued))
	assert.False(t, IsTerminal(model.State("BOGUS")))
}

func TestAllowedTargets_ReturnsCopy(t *testing.T) {
	targets := AllowedTargets(model.StateQueued)
	assert.Equal(t, []model.State{model.StateRunning}, targets)

	targets[0] = model.StateSubmitted
	assert.True(t, CanTransition(model.StateQueued, model.StateRunning))
	assert.False(t, CanTransition(model.StateQueued, model.StateSubmitted))
}

func TestRetryPolicy_Redirect(t *testing.T) {
	p := DefaultRetryPolicy()

	tests := []struct {
		name         string
		attempts     int
		noRetry      bool
		wantTo       model.State
		wantPriority int
	}{
		{"first attempt retries", 1, false, model.StateQueued, model.PriorityResumed},
		{"second attempt fails", 2, false, model.StateFailed, model.PriorityNormal},
		{"no retry flag", 1, true, model.StateFailed, model.PriorityNormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Change{
				Task:      &model.Task{AttemptCount: tt.attempts, Priority: model.PriorityNormal},
				From:      model.StateRunning,
				Requested: model.StateFailed,
				To:        model.StateFailed,
				Meta:      Metadata{NoRetry: tt.noRetry},
			}
			p.Redirect(c)
			assert.Equal(t, tt.wantTo, c.To)
			assert.Equal(t, tt.wantPriority, c.Task.Priority)
			assert.Equal(t, tt.wantTo != model.StateFailed, c.Redirected())
		})
	}
}

func TestErrorMessages(t *testing.T) {
	err := &InvalidTransitionError{From: model.StateQueued, To: model.StateSubmitted}
	assert.Equal(t, "invalid transition from QUEUED to SUBMITTED", err.Error())
}
