package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseState(t *testing.T) {
	for _, s := range AllStates {
		got, err := ParseState(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	_, err := ParseState("queued")
	assert.Error(t, err, "states are case sensitive")
	_, err = ParseState("")
	assert.Error(t, err)
	assert.False(t, AnyState.Valid())
}

func TestTaskClone_IsDeep(t *testing.T) {
	code := "CAPTCHA"
	started := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	task := &Task{ID: uuid.New(), LastErrorCode: &code, StartedAt: &started}

	c := task.Clone()
	*c.LastErrorCode = "OTHER"
	*c.StartedAt = started.Add(time.Hour)

	assert.Equal(t, "CAPTCHA", *task.LastErrorCode)
	assert.Equal(t, started, *task.StartedAt)
	assert.Nil(t, c.ClaimedBy)
}

func TestApprovalRequest_Expiry(t *testing.T) {
	expires := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	a := &ApprovalRequest{Status: ApprovalPending, ExpiresAt: expires}

	assert.True(t, a.IsPending())
	assert.False(t, a.ExpiredAt(expires), "expiry is strict")
	assert.True(t, a.ExpiredAt(expires.Add(time.Second)))
}

func TestErrors(t *testing.T) {
	assert.Equal(t, "run not found: abc", (&NotFoundError{Kind: "run", ID: "abc"}).Error())
	assert.Equal(t, "run r1 is already running", NewConflict("run %s is already running", "r1").Error())
	assert.Equal(t, "invalid name: must not be blank", (&InvalidInputError{Field: "name", Message: "must not be blank"}).Error())
}
