package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/autoapply/internal/approval"
	"github.com/jonathan/autoapply/internal/model"
	"github.com/jonathan/autoapply/internal/schemas"
	"github.com/jonathan/autoapply/internal/workflow"
)

func TestErrValidation(t *testing.T) {
	err := &ErrValidation{Field: "job_ids", Message: "failed on 'min' 1"}
	assert.Equal(t, "validation error: job_ids - failed on 'min' 1", err.Error())
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"invalid transition", &workflow.InvalidTransitionError{From: model.StateQueued, To: model.StateSubmitted}, http.StatusBadRequest},
		{"state mismatch", &workflow.StateMismatchError{TaskID: uuid.New()}, http.StatusConflict},
		{"not found", &model.NotFoundError{Kind: "task", ID: "x"}, http.StatusNotFound},
		{"conflict", model.NewConflict("approval request already approved"), http.StatusConflict},
		{"invalid token", &approval.InvalidTokenError{ApprovalID: uuid.New()}, http.StatusForbidden},
		{"schema validation", &schemas.ValidationError{}, http.StatusBadRequest},
		{"request validation", &ErrValidation{Field: "to"}, http.StatusBadRequest},
		{"invalid input", &model.InvalidInputError{Field: "name"}, http.StatusBadRequest},
		{"unauthorized", &ErrUnauthorized{}, http.StatusUnauthorized},
		{"wrapped not found", fmt.Errorf("failed to load: %w", &model.NotFoundError{Kind: "run"}), http.StatusNotFound},
		{"storage failure", errors.New("connection reset"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, HTTPStatus(tt.err))
		})
	}
}

func TestFromValidator(t *testing.T) {
	type body struct {
		JobIDs []int64 `json:"job_ids" validate:"required,min=1"`
	}
	err := validate.Struct(body{JobIDs: []int64{}})
	require.Error(t, err)

	converted := fromValidator(err)
	var validationErr *ErrValidation
	require.True(t, errors.As(converted, &validationErr))
	assert.Equal(t, "job_ids", validationErr.Field)
	assert.Contains(t, validationErr.Message, "min")

	_, isFieldErrs := err.(validator.ValidationErrors)
	assert.True(t, isFieldErrs)
}
