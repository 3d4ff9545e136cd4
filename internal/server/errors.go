package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/jonathan/autoapply/internal/approval"
	"github.com/jonathan/autoapply/internal/model"
	"github.com/jonathan/autoapply/internal/schemas"
	"github.com/jonathan/autoapply/internal/workflow"
)

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// ErrUnauthorized indicates the request carried no usable credentials
type ErrUnauthorized struct{}

func (e *ErrUnauthorized) Error() string {
	return "authentication required"
}

// fromValidator converts the first validator/v10 field error.
func fromValidator(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		msg := "failed on '" + fe.Tag() + "'"
		if fe.Param() != "" {
			msg += " " + fe.Param()
		}
		return &ErrValidation{Field: fe.Field(), Message: msg}
	}
	return &ErrValidation{Field: "body", Message: err.Error()}
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var (
		invalidTransition *workflow.InvalidTransitionError
		mismatch          *workflow.StateMismatchError
		notFound          *model.NotFoundError
		conflict          *model.ConflictError
		invalidToken      *approval.InvalidTokenError
		schemaErr         *schemas.ValidationError
		validationErr     *ErrValidation
		invalidInput      *model.InvalidInputError
		unauthorized      *ErrUnauthorized
	)
	switch {
	case errors.As(err, &invalidTransition), errors.As(err, &schemaErr),
		errors.As(err, &validationErr), errors.As(err, &invalidInput):
		return http.StatusBadRequest
	case errors.As(err, &unauthorized):
		return http.StatusUnauthorized
	case errors.As(err, &invalidToken):
		return http.StatusForbidden
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &mismatch), errors.As(err, &conflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
