package responses

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/moogar0880/problems"
)

// InvalidInputError marks a user or configuration mistake. It surfaces as a
// 400 with its message intact, unlike internal failures whose details stay
// out of the stream.
type InvalidInputError struct {
	Message string
}

func (e *InvalidInputError) Error() string { return e.Message }

// NewInvalidInputError wraps a caller-facing validation message.
func NewInvalidInputError(message string) *InvalidInputError {
	return &InvalidInputError{Message: message}
}

// RunFailedError carries a workflow-level failure into the error response
// path, so engine-reported failures and coordinator failures share one wire
// representation.
type RunFailedError struct {
	Message string
}

func (e *RunFailedError) Error() string { return e.Message }

// NewRunFailedError wraps the run's terminal error message.
func NewRunFailedError(message string) *RunFailedError {
	return &RunFailedError{Message: message}
}

// ErrorResponse carries a failure to the consumer as an RFC 7807 problem.
type ErrorResponse struct {
	Base

	WorkflowRunID string                   `json:"workflow_run_id,omitempty"`
	Problem       *problems.Problem `json:"problem"`
}

// FromError maps a coordinator error to its single wire representation.
// Validation failures and invalid input keep their message on a 400; every
// other error, state machine violations and infrastructure failures alike,
// collapses to a generic 500.
func FromError(taskID string, err error) *ErrorResponse {
	response := &ErrorResponse{Base: NewBase(KindError, taskID)}

	var (
		invalidInput     *InvalidInputError
		runFailed        *RunFailedError
		validationErrors validator.ValidationErrors
	)

	switch {
	case errors.As(err, &invalidInput):
		response.Problem = problems.NewDetailedProblem(http.StatusBadRequest, invalidInput.Message)
		response.Problem.Title = "invalid_param"
	case errors.As(err, &validationErrors):
		response.Problem = problems.NewDetailedProblem(http.StatusBadRequest, validationErrors.Error())
		response.Problem.Title = "invalid_param"
	case errors.As(err, &runFailed):
		response.Problem = problems.NewDetailedProblem(http.StatusInternalServerError, runFailed.Message)
		response.Problem.Title = "workflow_run_failed"
	default:
		response.Problem = problems.NewDetailedProblem(http.StatusInternalServerError, "internal server error")
		response.Problem.Title = "internal_server_error"
	}

	return response
}
