// Package server provides the HTTP admin API of the workflow runner.
package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/jonathan/workflow-runner/internal/engine"
	"github.com/jonathan/workflow-runner/internal/queue"
	"github.com/jonathan/workflow-runner/internal/repository"
)

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var (
		validation  *ErrValidation
		fieldErrors validator.ValidationErrors
		notFound    *repository.NotFoundError
		unknownStep *engine.UnknownStepError
		transition  *engine.TransitionError
		jobState    *queue.JobStateError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &fieldErrors):
		return http.StatusBadRequest
	case errors.As(err, &notFound), errors.As(err, &unknownStep), errors.Is(err, queue.ErrJobNotFound):
		return http.StatusNotFound
	case errors.As(err, &transition), errors.As(err, &jobState),
		errors.Is(err, engine.ErrWorkflowArchived), errors.Is(err, engine.ErrRunCancelled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
