package api

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown workflow, allocation or module ids.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned for disallowed status or stage changes.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrInsufficientResources is returned when a priority-scaled request
	// does not fit in the remaining pool capacity. It is an expected
	// rejection, not a system fault.
	ErrInsufficientResources = errors.New("insufficient resources")

	// ErrCoordinationStepFailure marks a failed auxiliary coordination step.
	ErrCoordinationStepFailure = errors.New("coordination step failed")

	// ErrInvalidArgument is returned for malformed input.
	ErrInvalidArgument = errors.New("invalid argument")
)

// InsufficientResourcesError names the first pool dimension that could not
// satisfy a request.
type InsufficientResourcesError struct {
	Dimension string
	Requested float64
	Available float64
}

func (e *InsufficientResourcesError) Error() string {
	return fmt.Sprintf("insufficient resources: %s requested %.2f, available %.2f",
		e.Dimension, e.Requested, e.Available)
}

func (e *InsufficientResourcesError) Is(target error) bool {
	return target == ErrInsufficientResources
}

// StepError wraps the failure of a single coordination step.
type StepError struct {
	WorkflowID string
	Step       string
	Err        error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("coordination step %s failed for workflow %s: %v", e.Step, e.WorkflowID, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func (e *StepError) Is(target error) bool {
	return target == ErrCoordinationStepFailure
}

// NewStepError wraps err as a failure of step for the given workflow.
func NewStepError(workflowID, step string, err error) error {
	if err == nil {
		return nil
	}
	return &StepError{WorkflowID: workflowID, Step: step, Err: err}
}

// NotFoundf formats a NotFound error with a descriptive message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// InvalidTransitionf formats an InvalidTransition error.
func InvalidTransitionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
}
