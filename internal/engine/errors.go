package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonathan/workflow-runner/internal/types"
)

// ErrWorkflowArchived is returned when triggering or starting a run of an
// archived workflow.
var ErrWorkflowArchived = errors.New("workflow is archived")

// ErrRunCancelled is returned when retrying steps of a cancelled run.
var ErrRunCancelled = errors.New("workflow run is cancelled")

// StepError is the failure of one pipeline step.
type StepError struct {
	StepID   string
	PluginID string
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s (plugin %s) failed: %v", e.StepID, e.PluginID, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// PipelineError reports the step at which an item's pipeline stopped.
type PipelineError struct {
	PipelineID uuid.UUID
	StepID     string
	Err        error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline %s failed at step %s: %v", e.PipelineID, e.StepID, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// UnknownStepError is returned when a step id is not part of the pipeline.
type UnknownStepError struct {
	WorkflowID uuid.UUID
	StepID     string
}

func (e *UnknownStepError) Error() string {
	return fmt.Sprintf("workflow %s has no pipeline step %q", e.WorkflowID, e.StepID)
}

// TransitionError is returned when an admin action asks for a status change
// the state machine does not allow.
type TransitionError struct {
	Entity string
	ID     uuid.UUID
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move %s %s from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func runTransitionError(run *types.WorkflowRun, to types.RunStatus) *TransitionError {
	return &TransitionError{Entity: "workflow run", ID: run.ID, From: string(run.Status), To: string(to)}
}

func pluginRunTransitionError(pr *types.PluginRun, to types.PluginRunStatus) *TransitionError {
	return &TransitionError{Entity: "plugin run", ID: pr.ID, From: string(pr.Status), To: string(to)}
}
