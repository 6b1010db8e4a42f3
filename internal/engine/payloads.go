package engine

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonathan/workflow-runner/internal/queue"
)

// Job names
const (
	JobStartWorkflowRun     = "start-workflow-run"
	JobScheduledWorkflowRun = "scheduled-workflow-run"
	JobQuerySource          = "query-source"
	JobContinueSourceQuery  = "continue-source-query"
	JobProcessItem          = "process-item"
)

// RetryFromStepJob is the pipeline job name used when retrying stepID.
func RetryFromStepJob(stepID string) string {
	return "retry-from-step-" + stepID
}

// RunTrigger is the data of a workflow-run job.
type RunTrigger struct {
	TriggeredBy *string `json:"triggeredBy"`
}

// WorkflowRunPayload is the payload of start-workflow-run and
// scheduled-workflow-run jobs. WorkflowRunID is set when resuming a run.
type WorkflowRunPayload struct {
	WorkflowID    uuid.UUID  `json:"workflowId" validate:"required"`
	WorkflowRunID *uuid.UUID `json:"workflowRunId,omitempty"`
	Data          RunTrigger `json:"data"`
}

// SourceQueryData carries the source state to resume from. Null means the
// workflow's stored state.
type SourceQueryData struct {
	LastProcessedState json.RawMessage `json:"lastProcessedState"`
}

// SourceQueryPayload is the payload of query-source and
// continue-source-query jobs.
type SourceQueryPayload struct {
	WorkflowID    uuid.UUID       `json:"workflowId" validate:"required"`
	WorkflowRunID uuid.UUID       `json:"workflowRunId" validate:"required"`
	Data          SourceQueryData `json:"data"`
}

// PipelineData identifies the item to process and where to start.
type PipelineData struct {
	SourceItemID  uuid.UUID       `json:"sourceItemId" validate:"required"`
	Input         json.RawMessage `json:"input"`
	StartAtStepID string          `json:"startAtStepId,omitempty"`
}

// PipelinePayload is the payload of process-item and retry-from-step jobs.
type PipelinePayload struct {
	WorkflowID    uuid.UUID    `json:"workflowId" validate:"required"`
	WorkflowRunID uuid.UUID    `json:"workflowRunId" validate:"required"`
	Data          PipelineData `json:"data"`
}

var payloadValidator = validator.New()

// decodePayload decodes and validates a job payload. Malformed payloads will
// never succeed, so they fail the job without retries.
func decodePayload(job *queue.Job, v any) error {
	if err := job.Decode(v); err != nil {
		return queue.Unrecoverable(err)
	}
	if err := payloadValidator.Struct(v); err != nil {
		return queue.Unrecoverable(fmt.Errorf("invalid %s payload: %w", job.Name, err))
	}
	return nil
}

// finalAttempt reports whether a failure of this delivery exhausts the job's
// attempts.
func finalAttempt(job *queue.Job) bool {
	return job.AttemptsMade+1 >= job.Opts.Attempts
}
