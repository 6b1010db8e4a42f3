package types

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the aggregate status of a workflow run.
type RunStatus string

// Run status constants
const (
	RunStatusPending        RunStatus = "PENDING"
	RunStatusRunning        RunStatus = "RUNNING"
	RunStatusCompleted      RunStatus = "COMPLETED"
	RunStatusFailed         RunStatus = "FAILED"
	RunStatusPartialSuccess RunStatus = "PARTIAL_SUCCESS"
	RunStatusCancelled      RunStatus = "CANCELLED"
)

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted,
		RunStatusFailed, RunStatusPartialSuccess, RunStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are expected.
// PARTIAL_SUCCESS is not terminal: a later completion check may upgrade it.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// WorkflowRun is one execution of a workflow: one source poll sequence and
// every item pipeline it spawns.
type WorkflowRun struct {
	ID                uuid.UUID  `json:"id"`
	WorkflowID        uuid.UUID  `json:"workflow_id"`
	TriggeredBy       *string    `json:"triggered_by"`
	Status            RunStatus  `json:"status"`
	ItemsTotal        int        `json:"items_total"`
	ItemsProcessed    int        `json:"items_processed"`
	FailureReason     *string    `json:"failure_reason,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	SourceCompletedAt *time.Time `json:"source_completed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// WorkflowRunInput is the payload for creating a run.
type WorkflowRunInput struct {
	WorkflowID  uuid.UUID
	TriggeredBy *string
	Status      RunStatus
}

// WorkflowRunPatch holds run fields to update. Nil fields are unchanged.
type WorkflowRunPatch struct {
	Status            *RunStatus
	ItemsTotal        *int
	ItemsProcessed    *int
	FailureReason     *string
	StartedAt         *time.Time
	CompletedAt       *time.Time
	SourceCompletedAt *time.Time
}

// Apply copies the patch onto r. Item counters never decrease.
func (p *WorkflowRunPatch) Apply(r *WorkflowRun) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.ItemsTotal != nil && *p.ItemsTotal > r.ItemsTotal {
		r.ItemsTotal = *p.ItemsTotal
	}
	if p.ItemsProcessed != nil && *p.ItemsProcessed > r.ItemsProcessed {
		r.ItemsProcessed = *p.ItemsProcessed
	}
	if p.FailureReason != nil {
		reason := *p.FailureReason
		r.FailureReason = &reason
	}
	if p.StartedAt != nil {
		r.StartedAt = p.StartedAt
	}
	if p.CompletedAt != nil {
		r.CompletedAt = p.CompletedAt
	}
	if p.SourceCompletedAt != nil {
		r.SourceCompletedAt = p.SourceCompletedAt
	}
}

// WorkflowRunDetail is the joined read view of a run.
type WorkflowRunDetail struct {
	Run        WorkflowRun     `json:"run"`
	Workflow   WorkflowSummary `json:"workflow"`
	PluginRuns []PluginRun     `json:"plugin_runs"`
	Items      []RunItemDetail `json:"items"`
}
