package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PluginRunType distinguishes the source query from pipeline steps.
type PluginRunType string

// Plugin run type constants
const (
	PluginRunTypeSource   PluginRunType = "SOURCE"
	PluginRunTypePipeline PluginRunType = "PIPELINE"
)

// PluginRunStatus is the status of a single plugin invocation.
type PluginRunStatus string

// Plugin run status constants
const (
	PluginRunStatusPending   PluginRunStatus = "PENDING"
	PluginRunStatusRunning   PluginRunStatus = "RUNNING"
	PluginRunStatusCompleted PluginRunStatus = "COMPLETED"
	PluginRunStatusFailed    PluginRunStatus = "FAILED"
	PluginRunStatusSkipped   PluginRunStatus = "SKIPPED"
	PluginRunStatusRetrying  PluginRunStatus = "RETRYING"
)

// Valid reports whether s is a known plugin run status.
func (s PluginRunStatus) Valid() bool {
	switch s {
	case PluginRunStatusPending, PluginRunStatusRunning, PluginRunStatusCompleted,
		PluginRunStatusFailed, PluginRunStatusSkipped, PluginRunStatusRetrying:
		return true
	}
	return false
}

// PluginRun is the audit and resume record of one step execution. There is
// at most one PIPELINE plugin run per (run, item, step).
type PluginRun struct {
	ID            uuid.UUID       `json:"id"`
	WorkflowRunID uuid.UUID       `json:"workflow_run_id"`
	SourceItemID  *uuid.UUID      `json:"source_item_id,omitempty"`
	StepID        string          `json:"step_id"`
	PluginID      string          `json:"plugin_id"`
	Type          PluginRunType   `json:"type"`
	Config        json.RawMessage `json:"config,omitempty"`
	Input         json.RawMessage `json:"input,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"`
	Status        PluginRunStatus `json:"status"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	RetryCount    int             `json:"retry_count"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// PluginRunInput is the payload for creating a plugin run.
type PluginRunInput struct {
	WorkflowRunID uuid.UUID
	SourceItemID  *uuid.UUID
	StepID        string
	PluginID      string
	Type          PluginRunType
	Config        json.RawMessage
	Input         json.RawMessage
	Status        PluginRunStatus
	StartedAt     *time.Time
}

// PluginRunPatch holds plugin run fields to update. Nil fields are unchanged
// except where a Clear flag is set.
type PluginRunPatch struct {
	Status      *PluginRunStatus
	Input       json.RawMessage
	Output      json.RawMessage
	Error       json.RawMessage
	ClearResult bool
	StartedAt   *time.Time
	CompletedAt *time.Time
	// IncrementRetry bumps RetryCount by one.
	IncrementRetry bool
}

// Apply copies the patch onto pr.
func (p *PluginRunPatch) Apply(pr *PluginRun) {
	if p.ClearResult {
		pr.Output = nil
		pr.Error = nil
		pr.CompletedAt = nil
	}
	if p.Status != nil {
		pr.Status = *p.Status
	}
	if p.Input != nil {
		pr.Input = p.Input
	}
	if p.Output != nil {
		pr.Output = p.Output
	}
	if p.Error != nil {
		pr.Error = p.Error
	}
	if p.StartedAt != nil {
		pr.StartedAt = p.StartedAt
	}
	if p.CompletedAt != nil {
		pr.CompletedAt = p.CompletedAt
	}
	if p.IncrementRetry {
		pr.RetryCount++
	}
}
