// Package types defines the domain entities of the workflow runner: workflows,
// runs, source items, plugin runs and the links between them.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// WorkflowStatus is the lifecycle status of a workflow definition.
type WorkflowStatus string

// Workflow status constants
const (
	WorkflowStatusActive   WorkflowStatus = "ACTIVE"
	WorkflowStatusInactive WorkflowStatus = "INACTIVE"
	WorkflowStatusArchived WorkflowStatus = "ARCHIVED"
)

// Valid reports whether s is a known workflow status.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowStatusActive, WorkflowStatusInactive, WorkflowStatusArchived:
		return true
	}
	return false
}

// SourceStepID is the step id recorded on plugin runs that represent the
// source query itself.
const SourceStepID = "source"

// SourceConfig names the plugin that discovers items for a workflow.
type SourceConfig struct {
	PluginID string          `json:"plugin_id" validate:"required"`
	Config   json.RawMessage `json:"config,omitempty"`
	Search   json.RawMessage `json:"search,omitempty"`
}

// PipelineStep is one plugin invocation in a pipeline.
type PipelineStep struct {
	StepID   string          `json:"step_id" validate:"required,ne=source"`
	PluginID string          `json:"plugin_id" validate:"required"`
	Config   json.RawMessage `json:"config,omitempty"`
}

// Pipeline is the ordered list of steps each discovered item runs through.
type Pipeline struct {
	Steps []PipelineStep `json:"steps" validate:"dive"`
}

// StepIndex returns the position of stepID in the pipeline, or -1.
func (p Pipeline) StepIndex(stepID string) int {
	for i, step := range p.Steps {
		if step.StepID == stepID {
			return i
		}
	}
	return -1
}

// Workflow is a user defined source + pipeline automation.
type Workflow struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	Owner     string          `json:"owner"`
	Schedule  *string         `json:"schedule,omitempty"`
	Source    SourceConfig    `json:"source"`
	Pipeline  Pipeline        `json:"pipeline"`
	Status    WorkflowStatus  `json:"status"`
	State     json.RawMessage `json:"state,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Scheduled reports whether the workflow has a non-empty cron schedule.
func (w *Workflow) Scheduled() bool {
	return w.Schedule != nil && *w.Schedule != ""
}

// Summary returns the list view of the workflow.
func (w *Workflow) Summary() WorkflowSummary {
	return WorkflowSummary{
		ID:        w.ID,
		Name:      w.Name,
		Owner:     w.Owner,
		Status:    w.Status,
		Schedule:  w.Schedule,
		Steps:     len(w.Pipeline.Steps),
		UpdatedAt: w.UpdatedAt,
	}
}

// WorkflowSummary is the lightweight list view of a workflow.
type WorkflowSummary struct {
	ID        uuid.UUID      `json:"id"`
	Name      string         `json:"name"`
	Owner     string         `json:"owner"`
	Status    WorkflowStatus `json:"status"`
	Schedule  *string        `json:"schedule,omitempty"`
	Steps     int            `json:"steps"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// WorkflowInput is the payload for creating a workflow.
type WorkflowInput struct {
	Name     string         `json:"name" validate:"required,min=1,max=255"`
	Owner    string         `json:"owner" validate:"required"`
	Schedule *string        `json:"schedule,omitempty"`
	Source   SourceConfig   `json:"source"`
	Pipeline Pipeline       `json:"pipeline"`
	Status   WorkflowStatus `json:"status,omitempty" validate:"omitempty,oneof=ACTIVE INACTIVE ARCHIVED"`
}

// Validate checks required fields and pipeline step uniqueness.
func (in *WorkflowInput) Validate() error {
	if err := validator.New().Struct(in); err != nil {
		return err
	}
	return validateSteps(in.Pipeline.Steps)
}

// WorkflowPatch holds the mutable workflow fields. Nil fields are unchanged.
type WorkflowPatch struct {
	Name          *string         `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	Schedule      *string         `json:"schedule,omitempty"`
	ClearSchedule bool            `json:"clear_schedule,omitempty"`
	Source        *SourceConfig   `json:"source,omitempty"`
	Pipeline      *Pipeline       `json:"pipeline,omitempty"`
	Status        *WorkflowStatus `json:"status,omitempty" validate:"omitempty,oneof=ACTIVE INACTIVE ARCHIVED"`
}

// Validate checks the patch fields that are set.
func (p *WorkflowPatch) Validate() error {
	if err := validator.New().Struct(p); err != nil {
		return err
	}
	if p.Pipeline != nil {
		return validateSteps(p.Pipeline.Steps)
	}
	return nil
}

// Apply copies the patch onto w.
func (p *WorkflowPatch) Apply(w *Workflow) {
	if p.Name != nil {
		w.Name = *p.Name
	}
	if p.ClearSchedule {
		w.Schedule = nil
	} else if p.Schedule != nil {
		schedule := *p.Schedule
		w.Schedule = &schedule
	}
	if p.Source != nil {
		w.Source = *p.Source
	}
	if p.Pipeline != nil {
		w.Pipeline = *p.Pipeline
	}
	if p.Status != nil {
		w.Status = *p.Status
	}
}

func validateSteps(steps []PipelineStep) error {
	seen := make(map[string]bool, len(steps))
	for _, step := range steps {
		if seen[step.StepID] {
			return fmt.Errorf("duplicate pipeline step id: %s", step.StepID)
		}
		seen[step.StepID] = true
	}
	return nil
}
