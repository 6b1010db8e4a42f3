// Package repository defines the storage contract of the workflow runner.
// Implementations live in internal/db (PostgreSQL) and internal/memstore.
package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jonathan/workflow-runner/internal/types"
)

// WorkflowFilter narrows ListWorkflows. Zero values match everything.
type WorkflowFilter struct {
	Status    *types.WorkflowStatus
	Owner     string
	Scheduled bool
	Limit     int
}

// RunFilter narrows ListWorkflowRuns.
type RunFilter struct {
	WorkflowID *uuid.UUID
	Status     *types.RunStatus
	Limit      int
}

// PluginRunFilter narrows ListPluginRuns.
type PluginRunFilter struct {
	WorkflowRunID *uuid.UUID
	SourceItemID  *uuid.UUID
	Type          *types.PluginRunType
	Status        *types.PluginRunStatus
}

// Repository is the persistence boundary used by the engine and the API.
//
// Writes against a missing row return *NotFoundError, driver failures are
// wrapped in *StorageError and rows that cannot be decoded into domain types
// surface as *ValidationError.
type Repository interface {
	Workflows
	Runs
	Items
	PluginRuns
}

// Workflows stores workflow definitions.
type Workflows interface {
	CreateWorkflow(ctx context.Context, in *types.WorkflowInput) (*types.Workflow, error)
	GetWorkflow(ctx context.Context, id uuid.UUID) (*types.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]types.WorkflowSummary, error)
	// ListScheduledWorkflows returns ACTIVE workflows with a non-empty schedule.
	ListScheduledWorkflows(ctx context.Context) ([]types.Workflow, error)
	UpdateWorkflow(ctx context.Context, id uuid.UUID, patch *types.WorkflowPatch) (*types.Workflow, error)
	UpdateWorkflowState(ctx context.Context, id uuid.UUID, state json.RawMessage) error
	// DeleteWorkflow removes the workflow, its runs and its item links.
	DeleteWorkflow(ctx context.Context, id uuid.UUID) error
}

// Runs stores workflow runs.
type Runs interface {
	CreateWorkflowRun(ctx context.Context, in *types.WorkflowRunInput) (*types.WorkflowRun, error)
	GetWorkflowRun(ctx context.Context, id uuid.UUID) (*types.WorkflowRun, error)
	GetWorkflowRunDetail(ctx context.Context, id uuid.UUID) (*types.WorkflowRunDetail, error)
	ListWorkflowRuns(ctx context.Context, filter RunFilter) ([]types.WorkflowRun, error)
	// GetActiveRun returns the RUNNING run of a workflow, or nil.
	GetActiveRun(ctx context.Context, workflowID uuid.UUID) (*types.WorkflowRun, error)
	UpdateWorkflowRun(ctx context.Context, id uuid.UUID, patch *types.WorkflowRunPatch) (*types.WorkflowRun, error)
	// TransitionWorkflowRun applies patch only while the stored status equals
	// expected. It returns nil, nil when the status no longer matches.
	TransitionWorkflowRun(ctx context.Context, id uuid.UUID, expected types.RunStatus, patch *types.WorkflowRunPatch) (*types.WorkflowRun, error)
	DeleteWorkflowRun(ctx context.Context, id uuid.UUID) error
}

// Items stores source items and their workflow and run links.
type Items interface {
	// UpsertSourceItem inserts the item or replaces its data, keyed on externalID.
	UpsertSourceItem(ctx context.Context, externalID string, data json.RawMessage) (*types.SourceItem, error)
	GetSourceItem(ctx context.Context, id uuid.UUID) (*types.SourceItem, error)
	GetSourceItemDetail(ctx context.Context, id uuid.UUID) (*types.SourceItemDetail, error)
	// LinkWorkflowItem and LinkRunItem ignore existing links.
	LinkWorkflowItem(ctx context.Context, workflowID, itemID uuid.UUID) error
	LinkRunItem(ctx context.Context, runID, itemID uuid.UUID) error
	ListWorkflowItems(ctx context.Context, workflowID uuid.UUID) ([]types.SourceItem, error)
	ListRunItems(ctx context.Context, runID uuid.UUID) ([]types.RunItem, error)
	// MarkRunItemProcessed stamps the run link and, if unset, the item itself.
	MarkRunItemProcessed(ctx context.Context, runID, itemID uuid.UUID) error
	ListRunsForItem(ctx context.Context, itemID uuid.UUID) ([]types.WorkflowRun, error)
}

// PluginRuns stores the per-step audit ledger.
type PluginRuns interface {
	CreatePluginRun(ctx context.Context, in *types.PluginRunInput) (*types.PluginRun, error)
	GetPluginRun(ctx context.Context, id uuid.UUID) (*types.PluginRun, error)
	// FindPluginRun returns the pipeline plugin run for the triple, or nil.
	FindPluginRun(ctx context.Context, runID, itemID uuid.UUID, stepID string) (*types.PluginRun, error)
	ListPluginRuns(ctx context.Context, filter PluginRunFilter) ([]types.PluginRun, error)
	UpdatePluginRun(ctx context.Context, id uuid.UUID, patch *types.PluginRunPatch) (*types.PluginRun, error)
	// ResetPluginRun sets the run back to PENDING, clears its result and
	// increments RetryCount.
	ResetPluginRun(ctx context.Context, id uuid.UUID) (*types.PluginRun, error)
}
