package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SourceItem is a unit of data discovered by a source plugin. ExternalID is
// the source's natural key and is unique across all workflows.
type SourceItem struct {
	ID          uuid.UUID       `json:"id"`
	ExternalID  string          `json:"external_id"`
	Data        json.RawMessage `json:"data"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// WorkflowItem links an item to a workflow that discovered it.
type WorkflowItem struct {
	WorkflowID   uuid.UUID `json:"workflow_id"`
	SourceItemID uuid.UUID `json:"source_item_id"`
	FirstSeenAt  time.Time `json:"first_seen_at"`
}

// RunItem links an item to a run. ProcessedAt marks completion within that run.
type RunItem struct {
	WorkflowRunID uuid.UUID  `json:"workflow_run_id"`
	SourceItemID  uuid.UUID  `json:"source_item_id"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// RunItemDetail is an item together with its per-run processing mark.
type RunItemDetail struct {
	Item        SourceItem `json:"item"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// SourceItemDetail is the joined read view of an item.
type SourceItemDetail struct {
	Item      SourceItem     `json:"item"`
	Workflows []WorkflowItem `json:"workflows"`
	Runs      []RunItem      `json:"runs"`
}
