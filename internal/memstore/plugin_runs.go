package memstore

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"github.com/jonathan/workflow-runner/internal/repository"
	"github.com/jonathan/workflow-runner/internal/types"
)

func clonePluginRun(pr *types.PluginRun) *types.PluginRun {
	cp := *pr
	if pr.SourceItemID != nil {
		id := *pr.SourceItemID
		cp.SourceItemID = &id
	}
	cp.Config = cloneRaw(pr.Config)
	cp.Input = cloneRaw(pr.Input)
	cp.Output = cloneRaw(pr.Output)
	cp.Error = cloneRaw(pr.Error)
	return &cp
}

func sortPluginRuns(runs []*types.PluginRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
}

func getPluginRun(txn *memdb.Txn, id uuid.UUID) (*types.PluginRun, error) {
	raw, err := txn.First(tablePluginRuns, "id", id)
	if err != nil {
		return nil, repository.Storage("get plugin run", err)
	}
	if raw == nil {
		return nil, repository.NotFound("plugin run", id)
	}
	return raw.(*types.PluginRun), nil
}

func findPluginRun(txn *memdb.Txn, runID, itemID uuid.UUID, stepID string) (*types.PluginRun, error) {
	runs, err := collect[*types.PluginRun](txn, tablePluginRuns, "run", runID)
	if err != nil {
		return nil, repository.Storage("find plugin run", err)
	}
	for _, pr := range runs {
		if pr.Type == types.PluginRunTypePipeline && pr.StepID == stepID &&
			pr.SourceItemID != nil && *pr.SourceItemID == itemID {
			return pr, nil
		}
	}
	return nil, nil
}

// CreatePluginRun stores a new plugin run. A second PIPELINE run for the
// same (run, item, step) is rejected.
func (s *Store) CreatePluginRun(_ context.Context, in *types.PluginRunInput) (*types.PluginRun, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if _, err := getRun(txn, in.WorkflowRunID); err != nil {
		return nil, err
	}
	if in.Type == types.PluginRunTypePipeline && in.SourceItemID != nil {
		existing, err := findPluginRun(txn, in.WorkflowRunID, *in.SourceItemID, in.StepID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, repository.Storage("create plugin run",
				&duplicateError{runID: in.WorkflowRunID, itemID: *in.SourceItemID, stepID: in.StepID})
		}
	}

	now := s.now()
	pr := &types.PluginRun{
		ID:            uuid.New(),
		WorkflowRunID: in.WorkflowRunID,
		SourceItemID:  in.SourceItemID,
		StepID:        in.StepID,
		PluginID:      in.PluginID,
		Type:          in.Type,
		Config:        in.Config,
		Input:         in.Input,
		Status:        in.Status,
		StartedAt:     in.StartedAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if pr.Status == "" {
		pr.Status = types.PluginRunStatusPending
	}
	pr = clonePluginRun(pr)
	if err := txn.Insert(tablePluginRuns, pr); err != nil {
		return nil, repository.Storage("create plugin run", err)
	}
	txn.Commit()
	return clonePluginRun(pr), nil
}

// GetPluginRun returns the plugin run with the given id.
func (s *Store) GetPluginRun(_ context.Context, id uuid.UUID) (*types.PluginRun, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	pr, err := getPluginRun(txn, id)
	if err != nil {
		return nil, err
	}
	return clonePluginRun(pr), nil
}

// FindPluginRun returns the pipeline plugin run for the triple, or nil.
func (s *Store) FindPluginRun(_ context.Context, runID, itemID uuid.UUID, stepID string) (*types.PluginRun, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	pr, err := findPluginRun(txn, runID, itemID, stepID)
	if err != nil || pr == nil {
		return nil, err
	}
	return clonePluginRun(pr), nil
}

// ListPluginRuns returns plugin runs in creation order.
func (s *Store) ListPluginRuns(_ context.Context, filter repository.PluginRunFilter) ([]types.PluginRun, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	var runs []*types.PluginRun
	var err error
	if filter.WorkflowRunID != nil {
		runs, err = collect[*types.PluginRun](txn, tablePluginRuns, "run", *filter.WorkflowRunID)
	} else {
		runs, err = collect[*types.PluginRun](txn, tablePluginRuns, "id")
	}
	if err != nil {
		return nil, repository.Storage("list plugin runs", err)
	}
	sortPluginRuns(runs)

	var out []types.PluginRun
	for _, pr := range runs {
		if filter.SourceItemID != nil && (pr.SourceItemID == nil || *pr.SourceItemID != *filter.SourceItemID) {
			continue
		}
		if filter.Type != nil && pr.Type != *filter.Type {
			continue
		}
		if filter.Status != nil && pr.Status != *filter.Status {
			continue
		}
		out = append(out, *clonePluginRun(pr))
	}
	return out, nil
}

// UpdatePluginRun applies patch to the stored plugin run.
func (s *Store) UpdatePluginRun(_ context.Context, id uuid.UUID, patch *types.PluginRunPatch) (*types.PluginRun, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()
	current, err := getPluginRun(txn, id)
	if err != nil {
		return nil, err
	}
	pr := clonePluginRun(current)
	patch.Apply(pr)
	pr.UpdatedAt = s.now()
	pr = clonePluginRun(pr)
	if err := txn.Insert(tablePluginRuns, pr); err != nil {
		return nil, repository.Storage("update plugin run", err)
	}
	txn.Commit()
	return clonePluginRun(pr), nil
}

// ResetPluginRun prepares a plugin run for an explicit retry.
func (s *Store) ResetPluginRun(ctx context.Context, id uuid.UUID) (*types.PluginRun, error) {
	pending := types.PluginRunStatusPending
	return s.UpdatePluginRun(ctx, id, &types.PluginRunPatch{
		Status:         &pending,
		ClearResult:    true,
		IncrementRetry: true,
	})
}

type duplicateError struct {
	runID, itemID uuid.UUID
	stepID        string
}

func (e *duplicateError) Error() string {
	return "plugin run already exists for run " + e.runID.String() +
		", item " + e.itemID.String() + ", step " + e.stepID
}
