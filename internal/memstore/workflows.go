package memstore

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"github.com/jonathan/workflow-runner/internal/repository"
	"github.com/jonathan/workflow-runner/internal/types"
)

func cloneWorkflow(w *types.Workflow) *types.Workflow {
	cp := *w
	cp.Source.Config = cloneRaw(w.Source.Config)
	cp.Source.Search = cloneRaw(w.Source.Search)
	cp.State = cloneRaw(w.State)
	cp.Pipeline.Steps = make([]types.PipelineStep, len(w.Pipeline.Steps))
	for i, step := range w.Pipeline.Steps {
		step.Config = cloneRaw(step.Config)
		cp.Pipeline.Steps[i] = step
	}
	if w.Schedule != nil {
		schedule := *w.Schedule
		cp.Schedule = &schedule
	}
	return &cp
}

// CreateWorkflow stores a new workflow. Status defaults to ACTIVE.
func (s *Store) CreateWorkflow(_ context.Context, in *types.WorkflowInput) (*types.Workflow, error) {
	now := s.now()
	w := &types.Workflow{
		ID:        uuid.New(),
		Name:      in.Name,
		Owner:     in.Owner,
		Schedule:  in.Schedule,
		Source:    in.Source,
		Pipeline:  in.Pipeline,
		Status:    in.Status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if w.Status == "" {
		w.Status = types.WorkflowStatusActive
	}
	w = cloneWorkflow(w)

	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableWorkflows, w); err != nil {
		return nil, repository.Storage("create workflow", err)
	}
	txn.Commit()
	return cloneWorkflow(w), nil
}

// GetWorkflow returns the workflow with the given id.
func (s *Store) GetWorkflow(_ context.Context, id uuid.UUID) (*types.Workflow, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	w, err := getWorkflow(txn, id)
	if err != nil {
		return nil, err
	}
	return cloneWorkflow(w), nil
}

func getWorkflow(txn *memdb.Txn, id uuid.UUID) (*types.Workflow, error) {
	raw, err := txn.First(tableWorkflows, "id", id)
	if err != nil {
		return nil, repository.Storage("get workflow", err)
	}
	if raw == nil {
		return nil, repository.NotFound("workflow", id)
	}
	return raw.(*types.Workflow), nil
}

// ListWorkflows returns workflow summaries, most recently updated first.
func (s *Store) ListWorkflows(_ context.Context, filter repository.WorkflowFilter) ([]types.WorkflowSummary, error) {
	workflows, err := s.allWorkflows()
	if err != nil {
		return nil, err
	}

	var out []types.WorkflowSummary
	for _, w := range workflows {
		if filter.Status != nil && w.Status != *filter.Status {
			continue
		}
		if filter.Owner != "" && w.Owner != filter.Owner {
			continue
		}
		if filter.Scheduled && !w.Scheduled() {
			continue
		}
		out = append(out, w.Summary())
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListScheduledWorkflows returns ACTIVE workflows with a schedule.
func (s *Store) ListScheduledWorkflows(_ context.Context) ([]types.Workflow, error) {
	workflows, err := s.allWorkflows()
	if err != nil {
		return nil, err
	}
	var out []types.Workflow
	for _, w := range workflows {
		if w.Status == types.WorkflowStatusActive && w.Scheduled() {
			out = append(out, *cloneWorkflow(w))
		}
	}
	return out, nil
}

func (s *Store) allWorkflows() ([]*types.Workflow, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableWorkflows, "id")
	if err != nil {
		return nil, repository.Storage("list workflows", err)
	}
	var out []*types.Workflow
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*types.Workflow))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// UpdateWorkflow applies patch to the stored workflow.
func (s *Store) UpdateWorkflow(_ context.Context, id uuid.UUID, patch *types.WorkflowPatch) (*types.Workflow, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()
	current, err := getWorkflow(txn, id)
	if err != nil {
		return nil, err
	}
	w := cloneWorkflow(current)
	patch.Apply(w)
	w.UpdatedAt = s.now()
	w = cloneWorkflow(w)
	if err := txn.Insert(tableWorkflows, w); err != nil {
		return nil, repository.Storage("update workflow", err)
	}
	txn.Commit()
	return cloneWorkflow(w), nil
}

// UpdateWorkflowState replaces the source resumption state.
func (s *Store) UpdateWorkflowState(_ context.Context, id uuid.UUID, state json.RawMessage) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	current, err := getWorkflow(txn, id)
	if err != nil {
		return err
	}
	w := cloneWorkflow(current)
	w.State = cloneRaw(state)
	w.UpdatedAt = s.now()
	if err := txn.Insert(tableWorkflows, w); err != nil {
		return repository.Storage("update workflow state", err)
	}
	txn.Commit()
	return nil
}

// DeleteWorkflow removes the workflow together with its runs, their plugin
// runs and every item link.
func (s *Store) DeleteWorkflow(_ context.Context, id uuid.UUID) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	w, err := getWorkflow(txn, id)
	if err != nil {
		return err
	}

	runs, err := collect[*types.WorkflowRun](txn, tableRuns, "workflow", id)
	if err != nil {
		return repository.Storage("delete workflow", err)
	}
	for _, run := range runs {
		if err := deleteRun(txn, run); err != nil {
			return repository.Storage("delete workflow", err)
		}
	}
	if _, err := txn.DeleteAll(tableWorkflowItems, "workflow", id); err != nil {
		return repository.Storage("delete workflow", err)
	}
	if err := txn.Delete(tableWorkflows, w); err != nil {
		return repository.Storage("delete workflow", err)
	}
	txn.Commit()
	return nil
}

// collect reads every object matching the index lookup.
func collect[T any](txn *memdb.Txn, table, index string, args ...any) ([]T, error) {
	it, err := txn.Get(table, index, args...)
	if err != nil {
		return nil, err
	}
	var out []T
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(T))
	}
	return out, nil
}
