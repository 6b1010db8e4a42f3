package memstore

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"github.com/jonathan/workflow-runner/internal/repository"
	"github.com/jonathan/workflow-runner/internal/types"
)

func cloneRun(r *types.WorkflowRun) *types.WorkflowRun {
	cp := *r
	if r.TriggeredBy != nil {
		by := *r.TriggeredBy
		cp.TriggeredBy = &by
	}
	if r.FailureReason != nil {
		reason := *r.FailureReason
		cp.FailureReason = &reason
	}
	return &cp
}

// CreateWorkflowRun stores a new run. A RUNNING run gets StartedAt stamped.
func (s *Store) CreateWorkflowRun(_ context.Context, in *types.WorkflowRunInput) (*types.WorkflowRun, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if _, err := getWorkflow(txn, in.WorkflowID); err != nil {
		return nil, err
	}

	now := s.now()
	run := &types.WorkflowRun{
		ID:          uuid.New(),
		WorkflowID:  in.WorkflowID,
		TriggeredBy: in.TriggeredBy,
		Status:      in.Status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if run.Status == "" {
		run.Status = types.RunStatusPending
	}
	if run.Status == types.RunStatusRunning {
		run.StartedAt = timePtr(now)
	}
	run = cloneRun(run)
	if err := txn.Insert(tableRuns, run); err != nil {
		return nil, repository.Storage("create workflow run", err)
	}
	txn.Commit()
	return cloneRun(run), nil
}

func getRun(txn *memdb.Txn, id uuid.UUID) (*types.WorkflowRun, error) {
	raw, err := txn.First(tableRuns, "id", id)
	if err != nil {
		return nil, repository.Storage("get workflow run", err)
	}
	if raw == nil {
		return nil, repository.NotFound("workflow run", id)
	}
	return raw.(*types.WorkflowRun), nil
}

// GetWorkflowRun returns the run with the given id.
func (s *Store) GetWorkflowRun(_ context.Context, id uuid.UUID) (*types.WorkflowRun, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	run, err := getRun(txn, id)
	if err != nil {
		return nil, err
	}
	return cloneRun(run), nil
}

// GetWorkflowRunDetail returns the run joined with its workflow summary,
// plugin runs and items.
func (s *Store) GetWorkflowRunDetail(_ context.Context, id uuid.UUID) (*types.WorkflowRunDetail, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	run, err := getRun(txn, id)
	if err != nil {
		return nil, err
	}
	w, err := getWorkflow(txn, run.WorkflowID)
	if err != nil {
		return nil, err
	}

	detail := &types.WorkflowRunDetail{Run: *cloneRun(run), Workflow: w.Summary()}

	pluginRuns, err := collect[*types.PluginRun](txn, tablePluginRuns, "run", id)
	if err != nil {
		return nil, repository.Storage("get workflow run detail", err)
	}
	sortPluginRuns(pluginRuns)
	for _, pr := range pluginRuns {
		detail.PluginRuns = append(detail.PluginRuns, *clonePluginRun(pr))
	}

	links, err := collect[*types.RunItem](txn, tableRunItems, "run", id)
	if err != nil {
		return nil, repository.Storage("get workflow run detail", err)
	}
	sortRunItems(links)
	for _, link := range links {
		item, err := getItem(txn, link.SourceItemID)
		if err != nil {
			return nil, err
		}
		detail.Items = append(detail.Items, types.RunItemDetail{
			Item:        *cloneItem(item),
			ProcessedAt: link.ProcessedAt,
		})
	}
	return detail, nil
}

// ListWorkflowRuns returns runs, newest first.
func (s *Store) ListWorkflowRuns(_ context.Context, filter repository.RunFilter) ([]types.WorkflowRun, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	var runs []*types.WorkflowRun
	var err error
	if filter.WorkflowID != nil {
		runs, err = collect[*types.WorkflowRun](txn, tableRuns, "workflow", *filter.WorkflowID)
	} else {
		runs, err = collect[*types.WorkflowRun](txn, tableRuns, "id")
	}
	if err != nil {
		return nil, repository.Storage("list workflow runs", err)
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	var out []types.WorkflowRun
	for _, run := range runs {
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		out = append(out, *cloneRun(run))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// GetActiveRun returns the most recent RUNNING run of the workflow, or nil.
func (s *Store) GetActiveRun(ctx context.Context, workflowID uuid.UUID) (*types.WorkflowRun, error) {
	running := types.RunStatusRunning
	runs, err := s.ListWorkflowRuns(ctx, repository.RunFilter{WorkflowID: &workflowID, Status: &running, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// UpdateWorkflowRun applies patch to the stored run.
func (s *Store) UpdateWorkflowRun(_ context.Context, id uuid.UUID, patch *types.WorkflowRunPatch) (*types.WorkflowRun, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()
	current, err := getRun(txn, id)
	if err != nil {
		return nil, err
	}
	run, err := s.applyRunPatch(txn, current, patch)
	if err != nil {
		return nil, err
	}
	txn.Commit()
	return run, nil
}

// TransitionWorkflowRun applies patch only while the stored status is expected.
func (s *Store) TransitionWorkflowRun(_ context.Context, id uuid.UUID, expected types.RunStatus, patch *types.WorkflowRunPatch) (*types.WorkflowRun, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()
	current, err := getRun(txn, id)
	if err != nil {
		return nil, err
	}
	if current.Status != expected {
		return nil, nil
	}
	run, err := s.applyRunPatch(txn, current, patch)
	if err != nil {
		return nil, err
	}
	txn.Commit()
	return run, nil
}

func (s *Store) applyRunPatch(txn *memdb.Txn, current *types.WorkflowRun, patch *types.WorkflowRunPatch) (*types.WorkflowRun, error) {
	run := cloneRun(current)
	patch.Apply(run)
	run.UpdatedAt = s.now()
	if run.Status == types.RunStatusRunning && run.StartedAt == nil {
		run.StartedAt = timePtr(run.UpdatedAt)
	}
	if err := txn.Insert(tableRuns, run); err != nil {
		return nil, repository.Storage("update workflow run", err)
	}
	return cloneRun(run), nil
}

// DeleteWorkflowRun removes the run, its plugin runs and its item links.
func (s *Store) DeleteWorkflowRun(_ context.Context, id uuid.UUID) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	run, err := getRun(txn, id)
	if err != nil {
		return err
	}
	if err := deleteRun(txn, run); err != nil {
		return repository.Storage("delete workflow run", err)
	}
	txn.Commit()
	return nil
}

func deleteRun(txn *memdb.Txn, run *types.WorkflowRun) error {
	if _, err := txn.DeleteAll(tablePluginRuns, "run", run.ID); err != nil {
		return err
	}
	if _, err := txn.DeleteAll(tableRunItems, "run", run.ID); err != nil {
		return err
	}
	return txn.Delete(tableRuns, run)
}
