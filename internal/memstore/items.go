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

func cloneItem(item *types.SourceItem) *types.SourceItem {
	cp := *item
	cp.Data = cloneRaw(item.Data)
	return &cp
}

func getItem(txn *memdb.Txn, id uuid.UUID) (*types.SourceItem, error) {
	raw, err := txn.First(tableItems, "id", id)
	if err != nil {
		return nil, repository.Storage("get source item", err)
	}
	if raw == nil {
		return nil, repository.NotFound("source item", id)
	}
	return raw.(*types.SourceItem), nil
}

func sortRunItems(links []*types.RunItem) {
	sort.SliceStable(links, func(i, j int) bool {
		return links[i].CreatedAt.Before(links[j].CreatedAt)
	})
}

// UpsertSourceItem inserts a new item or replaces the data of the item with
// the same external id. CreatedAt is preserved on update.
func (s *Store) UpsertSourceItem(_ context.Context, externalID string, data json.RawMessage) (*types.SourceItem, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	now := s.now()
	raw, err := txn.First(tableItems, "external_id", externalID)
	if err != nil {
		return nil, repository.Storage("upsert source item", err)
	}

	var item *types.SourceItem
	if raw != nil {
		item = cloneItem(raw.(*types.SourceItem))
		item.Data = cloneRaw(data)
		item.UpdatedAt = now
	} else {
		item = &types.SourceItem{
			ID:         uuid.New(),
			ExternalID: externalID,
			Data:       cloneRaw(data),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}
	if err := txn.Insert(tableItems, item); err != nil {
		return nil, repository.Storage("upsert source item", err)
	}
	txn.Commit()
	return cloneItem(item), nil
}

// GetSourceItem returns the item with the given id.
func (s *Store) GetSourceItem(_ context.Context, id uuid.UUID) (*types.SourceItem, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	item, err := getItem(txn, id)
	if err != nil {
		return nil, err
	}
	return cloneItem(item), nil
}

// GetSourceItemDetail returns the item with its workflow and run links.
func (s *Store) GetSourceItemDetail(_ context.Context, id uuid.UUID) (*types.SourceItemDetail, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	item, err := getItem(txn, id)
	if err != nil {
		return nil, err
	}

	detail := &types.SourceItemDetail{Item: *cloneItem(item)}
	workflowLinks, err := collect[*types.WorkflowItem](txn, tableWorkflowItems, "item", id)
	if err != nil {
		return nil, repository.Storage("get source item detail", err)
	}
	for _, link := range workflowLinks {
		detail.Workflows = append(detail.Workflows, *link)
	}
	runLinks, err := collect[*types.RunItem](txn, tableRunItems, "item", id)
	if err != nil {
		return nil, repository.Storage("get source item detail", err)
	}
	sortRunItems(runLinks)
	for _, link := range runLinks {
		detail.Runs = append(detail.Runs, *link)
	}
	return detail, nil
}

// LinkWorkflowItem records that the workflow discovered the item.
func (s *Store) LinkWorkflowItem(_ context.Context, workflowID, itemID uuid.UUID) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if _, err := getWorkflow(txn, workflowID); err != nil {
		return err
	}
	if _, err := getItem(txn, itemID); err != nil {
		return err
	}
	existing, err := txn.First(tableWorkflowItems, "id", workflowID, itemID)
	if err != nil {
		return repository.Storage("link workflow item", err)
	}
	if existing != nil {
		return nil
	}
	link := &types.WorkflowItem{WorkflowID: workflowID, SourceItemID: itemID, FirstSeenAt: s.now()}
	if err := txn.Insert(tableWorkflowItems, link); err != nil {
		return repository.Storage("link workflow item", err)
	}
	txn.Commit()
	return nil
}

// LinkRunItem records that the run includes the item.
func (s *Store) LinkRunItem(_ context.Context, runID, itemID uuid.UUID) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if _, err := getRun(txn, runID); err != nil {
		return err
	}
	if _, err := getItem(txn, itemID); err != nil {
		return err
	}
	existing, err := txn.First(tableRunItems, "id", runID, itemID)
	if err != nil {
		return repository.Storage("link run item", err)
	}
	if existing != nil {
		return nil
	}
	link := &types.RunItem{WorkflowRunID: runID, SourceItemID: itemID, CreatedAt: s.now()}
	if err := txn.Insert(tableRunItems, link); err != nil {
		return repository.Storage("link run item", err)
	}
	txn.Commit()
	return nil
}

// ListWorkflowItems returns the items discovered by a workflow in discovery order.
func (s *Store) ListWorkflowItems(_ context.Context, workflowID uuid.UUID) ([]types.SourceItem, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	links, err := collect[*types.WorkflowItem](txn, tableWorkflowItems, "workflow", workflowID)
	if err != nil {
		return nil, repository.Storage("list workflow items", err)
	}
	sort.SliceStable(links, func(i, j int) bool {
		return links[i].FirstSeenAt.Before(links[j].FirstSeenAt)
	})
	var out []types.SourceItem
	for _, link := range links {
		item, err := getItem(txn, link.SourceItemID)
		if err != nil {
			return nil, err
		}
		out = append(out, *cloneItem(item))
	}
	return out, nil
}

// ListRunItems returns the run's item links.
func (s *Store) ListRunItems(_ context.Context, runID uuid.UUID) ([]types.RunItem, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	links, err := collect[*types.RunItem](txn, tableRunItems, "run", runID)
	if err != nil {
		return nil, repository.Storage("list run items", err)
	}
	sortRunItems(links)
	out := make([]types.RunItem, 0, len(links))
	for _, link := range links {
		out = append(out, *link)
	}
	return out, nil
}

// MarkRunItemProcessed stamps the run link and the item's first processing time.
func (s *Store) MarkRunItemProcessed(_ context.Context, runID, itemID uuid.UUID) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableRunItems, "id", runID, itemID)
	if err != nil {
		return repository.Storage("mark run item processed", err)
	}
	if raw == nil {
		return &repository.NotFoundError{Entity: "run item", ID: runID.String() + "/" + itemID.String()}
	}

	now := s.now()
	link := *raw.(*types.RunItem)
	if link.ProcessedAt == nil {
		link.ProcessedAt = timePtr(now)
		if err := txn.Insert(tableRunItems, &link); err != nil {
			return repository.Storage("mark run item processed", err)
		}
	}

	item, err := getItem(txn, itemID)
	if err != nil {
		return err
	}
	if item.ProcessedAt == nil {
		updated := cloneItem(item)
		updated.ProcessedAt = timePtr(now)
		updated.UpdatedAt = now
		if err := txn.Insert(tableItems, updated); err != nil {
			return repository.Storage("mark run item processed", err)
		}
	}
	txn.Commit()
	return nil
}

// ListRunsForItem returns every run that included the item, newest first.
func (s *Store) ListRunsForItem(_ context.Context, itemID uuid.UUID) ([]types.WorkflowRun, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	links, err := collect[*types.RunItem](txn, tableRunItems, "item", itemID)
	if err != nil {
		return nil, repository.Storage("list runs for item", err)
	}
	var out []types.WorkflowRun
	for _, link := range links {
		run, err := getRun(txn, link.WorkflowRunID)
		if err != nil {
			return nil, err
		}
		out = append(out, *cloneRun(run))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
