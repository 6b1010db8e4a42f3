package db

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonathan/workflow-runner/internal/repository"
	"github.com/jonathan/workflow-runner/internal/types"
)

// -----------------------------------------------------------------------------
// Source Item Methods
// -----------------------------------------------------------------------------

const itemColumns = `id, external_id, data, processed_at, created_at, updated_at`

// prefixed qualifies a column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func scanItem(row rowScanner) (*types.SourceItem, error) {
	var item types.SourceItem
	var data []byte
	if err := row.Scan(&item.ID, &item.ExternalID, &data, &item.ProcessedAt,
		&item.CreatedAt, &item.UpdatedAt); err != nil {
		return nil, err
	}
	item.Data = data
	return &item, nil
}

// UpsertSourceItem inserts an item or replaces the data of the item with the
// same external id
func (db *DB) UpsertSourceItem(ctx context.Context, externalID string, data json.RawMessage) (*types.SourceItem, error) {
	item, err := scanItem(db.pool.QueryRow(ctx,
		`INSERT INTO source_items (external_id, data)
		 VALUES ($1, $2)
		 ON CONFLICT (external_id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()
		 RETURNING `+itemColumns,
		externalID, []byte(types.JSONOrNull(data)),
	))
	if err != nil {
		return nil, repository.Storage("upsert source item", err)
	}
	return item, nil
}

// GetSourceItem retrieves an item by ID
func (db *DB) GetSourceItem(ctx context.Context, id uuid.UUID) (*types.SourceItem, error) {
	item, err := scanItem(db.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM source_items WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, repository.NotFound("source item", id)
		}
		return nil, repository.Storage("get source item", err)
	}
	return item, nil
}

// GetSourceItemDetail retrieves an item with its workflow and run links
func (db *DB) GetSourceItemDetail(ctx context.Context, id uuid.UUID) (*types.SourceItemDetail, error) {
	item, err := db.GetSourceItem(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &types.SourceItemDetail{Item: *item}

	rows, err := db.pool.Query(ctx,
		`SELECT workflow_id, source_item_id, first_seen_at
		 FROM workflow_source_items WHERE source_item_id = $1
		 ORDER BY first_seen_at`,
		id,
	)
	if err != nil {
		return nil, repository.Storage("get source item detail", err)
	}
	detail.Workflows, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.WorkflowItem, error) {
		var link types.WorkflowItem
		err := row.Scan(&link.WorkflowID, &link.SourceItemID, &link.FirstSeenAt)
		return link, err
	})
	if err != nil {
		return nil, repository.Storage("get source item detail", err)
	}

	rows, err = db.pool.Query(ctx,
		`SELECT workflow_run_id, source_item_id, processed_at, created_at
		 FROM workflow_run_source_items WHERE source_item_id = $1
		 ORDER BY created_at`,
		id,
	)
	if err != nil {
		return nil, repository.Storage("get source item detail", err)
	}
	detail.Runs, err = pgx.CollectRows(rows, scanRunItem)
	if err != nil {
		return nil, repository.Storage("get source item detail", err)
	}
	return detail, nil
}

func scanRunItem(row pgx.CollectableRow) (types.RunItem, error) {
	var link types.RunItem
	err := row.Scan(&link.WorkflowRunID, &link.SourceItemID, &link.ProcessedAt, &link.CreatedAt)
	return link, err
}

// LinkWorkflowItem records that a workflow discovered an item
func (db *DB) LinkWorkflowItem(ctx context.Context, workflowID, itemID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO workflow_source_items (workflow_id, source_item_id)
		 VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		workflowID, itemID,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return &repository.NotFoundError{Entity: "workflow or source item", ID: workflowID.String() + "/" + itemID.String()}
		}
		return repository.Storage("link workflow item", err)
	}
	return nil
}

// LinkRunItem records that a run includes an item
func (db *DB) LinkRunItem(ctx context.Context, runID, itemID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO workflow_run_source_items (workflow_run_id, source_item_id)
		 VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		runID, itemID,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return &repository.NotFoundError{Entity: "workflow run or source item", ID: runID.String() + "/" + itemID.String()}
		}
		return repository.Storage("link run item", err)
	}
	return nil
}

// ListWorkflowItems retrieves the items a workflow discovered, oldest first
func (db *DB) ListWorkflowItems(ctx context.Context, workflowID uuid.UUID) ([]types.SourceItem, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+prefixed("i", itemColumns)+`
		 FROM workflow_source_items l
		 JOIN source_items i ON i.id = l.source_item_id
		 WHERE l.workflow_id = $1
		 ORDER BY l.first_seen_at, i.id`,
		workflowID,
	)
	if err != nil {
		return nil, repository.Storage("list workflow items", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.SourceItem, error) {
		item, err := scanItem(row)
		if err != nil {
			return types.SourceItem{}, err
		}
		return *item, nil
	})
	if err != nil {
		return nil, repository.Storage("list workflow items", err)
	}
	return items, nil
}

// ListRunItems retrieves a run's item links in link order
func (db *DB) ListRunItems(ctx context.Context, runID uuid.UUID) ([]types.RunItem, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT workflow_run_id, source_item_id, processed_at, created_at
		 FROM workflow_run_source_items WHERE workflow_run_id = $1
		 ORDER BY created_at, source_item_id`,
		runID,
	)
	if err != nil {
		return nil, repository.Storage("list run items", err)
	}
	links, err := pgx.CollectRows(rows, scanRunItem)
	if err != nil {
		return nil, repository.Storage("list run items", err)
	}
	return links, nil
}

// MarkRunItemProcessed stamps the run link and the item's first processing time
func (db *DB) MarkRunItemProcessed(ctx context.Context, runID, itemID uuid.UUID) error {
	return db.inTx(ctx, "mark run item processed", func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx,
			`UPDATE workflow_run_source_items
			 SET processed_at = COALESCE(processed_at, NOW())
			 WHERE workflow_run_id = $1 AND source_item_id = $2`,
			runID, itemID,
		)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return &repository.NotFoundError{Entity: "run item", ID: runID.String() + "/" + itemID.String()}
		}
		_, err = tx.Exec(ctx,
			`UPDATE source_items SET processed_at = NOW(), updated_at = NOW()
			 WHERE id = $1 AND processed_at IS NULL`,
			itemID,
		)
		return err
	})
}

// ListRunsForItem retrieves every run that included an item, newest first
func (db *DB) ListRunsForItem(ctx context.Context, itemID uuid.UUID) ([]types.WorkflowRun, error) {
	return db.queryRuns(ctx, "list runs for item",
		`SELECT `+prefixed("r", runColumns)+`
		 FROM workflow_run_source_items l
		 JOIN workflow_runs r ON r.id = l.workflow_run_id
		 WHERE l.source_item_id = $1
		 ORDER BY r.created_at DESC`,
		itemID,
	)
}
