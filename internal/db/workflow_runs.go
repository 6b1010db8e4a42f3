package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonathan/workflow-runner/internal/repository"
	"github.com/jonathan/workflow-runner/internal/types"
)

// -----------------------------------------------------------------------------
// Workflow Run Methods
// -----------------------------------------------------------------------------

const runColumns = `id, workflow_id, triggered_by, status, items_total, items_processed,
	failure_reason, started_at, completed_at, source_completed_at, created_at, updated_at`

func scanRun(row rowScanner) (*types.WorkflowRun, error) {
	var r types.WorkflowRun
	if err := row.Scan(&r.ID, &r.WorkflowID, &r.TriggeredBy, &r.Status, &r.ItemsTotal, &r.ItemsProcessed,
		&r.FailureReason, &r.StartedAt, &r.CompletedAt, &r.SourceCompletedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if !r.Status.Valid() {
		return nil, &repository.ValidationError{Entity: "workflow run", ID: r.ID.String(),
			Detail: fmt.Sprintf("unknown status %q", r.Status)}
	}
	return &r, nil
}

// CreateWorkflowRun inserts a run. A RUNNING run gets started_at stamped.
func (db *DB) CreateWorkflowRun(ctx context.Context, in *types.WorkflowRunInput) (*types.WorkflowRun, error) {
	status := in.Status
	if status == "" {
		status = types.RunStatusPending
	}

	run, err := scanRun(db.pool.QueryRow(ctx,
		`INSERT INTO workflow_runs (workflow_id, triggered_by, status, started_at)
		 VALUES ($1, $2, $3, CASE WHEN $3 = 'RUNNING' THEN NOW() END)
		 RETURNING `+runColumns,
		in.WorkflowID, in.TriggeredBy, string(status),
	))
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, repository.NotFound("workflow", in.WorkflowID)
		}
		return nil, repository.Storage("create workflow run", err)
	}
	return run, nil
}

// GetWorkflowRun retrieves a run by ID
func (db *DB) GetWorkflowRun(ctx context.Context, id uuid.UUID) (*types.WorkflowRun, error) {
	return getRun(ctx, db.pool, id, false)
}

func getRun(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*types.WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	run, err := scanRun(q.QueryRow(ctx, query, id))
	if err != nil {
		if isNoRows(err) {
			return nil, repository.NotFound("workflow run", id)
		}
		return nil, repository.Storage("get workflow run", err)
	}
	return run, nil
}

// GetWorkflowRunDetail joins a run with its workflow, plugin runs and items
func (db *DB) GetWorkflowRunDetail(ctx context.Context, id uuid.UUID) (*types.WorkflowRunDetail, error) {
	run, err := db.GetWorkflowRun(ctx, id)
	if err != nil {
		return nil, err
	}
	w, err := db.GetWorkflow(ctx, run.WorkflowID)
	if err != nil {
		return nil, err
	}
	pluginRuns, err := db.ListPluginRuns(ctx, repository.PluginRunFilter{WorkflowRunID: &id})
	if err != nil {
		return nil, err
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+prefixed("i", itemColumns)+`, l.processed_at
		 FROM workflow_run_source_items l
		 JOIN source_items i ON i.id = l.source_item_id
		 WHERE l.workflow_run_id = $1
		 ORDER BY l.created_at, i.id`,
		id,
	)
	if err != nil {
		return nil, repository.Storage("get workflow run detail", err)
	}
	defer rows.Close()

	detail := &types.WorkflowRunDetail{Run: *run, Workflow: w.Summary(), PluginRuns: pluginRuns}
	for rows.Next() {
		var d types.RunItemDetail
		var data []byte
		if err := rows.Scan(&d.Item.ID, &d.Item.ExternalID, &data, &d.Item.ProcessedAt,
			&d.Item.CreatedAt, &d.Item.UpdatedAt, &d.ProcessedAt); err != nil {
			return nil, repository.Storage("get workflow run detail", err)
		}
		d.Item.Data = data
		detail.Items = append(detail.Items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, repository.Storage("get workflow run detail", err)
	}
	return detail, nil
}

// ListWorkflowRuns retrieves runs with optional filters, newest first
func (db *DB) ListWorkflowRuns(ctx context.Context, filter repository.RunFilter) ([]types.WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE 1=1`
	args := []any{}
	argNum := 1

	if filter.WorkflowID != nil {
		query += fmt.Sprintf(" AND workflow_id = $%d", argNum)
		args = append(args, *filter.WorkflowID)
		argNum++
	}
	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, string(*filter.Status))
		argNum++
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
	}
	return db.queryRuns(ctx, "list workflow runs", query, args...)
}

func (db *DB) queryRuns(ctx context.Context, op, query string, args ...any) ([]types.WorkflowRun, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, repository.Storage(op, err)
	}
	defer rows.Close()

	var runs []types.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, repository.Storage(op, err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, repository.Storage(op, err)
	}
	return runs, nil
}

// GetActiveRun returns the most recent RUNNING run of a workflow, or nil
func (db *DB) GetActiveRun(ctx context.Context, workflowID uuid.UUID) (*types.WorkflowRun, error) {
	running := types.RunStatusRunning
	runs, err := db.ListWorkflowRuns(ctx, repository.RunFilter{WorkflowID: &workflowID, Status: &running, Limit: 1})
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

// UpdateWorkflowRun applies patch to a run
func (db *DB) UpdateWorkflowRun(ctx context.Context, id uuid.UUID, patch *types.WorkflowRunPatch) (*types.WorkflowRun, error) {
	var updated *types.WorkflowRun
	err := db.inTx(ctx, "update workflow run", func(tx pgx.Tx) error {
		current, err := getRun(ctx, tx, id, true)
		if err != nil {
			return err
		}
		updated, err = writeRun(ctx, tx, current, patch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// TransitionWorkflowRun applies patch only while the stored status equals
// expected. It returns nil, nil when another writer got there first.
func (db *DB) TransitionWorkflowRun(ctx context.Context, id uuid.UUID, expected types.RunStatus, patch *types.WorkflowRunPatch) (*types.WorkflowRun, error) {
	var updated *types.WorkflowRun
	err := db.inTx(ctx, "transition workflow run", func(tx pgx.Tx) error {
		current, err := getRun(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if current.Status != expected {
			return nil
		}
		updated, err = writeRun(ctx, tx, current, patch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// writeRun persists current with patch applied. The row must be locked.
func writeRun(ctx context.Context, tx pgx.Tx, current *types.WorkflowRun, patch *types.WorkflowRunPatch) (*types.WorkflowRun, error) {
	next := *current
	patch.Apply(&next)
	return scanRun(tx.QueryRow(ctx,
		`UPDATE workflow_runs
		 SET status = $2, items_total = $3, items_processed = $4, failure_reason = $5,
		     started_at = COALESCE($6, CASE WHEN $2 = 'RUNNING' THEN NOW() END),
		     completed_at = $7, source_completed_at = $8, updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+runColumns,
		next.ID, string(next.Status), next.ItemsTotal, next.ItemsProcessed, next.FailureReason,
		next.StartedAt, next.CompletedAt, next.SourceCompletedAt,
	))
}

// DeleteWorkflowRun deletes a run; plugin runs and item links cascade
func (db *DB) DeleteWorkflowRun(ctx context.Context, id uuid.UUID) error {
	result, err := db.pool.Exec(ctx, `DELETE FROM workflow_runs WHERE id = $1`, id)
	if err != nil {
		return repository.Storage("delete workflow run", err)
	}
	if result.RowsAffected() == 0 {
		return repository.NotFound("workflow run", id)
	}
	return nil
}
