package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonathan/workflow-runner/internal/repository"
	"github.com/jonathan/workflow-runner/internal/types"
)

// -----------------------------------------------------------------------------
// Workflow Methods
// -----------------------------------------------------------------------------

const workflowColumns = `id, name, owner, schedule, source, pipeline, status, state, created_at, updated_at`

func scanWorkflow(row rowScanner) (*types.Workflow, error) {
	var w types.Workflow
	var sourceJSON, pipelineJSON, stateJSON []byte
	if err := row.Scan(&w.ID, &w.Name, &w.Owner, &w.Schedule, &sourceJSON, &pipelineJSON,
		&w.Status, &stateJSON, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(sourceJSON, &w.Source); err != nil {
		return nil, &repository.ValidationError{Entity: "workflow", ID: w.ID.String(), Raw: sourceJSON,
			Detail: fmt.Sprintf("invalid source: %v", err)}
	}
	if err := json.Unmarshal(pipelineJSON, &w.Pipeline); err != nil {
		return nil, &repository.ValidationError{Entity: "workflow", ID: w.ID.String(), Raw: pipelineJSON,
			Detail: fmt.Sprintf("invalid pipeline: %v", err)}
	}
	if !w.Status.Valid() {
		return nil, &repository.ValidationError{Entity: "workflow", ID: w.ID.String(),
			Detail: fmt.Sprintf("unknown status %q", w.Status)}
	}
	if len(stateJSON) > 0 {
		w.State = stateJSON
	}
	return &w, nil
}

func encodeWorkflowDefinition(source types.SourceConfig, pipeline types.Pipeline) ([]byte, []byte, error) {
	sourceJSON, err := json.Marshal(source)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal source: %w", err)
	}
	if pipeline.Steps == nil {
		pipeline.Steps = []types.PipelineStep{}
	}
	pipelineJSON, err := json.Marshal(pipeline)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal pipeline: %w", err)
	}
	return sourceJSON, pipelineJSON, nil
}

// CreateWorkflow inserts a new workflow. Status defaults to ACTIVE.
func (db *DB) CreateWorkflow(ctx context.Context, in *types.WorkflowInput) (*types.Workflow, error) {
	sourceJSON, pipelineJSON, err := encodeWorkflowDefinition(in.Source, in.Pipeline)
	if err != nil {
		return nil, err
	}
	status := in.Status
	if status == "" {
		status = types.WorkflowStatusActive
	}

	w, err := scanWorkflow(db.pool.QueryRow(ctx,
		`INSERT INTO workflows (name, owner, schedule, source, pipeline, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+workflowColumns,
		in.Name, in.Owner, in.Schedule, sourceJSON, pipelineJSON, status,
	))
	if err != nil {
		return nil, repository.Storage("create workflow", err)
	}
	return w, nil
}

// GetWorkflow retrieves a workflow by ID
func (db *DB) GetWorkflow(ctx context.Context, id uuid.UUID) (*types.Workflow, error) {
	return getWorkflow(ctx, db.pool, id)
}

func getWorkflow(ctx context.Context, q querier, id uuid.UUID) (*types.Workflow, error) {
	w, err := scanWorkflow(q.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, repository.NotFound("workflow", id)
		}
		return nil, repository.Storage("get workflow", err)
	}
	return w, nil
}

// ListWorkflows retrieves workflow summaries, most recently updated first
func (db *DB) ListWorkflows(ctx context.Context, filter repository.WorkflowFilter) ([]types.WorkflowSummary, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE 1=1`
	args := []any{}
	argNum := 1

	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, *filter.Status)
		argNum++
	}
	if filter.Owner != "" {
		query += fmt.Sprintf(" AND owner = $%d", argNum)
		args = append(args, filter.Owner)
		argNum++
	}
	if filter.Scheduled {
		query += " AND schedule IS NOT NULL AND schedule <> ''"
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
	}

	workflows, err := db.queryWorkflows(ctx, "list workflows", query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]types.WorkflowSummary, 0, len(workflows))
	for i := range workflows {
		out = append(out, workflows[i].Summary())
	}
	return out, nil
}

// ListScheduledWorkflows returns ACTIVE workflows with a schedule
func (db *DB) ListScheduledWorkflows(ctx context.Context) ([]types.Workflow, error) {
	return db.queryWorkflows(ctx, "list scheduled workflows",
		`SELECT `+workflowColumns+` FROM workflows
		 WHERE status = $1 AND schedule IS NOT NULL AND schedule <> ''
		 ORDER BY created_at`,
		types.WorkflowStatusActive,
	)
}

func (db *DB) queryWorkflows(ctx context.Context, op, query string, args ...any) ([]types.Workflow, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, repository.Storage(op, err)
	}
	defer rows.Close()

	var workflows []types.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, repository.Storage(op, err)
		}
		workflows = append(workflows, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, repository.Storage(op, err)
	}
	return workflows, nil
}

// UpdateWorkflow applies a patch to a workflow inside a transaction
func (db *DB) UpdateWorkflow(ctx context.Context, id uuid.UUID, patch *types.WorkflowPatch) (*types.Workflow, error) {
	var updated *types.Workflow
	err := db.inTx(ctx, "update workflow", func(tx pgx.Tx) error {
		current, err := scanWorkflow(tx.QueryRow(ctx,
			`SELECT `+workflowColumns+` FROM workflows WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if isNoRows(err) {
				return repository.NotFound("workflow", id)
			}
			return err
		}

		patch.Apply(current)
		sourceJSON, pipelineJSON, err := encodeWorkflowDefinition(current.Source, current.Pipeline)
		if err != nil {
			return err
		}

		updated, err = scanWorkflow(tx.QueryRow(ctx,
			`UPDATE workflows
			 SET name = $2, schedule = $3, source = $4, pipeline = $5, status = $6, updated_at = NOW()
			 WHERE id = $1
			 RETURNING `+workflowColumns,
			id, current.Name, current.Schedule, sourceJSON, pipelineJSON, current.Status,
		))
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateWorkflowState replaces the source resumption state
func (db *DB) UpdateWorkflowState(ctx context.Context, id uuid.UUID, state json.RawMessage) error {
	result, err := db.pool.Exec(ctx,
		`UPDATE workflows SET state = $2, updated_at = NOW() WHERE id = $1`,
		id, nullableJSON(state),
	)
	if err != nil {
		return repository.Storage("update workflow state", err)
	}
	if result.RowsAffected() == 0 {
		return repository.NotFound("workflow", id)
	}
	return nil
}

// DeleteWorkflow deletes a workflow; runs, plugin runs and links cascade
func (db *DB) DeleteWorkflow(ctx context.Context, id uuid.UUID) error {
	result, err := db.pool.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return repository.Storage("delete workflow", err)
	}
	if result.RowsAffected() == 0 {
		return repository.NotFound("workflow", id)
	}
	return nil
}
