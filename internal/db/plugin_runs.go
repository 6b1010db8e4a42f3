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
// Plugin Run Methods
// -----------------------------------------------------------------------------

const pluginRunColumns = `id, workflow_run_id, source_item_id, step_id, plugin_id, type, config, input,
	output, error, status, started_at, completed_at, retry_count, created_at, updated_at`

func scanPluginRun(row rowScanner) (*types.PluginRun, error) {
	var pr types.PluginRun
	var configJSON, inputJSON, outputJSON, errorJSON []byte
	if err := row.Scan(&pr.ID, &pr.WorkflowRunID, &pr.SourceItemID, &pr.StepID, &pr.PluginID, &pr.Type,
		&configJSON, &inputJSON, &outputJSON, &errorJSON, &pr.Status, &pr.StartedAt, &pr.CompletedAt,
		&pr.RetryCount, &pr.CreatedAt, &pr.UpdatedAt); err != nil {
		return nil, err
	}
	if !pr.Status.Valid() {
		return nil, &repository.ValidationError{Entity: "plugin run", ID: pr.ID.String(),
			Detail: fmt.Sprintf("unknown status %q", pr.Status)}
	}
	pr.Config = configJSON
	pr.Input = inputJSON
	pr.Output = outputJSON
	pr.Error = errorJSON
	return &pr, nil
}

func collectPluginRun(row pgx.CollectableRow) (types.PluginRun, error) {
	pr, err := scanPluginRun(row)
	if err != nil {
		return types.PluginRun{}, err
	}
	return *pr, nil
}

// CreatePluginRun inserts a plugin run. The partial unique index rejects a
// second PIPELINE run for the same (run, item, step).
func (db *DB) CreatePluginRun(ctx context.Context, in *types.PluginRunInput) (*types.PluginRun, error) {
	status := in.Status
	if status == "" {
		status = types.PluginRunStatusPending
	}

	pr, err := scanPluginRun(db.pool.QueryRow(ctx,
		`INSERT INTO plugin_runs (workflow_run_id, source_item_id, step_id, plugin_id, type, config, input, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+pluginRunColumns,
		in.WorkflowRunID, in.SourceItemID, in.StepID, in.PluginID, string(in.Type),
		nullableJSON(in.Config), nullableJSON(in.Input), string(status), in.StartedAt,
	))
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, repository.NotFound("workflow run", in.WorkflowRunID)
		}
		if isUniqueViolation(err) {
			return nil, repository.Storage("create plugin run",
				fmt.Errorf("plugin run already exists for step %s: %w", in.StepID, err))
		}
		return nil, repository.Storage("create plugin run", err)
	}
	return pr, nil
}

// GetPluginRun retrieves a plugin run by ID
func (db *DB) GetPluginRun(ctx context.Context, id uuid.UUID) (*types.PluginRun, error) {
	pr, err := scanPluginRun(db.pool.QueryRow(ctx,
		`SELECT `+pluginRunColumns+` FROM plugin_runs WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, repository.NotFound("plugin run", id)
		}
		return nil, repository.Storage("get plugin run", err)
	}
	return pr, nil
}

// FindPluginRun retrieves the pipeline plugin run for the triple, or nil
func (db *DB) FindPluginRun(ctx context.Context, runID, itemID uuid.UUID, stepID string) (*types.PluginRun, error) {
	pr, err := scanPluginRun(db.pool.QueryRow(ctx,
		`SELECT `+pluginRunColumns+` FROM plugin_runs
		 WHERE workflow_run_id = $1 AND source_item_id = $2 AND step_id = $3 AND type = 'PIPELINE'`,
		runID, itemID, stepID,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, repository.Storage("find plugin run", err)
	}
	return pr, nil
}

// ListPluginRuns retrieves plugin runs with optional filters in creation order
func (db *DB) ListPluginRuns(ctx context.Context, filter repository.PluginRunFilter) ([]types.PluginRun, error) {
	query := `SELECT ` + pluginRunColumns + ` FROM plugin_runs WHERE 1=1`
	args := []any{}
	argNum := 1

	if filter.WorkflowRunID != nil {
		query += fmt.Sprintf(" AND workflow_run_id = $%d", argNum)
		args = append(args, *filter.WorkflowRunID)
		argNum++
	}
	if filter.SourceItemID != nil {
		query += fmt.Sprintf(" AND source_item_id = $%d", argNum)
		args = append(args, *filter.SourceItemID)
		argNum++
	}
	if filter.Type != nil {
		query += fmt.Sprintf(" AND type = $%d", argNum)
		args = append(args, string(*filter.Type))
		argNum++
	}
	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, string(*filter.Status))
	}
	query += " ORDER BY created_at, id"

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, repository.Storage("list plugin runs", err)
	}
	runs, err := pgx.CollectRows(rows, collectPluginRun)
	if err != nil {
		return nil, repository.Storage("list plugin runs", err)
	}
	return runs, nil
}

// UpdatePluginRun applies patch to a plugin run
func (db *DB) UpdatePluginRun(ctx context.Context, id uuid.UUID, patch *types.PluginRunPatch) (*types.PluginRun, error) {
	var updated *types.PluginRun
	err := db.inTx(ctx, "update plugin run", func(tx pgx.Tx) error {
		current, err := scanPluginRun(tx.QueryRow(ctx,
			`SELECT `+pluginRunColumns+` FROM plugin_runs WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if isNoRows(err) {
				return repository.NotFound("plugin run", id)
			}
			return err
		}

		patch.Apply(current)
		updated, err = scanPluginRun(tx.QueryRow(ctx,
			`UPDATE plugin_runs
			 SET status = $2, input = $3, output = $4, error = $5, started_at = $6,
			     completed_at = $7, retry_count = $8, updated_at = NOW()
			 WHERE id = $1
			 RETURNING `+pluginRunColumns,
			id, string(current.Status), nullableJSON(current.Input), nullableJSON(current.Output),
			nullableJSON(current.Error), current.StartedAt, current.CompletedAt, current.RetryCount,
		))
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ResetPluginRun prepares a plugin run for an explicit retry
func (db *DB) ResetPluginRun(ctx context.Context, id uuid.UUID) (*types.PluginRun, error) {
	pending := types.PluginRunStatusPending
	return db.UpdatePluginRun(ctx, id, &types.PluginRunPatch{
		Status:         &pending,
		ClearResult:    true,
		IncrementRetry: true,
	})
}
