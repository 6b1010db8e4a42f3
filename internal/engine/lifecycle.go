package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonathan/workflow-runner/internal/events"
	"github.com/jonathan/workflow-runner/internal/plugin"
	"github.com/jonathan/workflow-runner/internal/types"
)

// transitionAttempts bounds how often a conditional status write is retried
// when the stored status changes between read and write.
const transitionAttempts = 3

// ----------------------------------------------------------------------------
// Run transitions
// ----------------------------------------------------------------------------

// transitionRun moves a run to status to when the state machine allows it
// from the stored status. The write is conditional on the status that was
// read, so of two racing callers only one reports changed.
func (e *Engine) transitionRun(ctx context.Context, runID uuid.UUID, to types.RunStatus, patch types.WorkflowRunPatch) (*types.WorkflowRun, bool, error) {
	patch.Status = &to
	for attempt := 0; attempt < transitionAttempts; attempt++ {
		run, err := e.repo.GetWorkflowRun(ctx, runID)
		if err != nil {
			return nil, false, err
		}
		if !types.CanTransitionRun(run.Status, to) {
			return run, false, nil
		}
		updated, err := e.repo.TransitionWorkflowRun(ctx, runID, run.Status, &patch)
		if err != nil {
			return nil, false, err
		}
		if updated != nil {
			return updated, true, nil
		}
	}
	run, err := e.repo.GetWorkflowRun(ctx, runID)
	return run, false, err
}

// failRun marks a run FAILED with reason and publishes WORKFLOW_RUN_FAILED.
func (e *Engine) failRun(ctx context.Context, runID uuid.UUID, reason string) {
	now := e.now()
	run, changed, err := e.transitionRun(ctx, runID, types.RunStatusFailed, types.WorkflowRunPatch{
		FailureReason: &reason,
		CompletedAt:   &now,
	})
	if err != nil {
		e.logger.Errorw("failed to mark run failed", "workflowRunId", runID, "reason", reason, "error", err)
		return
	}
	if !changed {
		e.logger.Warnw("run not marked failed", "workflowRunId", runID, "status", run.Status, "reason", reason)
		return
	}
	e.logger.Infow("workflow run failed", "workflowRunId", runID, "reason", reason)
	e.publishRun(events.WorkflowRunFailed, run)
}

// markPartialSuccess downgrades a RUNNING run after an item failed. Runs in
// any other status are left alone.
func (e *Engine) markPartialSuccess(ctx context.Context, runID uuid.UUID) {
	status := types.RunStatusPartialSuccess
	run, err := e.repo.TransitionWorkflowRun(ctx, runID, types.RunStatusRunning, &types.WorkflowRunPatch{Status: &status})
	if err != nil {
		e.logger.Errorw("failed to mark run partial success", "workflowRunId", runID, "error", err)
		return
	}
	if run != nil {
		e.logger.Infow("workflow run marked partial success", "workflowRunId", runID)
	}
}

// convergeRun recounts the processed items of a run and completes the run
// once its source phase is finished and every linked item is processed.
// Calling it again after completion is a no-op.
func (e *Engine) convergeRun(ctx context.Context, runID uuid.UUID) (*types.WorkflowRun, error) {
	links, err := e.repo.ListRunItems(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run items: %w", err)
	}
	processed := 0
	for _, link := range links {
		if link.ProcessedAt != nil {
			processed++
		}
	}

	run, err := e.repo.UpdateWorkflowRun(ctx, runID, &types.WorkflowRunPatch{ItemsProcessed: &processed})
	if err != nil {
		return nil, fmt.Errorf("failed to update processed count: %w", err)
	}
	if run.SourceCompletedAt == nil || run.ItemsProcessed < run.ItemsTotal {
		return run, nil
	}

	now := e.now()
	completed, changed, err := e.transitionRun(ctx, runID, types.RunStatusCompleted, types.WorkflowRunPatch{CompletedAt: &now})
	if err != nil {
		return nil, fmt.Errorf("failed to complete run: %w", err)
	}
	if changed {
		e.logger.Infow("workflow run completed",
			"workflowRunId", runID,
			"itemsTotal", completed.ItemsTotal,
			"itemsProcessed", completed.ItemsProcessed,
		)
		e.publishRun(events.WorkflowRunCompleted, completed)
	}
	return completed, nil
}

// ----------------------------------------------------------------------------
// Plugin run bookkeeping
// ----------------------------------------------------------------------------

func (e *Engine) completePluginRun(ctx context.Context, workflowID uuid.UUID, pr *types.PluginRun, output json.RawMessage) (*types.PluginRun, error) {
	status := types.PluginRunStatusCompleted
	now := e.now()
	updated, err := e.repo.UpdatePluginRun(ctx, pr.ID, &types.PluginRunPatch{
		Status:      &status,
		Output:      types.JSONOrNull(output),
		CompletedAt: &now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to complete plugin run %s: %w", pr.ID, err)
	}
	e.publishPluginRun(events.PluginRunCompleted, workflowID, updated)
	return updated, nil
}

// failPluginRun records cause on the plugin run. A failure to record is
// logged rather than returned, so the original cause is what propagates.
func (e *Engine) failPluginRun(ctx context.Context, workflowID uuid.UUID, pr *types.PluginRun, cause error) {
	status := types.PluginRunStatusFailed
	now := e.now()
	updated, err := e.repo.UpdatePluginRun(ctx, pr.ID, &types.PluginRunPatch{
		Status:      &status,
		Error:       errorPayload(cause),
		CompletedAt: &now,
	})
	if err != nil {
		e.logger.Errorw("failed to record plugin run failure", "pluginRunId", pr.ID, "cause", cause, "error", err)
		return
	}
	e.publishPluginRun(events.PluginRunFailed, workflowID, updated)
}

// errorPayload is the JSON stored in PluginRun.Error.
func errorPayload(err error) json.RawMessage {
	payload := map[string]any{"message": err.Error()}
	var pe *plugin.Error
	if errors.As(err, &pe) {
		payload["pluginId"] = pe.PluginID
		payload["operation"] = pe.Operation
		payload["retryable"] = pe.Retryable
	}
	return types.MustJSON(payload)
}

// ----------------------------------------------------------------------------
// Events
// ----------------------------------------------------------------------------

func (e *Engine) publishRun(eventType string, run *types.WorkflowRun) {
	e.events.Publish(&events.Event{
		Type:          eventType,
		WorkflowID:    run.WorkflowID,
		WorkflowRunID: run.ID,
		Payload:       run,
		Timestamp:     e.now().UnixMilli(),
	})
}

func (e *Engine) publishPluginRun(eventType string, workflowID uuid.UUID, pr *types.PluginRun) {
	e.events.Publish(&events.Event{
		Type:          eventType,
		WorkflowID:    workflowID,
		WorkflowRunID: pr.WorkflowRunID,
		Payload:       pr,
		Timestamp:     e.now().UnixMilli(),
	})
}
