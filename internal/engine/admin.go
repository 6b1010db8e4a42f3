package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonathan/workflow-runner/internal/events"
	"github.com/jonathan/workflow-runner/internal/queue"
	"github.com/jonathan/workflow-runner/internal/repository"
	"github.com/jonathan/workflow-runner/internal/types"
)

// ----------------------------------------------------------------------------
// Admin Methods
// ----------------------------------------------------------------------------

// TriggerRun submits a start-workflow-run job. A nil triggeredBy marks the
// run as system triggered.
func (e *Engine) TriggerRun(ctx context.Context, workflowID uuid.UUID, triggeredBy *string) (*queue.Job, error) {
	wf, err := e.repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status == types.WorkflowStatusArchived {
		return nil, ErrWorkflowArchived
	}
	job, err := e.queue.Submit(ctx, queue.WorkflowRun, JobStartWorkflowRun, WorkflowRunPayload{
		WorkflowID: wf.ID,
		Data:       RunTrigger{TriggeredBy: triggeredBy},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to submit workflow run: %w", err)
	}
	e.logger.Infow("workflow run triggered", "workflowId", wf.ID, "triggeredBy", triggeredBy, "jobId", job.ID)
	return job, nil
}

// RetryFromStep resets the item's plugin run for stepID and submits a
// pipeline job that starts at that step. Earlier steps are not re-run;
// the step is fed the stored output of the step before it.
func (e *Engine) RetryFromStep(ctx context.Context, runID, itemID uuid.UUID, stepID string) (*queue.Job, error) {
	run, wf, err := e.loadRunWorkflow(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status == types.RunStatusCancelled {
		return nil, ErrRunCancelled
	}
	if wf.Pipeline.StepIndex(stepID) < 0 {
		return nil, &UnknownStepError{WorkflowID: wf.ID, StepID: stepID}
	}
	item, err := e.runItem(ctx, run.ID, itemID)
	if err != nil {
		return nil, err
	}

	pr, err := e.repo.FindPluginRun(ctx, run.ID, item.ID, stepID)
	if err != nil {
		return nil, err
	}
	if pr != nil && pr.Status != types.PluginRunStatusPending {
		if !types.CanTransitionPluginRun(pr.Status, types.PluginRunStatusPending) {
			return nil, pluginRunTransitionError(pr, types.PluginRunStatusPending)
		}
		if _, err := e.repo.ResetPluginRun(ctx, pr.ID); err != nil {
			return nil, fmt.Errorf("failed to reset plugin run: %w", err)
		}
	}

	job, err := e.queue.Submit(ctx, queue.PipelineExecution, RetryFromStepJob(stepID), PipelinePayload{
		WorkflowID:    wf.ID,
		WorkflowRunID: run.ID,
		Data: PipelineData{
			SourceItemID:  item.ID,
			Input:         types.JSONOrNull(item.Data),
			StartAtStepID: stepID,
		},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to submit retry: %w", err)
	}
	e.logger.Infow("step retry submitted", "workflowRunId", run.ID, "sourceItemId", item.ID, "stepId", stepID, "jobId", job.ID)
	return job, nil
}

// SkipStep marks the item's plugin run for stepID as SKIPPED, creating it
// when the step never ran. Skipped steps pass their input through.
func (e *Engine) SkipStep(ctx context.Context, runID, itemID uuid.UUID, stepID string) (*types.PluginRun, error) {
	run, wf, err := e.loadRunWorkflow(ctx, runID)
	if err != nil {
		return nil, err
	}
	idx := wf.Pipeline.StepIndex(stepID)
	if idx < 0 {
		return nil, &UnknownStepError{WorkflowID: wf.ID, StepID: stepID}
	}
	if _, err := e.runItem(ctx, run.ID, itemID); err != nil {
		return nil, err
	}

	skipped := types.PluginRunStatusSkipped
	now := e.now()
	pr, err := e.repo.FindPluginRun(ctx, run.ID, itemID, stepID)
	if err != nil {
		return nil, err
	}
	if pr == nil {
		step := wf.Pipeline.Steps[idx]
		pr, err = e.repo.CreatePluginRun(ctx, &types.PluginRunInput{
			WorkflowRunID: run.ID,
			SourceItemID:  &itemID,
			StepID:        step.StepID,
			PluginID:      step.PluginID,
			Type:          types.PluginRunTypePipeline,
			Config:        step.Config,
			Status:        skipped,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to record skipped step: %w", err)
		}
	} else {
		if !types.CanTransitionPluginRun(pr.Status, skipped) {
			return nil, pluginRunTransitionError(pr, skipped)
		}
		pr, err = e.repo.UpdatePluginRun(ctx, pr.ID, &types.PluginRunPatch{Status: &skipped, CompletedAt: &now})
		if err != nil {
			return nil, fmt.Errorf("failed to skip step: %w", err)
		}
	}
	e.logger.Infow("step skipped", "workflowRunId", run.ID, "sourceItemId", itemID, "stepId", stepID)
	return pr, nil
}

// CancelRun moves a run to CANCELLED. In-flight pipeline jobs stop before
// their next step.
func (e *Engine) CancelRun(ctx context.Context, runID uuid.UUID) (*types.WorkflowRun, error) {
	now := e.now()
	run, changed, err := e.transitionRun(ctx, runID, types.RunStatusCancelled, types.WorkflowRunPatch{CompletedAt: &now})
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, runTransitionError(run, types.RunStatusCancelled)
	}
	e.logger.Infow("workflow run cancelled", "workflowRunId", run.ID)
	e.publishRun(events.WorkflowRunCancelled, run)
	return run, nil
}

// DeleteRun deletes a run with its plugin runs and item links.
func (e *Engine) DeleteRun(ctx context.Context, runID uuid.UUID) error {
	run, err := e.repo.GetWorkflowRun(ctx, runID)
	if err != nil {
		return err
	}
	if err := e.repo.DeleteWorkflowRun(ctx, runID); err != nil {
		return err
	}
	e.logger.Infow("workflow run deleted", "workflowRunId", run.ID)
	e.publishRun(events.WorkflowRunDeleted, run)
	return nil
}

// runItem loads an item that was discovered by the run. Items of other runs
// are reported as not found.
func (e *Engine) runItem(ctx context.Context, runID, itemID uuid.UUID) (*types.SourceItem, error) {
	item, err := e.repo.GetSourceItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	links, err := e.repo.ListRunItems(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run items: %w", err)
	}
	for _, link := range links {
		if link.SourceItemID == item.ID {
			return item, nil
		}
	}
	return nil, &repository.NotFoundError{Entity: "run item", ID: runID.String() + "/" + itemID.String()}
}

func (e *Engine) loadRunWorkflow(ctx context.Context, runID uuid.UUID) (*types.WorkflowRun, *types.Workflow, error) {
	run, err := e.repo.GetWorkflowRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	wf, err := e.repo.GetWorkflow(ctx, run.WorkflowID)
	if err != nil {
		return nil, nil, err
	}
	return run, wf, nil
}
