package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonathan/workflow-runner/internal/events"
	"github.com/jonathan/workflow-runner/internal/plugin"
	"github.com/jonathan/workflow-runner/internal/queue"
	"github.com/jonathan/workflow-runner/internal/repository"
	"github.com/jonathan/workflow-runner/internal/types"
	"go.uber.org/zap"
)

// HandlePipeline is the pipeline-execution queue handler. It runs one item
// through the workflow's steps, starting at startAtStepId when given, and
// reuses the results of steps already COMPLETED or SKIPPED for the item.
//
// A failing step stops the item: it is not marked processed, a RUNNING run
// is downgraded to PARTIAL_SUCCESS and the error is returned so the queue
// can retry this item alone.
func (e *Engine) HandlePipeline(ctx context.Context, job *queue.Job) error {
	var p PipelinePayload
	if err := decodePayload(job, &p); err != nil {
		return err
	}
	itemID := p.Data.SourceItemID
	log := e.logger.With("workflowId", p.WorkflowID, "workflowRunId", p.WorkflowRunID,
		"sourceItemId", itemID, "jobId", job.ID, "job", job.Name)

	run, err := e.repo.GetWorkflowRun(ctx, p.WorkflowRunID)
	if err != nil {
		if repository.IsNotFound(err) {
			return queue.Unrecoverable(err)
		}
		return fmt.Errorf("failed to load workflow run: %w", err)
	}
	if run.Status == types.RunStatusCancelled {
		log.Infow("workflow run cancelled, skipping item")
		return nil
	}
	wf, err := e.repo.GetWorkflow(ctx, p.WorkflowID)
	if err != nil {
		if repository.IsNotFound(err) {
			return queue.Unrecoverable(err)
		}
		return fmt.Errorf("failed to load workflow: %w", err)
	}

	steps := wf.Pipeline.Steps
	start := 0
	if p.Data.StartAtStepID != "" {
		start = wf.Pipeline.StepIndex(p.Data.StartAtStepID)
		if start < 0 {
			return queue.Unrecoverable(&UnknownStepError{WorkflowID: wf.ID, StepID: p.Data.StartAtStepID})
		}
	}

	input, err := e.resumeInput(ctx, run.ID, itemID, steps[:start], types.JSONOrNull(p.Data.Input))
	if err != nil {
		return err
	}

	cancelled, err := e.runSteps(ctx, wf, run.ID, itemID, steps[start:], input, log)
	if err != nil {
		log.Errorw("item pipeline failed", "error", err)
		e.markPartialSuccess(ctx, run.ID)
		return err
	}
	if cancelled {
		log.Infow("workflow run cancelled, item pipeline stopped")
		return nil
	}

	if err := e.repo.MarkRunItemProcessed(ctx, run.ID, itemID); err != nil {
		return fmt.Errorf("failed to mark item processed: %w", err)
	}
	converged, err := e.convergeRun(ctx, run.ID)
	if err != nil {
		return err
	}
	log.Infow("item processed", "itemsProcessed", converged.ItemsProcessed, "itemsTotal", converged.ItemsTotal)
	return nil
}

// resumeInput returns the input for the first step after done: the output
// of the last COMPLETED step, looking past SKIPPED ones, or fallback when no
// earlier step completed.
func (e *Engine) resumeInput(ctx context.Context, runID, itemID uuid.UUID, done []types.PipelineStep, fallback json.RawMessage) (json.RawMessage, error) {
	for i := len(done) - 1; i >= 0; i-- {
		prev, err := e.repo.FindPluginRun(ctx, runID, itemID, done[i].StepID)
		if err != nil {
			return nil, fmt.Errorf("failed to load step %s: %w", done[i].StepID, err)
		}
		if prev == nil {
			return fallback, nil
		}
		switch prev.Status {
		case types.PluginRunStatusSkipped:
			continue
		case types.PluginRunStatusCompleted:
			return prev.Output, nil
		}
		return fallback, nil
	}
	return fallback, nil
}

// runSteps executes steps in order, feeding each step's output to the next.
// It reports cancelled when the run was cancelled between steps.
func (e *Engine) runSteps(ctx context.Context, wf *types.Workflow, runID, itemID uuid.UUID, steps []types.PipelineStep, input json.RawMessage, log *zap.SugaredLogger) (bool, error) {
	current := input
	for _, step := range steps {
		run, err := e.repo.GetWorkflowRun(ctx, runID)
		if err != nil {
			return false, fmt.Errorf("failed to check run status: %w", err)
		}
		if run.Status == types.RunStatusCancelled {
			return true, nil
		}

		existing, err := e.repo.FindPluginRun(ctx, runID, itemID, step.StepID)
		if err != nil {
			return false, fmt.Errorf("failed to load plugin run for step %s: %w", step.StepID, err)
		}
		if existing != nil {
			switch existing.Status {
			case types.PluginRunStatusCompleted:
				log.Debugw("step already completed, reusing output", "stepId", step.StepID)
				current = existing.Output
				continue
			case types.PluginRunStatusSkipped:
				log.Debugw("step skipped", "stepId", step.StepID)
				continue
			}
		}

		pr, err := e.beginStep(ctx, runID, itemID, step, existing, current)
		if err != nil {
			return false, err
		}
		e.publishPluginRun(events.PluginRunStarted, wf.ID, pr)

		label := fmt.Sprintf("pipeline run=%s item=%s step=%s", runID, itemID, step.StepID)
		output, err := e.runPlugin(ctx, plugin.Spec{PluginID: step.PluginID, Config: step.Config}, current, label)
		if err == nil {
			err = businessFailure(output)
		}
		if err != nil {
			e.failPluginRun(ctx, wf.ID, pr, err)
			return false, &PipelineError{
				PipelineID: wf.ID,
				StepID:     step.StepID,
				Err:        &StepError{StepID: step.StepID, PluginID: step.PluginID, Err: err},
			}
		}

		if _, err := e.completePluginRun(ctx, wf.ID, pr, output); err != nil {
			return false, err
		}
		log.Debugw("step completed", "stepId", step.StepID)
		current = output
	}
	return false, nil
}

// beginStep creates the step's plugin run or moves the existing one to
// RUNNING with a fresh input. Re-running a FAILED, RUNNING or RETRYING step,
// as after a queue retry or a crash, counts as a retry.
func (e *Engine) beginStep(ctx context.Context, runID, itemID uuid.UUID, step types.PipelineStep, existing *types.PluginRun, input json.RawMessage) (*types.PluginRun, error) {
	now := e.now()
	if existing == nil {
		pr, err := e.repo.CreatePluginRun(ctx, &types.PluginRunInput{
			WorkflowRunID: runID,
			SourceItemID:  &itemID,
			StepID:        step.StepID,
			PluginID:      step.PluginID,
			Type:          types.PluginRunTypePipeline,
			Config:        step.Config,
			Input:         input,
			Status:        types.PluginRunStatusRunning,
			StartedAt:     &now,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create plugin run for step %s: %w", step.StepID, err)
		}
		return pr, nil
	}

	running := types.PluginRunStatusRunning
	if !types.CanTransitionPluginRun(existing.Status, running) {
		return nil, pluginRunTransitionError(existing, running)
	}
	pr, err := e.repo.UpdatePluginRun(ctx, existing.ID, &types.PluginRunPatch{
		Status:         &running,
		Input:          input,
		ClearResult:    true,
		StartedAt:      &now,
		IncrementRetry: existing.Status != types.PluginRunStatusPending,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to restart plugin run for step %s: %w", step.StepID, err)
	}
	return pr, nil
}

// businessFailure turns an output object with "success": false into an
// error carrying its "error" field.
func businessFailure(output json.RawMessage) error {
	var result struct {
		Success *bool           `json:"success"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(output, &result); err != nil {
		return nil
	}
	if result.Success == nil || *result.Success {
		return nil
	}
	var message string
	switch {
	case types.IsNullJSON(result.Error):
		message = "step reported failure"
	case json.Unmarshal(result.Error, &message) == nil && message != "":
	default:
		message = string(result.Error)
	}
	return errors.New(message)
}
