package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jonathan/workflow-runner/internal/events"
	"github.com/jonathan/workflow-runner/internal/queue"
	"github.com/jonathan/workflow-runner/internal/repository"
	"github.com/jonathan/workflow-runner/internal/types"
	"go.uber.org/zap"
)

// HandleWorkflowRun is the workflow-run queue handler. It starts a run, or
// resumes the one named by the payload, and submits its first source query.
// A trigger for a workflow that already has a different RUNNING run is a
// no-op and an archived workflow fails the job. When starting fails the run is marked FAILED, so a queue retry of
// the same trigger starts a fresh run.
func (e *Engine) HandleWorkflowRun(ctx context.Context, job *queue.Job) error {
	var p WorkflowRunPayload
	if err := decodePayload(job, &p); err != nil {
		return err
	}
	log := e.logger.With("workflowId", p.WorkflowID, "jobId", job.ID, "job", job.Name)

	wf, err := e.repo.GetWorkflow(ctx, p.WorkflowID)
	if err != nil {
		if repository.IsNotFound(err) {
			return queue.Unrecoverable(err)
		}
		return fmt.Errorf("failed to load workflow: %w", err)
	}
	if wf.Status == types.WorkflowStatusArchived {
		log.Warnw("workflow is archived, refusing to start a run")
		return queue.Unrecoverable(ErrWorkflowArchived)
	}

	active, err := e.repo.GetActiveRun(ctx, wf.ID)
	if err != nil {
		return fmt.Errorf("failed to check active run: %w", err)
	}
	if active != nil && (p.WorkflowRunID == nil || *p.WorkflowRunID != active.ID) {
		log.Warnw("workflow already has an active run, ignoring trigger", "activeRunId", active.ID)
		return nil
	}

	var run *types.WorkflowRun
	if p.WorkflowRunID != nil {
		run, err = e.repo.GetWorkflowRun(ctx, *p.WorkflowRunID)
		if err != nil {
			if repository.IsNotFound(err) {
				return queue.Unrecoverable(err)
			}
			return fmt.Errorf("failed to load workflow run: %w", err)
		}
		if run.Status.IsTerminal() {
			log.Infow("workflow run already finished", "workflowRunId", run.ID, "status", run.Status)
			return nil
		}
	} else {
		run, err = e.repo.CreateWorkflowRun(ctx, &types.WorkflowRunInput{
			WorkflowID:  wf.ID,
			TriggeredBy: p.Data.TriggeredBy,
			Status:      types.RunStatusRunning,
		})
		if err != nil {
			return fmt.Errorf("failed to create workflow run: %w", err)
		}
		log.Infow("workflow run created", "workflowRunId", run.ID, "triggeredBy", p.Data.TriggeredBy)
		e.publishRun(events.WorkflowRunCreated, run)
	}

	if err := e.startRun(ctx, wf, run, log); err != nil {
		log.Errorw("failed to start workflow run", "workflowRunId", run.ID, "error", err)
		e.failRun(ctx, run.ID, err.Error())
		return err
	}
	return nil
}

func (e *Engine) startRun(ctx context.Context, wf *types.Workflow, run *types.WorkflowRun, log *zap.SugaredLogger) error {
	payload := SourceQueryPayload{
		WorkflowID:    wf.ID,
		WorkflowRunID: run.ID,
		Data:          SourceQueryData{LastProcessedState: json.RawMessage("null")},
	}
	if _, err := e.queue.Submit(ctx, queue.SourceQuery, JobQuerySource, payload, nil); err != nil {
		return fmt.Errorf("failed to submit source query: %w", err)
	}

	patch := types.WorkflowRunPatch{}
	if run.StartedAt == nil {
		now := e.now()
		patch.StartedAt = &now
	}
	started, changed, err := e.transitionRun(ctx, run.ID, types.RunStatusRunning, patch)
	if err != nil {
		return fmt.Errorf("failed to mark run running: %w", err)
	}
	if !changed {
		return fmt.Errorf("workflow run %s cannot start from status %s", run.ID, started.Status)
	}

	log.Infow("workflow run started", "workflowRunId", run.ID)
	e.publishRun(events.WorkflowRunStarted, started)
	return nil
}
