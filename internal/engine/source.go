package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jonathan/workflow-runner/internal/events"
	"github.com/jonathan/workflow-runner/internal/plugin"
	"github.com/jonathan/workflow-runner/internal/queue"
	"github.com/jonathan/workflow-runner/internal/repository"
	"github.com/jonathan/workflow-runner/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// asyncFailurePrefix starts the failure reason of runs whose async source
// job ended in error or timeout.
const asyncFailurePrefix = "Async source job failed: "

// HandleSourceQuery is the source-query queue handler. It runs the source
// plugin, ingests the discovered items, fans out one pipeline job per item
// and either finishes the source phase or schedules the next poll of an
// async source job.
func (e *Engine) HandleSourceQuery(ctx context.Context, job *queue.Job) error {
	var p SourceQueryPayload
	if err := decodePayload(job, &p); err != nil {
		return err
	}
	log := e.logger.With("workflowId", p.WorkflowID, "workflowRunId", p.WorkflowRunID, "jobId", job.ID, "job", job.Name)

	wf, err := e.repo.GetWorkflow(ctx, p.WorkflowID)
	if err != nil {
		if repository.IsNotFound(err) {
			return queue.Unrecoverable(err)
		}
		return fmt.Errorf("failed to load workflow: %w", err)
	}
	run, err := e.repo.GetWorkflowRun(ctx, p.WorkflowRunID)
	if err != nil {
		if repository.IsNotFound(err) {
			return queue.Unrecoverable(err)
		}
		return fmt.Errorf("failed to load workflow run: %w", err)
	}
	if run.Status.IsTerminal() {
		log.Infow("workflow run already finished, skipping source query", "status", run.Status)
		return nil
	}

	active, err := e.repo.GetActiveRun(ctx, wf.ID)
	if err != nil {
		return fmt.Errorf("failed to check active run: %w", err)
	}
	if active != nil && active.ID != run.ID {
		log.Warnw("another run is active, delaying source query", "activeRunId", active.ID, "delay", e.cfg.ActiveRunDelay)
		return queue.DelayJob(e.cfg.ActiveRunDelay)
	}

	if err := e.querySource(ctx, wf, run, p.Data.LastProcessedState, log); err != nil {
		log.Errorw("source query failed", "error", err)
		if finalAttempt(job) {
			e.failRun(ctx, run.ID, err.Error())
		}
		return err
	}
	return nil
}

func (e *Engine) querySource(ctx context.Context, wf *types.Workflow, run *types.WorkflowRun, lastState json.RawMessage, log *zap.SugaredLogger) error {
	if types.IsNullJSON(lastState) {
		lastState = wf.State
	}
	input, err := json.Marshal(plugin.SourceInput{
		SearchOptions:      types.JSONOrNull(wf.Source.Search),
		LastProcessedState: types.JSONOrNull(lastState),
	})
	if err != nil {
		return fmt.Errorf("failed to encode source input: %w", err)
	}

	now := e.now()
	pr, err := e.repo.CreatePluginRun(ctx, &types.PluginRunInput{
		WorkflowRunID: run.ID,
		StepID:        types.SourceStepID,
		PluginID:      wf.Source.PluginID,
		Type:          types.PluginRunTypeSource,
		Config:        wf.Source.Config,
		Input:         input,
		Status:        types.PluginRunStatusRunning,
		StartedAt:     &now,
	})
	if err != nil {
		return fmt.Errorf("failed to create source plugin run: %w", err)
	}
	e.publishPluginRun(events.PluginRunStarted, wf.ID, pr)

	label := fmt.Sprintf("source run=%s", run.ID)
	raw, err := e.runPlugin(ctx, plugin.Spec{PluginID: wf.Source.PluginID, Config: wf.Source.Config}, input, label)
	var out *plugin.SourceOutput
	if err == nil {
		out, err = plugin.ParseSourceOutput(raw)
	}
	if err != nil {
		e.failPluginRun(ctx, wf.ID, pr, err)
		return fmt.Errorf("source plugin %s failed: %w", wf.Source.PluginID, err)
	}

	// Items from a poll that reports a failed async job are still ingested;
	// the plugin run then fails instead of completing.
	asyncJob := plugin.AsyncJobFromState(out.NextLastProcessedState)
	asyncFailed := asyncJob != nil && asyncJob.Status != plugin.AsyncDone && !asyncJob.Status.InFlight()

	if !asyncFailed {
		if _, err := e.completePluginRun(ctx, wf.ID, pr, raw); err != nil {
			return err
		}
	}
	if err := e.ingestItems(ctx, wf, run, out.Items); err != nil {
		return err
	}
	links, err := e.repo.ListRunItems(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("failed to list run items: %w", err)
	}
	total := len(links)
	if _, err := e.repo.UpdateWorkflowRun(ctx, run.ID, &types.WorkflowRunPatch{ItemsTotal: &total}); err != nil {
		return fmt.Errorf("failed to update item total: %w", err)
	}
	log.Infow("source query completed", "items", len(out.Items), "itemsTotal", total)

	if asyncFailed {
		return e.failAsyncSource(ctx, wf, run, pr, asyncJob, out.NextLastProcessedState, log)
	}
	if asyncJob != nil && asyncJob.Status.InFlight() {
		return e.continueSource(ctx, wf, run, asyncJob, out.NextLastProcessedState, log)
	}

	next := out.NextLastProcessedState
	if asyncJob != nil {
		cleared, err := plugin.ClearAsyncJob(next)
		if err != nil {
			return err
		}
		if err := e.repo.UpdateWorkflowState(ctx, wf.ID, cleared); err != nil {
			return fmt.Errorf("failed to persist source state: %w", err)
		}
		log.Infow("async source job done", "asyncJobId", asyncJob.ID)
		next = nil
	}
	return e.finishSource(ctx, wf, run, next)
}

// ingestItems upserts, links and fans out every discovered item with at
// most ItemConcurrency in flight. Every step is idempotent, so a retried
// query may repeat them safely.
func (e *Engine) ingestItems(ctx context.Context, wf *types.Workflow, run *types.WorkflowRun, records []plugin.SourceRecord) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.ItemConcurrency)
	for _, rec := range records {
		g.Go(func() error {
			data := types.JSONOrNull(rec.Data)
			item, err := e.repo.UpsertSourceItem(gctx, rec.ExternalID, data)
			if err != nil {
				return fmt.Errorf("failed to upsert item %s: %w", rec.ExternalID, err)
			}
			if err := e.repo.LinkWorkflowItem(gctx, wf.ID, item.ID); err != nil {
				return fmt.Errorf("failed to link item %s to workflow: %w", rec.ExternalID, err)
			}
			if err := e.repo.LinkRunItem(gctx, run.ID, item.ID); err != nil {
				return fmt.Errorf("failed to link item %s to run: %w", rec.ExternalID, err)
			}
			payload := PipelinePayload{
				WorkflowID:    wf.ID,
				WorkflowRunID: run.ID,
				Data:          PipelineData{SourceItemID: item.ID, Input: data},
			}
			opts := &queue.JobOptions{JobID: fmt.Sprintf("%s:%s", run.ID, item.ID)}
			if _, err := e.queue.Submit(gctx, queue.PipelineExecution, JobProcessItem, payload, opts); err != nil {
				return fmt.Errorf("failed to submit pipeline job for item %s: %w", rec.ExternalID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// continueSource persists the in-flight async job and polls it again after
// ContinuationDelay.
func (e *Engine) continueSource(ctx context.Context, wf *types.Workflow, run *types.WorkflowRun, asyncJob *plugin.AsyncJob, next json.RawMessage, log *zap.SugaredLogger) error {
	if err := e.repo.UpdateWorkflowState(ctx, wf.ID, next); err != nil {
		return fmt.Errorf("failed to persist source state: %w", err)
	}
	payload := SourceQueryPayload{
		WorkflowID:    wf.ID,
		WorkflowRunID: run.ID,
		Data:          SourceQueryData{LastProcessedState: next},
	}
	opts := &queue.JobOptions{Delay: e.cfg.ContinuationDelay}
	if _, err := e.queue.Submit(ctx, queue.SourceQuery, JobContinueSourceQuery, payload, opts); err != nil {
		return fmt.Errorf("failed to submit source continuation: %w", err)
	}
	log.Infow("async source job in progress, continuation scheduled",
		"asyncJobId", asyncJob.ID, "asyncStatus", asyncJob.Status, "delay", e.cfg.ContinuationDelay)
	return nil
}

// finishSource persists next when set, closes the source phase and lets the
// run complete once its items are processed.
func (e *Engine) finishSource(ctx context.Context, wf *types.Workflow, run *types.WorkflowRun, next json.RawMessage) error {
	if next != nil {
		if err := e.repo.UpdateWorkflowState(ctx, wf.ID, next); err != nil {
			return fmt.Errorf("failed to persist source state: %w", err)
		}
	}
	now := e.now()
	if _, err := e.repo.UpdateWorkflowRun(ctx, run.ID, &types.WorkflowRunPatch{SourceCompletedAt: &now}); err != nil {
		return fmt.Errorf("failed to close source phase: %w", err)
	}
	_, err := e.convergeRun(ctx, run.ID)
	return err
}

// failAsyncSource handles an async source job that ended in error, timeout
// or an unknown status. The run fails; the job itself succeeds, since polling
// again cannot change the outcome.
func (e *Engine) failAsyncSource(ctx context.Context, wf *types.Workflow, run *types.WorkflowRun, pr *types.PluginRun, asyncJob *plugin.AsyncJob, next json.RawMessage, log *zap.SugaredLogger) error {
	message := asyncJob.FailureMessage()
	switch asyncJob.Status {
	case plugin.AsyncError, plugin.AsyncTimeout:
	default:
		message = fmt.Sprintf("unknown async job status %q", asyncJob.Status)
	}
	cause := errors.New(message)
	e.failPluginRun(ctx, wf.ID, pr, cause)

	cleared, err := plugin.ClearAsyncJob(next)
	if err != nil {
		return err
	}
	if err := e.repo.UpdateWorkflowState(ctx, wf.ID, cleared); err != nil {
		log.Warnw("failed to clear async job from source state", "error", err)
	}

	log.Errorw("async source job failed", "asyncJobId", asyncJob.ID, "asyncStatus", asyncJob.Status, "message", message)
	e.failRun(ctx, run.ID, asyncFailurePrefix+message)
	return nil
}

// runPlugin initializes and executes a plugin in one call.
func (e *Engine) runPlugin(ctx context.Context, spec plugin.Spec, input json.RawMessage, label string) (json.RawMessage, error) {
	h, err := e.plugins.Initialize(ctx, spec, label)
	if err != nil {
		return nil, err
	}
	return e.plugins.Execute(ctx, h, input, label)
}
