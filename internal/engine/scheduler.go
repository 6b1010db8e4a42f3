package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonathan/workflow-runner/internal/queue"
)

// Discover registers one recurring workflow-run job per ACTIVE scheduled
// workflow, keyed by workflow id, and removes registrations of workflows
// that are no longer ACTIVE and scheduled. A workflow whose registration
// fails keeps its previous one. It returns the number of registrations
// made or refreshed.
func (e *Engine) Discover(ctx context.Context) (int, error) {
	workflows, err := e.repo.ListScheduledWorkflows(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list scheduled workflows: %w", err)
	}

	// listed keeps the registration of a workflow whose upsert failed below.
	listed := make(map[string]bool, len(workflows))
	upserted := 0
	for _, wf := range workflows {
		listed[wf.ID.String()] = true
		data, err := json.Marshal(WorkflowRunPayload{WorkflowID: wf.ID, Data: RunTrigger{}})
		if err != nil {
			return 0, fmt.Errorf("failed to encode trigger for workflow %s: %w", wf.ID, err)
		}
		schedulerID := wf.ID.String()
		_, err = e.queue.SubmitRecurring(ctx, queue.WorkflowRun, schedulerID,
			queue.Repeat{Pattern: *wf.Schedule},
			queue.JobTemplate{Name: JobScheduledWorkflowRun, Data: data},
		)
		if err != nil {
			e.logger.Errorw("failed to register workflow schedule",
				"workflowId", wf.ID, "schedule", *wf.Schedule, "error", err)
			continue
		}
		upserted++
	}

	registered, err := e.queue.ListRecurring(ctx, queue.WorkflowRun)
	if err != nil {
		return upserted, fmt.Errorf("failed to list recurring jobs: %w", err)
	}
	for _, s := range registered {
		if listed[s.ID] {
			continue
		}
		if err := e.queue.RemoveRecurring(ctx, queue.WorkflowRun, s.ID); err != nil {
			e.logger.Errorw("failed to remove stale schedule", "schedulerId", s.ID, "error", err)
			continue
		}
		e.logger.Infow("removed schedule of inactive workflow", "workflowId", s.ID)
	}

	e.logger.Debugw("discovery completed", "workflows", len(workflows), "registered", upserted)
	return upserted, nil
}

// RunDiscovery calls Discover immediately and then every DiscoveryInterval
// until ctx is done.
func (e *Engine) RunDiscovery(ctx context.Context) {
	discover := func() {
		if _, err := e.Discover(ctx); err != nil && ctx.Err() == nil {
			e.logger.Errorw("workflow discovery failed", "error", err)
		}
	}
	discover()

	ticker := time.NewTicker(e.cfg.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			discover()
		}
	}
}
