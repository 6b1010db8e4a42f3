package engine

import (
	"context"
	"testing"
	"time"

	"github.com/jonathan/workflow-runner/internal/queue"
	"github.com/jonathan/workflow-runner/internal/repository"
	"github.com/jonathan/workflow-runner/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func strPtr(s string) *string { return &s }

func TestDiscover_RegistersActiveScheduledWorkflows(t *testing.T) {
	h := newHarness(t)
	hourly := h.create(types.WorkflowInput{Name: "hourly", Schedule: strPtr("0 * * * *"), Source: staticSource()})
	h.create(types.WorkflowInput{Name: "manual", Source: staticSource()})
	h.create(types.WorkflowInput{Name: "paused", Schedule: strPtr("0 * * * *"), Status: types.WorkflowStatusInactive, Source: staticSource()})

	n, err := h.eng.Discover(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	registered, err := h.q.ListRecurring(h.ctx, queue.WorkflowRun)
	require.NoError(t, err)
	require.Len(t, registered, 1)
	assert.Equal(t, hourly.ID.String(), registered[0].ID)
	assert.Equal(t, "0 * * * *", registered[0].Repeat.Pattern)
	assert.Equal(t, JobScheduledWorkflowRun, registered[0].Template.Name)
	assert.Equal(t, time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC), registered[0].NextRunAt)
	firstNext := registered[0].NextRunAt

	h.clock.Advance(10 * time.Minute)
	_, err = h.eng.Discover(h.ctx)
	require.NoError(t, err)
	registered, err = h.q.ListRecurring(h.ctx, queue.WorkflowRun)
	require.NoError(t, err)
	require.Len(t, registered, 1)
	assert.Equal(t, firstNext, registered[0].NextRunAt, "unchanged schedule keeps its fire time")

	inactive := types.WorkflowStatusInactive
	_, err = h.repo.UpdateWorkflow(h.ctx, hourly.ID, &types.WorkflowPatch{Status: &inactive})
	require.NoError(t, err)
	n, err = h.eng.Discover(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	registered, err = h.q.ListRecurring(h.ctx, queue.WorkflowRun)
	require.NoError(t, err)
	assert.Empty(t, registered)
}

func TestDiscover_InvalidScheduleIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.create(types.WorkflowInput{Name: "broken", Schedule: strPtr("every now and then"), Source: staticSource()})
	good := h.create(types.WorkflowInput{Name: "daily", Schedule: strPtr("@daily"), Source: staticSource()})

	n, err := h.eng.Discover(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	registered, err := h.q.ListRecurring(h.ctx, queue.WorkflowRun)
	require.NoError(t, err)
	require.Len(t, registered, 1)
	assert.Equal(t, good.ID.String(), registered[0].ID)
}

func TestDiscover_FailedRegistrationKeepsPreviousSchedule(t *testing.T) {
	h := newHarness(t)
	wf := h.create(types.WorkflowInput{Name: "hourly", Schedule: strPtr("0 * * * *"), Source: staticSource()})
	n, err := h.eng.Discover(h.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = h.repo.UpdateWorkflow(h.ctx, wf.ID, &types.WorkflowPatch{Schedule: strPtr("not a cron")})
	require.NoError(t, err)
	n, err = h.eng.Discover(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	registered, err := h.q.ListRecurring(h.ctx, queue.WorkflowRun)
	require.NoError(t, err)
	require.Len(t, registered, 1)
	assert.Equal(t, wf.ID.String(), registered[0].ID)
	assert.Equal(t, "0 * * * *", registered[0].Repeat.Pattern)
}

func TestDiscover_ScheduledFireStartsSystemRun(t *testing.T) {
	h := newHarness(t)
	wf := h.create(types.WorkflowInput{Schedule: strPtr("0 * * * *"), Source: staticSource(item{ExternalID: "a"})})
	_, err := h.eng.Discover(h.ctx)
	require.NoError(t, err)

	fired, err := h.q.FireDue(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, fired)

	h.clock.Advance(time.Hour)
	fired, err = h.q.FireDue(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	h.drain()

	run := h.latestRun(wf.ID)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
	assert.Nil(t, run.TriggeredBy)
	assert.Equal(t, 1, run.ItemsTotal)

	jobs, err := h.q.ListJobs(h.ctx, queue.WorkflowRun, queue.StateCompleted)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, JobScheduledWorkflowRun, jobs[0].Name)
}

func TestEngine_StartProcessesRunsUntilStopped(t *testing.T) {
	h := newHarness(t)
	h.register("echo", echo)
	logger := zap.NewNop().Sugar()
	q := queue.New(queue.NewMemoryStore(), logger, queue.WithPollInterval(5*time.Millisecond))
	eng, err := New(Deps{Repo: h.repo, Plugins: h.exec, Queue: q, Logger: logger}, Config{DiscoveryInterval: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.Start(ctx))
	assert.Error(t, eng.Start(ctx), "second start is refused")

	wf := h.create(types.WorkflowInput{
		Source:   staticSource(item{ExternalID: "a"}, item{ExternalID: "b"}, item{ExternalID: "c"}),
		Pipeline: pipeline(step("echo", "echo")),
	})
	_, err = eng.TriggerRun(ctx, wf.ID, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		runs, err := h.repo.ListWorkflowRuns(ctx, repository.RunFilter{WorkflowID: &wf.ID})
		return err == nil && len(runs) == 1 && runs[0].Status == types.RunStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	eng.Stop()
	eng.Stop()

	run := h.latestRun(wf.ID)
	assert.Equal(t, 3, run.ItemsProcessed)
	assert.Len(t, h.callsTo("echo"), 3)
}

func TestNew_RequiresDependencies(t *testing.T) {
	h := newHarness(t)
	_, err := New(Deps{Plugins: h.exec, Queue: h.q}, Config{})
	assert.Error(t, err)
	_, err = New(Deps{Repo: h.repo, Queue: h.q}, Config{})
	assert.Error(t, err)
	_, err = New(Deps{Repo: h.repo, Plugins: h.exec}, Config{})
	assert.Error(t, err)

	eng, err := New(Deps{Repo: h.repo, Plugins: h.exec, Queue: h.q}, Config{WorkerConcurrency: 2})
	require.NoError(t, err)
	cfg := eng.Config()
	assert.Equal(t, 2, cfg.WorkerConcurrency)
	assert.Equal(t, DefaultConfig().ItemConcurrency, cfg.ItemConcurrency)
	assert.Equal(t, DefaultConfig().ActiveRunDelay, cfg.ActiveRunDelay)
}
