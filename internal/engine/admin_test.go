package engine

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jonathan/workflow-runner/internal/events"
	"github.com/jonathan/workflow-runner/internal/queue"
	"github.com/jonathan/workflow-runner/internal/repository"
	"github.com/jonathan/workflow-runner/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerRun(t *testing.T) {
	h := newHarness(t)

	t.Run("archived workflow", func(t *testing.T) {
		wf := h.create(types.WorkflowInput{Status: types.WorkflowStatusArchived, Source: staticSource()})
		_, err := h.eng.TriggerRun(h.ctx, wf.ID, nil)
		assert.ErrorIs(t, err, ErrWorkflowArchived)
	})

	t.Run("unknown workflow", func(t *testing.T) {
		_, err := h.eng.TriggerRun(h.ctx, uuid.New(), nil)
		assert.True(t, repository.IsNotFound(err))
	})

	t.Run("inactive workflow can still be triggered", func(t *testing.T) {
		wf := h.create(types.WorkflowInput{Status: types.WorkflowStatusInactive, Source: staticSource()})
		user := "bob"
		job, err := h.eng.TriggerRun(h.ctx, wf.ID, &user)
		require.NoError(t, err)
		assert.Equal(t, queue.WorkflowRun, job.Queue)

		var p WorkflowRunPayload
		require.NoError(t, json.Unmarshal(job.Data, &p))
		assert.Equal(t, wf.ID, p.WorkflowID)
		assert.Nil(t, p.WorkflowRunID)
		require.NotNil(t, p.Data.TriggeredBy)
		assert.Equal(t, "bob", *p.Data.TriggeredBy)
	})
}

func TestCancelRun(t *testing.T) {
	h := newHarness(t)
	wf := h.create(types.WorkflowInput{Source: staticSource()})

	running, err := h.repo.CreateWorkflowRun(h.ctx, &types.WorkflowRunInput{WorkflowID: wf.ID, Status: types.RunStatusRunning})
	require.NoError(t, err)
	cancelled, err := h.eng.CancelRun(h.ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)
	assert.Equal(t, 1, h.events.count(events.WorkflowRunCancelled))

	_, err = h.eng.CancelRun(h.ctx, running.ID)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, string(types.RunStatusCancelled), te.From)

	done := h.trigger(wf)
	require.Equal(t, types.RunStatusCompleted, done.Status)
	_, err = h.eng.CancelRun(h.ctx, done.ID)
	require.True(t, errors.As(err, &te))
	assert.Equal(t, types.RunStatusCompleted, h.run(done.ID).Status)
	assert.Equal(t, 1, h.events.count(events.WorkflowRunCancelled))

	_, err = h.eng.CancelRun(h.ctx, uuid.New())
	assert.True(t, repository.IsNotFound(err))
}

func TestDeleteRun(t *testing.T) {
	h := newHarness(t)
	h.register("echo", echo)
	wf := h.create(types.WorkflowInput{
		Source:   staticSource(item{ExternalID: "a"}),
		Pipeline: pipeline(step("echo", "echo")),
	})
	run := h.trigger(wf)

	require.NoError(t, h.eng.DeleteRun(h.ctx, run.ID))
	_, err := h.repo.GetWorkflowRun(h.ctx, run.ID)
	assert.True(t, repository.IsNotFound(err))
	prs, err := h.repo.ListPluginRuns(h.ctx, repository.PluginRunFilter{WorkflowRunID: &run.ID})
	require.NoError(t, err)
	assert.Empty(t, prs)
	assert.Equal(t, 1, h.events.count(events.WorkflowRunDeleted))

	items, err := h.repo.ListWorkflowItems(h.ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, items, 1, "items outlive the runs that found them")

	assert.True(t, repository.IsNotFound(h.eng.DeleteRun(h.ctx, run.ID)))
}

func TestRetryFromStep_Rejections(t *testing.T) {
	h := newHarness(t)
	h.register("echo", echo)
	wf := h.create(types.WorkflowInput{
		Source:   staticSource(item{ExternalID: "a"}),
		Pipeline: pipeline(step("echo", "echo")),
	})
	run := h.trigger(wf)
	itemID := h.runItems(run.ID)[0].SourceItemID

	_, err := h.eng.RetryFromStep(h.ctx, run.ID, itemID, "missing")
	var unknown *UnknownStepError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "missing", unknown.StepID)

	_, err = h.eng.RetryFromStep(h.ctx, run.ID, uuid.New(), "echo")
	assert.True(t, repository.IsNotFound(err))

	_, err = h.eng.RetryFromStep(h.ctx, uuid.New(), itemID, "echo")
	assert.True(t, repository.IsNotFound(err))

	foreign, err := h.repo.UpsertSourceItem(h.ctx, "not-in-run", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	_, err = h.eng.RetryFromStep(h.ctx, run.ID, foreign.ID, "echo")
	var notFound *repository.NotFoundError
	require.True(t, errors.As(err, &notFound), "got %v", err)
	assert.Equal(t, "run item", notFound.Entity)
	_, err = h.eng.SkipStep(h.ctx, run.ID, foreign.ID, "echo")
	assert.True(t, repository.IsNotFound(err))
	pr, err := h.repo.FindPluginRun(h.ctx, run.ID, foreign.ID, "echo")
	require.NoError(t, err)
	assert.Nil(t, pr)

	pending, err := h.repo.CreateWorkflowRun(h.ctx, &types.WorkflowRunInput{WorkflowID: wf.ID, Status: types.RunStatusRunning})
	require.NoError(t, err)
	_, err = h.eng.CancelRun(h.ctx, pending.ID)
	require.NoError(t, err)
	_, err = h.eng.RetryFromStep(h.ctx, pending.ID, itemID, "echo")
	assert.ErrorIs(t, err, ErrRunCancelled)

	counts, err := h.q.Counts(h.ctx, queue.PipelineExecution)
	require.NoError(t, err)
	assert.Zero(t, counts[queue.StateWaiting])
}

func TestRetryFromStep_StepNeverRan(t *testing.T) {
	h := newHarness(t)
	h.register("echo", echo)
	wf := h.create(types.WorkflowInput{
		Source:   staticSource(item{ExternalID: "a", Data: map[string]any{"n": 1}}),
		Pipeline: pipeline(step("echo", "echo")),
	})
	_, err := h.eng.TriggerRun(h.ctx, wf.ID, nil)
	require.NoError(t, err)
	h.drainQueue(queue.WorkflowRun)
	h.drainQueue(queue.SourceQuery)
	run := h.latestRun(wf.ID)
	itemID := h.runItems(run.ID)[0].SourceItemID

	job, err := h.eng.RetryFromStep(h.ctx, run.ID, itemID, "echo")
	require.NoError(t, err)
	var p PipelinePayload
	require.NoError(t, json.Unmarshal(job.Data, &p))
	assert.Equal(t, "echo", p.Data.StartAtStepID)
	assert.JSONEq(t, `{"n":1}`, string(p.Data.Input))

	h.drain()
	assert.Equal(t, types.RunStatusCompleted, h.run(run.ID).Status)
	assert.Zero(t, h.step(run.ID, itemID, "echo").RetryCount)
}

func TestSkipStep(t *testing.T) {
	h := newHarness(t)
	h.register("check", func(json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"success":false,"error":"nope"}`), nil
	})
	h.register("echo", echo)
	wf := h.create(types.WorkflowInput{
		Source:   staticSource(item{ExternalID: "a", Data: map[string]any{"n": 1}}),
		Pipeline: pipeline(step("check", "check"), step("echo", "echo")),
	})
	run := h.trigger(wf)
	require.Equal(t, types.RunStatusPartialSuccess, run.Status)
	itemID := h.runItems(run.ID)[0].SourceItemID

	pr, err := h.eng.SkipStep(h.ctx, run.ID, itemID, "check")
	require.NoError(t, err)
	assert.Equal(t, types.PluginRunStatusSkipped, pr.Status)
	assert.NotNil(t, pr.CompletedAt)

	_, err = h.eng.SkipStep(h.ctx, run.ID, itemID, "missing")
	var unknown *UnknownStepError
	assert.True(t, errors.As(err, &unknown))

	_, err = h.eng.RetryFromStep(h.ctx, run.ID, itemID, "echo")
	require.NoError(t, err)
	h.drain()

	calls := h.callsTo("echo")
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"n":1}`, string(calls[0]))
	assert.Equal(t, types.RunStatusCompleted, h.run(run.ID).Status)
}

func TestRetryFromStep_AfterSkippedStepUsesLastCompletedOutput(t *testing.T) {
	h := newHarness(t)
	h.register("mark", func(json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"a":true}`), nil
	})
	h.register("broken", func(json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"success":false,"error":"down"}`), nil
	})
	h.register("echo", echo)
	wf := h.create(types.WorkflowInput{
		Source:   staticSource(item{ExternalID: "a", Data: map[string]any{"n": 1}}),
		Pipeline: pipeline(step("a", "mark"), step("b", "broken"), step("c", "echo")),
	})
	run := h.trigger(wf)
	require.Equal(t, types.RunStatusPartialSuccess, run.Status)
	require.Empty(t, h.callsTo("echo"))
	itemID := h.runItems(run.ID)[0].SourceItemID

	_, err := h.eng.SkipStep(h.ctx, run.ID, itemID, "b")
	require.NoError(t, err)
	_, err = h.eng.RetryFromStep(h.ctx, run.ID, itemID, "c")
	require.NoError(t, err)
	h.drain()

	calls := h.callsTo("echo")
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"a":true}`, string(calls[0]))
	assert.Equal(t, types.PluginRunStatusCompleted, h.step(run.ID, itemID, "c").Status)
	assert.Equal(t, types.RunStatusCompleted, h.run(run.ID).Status)
}
