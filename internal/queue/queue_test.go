package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T) (*Queue, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	q := New(NewMemoryStore(), zap.NewNop().Sugar(), WithClock(c.Now), WithPollInterval(10*time.Millisecond))
	return q, c
}

func TestSubmit_AppliesQueuePolicy(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Submit(ctx, SourceQuery, "query-source", map[string]string{"workflowId": "w1"}, nil)
	require.NoError(t, err)

	assert.Equal(t, StateWaiting, job.State)
	assert.Equal(t, 1, job.Opts.Attempts)
	require.NotNil(t, job.Opts.Backoff)
	assert.Equal(t, 5*time.Second, job.Opts.Backoff.Delay)
	assert.Equal(t, 50, job.Opts.RemoveOnComplete)
	assert.Equal(t, 25, job.Opts.RemoveOnFail)
	assert.JSONEq(t, `{"workflowId":"w1"}`, string(job.Data))
}

func TestSubmit_DelayAndJobID(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Submit(ctx, SourceQuery, "continue-source-query", nil, &JobOptions{Delay: time.Minute, JobID: "fixed"})
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, job.State)
	assert.Equal(t, c.Now().Add(time.Minute), job.RunAt)

	again, err := q.Submit(ctx, SourceQuery, "continue-source-query", nil, &JobOptions{JobID: "fixed"})
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, again.State)

	jobs, err := q.ListJobs(ctx, SourceQuery)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	processed, err := q.ProcessNext(ctx, SourceQuery, func(context.Context, *Job) error { return nil })
	require.NoError(t, err)
	assert.False(t, processed, "delayed job is not ready yet")

	c.Advance(time.Minute)
	processed, err = q.ProcessNext(ctx, SourceQuery, func(context.Context, *Job) error { return nil })
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestProcess_RetriesWithBackoff(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Submit(ctx, WorkflowRun, "start-workflow-run", nil, &JobOptions{Attempts: 3})
	require.NoError(t, err)

	failing := func(context.Context, *Job) error { return errors.New("transient") }

	processed, err := q.ProcessNext(ctx, WorkflowRun, failing)
	require.NoError(t, err)
	require.True(t, processed)

	got, err := q.GetJob(ctx, WorkflowRun, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, got.State)
	assert.Equal(t, 1, got.AttemptsMade)
	assert.Equal(t, c.Now().Add(2*time.Second), got.RunAt)

	c.Advance(2 * time.Second)
	_, err = q.ProcessNext(ctx, WorkflowRun, failing)
	require.NoError(t, err)
	got, err = q.GetJob(ctx, WorkflowRun, job.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Now().Add(4*time.Second), got.RunAt)

	c.Advance(4 * time.Second)
	_, err = q.ProcessNext(ctx, WorkflowRun, failing)
	require.NoError(t, err)
	got, err = q.GetJob(ctx, WorkflowRun, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, 3, got.AttemptsMade)
	assert.Equal(t, "transient", got.FailedReason)
}

func TestProcess_UnrecoverableAndDelayed(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()

	fatal, err := q.Submit(ctx, WorkflowRun, "start-workflow-run", nil, &JobOptions{Attempts: 5})
	require.NoError(t, err)
	_, err = q.ProcessNext(ctx, WorkflowRun, func(context.Context, *Job) error {
		return Unrecoverable(errors.New("workflow missing"))
	})
	require.NoError(t, err)
	got, err := q.GetJob(ctx, WorkflowRun, fatal.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)

	delayed, err := q.Submit(ctx, SourceQuery, "query-source", nil, nil)
	require.NoError(t, err)
	_, err = q.ProcessNext(ctx, SourceQuery, func(context.Context, *Job) error {
		return DelayJob(time.Minute)
	})
	require.NoError(t, err)
	got, err = q.GetJob(ctx, SourceQuery, delayed.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, got.State)
	assert.Equal(t, 0, got.AttemptsMade)
	assert.Equal(t, c.Now().Add(time.Minute), got.RunAt)
}

func TestProcess_RecoversPanics(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	job, err := q.Submit(ctx, PipelineExecution, "process-item", nil, nil)
	require.NoError(t, err)

	_, err = q.ProcessNext(ctx, PipelineExecution, func(context.Context, *Job) error { panic("boom") })
	require.NoError(t, err)

	got, err := q.GetJob(ctx, PipelineExecution, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Contains(t, got.FailedReason, "boom")
}

func TestRetryJob_RefusesQueuedJobs(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Submit(ctx, PipelineExecution, "process-item", nil, nil)
	require.NoError(t, err)

	_, err = q.RetryJob(ctx, PipelineExecution, job.ID)
	var stateErr *JobStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, StateWaiting, stateErr.State)

	_, err = q.ProcessNext(ctx, PipelineExecution, func(context.Context, *Job) error { return errors.New("bad item") })
	require.NoError(t, err)

	retried, err := q.RetryJob(ctx, PipelineExecution, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, retried.State)
	assert.Equal(t, 0, retried.AttemptsMade)
	assert.Empty(t, retried.FailedReason)

	_, err = q.RetryJob(ctx, PipelineExecution, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestPauseResumeAndClear(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, SourceQuery, "query-source", nil, nil)
	require.NoError(t, err)
	require.NoError(t, q.Pause(ctx, SourceQuery))

	processed, err := q.ProcessNext(ctx, SourceQuery, func(context.Context, *Job) error { return nil })
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, q.Resume(ctx, SourceQuery))
	paused, err := q.IsPaused(ctx, SourceQuery)
	require.NoError(t, err)
	assert.False(t, paused)

	_, err = q.Submit(ctx, SourceQuery, "query-source", nil, nil)
	require.NoError(t, err)
	processed, err = q.ProcessNext(ctx, SourceQuery, func(context.Context, *Job) error { return nil })
	require.NoError(t, err)
	assert.True(t, processed)

	counts, err := q.Counts(ctx, SourceQuery)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StateWaiting])
	assert.Equal(t, 1, counts[StateCompleted])
	assert.Equal(t, 0, counts[StateFailed])

	n, err := q.Clear(ctx, SourceQuery, StateCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = q.Clear(ctx, SourceQuery, StateActive)
	assert.Error(t, err)
}

func TestRetention_TrimsOldestFinishedJobs(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()
	ok := func(context.Context, *Job) error { return nil }

	for i := 0; i < 4; i++ {
		_, err := q.Submit(ctx, PipelineExecution, "process-item", nil, &JobOptions{RemoveOnComplete: 2})
		require.NoError(t, err)
		c.Advance(time.Second)
		_, err = q.ProcessNext(ctx, PipelineExecution, ok)
		require.NoError(t, err)
	}

	completed, err := q.ListJobs(ctx, PipelineExecution, StateCompleted)
	require.NoError(t, err)
	assert.Len(t, completed, 2)
}

func TestSubmitRecurring_Upsert(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()
	tmpl := JobTemplate{Name: "scheduled-workflow-run", Data: []byte(`{"workflowId":"w1"}`)}

	first, err := q.SubmitRecurring(ctx, WorkflowRun, "w1", Repeat{Pattern: "0 * * * *"}, tmpl)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC), first.NextRunAt)

	c.Advance(10 * time.Minute)
	second, err := q.SubmitRecurring(ctx, WorkflowRun, "w1", Repeat{Pattern: "0 * * * *"}, tmpl)
	require.NoError(t, err)
	assert.Equal(t, first.NextRunAt, second.NextRunAt)

	registrations, err := q.ListRecurring(ctx, WorkflowRun)
	require.NoError(t, err)
	require.Len(t, registrations, 1)
	assert.Equal(t, "0 * * * *", registrations[0].Repeat.Pattern)

	_, err = q.SubmitRecurring(ctx, WorkflowRun, "w1", Repeat{Pattern: "*/5 * * * *"}, tmpl)
	require.NoError(t, err)
	registrations, err = q.ListRecurring(ctx, WorkflowRun)
	require.NoError(t, err)
	require.Len(t, registrations, 1)
	assert.Equal(t, "*/5 * * * *", registrations[0].Repeat.Pattern)

	_, err = q.SubmitRecurring(ctx, WorkflowRun, "bad", Repeat{Pattern: "not a cron"}, tmpl)
	assert.Error(t, err)

	require.NoError(t, q.RemoveRecurring(ctx, WorkflowRun, "w1"))
	registrations, err = q.ListRecurring(ctx, WorkflowRun)
	require.NoError(t, err)
	assert.Empty(t, registrations)
}

func TestFireDue(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()
	tmpl := JobTemplate{Name: "scheduled-workflow-run", Data: []byte(`{"workflowId":"w1"}`)}

	_, err := q.SubmitRecurring(ctx, WorkflowRun, "w1", Repeat{Every: time.Minute}, tmpl)
	require.NoError(t, err)

	fired, err := q.FireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fired)

	c.Advance(time.Minute)
	fired, err = q.FireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	fired, err = q.FireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fired, "registration advanced past now")

	jobs, err := q.ListJobs(ctx, WorkflowRun, StateWaiting)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "scheduled-workflow-run", jobs[0].Name)
	assert.Equal(t, "w1", jobs[0].SchedulerID)
}

func TestWorker_BoundedConcurrency(t *testing.T) {
	q := New(NewMemoryStore(), zap.NewNop().Sugar(), WithPollInterval(5*time.Millisecond))
	ctx := context.Background()

	const jobs = 12
	for i := 0; i < jobs; i++ {
		_, err := q.Submit(ctx, PipelineExecution, "process-item", nil, nil)
		require.NoError(t, err)
	}

	var running, peak, done int32
	handler := func(context.Context, *Job) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		atomic.AddInt32(&done, 1)
		return nil
	}

	w := q.RegisterWorker(ctx, PipelineExecution, handler, WorkerOptions{Concurrency: 3})
	require.Eventually(t, func() bool { return atomic.LoadInt32(&done) == jobs }, 5*time.Second, 10*time.Millisecond)
	w.Close()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	counts, err := q.Counts(ctx, PipelineExecution)
	require.NoError(t, err)
	assert.Equal(t, jobs, counts[StateCompleted])
}

func TestBackoff_After(t *testing.T) {
	exp := Backoff{Type: BackoffExponential, Delay: time.Second}
	assert.Equal(t, time.Second, exp.After(1))
	assert.Equal(t, 2*time.Second, exp.After(2))
	assert.Equal(t, 4*time.Second, exp.After(3))

	fixed := Backoff{Type: BackoffFixed, Delay: time.Second}
	assert.Equal(t, time.Second, fixed.After(3))
}
