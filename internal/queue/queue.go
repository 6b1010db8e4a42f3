package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Queue submits and consumes jobs for a set of named queues.
type Queue struct {
	store        Store
	policies     map[string]Policy
	logger       *zap.SugaredLogger
	now          func() time.Time
	pollInterval time.Duration

	mu      sync.Mutex
	workers []*Worker
}

// Option configures a Queue.
type Option func(*Queue)

// WithPolicies overrides the per-queue policies.
func WithPolicies(policies map[string]Policy) Option {
	return func(q *Queue) { q.policies = policies }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithPollInterval sets how often idle workers and the scheduler loop poll
// the store.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) { q.pollInterval = d }
}

// New creates a queue backed by store.
func New(store Store, logger *zap.SugaredLogger, opts ...Option) *Queue {
	q := &Queue{
		store:        store,
		policies:     DefaultPolicies(),
		logger:       logger,
		now:          time.Now,
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Policy returns the effective policy of a queue.
func (q *Queue) Policy(queueName string) Policy {
	if p, ok := q.policies[queueName]; ok {
		return p
	}
	return DefaultPolicy
}

// Submit adds a job to a queue. payload is JSON encoded unless it already is
// a json.RawMessage. Submitting with an existing JobID returns the existing
// job unchanged.
func (q *Queue) Submit(ctx context.Context, queueName, jobName string, payload any, opts *JobOptions) (*Job, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	return q.submit(ctx, queueName, jobName, data, opts, "")
}

func (q *Queue) submit(ctx context.Context, queueName, jobName string, data json.RawMessage, opts *JobOptions, schedulerID string) (*Job, error) {
	now := q.now()
	resolved := q.Policy(queueName).resolve(opts)
	job := &Job{
		ID:          resolved.JobID,
		Queue:       queueName,
		Name:        jobName,
		Data:        data,
		Opts:        resolved,
		State:       StateWaiting,
		SchedulerID: schedulerID,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if resolved.Delay > 0 {
		job.State = StateDelayed
		job.RunAt = now.Add(resolved.Delay)
	}

	added, err := q.store.AddJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to submit %s job to %s: %w", jobName, queueName, err)
	}
	if !added {
		return q.store.GetJob(ctx, queueName, job.ID)
	}

	q.logger.Debugw("job submitted", "queue", queueName, "job", jobName, "jobId", job.ID, "delay", resolved.Delay)
	return job, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode job payload: %w", err)
		}
		return data, nil
	}
}

// GetJob returns a job by id.
func (q *Queue) GetJob(ctx context.Context, queueName, id string) (*Job, error) {
	return q.store.GetJob(ctx, queueName, id)
}

// ListJobs lists jobs in the given states, or all jobs when none are given.
func (q *Queue) ListJobs(ctx context.Context, queueName string, states ...State) ([]Job, error) {
	return q.store.ListJobs(ctx, queueName, states)
}

// Counts returns the number of jobs per state.
func (q *Queue) Counts(ctx context.Context, queueName string) (map[State]int, error) {
	counts, err := q.store.CountJobs(ctx, queueName)
	if err != nil {
		return nil, err
	}
	for _, state := range AllStates {
		if _, ok := counts[state]; !ok {
			counts[state] = 0
		}
	}
	return counts, nil
}

// Pause stops workers from picking up new jobs in the queue.
func (q *Queue) Pause(ctx context.Context, queueName string) error {
	if err := q.store.SetPaused(ctx, queueName, true); err != nil {
		return err
	}
	q.logger.Infow("queue paused", "queue", queueName)
	return nil
}

// Resume undoes Pause.
func (q *Queue) Resume(ctx context.Context, queueName string) error {
	if err := q.store.SetPaused(ctx, queueName, false); err != nil {
		return err
	}
	q.logger.Infow("queue resumed", "queue", queueName)
	return nil
}

// IsPaused reports whether the queue is paused.
func (q *Queue) IsPaused(ctx context.Context, queueName string) (bool, error) {
	return q.store.IsPaused(ctx, queueName)
}

// RemoveJob deletes a job that is not currently active.
func (q *Queue) RemoveJob(ctx context.Context, queueName, id string) error {
	job, err := q.store.GetJob(ctx, queueName, id)
	if err != nil {
		return err
	}
	if job.State == StateActive {
		return &JobStateError{JobID: id, State: job.State, Op: "remove"}
	}
	return q.store.RemoveJob(ctx, queueName, id)
}

// RetryJob moves a completed or failed job back to waiting with a fresh
// attempt budget. Active, waiting and delayed jobs are refused.
func (q *Queue) RetryJob(ctx context.Context, queueName, id string) (*Job, error) {
	job, err := q.store.GetJob(ctx, queueName, id)
	if err != nil {
		return nil, err
	}
	switch job.State {
	case StateActive, StateWaiting, StateDelayed:
		return nil, &JobStateError{JobID: id, State: job.State, Op: "retry"}
	}

	now := q.now()
	job.State = StateWaiting
	job.AttemptsMade = 0
	job.FailedReason = ""
	job.RunAt = now
	job.ProcessedAt = nil
	job.FinishedAt = nil
	job.UpdatedAt = now
	if err := q.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	q.logger.Infow("job retried", "queue", queueName, "jobId", id)
	return job, nil
}

// Clear removes jobs in the given states, or every non-active job when no
// states are given. It returns the number of removed jobs.
func (q *Queue) Clear(ctx context.Context, queueName string, states ...State) (int, error) {
	if len(states) == 0 {
		states = []State{StateWaiting, StateDelayed, StateCompleted, StateFailed}
	}
	for _, state := range states {
		if state == StateActive {
			return 0, &JobStateError{State: state, Op: "clear"}
		}
	}
	n, err := q.store.RemoveJobs(ctx, queueName, states)
	if err != nil {
		return 0, err
	}
	q.logger.Infow("queue cleared", "queue", queueName, "states", states, "removed", n)
	return n, nil
}

// ProcessNext acquires one ready job from the queue and runs handler on it
// in the calling goroutine. It reports whether a job was processed.
func (q *Queue) ProcessNext(ctx context.Context, queueName string, handler Handler) (bool, error) {
	job, err := q.acquire(ctx, queueName)
	if err != nil || job == nil {
		return false, err
	}
	return true, q.process(ctx, handler, job)
}

func (q *Queue) acquire(ctx context.Context, queueName string) (*Job, error) {
	paused, err := q.store.IsPaused(ctx, queueName)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}
	return q.store.Acquire(ctx, queueName, q.now())
}

// process runs the handler and records the outcome on the job.
func (q *Queue) process(ctx context.Context, handler Handler, job *Job) error {
	log := q.logger.With("queue", job.Queue, "job", job.Name, "jobId", job.ID)
	herr := runHandler(ctx, handler, job)
	now := q.now()
	job.UpdatedAt = now

	var delayed *DelayedError
	switch {
	case herr == nil:
		job.AttemptsMade++
		job.State = StateCompleted
		job.FailedReason = ""
		job.FinishedAt = &now
		log.Debugw("job completed")
	case errors.As(herr, &delayed):
		job.State = StateDelayed
		job.RunAt = now.Add(delayed.Delay)
		log.Infow("job moved to delayed", "delay", delayed.Delay)
	default:
		job.AttemptsMade++
		job.FailedReason = herr.Error()
		if IsUnrecoverable(herr) || job.AttemptsMade >= job.Opts.Attempts {
			job.State = StateFailed
			job.FinishedAt = &now
			log.Errorw("job failed", "attempts", job.AttemptsMade, "error", herr)
		} else {
			backoff := q.Policy(job.Queue).Backoff
			if job.Opts.Backoff != nil {
				backoff = *job.Opts.Backoff
			}
			wait := backoff.After(job.AttemptsMade)
			job.State = StateDelayed
			job.RunAt = now.Add(wait)
			log.Warnw("job attempt failed, retrying", "attempts", job.AttemptsMade, "backoff", wait, "error", herr)
		}
	}

	if err := q.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to record outcome of job %s: %w", job.ID, err)
	}
	q.trim(ctx, job)
	return nil
}

func runHandler(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (q *Queue) trim(ctx context.Context, job *Job) {
	var keep int
	switch job.State {
	case StateCompleted:
		keep = job.Opts.RemoveOnComplete
	case StateFailed:
		keep = job.Opts.RemoveOnFail
	default:
		return
	}
	if keep <= 0 {
		return
	}
	if err := q.store.TrimJobs(ctx, job.Queue, job.State, keep); err != nil {
		q.logger.Warnw("failed to trim finished jobs", "queue", job.Queue, "state", job.State, "error", err)
	}
}
