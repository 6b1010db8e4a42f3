// Package queue implements durable background job queues with retries,
// delayed jobs, recurring registrations and bounded-concurrency workers.
//
// A Queue owns no state of its own: jobs and registrations live in a Store,
// either the in-memory MemoryStore or the PostgreSQL store in internal/db.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle state of a job.
type State string

// Job state constants
const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// AllStates lists every job state in lifecycle order.
var AllStates = []State{StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed}

// ParseState validates a state name.
func ParseState(s string) (State, error) {
	for _, state := range AllStates {
		if string(state) == s {
			return state, nil
		}
	}
	return "", fmt.Errorf("unknown job state: %q", s)
}

// BackoffType selects how retry delays grow.
type BackoffType string

// Backoff type constants
const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// Backoff describes the delay before a failed job is attempted again.
type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// After returns the delay before the next attempt, given the number of
// attempts already made (starting at 1).
func (b Backoff) After(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	if b.Type == BackoffFixed {
		return b.Delay
	}
	return b.Delay * time.Duration(1<<uint(attemptsMade-1))
}

// JobOptions control how a single job is retried and retained. Zero values
// fall back to the queue Policy.
type JobOptions struct {
	// JobID makes submission idempotent: a second job with the same id in
	// the same queue is not added.
	JobID            string        `json:"jobId,omitempty"`
	Attempts         int           `json:"attempts,omitempty"`
	Backoff          *Backoff      `json:"backoff,omitempty"`
	Delay            time.Duration `json:"delay,omitempty"`
	RemoveOnComplete int           `json:"removeOnComplete,omitempty"`
	RemoveOnFail     int           `json:"removeOnFail,omitempty"`
}

// Job is a unit of work in a queue.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data"`
	Opts         JobOptions      `json:"opts"`
	State        State           `json:"state"`
	AttemptsMade int             `json:"attemptsMade"`
	FailedReason string          `json:"failedReason,omitempty"`
	SchedulerID  string          `json:"schedulerId,omitempty"`
	RunAt        time.Time       `json:"runAt"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s job %s: %w", j.Name, j.ID, err)
	}
	return nil
}

// Repeat is the trigger of a recurring registration: a cron pattern or a
// fixed interval.
type Repeat struct {
	Pattern string        `json:"pattern,omitempty"`
	Every   time.Duration `json:"every,omitempty"`
}

// JobTemplate is the job submitted each time a recurring registration fires.
type JobTemplate struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
	Opts *JobOptions     `json:"opts,omitempty"`
}

// Scheduler is a recurring job registration, keyed by (Queue, ID).
type Scheduler struct {
	ID        string      `json:"id"`
	Queue     string      `json:"queue"`
	Repeat    Repeat      `json:"repeat"`
	Template  JobTemplate `json:"template"`
	NextRunAt time.Time   `json:"nextRunAt"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}
