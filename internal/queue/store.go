package queue

import (
	"context"
	"time"
)

// Store persists jobs, recurring registrations and pause flags.
type Store interface {
	// AddJob inserts the job. It returns false when a job with the same id
	// already exists in the queue.
	AddJob(ctx context.Context, job *Job) (bool, error)
	// GetJob returns ErrJobNotFound for unknown ids.
	GetJob(ctx context.Context, queue, id string) (*Job, error)
	ListJobs(ctx context.Context, queue string, states []State) ([]Job, error)
	CountJobs(ctx context.Context, queue string) (map[State]int, error)
	// Acquire atomically moves the oldest ready job (waiting, or delayed
	// with RunAt <= now) to active and returns it, or nil when none is ready.
	Acquire(ctx context.Context, queue string, now time.Time) (*Job, error)
	// UpdateJob writes the job's state, attempts, reason and timestamps.
	UpdateJob(ctx context.Context, job *Job) error
	RemoveJob(ctx context.Context, queue, id string) error
	RemoveJobs(ctx context.Context, queue string, states []State) (int, error)
	// TrimJobs keeps only the newest keep jobs in the given finished state.
	TrimJobs(ctx context.Context, queue string, state State, keep int) error

	SetPaused(ctx context.Context, queue string, paused bool) error
	IsPaused(ctx context.Context, queue string) (bool, error)

	// GetScheduler returns ErrSchedulerNotFound for unknown registrations.
	GetScheduler(ctx context.Context, queue, id string) (*Scheduler, error)
	UpsertScheduler(ctx context.Context, s *Scheduler) error
	RemoveScheduler(ctx context.Context, queue, id string) error
	// ListSchedulers lists the registrations of a queue, or of all queues
	// when queue is empty.
	ListSchedulers(ctx context.Context, queue string) ([]Scheduler, error)
	// AdvanceScheduler moves NextRunAt from prev to next and reports whether
	// this caller won the update.
	AdvanceScheduler(ctx context.Context, queue, id string, prev, next time.Time) (bool, error)
}
