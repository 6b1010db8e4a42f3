package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonathan/workflow-runner/internal/queue"
)

// JobStore is the PostgreSQL implementation of queue.Store. Acquire uses
// FOR UPDATE SKIP LOCKED so several processes can consume the same queue.
type JobStore struct {
	pool *pgxpool.Pool
}

var _ queue.Store = (*JobStore)(nil)

// NewJobStore creates a job store on an existing pool.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

const jobColumns = `id, queue, name, data, opts, state, attempts_made, COALESCE(failed_reason, ''),
	COALESCE(scheduler_id, ''), run_at, processed_at, finished_at, created_at, updated_at`

func scanJob(row rowScanner) (*queue.Job, error) {
	var j queue.Job
	var data, opts []byte
	if err := row.Scan(&j.ID, &j.Queue, &j.Name, &data, &opts, &j.State, &j.AttemptsMade,
		&j.FailedReason, &j.SchedulerID, &j.RunAt, &j.ProcessedAt, &j.FinishedAt,
		&j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Data = data
	if err := json.Unmarshal(opts, &j.Opts); err != nil {
		return nil, fmt.Errorf("failed to decode options of job %s: %w", j.ID, err)
	}
	return &j, nil
}

func stateStrings(states []queue.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *JobStore) AddJob(ctx context.Context, job *queue.Job) (bool, error) {
	opts, err := json.Marshal(job.Opts)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job options: %w", err)
	}
	result, err := s.pool.Exec(ctx,
		`INSERT INTO queue_jobs (id, queue, name, data, opts, state, attempts_made, scheduler_id,
		                         run_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO NOTHING`,
		job.ID, job.Queue, job.Name, []byte(job.Data), opts, string(job.State), job.AttemptsMade,
		nullableString(job.SchedulerID), job.RunAt, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to add job: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

func (s *JobStore) GetJob(ctx context.Context, queueName, id string) (*queue.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM queue_jobs WHERE queue = $1 AND id = $2`, queueName, id))
	if err != nil {
		if isNoRows(err) {
			return nil, queue.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (s *JobStore) ListJobs(ctx context.Context, queueName string, states []queue.State) ([]queue.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM queue_jobs WHERE queue = $1`
	args := []any{queueName}
	if len(states) > 0 {
		query += ` AND state = ANY($2)`
		args = append(args, stateStrings(states))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (queue.Job, error) {
		job, err := scanJob(row)
		if err != nil {
			return queue.Job{}, err
		}
		return *job, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan jobs: %w", err)
	}
	return jobs, nil
}

func (s *JobStore) CountJobs(ctx context.Context, queueName string) (map[queue.State]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT state, COUNT(*) FROM queue_jobs WHERE queue = $1 GROUP BY state`, queueName)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[queue.State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[queue.State(state)] = n
	}
	return counts, rows.Err()
}

func (s *JobStore) Acquire(ctx context.Context, queueName string, now time.Time) (*queue.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE queue_jobs
		 SET state = 'active', processed_at = $2, updated_at = $2
		 WHERE id = (
		     SELECT id FROM queue_jobs
		     WHERE queue = $1
		       AND (state = 'waiting' OR (state = 'delayed' AND run_at <= $2))
		     ORDER BY run_at, created_at
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		queueName, now,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to acquire job: %w", err)
	}
	return job, nil
}

func (s *JobStore) UpdateJob(ctx context.Context, job *queue.Job) error {
	result, err := s.pool.Exec(ctx,
		`UPDATE queue_jobs
		 SET state = $3, attempts_made = $4, failed_reason = $5, run_at = $6,
		     processed_at = $7, finished_at = $8, updated_at = $9
		 WHERE queue = $1 AND id = $2`,
		job.Queue, job.ID, string(job.State), job.AttemptsMade, nullableString(job.FailedReason),
		job.RunAt, job.ProcessedAt, job.FinishedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrJobNotFound
	}
	return nil
}

func (s *JobStore) RemoveJob(ctx context.Context, queueName, id string) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM queue_jobs WHERE queue = $1 AND id = $2`, queueName, id)
	if err != nil {
		return fmt.Errorf("failed to remove job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrJobNotFound
	}
	return nil
}

func (s *JobStore) RemoveJobs(ctx context.Context, queueName string, states []queue.State) (int, error) {
	result, err := s.pool.Exec(ctx,
		`DELETE FROM queue_jobs WHERE queue = $1 AND state = ANY($2)`,
		queueName, stateStrings(states),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to remove jobs: %w", err)
	}
	return int(result.RowsAffected()), nil
}

func (s *JobStore) TrimJobs(ctx context.Context, queueName string, state queue.State, keep int) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM queue_jobs
		 WHERE queue = $1 AND state = $2 AND id NOT IN (
		     SELECT id FROM queue_jobs
		     WHERE queue = $1 AND state = $2
		     ORDER BY COALESCE(finished_at, updated_at) DESC
		     LIMIT $3
		 )`,
		queueName, string(state), keep,
	)
	if err != nil {
		return fmt.Errorf("failed to trim jobs: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Pause flags
// -----------------------------------------------------------------------------

func (s *JobStore) SetPaused(ctx context.Context, queueName string, paused bool) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO queue_state (queue, paused) VALUES ($1, $2)
		 ON CONFLICT (queue) DO UPDATE SET paused = EXCLUDED.paused`,
		queueName, paused,
	)
	if err != nil {
		return fmt.Errorf("failed to set paused: %w", err)
	}
	return nil
}

func (s *JobStore) IsPaused(ctx context.Context, queueName string) (bool, error) {
	var paused bool
	err := s.pool.QueryRow(ctx, `SELECT paused FROM queue_state WHERE queue = $1`, queueName).Scan(&paused)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read pause flag: %w", err)
	}
	return paused, nil
}

// -----------------------------------------------------------------------------
// Recurring registrations
// -----------------------------------------------------------------------------

const schedulerColumns = `queue, id, COALESCE(pattern, ''), COALESCE(every_ms, 0), template,
	next_run_at, created_at, updated_at`

func scanScheduler(row rowScanner) (*queue.Scheduler, error) {
	var sched queue.Scheduler
	var everyMs int64
	var tmpl []byte
	if err := row.Scan(&sched.Queue, &sched.ID, &sched.Repeat.Pattern, &everyMs, &tmpl,
		&sched.NextRunAt, &sched.CreatedAt, &sched.UpdatedAt); err != nil {
		return nil, err
	}
	sched.Repeat.Every = time.Duration(everyMs) * time.Millisecond
	if err := json.Unmarshal(tmpl, &sched.Template); err != nil {
		return nil, fmt.Errorf("failed to decode template of scheduler %s: %w", sched.ID, err)
	}
	return &sched, nil
}

func (s *JobStore) GetScheduler(ctx context.Context, queueName, id string) (*queue.Scheduler, error) {
	sched, err := scanScheduler(s.pool.QueryRow(ctx,
		`SELECT `+schedulerColumns+` FROM queue_schedulers WHERE queue = $1 AND id = $2`, queueName, id))
	if err != nil {
		if isNoRows(err) {
			return nil, queue.ErrSchedulerNotFound
		}
		return nil, fmt.Errorf("failed to get scheduler: %w", err)
	}
	return sched, nil
}

func (s *JobStore) UpsertScheduler(ctx context.Context, sched *queue.Scheduler) error {
	tmpl, err := json.Marshal(sched.Template)
	if err != nil {
		return fmt.Errorf("failed to marshal job template: %w", err)
	}
	var everyMs *int64
	if sched.Repeat.Every > 0 {
		ms := sched.Repeat.Every.Milliseconds()
		everyMs = &ms
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO queue_schedulers (queue, id, pattern, every_ms, template, next_run_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (queue, id) DO UPDATE
		 SET pattern = EXCLUDED.pattern, every_ms = EXCLUDED.every_ms, template = EXCLUDED.template,
		     next_run_at = EXCLUDED.next_run_at, updated_at = EXCLUDED.updated_at`,
		sched.Queue, sched.ID, nullableString(sched.Repeat.Pattern), everyMs, tmpl,
		sched.NextRunAt, sched.CreatedAt, sched.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert scheduler: %w", err)
	}
	return nil
}

func (s *JobStore) RemoveScheduler(ctx context.Context, queueName, id string) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM queue_schedulers WHERE queue = $1 AND id = $2`, queueName, id)
	if err != nil {
		return fmt.Errorf("failed to remove scheduler: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrSchedulerNotFound
	}
	return nil
}

func (s *JobStore) ListSchedulers(ctx context.Context, queueName string) ([]queue.Scheduler, error) {
	query := `SELECT ` + schedulerColumns + ` FROM queue_schedulers`
	args := []any{}
	if queueName != "" {
		query += ` WHERE queue = $1`
		args = append(args, queueName)
	}
	query += ` ORDER BY queue, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedulers: %w", err)
	}
	schedulers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (queue.Scheduler, error) {
		sched, err := scanScheduler(row)
		if err != nil {
			return queue.Scheduler{}, err
		}
		return *sched, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan schedulers: %w", err)
	}
	return schedulers, nil
}

func (s *JobStore) AdvanceScheduler(ctx context.Context, queueName, id string, prev, next time.Time) (bool, error) {
	result, err := s.pool.Exec(ctx,
		`UPDATE queue_schedulers SET next_run_at = $4, updated_at = NOW()
		 WHERE queue = $1 AND id = $2 AND next_run_at = $3`,
		queueName, id, prev, next,
	)
	if err != nil {
		return false, fmt.Errorf("failed to advance scheduler: %w", err)
	}
	return result.RowsAffected() == 1, nil
}
