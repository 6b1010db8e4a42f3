package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// next computes the first fire time of r strictly after from.
func (r Repeat) next(from time.Time) (time.Time, error) {
	switch {
	case r.Pattern != "" && r.Every > 0:
		return time.Time{}, fmt.Errorf("repeat must set either a pattern or an interval, not both")
	case r.Pattern != "":
		schedule, err := cron.ParseStandard(r.Pattern)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron pattern %q: %w", r.Pattern, err)
		}
		return schedule.Next(from), nil
	case r.Every > 0:
		return from.Add(r.Every), nil
	default:
		return time.Time{}, fmt.Errorf("repeat requires a pattern or an interval")
	}
}

// SubmitRecurring registers or updates the recurring job schedulerID on
// queueName. Registering the same id again replaces the trigger and template
// and keeps the pending fire time when the trigger is unchanged.
func (q *Queue) SubmitRecurring(ctx context.Context, queueName, schedulerID string, repeat Repeat, tmpl JobTemplate) (*Scheduler, error) {
	if schedulerID == "" {
		return nil, fmt.Errorf("scheduler id is required")
	}
	now := q.now()
	next, err := repeat.next(now)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		ID:        schedulerID,
		Queue:     queueName,
		Repeat:    repeat,
		Template:  tmpl,
		NextRunAt: next,
		CreatedAt: now,
		UpdatedAt: now,
	}

	existing, err := q.store.GetScheduler(ctx, queueName, schedulerID)
	switch {
	case err == nil:
		s.CreatedAt = existing.CreatedAt
		if existing.Repeat == repeat {
			s.NextRunAt = existing.NextRunAt
		}
	case !errors.Is(err, ErrSchedulerNotFound):
		return nil, err
	}

	if err := q.store.UpsertScheduler(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to register recurring job %s: %w", schedulerID, err)
	}
	q.logger.Debugw("recurring job registered", "queue", queueName, "schedulerId", schedulerID,
		"pattern", repeat.Pattern, "every", repeat.Every, "nextRunAt", s.NextRunAt)
	return s, nil
}

// RemoveRecurring deletes a recurring registration. Jobs it already
// submitted are left alone.
func (q *Queue) RemoveRecurring(ctx context.Context, queueName, schedulerID string) error {
	if err := q.store.RemoveScheduler(ctx, queueName, schedulerID); err != nil {
		return err
	}
	q.logger.Infow("recurring job removed", "queue", queueName, "schedulerId", schedulerID)
	return nil
}

// ListRecurring lists the registrations of a queue.
func (q *Queue) ListRecurring(ctx context.Context, queueName string) ([]Scheduler, error) {
	return q.store.ListSchedulers(ctx, queueName)
}

// FireDue submits one job for every registration whose fire time has passed
// and advances it. It returns the number of jobs submitted.
func (q *Queue) FireDue(ctx context.Context) (int, error) {
	schedulers, err := q.store.ListSchedulers(ctx, "")
	if err != nil {
		return 0, err
	}

	now := q.now()
	fired := 0
	for _, s := range schedulers {
		if s.NextRunAt.After(now) {
			continue
		}
		next, err := s.Repeat.next(now)
		if err != nil {
			q.logger.Errorw("invalid recurring registration", "queue", s.Queue, "schedulerId", s.ID, "error", err)
			continue
		}
		won, err := q.store.AdvanceScheduler(ctx, s.Queue, s.ID, s.NextRunAt, next)
		if err != nil {
			return fired, err
		}
		if !won {
			continue
		}

		opts := JobOptions{}
		if s.Template.Opts != nil {
			opts = *s.Template.Opts
		}
		opts.JobID = fmt.Sprintf("repeat:%s:%d", s.ID, s.NextRunAt.UnixMilli())
		if _, err := q.submit(ctx, s.Queue, s.Template.Name, s.Template.Data, &opts, s.ID); err != nil {
			return fired, err
		}
		fired++
	}
	return fired, nil
}

// Run fires recurring registrations every poll interval until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.FireDue(ctx); err != nil && ctx.Err() == nil {
				q.logger.Errorw("failed to fire recurring jobs", "error", err)
			}
		}
	}
}
