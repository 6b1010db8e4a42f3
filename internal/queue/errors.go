package queue

import (
	"errors"
	"fmt"
	"time"
)

// ErrJobNotFound is returned when a job id does not exist in the queue.
var ErrJobNotFound = errors.New("job not found")

// ErrSchedulerNotFound is returned when a recurring registration does not exist.
var ErrSchedulerNotFound = errors.New("scheduler not found")

// JobStateError is returned when an operation is not allowed in the job's
// current state.
type JobStateError struct {
	JobID string
	State State
	Op    string
}

func (e *JobStateError) Error() string {
	return fmt.Sprintf("cannot %s job %s in state %s", e.Op, e.JobID, e.State)
}

// unrecoverableError marks a handler failure that must not be retried.
type unrecoverableError struct {
	err error
}

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable wraps err so the job fails immediately regardless of the
// remaining attempts.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

// IsUnrecoverable reports whether err was wrapped with Unrecoverable.
func IsUnrecoverable(err error) bool {
	var ue *unrecoverableError
	return errors.As(err, &ue)
}

// DelayedError moves the job back to the delayed set without consuming an
// attempt.
type DelayedError struct {
	Delay time.Duration
}

func (e *DelayedError) Error() string {
	return fmt.Sprintf("job delayed for %s", e.Delay)
}

// DelayJob is returned by a handler to reschedule its job after d.
func DelayJob(d time.Duration) error {
	return &DelayedError{Delay: d}
}
