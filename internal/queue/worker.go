package queue

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Handler processes one job. Returning an error applies the queue's retry
// policy; see Unrecoverable and DelayJob for the other outcomes.
type Handler func(ctx context.Context, job *Job) error

// WorkerOptions configure a worker.
type WorkerOptions struct {
	// Concurrency bounds the number of jobs handled at once. Defaults to 5.
	Concurrency int
}

// DefaultConcurrency is the number of concurrent jobs per worker.
const DefaultConcurrency = 5

// Worker is a long lived consumer of one queue.
type Worker struct {
	queue     *Queue
	name      string
	handler   Handler
	sem       *semaphore.Weighted
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// RegisterWorker starts consuming queueName with handler until ctx is done
// or the worker is closed.
func (q *Queue) RegisterWorker(ctx context.Context, queueName string, handler Handler, opts WorkerOptions) *Worker {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w := &Worker{
		queue:   q,
		name:    queueName,
		handler: handler,
		sem:     semaphore.NewWeighted(int64(concurrency)),
		cancel:  cancel,
	}

	q.mu.Lock()
	q.workers = append(q.workers, w)
	q.mu.Unlock()

	w.wg.Add(1)
	go w.loop(loopCtx)
	q.logger.Infow("worker registered", "queue", queueName, "concurrency", concurrency)
	return w
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	// Jobs already picked up run to completion when the worker stops.
	jobCtx := context.WithoutCancel(ctx)

	for {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return
		}

		job, err := w.queue.acquire(ctx, w.name)
		if err != nil || job == nil {
			w.sem.Release(1)
			if err != nil && ctx.Err() == nil {
				w.queue.logger.Errorw("failed to acquire job", "queue", w.name, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.queue.pollInterval):
			}
			continue
		}

		w.wg.Add(1)
		go func(job *Job) {
			defer w.wg.Done()
			defer w.sem.Release(1)
			if err := w.queue.process(jobCtx, w.handler, job); err != nil {
				w.queue.logger.Errorw("failed to process job", "queue", w.name, "jobId", job.ID, "error", err)
			}
		}(job)
	}
}

// Close stops polling and waits for in-flight jobs to finish.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		w.cancel()
		w.wg.Wait()
		w.queue.logger.Infow("worker stopped", "queue", w.name)
	})
}

// Close stops every registered worker.
func (q *Queue) Close() {
	q.mu.Lock()
	workers := q.workers
	q.workers = nil
	q.mu.Unlock()
	for _, w := range workers {
		w.Close()
	}
}
