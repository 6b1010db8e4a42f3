package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps jobs in process memory. It is safe for concurrent use.
type MemoryStore struct {
	mu         sync.Mutex
	jobs       map[string]map[string]*Job
	schedulers map[string]map[string]*Scheduler
	paused     map[string]bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]map[string]*Job),
		schedulers: make(map[string]map[string]*Scheduler),
		paused:     make(map[string]bool),
	}
}

func copyJob(j *Job) *Job {
	cp := *j
	cp.Data = append([]byte(nil), j.Data...)
	return &cp
}

func (s *MemoryStore) queueJobs(queue string) map[string]*Job {
	jobs, ok := s.jobs[queue]
	if !ok {
		jobs = make(map[string]*Job)
		s.jobs[queue] = jobs
	}
	return jobs
}

func matches(state State, states []State) bool {
	if len(states) == 0 {
		return true
	}
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

func (s *MemoryStore) AddJob(_ context.Context, job *Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := s.queueJobs(job.Queue)
	if _, exists := jobs[job.ID]; exists {
		return false, nil
	}
	jobs[job.ID] = copyJob(job)
	return true, nil
}

func (s *MemoryStore) GetJob(_ context.Context, queue, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.queueJobs(queue)[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(job), nil
}

func (s *MemoryStore) ListJobs(_ context.Context, queue string, states []State) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, job := range s.queueJobs(queue) {
		if matches(job.State, states) {
			out = append(out, *copyJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) CountJobs(_ context.Context, queue string) (map[State]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[State]int)
	for _, job := range s.queueJobs(queue) {
		counts[job.State]++
	}
	return counts, nil
}

func (s *MemoryStore) Acquire(_ context.Context, queue string, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next *Job
	for _, job := range s.queueJobs(queue) {
		ready := job.State == StateWaiting ||
			(job.State == StateDelayed && !job.RunAt.After(now))
		if !ready {
			continue
		}
		if next == nil || job.RunAt.Before(next.RunAt) ||
			(job.RunAt.Equal(next.RunAt) && job.CreatedAt.Before(next.CreatedAt)) {
			next = job
		}
	}
	if next == nil {
		return nil, nil
	}
	next.State = StateActive
	next.ProcessedAt = &now
	next.UpdatedAt = now
	return copyJob(next), nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := s.queueJobs(job.Queue)
	if _, ok := jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryStore) RemoveJob(_ context.Context, queue, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := s.queueJobs(queue)
	if _, ok := jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(jobs, id)
	return nil
}

func (s *MemoryStore) RemoveJobs(_ context.Context, queue string, states []State) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := s.queueJobs(queue)
	removed := 0
	for id, job := range jobs {
		if matches(job.State, states) {
			delete(jobs, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) TrimJobs(_ context.Context, queue string, state State, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := s.queueJobs(queue)
	var finished []*Job
	for _, job := range jobs {
		if job.State == state {
			finished = append(finished, job)
		}
	}
	if len(finished) <= keep {
		return nil
	}
	sort.Slice(finished, func(i, j int) bool {
		return finishedAt(finished[i]).After(finishedAt(finished[j]))
	})
	for _, job := range finished[keep:] {
		delete(jobs, job.ID)
	}
	return nil
}

func finishedAt(j *Job) time.Time {
	if j.FinishedAt != nil {
		return *j.FinishedAt
	}
	return j.UpdatedAt
}

func (s *MemoryStore) SetPaused(_ context.Context, queue string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[queue] = paused
	return nil
}

func (s *MemoryStore) IsPaused(_ context.Context, queue string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused[queue], nil
}

func (s *MemoryStore) GetScheduler(_ context.Context, queue, id string) (*Scheduler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedulers[queue][id]
	if !ok {
		return nil, ErrSchedulerNotFound
	}
	cp := *sched
	return &cp, nil
}

func (s *MemoryStore) UpsertScheduler(_ context.Context, sched *Scheduler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.schedulers[sched.Queue]
	if !ok {
		byID = make(map[string]*Scheduler)
		s.schedulers[sched.Queue] = byID
	}
	cp := *sched
	byID[sched.ID] = &cp
	return nil
}

func (s *MemoryStore) RemoveScheduler(_ context.Context, queue, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedulers[queue][id]; !ok {
		return ErrSchedulerNotFound
	}
	delete(s.schedulers[queue], id)
	return nil
}

func (s *MemoryStore) ListSchedulers(_ context.Context, queue string) ([]Scheduler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Scheduler
	for q, byID := range s.schedulers {
		if queue != "" && q != queue {
			continue
		}
		for _, sched := range byID {
			out = append(out, *sched)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Queue != out[j].Queue {
			return out[i].Queue < out[j].Queue
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) AdvanceScheduler(_ context.Context, queue, id string, prev, next time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedulers[queue][id]
	if !ok || !sched.NextRunAt.Equal(prev) {
		return false, nil
	}
	sched.NextRunAt = next
	return true, nil
}
