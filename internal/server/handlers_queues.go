package server

import (
	"net/http"
	"strings"

	"github.com/jonathan/workflow-runner/internal/queue"
)

// QueueStatsResponse is the state of one queue.
type QueueStatsResponse struct {
	Name   string              `json:"name"`
	Paused bool                `json:"paused"`
	Counts map[queue.State]int `json:"counts"`
}

// queueName returns the {name} path value when it names a known queue.
func (s *Server) queueName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := r.PathValue("name")
	if !queue.Known(name) {
		s.errorResponse(w, http.StatusNotFound, "unknown queue: "+name)
		return "", false
	}
	return name, true
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	name, ok := s.queueName(w, r)
	if !ok {
		return
	}
	stats, err := s.queueStats(r, name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, stats)
}

func (s *Server) queueStats(r *http.Request, name string) (*QueueStatsResponse, error) {
	counts, err := s.queues.Counts(r.Context(), name)
	if err != nil {
		return nil, err
	}
	paused, err := s.queues.IsPaused(r.Context(), name)
	if err != nil {
		return nil, err
	}
	return &QueueStatsResponse{Name: name, Paused: paused, Counts: counts}, nil
}

func (s *Server) handlePauseQueue(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, true)
}

func (s *Server) handleResumeQueue(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, false)
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	name, ok := s.queueName(w, r)
	if !ok {
		return
	}
	var err error
	if paused {
		err = s.queues.Pause(r.Context(), name)
	} else {
		err = s.queues.Resume(r.Context(), name)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.queueStats(r, name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, stats)
}

// handleListJobs lists jobs, optionally narrowed by a comma-separated state
// query parameter.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	name, ok := s.queueName(w, r)
	if !ok {
		return
	}
	var states []queue.State
	if v := r.URL.Query().Get("state"); v != "" {
		for _, part := range strings.Split(v, ",") {
			state, err := queue.ParseState(strings.ToLower(strings.TrimSpace(part)))
			if err != nil {
				s.writeError(w, r, &ErrValidation{Field: "state", Message: err.Error()})
				return
			}
			states = append(states, state)
		}
	}

	jobs, err := s.queues.ListJobs(r.Context(), name, states...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []queue.Job{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	name, ok := s.queueName(w, r)
	if !ok {
		return
	}
	job, err := s.queues.RetryJob(r.Context(), name, r.PathValue("job_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, job)
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	name, ok := s.queueName(w, r)
	if !ok {
		return
	}
	if err := s.queues.RemoveJob(r.Context(), name, r.PathValue("job_id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
