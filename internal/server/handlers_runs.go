package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jonathan/workflow-runner/internal/repository"
	"github.com/jonathan/workflow-runner/internal/types"
)

// StepActionResponse reports a queued step retry.
type StepActionResponse struct {
	JobID        string `json:"job_id"`
	RunID        string `json:"run_id"`
	SourceItemID string `json:"source_item_id"`
	StepID       string `json:"step_id"`
	Status       string `json:"status"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter repository.RunFilter

	if v := q.Get("workflow_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			s.writeError(w, r, &ErrValidation{Field: "workflow_id", Message: "must be a UUID"})
			return
		}
		filter.WorkflowID = &id
	}
	if v := q.Get("status"); v != "" {
		status := types.RunStatus(strings.ToUpper(v))
		if !status.Valid() {
			s.writeError(w, r, &ErrValidation{Field: "status", Message: "unknown run status " + v})
			return
		}
		filter.Status = &status
	}
	limit, ok := s.parseLimit(w, r)
	if !ok {
		return
	}
	filter.Limit = limit

	runs, err := s.repo.ListWorkflowRuns(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []types.WorkflowRun{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// handleGetRun returns the run with its workflow, plugin runs and items.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	detail, err := s.repo.GetWorkflowRunDetail(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, detail)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	run, err := s.admin.CancelRun(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, run)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.admin.DeleteRun(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListPluginRuns lists the plugin runs of a run, optionally narrowed
// by item_id, type and status.
func (s *Server) handleListPluginRuns(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.repo.GetWorkflowRun(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	filter := repository.PluginRunFilter{WorkflowRunID: &id}
	if v := q.Get("item_id"); v != "" {
		itemID, err := uuid.Parse(v)
		if err != nil {
			s.writeError(w, r, &ErrValidation{Field: "item_id", Message: "must be a UUID"})
			return
		}
		filter.SourceItemID = &itemID
	}
	if v := q.Get("type"); v != "" {
		typ := types.PluginRunType(strings.ToUpper(v))
		if typ != types.PluginRunTypeSource && typ != types.PluginRunTypePipeline {
			s.writeError(w, r, &ErrValidation{Field: "type", Message: "must be SOURCE or PIPELINE"})
			return
		}
		filter.Type = &typ
	}
	if v := q.Get("status"); v != "" {
		status := types.PluginRunStatus(strings.ToUpper(v))
		if !status.Valid() {
			s.writeError(w, r, &ErrValidation{Field: "status", Message: "unknown plugin run status " + v})
			return
		}
		filter.Status = &status
	}

	prs, err := s.repo.ListPluginRuns(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if prs == nil {
		prs = []types.PluginRun{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"plugin_runs": prs, "count": len(prs)})
}

// handleRetryStep resets a step of one item and queues a pipeline job that
// starts there.
func (s *Server) handleRetryStep(w http.ResponseWriter, r *http.Request) {
	runID, itemID, stepID, ok := s.stepPath(w, r)
	if !ok {
		return
	}
	job, err := s.admin.RetryFromStep(r.Context(), runID, itemID, stepID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, StepActionResponse{
		JobID:        job.ID,
		RunID:        runID.String(),
		SourceItemID: itemID.String(),
		StepID:       stepID,
		Status:       "queued",
	})
}

func (s *Server) handleSkipStep(w http.ResponseWriter, r *http.Request) {
	runID, itemID, stepID, ok := s.stepPath(w, r)
	if !ok {
		return
	}
	pr, err := s.admin.SkipStep(r.Context(), runID, itemID, stepID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, pr)
}

func (s *Server) stepPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, string, bool) {
	runID, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return uuid.Nil, uuid.Nil, "", false
	}
	itemID, err := pathUUID(r, "item_id")
	if err != nil {
		s.writeError(w, r, err)
		return uuid.Nil, uuid.Nil, "", false
	}
	stepID := r.PathValue("step_id")
	if stepID == "" {
		s.writeError(w, r, &ErrValidation{Field: "step_id", Message: "is required"})
		return uuid.Nil, uuid.Nil, "", false
	}
	return runID, itemID, stepID, true
}

// handleGetItem returns an item with its workflow and run links.
func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	detail, err := s.repo.GetSourceItemDetail(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, detail)
}
