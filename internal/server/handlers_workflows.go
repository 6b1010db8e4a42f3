package server

import (
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/jonathan/workflow-runner/internal/definition"
	"github.com/jonathan/workflow-runner/internal/repository"
	"github.com/jonathan/workflow-runner/internal/server/middleware"
	"github.com/jonathan/workflow-runner/internal/types"
)

// TriggerRequest is the optional body of a manual trigger. TriggeredBy is
// ignored when the request is authenticated; the token subject wins.
type TriggerRequest struct {
	TriggeredBy string `json:"triggered_by,omitempty"`
}

// TriggerResponse reports the queued start job.
type TriggerResponse struct {
	JobID       string `json:"job_id"`
	WorkflowID  string `json:"workflow_id"`
	TriggeredBy string `json:"triggered_by"`
	Status      string `json:"status"`
}

// defaultTriggeredBy marks manual runs from an unauthenticated API.
const defaultTriggeredBy = "api"

// handleListWorkflows lists workflow summaries filtered by status, owner,
// scheduled and limit.
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.WorkflowFilter{Owner: q.Get("owner")}

	if v := q.Get("status"); v != "" {
		status := types.WorkflowStatus(strings.ToUpper(v))
		switch status {
		case types.WorkflowStatusActive, types.WorkflowStatusInactive, types.WorkflowStatusArchived:
			filter.Status = &status
		default:
			s.errorResponse(w, http.StatusBadRequest, "unknown workflow status: "+v)
			return
		}
	}
	if v := q.Get("scheduled"); v != "" {
		scheduled, err := strconv.ParseBool(v)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "scheduled must be a boolean")
			return
		}
		filter.Scheduled = scheduled
	}
	limit, ok := s.parseLimit(w, r)
	if !ok {
		return
	}
	filter.Limit = limit

	workflows, err := s.repo.ListWorkflows(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if workflows == nil {
		workflows = []types.WorkflowSummary{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"workflows": workflows, "count": len(workflows)})
}

// handleCreateWorkflow creates a workflow from a JSON body or, with a YAML
// content type, from a definition document.
func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var (
		in  *types.WorkflowInput
		err error
	)
	if isYAML(r.Header.Get("Content-Type")) {
		data, readErr := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if readErr != nil {
			s.errorResponse(w, http.StatusBadRequest, "failed to read body")
			return
		}
		in, err = definition.ParseWorkflowYAML(data)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
	} else {
		in = &types.WorkflowInput{}
		if err := decodeJSON(w, r, in); err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := validateWorkflowInput(in); err != nil {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	wf, err := s.repo.CreateWorkflow(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Infow("workflow created", "workflowId", wf.ID, "name", wf.Name, "owner", wf.Owner)
	s.jsonResponse(w, http.StatusCreated, wf)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	wf, err := s.repo.GetWorkflow(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, wf)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var patch types.WorkflowPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := patch.Validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if patch.Schedule != nil && !patch.ClearSchedule {
		if err := definition.ValidateSchedule(*patch.Schedule); err != nil {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	wf, err := s.repo.UpdateWorkflow(r.Context(), id, &patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Infow("workflow updated", "workflowId", wf.ID)
	s.jsonResponse(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.repo.DeleteWorkflow(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Infow("workflow deleted", "workflowId", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleTriggerRun queues a manual run of the workflow.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req TriggerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	triggeredBy := strings.TrimSpace(req.TriggeredBy)
	if subject, err := middleware.GetSubject(r); err == nil {
		triggeredBy = subject
	}
	if triggeredBy == "" {
		triggeredBy = defaultTriggeredBy
	}

	job, err := s.admin.TriggerRun(r.Context(), id, &triggeredBy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, TriggerResponse{
		JobID:       job.ID,
		WorkflowID:  id.String(),
		TriggeredBy: triggeredBy,
		Status:      "queued",
	})
}

func validateWorkflowInput(in *types.WorkflowInput) error {
	if err := in.Validate(); err != nil {
		return err
	}
	if in.Schedule != nil {
		return definition.ValidateSchedule(*in.Schedule)
	}
	return nil
}

func isYAML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		return true
	}
	return false
}

// parseLimit reads the optional limit query parameter.
func (s *Server) parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit < 0 {
		s.errorResponse(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return limit, true
}
