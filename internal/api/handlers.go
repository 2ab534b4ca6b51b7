package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type startRequest struct {
	Workflow json.RawMessage `json:"workflow" validate:"required"`
	Input    map[string]any  `json:"input"`
}

type respondRequest struct {
	Response any `json:"response" validate:"required"`
}

type scheduleRequest struct {
	WorkflowID string         `json:"workflow_id" validate:"required"`
	Cron       string         `json:"cron" validate:"required"`
	Input      map[string]any `json:"input"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	handle, err := s.sup.Start(r.Context(), s.caller(r), req.Workflow, req.Input)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, handle)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	handle, err := s.sup.Status(chi.URLParam(r, "executionID"), s.caller(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, handle)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Pause(chi.URLParam(r, "executionID"), s.caller(r)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Resume(chi.URLParam(r, "executionID"), s.caller(r)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "running"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Cancel(chi.URLParam(r, "executionID"), s.caller(r)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "cancelling"})
}

func (s *Server) handlePendingHITL(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.PendingHumanRequests(s.caller(r)))
}

func (s *Server) handleRespondHITL(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if err := s.sup.SubmitHumanResponse(s.caller(r), chi.URLParam(r, "requestID"), req.Response); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "responded"})
}

func (s *Server) handleAddSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if err := s.scheduler.Add(req.Cron, req.WorkflowID, req.Input); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "scheduled"})
}

func (s *Server) handleRemoveSchedule(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Remove(chi.URLParam(r, "workflowID"))
	writeJSON(w, http.StatusOK, map[string]any{"status": "removed"})
}
