package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/chambrid/job-orchestrator/internal/domain"
	"github.com/chambrid/job-orchestrator/internal/intake"
	"github.com/chambrid/job-orchestrator/internal/orcherrors"
	"github.com/chambrid/job-orchestrator/internal/store"
)

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req intake.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_BODY", "malformed request body", err.Error())
		return
	}

	result, err := s.intake.Submit(r.Context(), req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := store.JobFilter{
		OrgID:        query.Get("org_id"),
		AppVersionID: query.Get("app_version_id"),
	}
	if limitParam := query.Get("limit"); limitParam != "" {
		if n, err := strconv.Atoi(limitParam); err == nil {
			filter.Limit = n
		}
	}
	stateParam := query.Get("status")
	if stateParam == "" {
		stateParam = query.Get("state")
	}
	if stateParam != "" {
		filter.States = []domain.JobState{domain.JobState(stateParam)}
	}

	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "total_count": len(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if job == nil {
		s.writeErr(w, orcherrors.NewNotFoundError("job", jobID))
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := s.intake.Cancel(r.Context(), jobID, body.Reason); err != nil {
		s.writeErr(w, err)
		return
	}

	// A RUNNING job only has its batch flagged cancel-requested here and
	// stays RUNNING; report its actual state rather than assuming the
	// terminal one.
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":           jobID,
		"state":            string(job.State),
		"cancel_requested": job.State != domain.JobCancelled,
	})
}
