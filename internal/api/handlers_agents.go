package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/chambrid/job-orchestrator/internal/domain"
	"github.com/chambrid/job-orchestrator/internal/orcherrors"
	"github.com/chambrid/job-orchestrator/internal/registry"
)

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registry.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_BODY", "malformed request body", err.Error())
		return
	}
	agent, err := s.registry.Register(r.Context(), req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	var body struct {
		Status          domain.AgentStatus `json:"status"`
		CurrentBatchIDs []string           `json:"current_batch_ids"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := s.registry.Heartbeat(r.Context(), agentID, body.Status, body.CurrentBatchIDs); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"agent_id": agentID})
}

// handlePoll lets an agent ask whether it has been assigned a batch.
// Dispatch itself happens out-of-band in the Scheduler's own loop; this
// just reports the agent's batches that are assigned but not yet claimed
// (state ASSIGNED).
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	agent, err := s.store.GetAgent(r.Context(), agentID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if agent == nil {
		s.writeErr(w, orcherrors.NewNotFoundError("agent", agentID))
		return
	}

	assignments := make([]map[string]interface{}, 0, len(agent.CurrentBatchIDs))
	for _, batchID := range agent.CurrentBatchIDs {
		batch, err := s.store.GetBatch(r.Context(), batchID)
		if err != nil || batch == nil || batch.State != domain.BatchAssigned {
			continue
		}
		jobs := make([]*domain.Job, 0, len(batch.MemberJobIDs))
		for _, jobID := range batch.MemberJobIDs {
			j, err := s.store.GetJob(r.Context(), jobID)
			if err == nil && j != nil {
				jobs = append(jobs, j)
			}
		}
		assignments = append(assignments, map[string]interface{}{"batch": batch, "jobs": jobs})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"assignments": assignments})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("id")
	if err := s.supervisor.Claim(r.Context(), batchID); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"batch_id": batchID, "state": string(domain.BatchRunning)})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("id")
	var body struct {
		LeaseExtensionMS int `json:"lease_extension_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_BODY", "malformed request body", err.Error())
		return
	}
	extension := time.Duration(body.LeaseExtensionMS) * time.Millisecond
	if err := s.supervisor.Progress(r.Context(), batchID, extension); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"batch_id": batchID})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("id")
	var body struct {
		Results map[string]domain.Result `json:"results"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_BODY", "malformed request body", err.Error())
		return
	}
	if err := s.supervisor.Report(r.Context(), batchID, body.Results); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"batch_id": batchID})
}
