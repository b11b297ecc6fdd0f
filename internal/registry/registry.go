// Package registry tracks agent identity, capability, and liveness. An
// agent's capacity is a semaphore in spirit — N concurrent batch slots —
// but because assignment is a durable, transactional decision made by
// the scheduler rather than an in-process rendezvous, the slot count
// lives in the store instead of a channel the way pkg/ratelimit's
// AcquireSlot/ReleaseSlot keeps it in memory.
package registry

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/chambrid/job-orchestrator/internal/domain"
	"github.com/chambrid/job-orchestrator/internal/orcherrors"
	"github.com/chambrid/job-orchestrator/internal/store"
)

type RegisterRequest struct {
	Capabilities         domain.DeviceRequirements `json:"capabilities"`
	CapabilityTarget     domain.Target             `json:"capability_target" validate:"required,oneof=emulator device browserstack"`
	MaxConcurrentBatches int                       `json:"max_concurrent_batches" validate:"min=1"`
}

// Registry manages agent registration and liveness tracking.
type Registry struct {
	store           store.Store
	livenessWindow  time.Duration
	log             logr.Logger
}

func New(s store.Store, livenessWindow time.Duration, log logr.Logger) *Registry {
	return &Registry{store: s, livenessWindow: livenessWindow, log: log.WithName("registry")}
}

// Register durably enrolls a new agent as ONLINE.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*domain.Agent, error) {
	if !req.CapabilityTarget.Valid() {
		return nil, orcherrors.NewValidationError(orcherrors.FieldError{Field: "capability_target", Message: "invalid target"})
	}
	if req.MaxConcurrentBatches < 1 {
		return nil, orcherrors.NewValidationError(orcherrors.FieldError{Field: "max_concurrent_batches", Message: "must be at least 1"})
	}
	now := time.Now()
	agent := &domain.Agent{
		AgentID:              "agent_" + uuid.NewString(),
		Capabilities:         req.Capabilities,
		CapabilityTarget:     req.CapabilityTarget,
		MaxConcurrentBatches: req.MaxConcurrentBatches,
		Status:               domain.AgentOnline,
		LastHeartbeatAt:      now,
		RegisteredAt:         now,
	}
	if err := r.store.RegisterAgent(ctx, agent); err != nil {
		return nil, err
	}
	return agent, nil
}

// Heartbeat refreshes an agent's liveness and lets it report its own
// view of status and current batch assignments. A DRAINING agent may
// heartbeat but is never picked by the scheduler for new work.
// currentBatchIDs, when non-nil, replaces the store's view of what the
// agent is running — it is the agent's own bookkeeping correcting any
// drift from the orchestrator's (a batch the orchestrator thinks it
// assigned but the agent never received, or vice versa).
func (r *Registry) Heartbeat(ctx context.Context, agentID string, status domain.AgentStatus, currentBatchIDs []string) error {
	return r.store.MutateAgent(ctx, agentID, func(a *domain.Agent) error {
		a.LastHeartbeatAt = time.Now()
		if status != "" {
			a.Status = status
		} else if a.Status == domain.AgentOffline {
			a.Status = domain.AgentOnline
		}
		if currentBatchIDs != nil {
			a.CurrentBatchIDs = currentBatchIDs
		}
		return nil
	})
}

// SweepLiveness flips any agent that has missed its heartbeat window to
// OFFLINE. It does not reclaim the agent's batches — that is the
// Lifecycle Supervisor's expiry sweeper, keyed off lease expiry rather
// than agent status, since a lease can outlive a single missed
// heartbeat.
func (r *Registry) SweepLiveness(ctx context.Context) error {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, a := range agents {
		if a.Status == domain.AgentOffline {
			continue
		}
		if now.Sub(a.LastHeartbeatAt) <= r.livenessWindow {
			continue
		}
		agentID := a.AgentID
		if err := r.store.MutateAgent(ctx, agentID, func(a *domain.Agent) error {
			a.Status = domain.AgentOffline
			return nil
		}); err != nil {
			r.log.Error(err, "failed to mark agent offline", "agent_id", agentID)
		}
	}
	return nil
}

// ReleaseSlot removes batchID from an agent's current assignment list,
// freeing capacity for the scheduler's next pass.
func (r *Registry) ReleaseSlot(ctx context.Context, agentID, batchID string) error {
	return r.store.MutateAgent(ctx, agentID, func(a *domain.Agent) error {
		out := make([]string, 0, len(a.CurrentBatchIDs))
		for _, id := range a.CurrentBatchIDs {
			if id != batchID {
				out = append(out, id)
			}
		}
		a.CurrentBatchIDs = out
		return nil
	})
}
