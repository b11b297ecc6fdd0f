package registry

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chambrid/job-orchestrator/internal/domain"
	"github.com/chambrid/job-orchestrator/internal/storetest"
)

func TestRegister(t *testing.T) {
	s := storetest.New()
	r := New(s, time.Minute, logr.Discard())

	a, err := r.Register(context.Background(), RegisterRequest{
		CapabilityTarget:     domain.TargetEmulator,
		MaxConcurrentBatches: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.AgentOnline, a.Status)

	stored, err := s.GetAgent(context.Background(), a.AgentID)
	require.NoError(t, err)
	assert.NotNil(t, stored)
}

func TestSweepLiveness_MarksStaleAgentOffline(t *testing.T) {
	s := storetest.New()
	r := New(s, 10*time.Millisecond, logr.Discard())

	a, err := r.Register(context.Background(), RegisterRequest{CapabilityTarget: domain.TargetEmulator, MaxConcurrentBatches: 1})
	require.NoError(t, err)

	require.NoError(t, s.MutateAgent(context.Background(), a.AgentID, func(a *domain.Agent) error {
		a.LastHeartbeatAt = time.Now().Add(-time.Hour)
		return nil
	}))

	require.NoError(t, r.SweepLiveness(context.Background()))

	stored, err := s.GetAgent(context.Background(), a.AgentID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentOffline, stored.Status)
}

func TestHeartbeat_BringsAgentBackOnline(t *testing.T) {
	s := storetest.New()
	r := New(s, time.Minute, logr.Discard())

	a, err := r.Register(context.Background(), RegisterRequest{CapabilityTarget: domain.TargetEmulator, MaxConcurrentBatches: 1})
	require.NoError(t, err)
	require.NoError(t, s.MutateAgent(context.Background(), a.AgentID, func(a *domain.Agent) error {
		a.Status = domain.AgentOffline
		return nil
	}))

	require.NoError(t, r.Heartbeat(context.Background(), a.AgentID, "", nil))

	stored, err := s.GetAgent(context.Background(), a.AgentID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentOnline, stored.Status)
}

func TestHeartbeat_UpdatesCurrentBatchIDs(t *testing.T) {
	s := storetest.New()
	r := New(s, time.Minute, logr.Discard())

	a, err := r.Register(context.Background(), RegisterRequest{CapabilityTarget: domain.TargetEmulator, MaxConcurrentBatches: 2})
	require.NoError(t, err)
	require.NoError(t, s.MutateAgent(context.Background(), a.AgentID, func(a *domain.Agent) error {
		a.CurrentBatchIDs = []string{"batch_1"}
		return nil
	}))

	require.NoError(t, r.Heartbeat(context.Background(), a.AgentID, "", []string{"batch_2", "batch_3"}))

	stored, err := s.GetAgent(context.Background(), a.AgentID)
	require.NoError(t, err)
	assert.Equal(t, []string{"batch_2", "batch_3"}, stored.CurrentBatchIDs, "agent-reported batch set must overwrite stale store state")
}

func TestReleaseSlot(t *testing.T) {
	s := storetest.New()
	r := New(s, time.Minute, logr.Discard())

	a, err := r.Register(context.Background(), RegisterRequest{CapabilityTarget: domain.TargetEmulator, MaxConcurrentBatches: 2})
	require.NoError(t, err)
	require.NoError(t, s.MutateAgent(context.Background(), a.AgentID, func(a *domain.Agent) error {
		a.CurrentBatchIDs = []string{"batch_1", "batch_2"}
		return nil
	}))

	require.NoError(t, r.ReleaseSlot(context.Background(), a.AgentID, "batch_1"))

	stored, err := s.GetAgent(context.Background(), a.AgentID)
	require.NoError(t, err)
	assert.Equal(t, []string{"batch_2"}, stored.CurrentBatchIDs)
}
