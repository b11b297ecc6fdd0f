package scheduler

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

func agent(id string, target domain.Target, max int) *domain.Agent {
	return &domain.Agent{
		AgentID: id, CapabilityTarget: target, MaxConcurrentBatches: max,
		Status: domain.AgentOnline, LastHeartbeatAt: time.Now(), RegisteredAt: time.Now(),
	}
}

func batch(id, org string, priority int, age time.Duration) *domain.Batch {
	return &domain.Batch{
		BatchID: id, OrgID: org, AppVersionID: "v1", Target: domain.TargetEmulator,
		MemberJobIDs: []string{id + "_job"}, Priority: priority, State: domain.BatchPending,
		SealedAt: time.Now().Add(-age),
	}
}

func TestAssignPass_AssignsEligibleAgent(t *testing.T) {
	s := storetest.New()
	require.NoError(t, s.RegisterAgent(context.Background(), agent("agent_1", domain.TargetEmulator, 1)))
	require.NoError(t, s.InsertBatch(context.Background(), batch("batch_1", "qg", 5, 0)))

	sc := New(s, noopSignal{}, Config{LeaseDuration: time.Minute}, logr.Discard())
	sc.assignPass(context.Background())

	b, err := s.GetBatch(context.Background(), "batch_1")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchAssigned, b.State)
	require.NotNil(t, b.AgentID)
	assert.Equal(t, "agent_1", *b.AgentID)
}

func TestAssignPass_SkipsOfflineAgent(t *testing.T) {
	s := storetest.New()
	a := agent("agent_1", domain.TargetEmulator, 1)
	a.Status = domain.AgentOffline
	require.NoError(t, s.RegisterAgent(context.Background(), a))
	require.NoError(t, s.InsertBatch(context.Background(), batch("batch_1", "qg", 5, 0)))

	sc := New(s, noopSignal{}, Config{LeaseDuration: time.Minute}, logr.Discard())
	sc.assignPass(context.Background())

	b, err := s.GetBatch(context.Background(), "batch_1")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchPending, b.State)
}

func TestAssignPass_RoundRobinsAcrossOrgs(t *testing.T) {
	s := storetest.New()
	require.NoError(t, s.RegisterAgent(context.Background(), agent("agent_1", domain.TargetEmulator, 1)))
	require.NoError(t, s.RegisterAgent(context.Background(), agent("agent_2", domain.TargetEmulator, 1)))
	require.NoError(t, s.InsertBatch(context.Background(), batch("batch_a", "org_a", 5, 0)))
	require.NoError(t, s.InsertBatch(context.Background(), batch("batch_b", "org_b", 5, 0)))

	sc := New(s, noopSignal{}, Config{LeaseDuration: time.Minute}, logr.Discard())
	sc.assignPass(context.Background())

	ba, err := s.GetBatch(context.Background(), "batch_a")
	require.NoError(t, err)
	bb, err := s.GetBatch(context.Background(), "batch_b")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchAssigned, ba.State)
	assert.Equal(t, domain.BatchAssigned, bb.State)
}

func TestEffectivePriority_AgeBonusCapped(t *testing.T) {
	now := time.Now()
	b := &domain.Batch{Priority: 3, SealedAt: now.Add(-1000 * time.Minute)}
	assert.Equal(t, float64(3*1000+500), EffectivePriority(b, now))
}

type noopSignal struct{}

func (noopSignal) C() <-chan struct{} { return nil }
