// Package scheduler assigns sealed, pending batches onto eligible,
// available agents. It recomputes effective priority at selection time
// (age keeps accruing while a batch waits) and round-robins across orgs
// so one noisy org cannot starve the rest — the same fairness concern
// the teacher's pkg/ratelimit semaphore addresses for a single caller,
// generalized here across organizations sharing a pool of agents.
package scheduler

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/go-logr/logr"

	"github.com/chambrid/job-orchestrator/internal/domain"
	"github.com/chambrid/job-orchestrator/internal/metrics"
	"github.com/chambrid/job-orchestrator/internal/store"
)

const maxAgeMinutesForPriority = 500

type Config struct {
	LeaseDuration  time.Duration
	TickInterval   time.Duration
}

// Scheduler assigns pending batches to eligible online agents.
type Scheduler struct {
	store  store.Store
	signal Signal
	cfg    Config
	log    logr.Logger

	lastOrgIndex int
}

// Signal is anything Scheduler can wait on to run an assignment pass
// before the next tick. The orchestrator passes the waker Intake fires on
// each submission; a newly sealed batch or freed agent capacity does not
// fire it and is picked up on the next tick.
type Signal interface {
	C() <-chan struct{}
}

func New(s store.Store, signal Signal, cfg Config, log logr.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 250 * time.Millisecond
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	return &Scheduler{store: s, signal: signal, cfg: cfg, log: log.WithName("scheduler")}
}

// Run blocks until ctx is cancelled, attempting an assignment pass on
// every wake and on every tick.
func (sc *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(sc.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sc.signal.C():
			sc.assignPass(ctx)
		case <-ticker.C:
			sc.assignPass(ctx)
		}
	}
}

// EffectivePriority recomputes a batch's scheduling weight from its
// declared priority and how long it has been waiting, using
// priority*1000 + min(age_seconds/60, 500). The age bonus stays below
// 1000, so age orders batches within one priority level but never lets a
// batch overtake one of higher priority.
func EffectivePriority(b *domain.Batch, now time.Time) float64 {
	ageMinutes := now.Sub(b.SealedAt).Minutes()
	if ageMinutes > maxAgeMinutesForPriority {
		ageMinutes = maxAgeMinutesForPriority
	}
	if ageMinutes < 0 {
		ageMinutes = 0
	}
	return float64(b.Priority)*1000 + math.Floor(ageMinutes)
}

// assignPass assigns as many eligible (batch, agent) pairs as currently
// exist, giving each org a turn round-robin before any org gets a
// second assignment in the same pass.
func (sc *Scheduler) assignPass(ctx context.Context) {
	batches, err := sc.store.ListPendingBatches(ctx)
	if err != nil {
		sc.log.Error(err, "failed to list pending batches")
		return
	}
	if len(batches) == 0 {
		return
	}
	agents, err := sc.store.ListAgents(ctx)
	if err != nil {
		sc.log.Error(err, "failed to list agents")
		return
	}

	now := time.Now()
	byOrg := groupByOrg(batches)
	orgs := sortedOrgs(byOrg)
	if len(orgs) == 0 {
		return
	}

	for pass := 0; ; pass++ {
		assignedThisPass := false
		for i := 0; i < len(orgs); i++ {
			idx := (sc.lastOrgIndex + 1 + i) % len(orgs)
			org := orgs[idx]
			queue := byOrg[org]
			if pass >= len(queue) {
				continue
			}
			sort.SliceStable(queue, func(a, b int) bool {
				return EffectivePriority(queue[a], now) > EffectivePriority(queue[b], now)
			})
			b := queue[pass]

			agent := pickAgent(agents, b)
			if agent == nil {
				continue
			}
			if err := sc.assign(ctx, b, agent); err != nil {
				sc.log.Error(err, "failed to assign batch", "batch_id", b.BatchID, "agent_id", agent.AgentID)
				continue
			}
			agent.CurrentBatchIDs = append(agent.CurrentBatchIDs, b.BatchID)
			sc.lastOrgIndex = idx
			assignedThisPass = true
		}
		if !assignedThisPass {
			return
		}
	}
}

func (sc *Scheduler) assign(ctx context.Context, b *domain.Batch, a *domain.Agent) error {
	lease := time.Now().Add(sc.cfg.LeaseDuration)
	if err := sc.store.CommitAssignment(ctx, b.BatchID, a.AgentID, lease); err != nil {
		return err
	}
	metrics.DispatchesTotal.Inc()
	return sc.store.AppendAudit(ctx, &domain.AuditEntry{
		EntityType: "batch", EntityID: b.BatchID, FromState: string(domain.BatchPending),
		ToState: string(domain.BatchAssigned), Actor: "system", Cause: "agent_id=" + a.AgentID,
		OccurredAt: time.Now(),
	})
}

func pickAgent(agents []*domain.Agent, b *domain.Batch) *domain.Agent {
	var best *domain.Agent
	for _, a := range agents {
		if !a.Eligible(b, b.DeviceRequirements) {
			continue
		}
		if best == nil || len(a.CurrentBatchIDs) < len(best.CurrentBatchIDs) {
			best = a
		}
	}
	return best
}

func groupByOrg(batches []*domain.Batch) map[string][]*domain.Batch {
	out := make(map[string][]*domain.Batch)
	for _, b := range batches {
		out[b.OrgID] = append(out[b.OrgID], b)
	}
	return out
}

func sortedOrgs(byOrg map[string][]*domain.Batch) []string {
	orgs := make([]string, 0, len(byOrg))
	for org := range byOrg {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)
	return orgs
}
