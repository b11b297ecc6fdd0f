// Package batcher groups compatible pending jobs into batches. It runs as
// a supervised background task, woken by Intake on every submit and
// falling back to a periodic tick so the wait-window deadline is honored
// even when nothing new arrives — the same worker-loop shape the
// teacher's internal/sync.BatchSyncOrchestrator used for its sync workers,
// adapted from a fixed task queue to an unbounded wake-and-scan loop.
package batcher

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/chambrid/job-orchestrator/internal/domain"
	"github.com/chambrid/job-orchestrator/internal/queueindex"
	"github.com/chambrid/job-orchestrator/internal/store"
)

// Signal is anything Batcher can wait on to be told new work arrived.
type Signal interface {
	C() <-chan struct{}
}

type Config struct {
	MaxBatchSize     int
	MaxBatchWait     time.Duration
	UrgentThreshold  int
	StarvationBudget time.Duration
	TickInterval     time.Duration
}

// Batcher seals pending jobs in the queue index into batches.
type Batcher struct {
	store  store.Store
	index  *queueindex.Index
	signal Signal
	cfg    Config
	log    logr.Logger
}

func New(s store.Store, idx *queueindex.Index, signal Signal, cfg Config, log logr.Logger) *Batcher {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 250 * time.Millisecond
	}
	return &Batcher{store: s, index: idx, signal: signal, cfg: cfg, log: log.WithName("batcher")}
}

// Run blocks until ctx is cancelled, sealing eligible batches on every
// wake and on every tick.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.signal.C():
			b.sweepAll(ctx)
		case <-ticker.C:
			b.sweepAll(ctx)
		}
	}
}

// Sweep runs one seal pass over every group synchronously. It is the
// same work Run performs on every wake or tick, exposed for callers
// that need a batch sealed deterministically rather than waiting on the
// background loop (tests, and any caller driving the batcher inline).
func (b *Batcher) Sweep(ctx context.Context) {
	b.sweepAll(ctx)
}

func (b *Batcher) sweepAll(ctx context.Context) {
	for _, group := range b.index.Groups() {
		if err := b.sweepGroup(ctx, group); err != nil {
			b.log.Error(err, "failed to seal batch", "group", group)
		}
	}
}

// sweepGroup seals as many batches as are currently eligible from group's
// pending queue; a group can seal more than one batch in a single sweep
// if it has more than MaxBatchSize jobs queued.
func (b *Batcher) sweepGroup(ctx context.Context, group string) error {
	for {
		jobs := b.index.Ordered(group)
		if len(jobs) == 0 {
			return nil
		}

		base, sealed, reason := b.selectSealTrigger(group, jobs)
		if !sealed {
			return nil
		}

		members := selectCompatible(jobs, base, b.cfg.MaxBatchSize)
		if len(members) == 0 {
			return nil
		}

		if err := b.seal(ctx, group, members, reason); err != nil {
			return err
		}
		if len(members) < len(jobs) {
			continue // more may remain eligible (e.g. oversized urgent group)
		}
		return nil
	}
}

// selectSealTrigger implements the four sealing triggers: starvation,
// size, wait age, and urgent priority. Starvation is checked first and
// bases the batch on whichever specific job has waited too long, because
// the other three triggers always base the batch on the group's
// highest-priority job — if checked first, they could keep reselecting a
// different base every sweep and leave a device-incompatible job waiting
// past its deadline indefinitely.
func (b *Batcher) selectSealTrigger(group string, jobs []*domain.Job) (*domain.Job, bool, string) {
	if b.cfg.StarvationBudget > 0 {
		deadline := b.cfg.MaxBatchWait + b.cfg.StarvationBudget
		for _, j := range jobs {
			if time.Since(j.SubmittedAt) >= deadline {
				return j, true, "starvation_budget"
			}
		}
	}
	if len(jobs) >= b.cfg.MaxBatchSize {
		return jobs[0], true, "max_batch_size"
	}
	if oldest, ok := b.index.OldestSubmittedAt(group); ok {
		if time.Since(oldest) >= b.cfg.MaxBatchWait {
			return jobs[0], true, "max_batch_wait"
		}
	}
	if top, ok := b.index.HighestPriority(group); ok && top >= b.cfg.UrgentThreshold {
		return jobs[0], true, "urgent_priority"
	}
	return nil, false, ""
}

// selectCompatible greedily takes up to limit jobs whose device
// requirements all intersect base's requirements, preserving input order
// for the agent. base is always included first.
func selectCompatible(jobs []*domain.Job, base *domain.Job, limit int) []*domain.Job {
	if len(jobs) == 0 || base == nil {
		return nil
	}
	reqs := base.DeviceRequirements
	out := make([]*domain.Job, 0, limit)
	out = append(out, base)
	for _, j := range jobs {
		if len(out) >= limit {
			break
		}
		if j.JobID == base.JobID {
			continue
		}
		if j.DeviceRequirements.Intersects(reqs) {
			out = append(out, j)
		}
	}
	return out
}

func (b *Batcher) seal(ctx context.Context, group string, members []*domain.Job, reason string) error {
	maxPriority := 0
	ids := make([]string, 0, len(members))
	for _, j := range members {
		ids = append(ids, j.JobID)
		if j.Priority > maxPriority {
			maxPriority = j.Priority
		}
	}

	now := time.Now()
	batch := &domain.Batch{
		BatchID:            "batch_" + uuid.NewString(),
		OrgID:              members[0].OrgID,
		AppVersionID:       members[0].AppVersionID,
		Target:             members[0].Target,
		MemberJobIDs:       ids,
		DeviceRequirements: members[0].DeviceRequirements,
		Priority:           maxPriority,
		EffectivePriority: float64(maxPriority) * 1000,
		State:             domain.BatchPending,
		SealedAt:          now,
	}

	if err := b.store.InsertBatch(ctx, batch); err != nil {
		return err
	}
	if err := b.store.AppendAudit(ctx, &domain.AuditEntry{
		EntityType: "batch", EntityID: batch.BatchID, ToState: string(domain.BatchPending),
		Actor: "system", Cause: reason, OccurredAt: now,
	}); err != nil {
		b.log.Error(err, "failed to append seal audit entry", "batch_id", batch.BatchID)
	}

	for _, j := range members {
		b.index.Remove(j)
	}

	b.log.V(1).Info("sealed batch", "batch_id", batch.BatchID, "group", group, "members", len(members), "reason", reason)
	return nil
}
