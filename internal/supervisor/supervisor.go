// Package supervisor drives an assigned batch through claim, progress,
// and result reporting, and runs the two sweepers that reclaim work
// from agents that go silent or blow their deadline. Its retry backoff
// is the same exponential-with-cap shape as the teacher's
// pkg/ratelimit.calculateBackoffDelay, retuned from HTTP 429 recovery
// to job-attempt recovery.
package supervisor

import (
	"context"
	"math"
	"time"

	"github.com/go-logr/logr"

	"github.com/chambrid/job-orchestrator/internal/domain"
	"github.com/chambrid/job-orchestrator/internal/orcherrors"
	"github.com/chambrid/job-orchestrator/internal/queueindex"
	"github.com/chambrid/job-orchestrator/internal/store"
)

type Config struct {
	SweepInterval   time.Duration
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
}

// Supervisor moves a batch and its member jobs through RUNNING to a
// terminal state, and reclaims assignments that go stale.
type Supervisor struct {
	store store.Store
	index *queueindex.Index
	cfg   Config
	log   logr.Logger
}

func New(s store.Store, idx *queueindex.Index, cfg Config, log logr.Logger) *Supervisor {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	return &Supervisor{store: s, index: idx, cfg: cfg, log: log.WithName("supervisor")}
}

// Run blocks until ctx is cancelled, running both sweepers on every
// tick.
func (sv *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(sv.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sv.SweepExpiredLeases(ctx); err != nil {
				sv.log.Error(err, "expiry sweep failed")
			}
			if err := sv.SweepDeadlines(ctx); err != nil {
				sv.log.Error(err, "deadline sweep failed")
			}
		}
	}
}

// Claim acknowledges that an agent has started executing batchID:
// ASSIGNED -> RUNNING for the batch, BATCHED -> RUNNING for every
// member job, deadline computed from the longest member timeout.
func (sv *Supervisor) Claim(ctx context.Context, batchID string) error {
	err := sv.store.MutateBatch(ctx, batchID, func(b *domain.Batch) error {
		if b.State != domain.BatchAssigned {
			return orcherrors.NewConflictError("batch", batchID, "not in ASSIGNED state")
		}
		now := time.Now()
		b.State = domain.BatchRunning
		b.StartedAt = &now
		return nil
	})
	if err != nil {
		return err
	}

	batch, err := sv.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	maxTimeout := 0
	for _, jobID := range batch.MemberJobIDs {
		if mErr := sv.store.MutateJob(ctx, jobID, func(j *domain.Job) error {
			if j.State != domain.JobBatched {
				return nil
			}
			now := time.Now()
			j.State = domain.JobRunning
			j.StartedAt = &now
			if j.TimeoutMS > maxTimeout {
				maxTimeout = j.TimeoutMS
			}
			return nil
		}); mErr != nil {
			sv.log.Error(mErr, "failed to move member job to RUNNING", "job_id", jobID)
		}
	}
	startedAt := time.Now()
	if batch.StartedAt != nil {
		startedAt = *batch.StartedAt
	}
	deadline := startedAt.Add(time.Duration(maxTimeout) * time.Millisecond)
	return sv.store.MutateBatch(ctx, batchID, func(b *domain.Batch) error {
		b.Deadline = &deadline
		return nil
	})
}

// Progress refreshes the batch's lease so the expiry sweeper does not
// reclaim work that is simply slow to report back.
func (sv *Supervisor) Progress(ctx context.Context, batchID string, leaseExtension time.Duration) error {
	return sv.store.MutateBatch(ctx, batchID, func(b *domain.Batch) error {
		if b.State != domain.BatchRunning {
			return orcherrors.NewConflictError("batch", batchID, "not RUNNING")
		}
		lease := time.Now().Add(leaseExtension)
		b.LeaseExpiresAt = &lease
		return nil
	})
}

// Report records the per-job results an agent sends back. It is
// idempotent on (batch_id, job_id): a duplicate report is a no-op that
// still returns success, per the deduplication contract every mutating
// endpoint carries.
func (sv *Supervisor) Report(ctx context.Context, batchID string, results map[string]domain.Result) error {
	for jobID, result := range results {
		already, err := sv.store.CheckAndReserveReport(ctx, batchID, jobID)
		if err != nil {
			return err
		}
		if already {
			continue
		}
		if err := sv.applyResult(ctx, jobID, result); err != nil {
			return err
		}
	}
	return sv.maybeFinishBatch(ctx, batchID)
}

func (sv *Supervisor) applyResult(ctx context.Context, jobID string, result domain.Result) error {
	r := result
	return sv.store.MutateJob(ctx, jobID, func(j *domain.Job) error {
		if j.State.Terminal() {
			return nil
		}
		now := time.Now()
		j.Result = &r
		j.FinishedAt = &now
		j.StateChangedAt = now
		if r.Success {
			j.State = domain.JobSucceeded
			return nil
		}
		if r.ErrorKind.Retryable() && j.Attempt < j.RetryBudget {
			sv.requeueForRetry(j)
			return nil
		}
		j.State = domain.JobFailed
		return nil
	})
}

// requeueForRetry resets a job to PENDING with a backoff window and
// re-adds it to the queue index in the same breath as the mutation that
// commits it to PENDING, so it becomes visible to the batcher again
// instead of sitting durably PENDING but unreachable until the next
// full index rebuild. The batcher does not consult RetryNotBefore, so the
// job can be resealed on its next sweep before that window has passed.
func (sv *Supervisor) requeueForRetry(j *domain.Job) {
	j.Attempt++
	j.State = domain.JobPending
	j.BatchID = nil
	notBefore := time.Now().Add(backoffDelay(j.Attempt, sv.cfg.RetryBaseDelay, sv.cfg.RetryMaxDelay))
	j.RetryNotBefore = &notBefore
	sv.index.Add(j)
}

// backoffDelay computes base*2^(attempt-1) capped at max, the same
// formula pkg/ratelimit.calculateBackoffDelay uses for consecutive HTTP
// errors.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > max {
		return max
	}
	return delay
}

func (sv *Supervisor) maybeFinishBatch(ctx context.Context, batchID string) error {
	batch, err := sv.store.GetBatch(ctx, batchID)
	if err != nil || batch == nil {
		return err
	}
	jobs := make(map[string]*domain.Job, len(batch.MemberJobIDs))
	allFailed := true
	for _, id := range batch.MemberJobIDs {
		j, err := sv.store.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if j == nil {
			continue
		}
		jobs[id] = j
		if j.State != domain.JobFailed && j.State != domain.JobCancelled {
			allFailed = false
		}
	}
	if !batch.Done(jobs) {
		return nil
	}
	finalState := domain.BatchDone
	if allFailed {
		finalState = domain.BatchFailed
	}
	return sv.store.MutateBatch(ctx, batchID, func(b *domain.Batch) error {
		b.State = finalState
		return nil
	})
}

// SweepExpiredLeases reclaims batches whose agent stopped reporting:
// member jobs become retry-eligible PENDING or terminal AGENT_LOST,
// and the batch is marked FAILED so the scheduler never touches it
// again.
func (sv *Supervisor) SweepExpiredLeases(ctx context.Context) error {
	batches, err := sv.store.ListActiveBatches(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, b := range batches {
		if b.LeaseExpiresAt == nil || now.Before(*b.LeaseExpiresAt) {
			continue
		}
		if err := sv.reclaim(ctx, b, domain.ErrAgentLost); err != nil {
			sv.log.Error(err, "failed to reclaim expired lease", "batch_id", b.BatchID)
		}
	}
	return nil
}

// SweepDeadlines fails any member job still running past its batch
// deadline with TIMEOUT, which is never retried.
func (sv *Supervisor) SweepDeadlines(ctx context.Context) error {
	batches, err := sv.store.ListActiveBatches(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, b := range batches {
		if b.State != domain.BatchRunning || b.Deadline == nil || now.Before(*b.Deadline) {
			continue
		}
		if err := sv.reclaim(ctx, b, domain.ErrTimeout); err != nil {
			sv.log.Error(err, "failed to apply deadline sweep", "batch_id", b.BatchID)
		}
	}
	return nil
}

func (sv *Supervisor) reclaim(ctx context.Context, b *domain.Batch, kind domain.ErrorKind) error {
	for _, jobID := range b.MemberJobIDs {
		jobID := jobID
		if err := sv.store.MutateJob(ctx, jobID, func(j *domain.Job) error {
			if j.State.Terminal() {
				return nil
			}
			now := time.Now()
			if kind.Retryable() && j.Attempt < j.RetryBudget {
				sv.requeueForRetry(j)
				return nil
			}
			j.State = domain.JobFailed
			j.FinishedAt = &now
			j.StateChangedAt = now
			j.Result = &domain.Result{Success: false, ErrorKind: kind}
			return nil
		}); err != nil {
			sv.log.Error(err, "failed to reclaim member job", "job_id", jobID)
		}
	}

	if b.AgentID != nil {
		agentID := *b.AgentID
		if err := sv.store.MutateAgent(ctx, agentID, func(a *domain.Agent) error {
			out := make([]string, 0, len(a.CurrentBatchIDs))
			for _, id := range a.CurrentBatchIDs {
				if id != b.BatchID {
					out = append(out, id)
				}
			}
			a.CurrentBatchIDs = out
			return nil
		}); err != nil {
			sv.log.Error(err, "failed to release agent slot on reclaim", "agent_id", agentID)
		}
	}

	return sv.store.MutateBatch(ctx, b.BatchID, func(batch *domain.Batch) error {
		batch.State = domain.BatchFailed
		return nil
	})
}
