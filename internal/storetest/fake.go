// Package storetest provides an in-memory store.Store used by every
// other package's unit tests, so those tests exercise real orchestration
// logic without requiring a live Postgres instance. It intentionally
// implements the exact same interface as internal/store.Postgres.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/chambrid/job-orchestrator/internal/domain"
	"github.com/chambrid/job-orchestrator/internal/store"
)

type Fake struct {
	mu       sync.Mutex
	jobs     map[string]*domain.Job
	batches  map[string]*domain.Batch
	agents   map[string]*domain.Agent
	audit    []*domain.AuditEntry
	dedup    map[string]dedupEntry
	reported map[string]bool
}

type dedupEntry struct {
	jobID     string
	createdAt time.Time
}

func New() *Fake {
	return &Fake{
		jobs:     make(map[string]*domain.Job),
		batches:  make(map[string]*domain.Batch),
		agents:   make(map[string]*domain.Agent),
		dedup:    make(map[string]dedupEntry),
		reported: make(map[string]bool),
	}
}

func clone[T any](v T) T { return v }

func (f *Fake) InsertJob(_ context.Context, j *domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *j
	cp.Revision = 1
	f.jobs[j.JobID] = &cp
	return nil
}

func (f *Fake) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (f *Fake) ListJobs(_ context.Context, filter store.JobFilter) ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Job
	for _, j := range f.jobs {
		if filter.OrgID != "" && j.OrgID != filter.OrgID {
			continue
		}
		if filter.AppVersionID != "" && j.AppVersionID != filter.AppVersionID {
			continue
		}
		if len(filter.States) > 0 {
			match := false
			for _, s := range filter.States {
				if j.State == s {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

// ListPendingJobs excludes jobs already referenced by a non-terminal
// batch's MemberJobIDs, mirroring Postgres: seal() leaves member jobs at
// PENDING until CommitAssignment flips them to BATCHED, so without this
// exclusion a sealed-but-unassigned job would look identical to an
// unsealed one on restart and could be sealed into a second batch.
func (f *Fake) ListPendingJobs(_ context.Context) ([]*domain.Job, error) {
	f.mu.Lock()
	sealed := make(map[string]bool)
	for _, b := range f.batches {
		if b.State == domain.BatchDone || b.State == domain.BatchFailed {
			continue
		}
		for _, jobID := range b.MemberJobIDs {
			sealed[jobID] = true
		}
	}
	var out []*domain.Job
	for _, j := range f.jobs {
		if j.State != domain.JobPending || sealed[j.JobID] {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	f.mu.Unlock()
	return out, nil
}

func (f *Fake) MutateJob(_ context.Context, jobID string, fn func(*domain.Job) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return store.ErrRevisionConflict
	}
	cp := *j
	if err := fn(&cp); err != nil {
		return err
	}
	cp.Revision = j.Revision + 1
	f.jobs[jobID] = &cp
	return nil
}

func (f *Fake) InsertBatch(_ context.Context, b *domain.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *b
	cp.Revision = 1
	f.batches[b.BatchID] = &cp
	return nil
}

func (f *Fake) GetBatch(_ context.Context, batchID string) (*domain.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[batchID]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (f *Fake) ListPendingBatches(_ context.Context) ([]*domain.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Batch
	for _, b := range f.batches {
		if b.State == domain.BatchPending {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *Fake) ListActiveBatches(_ context.Context) ([]*domain.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Batch
	for _, b := range f.batches {
		if b.State == domain.BatchAssigned || b.State == domain.BatchRunning {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *Fake) MutateBatch(_ context.Context, batchID string, fn func(*domain.Batch) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[batchID]
	if !ok {
		return store.ErrRevisionConflict
	}
	cp := *b
	if err := fn(&cp); err != nil {
		return err
	}
	cp.Revision = b.Revision + 1
	f.batches[batchID] = &cp
	return nil
}

func (f *Fake) CommitAssignment(_ context.Context, batchID, agentID string, leaseExpiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.batches[batchID]
	if !ok || b.State != domain.BatchPending {
		return store.ErrRevisionConflict
	}
	a, ok := f.agents[agentID]
	if !ok || a.Status != domain.AgentOnline || len(a.CurrentBatchIDs) >= a.MaxConcurrentBatches {
		return store.ErrRevisionConflict
	}

	now := time.Now()
	bCopy := *b
	bCopy.State = domain.BatchAssigned
	bCopy.AgentID = &agentID
	bCopy.AssignedAt = &now
	bCopy.LeaseExpiresAt = &leaseExpiresAt
	bCopy.Revision++
	f.batches[batchID] = &bCopy

	aCopy := *a
	aCopy.CurrentBatchIDs = append(append([]string{}, a.CurrentBatchIDs...), batchID)
	aCopy.Revision++
	f.agents[agentID] = &aCopy

	for _, jobID := range b.MemberJobIDs {
		j, ok := f.jobs[jobID]
		if !ok || j.State != domain.JobPending {
			continue
		}
		jCopy := *j
		jCopy.State = domain.JobBatched
		jCopy.StateChangedAt = now
		jCopy.Revision++
		f.jobs[jobID] = &jCopy
	}
	return nil
}

func (f *Fake) RegisterAgent(_ context.Context, a *domain.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	cp.Revision = 1
	f.agents[a.AgentID] = &cp
	return nil
}

func (f *Fake) GetAgent(_ context.Context, agentID string) (*domain.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[agentID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (f *Fake) ListAgents(_ context.Context) ([]*domain.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Agent
	for _, a := range f.agents {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (f *Fake) MutateAgent(_ context.Context, agentID string, fn func(*domain.Agent) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[agentID]
	if !ok {
		return store.ErrRevisionConflict
	}
	cp := *a
	if err := fn(&cp); err != nil {
		return err
	}
	cp.Revision = a.Revision + 1
	f.agents[agentID] = &cp
	return nil
}

func (f *Fake) AppendAudit(_ context.Context, e *domain.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	cp.OccurredAt = clone(e.OccurredAt)
	f.audit = append(f.audit, &cp)
	return nil
}

func (f *Fake) ListAudit(_ context.Context, entityID string) ([]*domain.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.AuditEntry
	for _, e := range f.audit {
		if e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *Fake) CheckAndReserveRequestID(_ context.Context, requestID, jobID string, window time.Duration) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.dedup[requestID]; ok && time.Since(entry.createdAt) < window {
		return entry.jobID, true, nil
	}
	f.dedup[requestID] = dedupEntry{jobID: jobID, createdAt: time.Now()}
	return "", false, nil
}

func (f *Fake) CheckAndReserveReport(_ context.Context, batchID, jobID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := batchID + "/" + jobID
	if f.reported[key] {
		return true, nil
	}
	f.reported[key] = true
	return false, nil
}

func (f *Fake) Close() error { return nil }

var _ store.Store = (*Fake)(nil)
