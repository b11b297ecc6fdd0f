// Package store is the durable system of record for jobs, batches,
// agents, and the audit trail. Every other component treats it as ground
// truth; in-memory indexes are rebuildable from it at any time.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/chambrid/job-orchestrator/internal/domain"
)

// ErrRevisionConflict is returned when an optimistic-concurrency write
// loses a race: the caller re-reads and retries.
var ErrRevisionConflict = errors.New("store: revision conflict")

// JobFilter narrows ListJobs results.
type JobFilter struct {
	OrgID        string
	AppVersionID string
	States       []domain.JobState
	Limit        int
	Offset       int
}

// Store is the persistence boundary. Implementations must make every
// multi-row mutation (assignment commit, report-result) transactional.
type Store interface {
	InsertJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]*domain.Job, error)
	ListPendingJobs(ctx context.Context) ([]*domain.Job, error)
	// MutateJob loads job under a row lock, applies fn, and persists the
	// result with its revision incremented; fn returning an error aborts
	// the mutation without writing.
	MutateJob(ctx context.Context, jobID string, fn func(*domain.Job) error) error

	InsertBatch(ctx context.Context, batch *domain.Batch) error
	GetBatch(ctx context.Context, batchID string) (*domain.Batch, error)
	ListPendingBatches(ctx context.Context) ([]*domain.Batch, error)
	ListActiveBatches(ctx context.Context) ([]*domain.Batch, error)
	MutateBatch(ctx context.Context, batchID string, fn func(*domain.Batch) error) error

	// CommitAssignment atomically moves a batch PENDING->ASSIGNED, its
	// member jobs PENDING->BATCHED, and increments the agent's load.
	CommitAssignment(ctx context.Context, batchID, agentID string, leaseExpiresAt time.Time) error

	RegisterAgent(ctx context.Context, agent *domain.Agent) error
	GetAgent(ctx context.Context, agentID string) (*domain.Agent, error)
	ListAgents(ctx context.Context) ([]*domain.Agent, error)
	MutateAgent(ctx context.Context, agentID string, fn func(*domain.Agent) error) error

	AppendAudit(ctx context.Context, entry *domain.AuditEntry) error
	ListAudit(ctx context.Context, entityID string) ([]*domain.AuditEntry, error)

	// CheckAndReserveRequestID implements idempotent submit: returns the
	// existing job id if requestID was already seen within the dedup
	// window, or reserves requestID -> jobID and returns ("", false).
	CheckAndReserveRequestID(ctx context.Context, requestID, jobID string, window time.Duration) (existingJobID string, found bool, err error)

	// CheckAndReserveReport implements idempotent report_result: returns
	// true if (batchID, jobID) was already reported.
	CheckAndReserveReport(ctx context.Context, batchID, jobID string) (alreadyReported bool, err error)

	Close() error
}
