package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chambrid/job-orchestrator/internal/batcher"
	"github.com/chambrid/job-orchestrator/internal/domain"
	"github.com/chambrid/job-orchestrator/internal/queueindex"
	"github.com/chambrid/job-orchestrator/internal/storetest"
)

func seedAssignedBatch(t *testing.T, s *storetest.Fake, jobTimeoutMS int, retryBudget int) (*domain.Job, *domain.Batch, *domain.Agent) {
	t.Helper()
	ctx := context.Background()

	job := &domain.Job{
		JobID: "job_1", OrgID: "qg", AppVersionID: "v1", Target: domain.TargetEmulator,
		Priority: 5, TimeoutMS: jobTimeoutMS, RetryBudget: retryBudget, State: domain.JobBatched,
		SubmittedAt: time.Now(), StateChangedAt: time.Now(),
	}
	require.NoError(t, s.InsertJob(ctx, job))

	batch := &domain.Batch{
		BatchID: "batch_1", OrgID: "qg", AppVersionID: "v1", Target: domain.TargetEmulator,
		MemberJobIDs: []string{"job_1"}, State: domain.BatchAssigned, SealedAt: time.Now(),
	}
	require.NoError(t, s.InsertBatch(ctx, batch))

	agent := &domain.Agent{
		AgentID: "agent_1", CapabilityTarget: domain.TargetEmulator, MaxConcurrentBatches: 1,
		CurrentBatchIDs: []string{"batch_1"}, Status: domain.AgentOnline, LastHeartbeatAt: time.Now(),
	}
	require.NoError(t, s.RegisterAgent(ctx, agent))

	lease := time.Now().Add(time.Minute)
	require.NoError(t, s.MutateBatch(ctx, "batch_1", func(b *domain.Batch) error {
		b.AgentID = &agent.AgentID
		b.LeaseExpiresAt = &lease
		return nil
	}))

	return job, batch, agent
}

func TestClaim_MovesBatchAndJobsToRunning(t *testing.T) {
	s := storetest.New()
	seedAssignedBatch(t, s, 60000, 0)
	sv := New(s, queueindex.New(), Config{}, logr.Discard())

	require.NoError(t, sv.Claim(context.Background(), "batch_1"))

	b, err := s.GetBatch(context.Background(), "batch_1")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchRunning, b.State)
	assert.NotNil(t, b.Deadline)

	j, err := s.GetJob(context.Background(), "job_1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, j.State)
}

func TestReport_SuccessMarksJobSucceededAndBatchDone(t *testing.T) {
	s := storetest.New()
	seedAssignedBatch(t, s, 60000, 0)
	sv := New(s, queueindex.New(), Config{}, logr.Discard())
	require.NoError(t, sv.Claim(context.Background(), "batch_1"))

	err := sv.Report(context.Background(), "batch_1", map[string]domain.Result{
		"job_1": {Success: true},
	})
	require.NoError(t, err)

	j, err := s.GetJob(context.Background(), "job_1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobSucceeded, j.State)

	b, err := s.GetBatch(context.Background(), "batch_1")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchDone, b.State)
}

func TestReport_RetryableFailureRequeuesJobToPending(t *testing.T) {
	s := storetest.New()
	seedAssignedBatch(t, s, 60000, 2)
	idx := queueindex.New()
	sv := New(s, idx, Config{RetryBaseDelay: time.Millisecond, RetryMaxDelay: time.Second}, logr.Discard())
	require.NoError(t, sv.Claim(context.Background(), "batch_1"))

	err := sv.Report(context.Background(), "batch_1", map[string]domain.Result{
		"job_1": {Success: false, ErrorKind: domain.ErrAgentLost},
	})
	require.NoError(t, err)

	j, err := s.GetJob(context.Background(), "job_1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, j.State)
	assert.Equal(t, 1, j.Attempt)
	assert.Nil(t, j.BatchID)

	assert.Equal(t, 1, idx.Total(), "retried job must re-enter the queue index, not just the store")
	reindexed := idx.Ordered(j.GroupKey())
	require.Len(t, reindexed, 1)
	assert.Equal(t, "job_1", reindexed[0].JobID)
}

func TestReport_RetryableFailure_JobReseals(t *testing.T) {
	s := storetest.New()
	seedAssignedBatch(t, s, 60000, 2)
	idx := queueindex.New()
	sv := New(s, idx, Config{RetryBaseDelay: time.Millisecond, RetryMaxDelay: time.Second}, logr.Discard())
	require.NoError(t, sv.Claim(context.Background(), "batch_1"))

	require.NoError(t, sv.Report(context.Background(), "batch_1", map[string]domain.Result{
		"job_1": {Success: false, ErrorKind: domain.ErrAgentLost},
	}))

	b := batcher.New(s, idx, noopWaker{}, batcher.Config{
		MaxBatchSize: 1, MaxBatchWait: time.Hour, UrgentThreshold: 10,
	}, logr.Discard())
	b.Sweep(context.Background())

	batches, err := s.ListPendingBatches(context.Background())
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.NotEqual(t, "batch_1", batches[0].BatchID)
	assert.Contains(t, batches[0].MemberJobIDs, "job_1")
	assert.Equal(t, 0, idx.Total(), "resealed job must leave the queue index again")

	j, err := s.GetJob(context.Background(), "job_1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, j.State, "seal does not itself flip job state; that happens at assignment")
}

type noopWaker struct{}

func (noopWaker) C() <-chan struct{} { return nil }

func TestReport_IsIdempotentOnDuplicateReport(t *testing.T) {
	s := storetest.New()
	seedAssignedBatch(t, s, 60000, 0)
	sv := New(s, queueindex.New(), Config{}, logr.Discard())
	require.NoError(t, sv.Claim(context.Background(), "batch_1"))

	results := map[string]domain.Result{"job_1": {Success: true}}
	require.NoError(t, sv.Report(context.Background(), "batch_1", results))
	require.NoError(t, sv.Report(context.Background(), "batch_1", results))

	j, err := s.GetJob(context.Background(), "job_1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobSucceeded, j.State)
}

func TestSweepExpiredLeases_ReclaimsToAgentLost(t *testing.T) {
	s := storetest.New()
	seedAssignedBatch(t, s, 60000, 0)
	sv := New(s, queueindex.New(), Config{}, logr.Discard())
	require.NoError(t, sv.Claim(context.Background(), "batch_1"))

	expired := time.Now().Add(-time.Minute)
	require.NoError(t, s.MutateBatch(context.Background(), "batch_1", func(b *domain.Batch) error {
		b.LeaseExpiresAt = &expired
		return nil
	}))

	require.NoError(t, sv.SweepExpiredLeases(context.Background()))

	j, err := s.GetJob(context.Background(), "job_1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, j.State)
	require.NotNil(t, j.Result)
	assert.Equal(t, domain.ErrAgentLost, j.Result.ErrorKind)

	b, err := s.GetBatch(context.Background(), "batch_1")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchFailed, b.State)
}

func TestSweepDeadlines_FailsRunningJobsWithTimeout(t *testing.T) {
	s := storetest.New()
	seedAssignedBatch(t, s, 1, 5)
	sv := New(s, queueindex.New(), Config{}, logr.Discard())
	require.NoError(t, sv.Claim(context.Background(), "batch_1"))

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, sv.SweepDeadlines(context.Background()))

	j, err := s.GetJob(context.Background(), "job_1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, j.State)
	require.NotNil(t, j.Result)
	assert.Equal(t, domain.ErrTimeout, j.Result.ErrorKind, "TIMEOUT must never be retried even with budget remaining")
}

func TestBackoffDelay_DoublesAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	max := 400 * time.Millisecond

	assert.Equal(t, 100*time.Millisecond, backoffDelay(1, base, max))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(2, base, max))
	assert.Equal(t, max, backoffDelay(3, base, max))
}
