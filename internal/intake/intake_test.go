package intake

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chambrid/job-orchestrator/internal/domain"
	"github.com/chambrid/job-orchestrator/internal/queueindex"
	"github.com/chambrid/job-orchestrator/internal/storetest"
)

func newIntake() (*Intake, *storetest.Fake, *ChanWaker) {
	s := storetest.New()
	idx := queueindex.New()
	waker := NewChanWaker()
	return New(s, idx, waker, 100, 10*time.Minute, logr.Discard()), s, waker
}

func validRequest() SubmitRequest {
	return SubmitRequest{
		OrgID:        "qg",
		AppVersionID: "v1",
		TestPath:     "t.spec",
		Target:       domain.TargetEmulator,
		Priority:     5,
		TimeoutMS:    60000,
		RetryBudget:  1,
	}
}

func TestSubmit_HappyPath(t *testing.T) {
	in, s, waker := newIntake()

	res, err := in.Submit(context.Background(), validRequest())

	require.NoError(t, err)
	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, domain.JobPending, res.State)

	job, err := s.GetJob(context.Background(), res.JobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, domain.JobPending, job.State)

	select {
	case <-waker.C():
	default:
		t.Fatal("expected batcher to be woken on submit")
	}
}

func TestSubmit_ValidationFailure(t *testing.T) {
	in, _, _ := newIntake()
	req := validRequest()
	req.Priority = 99

	_, err := in.Submit(context.Background(), req)

	require.Error(t, err)
}

func TestSubmit_IdempotentOnClientRequestID(t *testing.T) {
	in, _, _ := newIntake()
	req := validRequest()
	req.ClientRequestID = "req-1"

	first, err := in.Submit(context.Background(), req)
	require.NoError(t, err)

	second, err := in.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.JobID, second.JobID)
}

func TestSubmit_Backpressure(t *testing.T) {
	in, s, _ := newIntake()
	in.maxBacklog = 0

	require.NoError(t, s.InsertBatch(context.Background(), &domain.Batch{
		BatchID: "batch_1", OrgID: "qg", AppVersionID: "v1", Target: domain.TargetEmulator,
		MemberJobIDs: []string{"job_a"}, State: domain.BatchPending, SealedAt: time.Now(),
	}))

	_, err := in.Submit(context.Background(), validRequest())

	require.Error(t, err)
}

func TestSubmit_BackpressureCountsPendingBatchesNotJobs(t *testing.T) {
	in, s, _ := newIntake()
	in.maxBacklog = 1

	require.NoError(t, s.InsertBatch(context.Background(), &domain.Batch{
		BatchID: "batch_1", OrgID: "qg", AppVersionID: "v1", Target: domain.TargetEmulator,
		MemberJobIDs: []string{"job_a", "job_b", "job_c"}, State: domain.BatchPending,
		SealedAt: time.Now(),
	}))

	// A single pending batch with many member jobs must not itself trip
	// backpressure keyed on maxBacklog=1.
	_, err := in.Submit(context.Background(), validRequest())
	require.NoError(t, err, "one pending batch does not exceed maxBacklog=1")

	require.NoError(t, s.InsertBatch(context.Background(), &domain.Batch{
		BatchID: "batch_2", OrgID: "qg", AppVersionID: "v1", Target: domain.TargetEmulator,
		MemberJobIDs: []string{"job_d"}, State: domain.BatchPending, SealedAt: time.Now(),
	}))
	_, err = in.Submit(context.Background(), validRequest())
	require.Error(t, err, "two pending batches exceed maxBacklog=1")

	require.NoError(t, s.MutateBatch(context.Background(), "batch_1", func(b *domain.Batch) error {
		b.State = domain.BatchDone
		return nil
	}))

	_, err = in.Submit(context.Background(), validRequest())
	require.NoError(t, err, "one pending batch left, submit should succeed")
}

func TestCancel_PendingJobCancelsImmediately(t *testing.T) {
	in, s, _ := newIntake()
	res, err := in.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	err = in.Cancel(context.Background(), res.JobID, "user requested")
	require.NoError(t, err)

	job, err := s.GetJob(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, job.State)
}

func TestCancel_TerminalJobConflicts(t *testing.T) {
	in, s, _ := newIntake()
	res, err := in.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	err = s.MutateJob(context.Background(), res.JobID, func(j *domain.Job) error {
		j.State = domain.JobSucceeded
		return nil
	})
	require.NoError(t, err)

	err = in.Cancel(context.Background(), res.JobID, "too late")

	require.Error(t, err)
}
