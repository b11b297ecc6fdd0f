package batcher

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chambrid/job-orchestrator/internal/domain"
	"github.com/chambrid/job-orchestrator/internal/intake"
	"github.com/chambrid/job-orchestrator/internal/queueindex"
	"github.com/chambrid/job-orchestrator/internal/storetest"
)

func job(id, org string, priority int, age time.Duration) *domain.Job {
	return &domain.Job{
		JobID:        id,
		OrgID:        org,
		AppVersionID: "v1",
		Target:       domain.TargetEmulator,
		Priority:     priority,
		TimeoutMS:    1000,
		State:        domain.JobPending,
		SubmittedAt:  time.Now().Add(-age),
	}
}

func setup(cfg Config) (*Batcher, *storetest.Fake, *queueindex.Index) {
	s := storetest.New()
	idx := queueindex.New()
	waker := intake.NewChanWaker()
	return New(s, idx, waker, cfg, logr.Discard()), s, idx
}

func addJob(t *testing.T, s *storetest.Fake, idx *queueindex.Index, j *domain.Job) {
	t.Helper()
	require.NoError(t, s.InsertJob(context.Background(), j))
	idx.Add(j)
}

func TestSweep_SealsOnMaxBatchSize(t *testing.T) {
	b, s, idx := setup(Config{MaxBatchSize: 2, MaxBatchWait: time.Hour, UrgentThreshold: 10})

	addJob(t, s, idx, job("a", "qg", 3, 0))
	addJob(t, s, idx, job("b", "qg", 3, 0))

	require.NoError(t, b.sweepGroup(context.Background(), domain.GroupKey("qg", "v1", domain.TargetEmulator)))

	batches, err := s.ListPendingBatches(context.Background())
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].MemberJobIDs, 2)
	assert.Equal(t, 0, idx.Total())
}

func TestSweep_SealsOnUrgentPriority(t *testing.T) {
	b, s, idx := setup(Config{MaxBatchSize: 16, MaxBatchWait: time.Hour, UrgentThreshold: 9})

	addJob(t, s, idx, job("urgent", "qg", 9, 0))

	require.NoError(t, b.sweepGroup(context.Background(), domain.GroupKey("qg", "v1", domain.TargetEmulator)))

	batches, err := s.ListPendingBatches(context.Background())
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].MemberJobIDs, 1)
}

func TestSweep_SealsOnWaitAge(t *testing.T) {
	b, s, idx := setup(Config{MaxBatchSize: 16, MaxBatchWait: 10 * time.Millisecond, UrgentThreshold: 10})

	addJob(t, s, idx, job("stale", "qg", 1, time.Second))

	require.NoError(t, b.sweepGroup(context.Background(), domain.GroupKey("qg", "v1", domain.TargetEmulator)))

	batches, err := s.ListPendingBatches(context.Background())
	require.NoError(t, err)
	require.Len(t, batches, 1)
}

func TestSweep_NotYetEligible(t *testing.T) {
	b, s, idx := setup(Config{MaxBatchSize: 16, MaxBatchWait: time.Hour, UrgentThreshold: 10})

	addJob(t, s, idx, job("fresh", "qg", 3, 0))

	require.NoError(t, b.sweepGroup(context.Background(), domain.GroupKey("qg", "v1", domain.TargetEmulator)))

	batches, err := s.ListPendingBatches(context.Background())
	require.NoError(t, err)
	assert.Empty(t, batches)
	assert.Equal(t, 1, idx.Total())
}

func TestSweep_DeviceIncompatibleJobsSplitAcrossBatches(t *testing.T) {
	b, s, idx := setup(Config{MaxBatchSize: 16, MaxBatchWait: time.Hour, UrgentThreshold: 9})

	urgent := job("urgent", "qg", 9, 0)
	urgent.DeviceRequirements = domain.DeviceRequirements{Platform: "android"}
	incompatible := job("other", "qg", 9, 0)
	incompatible.DeviceRequirements = domain.DeviceRequirements{Platform: "ios"}

	addJob(t, s, idx, urgent)
	addJob(t, s, idx, incompatible)

	require.NoError(t, b.sweepGroup(context.Background(), domain.GroupKey("qg", "v1", domain.TargetEmulator)))

	batches, err := s.ListPendingBatches(context.Background())
	require.NoError(t, err)
	require.Len(t, batches, 2, "both jobs are urgent, so each seals into its own batch")
	for _, b := range batches {
		assert.Len(t, b.MemberJobIDs, 1)
	}
	assert.Equal(t, 0, idx.Total(), "incompatible platforms must not share a batch")
}

func TestSweep_OSVersionIncompatibleJobsSplitAcrossBatches(t *testing.T) {
	b, s, idx := setup(Config{MaxBatchSize: 16, MaxBatchWait: time.Hour, UrgentThreshold: 9})

	urgent := job("urgent", "qg", 9, 0)
	urgent.DeviceRequirements = domain.DeviceRequirements{MinOSVersion: "14", MaxOSVersion: "16"}
	incompatible := job("other", "qg", 9, 0)
	incompatible.DeviceRequirements = domain.DeviceRequirements{MinOSVersion: "9", MaxOSVersion: "12"}

	addJob(t, s, idx, urgent)
	addJob(t, s, idx, incompatible)

	require.NoError(t, b.sweepGroup(context.Background(), domain.GroupKey("qg", "v1", domain.TargetEmulator)))

	batches, err := s.ListPendingBatches(context.Background())
	require.NoError(t, err)
	require.Len(t, batches, 2, "both jobs are urgent, so each seals into its own batch")
	for _, b := range batches {
		assert.Len(t, b.MemberJobIDs, 1)
	}
	assert.Equal(t, 0, idx.Total(), "jobs with disjoint OS version ranges must not share a batch")
}

func TestSweep_StarvedIncompatibleJobSealsAlone(t *testing.T) {
	b, s, idx := setup(Config{
		MaxBatchSize: 16, MaxBatchWait: time.Hour, UrgentThreshold: 10,
		StarvationBudget: 10 * time.Millisecond,
	})

	fresh := job("fresh", "qg", 5, 0)
	fresh.DeviceRequirements = domain.DeviceRequirements{Platform: "android"}
	starved := job("starved", "qg", 1, time.Hour+50*time.Millisecond)
	starved.DeviceRequirements = domain.DeviceRequirements{Platform: "ios"}

	addJob(t, s, idx, fresh)
	addJob(t, s, idx, starved)

	require.NoError(t, b.sweepGroup(context.Background(), domain.GroupKey("qg", "v1", domain.TargetEmulator)))

	batches, err := s.ListPendingBatches(context.Background())
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"starved"}, batches[0].MemberJobIDs)
	assert.Equal(t, 1, idx.Total(), "only the starved job should have been sealed")
}
