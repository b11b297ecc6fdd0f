package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chambrid/job-orchestrator/internal/api"
	"github.com/chambrid/job-orchestrator/internal/config"
	"github.com/chambrid/job-orchestrator/internal/domain"
	"github.com/chambrid/job-orchestrator/internal/storetest"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxBatchSize:        16,
		MaxBatchWait:        2 * time.Second,
		UrgentThreshold:     9,
		LeaseDuration:       60 * time.Second,
		AgentLivenessWindow: 90 * time.Second,
		SweepInterval:       20 * time.Millisecond,
		MaxBacklog:          1000,
		RetryBaseDelay:      time.Second,
		RetryMaxDelay:       30 * time.Second,
		DedupWindow:         10 * time.Minute,
		BindAddr:            "127.0.0.1:0",
		ShutdownGrace:       time.Second,
	}
}

func TestNew_PrimesQueueIndexFromPendingJobs(t *testing.T) {
	s := storetest.New()
	require.NoError(t, s.InsertJob(context.Background(), &domain.Job{
		JobID: "job_1", OrgID: "qg", AppVersionID: "v1", Target: domain.TargetEmulator,
		State: domain.JobPending, Priority: 5, SubmittedAt: time.Now(),
	}))

	orch, err := New(context.Background(), testConfig(), api.BuildInfo{Version: "test"}, s, logr.Discard())
	require.NoError(t, err)

	assert.Equal(t, 1, orch.index.Total())
}

func TestRunAndShutdown_StopsAllLoops(t *testing.T) {
	s := storetest.New()
	orch, err := New(context.Background(), testConfig(), api.BuildInfo{Version: "test"}, s, logr.Discard())
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- orch.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, orch.Shutdown(shutdownCtx))

	select {
	case err := <-runErr:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}
