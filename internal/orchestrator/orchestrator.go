// Package orchestrator wires the Store, queue index, Intake, Batcher,
// Scheduler, Registry, and Lifecycle Supervisor into one runnable unit
// and owns their coordinated startup and shutdown.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/chambrid/job-orchestrator/internal/api"
	"github.com/chambrid/job-orchestrator/internal/batcher"
	"github.com/chambrid/job-orchestrator/internal/config"
	"github.com/chambrid/job-orchestrator/internal/intake"
	"github.com/chambrid/job-orchestrator/internal/queueindex"
	"github.com/chambrid/job-orchestrator/internal/registry"
	"github.com/chambrid/job-orchestrator/internal/scheduler"
	"github.com/chambrid/job-orchestrator/internal/store"
	"github.com/chambrid/job-orchestrator/internal/supervisor"
)

// Orchestrator owns every long-running component and the single
// Postgres-backed store they share.
type Orchestrator struct {
	cfg        *config.Config
	log        logr.Logger
	store      store.Store
	index      *queueindex.Index
	waker      *intake.ChanWaker
	Intake     *intake.Intake
	Batcher    *batcher.Batcher
	Scheduler  *scheduler.Scheduler
	Registry   *registry.Registry
	Supervisor *supervisor.Supervisor
	API        *api.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs every component, priming the queue index from any
// pending jobs already durable in the store (a restart must not lose
// the in-memory ordering structure).
func New(ctx context.Context, cfg *config.Config, buildInfo api.BuildInfo, s store.Store, log logr.Logger) (*Orchestrator, error) {
	idx := queueindex.New()
	pending, err := s.ListPendingJobs(ctx)
	if err != nil {
		return nil, err
	}
	for _, j := range pending {
		idx.Add(j)
	}

	waker := intake.NewChanWaker()
	in := intake.New(s, idx, waker, cfg.MaxBacklog, cfg.DedupWindow, log)
	reg := registry.New(s, cfg.AgentLivenessWindow, log)
	sv := supervisor.New(s, idx, supervisor.Config{
		SweepInterval:  cfg.SweepInterval,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
	}, log)
	bt := batcher.New(s, idx, waker, batcher.Config{
		MaxBatchSize:     cfg.MaxBatchSize,
		MaxBatchWait:     cfg.MaxBatchWait,
		UrgentThreshold:  cfg.UrgentThreshold,
		StarvationBudget: cfg.StarvationBudget,
	}, log)
	sc := scheduler.New(s, waker, scheduler.Config{
		LeaseDuration: cfg.LeaseDuration,
	}, log)

	apiCfg := api.DefaultConfig()
	apiCfg.BindAddr = cfg.BindAddr
	server := api.NewServer(apiCfg, buildInfo, in, s, reg, sv, log)

	return &Orchestrator{
		cfg: cfg, log: log, store: s, index: idx, waker: waker,
		Intake: in, Batcher: bt, Scheduler: sc, Registry: reg, Supervisor: sv, API: server,
	}, nil
}

// Run starts every background component under a context derived from ctx
// and then blocks serving the API until the server stops. Cancelling ctx
// stops the background loops but not the API server; Shutdown stops both,
// after which Run returns the server's close error.
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.wg.Add(3)
	go func() { defer o.wg.Done(); o.Batcher.Run(runCtx) }()
	go func() { defer o.wg.Done(); o.Scheduler.Run(runCtx) }()
	go func() { defer o.wg.Done(); o.Supervisor.Run(runCtx) }()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := o.Registry.SweepLiveness(runCtx); err != nil {
					o.log.Error(err, "liveness sweep failed")
				}
			}
		}
	}()

	return o.API.Start()
}

// Shutdown stops the API server and every background loop, waiting up
// to the configured grace period for in-flight work to settle.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, o.cfg.ShutdownGrace)
	defer shutdownCancel()

	err := o.API.Stop(shutdownCtx)
	if o.cancel != nil {
		o.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		o.log.Info("shutdown grace period elapsed before all loops stopped")
	}
	return err
}
