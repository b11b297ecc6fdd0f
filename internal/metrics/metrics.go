// Package metrics exposes per-state job and batch counts and agent counts
// both as Prometheus gauges scraped at /metrics and as a plain JSON
// summary for get_metrics() callers that don't speak Prometheus. Queue
// depth appears only in the JSON summary; batch dispatches are counted
// only by the Prometheus counter DispatchesTotal, and the JSON summary
// carries no dispatch figure.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chambrid/job-orchestrator/internal/domain"
	"github.com/chambrid/job-orchestrator/internal/store"
)

var (
	JobsByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "jobs_by_state",
		Help:      "Current number of jobs in each lifecycle state.",
	}, []string{"state"})

	BatchesByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "batches_by_state",
		Help:      "Current number of batches in each lifecycle state.",
	}, []string{"state"})

	AgentsByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "agents_by_status",
		Help:      "Current number of registered agents by liveness status.",
	}, []string{"status"})

	DispatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "batch_dispatches_total",
		Help:      "Total number of batches committed to an agent.",
	})
)

func init() {
	prometheus.MustRegister(JobsByState, BatchesByState, AgentsByStatus, DispatchesTotal)
}

// Summary is the JSON shape returned by get_metrics().
type Summary struct {
	JobsByState    map[domain.JobState]int     `json:"jobs_by_state"`
	BatchesByState map[domain.BatchState]int   `json:"batches_by_state"`
	AgentsByStatus map[domain.AgentStatus]int  `json:"agents_by_status"`
	QueueDepth     int                         `json:"queue_depth"`
}

// Summarize recomputes and republishes the current snapshot, both
// returning it and updating the Prometheus gauges. The gauges change only
// when this function runs, so a scrape between calls sees the values from
// the most recent call.
func Summarize(ctx context.Context, s store.Store) (*Summary, error) {
	jobs, err := s.ListJobs(ctx, store.JobFilter{})
	if err != nil {
		return nil, err
	}
	pending, err := s.ListPendingBatches(ctx)
	if err != nil {
		return nil, err
	}
	active, err := s.ListActiveBatches(ctx)
	if err != nil {
		return nil, err
	}
	agents, err := s.ListAgents(ctx)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		JobsByState:    map[domain.JobState]int{},
		BatchesByState: map[domain.BatchState]int{},
		AgentsByStatus: map[domain.AgentStatus]int{},
	}

	for _, j := range jobs {
		summary.JobsByState[j.State]++
		if j.State == domain.JobPending {
			summary.QueueDepth++
		}
	}
	for _, b := range pending {
		summary.BatchesByState[b.State]++
	}
	for _, b := range active {
		summary.BatchesByState[b.State]++
	}
	for _, a := range agents {
		summary.AgentsByStatus[a.Status]++
	}

	JobsByState.Reset()
	for state, count := range summary.JobsByState {
		JobsByState.WithLabelValues(string(state)).Set(float64(count))
	}
	BatchesByState.Reset()
	for state, count := range summary.BatchesByState {
		BatchesByState.WithLabelValues(string(state)).Set(float64(count))
	}
	AgentsByStatus.Reset()
	for status, count := range summary.AgentsByStatus {
		AgentsByStatus.WithLabelValues(string(status)).Set(float64(count))
	}

	return summary, nil
}
