// Package queueindex is the in-memory secondary index of pending jobs.
// It is purely derived state: every fact it holds also lives in the
// Store, and on startup it is rebuilt by scanning the Store's pending
// jobs rather than trusting anything persisted about the index itself.
package queueindex

import (
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"

	"github.com/chambrid/job-orchestrator/internal/domain"
)

// sortKey orders pending jobs within a group by priority descending, then
// submission time ascending, then job id for a total order. Negating
// priority lets the treemap's natural ascending iteration double as
// highest-priority-first.
type sortKey struct {
	negPriority int
	submittedAt time.Time
	jobID       string
}

func keyOf(j *domain.Job) sortKey {
	return sortKey{negPriority: -j.Priority, submittedAt: j.SubmittedAt, jobID: j.JobID}
}

func compareKeys(a, b interface{}) int {
	ka, kb := a.(sortKey), b.(sortKey)
	if ka.negPriority != kb.negPriority {
		return ka.negPriority - kb.negPriority
	}
	if !ka.submittedAt.Equal(kb.submittedAt) {
		if ka.submittedAt.Before(kb.submittedAt) {
			return -1
		}
		return 1
	}
	if ka.jobID == kb.jobID {
		return 0
	}
	if ka.jobID < kb.jobID {
		return -1
	}
	return 1
}

// Index holds one ordered map per batching key (org_id, app_version_id,
// target).
type Index struct {
	mu     sync.RWMutex
	groups map[string]*treemap.Map
	keys   map[string]sortKey // jobID -> its sortKey, for O(log n) removal
}

func New() *Index {
	return &Index{
		groups: make(map[string]*treemap.Map),
		keys:   make(map[string]sortKey),
	}
}

// Add inserts or re-inserts a pending job into its group.
func (idx *Index) Add(j *domain.Job) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	group := j.GroupKey()
	tm, ok := idx.groups[group]
	if !ok {
		tm = treemap.NewWith(compareKeys)
		idx.groups[group] = tm
	}
	k := keyOf(j)
	tm.Put(k, j)
	idx.keys[j.JobID] = k
}

// Remove drops a job from its index, if present. Safe to call on a job
// id the index never had (no-op).
func (idx *Index) Remove(j *domain.Job) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	k, ok := idx.keys[j.JobID]
	if !ok {
		return
	}
	delete(idx.keys, j.JobID)
	if tm, ok := idx.groups[j.GroupKey()]; ok {
		tm.Remove(k)
		if tm.Empty() {
			delete(idx.groups, j.GroupKey())
		}
	}
}

// Groups returns every batching key with at least one pending job.
func (idx *Index) Groups() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]string, 0, len(idx.groups))
	for g := range idx.groups {
		out = append(out, g)
	}
	return out
}

// Ordered returns every pending job in the group, highest priority and
// oldest submission first.
func (idx *Index) Ordered(group string) []*domain.Job {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	tm, ok := idx.groups[group]
	if !ok {
		return nil
	}
	values := tm.Values()
	out := make([]*domain.Job, 0, len(values))
	for _, v := range values {
		out = append(out, v.(*domain.Job))
	}
	return out
}

// OldestSubmittedAt returns the submission time of the longest-waiting
// job in group, used to evaluate the batching wait-window deadline.
func (idx *Index) OldestSubmittedAt(group string) (time.Time, bool) {
	jobs := idx.Ordered(group)
	oldest := time.Time{}
	found := false
	for _, j := range jobs {
		if !found || j.SubmittedAt.Before(oldest) {
			oldest = j.SubmittedAt
			found = true
		}
	}
	return oldest, found
}

// HighestPriority returns the highest priority present in group.
func (idx *Index) HighestPriority(group string) (int, bool) {
	jobs := idx.Ordered(group)
	if len(jobs) == 0 {
		return 0, false
	}
	return jobs[0].Priority, true
}

// Len reports how many jobs are pending in group.
func (idx *Index) Len(group string) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	tm, ok := idx.groups[group]
	if !ok {
		return 0
	}
	return tm.Size()
}

// Total reports the number of pending jobs across all groups.
func (idx *Index) Total() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n := 0
	for _, tm := range idx.groups {
		n += tm.Size()
	}
	return n
}
