package queueindex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chambrid/job-orchestrator/internal/domain"
)

func job(id string, priority int, age time.Duration) *domain.Job {
	return &domain.Job{
		JobID:        id,
		OrgID:        "qg",
		AppVersionID: "v1",
		Target:       domain.TargetEmulator,
		Priority:     priority,
		SubmittedAt:  time.Now().Add(-age),
	}
}

func TestOrdered_PriorityThenAge(t *testing.T) {
	idx := New()
	idx.Add(job("low-old", 3, 10*time.Second))
	idx.Add(job("high-new", 9, time.Second))
	idx.Add(job("low-new", 3, time.Second))

	group := domain.GroupKey("qg", "v1", domain.TargetEmulator)
	ordered := idx.Ordered(group)

	assert.Len(t, ordered, 3)
	assert.Equal(t, "high-new", ordered[0].JobID)
	assert.Equal(t, "low-old", ordered[1].JobID)
	assert.Equal(t, "low-new", ordered[2].JobID)
}

func TestRemove(t *testing.T) {
	idx := New()
	j := job("a", 5, 0)
	idx.Add(j)
	group := j.GroupKey()

	idx.Remove(j)

	assert.Equal(t, 0, idx.Len(group))
	assert.Empty(t, idx.Groups())
}

func TestHighestPriority(t *testing.T) {
	idx := New()
	idx.Add(job("a", 2, 0))
	idx.Add(job("b", 7, 0))
	group := domain.GroupKey("qg", "v1", domain.TargetEmulator)

	p, ok := idx.HighestPriority(group)

	assert.True(t, ok)
	assert.Equal(t, 7, p)
}

func TestTotal(t *testing.T) {
	idx := New()
	idx.Add(job("a", 1, 0))
	idx.Add(job("b", 1, 0))

	assert.Equal(t, 2, idx.Total())
}
