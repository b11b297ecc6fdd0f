// Package domain holds the core entities of the job orchestrator: Job,
// Batch, Agent, and the audit trail that ties their transitions together.
// Nothing in this package touches the network or a database; it is the
// vocabulary every other package speaks.
package domain

import (
	"strconv"
	"strings"
	"time"
)

// Target is the closed set of execution environments a job can run on.
type Target string

const (
	TargetEmulator     Target = "emulator"
	TargetDevice       Target = "device"
	TargetBrowserStack Target = "browserstack"
)

func (t Target) Valid() bool {
	switch t {
	case TargetEmulator, TargetDevice, TargetBrowserStack:
		return true
	}
	return false
}

// JobState is the lifecycle state of a single submitted job.
type JobState string

const (
	JobPending   JobState = "PENDING"
	JobBatched   JobState = "BATCHED"
	JobRunning   JobState = "RUNNING"
	JobSucceeded JobState = "SUCCEEDED"
	JobFailed    JobState = "FAILED"
	JobCancelled JobState = "CANCELLED"
)

// Terminal reports whether state admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	}
	return false
}

// ErrorKind classifies why a job did not succeed. It is the machine-
// readable half of every failure; FailureDetail carries the human half.
type ErrorKind string

const (
	ErrValidation      ErrorKind = "VALIDATION_ERROR"
	ErrNotFound        ErrorKind = "NOT_FOUND"
	ErrConflict        ErrorKind = "CONFLICT"
	ErrBackpressure    ErrorKind = "BACKPRESSURE"
	ErrStoreUnavail    ErrorKind = "STORE_UNAVAILABLE"
	ErrTestFailure     ErrorKind = "TEST_FAILURE"
	ErrTimeout         ErrorKind = "TIMEOUT"
	ErrAgentLost       ErrorKind = "AGENT_LOST"
	ErrInfrastructure  ErrorKind = "INFRASTRUCTURE"
	ErrCancelled       ErrorKind = "CANCELLED"
)

// Retryable reports whether a job failing with this kind may re-enter
// PENDING if its retry budget allows. TIMEOUT is deliberately excluded:
// a job that blew its deadline once is assumed to keep blowing it.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrAgentLost, ErrInfrastructure:
		return true
	}
	return false
}

// DeviceRequirements is the predicate a job's target device must satisfy.
type DeviceRequirements struct {
	Platform     string `json:"platform,omitempty"`
	DeviceType   string `json:"device_type,omitempty"`
	MinOSVersion string `json:"min_os_version,omitempty"`
	MaxOSVersion string `json:"max_os_version,omitempty"`
}

// Intersects reports whether two requirement sets could both be satisfied
// by one real device. Empty fields are wildcards.
func (d DeviceRequirements) Intersects(o DeviceRequirements) bool {
	if d.Platform != "" && o.Platform != "" && d.Platform != o.Platform {
		return false
	}
	if d.DeviceType != "" && o.DeviceType != "" && d.DeviceType != o.DeviceType {
		return false
	}
	if !osRangesOverlap(d.MinOSVersion, d.MaxOSVersion, o.MinOSVersion, o.MaxOSVersion) {
		return false
	}
	return true
}

// osRangesOverlap reports whether [aMin, aMax] and [bMin, bMax] share any
// OS version, treating an empty bound as unbounded on that side.
func osRangesOverlap(aMin, aMax, bMin, bMax string) bool {
	if aMin != "" && bMax != "" && compareOSVersion(aMin, bMax) > 0 {
		return false
	}
	if bMin != "" && aMax != "" && compareOSVersion(bMin, aMax) > 0 {
		return false
	}
	return true
}

// compareOSVersion orders dotted OS version strings (e.g. "10", "14.2")
// component-wise as integers, treating a missing trailing component as 0
// so "14" == "14.0". Non-numeric components compare as equal-weight 0,
// since they aren't expected to occur in practice.
func compareOSVersion(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			return av - bv
		}
	}
	return 0
}

// Result is the outcome of an executed job.
type Result struct {
	Success      bool       `json:"success"`
	ArtifactsURI string     `json:"artifacts_uri,omitempty"`
	Counts       ResultCounts `json:"counts,omitempty"`
	ErrorKind    ErrorKind  `json:"error_kind,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// ResultCounts is a free-form tally of pass/fail assertions within a job.
type ResultCounts struct {
	Passed int `json:"passed,omitempty"`
	Failed int `json:"failed,omitempty"`
	Total  int `json:"total,omitempty"`
}

// Job is one submitted test execution request.
type Job struct {
	JobID             string             `db:"job_id" json:"job_id"`
	OrgID             string             `db:"org_id" json:"org_id"`
	AppVersionID      string             `db:"app_version_id" json:"app_version_id"`
	TestPath          string             `db:"test_path" json:"test_path"`
	Target            Target             `db:"target" json:"target"`
	DeviceRequirements DeviceRequirements `db:"device_requirements" json:"device_requirements"`
	Priority          int                `db:"priority" json:"priority"`
	TimeoutMS         int                `db:"timeout_ms" json:"timeout_ms"`
	RetryBudget       int                `db:"retry_budget" json:"retry_budget"`
	ClientRequestID   string             `db:"client_request_id" json:"client_request_id,omitempty"`

	State           JobState   `db:"state" json:"state"`
	BatchID         *string    `db:"batch_id" json:"batch_id,omitempty"`
	Attempt         int        `db:"attempt" json:"attempt"`
	SubmittedAt     time.Time  `db:"submitted_at" json:"submitted_at"`
	StateChangedAt  time.Time  `db:"state_changed_at" json:"state_changed_at"`
	StartedAt       *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt      *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	RetryNotBefore  *time.Time `db:"retry_not_before" json:"retry_not_before,omitempty"`
	Result          *Result    `db:"result" json:"result,omitempty"`
	Revision        int64      `db:"revision" json:"revision"`
}

// GroupKey returns the batching key this job belongs to.
func (j *Job) GroupKey() string {
	return GroupKey(j.OrgID, j.AppVersionID, j.Target)
}

// GroupKey builds a batching key from its three components.
func GroupKey(orgID, appVersionID string, target Target) string {
	return orgID + "\x00" + appVersionID + "\x00" + string(target)
}

// BatchState is the lifecycle state of a batch.
type BatchState string

const (
	BatchPending  BatchState = "PENDING"
	BatchAssigned BatchState = "ASSIGNED"
	BatchRunning  BatchState = "RUNNING"
	BatchDone     BatchState = "DONE"
	BatchFailed   BatchState = "FAILED"
)

// Batch is the unit actually scheduled onto an agent.
type Batch struct {
	BatchID           string     `db:"batch_id" json:"batch_id"`
	OrgID             string     `db:"org_id" json:"org_id"`
	AppVersionID      string     `db:"app_version_id" json:"app_version_id"`
	Target            Target     `db:"target" json:"target"`
	MemberJobIDs      []string   `db:"member_job_ids" json:"member_job_ids"`
	DeviceRequirements DeviceRequirements `db:"device_requirements" json:"device_requirements"`
	Priority          int        `db:"priority" json:"priority"`
	EffectivePriority float64    `db:"effective_priority" json:"effective_priority"`
	State             BatchState `db:"state" json:"state"`
	AgentID           *string    `db:"agent_id" json:"agent_id,omitempty"`
	SealedAt          time.Time  `db:"sealed_at" json:"sealed_at"`
	AssignedAt        *time.Time `db:"assigned_at" json:"assigned_at,omitempty"`
	StartedAt         *time.Time `db:"started_at" json:"started_at,omitempty"`
	Deadline          *time.Time `db:"deadline" json:"deadline,omitempty"`
	LeaseExpiresAt    *time.Time `db:"lease_expires_at" json:"lease_expires_at,omitempty"`
	CancelRequested   bool       `db:"cancel_requested" json:"cancel_requested,omitempty"`
	Revision          int64      `db:"revision" json:"revision"`
}

// Done reports whether every member job has reached a terminal state,
// given the caller's view of those jobs.
func (b *Batch) Done(jobs map[string]*Job) bool {
	for _, id := range b.MemberJobIDs {
		j, ok := jobs[id]
		if !ok || !j.State.Terminal() {
			return false
		}
	}
	return true
}

// AgentStatus is the liveness/availability state of a registered agent.
type AgentStatus string

const (
	AgentOnline   AgentStatus = "ONLINE"
	AgentBusy     AgentStatus = "BUSY"
	AgentOffline  AgentStatus = "OFFLINE"
	AgentDraining AgentStatus = "DRAINING"
)

// Agent is a registered executor capable of running batches.
type Agent struct {
	AgentID             string             `db:"agent_id" json:"agent_id"`
	Capabilities        DeviceRequirements `db:"capabilities" json:"capabilities"`
	CapabilityTarget    Target             `db:"capability_target" json:"capability_target"`
	MaxConcurrentBatches int               `db:"max_concurrent_batches" json:"max_concurrent_batches"`
	CurrentBatchIDs      []string          `db:"current_batch_ids" json:"current_batch_ids"`
	Status               AgentStatus       `db:"status" json:"status"`
	LastHeartbeatAt      time.Time         `db:"last_heartbeat_at" json:"last_heartbeat_at"`
	RegisteredAt         time.Time         `db:"registered_at" json:"registered_at"`
	Revision             int64             `db:"revision" json:"revision"`
}

// Eligible reports whether the agent can take on the given batch.
func (a *Agent) Eligible(b *Batch, devReq DeviceRequirements) bool {
	if a.Status != AgentOnline {
		return false
	}
	if len(a.CurrentBatchIDs) >= a.MaxConcurrentBatches {
		return false
	}
	if a.CapabilityTarget != b.Target {
		return false
	}
	if b.Target == TargetBrowserStack {
		return true
	}
	return a.Capabilities.Intersects(devReq)
}

// AuditEntry is one append-only record of a job or batch state transition.
type AuditEntry struct {
	ID         int64     `db:"id" json:"id"`
	EntityType string    `db:"entity_type" json:"entity_type"` // "job" or "batch"
	EntityID   string    `db:"entity_id" json:"entity_id"`
	FromState  string    `db:"from_state" json:"from_state"`
	ToState    string    `db:"to_state" json:"to_state"`
	Actor      string    `db:"actor" json:"actor"` // "system", "agent", "api"
	Cause      string    `db:"cause" json:"cause,omitempty"`
	OccurredAt time.Time `db:"occurred_at" json:"occurred_at"`
}
