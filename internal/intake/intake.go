// Package intake is the front door: validate, assign an id, persist,
// index, and wake the batcher. Nothing here blocks on scheduling.
package intake

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/chambrid/job-orchestrator/internal/domain"
	"github.com/chambrid/job-orchestrator/internal/orcherrors"
	"github.com/chambrid/job-orchestrator/internal/queueindex"
	"github.com/chambrid/job-orchestrator/internal/store"
)

// SubmitRequest is the wire payload for a new job.
type SubmitRequest struct {
	OrgID              string                    `json:"org_id" validate:"required"`
	AppVersionID       string                    `json:"app_version_id" validate:"required"`
	TestPath           string                    `json:"test_path" validate:"required"`
	Target             domain.Target             `json:"target" validate:"required,oneof=emulator device browserstack"`
	DeviceRequirements domain.DeviceRequirements `json:"device_requirements"`
	Priority           int                       `json:"priority" validate:"min=1,max=10"`
	TimeoutMS          int                       `json:"timeout_ms" validate:"min=1"`
	RetryBudget        int                       `json:"retry_budget" validate:"min=0,max=5"`
	ClientRequestID    string                    `json:"client_request_id,omitempty"`
}

// SubmitResult is returned to the caller on a successful submission.
type SubmitResult struct {
	JobID            string    `json:"job_id"`
	State            domain.JobState `json:"state"`
	QueuePosition    int       `json:"queue_position"`
	EstimatedStart   time.Time `json:"estimated_start"`
}

// Waker lets Intake signal a consumer (the Batcher) that new work is
// available without either side blocking on the other.
type Waker interface {
	Wake()
}

// ChanWaker is a Waker backed by a buffered channel; Batcher selects on
// C() inside its run loop.
type ChanWaker struct {
	ch chan struct{}
}

func NewChanWaker() *ChanWaker {
	return &ChanWaker{ch: make(chan struct{}, 1)}
}

func (w *ChanWaker) Wake() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

func (w *ChanWaker) C() <-chan struct{} { return w.ch }

// Intake validates and persists new jobs.
type Intake struct {
	store       store.Store
	index       *queueindex.Index
	validate    *validator.Validate
	waker       Waker
	maxBacklog  int
	dedupWindow time.Duration
	log         logr.Logger
}

func New(s store.Store, idx *queueindex.Index, waker Waker, maxBacklog int, dedupWindow time.Duration, log logr.Logger) *Intake {
	return &Intake{
		store:       s,
		index:       idx,
		validate:    validator.New(),
		waker:       waker,
		maxBacklog:  maxBacklog,
		dedupWindow: dedupWindow,
		log:         log.WithName("intake"),
	}
}

// Submit validates req, de-dupes on ClientRequestID, persists a new
// PENDING job, indexes it, and wakes the batcher.
func (in *Intake) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := in.validate.Struct(req); err != nil {
		return nil, toValidationError(err)
	}

	jobID := "job_" + uuid.NewString()

	if req.ClientRequestID != "" {
		existing, found, err := in.store.CheckAndReserveRequestID(ctx, req.ClientRequestID, jobID, in.dedupWindow)
		if err != nil {
			return nil, err
		}
		if found {
			job, err := in.store.GetJob(ctx, existing)
			if err != nil {
				return nil, err
			}
			if job == nil {
				return nil, orcherrors.NewNotFoundError("job", existing)
			}
			return &SubmitResult{JobID: job.JobID, State: job.State}, nil
		}
	}

	pendingBatches, err := in.store.ListPendingBatches(ctx)
	if err != nil {
		return nil, err
	}
	if len(pendingBatches) > in.maxBacklog {
		return nil, orcherrors.NewBackpressureError("pending batch backlog exceeds max_backlog", 2*time.Second)
	}

	now := time.Now()
	job := &domain.Job{
		JobID:              jobID,
		OrgID:              req.OrgID,
		AppVersionID:       req.AppVersionID,
		TestPath:           req.TestPath,
		Target:             req.Target,
		DeviceRequirements: req.DeviceRequirements,
		Priority:           req.Priority,
		TimeoutMS:          req.TimeoutMS,
		RetryBudget:        req.RetryBudget,
		ClientRequestID:    req.ClientRequestID,
		State:              domain.JobPending,
		Attempt:            0,
		SubmittedAt:        now,
		StateChangedAt:     now,
	}

	if err := in.store.InsertJob(ctx, job); err != nil {
		return nil, err
	}
	if err := in.store.AppendAudit(ctx, &domain.AuditEntry{
		EntityType: "job", EntityID: job.JobID, FromState: "", ToState: string(domain.JobPending),
		Actor: "api", Cause: "submit", OccurredAt: now,
	}); err != nil {
		in.log.Error(err, "failed to append submit audit entry", "job_id", job.JobID)
	}

	in.index.Add(job)
	in.waker.Wake()

	group := job.GroupKey()
	return &SubmitResult{
		JobID:          job.JobID,
		State:          job.State,
		QueuePosition:  in.index.Len(group),
		EstimatedStart: now,
	}, nil
}

// Cancel requests cancellation of jobID. Queued jobs are cancelled
// immediately; for a running job only its batch is flagged
// cancel-requested. No other component acts on that flag: the job stays
// RUNNING and ends in whatever state the agent's report or the lease
// expiry gives it.
func (in *Intake) Cancel(ctx context.Context, jobID, reason string) error {
	var cancelledNow bool
	var runningBatchID string

	err := in.store.MutateJob(ctx, jobID, func(j *domain.Job) error {
		switch j.State {
		case domain.JobPending, domain.JobBatched:
			j.State = domain.JobCancelled
			j.StateChangedAt = time.Now()
			cancelledNow = true
			return nil
		case domain.JobRunning:
			if j.BatchID != nil {
				runningBatchID = *j.BatchID
			}
			return nil
		default:
			return orcherrors.NewConflictError("job", jobID, "already terminal")
		}
	})
	if err != nil {
		return err
	}

	if cancelledNow {
		job, err := in.store.GetJob(ctx, jobID)
		if err == nil && job != nil {
			in.index.Remove(job)
		}
		_ = in.store.AppendAudit(ctx, &domain.AuditEntry{
			EntityType: "job", EntityID: jobID, ToState: string(domain.JobCancelled),
			Actor: "api", Cause: reason, OccurredAt: time.Now(),
		})
		return nil
	}

	if runningBatchID != "" {
		return in.store.MutateBatch(ctx, runningBatchID, func(b *domain.Batch) error {
			b.CancelRequested = true
			return nil
		})
	}
	return nil
}

func toValidationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return orcherrors.NewValidationError(orcherrors.FieldError{Field: "request", Message: err.Error()})
	}
	fields := make([]orcherrors.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, orcherrors.FieldError{
			Field:   fe.Field(),
			Value:   fe.Value(),
			Message: "failed " + fe.Tag(),
		})
	}
	return orcherrors.NewValidationError(fields...)
}
