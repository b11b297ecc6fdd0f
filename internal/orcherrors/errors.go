// Package orcherrors is the orchestrator's typed error hierarchy: one
// concrete type per failure classification in the job taxonomy, each
// carrying the context needed to log and to answer the API caller.
package orcherrors

import (
	"fmt"
	"time"

	"github.com/chambrid/job-orchestrator/internal/domain"
)

// OrchestratorError is implemented by every error type in this package.
type OrchestratorError interface {
	error
	Kind() domain.ErrorKind
	HTTPStatus() int
}

// ValidationError reports one or more rejected fields at intake.
type ValidationError struct {
	Fields  []FieldError
	Message string
}

type FieldError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("validation failed for %d field(s)", len(e.Fields))
}

func (e *ValidationError) Kind() domain.ErrorKind { return domain.ErrValidation }
func (e *ValidationError) HTTPStatus() int         { return 400 }

func NewValidationError(fields ...FieldError) *ValidationError {
	return &ValidationError{Fields: fields, Message: summarizeFields(fields)}
}

func summarizeFields(fields []FieldError) string {
	if len(fields) == 0 {
		return "validation failed"
	}
	msg := fmt.Sprintf("validation failed: %s: %s", fields[0].Field, fields[0].Message)
	for _, f := range fields[1:] {
		msg += fmt.Sprintf("; %s: %s", f.Field, f.Message)
	}
	return msg
}

// NotFoundError reports an unknown resource id.
type NotFoundError struct {
	ResourceType string
	ResourceID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.ResourceType, e.ResourceID)
}
func (e *NotFoundError) Kind() domain.ErrorKind { return domain.ErrNotFound }
func (e *NotFoundError) HTTPStatus() int         { return 404 }

func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{ResourceType: resourceType, ResourceID: resourceID}
}

// ConflictError reports a precondition violation: double-claim, cancel of
// a terminal job, re-registration of a live agent id.
type ConflictError struct {
	ResourceType string
	ResourceID   string
	Reason       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %q: %s", e.ResourceType, e.ResourceID, e.Reason)
}
func (e *ConflictError) Kind() domain.ErrorKind { return domain.ErrConflict }
func (e *ConflictError) HTTPStatus() int         { return 409 }

func NewConflictError(resourceType, resourceID, reason string) *ConflictError {
	return &ConflictError{ResourceType: resourceType, ResourceID: resourceID, Reason: reason}
}

// BackpressureError signals the caller should retry later; RetryAfter is
// advisory.
type BackpressureError struct {
	RetryAfter time.Duration
	Reason     string
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("backpressure: %s (retry after %s)", e.Reason, e.RetryAfter)
}
func (e *BackpressureError) Kind() domain.ErrorKind { return domain.ErrBackpressure }
func (e *BackpressureError) HTTPStatus() int         { return 429 }

func NewBackpressureError(reason string, retryAfter time.Duration) *BackpressureError {
	return &BackpressureError{Reason: reason, RetryAfter: retryAfter}
}

// StoreUnavailableError wraps a persistence failure that survived the
// store's own internal retries.
type StoreUnavailableError struct {
	Operation string
	Cause     error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Operation, e.Cause)
}
func (e *StoreUnavailableError) Unwrap() error       { return e.Cause }
func (e *StoreUnavailableError) Kind() domain.ErrorKind { return domain.ErrStoreUnavail }
func (e *StoreUnavailableError) HTTPStatus() int         { return 503 }

func NewStoreUnavailableError(operation string, cause error) *StoreUnavailableError {
	return &StoreUnavailableError{Operation: operation, Cause: cause}
}

// JobOutcomeError is attached to a job's terminal record for the four
// per-job terminal classifications: TEST_FAILURE, TIMEOUT, AGENT_LOST,
// INFRASTRUCTURE, plus CANCELLED.
type JobOutcomeError struct {
	JobID     string
	BatchID   string
	Kind_     domain.ErrorKind
	Message   string
	Time      time.Time
}

func (e *JobOutcomeError) Error() string {
	return fmt.Sprintf("job %s in batch %s ended %s: %s", e.JobID, e.BatchID, e.Kind_, e.Message)
}
func (e *JobOutcomeError) Kind() domain.ErrorKind { return e.Kind_ }
func (e *JobOutcomeError) HTTPStatus() int         { return 200 } // terminal outcomes are not request errors

func NewJobOutcomeError(jobID, batchID string, kind domain.ErrorKind, message string) *JobOutcomeError {
	return &JobOutcomeError{JobID: jobID, BatchID: batchID, Kind_: kind, Message: message, Time: time.Now()}
}

// IsRetryable reports whether err, if it classifies a job outcome, permits
// a retry given remaining budget. Non-outcome errors are never retryable.
func IsRetryable(err error) bool {
	if oe, ok := err.(OrchestratorError); ok {
		return oe.Kind().Retryable()
	}
	return false
}

// Severity buckets an error for logging/alerting purposes.
func Severity(err error) string {
	oe, ok := err.(OrchestratorError)
	if !ok {
		return "unknown"
	}
	switch oe.Kind() {
	case domain.ErrValidation, domain.ErrConflict:
		return "low"
	case domain.ErrBackpressure, domain.ErrStoreUnavail, domain.ErrInfrastructure:
		return "medium"
	case domain.ErrTimeout, domain.ErrAgentLost:
		return "high"
	case domain.ErrTestFailure, domain.ErrCancelled:
		return "info"
	default:
		return "unknown"
	}
}

// Summary is a machine-readable digest of an error, returned to callers
// and written to the audit log.
type Summary struct {
	Kind      domain.ErrorKind `json:"kind"`
	Severity  string           `json:"severity"`
	Message   string           `json:"message"`
	Retryable bool             `json:"retryable"`
	Timestamp time.Time        `json:"timestamp"`
}

// Summarize builds a Summary from any error produced by this package.
func Summarize(err error) *Summary {
	if err == nil {
		return nil
	}
	s := &Summary{Message: err.Error(), Retryable: IsRetryable(err), Timestamp: time.Now()}
	if oe, ok := err.(OrchestratorError); ok {
		s.Kind = oe.Kind()
		s.Severity = Severity(err)
	} else {
		s.Kind = domain.ErrInfrastructure
		s.Severity = "unknown"
	}
	return s
}
