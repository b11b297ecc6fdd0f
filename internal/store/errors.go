package store

import "github.com/chambrid/job-orchestrator/internal/orcherrors"

// NewStoreError wraps a low-level driver error as the orchestrator's own
// STORE_UNAVAILABLE classification, so callers above this package never
// need to know pgx or database/sql exist.
func NewStoreError(operation string, cause error) error {
	return orcherrors.NewStoreUnavailableError(operation, cause)
}
