package errors

import (
	"fmt"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeValidation represents malformed input facts
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeDependency represents unavailable backing stores
	ErrorTypeDependency ErrorType = "dependency"
	// ErrorTypeCommit represents partial multi-store commit failures
	ErrorTypeCommit ErrorType = "commit"
	// ErrorTypeRollback represents rollback conflicts and failures
	ErrorTypeRollback ErrorType = "rollback"
	// ErrorTypeTemporal represents temporal invariant violations
	ErrorTypeTemporal ErrorType = "temporal"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
)

// BaseError is the base error type with common fields
type BaseError struct {
	Type      ErrorType
	Message   string
	Timestamp time.Time
	Err       error // Wrapped error
}

// Error implements the error interface
func (e *BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error for error unwrapping
func (e *BaseError) Unwrap() error {
	return e.Err
}

// NewBaseError creates a new base error
func NewBaseError(errType ErrorType, message string, err error) *BaseError {
	return &BaseError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// ValidationError is returned when an input fact is malformed. It is never
// fatal to a batch: the normalizer defaults the offending field and counts
// the warning.
type ValidationError struct {
	*BaseError
	Field string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		BaseError: NewBaseError(ErrorTypeValidation, message, nil),
		Field:     field,
	}
}

// DependencyUnavailable is returned when a required store does not report
// ready. Writes fail fast before any store is touched.
type DependencyUnavailable struct {
	*BaseError
	Store string
}

func NewDependencyUnavailable(store string, err error) *DependencyUnavailable {
	return &DependencyUnavailable{
		BaseError: NewBaseError(ErrorTypeDependency, fmt.Sprintf("store not ready: %s", store), err),
		Store:     store,
	}
}

// PartialCommitFailure is returned when some stores committed a batch and
// others did not. The per-store breakdown lives on the batch result; this
// error carries the failing stores for callers that only inspect the error.
type PartialCommitFailure struct {
	*BaseError
	FailedStores []string
}

func NewPartialCommitFailure(failed []string) *PartialCommitFailure {
	return &PartialCommitFailure{
		BaseError:    NewBaseError(ErrorTypeCommit, fmt.Sprintf("commit failed on stores: %v", failed), nil),
		FailedStores: failed,
	}
}

// RollbackConflict is recorded when state diverged between capture and
// rollback. The rollback continues past the conflicting record.
type RollbackConflict struct {
	*BaseError
	RecordID string
}

func NewRollbackConflict(recordID, message string) *RollbackConflict {
	return &RollbackConflict{
		BaseError: NewBaseError(ErrorTypeRollback, message, nil),
		RecordID:  recordID,
	}
}

// TemporalInvariantViolation is returned when an operation would leave two
// simultaneously-active intervals for one canonical id. It indicates a
// caller logic bug or a lock-granularity failure and is never swallowed.
type TemporalInvariantViolation struct {
	*BaseError
	CanonicalID string
}

func NewTemporalInvariantViolation(canonicalID, message string) *TemporalInvariantViolation {
	return &TemporalInvariantViolation{
		BaseError:   NewBaseError(ErrorTypeTemporal, message, nil),
		CanonicalID: canonicalID,
	}
}

// ErrRollbackPointNotFound is returned when a rollback point id is unknown
// or has expired.
type ErrRollbackPointNotFound struct {
	*BaseError
	PointID string
}

func NewRollbackPointNotFound(pointID string) *ErrRollbackPointNotFound {
	return &ErrRollbackPointNotFound{
		BaseError: NewBaseError(ErrorTypeRollback, fmt.Sprintf("rollback point not found: %s", pointID), nil),
		PointID:   pointID,
	}
}
