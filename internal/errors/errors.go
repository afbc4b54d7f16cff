package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrNotFound     ErrorType = "NOT_FOUND"
	ErrInvalidInput ErrorType = "INVALID_INPUT"
	ErrInternal     ErrorType = "INTERNAL"
	ErrConflict     ErrorType = "CONFLICT"
)

// AppError represents an application error
type AppError struct {
	Type      ErrorType
	Message   string
	Cause     error
	Timestamp time.Time
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new AppError
func New(errType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:      errType,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == ErrNotFound
	}
	return false
}

// IsValidationError checks if the error is a validation error. Validation
// failures are rejected immediately and must never be blindly retried.
func IsValidationError(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == ErrInvalidInput
	}
	return false
}

// IsConflict checks if the error is a conflict error
func IsConflict(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == ErrConflict
	}
	return false
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, err error) *AppError {
	return New(ErrNotFound, message, err)
}

// NewValidationError creates a new validation error
func NewValidationError(message string, err error) *AppError {
	return New(ErrInvalidInput, message, err)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, err error) *AppError {
	return New(ErrInternal, message, err)
}

// ErrQueueEmpty signals that no eligible response exists for the caller.
// It is a normal outcome of claiming from a drained queue, not a failure,
// and handlers translate it into an explicit "empty" reply.
var ErrQueueEmpty = errors.New("review queue is empty")

// IsQueueEmpty checks if the error is the queue-empty signal
func IsQueueEmpty(err error) bool {
	return errors.Is(err, ErrQueueEmpty)
}

// LeaseConflictError is returned when a conditional lease write loses a race
// against a concurrent claim. The loser re-selects; callers never see this
// as a user-facing failure.
type LeaseConflictError struct {
	ResponseID string
	ReviewerID string
}

func (e *LeaseConflictError) Error() string {
	return fmt.Sprintf("response %s is already claimed by another reviewer (requested by %s)", e.ResponseID, e.ReviewerID)
}

// NewLeaseConflictError creates a new LeaseConflictError
func NewLeaseConflictError(responseID, reviewerID string) error {
	return &LeaseConflictError{ResponseID: responseID, ReviewerID: reviewerID}
}

// IsLeaseConflict checks if the error is a lost lease race
func IsLeaseConflict(err error) bool {
	var lc *LeaseConflictError
	return errors.As(err, &lc)
}

// BatchNotReadyError is returned when a batch decision is requested while
// sampled members are still pending review. The decision step treats it as
// a no-op and retries on the next sweep.
type BatchNotReadyError struct {
	BatchID      string
	PendingCount int
}

func (e *BatchNotReadyError) Error() string {
	return fmt.Sprintf("batch %s has %d sampled responses still pending review", e.BatchID, e.PendingCount)
}

// NewBatchNotReadyError creates a new BatchNotReadyError
func NewBatchNotReadyError(batchID string, pending int) error {
	return &BatchNotReadyError{BatchID: batchID, PendingCount: pending}
}

// IsBatchNotReady checks if the error means the sample is still unresolved
func IsBatchNotReady(err error) bool {
	var b *BatchNotReadyError
	return errors.As(err, &b)
}
