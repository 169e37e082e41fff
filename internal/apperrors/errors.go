package apperrors

import (
	"errors"
	"fmt"
)

// RetryableError indicates an error that might be resolved by retrying.
type RetryableError struct {
	Err error
}

// Error implements the error interface.
func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

// Unwrap returns the wrapped error.
func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryable wraps the given error as a RetryableError, adding a message.
// It uses fmt.Errorf with %w to maintain the error chain.
func NewRetryable(err error, message string, args ...interface{}) error {
	format := message + ": %w"
	allArgs := append(args, err)
	return &RetryableError{Err: fmt.Errorf(format, allArgs...)}
}

// FatalError indicates an error that is unlikely to be resolved by retrying.
type FatalError struct {
	Err error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

// Unwrap returns the wrapped error.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatal wraps the given error as a FatalError, adding a message.
// It uses fmt.Errorf with %w to maintain the error chain.
func NewFatal(err error, message string, args ...interface{}) error {
	format := message + ": %w"
	allArgs := append(args, err)
	return &FatalError{Err: fmt.Errorf(format, allArgs...)}
}

// --- Standard Error Definitions ---

// These sentinel errors define common application-level error conditions.
// They can be checked using errors.Is and potentially wrapped by RetryableError
// or FatalError depending on the context where they are handled.
var (
	// ErrNotFound indicates a requested resource was not found.
	ErrNotFound = errors.New("resource not found")
	// ErrValidation indicates failure during data validation.
	ErrValidation = errors.New("validation failed")
	// ErrDatabase indicates a general database interaction error.
	ErrDatabase = errors.New("database error")
	// ErrBadRequest indicates a malformed or invalid request from the caller.
	ErrBadRequest = errors.New("bad request")
	// ErrUnauthorized indicates an authorization failure.
	ErrUnauthorized = errors.New("unauthorized access")
	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timeout")
	// ErrDuplicate indicates a conflict due to duplicate data (e.g., unique constraint).
	ErrDuplicate = errors.New("duplicate resource")

	// ErrProviderUnreachable indicates the messaging gateway timed out or the
	// connection failed. Retry with backoff; never treat as confirmation that
	// an instance is gone.
	ErrProviderUnreachable = errors.New("provider unreachable")
	// ErrProviderNotFound indicates the gateway confirmed the instance does
	// not exist. Safe to purge local state.
	ErrProviderNotFound = errors.New("provider instance not found")
	// ErrQuotaExceeded indicates an admission rejection by the quota tracker.
	// Expected in steady state, not logged as an error.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrDuplicateMessage indicates an inbound message was already ingested.
	ErrDuplicateMessage = errors.New("duplicate message")
	// ErrStateConflict indicates a connection transition was rejected because
	// the evidence was staler than the last recorded transition.
	ErrStateConflict = errors.New("stale state transition")
	// ErrNoCapacity indicates the rotation selector exhausted all candidates.
	// Retryable from the caller's point of view.
	ErrNoCapacity = errors.New("no send capacity available")
)

// --- Helper functions for checking ---

// IsRetryable checks if the error is a RetryableError or wraps one.
func IsRetryable(err error) bool {
	var target *RetryableError
	return errors.As(err, &target)
}

// IsFatal checks if the error is a FatalError or wraps one.
func IsFatal(err error) bool {
	var target *FatalError
	return errors.As(err, &target)
}

// --- Specific Standard Error Checkers ---

// IsNotFoundError checks if the error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidationError checks if the error is or wraps ErrValidation.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsDatabaseError checks if the error is or wraps ErrDatabase.
func IsDatabaseError(err error) bool {
	return errors.Is(err, ErrDatabase)
}

// IsBadRequestError checks if the error is or wraps ErrBadRequest.
func IsBadRequestError(err error) bool {
	return errors.Is(err, ErrBadRequest)
}

// IsTimeoutError checks if the error is or wraps ErrTimeout.
func IsTimeoutError(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsDuplicateError checks if the error is or wraps ErrDuplicate.
func IsDuplicateError(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// IsProviderUnreachableError checks if the error is or wraps ErrProviderUnreachable.
func IsProviderUnreachableError(err error) bool {
	return errors.Is(err, ErrProviderUnreachable)
}

// IsProviderNotFoundError checks if the error is or wraps ErrProviderNotFound.
func IsProviderNotFoundError(err error) bool {
	return errors.Is(err, ErrProviderNotFound)
}

// IsQuotaExceededError checks if the error is or wraps ErrQuotaExceeded.
func IsQuotaExceededError(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// IsDuplicateMessageError checks if the error is or wraps ErrDuplicateMessage.
func IsDuplicateMessageError(err error) bool {
	return errors.Is(err, ErrDuplicateMessage)
}

// IsStateConflictError checks if the error is or wraps ErrStateConflict.
func IsStateConflictError(err error) bool {
	return errors.Is(err, ErrStateConflict)
}

// IsNoCapacityError checks if the error is or wraps ErrNoCapacity.
func IsNoCapacityError(err error) bool {
	return errors.Is(err, ErrNoCapacity)
}

// NewStateConflict builds a state conflict error for an operation attempted
// in an incompatible state.
func NewStateConflict(state, operation string) error {
	return fmt.Errorf("%w: operation %s not allowed in state %s", ErrStateConflict, operation, state)
}

// Kind maps an error to the stable machine-readable identifier exposed at
// the orchestrator boundary. Raw provider and database errors never cross
// that boundary, only kinds.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProviderUnreachable):
		return "provider_unreachable"
	case errors.Is(err, ErrProviderNotFound):
		return "provider_not_found"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrDuplicateMessage):
		return "duplicate_message"
	case errors.Is(err, ErrStateConflict):
		return "state_conflict"
	case errors.Is(err, ErrNoCapacity):
		return "no_capacity"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation_failed"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "internal"
	}
}
