package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		kind string
	}{
		{nil, ""},
		{ErrProviderUnreachable, "provider_unreachable"},
		{ErrProviderNotFound, "provider_not_found"},
		{ErrQuotaExceeded, "quota_exceeded"},
		{ErrDuplicateMessage, "duplicate_message"},
		{ErrStateConflict, "state_conflict"},
		{ErrNoCapacity, "no_capacity"},
		{ErrNotFound, "not_found"},
		{ErrValidation, "validation_failed"},
		{ErrBadRequest, "bad_request"},
		{ErrUnauthorized, "unauthorized"},
		{ErrTimeout, "timeout"},
		{errors.New("disk on fire"), "internal"},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.kind, Kind(tc.err))
	}
}

func TestKind_SurvivesWrapping(t *testing.T) {
	wrapped := fmt.Errorf("failed to pick connection for tenant %s: %w", "tenant-1", ErrNoCapacity)
	assert.Equal(t, "no_capacity", Kind(wrapped))

	doubly := fmt.Errorf("send failed: %w", wrapped)
	assert.Equal(t, "no_capacity", Kind(doubly))
}

func TestNewStateConflict(t *testing.T) {
	err := NewStateConflict("closed", "refresh_qr")
	assert.True(t, IsStateConflictError(err))
	assert.Equal(t, "state_conflict", Kind(err))
	assert.Contains(t, err.Error(), "refresh_qr")
	assert.Contains(t, err.Error(), "closed")
}

func TestRetryableAndFatalWrapping(t *testing.T) {
	base := ErrProviderUnreachable

	retryable := NewRetryable(base, "probe for %s failed", "inst-1")
	assert.True(t, IsRetryable(retryable))
	assert.False(t, IsFatal(retryable))
	assert.True(t, IsProviderUnreachableError(retryable), "wrapping must preserve the sentinel")

	fatal := NewFatal(ErrValidation, "bad payload")
	assert.True(t, IsFatal(fatal))
	assert.True(t, IsValidationError(fatal))
}
