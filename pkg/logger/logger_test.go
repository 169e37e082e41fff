package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/tenant"
)

func withNilGlobal(t *testing.T) {
	t.Helper()
	prev := Log
	Log = nil
	t.Cleanup(func() { Log = prev })
}

func TestFromContext_NilGlobalFallsBackToNop(t *testing.T) {
	withNilGlobal(t)

	log := FromContext(context.Background())
	require.NotNil(t, log)
	// Must be safe to use before Initialize has run.
	log.Warn("no global logger configured")

	log = FromContext(nil)
	require.NotNil(t, log)
	log.Info("nil context")
}

func TestFromContext_PrefersContextLogger(t *testing.T) {
	withNilGlobal(t)

	scoped := zaptest.NewLogger(t)
	ctx := WithLogger(context.Background(), scoped)

	assert.Equal(t, scoped, FromContext(ctx))
}

func TestFromContext_AddsRequestID(t *testing.T) {
	scoped := zaptest.NewLogger(t)
	ctx := WithLogger(context.Background(), scoped)
	ctx = tenant.WithRequestID(ctx, "req-123")

	log := FromContext(ctx)
	require.NotNil(t, log)
	// The request id field produces a derived logger, not the original.
	assert.NotEqual(t, scoped, log)
}

func TestFromContextOr(t *testing.T) {
	withNilGlobal(t)

	scoped := zaptest.NewLogger(t)
	ctx := WithLogger(context.Background(), scoped)
	assert.Equal(t, scoped, FromContextOr(ctx, zap.NewNop()))

	fallback := zaptest.NewLogger(t)
	assert.Equal(t, fallback, FromContextOr(context.Background(), fallback))

	log := FromContextOr(context.Background(), nil)
	require.NotNil(t, log)
	log.Debug("nop fallback")
}
