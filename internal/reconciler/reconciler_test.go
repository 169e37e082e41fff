package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/config"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/provider"
	providermock "gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/provider/mock"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/quota"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/registry"
	storagemock "gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/storage/mock"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/utils"
)

var testReconCfg = config.ReconcilerConfig{
	Interval:                 45 * time.Second,
	ProbeConcurrency:         8,
	MissingCyclesBeforePurge: 3,
	TimeoutsBeforeStateLoss:  3,
}

func newTestReconciler(t *testing.T, repo *storagemock.MemoryConnectionRepo, gateway *providermock.ClientMock) *Reconciler {
	t.Helper()
	reg := registry.New(repo, gateway, nil, config.QuotaDefaults{MaxReceived: 1000, MaxSent: 300}, "tenant-default")
	tracker := quota.NewTracker(repo, nil)
	recon, err := New(testReconCfg, reg, repo, gateway, tracker, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(recon.pool.Release)
	return recon
}

func activeConn(state model.ConnectionState) *model.Connection {
	return model.NewConnection(&model.Connection{
		State:            state,
		LastTransitionAt: utils.Now().Add(-time.Minute),
	})
}

func TestReconciler_AdoptsUnknownInstances(t *testing.T) {
	repo := storagemock.NewMemoryConnectionRepo()
	gateway := new(providermock.ClientMock)
	recon := newTestReconciler(t, repo, gateway)

	gateway.On("ListInstances", mock.Anything).Return([]provider.InstanceSummary{
		{ExternalID: "inst-wild", Name: "unmanaged", State: provider.SessionOpen},
	}, nil)
	gateway.On("GetConnectivity", mock.Anything, "inst-wild").
		Return(&provider.Connectivity{State: provider.SessionOpen}, nil).Maybe()

	require.NoError(t, recon.RunCycle(context.Background()))

	adopted, err := repo.FindByExternalID(context.Background(), "inst-wild")
	require.NoError(t, err)
	assert.Equal(t, "tenant-default", adopted.TenantID)
	assert.True(t, adopted.NeedsOwnerAssignment)
	assert.Equal(t, model.StateConnected, adopted.State)
}

func TestReconciler_OmittedConnectionClosesOnFirstCycle(t *testing.T) {
	conn := activeConn(model.StateConnected)
	repo := storagemock.NewMemoryConnectionRepo(conn)
	gateway := new(providermock.ClientMock)
	recon := newTestReconciler(t, repo, gateway)

	// The gateway reports nothing at all. Its listing is authoritative for
	// existence, so one omission is enough to take the connection out of
	// rotation.
	gateway.On("ListInstances", mock.Anything).Return([]provider.InstanceSummary{}, nil)

	require.NoError(t, recon.RunCycle(context.Background()))

	stored, err := repo.FindByID(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateClosed, stored.State)
	assert.False(t, stored.RotationEligible)
	assert.Equal(t, 1, stored.MissingCycles)
}

func TestReconciler_PurgesClosedOrphanAfterCycleThreshold(t *testing.T) {
	conn := activeConn(model.StateConnected)
	repo := storagemock.NewMemoryConnectionRepo(conn)
	gateway := new(providermock.ClientMock)
	recon := newTestReconciler(t, repo, gateway)

	gateway.On("ListInstances", mock.Anything).Return([]provider.InstanceSummary{}, nil)

	// Closed on the first omission; the row survives while the counter runs.
	for i := 1; i < testReconCfg.MissingCyclesBeforePurge; i++ {
		require.NoError(t, recon.RunCycle(context.Background()))
		stored, err := repo.FindByID(context.Background(), conn.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StateClosed, stored.State)
		assert.Equal(t, i, stored.MissingCycles)
	}

	// Third consecutive omission deletes the row.
	require.NoError(t, recon.RunCycle(context.Background()))
	_, err := repo.FindByID(context.Background(), conn.ID)
	assert.True(t, apperrors.IsNotFoundError(err))
}

func TestReconciler_TeardownClosedRowsAreKept(t *testing.T) {
	conn := activeConn(model.StateClosed)
	repo := storagemock.NewMemoryConnectionRepo(conn)
	gateway := new(providermock.ClientMock)
	recon := newTestReconciler(t, repo, gateway)

	gateway.On("ListInstances", mock.Anything).Return([]provider.InstanceSummary{}, nil)

	// A connection closed by teardown has no missing cycles on record and
	// stays as audit trail no matter how often the gateway omits it.
	for i := 0; i < testReconCfg.MissingCyclesBeforePurge+1; i++ {
		require.NoError(t, recon.RunCycle(context.Background()))
	}

	stored, err := repo.FindByID(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateClosed, stored.State)
	assert.Equal(t, 0, stored.MissingCycles)
}

func TestReconciler_ReappearanceResetsMissingCount(t *testing.T) {
	conn := activeConn(model.StateConnected)
	conn.MissingCycles = 2
	repo := storagemock.NewMemoryConnectionRepo(conn)
	gateway := new(providermock.ClientMock)
	recon := newTestReconciler(t, repo, gateway)

	gateway.On("ListInstances", mock.Anything).Return([]provider.InstanceSummary{
		{ExternalID: conn.ExternalInstanceID, State: provider.SessionOpen},
	}, nil)
	gateway.On("GetConnectivity", mock.Anything, conn.ExternalInstanceID).
		Return(&provider.Connectivity{State: provider.SessionOpen}, nil)

	require.NoError(t, recon.RunCycle(context.Background()))

	stored, err := repo.FindByID(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.MissingCycles)
	assert.Equal(t, model.StateConnected, stored.State)
}

func TestReconciler_ProbeConvergesStates(t *testing.T) {
	tests := []struct {
		name         string
		initial      model.ConnectionState
		gatewayState string
		want         model.ConnectionState
	}{
		{"open connects", model.StateAwaitingScan, provider.SessionOpen, model.StateConnected},
		{"connecting awaits scan", model.StateDisconnected, provider.SessionConnecting, model.StateAwaitingScan},
		{"close disconnects", model.StateConnected, provider.SessionClosed, model.StateDisconnected},
		{"unknown wording disconnects", model.StateConnected, "flaky", model.StateDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := activeConn(tt.initial)
			repo := storagemock.NewMemoryConnectionRepo(conn)
			gateway := new(providermock.ClientMock)
			recon := newTestReconciler(t, repo, gateway)

			gateway.On("ListInstances", mock.Anything).Return([]provider.InstanceSummary{
				{ExternalID: conn.ExternalInstanceID},
			}, nil)
			gateway.On("GetConnectivity", mock.Anything, conn.ExternalInstanceID).
				Return(&provider.Connectivity{State: tt.gatewayState, PhoneNumber: "5511988887777"}, nil)

			require.NoError(t, recon.RunCycle(context.Background()))

			stored, err := repo.FindByID(context.Background(), conn.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stored.State)
			assert.Equal(t, tt.want == model.StateConnected, stored.RotationEligible)
		})
	}
}

func TestReconciler_RepeatedCyclesAreStable(t *testing.T) {
	conn := activeConn(model.StateAwaitingScan)
	repo := storagemock.NewMemoryConnectionRepo(conn)
	gateway := new(providermock.ClientMock)
	recon := newTestReconciler(t, repo, gateway)

	gateway.On("ListInstances", mock.Anything).Return([]provider.InstanceSummary{
		{ExternalID: conn.ExternalInstanceID},
	}, nil)
	gateway.On("GetConnectivity", mock.Anything, conn.ExternalInstanceID).
		Return(&provider.Connectivity{State: provider.SessionOpen}, nil)

	// An unchanged gateway view must converge once and then hold steady.
	for i := 0; i < 3; i++ {
		require.NoError(t, recon.RunCycle(context.Background()))
		stored, err := repo.FindByID(context.Background(), conn.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StateConnected, stored.State)
	}
}

func TestReconciler_TimeoutsDemoteAfterThreshold(t *testing.T) {
	conn := activeConn(model.StateConnected)
	repo := storagemock.NewMemoryConnectionRepo(conn)
	gateway := new(providermock.ClientMock)
	recon := newTestReconciler(t, repo, gateway)

	gateway.On("ListInstances", mock.Anything).Return([]provider.InstanceSummary{
		{ExternalID: conn.ExternalInstanceID},
	}, nil)
	gateway.On("GetConnectivity", mock.Anything, conn.ExternalInstanceID).
		Return(nil, apperrors.ErrProviderUnreachable)

	// Two timeouts tolerated, state held.
	for i := 1; i < testReconCfg.TimeoutsBeforeStateLoss; i++ {
		require.NoError(t, recon.RunCycle(context.Background()))
		stored, err := repo.FindByID(context.Background(), conn.ID)
		require.NoError(t, err)
		assert.Equal(t, i, stored.ConsecutiveTimeouts)
		assert.Equal(t, model.StateConnected, stored.State)
	}

	// Third consecutive timeout demotes.
	require.NoError(t, recon.RunCycle(context.Background()))
	stored, err := repo.FindByID(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateDisconnected, stored.State)
	assert.False(t, stored.RotationEligible)
}

func TestReconciler_SkipsCycleWhenListingFails(t *testing.T) {
	conn := activeConn(model.StateConnected)
	repo := storagemock.NewMemoryConnectionRepo(conn)
	gateway := new(providermock.ClientMock)
	recon := newTestReconciler(t, repo, gateway)

	gateway.On("ListInstances", mock.Anything).Return(nil, apperrors.ErrProviderUnreachable)

	err := recon.RunCycle(context.Background())
	require.Error(t, err)

	// No missing cycles counted; nothing can be judged without a listing.
	stored, findErr := repo.FindByID(context.Background(), conn.ID)
	require.NoError(t, findErr)
	assert.Equal(t, 0, stored.MissingCycles)
	assert.Equal(t, model.StateConnected, stored.State)
}

func TestPruner_PruneOnce(t *testing.T) {
	records := storagemock.NewMemoryInboundRecordRepo()
	ctx := context.Background()

	old := model.NewInboundRecord(nil)
	old.ProcessedAt = utils.Now().AddDate(0, 0, -20)
	require.NoError(t, records.Record(ctx, *old))
	fresh := model.NewInboundRecord(nil)
	require.NoError(t, records.Record(ctx, *fresh))

	pruner := NewPruner(records, 14, time.Hour, zaptest.NewLogger(t))
	pruner.PruneOnce(ctx)

	assert.Equal(t, 1, records.Len(), "only the stale marker is pruned")
}
