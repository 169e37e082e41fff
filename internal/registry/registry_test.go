package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/config"
	eventsmock "gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/events/mock"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/provider"
	providermock "gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/provider/mock"
	storagemock "gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/storage/mock"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/utils"
)

var testQuota = config.QuotaDefaults{MaxReceived: 1000, MaxSent: 300}

func testContext(t *testing.T) context.Context {
	return logger.WithLogger(context.Background(), zaptest.NewLogger(t))
}

func newTestRegistry(repo *storagemock.ConnectionRepoMock, gateway *providermock.ClientMock, publisher *eventsmock.PublisherMock) *Registry {
	return New(repo, gateway, publisher, testQuota, "tenant-default")
}

func TestRegistry_Create(t *testing.T) {
	repo := new(storagemock.ConnectionRepoMock)
	gateway := new(providermock.ClientMock)
	publisher := new(eventsmock.PublisherMock)
	reg := newTestRegistry(repo, gateway, publisher)
	ctx := testContext(t)

	gateway.On("CreateInstance", mock.Anything, "support line").
		Return(&provider.InstanceCredentials{ExternalID: "inst-1", SessionToken: "tok-1"}, nil)
	repo.On("Save", mock.Anything, mock.MatchedBy(func(c model.Connection) bool {
		return c.TenantID == "tenant-1" &&
			c.ExternalInstanceID == "inst-1" &&
			c.State == model.StateAwaitingScan &&
			c.Queue == "vip" &&
			c.QuotaMaxSent == testQuota.MaxSent &&
			!c.RotationEligible
	})).Return(nil)
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e model.ConnectionEvent) bool {
		return e.Kind == model.EventConnectionCreated && e.TenantID == "tenant-1"
	})).Return(nil)

	conn, err := reg.Create(ctx, "tenant-1", "support line", "vip")
	require.NoError(t, err)
	assert.Equal(t, model.StateAwaitingScan, conn.State)
	assert.Equal(t, "tok-1", conn.ExternalSessionToken)
	assert.True(t, utils.SameUTCDate(conn.WindowStartDate, utils.Now()))

	repo.AssertExpectations(t)
	gateway.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestRegistry_Create_RequiresTenant(t *testing.T) {
	reg := newTestRegistry(new(storagemock.ConnectionRepoMock), new(providermock.ClientMock), new(eventsmock.PublisherMock))

	_, err := reg.Create(testContext(t), "", "name", "")
	assert.True(t, apperrors.IsBadRequestError(err))
}

func TestRegistry_Create_TearsDownInstanceOnSaveFailure(t *testing.T) {
	repo := new(storagemock.ConnectionRepoMock)
	gateway := new(providermock.ClientMock)
	publisher := new(eventsmock.PublisherMock)
	reg := newTestRegistry(repo, gateway, publisher)

	gateway.On("CreateInstance", mock.Anything, "name").
		Return(&provider.InstanceCredentials{ExternalID: "inst-9", SessionToken: "tok"}, nil)
	repo.On("Save", mock.Anything, mock.Anything).Return(errors.New("db down"))
	gateway.On("DeleteInstance", mock.Anything, "inst-9").Return(nil)

	_, err := reg.Create(testContext(t), "tenant-1", "name", "")
	require.Error(t, err)

	gateway.AssertCalled(t, "DeleteInstance", mock.Anything, "inst-9")
	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestRegistry_Transition_AppliesFreshEvidence(t *testing.T) {
	conn := model.NewConnection(&model.Connection{
		State:            model.StateAwaitingScan,
		LastTransitionAt: utils.Now().Add(-time.Minute),
	})
	repo := new(storagemock.ConnectionRepoMock)
	gateway := new(providermock.ClientMock)
	publisher := new(eventsmock.PublisherMock)
	reg := newTestRegistry(repo, gateway, publisher)

	repo.On("FindByID", mock.Anything, conn.ID).Return(conn, nil)
	repo.On("UpdateFieldsIfFresh", mock.Anything, conn.ID, mock.Anything, mock.MatchedBy(func(f map[string]interface{}) bool {
		return f["state"] == model.StateConnected && f["rotation_eligible"] == true
	})).Return(nil)
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e model.ConnectionEvent) bool {
		return e.Kind == model.EventStatusChanged &&
			e.PreviousState == model.StateAwaitingScan &&
			e.NewState == model.StateConnected
	})).Return(nil)

	observedAt := utils.Now()
	updated, err := reg.Transition(testContext(t), TransitionRequest{
		ConnectionID: conn.ID,
		Target:       model.StateConnected,
		ObservedAt:   observedAt,
		Origin:       "reconciler",
		PhoneNumber:  "5511999990000",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateConnected, updated.State)
	assert.True(t, updated.RotationEligible)
	assert.Equal(t, "5511999990000", updated.PhoneNumber)
	assert.Equal(t, observedAt, updated.LastTransitionAt)

	repo.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestRegistry_Transition_RejectsStaleEvidence(t *testing.T) {
	conn := model.NewConnection(&model.Connection{
		State:            model.StateConnected,
		LastTransitionAt: utils.Now(),
	})
	repo := new(storagemock.ConnectionRepoMock)
	reg := newTestRegistry(repo, new(providermock.ClientMock), new(eventsmock.PublisherMock))

	repo.On("FindByID", mock.Anything, conn.ID).Return(conn, nil)

	// Evidence gathered before the last applied transition must lose.
	_, err := reg.Transition(testContext(t), TransitionRequest{
		ConnectionID: conn.ID,
		Target:       model.StateDisconnected,
		ObservedAt:   utils.Now().Add(-time.Hour),
		Origin:       "reconciler",
	})
	assert.True(t, apperrors.IsStateConflictError(err))
	repo.AssertNotCalled(t, "UpdateFieldsIfFresh", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRegistry_Transition_ConcurrentFresherWriteWins(t *testing.T) {
	conn := model.NewConnection(&model.Connection{
		State:            model.StateConnected,
		LastTransitionAt: utils.Now().Add(-time.Minute),
	})
	repo := new(storagemock.ConnectionRepoMock)
	publisher := new(eventsmock.PublisherMock)
	reg := newTestRegistry(repo, new(providermock.ClientMock), publisher)

	// The read passes the staleness check, but a fresher transition lands
	// before the write commits; the guarded update reports the conflict.
	repo.On("FindByID", mock.Anything, conn.ID).Return(conn, nil)
	repo.On("UpdateFieldsIfFresh", mock.Anything, conn.ID, mock.Anything, mock.Anything).
		Return(apperrors.NewStateConflict(string(conn.State), "transition"))

	_, err := reg.Transition(testContext(t), TransitionRequest{
		ConnectionID: conn.ID,
		Target:       model.StateDisconnected,
		ObservedAt:   utils.Now(),
		Origin:       "reconciler",
	})
	assert.True(t, apperrors.IsStateConflictError(err))
	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestRegistry_Transition_RejectsInvalidEdge(t *testing.T) {
	conn := model.NewConnection(&model.Connection{
		State:            model.StateClosed,
		LastTransitionAt: utils.Now().Add(-time.Hour),
	})
	repo := new(storagemock.ConnectionRepoMock)
	reg := newTestRegistry(repo, new(providermock.ClientMock), new(eventsmock.PublisherMock))

	repo.On("FindByID", mock.Anything, conn.ID).Return(conn, nil)

	_, err := reg.Transition(testContext(t), TransitionRequest{
		ConnectionID: conn.ID,
		Target:       model.StateConnected,
		ObservedAt:   utils.Now(),
	})
	assert.True(t, apperrors.IsStateConflictError(err))
}

func TestRegistry_Transition_SameStateRefreshesLiveness(t *testing.T) {
	conn := model.NewConnection(&model.Connection{
		State:            model.StateConnected,
		LastTransitionAt: utils.Now().Add(-time.Minute),
	})
	conn.ConsecutiveTimeouts = 2
	repo := new(storagemock.ConnectionRepoMock)
	publisher := new(eventsmock.PublisherMock)
	reg := newTestRegistry(repo, new(providermock.ClientMock), publisher)

	repo.On("FindByID", mock.Anything, conn.ID).Return(conn, nil)
	repo.On("UpdateFields", mock.Anything, conn.ID, mock.MatchedBy(func(f map[string]interface{}) bool {
		_, hasState := f["state"]
		return !hasState && f["consecutive_timeouts"] == 0 && f["missing_cycles"] == 0
	})).Return(nil)

	updated, err := reg.Transition(testContext(t), TransitionRequest{
		ConnectionID: conn.ID,
		Target:       model.StateConnected,
		ObservedAt:   utils.Now(),
		Origin:       "reconciler",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, updated.ConsecutiveTimeouts)
	// No state change, no event.
	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestRegistry_Teardown_ClosesEvenWhenGatewayFails(t *testing.T) {
	conn := model.NewConnection(&model.Connection{
		State:            model.StateConnected,
		LastTransitionAt: utils.Now().Add(-time.Minute),
	})
	repo := new(storagemock.ConnectionRepoMock)
	gateway := new(providermock.ClientMock)
	publisher := new(eventsmock.PublisherMock)
	reg := newTestRegistry(repo, gateway, publisher)

	repo.On("FindByID", mock.Anything, conn.ID).Return(conn, nil)
	gateway.On("DeleteInstance", mock.Anything, conn.ExternalInstanceID).
		Return(apperrors.ErrProviderUnreachable)
	repo.On("UpdateFieldsIfFresh", mock.Anything, conn.ID, mock.Anything, mock.MatchedBy(func(f map[string]interface{}) bool {
		return f["state"] == model.StateClosed
	})).Return(nil)
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e model.ConnectionEvent) bool {
		return e.Kind == model.EventConnectionClosed
	})).Return(nil)

	err := reg.Teardown(testContext(t), conn.ID)
	require.NoError(t, err)

	repo.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestRegistry_Adopt(t *testing.T) {
	repo := new(storagemock.ConnectionRepoMock)
	publisher := new(eventsmock.PublisherMock)
	reg := newTestRegistry(repo, new(providermock.ClientMock), publisher)

	repo.On("Save", mock.Anything, mock.MatchedBy(func(c model.Connection) bool {
		return c.TenantID == "tenant-default" &&
			c.NeedsOwnerAssignment &&
			c.State == model.StateConnected &&
			c.RotationEligible
	})).Return(nil)
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e model.ConnectionEvent) bool {
		return e.Kind == model.EventConnectionAdopted
	})).Return(nil)

	conn, err := reg.Adopt(testContext(t), provider.InstanceSummary{
		ExternalID: "inst-wild",
		Name:       "found-in-the-wild",
		State:      provider.SessionOpen,
	})
	require.NoError(t, err)
	assert.Equal(t, "tenant-default", conn.TenantID)
	assert.True(t, conn.NeedsOwnerAssignment)

	repo.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestRegistry_AssignOwner(t *testing.T) {
	conn := model.NewConnection(&model.Connection{NeedsOwnerAssignment: true})
	repo := new(storagemock.ConnectionRepoMock)
	reg := newTestRegistry(repo, new(providermock.ClientMock), new(eventsmock.PublisherMock))

	repo.On("FindByID", mock.Anything, conn.ID).Return(conn, nil)
	repo.On("UpdateFields", mock.Anything, conn.ID, mock.MatchedBy(func(f map[string]interface{}) bool {
		return f["tenant_id"] == "tenant-7" && f["needs_owner_assignment"] == false
	})).Return(nil)

	require.NoError(t, reg.AssignOwner(testContext(t), conn.ID, "tenant-7"))
	repo.AssertExpectations(t)
}

func TestRegistry_AssignOwner_RejectsOwnedConnection(t *testing.T) {
	conn := model.NewConnection(nil)
	repo := new(storagemock.ConnectionRepoMock)
	reg := newTestRegistry(repo, new(providermock.ClientMock), new(eventsmock.PublisherMock))

	repo.On("FindByID", mock.Anything, conn.ID).Return(conn, nil)

	err := reg.AssignOwner(testContext(t), conn.ID, "tenant-7")
	assert.True(t, apperrors.IsStateConflictError(err))
}
