package mock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/model"
)

// ConnectionRepoMock provides a mock implementation of storage.ConnectionRepo.
type ConnectionRepoMock struct {
	mock.Mock
}

func (m *ConnectionRepoMock) Save(ctx context.Context, conn model.Connection) error {
	args := m.Called(ctx, conn)
	return args.Error(0)
}

func (m *ConnectionRepoMock) Update(ctx context.Context, conn model.Connection) error {
	args := m.Called(ctx, conn)
	return args.Error(0)
}

func (m *ConnectionRepoMock) UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error {
	args := m.Called(ctx, id, fields)
	return args.Error(0)
}

func (m *ConnectionRepoMock) UpdateFieldsIfFresh(ctx context.Context, id string, observedAt time.Time, fields map[string]interface{}) error {
	args := m.Called(ctx, id, observedAt, fields)
	return args.Error(0)
}

func (m *ConnectionRepoMock) FindByID(ctx context.Context, id string) (*model.Connection, error) {
	args := m.Called(ctx, id)
	var conn *model.Connection
	if args.Get(0) != nil {
		conn = args.Get(0).(*model.Connection)
	}
	return conn, args.Error(1)
}

func (m *ConnectionRepoMock) FindByExternalID(ctx context.Context, externalID string) (*model.Connection, error) {
	args := m.Called(ctx, externalID)
	var conn *model.Connection
	if args.Get(0) != nil {
		conn = args.Get(0).(*model.Connection)
	}
	return conn, args.Error(1)
}

func (m *ConnectionRepoMock) FindActive(ctx context.Context) ([]model.Connection, error) {
	args := m.Called(ctx)
	var conns []model.Connection
	if args.Get(0) != nil {
		conns = args.Get(0).([]model.Connection)
	}
	return conns, args.Error(1)
}

func (m *ConnectionRepoMock) FindByTenant(ctx context.Context, tenantID string) ([]model.Connection, error) {
	args := m.Called(ctx, tenantID)
	var conns []model.Connection
	if args.Get(0) != nil {
		conns = args.Get(0).([]model.Connection)
	}
	return conns, args.Error(1)
}

func (m *ConnectionRepoMock) FindByState(ctx context.Context, state model.ConnectionState) ([]model.Connection, error) {
	args := m.Called(ctx, state)
	var conns []model.Connection
	if args.Get(0) != nil {
		conns = args.Get(0).([]model.Connection)
	}
	return conns, args.Error(1)
}

func (m *ConnectionRepoMock) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *ConnectionRepoMock) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// InboundRecordRepoMock provides a mock implementation of storage.InboundRecordRepo.
type InboundRecordRepoMock struct {
	mock.Mock
}

func (m *InboundRecordRepoMock) Record(ctx context.Context, rec model.InboundMessageRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *InboundRecordRepoMock) Exists(ctx context.Context, connectionID, externalMessageID string) (bool, error) {
	args := m.Called(ctx, connectionID, externalMessageID)
	return args.Bool(0), args.Error(1)
}

func (m *InboundRecordRepoMock) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *InboundRecordRepoMock) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
