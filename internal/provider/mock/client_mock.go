package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/provider"
)

// ClientMock mocks the provider.Client interface
type ClientMock struct {
	mock.Mock
}

// ListInstances mocks the ListInstances method
func (m *ClientMock) ListInstances(ctx context.Context) ([]provider.InstanceSummary, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]provider.InstanceSummary), args.Error(1)
}

// CreateInstance mocks the CreateInstance method
func (m *ClientMock) CreateInstance(ctx context.Context, name string) (*provider.InstanceCredentials, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.InstanceCredentials), args.Error(1)
}

// GetQRCode mocks the GetQRCode method
func (m *ClientMock) GetQRCode(ctx context.Context, externalID string) ([]byte, error) {
	args := m.Called(ctx, externalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

// GetConnectivity mocks the GetConnectivity method
func (m *ClientMock) GetConnectivity(ctx context.Context, externalID string) (*provider.Connectivity, error) {
	args := m.Called(ctx, externalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.Connectivity), args.Error(1)
}

// FetchRecentMessages mocks the FetchRecentMessages method
func (m *ClientMock) FetchRecentMessages(ctx context.Context, externalID string, limit int) ([]provider.InboundMessage, error) {
	args := m.Called(ctx, externalID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]provider.InboundMessage), args.Error(1)
}

// SendMessage mocks the SendMessage method
func (m *ClientMock) SendMessage(ctx context.Context, externalID, remoteID, text string) (*provider.SendReceipt, error) {
	args := m.Called(ctx, externalID, remoteID, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.SendReceipt), args.Error(1)
}

// DeleteInstance mocks the DeleteInstance method
func (m *ClientMock) DeleteInstance(ctx context.Context, externalID string) error {
	args := m.Called(ctx, externalID)
	return args.Error(0)
}

// RestartInstance mocks the RestartInstance method
func (m *ClientMock) RestartInstance(ctx context.Context, externalID string) error {
	args := m.Called(ctx, externalID)
	return args.Error(0)
}
