package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/ticketing"
)

// ClientMock mocks the ticketing.Client interface
type ClientMock struct {
	mock.Mock
}

// FindOpenTicket mocks the FindOpenTicket method
func (m *ClientMock) FindOpenTicket(ctx context.Context, tenantID, phone string) (string, error) {
	args := m.Called(ctx, tenantID, phone)
	return args.String(0), args.Error(1)
}

// CreateTicket mocks the CreateTicket method
func (m *ClientMock) CreateTicket(ctx context.Context, tenantID, phone, queue string) (string, error) {
	args := m.Called(ctx, tenantID, phone, queue)
	return args.String(0), args.Error(1)
}

// AppendMessage mocks the AppendMessage method
func (m *ClientMock) AppendMessage(ctx context.Context, ticketID string, direction ticketing.Direction, text, externalMessageID string) error {
	args := m.Called(ctx, ticketID, direction, text, externalMessageID)
	return args.Error(0)
}
