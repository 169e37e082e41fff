package ticketing

import (
	"context"
)

// Direction distinguishes inbound and outbound ticket messages.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Client is the boundary to the support-ticketing backend. Tickets and their
// messages are stored there; this service only resolves, creates and appends.
type Client interface {
	// FindOpenTicket returns the id of the open ticket for (tenant, phone),
	// or "" when none exists.
	FindOpenTicket(ctx context.Context, tenantID, phone string) (string, error)
	// CreateTicket opens a new ticket for (tenant, phone) in the given queue
	// and returns its id.
	CreateTicket(ctx context.Context, tenantID, phone, queue string) (string, error)
	// AppendMessage appends one message to a ticket. externalMessageID is
	// stored for traceability, not uniqueness; idempotency is this service's
	// responsibility.
	AppendMessage(ctx context.Context, ticketID string, direction Direction, text, externalMessageID string) error
}
