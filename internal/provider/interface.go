package provider

import (
	"context"
)

// Client is the boundary to the external messaging gateway. Every call
// carries a timeout through its context and returns errors classified into
// apperrors.ErrProviderNotFound (confirmed gone, safe to purge) or
// apperrors.ErrProviderUnreachable (must not purge). Raw transport errors
// never escape this package.
type Client interface {
	// ListInstances returns the gateway's current view of all instances.
	ListInstances(ctx context.Context) ([]InstanceSummary, error)
	// CreateInstance provisions a new instance and returns its credentials.
	CreateInstance(ctx context.Context, name string) (*InstanceCredentials, error)
	// GetQRCode returns the current pairing QR code, or nil when the gateway
	// has none to offer (already paired, or not ready yet).
	GetQRCode(ctx context.Context, externalID string) ([]byte, error)
	// GetConnectivity returns the instance's session state and, once paired,
	// its phone number.
	GetConnectivity(ctx context.Context, externalID string) (*Connectivity, error)
	// FetchRecentMessages returns up to limit recent messages. The result is
	// not a strict stream; callers must dedup and tolerate reordering.
	FetchRecentMessages(ctx context.Context, externalID string, limit int) ([]InboundMessage, error)
	// SendMessage delivers text to remoteID through the instance.
	SendMessage(ctx context.Context, externalID, remoteID, text string) (*SendReceipt, error)
	// DeleteInstance tears the instance down on the gateway.
	DeleteInstance(ctx context.Context, externalID string) error
	// RestartInstance asks the gateway to restart the instance's session.
	RestartInstance(ctx context.Context, externalID string) error
}
