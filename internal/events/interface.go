package events

import (
	"context"

	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/model"
)

// Publisher emits connection lifecycle events for downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event model.ConnectionEvent) error
	Close()
}

// NoopPublisher discards every event. Used when NATS is not configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(_ context.Context, _ model.ConnectionEvent) error { return nil }
func (NoopPublisher) Close()                                                   {}
