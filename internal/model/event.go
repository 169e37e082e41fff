package model

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// ConnectionEventKind enumerates the lifecycle events the registry emits.
type ConnectionEventKind string

const (
	EventConnectionCreated ConnectionEventKind = "created"
	EventConnectionAdopted ConnectionEventKind = "adopted"
	EventStatusChanged     ConnectionEventKind = "status_changed"
	EventConnectionClosed  ConnectionEventKind = "closed"
	EventQuotaExhausted    ConnectionEventKind = "quota_exhausted"
)

// ConnectionEvent is the typed lifecycle event published to the event stream
// and fanned out to in-process subscribers. Internal components never branch
// on raw payload shape; this is the only event type that crosses package
// boundaries.
type ConnectionEvent struct {
	EventID            string              `json:"event_id"`
	Kind               ConnectionEventKind `json:"kind"`
	TenantID           string              `json:"tenant_id"`
	ConnectionID       string              `json:"connection_id"`
	ExternalInstanceID string              `json:"external_instance_id,omitempty"`
	PreviousState      ConnectionState     `json:"previous_state,omitempty"`
	NewState           ConnectionState     `json:"new_state,omitempty"`
	OccurredAt         time.Time           `json:"occurred_at"`
	Detail             datatypes.JSON      `json:"detail,omitempty"`
}

// Subject builds the NATS subject for this event under the given prefix,
// e.g. v1.connections.<tenant>.<kind>.
func (e ConnectionEvent) Subject(prefix string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, e.TenantID, e.Kind)
}
