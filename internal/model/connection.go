package model

import (
	"time"

	"gorm.io/datatypes"
)

// ConnectionState is the lifecycle state of a messaging connection.
type ConnectionState string

const (
	// StateProvisioning means the gateway instance was requested but the
	// session has not produced a QR code yet.
	StateProvisioning ConnectionState = "provisioning"
	// StateAwaitingScan means a QR code is available and waiting to be paired.
	StateAwaitingScan ConnectionState = "awaiting_scan"
	// StateConnected means the session is live and can send/receive.
	StateConnected ConnectionState = "connected"
	// StateDisconnected means the gateway reported session loss.
	StateDisconnected ConnectionState = "disconnected"
	// StateClosed is terminal. Closed connections never leave this state.
	StateClosed ConnectionState = "closed"
)

// allowedTransitions lists the valid outgoing edges per state. The gateway is
// eventually consistent, so every non-terminal state can move directly to any
// observed live state; only Closed is a dead end and nothing re-enters
// Provisioning.
var allowedTransitions = map[ConnectionState]map[ConnectionState]bool{
	StateProvisioning: {StateAwaitingScan: true, StateConnected: true, StateDisconnected: true, StateClosed: true},
	StateAwaitingScan: {StateConnected: true, StateDisconnected: true, StateClosed: true},
	StateConnected:    {StateAwaitingScan: true, StateDisconnected: true, StateClosed: true},
	StateDisconnected: {StateAwaitingScan: true, StateConnected: true, StateClosed: true},
	StateClosed:       {},
}

// Valid reports whether s is a known state.
func (s ConnectionState) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// Terminal reports whether s has no outgoing edges.
func (s ConnectionState) Terminal() bool {
	return len(allowedTransitions[s]) == 0
}

// CanTransitionTo reports whether the edge s -> next is allowed.
func (s ConnectionState) CanTransitionTo(next ConnectionState) bool {
	return allowedTransitions[s][next]
}

// Connection represents the connections table: one messaging account bound to
// a tenant, with its lifecycle state and quota window.
type Connection struct {
	// ID is the connection's uuid primary key.
	ID string `json:"id" gorm:"column:id;primaryKey" validate:"required"`
	// TenantID identifies the tenant owning this connection.
	TenantID string `json:"tenant_id" gorm:"column:tenant_id;index" validate:"required"`
	// ExternalInstanceID is the gateway's identifier for the instance. Globally unique.
	ExternalInstanceID string `json:"external_instance_id" gorm:"column:external_instance_id;uniqueIndex" validate:"required"`
	// DisplayName is a user-defined label for the connection.
	DisplayName string `json:"display_name,omitempty" gorm:"column:display_name"`
	// Queue routes inbound tickets from this connection. Empty means the
	// tenant's default queue.
	Queue string `json:"queue,omitempty" gorm:"column:queue"`
	// State is the current lifecycle state.
	State ConnectionState `json:"state" gorm:"column:state"`
	// ExternalSessionToken is the opaque token the gateway issued at instance creation.
	ExternalSessionToken string `json:"-" gorm:"column:external_session_token"`
	// PhoneNumber is empty until the pairing handshake reveals it.
	PhoneNumber string `json:"phone_number,omitempty" gorm:"column:phone_number"`
	// NeedsOwnerAssignment marks connections adopted from the gateway that an
	// admin still has to assign to a real tenant.
	NeedsOwnerAssignment bool `json:"needs_owner_assignment" gorm:"column:needs_owner_assignment"`

	// RotationOrder is the admin-assigned outbound priority, lower first.
	RotationOrder int `json:"rotation_order" gorm:"column:rotation_order"`
	// RotationEligible gates participation in outbound rotation. Forced false
	// whenever State != Connected.
	RotationEligible bool `json:"rotation_eligible" gorm:"column:rotation_eligible"`

	// Quota window. Counters reset exactly once when the UTC date advances.
	QuotaMaxReceived int       `json:"quota_max_received" gorm:"column:quota_max_received"`
	QuotaMaxSent     int       `json:"quota_max_sent" gorm:"column:quota_max_sent"`
	ReceivedCount    int       `json:"received_count" gorm:"column:received_count"`
	SentCount        int       `json:"sent_count" gorm:"column:sent_count"`
	WindowStartDate  time.Time `json:"window_start_utc_date" gorm:"column:window_start_utc_date"`
	// QuotaExceededReceived flags receive-side overflow for operators.
	// Inbound traffic is never dropped for capacity reasons.
	QuotaExceededReceived bool `json:"quota_exceeded_received" gorm:"column:quota_exceeded_received"`

	// LastSeenAt is the last instant any component observed the connection alive.
	LastSeenAt *time.Time `json:"last_seen_at,omitempty" gorm:"column:last_seen_at"`
	// LastUsedAt is the last outbound send through this connection (rotation LRU tiebreak).
	LastUsedAt *time.Time `json:"last_used_at,omitempty" gorm:"column:last_used_at"`
	// LastTransitionAt is the evidence time of the last accepted state
	// transition. Staler evidence is rejected.
	LastTransitionAt time.Time `json:"last_transition_at" gorm:"column:last_transition_at"`
	// LastError holds the most recent classified failure for operators.
	LastError string `json:"last_error,omitempty" gorm:"column:last_error"`

	// MissingCycles counts consecutive reconciliation cycles in which the
	// gateway did not report this instance.
	MissingCycles int `json:"-" gorm:"column:missing_cycles"`
	// ConsecutiveTimeouts counts consecutive connectivity probe timeouts.
	ConsecutiveTimeouts int `json:"-" gorm:"column:consecutive_timeouts"`

	LastMetadata datatypes.JSON `json:"last_metadata,omitempty" gorm:"type:jsonb;column:last_metadata"`
	CreatedAt    time.Time      `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time      `json:"updated_at,omitempty" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (Connection) TableName() string {
	return "connections"
}

// Active reports whether the connection still participates in reconciliation
// and ingestion.
func (c *Connection) Active() bool {
	return c.State != StateClosed
}

// ConnectionUpdateColumns returns the column names that are allowed to change
// during an upsert. Excludes id, tenant_id, external_instance_id, created_at.
func ConnectionUpdateColumns() []string {
	return []string{
		"display_name",
		"queue",
		"state",
		"external_session_token",
		"phone_number",
		"needs_owner_assignment",
		"rotation_order",
		"rotation_eligible",
		"quota_max_received",
		"quota_max_sent",
		"received_count",
		"sent_count",
		"window_start_utc_date",
		"quota_exceeded_received",
		"last_seen_at",
		"last_used_at",
		"last_transition_at",
		"last_error",
		"missing_cycles",
		"consecutive_timeouts",
		"last_metadata",
		"updated_at",
	}
}
