package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionState_Valid(t *testing.T) {
	valid := []ConnectionState{
		StateProvisioning,
		StateAwaitingScan,
		StateConnected,
		StateDisconnected,
		StateClosed,
	}
	for _, s := range valid {
		assert.True(t, s.Valid(), "state %s should be valid", s)
	}

	assert.False(t, ConnectionState("unknown").Valid())
	assert.False(t, ConnectionState("").Valid())
}

func TestConnectionState_Terminal(t *testing.T) {
	assert.True(t, StateClosed.Terminal())
	assert.False(t, StateProvisioning.Terminal())
	assert.False(t, StateAwaitingScan.Terminal())
	assert.False(t, StateConnected.Terminal())
	assert.False(t, StateDisconnected.Terminal())
}

func TestConnectionState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name    string
		from    ConnectionState
		to      ConnectionState
		allowed bool
	}{
		{"provisioning to awaiting scan", StateProvisioning, StateAwaitingScan, true},
		{"provisioning straight to connected", StateProvisioning, StateConnected, true},
		{"awaiting scan to connected", StateAwaitingScan, StateConnected, true},
		{"connected to disconnected", StateConnected, StateDisconnected, true},
		{"connected back to awaiting scan", StateConnected, StateAwaitingScan, true},
		{"disconnected to connected", StateDisconnected, StateConnected, true},
		{"any to closed", StateDisconnected, StateClosed, true},
		{"closed is terminal", StateClosed, StateConnected, false},
		{"closed stays closed", StateClosed, StateClosed, false},
		{"nothing re-enters provisioning", StateConnected, StateProvisioning, false},
		{"disconnected cannot re-provision", StateDisconnected, StateProvisioning, false},
		{"self edge is not a transition", StateConnected, StateConnected, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestConnection_Active(t *testing.T) {
	conn := NewConnection()
	conn.State = StateConnected
	assert.True(t, conn.Active())

	conn.State = StateClosed
	assert.False(t, conn.Active())
}

func TestConnectionEvent_Subject(t *testing.T) {
	event := ConnectionEvent{
		Kind:     EventStatusChanged,
		TenantID: "tenant-1",
	}
	assert.Equal(t, "v1.connections.tenant-1.status_changed", event.Subject("v1.connections"))
}
