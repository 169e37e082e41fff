// Package orchestrator is the operator-facing surface of the fleet manager.
// Every operation returns a uniform Result envelope; callers branch on the
// error kind string, never on raw error text.
package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/provider"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/registry"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/rotation"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/utils"
)

// Result is the uniform response envelope for every orchestrator operation.
type Result struct {
	OK        bool        `json:"ok"`
	Data      interface{} `json:"data,omitempty"`
	ErrorKind string      `json:"error_kind,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// SendResult reports which connection carried an outbound message.
type SendResult struct {
	ConnectionID      string `json:"connection_id"`
	ProviderMessageID string `json:"provider_message_id"`
}

// QRResult wraps a pairing code payload. Empty when the gateway has no code
// to offer right now.
type QRResult struct {
	QRCode []byte `json:"qr_code,omitempty"`
}

// Orchestrator coordinates registry, rotation and the gateway for operator
// requests.
type Orchestrator struct {
	registry *registry.Registry
	selector *rotation.Selector
	gateway  provider.Client
	// sendRetries bounds how many distinct connections one send may try.
	sendRetries int
}

// New creates an orchestrator.
func New(reg *registry.Registry, selector *rotation.Selector, gateway provider.Client, sendRetries int) *Orchestrator {
	if sendRetries < 0 {
		sendRetries = 0
	}
	return &Orchestrator{
		registry:    reg,
		selector:    selector,
		gateway:     gateway,
		sendRetries: sendRetries,
	}
}

func ok(data interface{}) Result {
	return Result{OK: true, Data: data}
}

func fail(err error) Result {
	return Result{OK: false, ErrorKind: apperrors.Kind(err), Message: err.Error()}
}

// CreateConnection provisions a new gateway instance for a tenant. An empty
// queue leaves inbound tickets on the tenant's default queue.
func (o *Orchestrator) CreateConnection(ctx context.Context, tenantID, displayName, queue string) Result {
	conn, err := o.registry.Create(ctx, tenantID, displayName, queue)
	if err != nil {
		return fail(err)
	}
	return ok(conn)
}

// DeleteConnection tears down a connection. The record reaches Closed even
// when the gateway delete fails.
func (o *Orchestrator) DeleteConnection(ctx context.Context, connectionID string) Result {
	if err := o.registry.Teardown(ctx, connectionID); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// GetConnection returns one connection.
func (o *Orchestrator) GetConnection(ctx context.Context, connectionID string) Result {
	conn, err := o.registry.Get(ctx, connectionID)
	if err != nil {
		return fail(err)
	}
	return ok(conn)
}

// ListConnections returns a tenant's non-Closed connections.
func (o *Orchestrator) ListConnections(ctx context.Context, tenantID string) Result {
	conns, err := o.registry.ListByTenant(ctx, tenantID)
	if err != nil {
		return fail(err)
	}
	return ok(conns)
}

// RefreshQR fetches the current pairing code for a connection awaiting scan.
func (o *Orchestrator) RefreshQR(ctx context.Context, connectionID string) Result {
	conn, err := o.registry.Get(ctx, connectionID)
	if err != nil {
		return fail(err)
	}
	if conn.State.Terminal() {
		return fail(apperrors.NewStateConflict(string(conn.State), "refresh_qr"))
	}

	code, err := o.gateway.GetQRCode(ctx, conn.ExternalInstanceID)
	if err != nil {
		return fail(err)
	}
	return ok(QRResult{QRCode: code})
}

// RestartSession asks the gateway to restart a connection's session. On
// success the connection drops back to AwaitingScan until the session comes
// up again.
func (o *Orchestrator) RestartSession(ctx context.Context, connectionID string) Result {
	conn, err := o.registry.Get(ctx, connectionID)
	if err != nil {
		return fail(err)
	}
	if conn.State.Terminal() {
		return fail(apperrors.NewStateConflict(string(conn.State), "restart_session"))
	}

	if err := o.gateway.RestartInstance(ctx, conn.ExternalInstanceID); err != nil {
		return fail(err)
	}

	if _, err := o.registry.Transition(ctx, registry.TransitionRequest{
		ConnectionID: connectionID,
		Target:       model.StateAwaitingScan,
		ObservedAt:   utils.Now(),
		Origin:       "api",
	}); err != nil && !apperrors.IsStateConflictError(err) {
		return fail(err)
	}
	return ok(nil)
}

// AssignOwner moves an adopted connection to its real tenant.
func (o *Orchestrator) AssignOwner(ctx context.Context, connectionID, tenantID string) Result {
	if err := o.registry.AssignOwner(ctx, connectionID, tenantID); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// Send delivers text to remoteID through the tenant's rotation. When a
// picked connection turns out unreachable, the next eligible connection is
// tried, up to the configured retry budget. Quota consumed by a failed
// attempt is not refunded; the send was genuinely attempted.
func (o *Orchestrator) Send(ctx context.Context, tenantID, remoteID, text string) Result {
	log := logger.FromContext(ctx)

	var lastErr error
	attempts := o.sendRetries + 1
	tried := make(map[string]struct{}, attempts)
	for i := 0; i < attempts; i++ {
		conn, err := o.selector.Pick(ctx, tenantID, tried)
		if err != nil {
			if lastErr != nil && apperrors.IsNoCapacityError(err) {
				// The rotation ran dry while retrying; surface the delivery
				// failure, not the exhaustion it caused.
				return fail(lastErr)
			}
			return fail(err)
		}

		receipt, err := o.gateway.SendMessage(ctx, conn.ExternalInstanceID, remoteID, text)
		if err == nil {
			return ok(SendResult{
				ConnectionID:      conn.ID,
				ProviderMessageID: receipt.ProviderMessageID,
			})
		}

		lastErr = err
		tried[conn.ID] = struct{}{}
		if !apperrors.IsProviderUnreachableError(err) && !apperrors.IsProviderNotFoundError(err) {
			return fail(err)
		}
		log.Warn("Send failed, rotating to next connection",
			zap.String("tenant_id", tenantID),
			zap.String("connection_id", conn.ID),
			zap.Int("attempt", i+1),
			zap.Error(err))
	}
	return fail(lastErr)
}
