// Package registry owns the connection lifecycle. Every state change in the
// system flows through Transition, which applies last-writer-wins on the
// evidence timestamp so a slow probe result can never roll back a state a
// fresher observation already established.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/config"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/events"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/provider"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/utils"
)

// TransitionRequest carries one piece of state evidence into the registry.
type TransitionRequest struct {
	ConnectionID string
	Target       model.ConnectionState
	// ObservedAt is when the evidence was gathered, not when it arrived.
	ObservedAt time.Time
	// Origin identifies the observer (api, reconciler, ingestion).
	Origin      string
	PhoneNumber string
	LastError   string
}

// Registry manages connection records and their state machine.
type Registry struct {
	repo            storage.ConnectionRepo
	gateway         provider.Client
	publisher       events.Publisher
	quotaDefaults   config.QuotaDefaults
	defaultTenantID string
}

// New creates a connection registry.
func New(repo storage.ConnectionRepo, gateway provider.Client, publisher events.Publisher, quotaDefaults config.QuotaDefaults, defaultTenantID string) *Registry {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Registry{
		repo:            repo,
		gateway:         gateway,
		publisher:       publisher,
		quotaDefaults:   quotaDefaults,
		defaultTenantID: defaultTenantID,
	}
}

// Create provisions a new instance at the gateway and registers it. The
// returned connection is in AwaitingScan; the operator fetches the QR code
// separately.
func (r *Registry) Create(ctx context.Context, tenantID, displayName, queue string) (*model.Connection, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", apperrors.ErrBadRequest)
	}

	creds, err := r.gateway.CreateInstance(ctx, displayName)
	if err != nil {
		return nil, fmt.Errorf("failed to provision gateway instance: %w", err)
	}

	now := utils.Now()
	conn := model.Connection{
		ID:                   uuid.NewString(),
		TenantID:             tenantID,
		ExternalInstanceID:   creds.ExternalID,
		DisplayName:          displayName,
		Queue:                queue,
		State:                model.StateAwaitingScan,
		ExternalSessionToken: creds.SessionToken,
		RotationEligible:     false,
		QuotaMaxReceived:     r.quotaDefaults.MaxReceived,
		QuotaMaxSent:         r.quotaDefaults.MaxSent,
		WindowStartDate:      utils.UTCDate(now),
		LastTransitionAt:     now,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := r.repo.Save(ctx, conn); err != nil {
		// The gateway instance exists but the record does not. Tear the
		// instance down so the reconciler does not adopt it as an orphan.
		if delErr := r.gateway.DeleteInstance(ctx, creds.ExternalID); delErr != nil {
			logger.FromContext(ctx).Warn("Failed to tear down instance after registration failure",
				zap.String("external_instance_id", creds.ExternalID),
				zap.Error(delErr))
		}
		return nil, err
	}

	observer.IncStateTransition(string(model.StateProvisioning), string(model.StateAwaitingScan), "api")
	r.emit(ctx, model.ConnectionEvent{
		Kind:               model.EventConnectionCreated,
		TenantID:           conn.TenantID,
		ConnectionID:       conn.ID,
		ExternalInstanceID: conn.ExternalInstanceID,
		NewState:           conn.State,
		OccurredAt:         now,
	})

	logger.FromContext(ctx).Info("Registered new connection",
		zap.String("connection_id", conn.ID),
		zap.String("tenant_id", conn.TenantID),
		zap.String("external_instance_id", conn.ExternalInstanceID))
	return &conn, nil
}

// Adopt registers a gateway instance that has no record, under the default
// tenant and flagged for owner assignment. The reconciler calls this for
// unknown instances so they come under quota and rotation control instead of
// running unmanaged.
func (r *Registry) Adopt(ctx context.Context, inst provider.InstanceSummary) (*model.Connection, error) {
	now := utils.Now()
	state := model.StateDisconnected
	switch inst.State {
	case provider.SessionOpen:
		state = model.StateConnected
	case provider.SessionConnecting:
		state = model.StateAwaitingScan
	}

	conn := model.Connection{
		ID:                   uuid.NewString(),
		TenantID:             r.defaultTenantID,
		ExternalInstanceID:   inst.ExternalID,
		DisplayName:          inst.Name,
		State:                state,
		NeedsOwnerAssignment: true,
		RotationEligible:     state == model.StateConnected,
		QuotaMaxReceived:     r.quotaDefaults.MaxReceived,
		QuotaMaxSent:         r.quotaDefaults.MaxSent,
		WindowStartDate:      utils.UTCDate(now),
		LastSeenAt:           &now,
		LastTransitionAt:     now,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := r.repo.Save(ctx, conn); err != nil {
		return nil, err
	}

	observer.IncConnectionAdopted()
	r.emit(ctx, model.ConnectionEvent{
		Kind:               model.EventConnectionAdopted,
		TenantID:           conn.TenantID,
		ConnectionID:       conn.ID,
		ExternalInstanceID: conn.ExternalInstanceID,
		NewState:           conn.State,
		OccurredAt:         now,
		Detail:             datatypes.JSON(utils.MustMarshalJSON(map[string]bool{"needs_owner_assignment": true})),
	})

	logger.FromContext(ctx).Info("Adopted unmanaged gateway instance",
		zap.String("connection_id", conn.ID),
		zap.String("external_instance_id", conn.ExternalInstanceID),
		zap.String("state", string(conn.State)))
	return &conn, nil
}

// Transition applies one piece of state evidence. Evidence older than the
// last applied transition is rejected with ErrStateConflict. Same-state
// evidence refreshes liveness fields without emitting an event.
func (r *Registry) Transition(ctx context.Context, req TransitionRequest) (*model.Connection, error) {
	conn, err := r.repo.FindByID(ctx, req.ConnectionID)
	if err != nil {
		return nil, err
	}

	observedAt := req.ObservedAt
	if observedAt.IsZero() {
		observedAt = utils.Now()
	}

	if observedAt.Before(conn.LastTransitionAt) {
		observer.IncStaleTransitionRejected()
		return nil, fmt.Errorf("%w: evidence from %s predates last transition at %s",
			apperrors.ErrStateConflict,
			utils.FormatISO8601(observedAt),
			utils.FormatISO8601(conn.LastTransitionAt))
	}

	if conn.State == req.Target {
		fields := map[string]interface{}{
			"last_seen_at":         observedAt,
			"consecutive_timeouts": 0,
			"missing_cycles":       0,
		}
		if req.PhoneNumber != "" && conn.PhoneNumber != req.PhoneNumber {
			fields["phone_number"] = req.PhoneNumber
		}
		if err := r.repo.UpdateFields(ctx, conn.ID, fields); err != nil {
			return nil, err
		}
		conn.LastSeenAt = &observedAt
		conn.ConsecutiveTimeouts = 0
		conn.MissingCycles = 0
		return conn, nil
	}

	if !conn.State.CanTransitionTo(req.Target) {
		return nil, fmt.Errorf("%w: cannot transition %s from %s to %s",
			apperrors.ErrStateConflict, conn.ID, conn.State, req.Target)
	}

	previous := conn.State
	fields := map[string]interface{}{
		"state":                req.Target,
		"last_transition_at":   observedAt,
		"last_seen_at":         observedAt,
		"consecutive_timeouts": 0,
		"missing_cycles":       0,
		"rotation_eligible":    req.Target == model.StateConnected,
		"last_error":           req.LastError,
	}
	if req.PhoneNumber != "" {
		fields["phone_number"] = req.PhoneNumber
	}
	// The read-side freshness check above is a fast path; the write itself
	// re-checks last_transition_at so a concurrent fresher transition that
	// landed between read and write still wins.
	if err := r.repo.UpdateFieldsIfFresh(ctx, conn.ID, observedAt, fields); err != nil {
		if apperrors.IsStateConflictError(err) {
			observer.IncStaleTransitionRejected()
		}
		return nil, err
	}

	conn.State = req.Target
	conn.LastTransitionAt = observedAt
	conn.LastSeenAt = &observedAt
	conn.ConsecutiveTimeouts = 0
	conn.MissingCycles = 0
	conn.RotationEligible = req.Target == model.StateConnected
	conn.LastError = req.LastError
	if req.PhoneNumber != "" {
		conn.PhoneNumber = req.PhoneNumber
	}

	origin := req.Origin
	if origin == "" {
		origin = "api"
	}
	observer.IncStateTransition(string(previous), string(req.Target), origin)

	kind := model.EventStatusChanged
	if req.Target == model.StateClosed {
		kind = model.EventConnectionClosed
	}
	r.emit(ctx, model.ConnectionEvent{
		Kind:               kind,
		TenantID:           conn.TenantID,
		ConnectionID:       conn.ID,
		ExternalInstanceID: conn.ExternalInstanceID,
		PreviousState:      previous,
		NewState:           conn.State,
		OccurredAt:         observedAt,
	})

	logger.FromContext(ctx).Info("Connection state changed",
		zap.String("connection_id", conn.ID),
		zap.String("from", string(previous)),
		zap.String("to", string(conn.State)),
		zap.String("origin", origin))
	return conn, nil
}

// Teardown closes a connection. The gateway delete is best effort; the
// record always reaches Closed so the fleet view stays truthful even when
// the gateway is unreachable.
func (r *Registry) Teardown(ctx context.Context, connectionID string) error {
	conn, err := r.repo.FindByID(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.State == model.StateClosed {
		return nil
	}

	if err := r.gateway.DeleteInstance(ctx, conn.ExternalInstanceID); err != nil {
		logger.FromContext(ctx).Warn("Gateway instance delete failed, closing record anyway",
			zap.String("connection_id", conn.ID),
			zap.String("external_instance_id", conn.ExternalInstanceID),
			zap.Error(err))
	}

	_, err = r.Transition(ctx, TransitionRequest{
		ConnectionID: connectionID,
		Target:       model.StateClosed,
		ObservedAt:   utils.Now(),
		Origin:       "api",
	})
	return err
}

// Get returns one connection by id.
func (r *Registry) Get(ctx context.Context, connectionID string) (*model.Connection, error) {
	return r.repo.FindByID(ctx, connectionID)
}

// GetByExternalID returns one connection by gateway instance id.
func (r *Registry) GetByExternalID(ctx context.Context, externalID string) (*model.Connection, error) {
	return r.repo.FindByExternalID(ctx, externalID)
}

// ListByTenant returns a tenant's non-Closed connections in rotation order.
func (r *Registry) ListByTenant(ctx context.Context, tenantID string) ([]model.Connection, error) {
	return r.repo.FindByTenant(ctx, tenantID)
}

// ListActive returns every non-Closed connection across tenants.
func (r *Registry) ListActive(ctx context.Context) ([]model.Connection, error) {
	return r.repo.FindActive(ctx)
}

// AssignOwner moves an adopted connection to its real tenant and clears the
// owner-assignment flag.
func (r *Registry) AssignOwner(ctx context.Context, connectionID, tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenant id is required", apperrors.ErrBadRequest)
	}
	conn, err := r.repo.FindByID(ctx, connectionID)
	if err != nil {
		return err
	}
	if !conn.NeedsOwnerAssignment {
		return fmt.Errorf("%w: connection %s already has an owner", apperrors.ErrStateConflict, connectionID)
	}
	return r.repo.UpdateFields(ctx, connectionID, map[string]interface{}{
		"tenant_id":              tenantID,
		"needs_owner_assignment": false,
	})
}

func (r *Registry) emit(ctx context.Context, event model.ConnectionEvent) {
	if err := r.publisher.Publish(ctx, event); err != nil {
		logger.FromContext(ctx).Warn("Failed to publish lifecycle event",
			zap.String("connection_id", event.ConnectionID),
			zap.String("kind", string(event.Kind)),
			zap.Error(err))
	}
}
