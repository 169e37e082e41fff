package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/utils"
)

// --- Connection Repository Methods ---

// SaveConnection inserts or updates a connection document, keyed on id.
func (r *PostgresRepo) SaveConnection(ctx context.Context, conn model.Connection) error {
	conn.UpdatedAt = utils.Now()

	operation := func() error {
		result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(model.ConnectionUpdateColumns()),
		}).Create(&conn)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "SaveConnection", operation)
	observer.ObserveDbOperationDuration("save", "connection", time.Since(startTime), commitErr)
	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to save connection after retries",
			zap.String("connection_id", conn.ID),
			zap.String("external_instance_id", conn.ExternalInstanceID),
			zap.Error(commitErr))
		return commitErr
	}
	return nil
}

// UpdateConnection overwrites the mutable columns of an existing connection.
func (r *PostgresRepo) UpdateConnection(ctx context.Context, conn model.Connection) error {
	conn.UpdatedAt = utils.Now()

	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.Connection{}).
			Where("id = ?", conn.ID).
			Select(model.ConnectionUpdateColumns()).
			Updates(conn)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: connection %s not found for update", apperrors.ErrNotFound, conn.ID)
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "UpdateConnection", operation)
	observer.ObserveDbOperationDuration("update", "connection", time.Since(startTime), commitErr)
	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to update connection after retries",
			zap.String("connection_id", conn.ID),
			zap.Error(commitErr))
		return commitErr
	}
	return nil
}

// UpdateConnectionFields updates a sparse set of columns on one connection.
func (r *PostgresRepo) UpdateConnectionFields(ctx context.Context, id string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	fields["updated_at"] = utils.Now()

	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.Connection{}).
			Where("id = ?", id).
			Updates(fields)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: connection %s not found for field update", apperrors.ErrNotFound, id)
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "UpdateConnectionFields", operation)
	observer.ObserveDbOperationDuration("update_fields", "connection", time.Since(startTime), commitErr)
	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to update connection fields after retries",
			zap.String("connection_id", id),
			zap.Error(commitErr))
		return commitErr
	}
	return nil
}

// UpdateConnectionFieldsIfFresh updates columns only while no transition
// newer than observedAt has been persisted. The guard runs inside the UPDATE,
// so two racing writers cannot both pass a read-side staleness check and then
// overwrite each other; the staler one loses with ErrStateConflict.
func (r *PostgresRepo) UpdateConnectionFieldsIfFresh(ctx context.Context, id string, observedAt time.Time, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	fields["updated_at"] = utils.Now()

	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.Connection{}).
			Where("id = ? AND last_transition_at <= ?", id, observedAt).
			Updates(fields)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: connection %s has state fresher than %s",
				apperrors.ErrStateConflict, id, utils.FormatISO8601(observedAt))
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "UpdateConnectionFieldsIfFresh", operation)
	observer.ObserveDbOperationDuration("update_fields_if_fresh", "connection", time.Since(startTime), commitErr)
	if commitErr != nil {
		if errors.Is(commitErr, apperrors.ErrStateConflict) {
			return commitErr
		}
		logger.FromContext(ctx).Error("Failed to conditionally update connection fields after retries",
			zap.String("connection_id", id),
			zap.Error(commitErr))
		return commitErr
	}
	return nil
}

// FindConnectionByID finds a connection by its primary key.
func (r *PostgresRepo) FindConnectionByID(ctx context.Context, id string) (*model.Connection, error) {
	var conn model.Connection
	operation := func() error {
		result := r.db.WithContext(ctx).Where("id = ?", id).First(&conn)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	findErr := retryableOperation(ctx, readPolicy, "FindConnectionByID", operation)
	if findErr != nil {
		if errors.Is(findErr, apperrors.ErrNotFound) {
			return nil, apperrors.ErrNotFound
		}
		logger.FromContext(ctx).Error("Failed to find connection by id after retries",
			zap.String("connection_id", id),
			zap.Error(findErr))
		return nil, findErr
	}
	return &conn, nil
}

// FindConnectionByExternalID finds a connection by the gateway's instance id.
func (r *PostgresRepo) FindConnectionByExternalID(ctx context.Context, externalID string) (*model.Connection, error) {
	var conn model.Connection
	operation := func() error {
		result := r.db.WithContext(ctx).Where("external_instance_id = ?", externalID).First(&conn)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	findErr := retryableOperation(ctx, readPolicy, "FindConnectionByExternalID", operation)
	if findErr != nil {
		if errors.Is(findErr, apperrors.ErrNotFound) {
			return nil, apperrors.ErrNotFound
		}
		logger.FromContext(ctx).Error("Failed to find connection by external id after retries",
			zap.String("external_instance_id", externalID),
			zap.Error(findErr))
		return nil, findErr
	}
	return &conn, nil
}

// FindActiveConnections returns every connection that has not reached Closed.
func (r *PostgresRepo) FindActiveConnections(ctx context.Context) ([]model.Connection, error) {
	var conns []model.Connection
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("state <> ?", model.StateClosed).
			Order("created_at ASC").
			Find(&conns)
		if result.Error != nil {
			return fmt.Errorf("%w: query failed: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	findErr := retryableOperation(ctx, readPolicy, "FindActiveConnections", operation)
	if findErr != nil {
		logger.FromContext(ctx).Error("Failed to list active connections after retries", zap.Error(findErr))
		return nil, findErr
	}
	return conns, nil
}

// FindConnectionsByTenant returns all non-Closed connections of one tenant.
func (r *PostgresRepo) FindConnectionsByTenant(ctx context.Context, tenantID string) ([]model.Connection, error) {
	var conns []model.Connection
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("tenant_id = ? AND state <> ?", tenantID, model.StateClosed).
			Order("rotation_order ASC, created_at ASC").
			Find(&conns)
		if result.Error != nil {
			return fmt.Errorf("%w: query failed: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	findErr := retryableOperation(ctx, readPolicy, "FindConnectionsByTenant", operation)
	if findErr != nil {
		logger.FromContext(ctx).Error("Failed to list tenant connections after retries",
			zap.String("tenant_id", tenantID),
			zap.Error(findErr))
		return nil, findErr
	}
	return conns, nil
}

// FindConnectionsByState returns all connections currently in the given state.
func (r *PostgresRepo) FindConnectionsByState(ctx context.Context, state model.ConnectionState) ([]model.Connection, error) {
	var conns []model.Connection
	operation := func() error {
		result := r.db.WithContext(ctx).Where("state = ?", state).Find(&conns)
		if result.Error != nil {
			return fmt.Errorf("%w: query failed: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	findErr := retryableOperation(ctx, readPolicy, "FindConnectionsByState", operation)
	if findErr != nil {
		logger.FromContext(ctx).Error("Failed to list connections by state after retries",
			zap.String("state", string(state)),
			zap.Error(findErr))
		return nil, findErr
	}
	return conns, nil
}

// DeleteConnection removes a connection row. Used only to purge connections
// the gateway has stopped reporting; normal teardown marks Closed instead.
func (r *PostgresRepo) DeleteConnection(ctx context.Context, id string) error {
	operation := func() error {
		result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Connection{})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "DeleteConnection", operation)
	observer.ObserveDbOperationDuration("delete", "connection", time.Since(startTime), commitErr)
	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to delete connection after retries",
			zap.String("connection_id", id),
			zap.Error(commitErr))
		return commitErr
	}
	return nil
}
