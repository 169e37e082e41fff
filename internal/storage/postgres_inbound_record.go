package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/utils"
)

// --- Inbound Message Record (dedup) Repository Methods ---

// RecordInboundMessage marks a (connection, message) pair processed. Returns
// ErrDuplicateMessage when the pair was already recorded.
func (r *PostgresRepo) RecordInboundMessage(ctx context.Context, connectionID, externalMessageID string) error {
	record := model.InboundMessageRecord{
		ConnectionID:      connectionID,
		ExternalMessageID: externalMessageID,
		ProcessedAt:       utils.Now(),
	}

	operation := func() error {
		result := r.db.WithContext(ctx).Create(&record)
		if result.Error != nil {
			err := checkConstraintViolation(result.Error)
			if errors.Is(err, apperrors.ErrDuplicate) {
				return fmt.Errorf("%w: message %s on connection %s", apperrors.ErrDuplicateMessage, externalMessageID, connectionID)
			}
			return err
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "RecordInboundMessage", operation)
	observer.ObserveDbOperationDuration("insert", "inbound_record", time.Since(startTime), commitErr)
	if commitErr != nil {
		if apperrors.IsDuplicateMessageError(commitErr) {
			return commitErr
		}
		logger.FromContext(ctx).Error("Failed to record inbound message after retries",
			zap.String("connection_id", connectionID),
			zap.String("external_message_id", externalMessageID),
			zap.Error(commitErr))
		return commitErr
	}
	return nil
}

// InboundMessageExists reports whether a (connection, message) pair was
// already processed.
func (r *PostgresRepo) InboundMessageExists(ctx context.Context, connectionID, externalMessageID string) (bool, error) {
	var count int64
	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.InboundMessageRecord{}).
			Where("connection_id = ? AND external_message_id = ?", connectionID, externalMessageID).
			Count(&count)
		if result.Error != nil {
			return fmt.Errorf("%w: query failed: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	findErr := retryableOperation(ctx, readPolicy, "InboundMessageExists", operation)
	if findErr != nil {
		logger.FromContext(ctx).Error("Failed to check inbound message record after retries",
			zap.String("connection_id", connectionID),
			zap.String("external_message_id", externalMessageID),
			zap.Error(findErr))
		return false, findErr
	}
	return count > 0, nil
}

// PruneInboundRecordsOlderThan deletes dedup records processed before the
// cutoff and returns how many rows were removed.
func (r *PostgresRepo) PruneInboundRecordsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("processed_at < ?", cutoff).
			Delete(&model.InboundMessageRecord{})
		if result.Error != nil {
			return fmt.Errorf("%w: prune failed: %w", apperrors.ErrDatabase, result.Error)
		}
		deleted = result.RowsAffected
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "PruneInboundRecordsOlderThan", operation)
	observer.ObserveDbOperationDuration("prune", "inbound_record", time.Since(startTime), commitErr)
	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to prune inbound message records after retries",
			zap.Time("cutoff", cutoff),
			zap.Error(commitErr))
		return 0, commitErr
	}
	if deleted > 0 {
		logger.FromContext(ctx).Info("Pruned inbound message records",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff))
	}
	return deleted, nil
}
