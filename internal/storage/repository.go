package storage

import (
	"context"
	"time"

	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/model"
)

// ConnectionRepo defines connection document storage operations
type ConnectionRepo interface {
	Save(ctx context.Context, conn model.Connection) error
	Update(ctx context.Context, conn model.Connection) error
	UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error
	UpdateFieldsIfFresh(ctx context.Context, id string, observedAt time.Time, fields map[string]interface{}) error
	FindByID(ctx context.Context, id string) (*model.Connection, error)
	FindByExternalID(ctx context.Context, externalID string) (*model.Connection, error)
	FindActive(ctx context.Context) ([]model.Connection, error)
	FindByTenant(ctx context.Context, tenantID string) ([]model.Connection, error)
	FindByState(ctx context.Context, state model.ConnectionState) ([]model.Connection, error)
	Delete(ctx context.Context, id string) error
	Close(ctx context.Context) error
}

// InboundRecordRepo defines dedup marker storage operations
type InboundRecordRepo interface {
	Record(ctx context.Context, rec model.InboundMessageRecord) error
	Exists(ctx context.Context, connectionID, externalMessageID string) (bool, error)
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Close(ctx context.Context) error
}
