package storage

import (
	"context"
	"time"

	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/model"
)

// ConnectionRepoAdapter adapts PostgresRepo to the ConnectionRepo interface.
type ConnectionRepoAdapter struct {
	repo *PostgresRepo
}

// NewConnectionRepoAdapter creates a ConnectionRepo backed by PostgresRepo.
func NewConnectionRepoAdapter(repo *PostgresRepo) *ConnectionRepoAdapter {
	return &ConnectionRepoAdapter{repo: repo}
}

func (a *ConnectionRepoAdapter) Save(ctx context.Context, conn model.Connection) error {
	return a.repo.SaveConnection(ctx, conn)
}

func (a *ConnectionRepoAdapter) Update(ctx context.Context, conn model.Connection) error {
	return a.repo.UpdateConnection(ctx, conn)
}

func (a *ConnectionRepoAdapter) UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error {
	return a.repo.UpdateConnectionFields(ctx, id, fields)
}

func (a *ConnectionRepoAdapter) UpdateFieldsIfFresh(ctx context.Context, id string, observedAt time.Time, fields map[string]interface{}) error {
	return a.repo.UpdateConnectionFieldsIfFresh(ctx, id, observedAt, fields)
}

func (a *ConnectionRepoAdapter) FindByID(ctx context.Context, id string) (*model.Connection, error) {
	return a.repo.FindConnectionByID(ctx, id)
}

func (a *ConnectionRepoAdapter) FindByExternalID(ctx context.Context, externalID string) (*model.Connection, error) {
	return a.repo.FindConnectionByExternalID(ctx, externalID)
}

func (a *ConnectionRepoAdapter) FindActive(ctx context.Context) ([]model.Connection, error) {
	return a.repo.FindActiveConnections(ctx)
}

func (a *ConnectionRepoAdapter) FindByTenant(ctx context.Context, tenantID string) ([]model.Connection, error) {
	return a.repo.FindConnectionsByTenant(ctx, tenantID)
}

func (a *ConnectionRepoAdapter) FindByState(ctx context.Context, state model.ConnectionState) ([]model.Connection, error) {
	return a.repo.FindConnectionsByState(ctx, state)
}

func (a *ConnectionRepoAdapter) Delete(ctx context.Context, id string) error {
	return a.repo.DeleteConnection(ctx, id)
}

func (a *ConnectionRepoAdapter) Close(ctx context.Context) error {
	return a.repo.Close(ctx)
}

// InboundRecordRepoAdapter adapts PostgresRepo to the InboundRecordRepo interface.
type InboundRecordRepoAdapter struct {
	repo *PostgresRepo
}

// NewInboundRecordRepoAdapter creates an InboundRecordRepo backed by PostgresRepo.
func NewInboundRecordRepoAdapter(repo *PostgresRepo) *InboundRecordRepoAdapter {
	return &InboundRecordRepoAdapter{repo: repo}
}

func (a *InboundRecordRepoAdapter) Record(ctx context.Context, rec model.InboundMessageRecord) error {
	return a.repo.RecordInboundMessage(ctx, rec.ConnectionID, rec.ExternalMessageID)
}

func (a *InboundRecordRepoAdapter) Exists(ctx context.Context, connectionID, externalMessageID string) (bool, error) {
	return a.repo.InboundMessageExists(ctx, connectionID, externalMessageID)
}

func (a *InboundRecordRepoAdapter) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return a.repo.PruneInboundRecordsOlderThan(ctx, cutoff)
}

func (a *InboundRecordRepoAdapter) Close(ctx context.Context) error {
	return a.repo.Close(ctx)
}
