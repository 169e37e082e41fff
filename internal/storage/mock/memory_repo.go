package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/model"
)

// MemoryConnectionRepo is a threadsafe in-memory ConnectionRepo for tests
// that need real read-modify-write behavior instead of canned expectations.
type MemoryConnectionRepo struct {
	mu    sync.Mutex
	conns map[string]model.Connection
}

// NewMemoryConnectionRepo seeds an in-memory repo.
func NewMemoryConnectionRepo(conns ...*model.Connection) *MemoryConnectionRepo {
	r := &MemoryConnectionRepo{conns: make(map[string]model.Connection)}
	for _, c := range conns {
		r.conns[c.ID] = *c
	}
	return r
}

func (r *MemoryConnectionRepo) Save(_ context.Context, conn model.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID] = conn
	return nil
}

func (r *MemoryConnectionRepo) Update(_ context.Context, conn model.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[conn.ID]; !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrNotFound, conn.ID)
	}
	r.conns[conn.ID] = conn
	return nil
}

func (r *MemoryConnectionRepo) UpdateFields(_ context.Context, id string, fields map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrNotFound, id)
	}
	applyFields(&conn, fields)
	r.conns[id] = conn
	return nil
}

func (r *MemoryConnectionRepo) UpdateFieldsIfFresh(_ context.Context, id string, observedAt time.Time, fields map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrNotFound, id)
	}
	if conn.LastTransitionAt.After(observedAt) {
		return fmt.Errorf("%w: %s has fresher state", apperrors.ErrStateConflict, id)
	}
	applyFields(&conn, fields)
	r.conns[id] = conn
	return nil
}

func applyFields(conn *model.Connection, fields map[string]interface{}) {
	for col, val := range fields {
		switch col {
		case "state":
			conn.State = val.(model.ConnectionState)
		case "tenant_id":
			conn.TenantID = val.(string)
		case "needs_owner_assignment":
			conn.NeedsOwnerAssignment = val.(bool)
		case "rotation_eligible":
			conn.RotationEligible = val.(bool)
		case "sent_count":
			conn.SentCount = val.(int)
		case "received_count":
			conn.ReceivedCount = val.(int)
		case "quota_exceeded_received":
			conn.QuotaExceededReceived = val.(bool)
		case "window_start_utc_date":
			conn.WindowStartDate = val.(time.Time)
		case "phone_number":
			conn.PhoneNumber = val.(string)
		case "queue":
			conn.Queue = val.(string)
		case "last_error":
			conn.LastError = val.(string)
		case "missing_cycles":
			conn.MissingCycles = val.(int)
		case "consecutive_timeouts":
			conn.ConsecutiveTimeouts = val.(int)
		case "last_transition_at":
			conn.LastTransitionAt = val.(time.Time)
		case "last_seen_at":
			t := val.(time.Time)
			conn.LastSeenAt = &t
		case "last_used_at":
			t := val.(time.Time)
			conn.LastUsedAt = &t
		case "updated_at":
			conn.UpdatedAt = val.(time.Time)
		}
	}
}

func (r *MemoryConnectionRepo) FindByID(_ context.Context, id string) (*model.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	copied := conn
	return &copied, nil
}

func (r *MemoryConnectionRepo) FindByExternalID(_ context.Context, externalID string) (*model.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conn := range r.conns {
		if conn.ExternalInstanceID == externalID {
			copied := conn
			return &copied, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *MemoryConnectionRepo) FindActive(_ context.Context) ([]model.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Connection
	for _, conn := range r.conns {
		if conn.State != model.StateClosed {
			out = append(out, conn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryConnectionRepo) FindByTenant(_ context.Context, tenantID string) ([]model.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Connection
	for _, conn := range r.conns {
		if conn.TenantID == tenantID && conn.State != model.StateClosed {
			out = append(out, conn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RotationOrder < out[j].RotationOrder })
	return out, nil
}

func (r *MemoryConnectionRepo) FindByState(_ context.Context, state model.ConnectionState) ([]model.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Connection
	for _, conn := range r.conns {
		if conn.State == state {
			out = append(out, conn)
		}
	}
	return out, nil
}

func (r *MemoryConnectionRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
	return nil
}

func (r *MemoryConnectionRepo) Close(_ context.Context) error { return nil }

// MemoryInboundRecordRepo is a threadsafe in-memory InboundRecordRepo.
type MemoryInboundRecordRepo struct {
	mu      sync.Mutex
	records map[string]time.Time
}

// NewMemoryInboundRecordRepo creates an empty in-memory dedup store.
func NewMemoryInboundRecordRepo() *MemoryInboundRecordRepo {
	return &MemoryInboundRecordRepo{records: make(map[string]time.Time)}
}

func dedupKey(connectionID, externalMessageID string) string {
	return connectionID + "|" + externalMessageID
}

func (r *MemoryInboundRecordRepo) Record(_ context.Context, rec model.InboundMessageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := dedupKey(rec.ConnectionID, rec.ExternalMessageID)
	if _, ok := r.records[key]; ok {
		return fmt.Errorf("%w: %s", apperrors.ErrDuplicateMessage, rec.ExternalMessageID)
	}
	r.records[key] = rec.ProcessedAt
	return nil
}

func (r *MemoryInboundRecordRepo) Exists(_ context.Context, connectionID, externalMessageID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[dedupKey(connectionID, externalMessageID)]
	return ok, nil
}

func (r *MemoryInboundRecordRepo) PruneOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	for key, processedAt := range r.records {
		if processedAt.Before(cutoff) {
			delete(r.records, key)
			deleted++
		}
	}
	return deleted, nil
}

func (r *MemoryInboundRecordRepo) Close(_ context.Context) error { return nil }

// Len reports how many dedup markers are stored.
func (r *MemoryInboundRecordRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
