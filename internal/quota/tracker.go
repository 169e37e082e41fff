// Package quota enforces per-connection daily send and receive budgets.
//
// Counters live on the connection row and reset exactly once when the UTC
// date advances past the stored window start. All mutation goes through a
// per-connection mutex, so concurrent consumers observe a linearized
// check-then-increment even when they race on the same connection.
package quota

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/events"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/utils"
)

// Tracker mediates quota consumption for all connections.
type Tracker struct {
	repo      storage.ConnectionRepo
	publisher events.Publisher

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTracker creates a quota tracker backed by the connection repository.
func NewTracker(repo storage.ConnectionRepo, publisher events.Publisher) *Tracker {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Tracker{
		repo:      repo,
		publisher: publisher,
		locks:     make(map[string]*sync.Mutex),
	}
}

// connLock returns the mutex guarding one connection's counters.
func (t *Tracker) connLock(connectionID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[connectionID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[connectionID] = l
	}
	return l
}

// Forget drops the lock entry for a connection that no longer exists.
func (t *Tracker) Forget(connectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.locks, connectionID)
}

// TryConsumeSent consumes one unit of send quota. It returns false without
// incrementing when the daily send budget is already spent.
func (t *Tracker) TryConsumeSent(ctx context.Context, connectionID string) (bool, error) {
	l := t.connLock(connectionID)
	l.Lock()
	defer l.Unlock()

	conn, err := t.repo.FindByID(ctx, connectionID)
	if err != nil {
		return false, err
	}

	fields := map[string]interface{}{}
	t.maybeResetWindow(conn, fields)

	if conn.SentCount >= conn.QuotaMaxSent {
		// Persist the window reset even when the consume is denied, so the
		// stored counters stay consistent with the current window.
		if len(fields) > 0 {
			if err := t.repo.UpdateFields(ctx, connectionID, fields); err != nil {
				return false, err
			}
			// Counters were just reset; re-evaluate against the fresh window.
			return t.consumeFreshSent(ctx, conn, connectionID)
		}
		return false, nil
	}

	conn.SentCount++
	now := utils.Now()
	fields["sent_count"] = conn.SentCount
	fields["last_used_at"] = now
	if err := t.repo.UpdateFields(ctx, connectionID, fields); err != nil {
		return false, err
	}

	if conn.SentCount == conn.QuotaMaxSent {
		t.emitExhausted(ctx, conn, "sent")
	}
	return true, nil
}

// consumeFreshSent finishes a send consume after an in-place window reset.
// Counters on conn have already been zeroed by maybeResetWindow.
func (t *Tracker) consumeFreshSent(ctx context.Context, conn *model.Connection, connectionID string) (bool, error) {
	if conn.QuotaMaxSent <= 0 {
		return false, nil
	}
	conn.SentCount = 1
	fields := map[string]interface{}{
		"sent_count":   conn.SentCount,
		"last_used_at": utils.Now(),
	}
	if err := t.repo.UpdateFields(ctx, connectionID, fields); err != nil {
		return false, err
	}
	if conn.SentCount == conn.QuotaMaxSent {
		t.emitExhausted(ctx, conn, "sent")
	}
	return true, nil
}

// ConsumeReceived counts one inbound message. Inbound is never dropped; the
// return value reports whether the receive budget is now exceeded so callers
// can flag the overflow.
func (t *Tracker) ConsumeReceived(ctx context.Context, connectionID string) (exceeded bool, err error) {
	l := t.connLock(connectionID)
	l.Lock()
	defer l.Unlock()

	conn, err := t.repo.FindByID(ctx, connectionID)
	if err != nil {
		return false, err
	}

	fields := map[string]interface{}{}
	t.maybeResetWindow(conn, fields)

	conn.ReceivedCount++
	fields["received_count"] = conn.ReceivedCount

	exceeded = conn.ReceivedCount > conn.QuotaMaxReceived
	if exceeded && !conn.QuotaExceededReceived {
		conn.QuotaExceededReceived = true
		fields["quota_exceeded_received"] = true
		t.emitExhausted(ctx, conn, "received")
	}

	if err := t.repo.UpdateFields(ctx, connectionID, fields); err != nil {
		return false, err
	}
	return exceeded, nil
}

// HasSendCapacity reports whether a connection could accept one more send in
// the current window, without consuming.
func (t *Tracker) HasSendCapacity(conn model.Connection) bool {
	if !utils.SameUTCDate(conn.WindowStartDate, utils.Now()) {
		return conn.QuotaMaxSent > 0
	}
	return conn.SentCount < conn.QuotaMaxSent
}

// maybeResetWindow zeroes the counters when the UTC date has advanced past
// the stored window start. Mutates conn and stages the columns to persist.
func (t *Tracker) maybeResetWindow(conn *model.Connection, fields map[string]interface{}) {
	now := utils.Now()
	if utils.SameUTCDate(conn.WindowStartDate, now) {
		return
	}
	conn.ReceivedCount = 0
	conn.SentCount = 0
	conn.QuotaExceededReceived = false
	conn.WindowStartDate = utils.UTCDate(now)

	fields["received_count"] = 0
	fields["sent_count"] = 0
	fields["quota_exceeded_received"] = false
	fields["window_start_utc_date"] = conn.WindowStartDate
}

func (t *Tracker) emitExhausted(ctx context.Context, conn *model.Connection, direction string) {
	observer.IncQuotaExhausted(direction)
	event := model.ConnectionEvent{
		Kind:               model.EventQuotaExhausted,
		TenantID:           conn.TenantID,
		ConnectionID:       conn.ID,
		ExternalInstanceID: conn.ExternalInstanceID,
		OccurredAt:         utils.Now(),
		Detail:             datatypes.JSON(utils.MustMarshalJSON(map[string]string{"direction": direction})),
	}
	if err := t.publisher.Publish(ctx, event); err != nil {
		logger.FromContext(ctx).Warn("Failed to publish quota exhausted event",
			zap.String("connection_id", conn.ID),
			zap.String("direction", direction),
			zap.Error(err))
	}
}
