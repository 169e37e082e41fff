// Package rotation picks the outbound connection for a tenant's next send.
// Candidates are ordered by admin-assigned rotation order, with the least
// recently used connection breaking ties, and quota consumption is folded
// into selection so a returned connection always has the send it was picked
// for already reserved.
package rotation

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/quota"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/logger"
)

// Selector picks send-capable connections for tenants.
type Selector struct {
	repo    storage.ConnectionRepo
	tracker *quota.Tracker
}

// NewSelector creates a rotation selector.
func NewSelector(repo storage.ConnectionRepo, tracker *quota.Tracker) *Selector {
	return &Selector{repo: repo, tracker: tracker}
}

// Pick selects the tenant's next outbound connection and consumes one unit
// of its send quota. Connections in exclude are skipped; callers retrying a
// delivery pass the ids they already tried so the rotation actually moves
// on. Returns ErrNoCapacity when no Connected, rotation eligible connection
// has quota left today.
func (s *Selector) Pick(ctx context.Context, tenantID string, exclude map[string]struct{}) (*model.Connection, error) {
	conns, err := s.repo.FindByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	candidates := make([]model.Connection, 0, len(conns))
	for _, c := range conns {
		if _, tried := exclude[c.ID]; tried {
			continue
		}
		if c.State == model.StateConnected && c.RotationEligible {
			candidates = append(candidates, c)
		}
	}
	sortCandidates(candidates)

	for _, c := range candidates {
		ok, err := s.tracker.TryConsumeSent(ctx, c.ID)
		if err != nil {
			if apperrors.IsNotFoundError(err) {
				continue
			}
			return nil, err
		}
		if !ok {
			continue
		}
		observer.IncRotationSelection()
		logger.FromContext(ctx).Debug("Rotation picked connection",
			zap.String("tenant_id", tenantID),
			zap.String("connection_id", c.ID),
			zap.Int("rotation_order", c.RotationOrder))
		picked := c
		return &picked, nil
	}

	observer.IncRotationNoCapacity()
	return nil, fmt.Errorf("%w: no eligible connection with send capacity for tenant %s", apperrors.ErrNoCapacity, tenantID)
}

// sortCandidates orders by rotation order ascending, then least recently
// used first. A connection never used outranks any used one at the same
// rotation order.
func sortCandidates(conns []model.Connection) {
	sort.SliceStable(conns, func(i, j int) bool {
		if conns[i].RotationOrder != conns[j].RotationOrder {
			return conns[i].RotationOrder < conns[j].RotationOrder
		}
		li, lj := conns[i].LastUsedAt, conns[j].LastUsedAt
		switch {
		case li == nil && lj == nil:
			return false
		case li == nil:
			return true
		case lj == nil:
			return false
		default:
			return li.Before(*lj)
		}
	})
}
