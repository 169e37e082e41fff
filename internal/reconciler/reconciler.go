// Package reconciler periodically converges the registry with what the
// gateway actually reports. Each cycle lists gateway instances, adopts
// unknown ones, closes known ones the listing omitted, and probes
// connectivity for the rest with bounded concurrency.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/config"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/provider"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/quota"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/registry"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/utils"
)

// Reconciler drives the periodic convergence loop.
type Reconciler struct {
	cfg        config.ReconcilerConfig
	registry   *registry.Registry
	repo       storage.ConnectionRepo
	gateway    provider.Client
	tracker    *quota.Tracker
	baseLogger *zap.Logger

	pool   *ants.Pool
	cancel context.CancelFunc
	stopWg sync.WaitGroup
}

// New creates a reconciler with its probe worker pool.
func New(
	cfg config.ReconcilerConfig,
	reg *registry.Registry,
	repo storage.ConnectionRepo,
	gateway provider.Client,
	tracker *quota.Tracker,
	baseLogger *zap.Logger,
) (*Reconciler, error) {
	r := &Reconciler{
		cfg:        cfg,
		registry:   reg,
		repo:       repo,
		gateway:    gateway,
		tracker:    tracker,
		baseLogger: baseLogger.Named("reconciler"),
	}

	pool, err := ants.NewPool(cfg.ProbeConcurrency,
		ants.WithPanicHandler(func(err interface{}) {
			r.baseLogger.Error("Panic recovered in probe worker", zap.Any("panic_error", err), zap.Stack("stack"))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe pool: %w", err)
	}
	r.pool = pool
	return r, nil
}

// Start launches the reconcile loop. It returns immediately; the loop runs
// until Stop or context cancellation.
func (r *Reconciler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.stopWg.Add(1)
	utils.SafeGo(func() {
		defer r.stopWg.Done()
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		r.baseLogger.Info("Reconciler started", zap.Duration("interval", r.cfg.Interval))
		for {
			select {
			case <-runCtx.Done():
				r.baseLogger.Info("Reconciler stopping")
				return
			case <-ticker.C:
				if err := r.RunCycle(runCtx); err != nil {
					r.baseLogger.Error("Reconcile cycle failed", zap.Error(err))
				}
			}
		}
	}, nil)
}

// Stop halts the loop and releases the probe pool.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.stopWg.Wait()
	r.pool.Release()
	r.baseLogger.Info("Reconciler stopped")
}

// RunCycle performs one full reconciliation pass.
func (r *Reconciler) RunCycle(ctx context.Context) error {
	start := utils.Now()
	err := r.runCycle(ctx)
	observer.ObserveReconcileCycle(time.Since(start), err)
	return err
}

func (r *Reconciler) runCycle(ctx context.Context) error {
	log := logger.FromContextOr(ctx, r.baseLogger)

	instances, err := r.gateway.ListInstances(ctx)
	if err != nil {
		// Without a gateway listing nothing can be judged missing or
		// unknown. Skip the cycle rather than act on partial truth.
		return fmt.Errorf("failed to list gateway instances: %w", err)
	}

	known, err := r.repo.FindActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active connections: %w", err)
	}

	reported := make(map[string]provider.InstanceSummary, len(instances))
	for _, inst := range instances {
		reported[inst.ExternalID] = inst
	}
	tracked := make(map[string]struct{}, len(known))
	for _, conn := range known {
		tracked[conn.ExternalInstanceID] = struct{}{}
	}

	var present []model.Connection
	var missing []model.Connection
	for _, conn := range known {
		if _, ok := reported[conn.ExternalInstanceID]; ok {
			present = append(present, conn)
		} else {
			missing = append(missing, conn)
		}
	}

	var unknown []provider.InstanceSummary
	for _, inst := range instances {
		if _, ok := tracked[inst.ExternalID]; !ok {
			unknown = append(unknown, inst)
		}
	}

	log.Debug("Reconcile cycle partition",
		zap.Int("present", len(present)),
		zap.Int("missing", len(missing)),
		zap.Int("unknown", len(unknown)))

	for _, inst := range unknown {
		if _, err := r.registry.Adopt(ctx, inst); err != nil {
			log.Error("Failed to adopt gateway instance",
				zap.String("external_instance_id", inst.ExternalID),
				zap.Error(err))
		}
	}

	closedNow := r.handleMissing(ctx, missing)
	r.purgeClosedOrphans(ctx, reported, closedNow)
	r.probePresent(ctx, present)
	r.publishStateGauges(ctx)

	return nil
}

// handleMissing closes every active connection the gateway listing omitted.
// The listing is authoritative for existence, so a single omission is enough
// to take the connection out of rotation; the missing-cycle counter only
// decides when the closed row is finally deleted. Returns the IDs closed in
// this cycle so the purge pass does not count the same omission twice.
func (r *Reconciler) handleMissing(ctx context.Context, missing []model.Connection) map[string]struct{} {
	log := logger.FromContextOr(ctx, r.baseLogger)
	closedNow := make(map[string]struct{}, len(missing))

	for _, conn := range missing {
		if _, err := r.registry.Transition(ctx, registry.TransitionRequest{
			ConnectionID: conn.ID,
			Target:       model.StateClosed,
			ObservedAt:   utils.Now(),
			Origin:       "reconciler",
			LastError:    "instance no longer reported by gateway",
		}); err != nil && !apperrors.IsStateConflictError(err) {
			log.Error("Failed to close orphaned connection",
				zap.String("connection_id", conn.ID),
				zap.Error(err))
			continue
		}
		// Transition zeroes the counter, so the first omission is recorded
		// afterwards.
		if err := r.repo.UpdateFields(ctx, conn.ID, map[string]interface{}{
			"missing_cycles": 1,
		}); err != nil {
			log.Error("Failed to record missing cycle",
				zap.String("connection_id", conn.ID),
				zap.Error(err))
			continue
		}
		closedNow[conn.ID] = struct{}{}
		log.Info("Closed orphaned connection",
			zap.String("connection_id", conn.ID),
			zap.String("external_instance_id", conn.ExternalInstanceID))
	}

	return closedNow
}

// purgeClosedOrphans walks connections already closed for gateway omission
// and deletes their rows once the omission has persisted for
// MissingCyclesBeforePurge consecutive cycles.
func (r *Reconciler) purgeClosedOrphans(ctx context.Context, reported map[string]provider.InstanceSummary, closedNow map[string]struct{}) {
	log := logger.FromContextOr(ctx, r.baseLogger)

	closed, err := r.repo.FindByState(ctx, model.StateClosed)
	if err != nil {
		log.Error("Failed to load closed connections", zap.Error(err))
		return
	}

	purged := 0
	for _, conn := range closed {
		if conn.MissingCycles == 0 {
			// Closed by teardown rather than omission; rows like these are
			// kept as audit trail.
			continue
		}
		if _, ok := closedNow[conn.ID]; ok {
			continue
		}
		if _, ok := reported[conn.ExternalInstanceID]; ok {
			// Reappeared after closure. Drop the stale closed row so its
			// external id frees up and the adoption path can re-register
			// the live instance.
			if err := r.repo.Delete(ctx, conn.ID); err != nil {
				log.Error("Failed to drop stale closed connection",
					zap.String("connection_id", conn.ID),
					zap.Error(err))
				continue
			}
			r.tracker.Forget(conn.ID)
			continue
		}

		cycles := conn.MissingCycles + 1
		if cycles < r.cfg.MissingCyclesBeforePurge {
			if err := r.repo.UpdateFields(ctx, conn.ID, map[string]interface{}{
				"missing_cycles": cycles,
			}); err != nil {
				log.Error("Failed to record missing cycle",
					zap.String("connection_id", conn.ID),
					zap.Error(err))
			}
			continue
		}

		if err := r.repo.Delete(ctx, conn.ID); err != nil {
			log.Error("Failed to purge orphaned connection",
				zap.String("connection_id", conn.ID),
				zap.Error(err))
			continue
		}
		r.tracker.Forget(conn.ID)
		purged++
		log.Info("Purged orphaned connection",
			zap.String("connection_id", conn.ID),
			zap.String("external_instance_id", conn.ExternalInstanceID),
			zap.Int("missing_cycles", cycles))
	}

	observer.IncOrphansPurged(purged)
}

// probePresent checks connectivity of every reported connection with at most
// ProbeConcurrency probes in flight.
func (r *Reconciler) probePresent(ctx context.Context, present []model.Connection) {
	var wg sync.WaitGroup
	for _, conn := range present {
		conn := conn
		wg.Add(1)
		if err := r.pool.Submit(func() {
			defer wg.Done()
			r.probeOne(ctx, conn)
		}); err != nil {
			wg.Done()
			logger.FromContextOr(ctx, r.baseLogger).Error("Failed to submit probe",
				zap.String("connection_id", conn.ID),
				zap.Error(err))
		}
	}
	wg.Wait()
}

// probeOne queries one instance's session state and feeds the observation to
// the registry.
func (r *Reconciler) probeOne(ctx context.Context, conn model.Connection) {
	log := logger.FromContextOr(ctx, r.baseLogger)
	observedAt := utils.Now()

	connectivity, err := r.gateway.GetConnectivity(ctx, conn.ExternalInstanceID)
	if err != nil {
		r.handleProbeFailure(ctx, conn, err)
		return
	}

	target := mapSessionState(connectivity.State)
	if conn.State.Terminal() {
		return
	}
	if _, err := r.registry.Transition(ctx, registry.TransitionRequest{
		ConnectionID: conn.ID,
		Target:       target,
		ObservedAt:   observedAt,
		Origin:       "reconciler",
		PhoneNumber:  connectivity.PhoneNumber,
	}); err != nil {
		if apperrors.IsStateConflictError(err) {
			// Fresher evidence landed while the probe was in flight.
			log.Debug("Probe result superseded",
				zap.String("connection_id", conn.ID),
				zap.String("target", string(target)))
			return
		}
		log.Error("Failed to apply probe result",
			zap.String("connection_id", conn.ID),
			zap.String("target", string(target)),
			zap.Error(err))
	}
}

// handleProbeFailure tolerates transient probe errors and demotes a
// connection to Disconnected only after repeated consecutive timeouts.
func (r *Reconciler) handleProbeFailure(ctx context.Context, conn model.Connection, probeErr error) {
	log := logger.FromContextOr(ctx, r.baseLogger)

	if !apperrors.IsProviderUnreachableError(probeErr) && !apperrors.IsTimeoutError(probeErr) {
		if apperrors.IsProviderNotFoundError(probeErr) {
			// Listed a moment ago but gone now. The next cycle's listing
			// will count it missing; nothing to do here.
			return
		}
		log.Error("Probe failed",
			zap.String("connection_id", conn.ID),
			zap.Error(probeErr))
		return
	}

	timeouts := conn.ConsecutiveTimeouts + 1
	if timeouts < r.cfg.TimeoutsBeforeStateLoss {
		if err := r.repo.UpdateFields(ctx, conn.ID, map[string]interface{}{
			"consecutive_timeouts": timeouts,
		}); err != nil {
			log.Error("Failed to record probe timeout",
				zap.String("connection_id", conn.ID),
				zap.Error(err))
		}
		log.Warn("Probe timed out",
			zap.String("connection_id", conn.ID),
			zap.Int("consecutive_timeouts", timeouts))
		return
	}

	if conn.State.Terminal() || conn.State == model.StateDisconnected {
		return
	}
	if _, err := r.registry.Transition(ctx, registry.TransitionRequest{
		ConnectionID: conn.ID,
		Target:       model.StateDisconnected,
		ObservedAt:   utils.Now(),
		Origin:       "reconciler",
		LastError:    "connectivity probes timed out",
	}); err != nil && !apperrors.IsStateConflictError(err) {
		log.Error("Failed to demote unreachable connection",
			zap.String("connection_id", conn.ID),
			zap.Error(err))
	}
}

// publishStateGauges refreshes the per-state fleet gauges.
func (r *Reconciler) publishStateGauges(ctx context.Context) {
	counts := map[model.ConnectionState]int{
		model.StateProvisioning: 0,
		model.StateAwaitingScan: 0,
		model.StateConnected:    0,
		model.StateDisconnected: 0,
	}
	conns, err := r.repo.FindActive(ctx)
	if err != nil {
		return
	}
	for _, conn := range conns {
		counts[conn.State]++
	}
	for state, count := range counts {
		observer.SetConnectionsByState(string(state), count)
	}
}

// mapSessionState translates gateway session wording into registry states.
func mapSessionState(state string) model.ConnectionState {
	switch state {
	case provider.SessionOpen:
		return model.StateConnected
	case provider.SessionConnecting:
		return model.StateAwaitingScan
	default:
		return model.StateDisconnected
	}
}
