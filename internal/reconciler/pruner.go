package reconciler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/utils"
)

// Pruner drops dedup markers older than the retention window. The window
// must stay comfortably wider than any realistic gateway redelivery horizon;
// markers inside it are what keeps replayed fetches idempotent.
type Pruner struct {
	records    storage.InboundRecordRepo
	windowDays int
	interval   time.Duration
	baseLogger *zap.Logger

	cancel context.CancelFunc
	stopWg sync.WaitGroup
}

// NewPruner creates a dedup record pruner.
func NewPruner(records storage.InboundRecordRepo, windowDays int, interval time.Duration, baseLogger *zap.Logger) *Pruner {
	return &Pruner{
		records:    records,
		windowDays: windowDays,
		interval:   interval,
		baseLogger: baseLogger.Named("dedup_pruner"),
	}
}

// Start launches the pruning loop.
func (p *Pruner) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.stopWg.Add(1)
	utils.SafeGo(func() {
		defer p.stopWg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.baseLogger.Info("Dedup pruner started",
			zap.Int("window_days", p.windowDays),
			zap.Duration("interval", p.interval))
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.PruneOnce(runCtx)
			}
		}
	}, nil)
}

// Stop halts the pruning loop.
func (p *Pruner) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.stopWg.Wait()
}

// PruneOnce deletes markers older than the retention window.
func (p *Pruner) PruneOnce(ctx context.Context) {
	cutoff := utils.Now().AddDate(0, 0, -p.windowDays)
	deleted, err := p.records.PruneOlderThan(ctx, cutoff)
	if err != nil {
		p.baseLogger.Error("Dedup prune failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		p.baseLogger.Info("Dedup prune finished", zap.Int64("deleted", deleted))
	}
}
