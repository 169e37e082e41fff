// Package ingestion pulls recent messages off every Connected instance and
// lands each in the ticketing backend exactly once. A single worker pool
// with a hard size cap serves the whole fleet, one worker per connection per
// tick, so a slow instance never stalls the others; membership is re-derived
// from the registry on every poll, so connections joining or leaving never
// requires pool surgery.
package ingestion

import (
	"context"
	"errors"
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
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/ticketing"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/utils"
)

// defaultQueue is the ticketing queue for connections with no queue of their
// own.
const defaultQueue = "whatsapp"

// pollTask carries one connection's fetch-and-process pass through the worker
// pool.
type pollTask struct {
	ctx  context.Context
	conn model.Connection
	wg   *sync.WaitGroup
}

// Pipeline polls connected instances and processes their inbound messages.
type Pipeline struct {
	cfg        config.IngestionConfig
	connRepo   storage.ConnectionRepo
	records    storage.InboundRecordRepo
	gateway    provider.Client
	tickets    ticketing.Client
	tracker    *quota.Tracker
	baseLogger *zap.Logger

	pool   *ants.PoolWithFunc
	cancel context.CancelFunc
	stopWg sync.WaitGroup
}

// NewPipeline creates the ingestion pipeline and its worker pool.
func NewPipeline(
	cfg config.IngestionConfig,
	connRepo storage.ConnectionRepo,
	records storage.InboundRecordRepo,
	gateway provider.Client,
	tickets ticketing.Client,
	tracker *quota.Tracker,
	baseLogger *zap.Logger,
) (*Pipeline, error) {
	p := &Pipeline{
		cfg:        cfg,
		connRepo:   connRepo,
		records:    records,
		gateway:    gateway,
		tickets:    tickets,
		tracker:    tracker,
		baseLogger: baseLogger.Named("ingestion"),
	}

	pool, err := ants.NewPoolWithFunc(cfg.PoolSize, func(i interface{}) {
		task, ok := i.(pollTask)
		if !ok {
			p.baseLogger.Error("Invalid task data type received", zap.Any("data", i))
			return
		}
		defer task.wg.Done()
		p.pollConnection(task.ctx, task.conn)
	},
		ants.WithExpiryDuration(cfg.ExpiryTime),
		ants.WithNonblocking(false),
		ants.WithMaxBlockingTasks(cfg.QueueSize),
		ants.WithPanicHandler(func(err interface{}) {
			p.baseLogger.Error("Panic recovered in ingestion worker", zap.Any("panic_error", err), zap.Stack("stack"))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingestion worker pool: %w", err)
	}
	p.pool = pool

	p.baseLogger.Info("Ingestion worker pool initialized",
		zap.Int("pool_size", cfg.PoolSize),
		zap.Int("queue_size", cfg.QueueSize),
		zap.Duration("poll_interval", cfg.PollInterval))
	return p, nil
}

// Start launches the polling loop.
func (p *Pipeline) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.stopWg.Add(1)
	utils.SafeGo(func() {
		defer p.stopWg.Done()
		ticker := time.NewTicker(p.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				p.baseLogger.Info("Ingestion loop stopping")
				return
			case <-ticker.C:
				p.RunPoll(runCtx)
			}
		}
	}, nil)
}

// Stop halts polling and releases the worker pool after in-flight tasks
// finish.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.stopWg.Wait()
	p.pool.Release()
	p.baseLogger.Info("Ingestion pipeline stopped")
}

// RunPoll hands every Connected connection to the worker pool and waits for
// all of them to finish. The fetch itself runs inside the worker, so slow
// gateway responses for one connection overlap with the others instead of
// serializing the whole tick.
func (p *Pipeline) RunPoll(ctx context.Context) {
	log := logger.FromContextOr(ctx, p.baseLogger)

	conns, err := p.connRepo.FindByState(ctx, model.StateConnected)
	if err != nil {
		log.Error("Failed to load connected connections", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		task := pollTask{ctx: ctx, conn: conn, wg: &wg}
		if err := p.pool.Invoke(task); err != nil {
			wg.Done()
			if errors.Is(err, ants.ErrPoolOverload) {
				log.Warn("Ingestion pool overloaded, connection skipped this tick",
					zap.String("connection_id", conn.ID))
			} else {
				log.Error("Failed to submit poll task",
					zap.String("connection_id", conn.ID),
					zap.Error(err))
			}
		}
	}
	wg.Wait()
}

// pollConnection fetches one connection's recent messages and processes them
// in order.
func (p *Pipeline) pollConnection(ctx context.Context, conn model.Connection) {
	log := logger.FromContextOr(ctx, p.baseLogger)

	messages, err := p.gateway.FetchRecentMessages(ctx, conn.ExternalInstanceID, p.cfg.FetchLimit)
	if err != nil {
		log.Warn("Failed to fetch recent messages",
			zap.String("connection_id", conn.ID),
			zap.String("external_instance_id", conn.ExternalInstanceID),
			zap.Error(err))
		return
	}
	for _, msg := range messages {
		p.processMessage(ctx, conn, msg)
	}
}

// processMessage lands one inbound message in ticketing exactly once.
//
// The dedup marker is written only after the ticket append succeeds. A crash
// between append and mark makes the next poll retry the append, so the
// ticketing side may see the message twice; a marker written first would
// instead silently lose the message, which is the worse failure.
func (p *Pipeline) processMessage(ctx context.Context, conn model.Connection, msg provider.InboundMessage) {
	log := logger.FromContextOr(ctx, p.baseLogger).With(
		zap.String("connection_id", conn.ID),
		zap.String("external_message_id", msg.ExternalMessageID),
	)

	if msg.FromMe {
		observer.IncMessageIngested("skipped")
		return
	}
	if utils.IsGroupRemoteID(msg.RemoteID) {
		observer.IncMessageIngested("skipped")
		return
	}

	seen, err := p.records.Exists(ctx, conn.ID, msg.ExternalMessageID)
	if err != nil {
		observer.IncMessageIngested("failed")
		log.Error("Dedup lookup failed", zap.Error(err))
		return
	}
	if seen {
		observer.IncMessageIngested("duplicate")
		return
	}

	phone := utils.NormalizePhone(msg.RemoteID)
	if phone == "" {
		observer.IncMessageIngested("skipped")
		log.Warn("Message has no usable sender id", zap.String("remote_id", msg.RemoteID))
		return
	}

	ticketID, err := p.resolveTicket(ctx, conn, phone)
	if err != nil {
		observer.IncMessageIngested("failed")
		log.Error("Failed to resolve ticket",
			zap.String("phone", phone),
			zap.Error(err))
		return
	}

	if err := p.tickets.AppendMessage(ctx, ticketID, ticketing.DirectionInbound, msg.Text, msg.ExternalMessageID); err != nil {
		observer.IncMessageIngested("failed")
		log.Error("Failed to append message to ticket",
			zap.String("ticket_id", ticketID),
			zap.Error(err))
		return
	}

	if err := p.records.Record(ctx, model.InboundMessageRecord{
		ConnectionID:      conn.ID,
		ExternalMessageID: msg.ExternalMessageID,
		ProcessedAt:       utils.Now(),
	}); err != nil {
		if apperrors.IsDuplicateMessageError(err) {
			// A concurrent worker won the race past the Exists check. The
			// append may have run twice; the marker stays single.
			observer.IncMessageIngested("duplicate")
			return
		}
		observer.IncMessageIngested("failed")
		log.Error("Failed to write dedup marker", zap.Error(err))
		return
	}

	// Inbound always lands regardless of quota; overflow only flags.
	exceeded, err := p.tracker.ConsumeReceived(ctx, conn.ID)
	if err != nil {
		log.Warn("Failed to count received message against quota", zap.Error(err))
	} else if exceeded {
		log.Warn("Receive quota exceeded, message processed anyway",
			zap.String("tenant_id", conn.TenantID))
	}

	observer.IncMessageIngested("processed")
	log.Debug("Inbound message processed", zap.String("ticket_id", ticketID))
}

// resolveTicket returns the open ticket for (tenant, phone), creating one on
// the connection's queue when none exists.
func (p *Pipeline) resolveTicket(ctx context.Context, conn model.Connection, phone string) (string, error) {
	ticketID, err := p.tickets.FindOpenTicket(ctx, conn.TenantID, phone)
	if err != nil {
		return "", err
	}
	if ticketID != "" {
		return ticketID, nil
	}
	queue := conn.Queue
	if queue == "" {
		queue = defaultQueue
	}
	return p.tickets.CreateTicket(ctx, conn.TenantID, phone, queue)
}
