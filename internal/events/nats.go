package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/config"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/utils"
)

// NatsPublisher publishes connection lifecycle events to a JetStream stream.
type NatsPublisher struct {
	nc            *nats.Conn
	js            nats.JetStreamContext
	subjectPrefix string
}

var _ Publisher = (*NatsPublisher)(nil)

// NewNatsPublisher connects to NATS, ensures the event stream exists, and
// returns a publisher bound to the configured subject prefix.
func NewNatsPublisher(ctx context.Context, cfg config.NATSConfig) (*NatsPublisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, s *nats.Subscription, err error) {
			logger.Log.Error("NATS error", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	p := &NatsPublisher{
		nc:            nc,
		js:            js,
		subjectPrefix: cfg.EventSubjectPrefix,
	}

	streamConfig := &nats.StreamConfig{
		Name:      cfg.EventStream,
		Subjects:  []string{cfg.EventSubjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    time.Duration(cfg.EventMaxAgeDays) * 24 * time.Hour,
		Storage:   nats.FileStorage,
	}
	if err := p.setupStream(ctx, streamConfig); err != nil {
		nc.Close()
		return nil, err
	}

	return p, nil
}

// setupStream creates the stream if missing or updates it when its retention
// settings drifted from the configured ones.
func (p *NatsPublisher) setupStream(ctx context.Context, streamConfig *nats.StreamConfig) error {
	log := logger.FromContext(ctx)

	stream, err := p.js.StreamInfo(streamConfig.Name)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info for '%s': %w", streamConfig.Name, err)
	}

	if stream == nil {
		if _, err := p.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to add stream '%s': %w", streamConfig.Name, err)
		}
		log.Info("Created event stream",
			zap.String("name", streamConfig.Name),
			zap.Any("subjects", streamConfig.Subjects))
		return nil
	}

	if stream.Config.MaxAge != streamConfig.MaxAge {
		if _, err := p.js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("failed to update stream '%s': %w", streamConfig.Name, err)
		}
		log.Info("Updated event stream retention",
			zap.String("name", streamConfig.Name),
			zap.Duration("max_age", streamConfig.MaxAge))
	}
	return nil
}

// Publish sends one lifecycle event. The event id doubles as the JetStream
// message id, so redelivered publishes deduplicate server side.
func (p *NatsPublisher) Publish(ctx context.Context, event model.ConnectionEvent) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = utils.Now()
	}

	subject := event.Subject(p.subjectPrefix)
	payload := utils.MustMarshalJSON(event)

	_, err := p.js.Publish(subject, payload, nats.MsgId(event.EventID), nats.Context(ctx))
	observer.IncEventPublished(string(event.Kind), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to publish lifecycle event",
			zap.String("subject", subject),
			zap.String("event_id", event.EventID),
			zap.String("kind", string(event.Kind)),
			zap.Error(err))
		return fmt.Errorf("failed to publish event to '%s': %w", subject, err)
	}

	logger.FromContext(ctx).Debug("Published lifecycle event",
		zap.String("subject", subject),
		zap.String("event_id", event.EventID),
		zap.String("connection_id", event.ConnectionID))
	return nil
}

// Close drains the NATS connection.
func (p *NatsPublisher) Close() {
	if p.nc != nil && !p.nc.IsClosed() {
		if err := p.nc.Drain(); err != nil {
			logger.Log.Warn("Error draining NATS connection", zap.Error(err))
		}
	}
}
