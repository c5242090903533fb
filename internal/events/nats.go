package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	PublishMsg(m *nats.Msg) error
	Status() nats.Status
	Drain() error
}

// NATSConfig holds the connection settings for NewNATSPublisher.
type NATSConfig struct {
	URL            string
	Name           string
	SubjectPrefix  string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// NATSPublisher publishes JSON events on "<prefix>.<type>" subjects.
type NATSPublisher struct {
	conn   Conn
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher connects to NATS and returns a publisher.
func NewNATSPublisher(cfg NATSConfig, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return NewNATSPublisherWithConn(conn, cfg.SubjectPrefix, logger), nil
}

// NewNATSPublisherWithConn wraps an existing connection.
func NewNATSPublisherWithConn(conn Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(eventType string) string {
	if p.prefix == "" {
		return eventType
	}
	return p.prefix + "." + eventType
}

// PublishFieldsChanged implements Publisher.
func (p *NATSPublisher) PublishFieldsChanged(ctx context.Context, ev FieldsChanged) error {
	return p.publish(ctx, TypeFieldsChanged, ev.ID, ev.TenantID, ev)
}

// PublishConfigurationChanged implements Publisher.
func (p *NATSPublisher) PublishConfigurationChanged(ctx context.Context, ev ConfigurationChanged) error {
	return p.publish(ctx, TypeConfigurationChanged, ev.ID, ev.TenantID, ev)
}

func (p *NATSPublisher) publish(ctx context.Context, eventType, id, tenantID string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	msg := nats.NewMsg(p.Subject(eventType))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, id)
	msg.Header.Set("Tenant-Id", tenantID)

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	p.logger.Debug("event published", zap.String("subject", msg.Subject), zap.String("event_id", id))
	return nil
}

// HealthCheck reports an error unless the connection is established.
func (p *NATSPublisher) HealthCheck(context.Context) error {
	if s := p.conn.Status(); s != nats.CONNECTED {
		return errors.New("nats connection is " + s.String())
	}
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
