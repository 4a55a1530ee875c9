// Package notify fans domain events out to subscribers after the change that
// produced them has been committed. Delivery never fails the API call that
// raised the event.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/pitabwire/procura/internal/observability"
	"github.com/pitabwire/procura/model"
)

// Publisher delivers an event to one kind of subscriber.
type Publisher interface {
	Publish(ctx context.Context, event model.Event) error
}

// NewEvent builds an event raised by the caller in ac.
func NewEvent(ac *model.AuthContext, eventType, subject, subjectID string, data map[string]any) model.Event {
	return model.Event{
		ID:             uuid.New().String(),
		Type:           eventType,
		OrganizationID: ac.OrgID,
		ActorID:        ac.UserID,
		Subject:        subject,
		SubjectID:      subjectID,
		Data:           data,
		OccurredAt:     time.Now().UTC(),
	}
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, model.Event) error { return nil }

// Multi publishes to each publisher in turn. A failing publisher does not
// stop the others; failures are logged, counted, and joined.
type Multi struct {
	publishers []Publisher
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewMulti creates a fan-out publisher. Nil publishers are skipped.
func NewMulti(metrics *observability.Metrics, logger *zap.Logger, publishers ...Publisher) *Multi {
	if logger == nil {
		logger = zap.NewNop()
	}
	var ps []Publisher
	for _, p := range publishers {
		if p != nil {
			ps = append(ps, p)
		}
	}
	return &Multi{publishers: ps, metrics: metrics, logger: logger}
}

// Publish sends event to every publisher.
func (m *Multi) Publish(ctx context.Context, event model.Event) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
			m.metrics.RecordEventPublished(event.Type, "error")
			observability.RequestLogger(ctx, m.logger).Warn("event publish failed",
				zap.String("event_type", event.Type),
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
			continue
		}
		m.metrics.RecordEventPublished(event.Type, "ok")
	}
	return errors.Join(errs...)
}

// --- NATS ---

// NATSConn is the part of *nats.Conn the publisher needs.
type NATSConn interface {
	Publish(subj string, data []byte) error
}

// NATSPublisher publishes events as JSON to <prefix>.<org>.<event type>.
type NATSPublisher struct {
	conn   NATSConn
	prefix string
}

// NewNATSPublisher creates a NATS publisher.
func NewNATSPublisher(conn NATSConn, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(event model.Event) string {
	parts := []string{event.OrganizationID, event.Type}
	if p.prefix != "" {
		parts = append([]string{p.prefix}, parts...)
	}
	return strings.Join(parts, ".")
}

// Publish marshals event and publishes it.
func (p *NATSPublisher) Publish(_ context.Context, event model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(event), data); err != nil {
		return fmt.Errorf("nats publish %s: %w", event.Type, err)
	}
	return nil
}

// ConnectNATS dials the NATS server at url with unlimited reconnects.
func ConnectNATS(url string, logger *zap.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("procura"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return conn, nil
}

// NATSChecker reports readiness of a NATS connection.
type NATSChecker struct {
	Conn *nats.Conn
}

// HealthCheck fails unless the connection is established.
func (c NATSChecker) HealthCheck(context.Context) error {
	if status := c.Conn.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats connection %s", status)
	}
	return nil
}
