package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/swiftride/dispatch/pkg/logger"
	"go.uber.org/zap"
)

// Subjects for dispatch events.
const (
	SubjectRideRequested = "ride.requested"
	SubjectRideMatched   = "ride.matched"
	SubjectRideAccepted  = "ride.accepted"
	SubjectRideDeclined  = "ride.declined"
	SubjectRideExpired   = "ride.expired"
	SubjectRideCancelled = "ride.cancelled"

	SubjectDriverLocationUpdated = "driver.location.updated"
	SubjectDriverStatusChanged   = "driver.status.changed"

	SubjectSurgeUpdated = "surge.updated"
)

const (
	defaultStreamName = "DISPATCH"
	streamSetupWait   = 10 * time.Second
)

// Event is the envelope for all events published through the bus.
type Event struct {
	ID        string          `json:"eventId"`
	Type      string          `json:"eventType"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent creates a new event with a unique ID and current timestamp.
func NewEvent(eventType, source string, data interface{}) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// HandlerFunc processes a received event. Return nil to ack, error to nack.
type HandlerFunc func(ctx context.Context, event *Event) error

// Publisher is the subset of Bus used by services to emit events.
type Publisher interface {
	Publish(ctx context.Context, subject string, event *Event) error
}

// Config holds NATS connection settings.
type Config struct {
	URL        string
	Name       string // client connection name
	StreamName string // JetStream stream name (default: "DISPATCH")
}

func (c Config) stream() string {
	if c.StreamName == "" {
		return defaultStreamName
	}
	return c.StreamName
}

// Bus wraps a NATS JetStream connection for publishing and subscribing.
type Bus struct {
	conn *nats.Conn
	js   jetstream.JetStream
	cfg  Config
	subs []jetstream.ConsumeContext
}

var _ Publisher = (*Bus)(nil)

// New connects to NATS and ensures the dispatch stream exists. The
// connection reconnects forever on its own; only the initial dial and
// stream setup can fail here.
func New(cfg Config) (*Bus, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats connection lost", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats connection restored")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	b := &Bus{conn: nc, js: js, cfg: cfg}
	if err := b.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}

	logger.Info("event bus ready",
		zap.String("url", cfg.URL),
		zap.String("stream", cfg.stream()),
	)
	return b, nil
}

// ensureStream creates or updates the stream all dispatch subjects flow
// through. Interest retention: events with no consumer are dropped rather
// than accumulated.
func (b *Bus) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), streamSetupWait)
	defer cancel()

	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      b.cfg.stream(),
		Subjects:  []string{"ride.>", "driver.>", "surge.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.InterestPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", b.cfg.stream(), err)
	}
	return nil
}

// Publish sends an event to the given subject. The event ID doubles as the
// JetStream message ID, so a retried publish cannot duplicate the event.
func (b *Bus) Publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := b.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.ID)); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	logger.Debug("event published",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("type", event.Type),
	)
	return nil
}

// Subscribe attaches a durable consumer to the subject and feeds matching
// events to the handler. The consumerName must be unique per subscriber
// (e.g., "analytics-rides") and is what survives restarts.
func (b *Bus) Subscribe(ctx context.Context, subject, consumerName string, handler HandlerFunc) error {
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.cfg.stream(), jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	cc, err := consumer.Consume(b.deliver(ctx, handler))
	if err != nil {
		return fmt.Errorf("consume %s: %w", consumerName, err)
	}

	b.subs = append(b.subs, cc)
	logger.Info("consumer attached",
		zap.String("subject", subject),
		zap.String("consumer", consumerName),
	)
	return nil
}

// deliver adapts a HandlerFunc to the JetStream callback. Malformed
// payloads are terminated, handler failures are redelivered up to the
// consumer's MaxDeliver.
func (b *Bus) deliver(ctx context.Context, handler HandlerFunc) jetstream.MessageHandler {
	return func(msg jetstream.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			logger.Warn("dropping malformed event", zap.Error(err))
			msg.Term()
			return
		}

		if err := handler(ctx, &event); err != nil {
			logger.Warn("event handler failed, message will redeliver",
				zap.String("event_id", event.ID),
				zap.String("type", event.Type),
				zap.Error(err),
			)
			msg.Nak()
			return
		}

		msg.Ack()
	}
}

// Close drains subscriptions and closes the NATS connection.
func (b *Bus) Close() {
	for _, sub := range b.subs {
		sub.Stop()
	}
	if b.conn != nil {
		b.conn.Drain()
	}
	logger.Info("event bus closed")
}

// Connected returns true if the NATS connection is active.
func (b *Bus) Connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}
