package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pinwarden/pinwarden/internal/logging"
)

const (
	streamName     = "PINWARDEN_EVENTS"
	subjectRoot    = "pinwarden.events"
	subjectPattern = subjectRoot + ".>"
	consumerPrefix = "pinwarden-consumer-"
)

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	MaxAge        time.Duration
}

// NATSBus publishes and consumes events via NATS JetStream.
type NATSBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger logging.Logger

	mu            sync.Mutex
	subscriptions []*nats.Subscription
	wg            sync.WaitGroup
	cancel        context.CancelFunc
	ctx           context.Context
}

// NewNATSBus connects to NATS, ensures the event stream exists and returns
// a ready bus.
func NewNATSBus(cfg Config, logger logging.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "pinwarden"
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 10
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 24 * time.Hour
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn(context.Background(), "nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info(context.Background(), "nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info(context.Background(), "nats connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.URL, err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	bus := &NATSBus{
		conn:   conn,
		js:     js,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := bus.setupStream(cfg.MaxAge); err != nil {
		cancel()
		conn.Close()
		return nil, err
	}
	return bus, nil
}

func (b *NATSBus) setupStream(maxAge time.Duration) error {
	streamCfg := &nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPattern},
		Retention:  nats.LimitsPolicy,
		MaxAge:     maxAge,
		Storage:    nats.FileStorage,
		Duplicates: 5 * time.Minute,
	}

	_, err := b.js.StreamInfo(streamName)
	if err == nats.ErrStreamNotFound {
		if _, err := b.js.AddStream(streamCfg); err != nil {
			return fmt.Errorf("creating stream %s: %w", streamName, err)
		}
		b.logger.Info(b.ctx, "created event stream", zap.String("stream", streamName))
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking stream %s: %w", streamName, err)
	}
	if _, err := b.js.UpdateStream(streamCfg); err != nil {
		return fmt.Errorf("updating stream %s: %w", streamName, err)
	}
	return nil
}

// PublishEvent publishes an event to the stream. The event id doubles as the
// JetStream message id for deduplication.
func (b *NATSBus) PublishEvent(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("event is nil")
	}
	if event.ID == "" {
		return fmt.Errorf("event id is empty")
	}

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		event.TraceID = sc.TraceID().String()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event %s: %w", event.ID, err)
	}

	subject := subjectFor(event.Type)
	if _, err := b.js.Publish(subject, payload, nats.MsgId(event.ID)); err != nil {
		return fmt.Errorf("publishing event %s to %s: %w", event.ID, subject, err)
	}

	b.logger.Debug(ctx, "published event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("subject", subject))
	return nil
}

// Subscribe registers a durable pull consumer for an event type and starts
// a goroutine delivering messages to the handler until Close.
func (b *NATSBus) Subscribe(eventType EventType, handler Handler) error {
	subject := subjectFor(eventType)
	durable := consumerFor(eventType)

	sub, err := b.js.PullSubscribe(subject, durable,
		nats.AckExplicit(),
		nats.DeliverNew(),
		nats.MaxDeliver(3),
		nats.AckWait(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subscriptions = append(b.subscriptions, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consume(sub, handler)

	b.logger.Info(b.ctx, "subscribed to events",
		zap.String("subject", subject),
		zap.String("consumer", durable))
	return nil
}

func (b *NATSBus) consume(sub *nats.Subscription, handler Handler) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		msgs, err := sub.Fetch(10, nats.MaxWait(time.Second))
		if err != nil {
			if err == nats.ErrTimeout || err == context.DeadlineExceeded {
				continue
			}
			if b.ctx.Err() != nil {
				return
			}
			b.logger.Warn(b.ctx, "fetching messages", zap.Error(err))
			continue
		}

		for _, msg := range msgs {
			var event Event
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				b.logger.Error(b.ctx, "unmarshaling event", zap.Error(err))
				msg.Ack()
				continue
			}
			if err := handler.Handle(b.ctx, &event); err != nil {
				b.logger.Warn(b.ctx, "handling event",
					zap.String("event_id", event.ID),
					zap.String("event_type", string(event.Type)),
					zap.Error(err))
				msg.Nak()
				continue
			}
			msg.Ack()
		}
	}
}

// Close stops consumers and closes the connection.
func (b *NATSBus) Close() error {
	b.cancel()

	b.mu.Lock()
	for _, sub := range b.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn(context.Background(), "unsubscribing", zap.Error(err))
		}
	}
	b.subscriptions = nil
	b.mu.Unlock()

	b.wg.Wait()
	b.conn.Close()
	return nil
}

func subjectFor(eventType EventType) string {
	return fmt.Sprintf("%s.%s", subjectRoot, eventType)
}

func consumerFor(eventType EventType) string {
	return consumerPrefix + sanitize(string(eventType))
}

func sanitize(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '*' || c == '>' {
			c = '-'
		}
		out[i] = c
	}
	return string(out)
}
