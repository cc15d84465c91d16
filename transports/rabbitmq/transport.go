package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-gateway/internal/rabbitmq"
	"github.com/glimte/mmate-gateway/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

var _ messaging.Transport = (*Transport)(nil)

// Transport implements messaging.Transport for RabbitMQ. Destinations map
// onto durable queues reached through the default exchange, the same queues
// RabbitMQ's STOMP plugin uses for "/queue/<name>".
type Transport struct {
	conn      *rabbitmq.Connection
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	logger    *slog.Logger

	declareQueues bool
	declared      sync.Map
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions  []rabbitmq.ConnectionOption
	ChannelPoolOptions []rabbitmq.ChannelPoolOption
	PublisherOptions   []rabbitmq.PublisherOption
	ConsumerOptions    []rabbitmq.ConsumerOption
	Logger             *slog.Logger
	DeclareQueues      bool
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithChannelPoolOptions sets channel pool options
func WithChannelPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ChannelPoolOptions = append(cfg.ChannelPoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithLogger sets the logger used by the transport and its consumers
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// WithQueueDeclaration controls whether queues are declared durable before
// first use. Disable it when queues are provisioned out of band.
func WithQueueDeclaration(enabled bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.DeclareQueues = enabled
	}
}

// NewTransport creates a RabbitMQ transport. It does not connect.
func NewTransport(connectionString string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		Logger:        slog.Default(),
		DeclareQueues: true,
	}

	for _, opt := range options {
		opt(cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	conn := rabbitmq.NewConnection(connectionString, connOpts...)

	pool, err := rabbitmq.NewChannelPool(conn, cfg.ChannelPoolOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	consumerOpts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.Logger)}, cfg.ConsumerOptions...)

	return &Transport{
		conn:          conn,
		pool:          pool,
		publisher:     rabbitmq.NewPublisher(pool, cfg.PublisherOptions...),
		consumer:      rabbitmq.NewConsumer(conn, consumerOpts...),
		logger:        cfg.Logger,
		declareQueues: cfg.DeclareQueues,
	}, nil
}

// Connect establishes the connection to the broker
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.conn.Connect(ctx); err != nil {
		return err
	}

	// a restarted broker may have lost non-durable state
	t.declared.Range(func(key, _ any) bool {
		t.declared.Delete(key)
		return true
	})
	return nil
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.conn.IsConnected()
}

// Publish sends msg to the queue behind destination and waits for the
// broker's confirm
func (t *Transport) Publish(ctx context.Context, destination string, msg *messaging.OutboundMessage) error {
	if !t.conn.IsConnected() {
		return fmt.Errorf("publish to %s: %w", destination, messaging.ErrNotConnected)
	}

	queue := messaging.QueueName(destination)
	if err := t.ensureQueue(ctx, queue); err != nil {
		return err
	}

	return t.publisher.Publish(ctx, "", queue, toPublishing(msg))
}

// Subscribe consumes from the queue behind destination on a dedicated
// channel
func (t *Transport) Subscribe(ctx context.Context, destination string, handler messaging.DeliveryHandler) (messaging.Subscription, error) {
	if !t.conn.IsConnected() {
		return nil, fmt.Errorf("subscribe to %s: %w", destination, messaging.ErrNotConnected)
	}

	queue := messaging.QueueName(destination)
	if err := t.ensureQueue(ctx, queue); err != nil {
		return nil, err
	}

	handle, err := t.consumer.Subscribe(ctx, queue, func(_ context.Context, d amqp.Delivery) {
		handler(toDelivery(destination, d))
	})
	if err != nil {
		return nil, err
	}

	return &subscription{handle: handle}, nil
}

// NotifyDisconnect yields an error whenever the broker drops the connection
func (t *Transport) NotifyDisconnect() <-chan error {
	return t.conn.Disconnects()
}

// Endpoint returns the broker URL without its password
func (t *Transport) Endpoint() string {
	return t.conn.Endpoint()
}

// Close closes all resources
func (t *Transport) Close() error {
	t.consumer.UnsubscribeAll()
	if err := t.pool.Close(); err != nil {
		t.logger.Warn("failed to close channel pool", "error", err)
	}
	return t.conn.Close()
}

func (t *Transport) ensureQueue(ctx context.Context, queue string) error {
	if !t.declareQueues {
		return nil
	}
	if _, ok := t.declared.Load(queue); ok {
		return nil
	}

	err := t.pool.Execute(ctx, func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclare(
			queue,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,   // args
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	t.declared.Store(queue, struct{}{})
	return nil
}

// toPublishing converts an outbound message into AMQP properties
func toPublishing(msg *messaging.OutboundMessage) amqp.Publishing {
	p := amqp.Publishing{
		ContentType:   msg.ContentType,
		CorrelationId: msg.CorrelationID,
		MessageId:     msg.MessageID,
		Timestamp:     msg.Timestamp,
		Body:          msg.Body,
		DeliveryMode:  amqp.Transient,
	}
	if p.ContentType == "" {
		p.ContentType = "application/json"
	}
	if msg.Persistent {
		p.DeliveryMode = amqp.Persistent
	}
	if msg.ReplyTo != "" {
		p.ReplyTo = messaging.QueueName(msg.ReplyTo)
	}
	if len(msg.Headers) > 0 {
		p.Headers = make(amqp.Table, len(msg.Headers))
		for k, v := range msg.Headers {
			p.Headers[k] = v
		}
	}
	return p
}

// toDelivery flattens an AMQP delivery. Properties are mirrored into the
// headers under their STOMP names.
func toDelivery(destination string, d amqp.Delivery) messaging.Delivery {
	headers := make(map[string]string, len(d.Headers)+4)
	for k, v := range d.Headers {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		default:
			headers[k] = fmt.Sprint(val)
		}
	}

	setIf := func(key, value string) {
		if value != "" {
			headers[key] = value
		}
	}
	setIf("content-type", d.ContentType)
	setIf("message-id", d.MessageId)
	setIf("correlation-id", d.CorrelationId)
	setIf("reply-to", d.ReplyTo)

	return messaging.Delivery{
		Destination:   destination,
		Body:          d.Body,
		Headers:       headers,
		CorrelationID: d.CorrelationId,
		MessageID:     d.MessageId,
		ReceivedAt:    time.Now(),
	}
}

// subscription adapts a consumer handle to messaging.Subscription
type subscription struct {
	handle *rabbitmq.ConsumerHandle
}

func (s *subscription) Unsubscribe() error {
	return s.handle.Cancel()
}

func (s *subscription) Done() <-chan struct{} {
	return s.handle.Done()
}
