package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes incoming messages. Deliveries are acked after
// the handler returns.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery)

// Consumer manages message consumption from RabbitMQ
type Consumer struct {
	conn            *Connection
	prefetchCount   int
	tagPrefix       string
	logger          *slog.Logger
	activeConsumers sync.Map
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerTagPrefix sets the prefix of generated consumer tags
func WithConsumerTagPrefix(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsumer creates a new consumer
func NewConsumer(conn *Connection, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		conn:          conn,
		prefetchCount: 16,
		tagPrefix:     "mmate-gateway",
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// ConsumerHandle is one active consumer on its own channel
type ConsumerHandle struct {
	Queue       string
	ConsumerTag string
	channel     *amqp.Channel
	cancel      context.CancelFunc
	once        sync.Once
	done        chan struct{}
}

// Cancel stops the consumer. It returns at once; the consumer goroutine
// cancels the broker side and closes the channel, which requeues any
// prefetched but unhandled deliveries. Safe to call repeatedly and from
// within a handler.
func (h *ConsumerHandle) Cancel() error {
	h.once.Do(h.cancel)
	return nil
}

// Done is closed once the consumer has fully stopped
func (h *ConsumerHandle) Done() <-chan struct{} {
	return h.done
}

// Subscribe starts consuming from queue on a dedicated channel. The
// consumer runs until Cancel is called or the channel closes; ctx only
// bounds the setup.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler) (*ConsumerHandle, error) {
	tag := fmt.Sprintf("%s-%s", c.tagPrefix, uuid.New().String())
	consumerErr := func(op string, err error) error {
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: op, Err: err, Timestamp: time.Now()}
	}

	if err := ctx.Err(); err != nil {
		return nil, consumerErr("subscribe", err)
	}

	conn, err := c.conn.GetConnection()
	if err != nil {
		return nil, consumerErr("subscribe", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, consumerErr("open channel", err)
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, consumerErr("set QoS", err)
	}

	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, consumerErr("consume", err)
	}

	consumerCtx, cancel := context.WithCancel(context.Background())
	handle := &ConsumerHandle{
		Queue:       queue,
		ConsumerTag: tag,
		channel:     ch,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	c.activeConsumers.Store(tag, handle)

	go c.processMessages(consumerCtx, handle, deliveries, handler)

	c.logger.Debug("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount)

	return handle, nil
}

// processMessages handles incoming messages
func (c *Consumer) processMessages(ctx context.Context, handle *ConsumerHandle, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		if !handle.channel.IsClosed() {
			if err := handle.channel.Cancel(handle.ConsumerTag, false); err != nil {
				c.logger.Debug("failed to cancel consumer", "consumerTag", handle.ConsumerTag, "error", err)
			}
			handle.channel.Close()
		}
		c.activeConsumers.Delete(handle.ConsumerTag)
		close(handle.done)
		c.logger.Debug("consumer stopped", "queue", handle.Queue, "consumerTag", handle.ConsumerTag)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", handle.Queue)
				return
			}

			if ctx.Err() != nil {
				// cancelled while this delivery was waiting
				delivery.Nack(false, true)
				return
			}

			c.handleMessage(ctx, handle, delivery, handler)
		}
	}
}

// handleMessage runs the handler and acks the delivery
func (c *Consumer) handleMessage(ctx context.Context, handle *ConsumerHandle, delivery amqp.Delivery, handler MessageHandler) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in message handler",
				"queue", handle.Queue,
				"messageId", delivery.MessageId,
				"panic", r)
		}
		if err := delivery.Ack(false); err != nil {
			c.logger.Error("failed to ack message", "queue", handle.Queue, "error", err)
		}
	}()

	handler(ctx, delivery)
}

// UnsubscribeAll stops all active consumers and waits for them to exit
func (c *Consumer) UnsubscribeAll() {
	var handles []*ConsumerHandle
	c.activeConsumers.Range(func(_, value any) bool {
		handle := value.(*ConsumerHandle)
		handle.Cancel()
		handles = append(handles, handle)
		return true
	})

	for _, handle := range handles {
		select {
		case <-handle.done:
		case <-time.After(5 * time.Second):
			c.logger.Warn("consumer did not stop in time", "queue", handle.Queue, "consumerTag", handle.ConsumerTag)
		}
	}
}

// ActiveConsumers returns the number of running consumers
func (c *Consumer) ActiveConsumers() int {
	n := 0
	c.activeConsumers.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
