package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes single messages and waits for the broker's confirm.
// It does not retry; callers decide what a failure means.
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg and blocks until the broker acks it
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	publishErr := func(err error) error {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return publishErr(err)
	}
	defer p.pool.Put(ch)

	confirmCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(confirmCtx, exchange, routingKey, false, false, msg)
	if err != nil {
		return publishErr(fmt.Errorf("failed to publish: %w", err))
	}

	acked, err := confirmation.WaitContext(confirmCtx)
	if err != nil {
		// the confirm may still arrive later on this channel
		ch.Channel.Close()
		return publishErr(fmt.Errorf("waiting for confirmation: %w", err))
	}
	if !acked {
		return publishErr(ErrPublishNotConfirmed)
	}

	return nil
}
