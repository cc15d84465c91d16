package messaging

import (
	"context"
	"time"
)

// Transport is a connection to a message broker
type Transport interface {
	// Connect establishes the underlying connection. Implementations must
	// honor ctx cancellation and deadline, and must replace any previous
	// connection rather than hold two at once.
	Connect(ctx context.Context) error

	// IsConnected reports whether the connection is currently usable
	IsConnected() bool

	// Publish sends a message to a destination
	Publish(ctx context.Context, destination string, msg *OutboundMessage) error

	// Subscribe starts delivering messages from a destination to handler.
	// The subscription outlives ctx; ctx only bounds the subscribe call.
	Subscribe(ctx context.Context, destination string, handler DeliveryHandler) (Subscription, error)

	// NotifyDisconnect yields an error each time an established
	// connection is lost
	NotifyDisconnect() <-chan error

	// Endpoint is the broker address with credentials removed
	Endpoint() string

	// Close releases every resource held by the transport
	Close() error
}

// Subscription is an active subscription on a destination
type Subscription interface {
	// Unsubscribe stops deliveries. Calling it more than once is a no-op.
	// It must not block on the goroutine that runs the handler.
	Unsubscribe() error

	// Done is closed once the subscription has stopped delivering, after
	// Unsubscribe or because the connection carrying it was lost
	Done() <-chan struct{}
}

// DeliveryHandler processes one inbound message
type DeliveryHandler func(delivery Delivery)

// Delivery is a message received from the broker
type Delivery struct {
	Destination   string
	Body          []byte
	Headers       map[string]string
	CorrelationID string
	MessageID     string
	ReceivedAt    time.Time
}

// OutboundMessage is a message to be published
type OutboundMessage struct {
	Body          []byte
	ContentType   string
	Persistent    bool
	CorrelationID string
	ReplyTo       string
	MessageID     string
	Timestamp     time.Time
	Headers       map[string]string
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}
