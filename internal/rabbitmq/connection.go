package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-gateway/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection owns one AMQP connection at a time
type Connection struct {
	url            string
	username       string
	password       string
	heartbeat      time.Duration
	connectionName string
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	disconnects chan error
}

// ConnectionOption configures the Connection
type ConnectionOption func(*Connection)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCredentials overrides any user info in the URL
func WithCredentials(username, password string) ConnectionOption {
	return func(c *Connection) {
		c.username = username
		c.password = password
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.heartbeat = interval
	}
}

// WithConnectionName sets the client-provided connection name shown in
// the management UI
func WithConnectionName(name string) ConnectionOption {
	return func(c *Connection) {
		c.connectionName = name
	}
}

// NewConnection creates a Connection for url. It does not dial.
func NewConnection(url string, options ...ConnectionOption) *Connection {
	c := &Connection{
		url:            url,
		heartbeat:      10 * time.Second,
		connectionName: "mmate-gateway",
		logger:         slog.Default(),
		disconnects:    make(chan error, 1),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

type dialResult struct {
	conn *amqp.Connection
	err  error
}

// Connect dials the broker, replacing any previous connection. It gives up
// when ctx ends; a dial that completes afterwards is closed.
func (c *Connection) Connect(ctx context.Context) error {
	config := c.amqpConfig(ctx)

	results := make(chan dialResult, 1)
	go func() {
		conn, err := amqp.DialConfig(c.url, config)
		results <- dialResult{conn: conn, err: err}
	}()

	select {
	case res := <-results:
		if res.err != nil {
			return classifyDialError(res.err)
		}
		c.install(res.conn)
		return nil

	case <-ctx.Done():
		go func() {
			if res := <-results; res.conn != nil {
				res.conn.Close()
			}
		}()
		return ctx.Err()
	}
}

func (c *Connection) amqpConfig(ctx context.Context) amqp.Config {
	dialTimeout := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		dialTimeout = time.Until(deadline)
	}

	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(c.connectionName)

	config := amqp.Config{
		Heartbeat:  c.heartbeat,
		Locale:     "en_US",
		Dial:       amqp.DefaultDial(dialTimeout),
		Properties: props,
	}
	if c.username != "" {
		config.SASL = []amqp.Authentication{&amqp.PlainAuth{Username: c.username, Password: c.password}}
	}
	return config
}

// install swaps in a fresh connection and watches it for closure
func (c *Connection) install(conn *amqp.Connection) {
	c.mu.Lock()
	previous := c.conn
	c.conn = conn
	c.mu.Unlock()

	if previous != nil && !previous.IsClosed() {
		previous.Close()
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go c.watch(conn, closed)

	c.logger.Info("connected to RabbitMQ", "url", c.Endpoint())
}

func (c *Connection) watch(conn *amqp.Connection, closed <-chan *amqp.Error) {
	amqpErr, ok := <-closed
	if !ok || amqpErr == nil {
		// graceful close by us
		return
	}

	c.mu.RLock()
	current := c.conn == conn
	c.mu.RUnlock()
	if !current {
		return
	}

	c.logger.Error("connection closed", "error", amqpErr)

	select {
	case c.disconnects <- amqpErr:
	default:
	}
}

// GetConnection returns the current connection
func (c *Connection) GetConnection() (*amqp.Connection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if c.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return c.conn, nil
}

// IsConnected returns the connection status
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Disconnects yields the error each time the broker closes the connection
func (c *Connection) Disconnects() <-chan error {
	return c.disconnects
}

// Endpoint returns the broker URL without its password
func (c *Connection) Endpoint() string {
	return messaging.SanitizeURL(c.url)
}

// Close closes the connection
func (c *Connection) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}
