// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-gateway/bridge"
	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/internal/config"
	"github.com/glimte/mmate-gateway/internal/rabbitmq"
	"github.com/glimte/mmate-gateway/internal/reliability"
	"github.com/glimte/mmate-gateway/messaging"
	rabbitmqTransport "github.com/glimte/mmate-gateway/transports/rabbitmq"
	stompTransport "github.com/glimte/mmate-gateway/transports/stomp"
)

// Client provides the main entry point for mmate-gateway: one broker
// connection and the request/reply bridge running over it
type Client struct {
	transport messaging.Transport
	conn      *messaging.ConnectionManager
	bridge    *bridge.SyncAsyncBridge
	logger    *slog.Logger
}

// NewClient creates a client for brokerURL. The broker type follows the
// url scheme unless WithBrokerType says otherwise. Nothing is dialled
// until the first Connect or Submit.
func NewClient(brokerURL string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:         slog.Default(),
		connectTimeout: messaging.DefaultConnectTimeout,
		reconnectDelay: messaging.DefaultReconnectDelay,
		heartbeat:      4 * time.Second,
		prefetchCount:  16,
		confirmTimeout: 5 * time.Second,
		mode:           bridge.ModeCorrelated,
		connectionName: "mmate-gateway",
	}

	for _, opt := range options {
		opt(cfg)
	}

	transport, err := newTransport(brokerURL, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	connOpts := []messaging.ConnectionOption{
		messaging.WithLogger(cfg.logger),
		messaging.WithConnectTimeout(cfg.connectTimeout),
		messaging.WithReconnectDelay(cfg.reconnectDelay),
	}
	if cfg.reconnectMaxDelay > 0 && cfg.reconnectDelay > 0 {
		connOpts = append(connOpts, messaging.WithReconnectPolicy(
			reliability.NewExponentialBackoff(cfg.reconnectDelay, cfg.reconnectMaxDelay, 2.0, -1)))
	}
	for _, listener := range cfg.listeners {
		connOpts = append(connOpts, messaging.WithStateListener(listener))
	}
	conn := messaging.NewConnectionManager(transport, connOpts...)

	bridgeOpts := []bridge.BridgeOption{
		bridge.WithMode(cfg.mode),
		bridge.WithLogger(cfg.logger),
	}
	if cfg.observer != nil {
		bridgeOpts = append(bridgeOpts, bridge.WithObserver(cfg.observer))
	}
	b, err := bridge.NewSyncAsyncBridge(conn, bridgeOpts...)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}

	return &Client{
		transport: transport,
		conn:      conn,
		bridge:    b,
		logger:    cfg.logger,
	}, nil
}

func newTransport(brokerURL string, cfg *clientConfig) (messaging.Transport, error) {
	brokerType := cfg.brokerType
	if brokerType == "" {
		var err error
		if brokerType, err = config.BrokerTypeOf(brokerURL); err != nil {
			return nil, err
		}
	}

	switch brokerType {
	case config.BrokerAMQP:
		connOpts := []rabbitmq.ConnectionOption{
			rabbitmq.WithLogger(cfg.logger),
			rabbitmq.WithHeartbeat(cfg.heartbeat),
			rabbitmq.WithConnectionName(cfg.connectionName),
		}
		if cfg.username != "" {
			connOpts = append(connOpts, rabbitmq.WithCredentials(cfg.username, cfg.password))
		}
		t, err := rabbitmqTransport.NewTransport(brokerURL,
			rabbitmqTransport.WithLogger(cfg.logger),
			rabbitmqTransport.WithConnectionOptions(connOpts...),
			rabbitmqTransport.WithPublisherOptions(rabbitmq.WithConfirmTimeout(cfg.confirmTimeout)),
			rabbitmqTransport.WithConsumerOptions(
				rabbitmq.WithPrefetchCount(cfg.prefetchCount),
				rabbitmq.WithConsumerTagPrefix(cfg.connectionName),
				rabbitmq.WithConsumerLogger(cfg.logger),
			),
		)
		if err != nil {
			return nil, err
		}
		return t, nil

	case config.BrokerSTOMP:
		opts := []stompTransport.TransportOption{
			stompTransport.WithLogger(cfg.logger),
			stompTransport.WithHeartbeat(cfg.heartbeat),
		}
		if cfg.username != "" {
			opts = append(opts, stompTransport.WithCredentials(cfg.username, cfg.password))
		}
		t, err := stompTransport.NewTransport(brokerURL, opts...)
		if err != nil {
			return nil, err
		}
		return t, nil

	default:
		return nil, fmt.Errorf("unsupported broker type %q", brokerType)
	}
}

// Connect establishes the broker connection
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// IsReady reports whether the broker connection accepts publishes
func (c *Client) IsReady() bool {
	return c.conn.IsReady()
}

// Submit publishes payload to outbound and waits up to timeout for the
// correlated reply on inbound
func (c *Client) Submit(ctx context.Context, outbound string, payload contracts.Envelope, inbound string, timeout time.Duration, opts ...bridge.SubmitOption) (*contracts.Reply, error) {
	return c.bridge.Submit(ctx, outbound, payload, inbound, timeout, opts...)
}

// Send publishes payload to destination without waiting for a reply
func (c *Client) Send(ctx context.Context, destination string, payload contracts.Envelope, opts ...bridge.SubmitOption) error {
	return c.bridge.Send(ctx, destination, payload, opts...)
}

// Bridge returns the sync-async bridge
func (c *Client) Bridge() *bridge.SyncAsyncBridge {
	return c.bridge
}

// Connection returns the broker connection manager
func (c *Client) Connection() *messaging.ConnectionManager {
	return c.conn
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// Close settles every waiter, stops reconnecting and closes the transport
func (c *Client) Close() error {
	if err := c.bridge.Close(); err != nil {
		c.logger.Warn("failed to close bridge", "error", err)
	}
	return c.conn.Close()
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         *slog.Logger
	brokerType     string
	username       string
	password       string
	connectTimeout time.Duration
	reconnectDelay time.Duration
	heartbeat      time.Duration
	prefetchCount  int
	confirmTimeout time.Duration
	mode           bridge.Mode
	observer       bridge.Observer
	listeners      []messaging.ConnectionStateListener
	connectionName string

	reconnectMaxDelay time.Duration
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithBrokerType forces "amqp" or "stomp" regardless of the url scheme
func WithBrokerType(brokerType string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.brokerType = brokerType
	}
}

// WithCredentials sets the broker login, overriding any in the url
func WithCredentials(username, password string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.username = username
		cfg.password = password
	}
}

// WithConnectTimeout sets the connect window (clamped to 10-30s)
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectTimeout = timeout
	}
}

// WithReconnectDelay sets the background reconnect delay; 0 disables it
func WithReconnectDelay(delay time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.reconnectDelay = delay
	}
}

// WithReconnectBackoff grows the reconnect delay exponentially up to max
func WithReconnectBackoff(max time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.reconnectMaxDelay = max
	}
}

// WithHeartbeat sets the broker heartbeat interval
func WithHeartbeat(interval time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.heartbeat = interval
	}
}

// WithPrefetchCount sets the AMQP consumer prefetch
func WithPrefetchCount(count int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.prefetchCount = count
	}
}

// WithConfirmTimeout sets how long an AMQP publish waits for its confirm
func WithConfirmTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.confirmTimeout = timeout
	}
}

// WithCorrelationMode sets the default reply matching mode
func WithCorrelationMode(mode bridge.Mode) ClientOption {
	return func(cfg *clientConfig) {
		if mode != bridge.ModeDefault {
			cfg.mode = mode
		}
	}
}

// WithObserver receives request lifecycle events, e.g. for metrics
func WithObserver(observer bridge.Observer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.observer = observer
	}
}

// WithStateListener receives broker connection state changes
func WithStateListener(listener messaging.ConnectionStateListener) ClientOption {
	return func(cfg *clientConfig) {
		cfg.listeners = append(cfg.listeners, listener)
	}
}

// WithConnectionName names the broker connection and consumer tags
func WithConnectionName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectionName = name
	}
}
