package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/messaging"
)

// Connection is the part of messaging.ConnectionManager the bridge needs
type Connection interface {
	Connect(ctx context.Context) error
	IsReady() bool
	Endpoint() string
	Transport() messaging.Transport
}

// stateNotifier is implemented by connections that report state changes,
// such as messaging.ConnectionManager
type stateNotifier interface {
	AddStateListener(listener messaging.ConnectionStateListener)
	RemoveStateListener(listener messaging.ConnectionStateListener)
}

// SyncAsyncBridge enables synchronous request-response over async messaging
type SyncAsyncBridge struct {
	conn     Connection
	logger   *slog.Logger
	observer Observer
	mode     Mode

	correlated *correlatedDemux
	firstReply *firstReplyDemux

	mu              sync.Mutex
	pendingRequests map[string]*PendingRequest
	closed          bool
}

// BridgeOption configures the sync-async bridge
type BridgeOption func(*BridgeConfig)

// BridgeConfig holds configuration for the bridge
type BridgeConfig struct {
	Mode     Mode
	Logger   *slog.Logger
	Observer Observer
}

// WithMode sets the default reply matching mode
func WithMode(mode Mode) BridgeOption {
	return func(c *BridgeConfig) {
		c.Mode = mode
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BridgeOption {
	return func(c *BridgeConfig) {
		c.Logger = logger
	}
}

// WithObserver sets the request lifecycle observer
func WithObserver(observer Observer) BridgeOption {
	return func(c *BridgeConfig) {
		c.Observer = observer
	}
}

// SubmitOption configures a single Submit call
type SubmitOption func(*submitConfig)

type submitConfig struct {
	mode    Mode
	headers map[string]string
}

// WithSubmitMode overrides the bridge's mode for one call. ModeDefault
// keeps the bridge default.
func WithSubmitMode(mode Mode) SubmitOption {
	return func(c *submitConfig) {
		if mode != ModeDefault {
			c.mode = mode
		}
	}
}

// WithHeader adds a transport header to the outbound message
func WithHeader(key, value string) SubmitOption {
	return func(c *submitConfig) {
		if c.headers == nil {
			c.headers = make(map[string]string)
		}
		c.headers[key] = value
	}
}

// NewSyncAsyncBridge creates a new sync-async bridge over conn
func NewSyncAsyncBridge(conn Connection, opts ...BridgeOption) (*SyncAsyncBridge, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection cannot be nil")
	}

	config := &BridgeConfig{
		Mode:     ModeCorrelated,
		Logger:   slog.Default(),
		Observer: noopObserver{},
	}

	for _, opt := range opts {
		opt(config)
	}

	if config.Mode == ModeDefault {
		config.Mode = ModeCorrelated
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Observer == nil {
		config.Observer = noopObserver{}
	}

	transport := conn.Transport()
	b := &SyncAsyncBridge{
		conn:            conn,
		logger:          config.Logger,
		observer:        config.Observer,
		mode:            config.Mode,
		correlated:      newCorrelatedDemux(transport, config.Logger, config.Observer),
		firstReply:      newFirstReplyDemux(transport, config.Logger, config.Observer),
		pendingRequests: make(map[string]*PendingRequest),
	}

	if notifier, ok := conn.(stateNotifier); ok {
		notifier.AddStateListener(b.correlated)
	}

	return b, nil
}

// Mode returns the default reply matching mode
func (b *SyncAsyncBridge) Mode() Mode {
	return b.mode
}

// Submit publishes payload to outbound and waits up to timeout for the
// reply on inbound. The listener on inbound is active before the request
// is published.
func (b *SyncAsyncBridge) Submit(ctx context.Context, outbound string, payload contracts.Envelope, inbound string, timeout time.Duration, opts ...SubmitOption) (*contracts.Reply, error) {
	if outbound == "" || inbound == "" {
		return nil, fmt.Errorf("%w: outbound and inbound destinations are required", ErrInvalidRequest)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be positive, got %v", ErrInvalidRequest, timeout)
	}

	cfg := submitConfig{mode: b.mode}
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := b.ensureConnected(ctx); err != nil {
		return nil, err
	}

	p := newPendingRequest(outbound, inbound, timeout, cfg.mode)
	msg, err := b.outboundMessage(payload, p, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if err := b.track(p); err != nil {
		return nil, err
	}
	b.observer.RequestStarted(inbound)

	p.arm(timeout, func() {
		p.settle(result{
			err: &ReplyTimeoutError{
				Destination: inbound,
				RequestID:   p.Token,
				Timeout:     timeout,
				Elapsed:     time.Since(p.CreatedAt),
			},
			outcome: OutcomeTimedOut,
		})
	})

	if err := b.demuxFor(cfg.mode).attach(ctx, p); err != nil {
		p.settle(b.failure(ctx, p, err))
	} else if !p.Settled() {
		if err := b.conn.Transport().Publish(ctx, outbound, msg); err != nil {
			p.settle(b.failure(ctx, p, fmt.Errorf("publish to %s: %w", outbound, err)))
		} else {
			b.logger.Debug("request published",
				"outbound", outbound,
				"inbound", inbound,
				"requestId", p.Token,
				"mode", cfg.mode.String())
		}
	}

	var res result
	select {
	case res = <-p.done:
	case <-ctx.Done():
		p.settle(result{
			err:     &CancelledError{Destination: inbound, RequestID: p.Token, Err: ctx.Err()},
			outcome: OutcomeCancelled,
		})
		res = <-p.done
	}

	elapsed := time.Since(p.CreatedAt)
	b.observer.RequestSettled(inbound, res.outcome, elapsed)

	switch res.outcome {
	case OutcomeReplied:
		b.logger.Debug("reply received", "inbound", inbound, "requestId", p.Token, "elapsed", elapsed)
	case OutcomeTimedOut:
		b.logger.Warn("reply timeout", "outbound", outbound, "inbound", inbound, "requestId", p.Token, "timeout", timeout)
	case OutcomeCancelled:
		b.logger.Info("request cancelled by caller", "inbound", inbound, "requestId", p.Token, "elapsed", elapsed)
	default:
		b.logger.Error("request failed", "outbound", outbound, "inbound", inbound, "requestId", p.Token, "error", res.err)
	}

	return res.reply, res.err
}

// Send publishes payload to destination without waiting for a reply
func (b *SyncAsyncBridge) Send(ctx context.Context, destination string, payload contracts.Envelope, opts ...SubmitOption) error {
	if destination == "" {
		return fmt.Errorf("%w: destination is required", ErrInvalidRequest)
	}
	if b.isClosed() {
		return ErrBridgeClosed
	}

	cfg := submitConfig{mode: b.mode}
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := b.ensureConnected(ctx); err != nil {
		return err
	}

	env := payload.Clone()
	env.Stamp(time.Now())
	body, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	msg := &messaging.OutboundMessage{
		Body:        body,
		ContentType: "application/json",
		Persistent:  true,
		Timestamp:   time.Now(),
		Headers:     cfg.headers,
	}
	if err := b.conn.Transport().Publish(ctx, destination, msg); err != nil {
		return b.unavailableOr(fmt.Errorf("publish to %s: %w", destination, err))
	}
	return nil
}

// PendingCount returns the number of unsettled requests
func (b *SyncAsyncBridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pendingRequests)
}

// Close settles every pending request with ErrBridgeClosed. Later Submit
// calls fail with ErrBridgeClosed.
func (b *SyncAsyncBridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pending := make([]*PendingRequest, 0, len(b.pendingRequests))
	for _, p := range b.pendingRequests {
		pending = append(pending, p)
	}
	b.mu.Unlock()

	for _, p := range pending {
		p.settle(result{err: ErrBridgeClosed, outcome: OutcomeClosed})
	}

	if notifier, ok := b.conn.(stateNotifier); ok {
		notifier.RemoveStateListener(b.correlated)
	}
	b.correlated.close()

	b.logger.Info("bridge closed", "settled", len(pending))
	return nil
}

func (b *SyncAsyncBridge) ensureConnected(ctx context.Context) error {
	if b.isClosed() {
		return ErrBridgeClosed
	}
	if b.conn.IsReady() {
		return nil
	}
	if err := b.conn.Connect(ctx); err != nil {
		return &BrokerUnavailableError{Endpoint: b.conn.Endpoint(), Err: err}
	}
	return nil
}

// track registers p and untracks it at settlement
func (b *SyncAsyncBridge) track(p *PendingRequest) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBridgeClosed
	}
	b.pendingRequests[p.ID] = p
	b.mu.Unlock()

	p.onSettle(func() {
		b.mu.Lock()
		delete(b.pendingRequests, p.ID)
		b.mu.Unlock()
	})
	return nil
}

func (b *SyncAsyncBridge) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *SyncAsyncBridge) demuxFor(mode Mode) demultiplexer {
	if mode == ModeFirstReply {
		return b.firstReply
	}
	return b.correlated
}

func (b *SyncAsyncBridge) outboundMessage(payload contracts.Envelope, p *PendingRequest, cfg submitConfig) (*messaging.OutboundMessage, error) {
	now := time.Now()
	env := payload.Clone()
	env.Stamp(now)

	msg := &messaging.OutboundMessage{
		ContentType: "application/json",
		Persistent:  true,
		ReplyTo:     p.Destination,
		MessageID:   p.ID,
		Timestamp:   now,
		Headers:     cfg.headers,
	}
	if cfg.mode != ModeFirstReply {
		env[contracts.FieldRequestID] = p.Token
		msg.CorrelationID = p.Token
	}

	body, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	msg.Body = body
	return msg, nil
}

// failure turns an attach or publish error into a settlement result
func (b *SyncAsyncBridge) failure(ctx context.Context, p *PendingRequest, err error) result {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return result{
			err:     &CancelledError{Destination: p.Destination, RequestID: p.Token, Err: ctxErr},
			outcome: OutcomeCancelled,
		}
	}
	return result{err: b.unavailableOr(err), outcome: OutcomeFailed}
}

// unavailableOr reports err as BrokerUnavailableError when the transport
// is down
func (b *SyncAsyncBridge) unavailableOr(err error) error {
	if errors.Is(err, messaging.ErrNotConnected) || !b.conn.IsReady() {
		return &BrokerUnavailableError{Endpoint: b.conn.Endpoint(), Err: err}
	}
	return err
}
