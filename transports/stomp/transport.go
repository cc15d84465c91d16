package stomp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/mmate-gateway/messaging"
	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
)

var _ messaging.Transport = (*Transport)(nil)

// Transport implements messaging.Transport over STOMP 1.2 on TCP.
//
// go-stomp has no close notification, so a lost connection is noticed when
// a send fails or a subscription receives an error frame. Heart-beats make
// the second case prompt.
type Transport struct {
	url       string
	endpoint  Endpoint
	heartbeat time.Duration
	receipts  bool
	logger    *slog.Logger

	mu          sync.RWMutex
	conn        *stomp.Conn
	netConn     net.Conn
	disconnects chan error
}

// TransportOption configures the transport
type TransportOption func(*Transport)

// WithCredentials overrides any user info in the URL
func WithCredentials(login, passcode string) TransportOption {
	return func(t *Transport) {
		t.endpoint.Login = login
		t.endpoint.Passcode = passcode
	}
}

// WithHeartbeat sets both heart-beat intervals negotiated on CONNECT
func WithHeartbeat(interval time.Duration) TransportOption {
	return func(t *Transport) {
		t.heartbeat = interval
	}
}

// WithHost sets the host header, which RabbitMQ reads as the virtual host
func WithHost(host string) TransportOption {
	return func(t *Transport) {
		t.endpoint.Host = host
	}
}

// WithReceipts makes every SEND wait for the broker's RECEIPT
func WithReceipts(enabled bool) TransportOption {
	return func(t *Transport) {
		t.receipts = enabled
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTransport creates a STOMP transport for rawURL. It does not connect.
func NewTransport(rawURL string, options ...TransportOption) (*Transport, error) {
	endpoint, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		url:         rawURL,
		endpoint:    endpoint,
		heartbeat:   4 * time.Second,
		logger:      slog.Default(),
		disconnects: make(chan error, 1),
	}

	for _, opt := range options {
		opt(t)
	}

	return t, nil
}

type connectResult struct {
	conn *stomp.Conn
	err  error
}

// Connect dials the broker and performs the STOMP handshake within ctx
func (t *Transport) Connect(ctx context.Context) error {
	netConn, err := t.dial(ctx)
	if err != nil {
		return classifyConnectError(ctx, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}

	results := make(chan connectResult, 1)
	go func() {
		conn, err := stomp.Connect(netConn, t.connectOptions()...)
		results <- connectResult{conn: conn, err: err}
	}()

	var res connectResult
	select {
	case res = <-results:
	case <-ctx.Done():
		netConn.Close()
		<-results
		return classifyConnectError(ctx, ctx.Err())
	}

	if res.err != nil {
		netConn.Close()
		return classifyConnectError(ctx, res.err)
	}

	netConn.SetDeadline(time.Time{})
	t.install(res.conn, netConn)
	return nil
}

func (t *Transport) dial(ctx context.Context) (net.Conn, error) {
	if t.endpoint.TLS {
		dialer := &tls.Dialer{}
		return dialer.DialContext(ctx, "tcp", t.endpoint.Addr)
	}
	var dialer net.Dialer
	return dialer.DialContext(ctx, "tcp", t.endpoint.Addr)
}

func (t *Transport) connectOptions() []func(*stomp.Conn) error {
	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Host(t.endpoint.Host),
		stomp.ConnOpt.HeartBeat(t.heartbeat, t.heartbeat),
	}
	if t.endpoint.Login != "" {
		opts = append(opts, stomp.ConnOpt.Login(t.endpoint.Login, t.endpoint.Passcode))
	}
	return opts
}

func (t *Transport) install(conn *stomp.Conn, netConn net.Conn) {
	t.mu.Lock()
	previous, previousNet := t.conn, t.netConn
	t.conn, t.netConn = conn, netConn
	t.mu.Unlock()

	if previous != nil {
		go disconnect(previous, previousNet)
	}

	t.logger.Info("connected to STOMP broker",
		"url", t.Endpoint(),
		"host", t.endpoint.Host,
		"heartbeat", t.heartbeat)
}

// current returns the live connection or nil
func (t *Transport) current() *stomp.Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn
}

// markDisconnected drops conn if it is still current and reports err
func (t *Transport) markDisconnected(conn *stomp.Conn, err error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	netConn := t.netConn
	t.conn, t.netConn = nil, nil
	t.mu.Unlock()

	t.logger.Error("STOMP connection lost", "url", t.Endpoint(), "error", err)
	go disconnect(conn, netConn)

	select {
	case t.disconnects <- err:
	default:
	}
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.current() != nil
}

// Publish sends a SEND frame to destination
func (t *Transport) Publish(ctx context.Context, destination string, msg *messaging.OutboundMessage) error {
	conn := t.current()
	if conn == nil {
		return fmt.Errorf("publish to %s: %w", destination, messaging.ErrNotConnected)
	}

	contentType := msg.ContentType
	if contentType == "" {
		contentType = "application/json"
	}

	opts := sendOptions(msg)
	if t.receipts {
		opts = append(opts, stomp.SendOpt.Receipt)
	}

	sent := make(chan error, 1)
	go func() {
		sent <- conn.Send(destination, contentType, msg.Body, opts...)
	}()

	select {
	case err := <-sent:
		if err != nil {
			t.markDisconnected(conn, err)
			return fmt.Errorf("publish to %s: %w: %w", destination, messaging.ErrTransport, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", destination, ctx.Err())
	}
}

// sendOptions maps message metadata onto SEND headers
func sendOptions(msg *messaging.OutboundMessage) []func(*frame.Frame) error {
	var opts []func(*frame.Frame) error
	for k, v := range msg.Headers {
		opts = append(opts, stomp.SendOpt.Header(k, v))
	}
	if msg.Persistent {
		opts = append(opts, stomp.SendOpt.Header("persistent", "true"))
	}
	if msg.CorrelationID != "" {
		opts = append(opts, stomp.SendOpt.Header("correlation-id", msg.CorrelationID))
	}
	if msg.ReplyTo != "" {
		opts = append(opts, stomp.SendOpt.Header("reply-to", msg.ReplyTo))
	}
	if msg.MessageID != "" {
		opts = append(opts, stomp.SendOpt.Header("amqp-message-id", msg.MessageID))
	}
	if !msg.Timestamp.IsZero() {
		opts = append(opts, stomp.SendOpt.Header("timestamp", strconv.FormatInt(msg.Timestamp.Unix(), 10)))
	}
	return opts
}

// Subscribe sends a SUBSCRIBE frame with automatic acknowledgement
func (t *Transport) Subscribe(ctx context.Context, destination string, handler messaging.DeliveryHandler) (messaging.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn := t.current()
	if conn == nil {
		return nil, fmt.Errorf("subscribe to %s: %w", destination, messaging.ErrNotConnected)
	}

	sub, err := conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		t.markDisconnected(conn, err)
		return nil, fmt.Errorf("subscribe to %s: %w: %w", destination, messaging.ErrTransport, err)
	}

	s := &subscription{
		transport:   t,
		conn:        conn,
		sub:         sub,
		destination: destination,
		handler:     handler,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go s.pump()

	t.logger.Debug("subscribed", "destination", destination)
	return s, nil
}

// NotifyDisconnect yields an error whenever the connection is found lost
func (t *Transport) NotifyDisconnect() <-chan error {
	return t.disconnects
}

// Endpoint returns the broker URL without its password
func (t *Transport) Endpoint() string {
	return messaging.SanitizeURL(t.url)
}

// Close disconnects from the broker
func (t *Transport) Close() error {
	t.mu.Lock()
	conn, netConn := t.conn, t.netConn
	t.conn, t.netConn = nil, nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	return disconnect(conn, netConn)
}

// disconnect ends the session gracefully, falling back to closing the
// socket when the broker does not answer
func disconnect(conn *stomp.Conn, netConn net.Conn) error {
	done := make(chan error, 1)
	go func() {
		done <- conn.Disconnect()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		if netConn != nil {
			return netConn.Close()
		}
		return nil
	}
}

// classifyConnectError tags a failure with messaging.ErrConnectionTimeout,
// messaging.ErrTransport or, when the broker answered with an ERROR frame,
// messaging.ErrProtocol
func classifyConnectError(ctx context.Context, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(ctx.Err(), context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %w", messaging.ErrConnectionTimeout, err)
	case errors.Is(err, context.Canceled),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &netErr):
		return fmt.Errorf("%w: %w", messaging.ErrTransport, err)
	default:
		return fmt.Errorf("%w: %w", messaging.ErrProtocol, err)
	}
}

// subscription pumps one STOMP subscription into a handler
type subscription struct {
	transport   *Transport
	conn        *stomp.Conn
	sub         *stomp.Subscription
	destination string
	handler     messaging.DeliveryHandler

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

// Unsubscribe signals the pump and returns at once
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

// Done is closed when the pump exits
func (s *subscription) Done() <-chan struct{} {
	return s.done
}

func (s *subscription) pump() {
	defer close(s.done)

	for {
		select {
		case msg, ok := <-s.sub.C:
			if !ok {
				return
			}
			if msg.Err != nil {
				s.transport.markDisconnected(s.conn, msg.Err)
				continue
			}
			s.deliver(msg)

		case <-s.stop:
			// go-stomp closes C once the broker confirms; keep draining
			// so its reader never blocks on us
			go func() {
				if err := s.sub.Unsubscribe(); err != nil {
					s.transport.logger.Debug("unsubscribe failed", "destination", s.destination, "error", err)
				}
			}()
			for range s.sub.C {
			}
			return
		}
	}
}

func (s *subscription) deliver(msg *stomp.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.transport.logger.Error("panic in message handler", "destination", s.destination, "panic", r)
		}
	}()

	s.handler(toDelivery(s.destination, msg))
}

// toDelivery copies a MESSAGE frame into a messaging.Delivery
func toDelivery(destination string, msg *stomp.Message) messaging.Delivery {
	headers := make(map[string]string)
	if msg.Header != nil {
		for i := 0; i < msg.Header.Len(); i++ {
			k, v := msg.Header.GetAt(i)
			if _, seen := headers[k]; !seen {
				headers[k] = v
			}
		}
	}
	if msg.ContentType != "" {
		headers[frame.ContentType] = msg.ContentType
	}

	return messaging.Delivery{
		Destination:   destination,
		Body:          msg.Body,
		Headers:       headers,
		CorrelationID: headers["correlation-id"],
		MessageID:     headers[frame.MessageId],
		ReceivedAt:    time.Now(),
	}
}
