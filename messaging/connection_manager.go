package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-gateway/internal/reliability"
)

const (
	// DefaultConnectTimeout bounds a single connect attempt
	DefaultConnectTimeout = 30 * time.Second
	// MinConnectTimeout and MaxConnectTimeout clamp the connect window
	MinConnectTimeout = 10 * time.Second
	MaxConnectTimeout = 30 * time.Second
	// DefaultReconnectDelay is the pause before a background reconnect
	DefaultReconnectDelay = 5 * time.Second
)

// State is the lifecycle state of a ConnectionManager
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// connectAttempt is shared by every caller that arrives while it runs
type connectAttempt struct {
	done chan struct{}
	err  error
}

// ConnectionManager owns the lifecycle of one Transport
type ConnectionManager struct {
	transport       Transport
	logger          *slog.Logger
	connectTimeout  time.Duration
	reconnectDelay  time.Duration
	reconnectPolicy reliability.RetryPolicy

	mu           sync.Mutex
	state        State
	inflight     *connectAttempt
	failures     int
	lastErr      error
	closed       bool
	reconnecting bool

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithConnectTimeout sets the connect window, clamped to
// [MinConnectTimeout, MaxConnectTimeout]. Zero keeps the default.
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = clampConnectTimeout(timeout)
	}
}

// WithReconnectDelay sets the pause between background reconnect
// attempts. Zero disables background reconnection.
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		if delay < 0 {
			delay = 0
		}
		cm.reconnectDelay = delay
	}
}

// WithReconnectPolicy replaces the fixed-delay policy used between
// background reconnect attempts
func WithReconnectPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectPolicy = policy
	}
}

// WithStateListener registers a listener at construction time
func WithStateListener(listener ConnectionStateListener) ConnectionOption {
	return func(cm *ConnectionManager) {
		if listener != nil {
			cm.stateListeners = append(cm.stateListeners, listener)
		}
	}
}

// NewConnectionManager creates a manager for transport. It does not
// connect; the first Connect call does.
func NewConnectionManager(transport Transport, options ...ConnectionOption) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())
	cm := &ConnectionManager{
		transport:      transport,
		logger:         slog.Default(),
		connectTimeout: DefaultConnectTimeout,
		reconnectDelay: DefaultReconnectDelay,
		state:          StateDisconnected,
		ctx:            ctx,
		cancel:         cancel,
	}

	for _, opt := range options {
		opt(cm)
	}

	if cm.reconnectPolicy == nil {
		cm.reconnectPolicy = reliability.NewFixedDelay(cm.reconnectDelay, -1)
	}

	cm.wg.Add(1)
	go cm.watch()

	return cm
}

// Connect makes the transport usable. Concurrent callers share one
// attempt; each caller stops waiting when its own ctx ends, without
// aborting the attempt for the others.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrManagerClosed
	}
	if cm.state == StateConnected && cm.transport.IsConnected() {
		cm.mu.Unlock()
		return nil
	}

	attempt := cm.inflight
	if attempt == nil {
		attempt = &connectAttempt{done: make(chan struct{})}
		cm.inflight = attempt
		cm.setStateLocked(StateConnecting)
		cm.wg.Add(1)
		go cm.runAttempt(attempt)
	}
	cm.mu.Unlock()

	select {
	case <-attempt.done:
		return attempt.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cm *ConnectionManager) runAttempt(attempt *connectAttempt) {
	defer cm.wg.Done()

	ctx, cancel := context.WithTimeout(cm.ctx, cm.connectTimeout)
	defer cancel()

	start := time.Now()
	err := cm.transport.Connect(ctx)
	expired := errors.Is(ctx.Err(), context.DeadlineExceeded)

	cm.mu.Lock()
	cm.inflight = nil
	if err == nil {
		cm.failures = 0
		cm.lastErr = nil
		cm.setStateLocked(StateConnected)
	} else {
		cm.failures++
		err = &ConnectionError{
			Kind:      classifyConnectError(err, expired),
			Op:        "connect",
			Endpoint:  cm.transport.Endpoint(),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  cm.failures,
		}
		cm.lastErr = err
		cm.setStateLocked(StateFailed)
		cm.setStateLocked(StateDisconnected)
	}
	cm.mu.Unlock()

	attempt.err = err
	close(attempt.done)

	if err != nil {
		cm.logger.Error("broker connection failed",
			"endpoint", cm.transport.Endpoint(),
			"duration", time.Since(start),
			"error", err)
		return
	}

	cm.logger.Info("connected to broker",
		"endpoint", cm.transport.Endpoint(),
		"duration", time.Since(start))
	cm.notifyConnected()
}

// setStateLocked must be called with cm.mu held
func (cm *ConnectionManager) setStateLocked(next State) {
	if cm.state == next {
		return
	}
	cm.logger.Debug("connection state changed", "from", cm.state.String(), "to", next.String())
	cm.state = next
}

// watch reacts to connection loss reported by the transport
func (cm *ConnectionManager) watch() {
	defer cm.wg.Done()

	disconnects := cm.transport.NotifyDisconnect()
	for {
		select {
		case <-cm.ctx.Done():
			return
		case err, ok := <-disconnects:
			if !ok {
				return
			}
			cm.handleDisconnect(err)
		}
	}
}

func (cm *ConnectionManager) handleDisconnect(err error) {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return
	}
	cm.setStateLocked(StateDisconnected)
	startLoop := cm.reconnectDelay > 0 && !cm.reconnecting
	if startLoop {
		cm.reconnecting = true
		cm.wg.Add(1)
	}
	cm.mu.Unlock()

	cm.logger.Warn("broker connection lost", "endpoint", cm.transport.Endpoint(), "error", err)
	cm.notifyDisconnected(err)

	if startLoop {
		go cm.reconnect()
	}
}

// reconnect retries in the background until the connection is back or
// the manager is closed
func (cm *ConnectionManager) reconnect() {
	defer cm.wg.Done()
	defer func() {
		cm.mu.Lock()
		cm.reconnecting = false
		cm.mu.Unlock()
	}()

	select {
	case <-time.After(cm.reconnectPolicy.NextDelay(0)):
	case <-cm.ctx.Done():
		return
	}

	attempts := 0
	start := time.Now()
	err := reliability.Retry(cm.ctx, cm.reconnectPolicy, func(attempt int) error {
		if cm.IsReady() {
			return nil
		}
		attempts = attempt + 1
		cm.logger.Info("attempting to reconnect",
			"endpoint", cm.transport.Endpoint(),
			"attempt", attempts)
		cm.notifyReconnecting(attempts)

		err := cm.Connect(cm.ctx)
		if errors.Is(err, ErrManagerClosed) {
			return reliability.Permanent(err)
		}
		return err
	})

	switch {
	case err == nil:
		cm.logger.Info("reconnected to broker", "attempts", attempts, "duration", time.Since(start))
	case errors.Is(err, context.Canceled), errors.Is(err, ErrManagerClosed):
	default:
		cm.logger.Error("giving up on reconnection", "attempts", attempts, "error", err)
	}
}

// IsReady reports whether the transport is connected right now
func (cm *ConnectionManager) IsReady() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state == StateConnected && cm.transport.IsConnected()
}

// State returns the current lifecycle state
func (cm *ConnectionManager) State() State {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// LastError returns the error of the most recent failed attempt, cleared
// on success
func (cm *ConnectionManager) LastError() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.lastErr
}

// Transport returns the managed transport
func (cm *ConnectionManager) Transport() Transport {
	return cm.transport
}

// Endpoint returns the sanitized broker address
func (cm *ConnectionManager) Endpoint() string {
	return cm.transport.Endpoint()
}

// ConnectTimeout returns the effective connect window
func (cm *ConnectionManager) ConnectTimeout() time.Duration {
	return cm.connectTimeout
}

// Close stops background work and closes the transport
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	cm.setStateLocked(StateDisconnected)
	cm.mu.Unlock()

	cm.cancel()
	cm.wg.Wait()

	cm.logger.Info("connection manager shutting down", "endpoint", cm.transport.Endpoint())
	return cm.transport.Close()
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}

func clampConnectTimeout(timeout time.Duration) time.Duration {
	switch {
	case timeout <= 0:
		return DefaultConnectTimeout
	case timeout < MinConnectTimeout:
		return MinConnectTimeout
	case timeout > MaxConnectTimeout:
		return MaxConnectTimeout
	default:
		return timeout
	}
}
