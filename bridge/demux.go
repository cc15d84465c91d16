package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/messaging"
)

// Mode selects how replies are matched to waiters
type Mode int

const (
	// ModeDefault defers to the bridge's configured mode
	ModeDefault Mode = iota
	// ModeCorrelated matches replies by correlation token
	ModeCorrelated
	// ModeFirstReply hands the first well-formed message to the waiter
	ModeFirstReply
)

func (m Mode) String() string {
	switch m {
	case ModeCorrelated:
		return "correlated"
	case ModeFirstReply:
		return "first-reply"
	default:
		return "default"
	}
}

// ParseMode accepts "correlated" or "first-reply"; "" yields ModeDefault
func ParseMode(s string) (Mode, error) {
	switch s {
	case "":
		return ModeDefault, nil
	case "correlated":
		return ModeCorrelated, nil
	case "first-reply", "first_reply", "firstreply":
		return ModeFirstReply, nil
	default:
		return ModeDefault, fmt.Errorf("%w: unknown correlation mode %q", ErrInvalidRequest, s)
	}
}

// Drop reasons reported to the Observer
const (
	DropMalformed    = "malformed"
	DropUncorrelated = "uncorrelated"
	DropUnmatched    = "unmatched"
)

// demultiplexer attaches a PendingRequest to its reply destination. attach
// returns once the listener is active and registers its own release with
// the request.
type demultiplexer interface {
	attach(ctx context.Context, p *PendingRequest) error
}

// subscribeTimeout bounds opening a shared reply subscription
const subscribeTimeout = 30 * time.Second

// sharedSubscription is one transport subscription serving every waiter on
// a destination. When the connection carrying it is lost, the next waiter
// or the reconnect replaces it.
type sharedSubscription struct {
	destination string
	refs        int
	sub         messaging.Subscription
	opening     *openAttempt
	abandoned   bool
}

// openAttempt is one Subscribe call shared by every waiter that needs it
type openAttempt struct {
	done chan struct{}
	err  error
}

// correlatedDemux routes replies by token over shared subscriptions. It is
// a messaging.ConnectionStateListener so routes left without a subscription
// by a lost connection are reopened once the broker is back.
type correlatedDemux struct {
	transport        messaging.Transport
	logger           *slog.Logger
	observer         Observer
	subscribeTimeout time.Duration

	// subscriptions belong to the bridge, not to the caller that opened them
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	waiters map[string]*PendingRequest
	routes  map[string]*sharedSubscription
}

var _ messaging.ConnectionStateListener = (*correlatedDemux)(nil)

func newCorrelatedDemux(transport messaging.Transport, logger *slog.Logger, observer Observer) *correlatedDemux {
	ctx, cancel := context.WithCancel(context.Background())
	return &correlatedDemux{
		transport:        transport,
		logger:           logger,
		observer:         observer,
		subscribeTimeout: subscribeTimeout,
		ctx:              ctx,
		cancel:           cancel,
		waiters:          make(map[string]*PendingRequest),
		routes:           make(map[string]*sharedSubscription),
	}
}

func (d *correlatedDemux) attach(ctx context.Context, p *PendingRequest) error {
	d.mu.Lock()
	d.waiters[p.Token] = p
	route, exists := d.routes[p.Destination]
	if !exists {
		route = &sharedSubscription{destination: p.Destination}
		d.routes[p.Destination] = route
	}
	route.refs++
	attempt := d.ensureLocked(route)
	d.mu.Unlock()

	p.onSettle(func() { d.detach(p, route) })

	if attempt == nil {
		return nil
	}

	select {
	case <-attempt.done:
		return attempt.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ensureLocked starts opening route unless its subscription is alive or an
// open is already running. It returns the attempt to wait for, or nil.
// d.mu must be held.
func (d *correlatedDemux) ensureLocked(route *sharedSubscription) *openAttempt {
	if route.opening != nil {
		return route.opening
	}
	if route.sub != nil && !stopped(route.sub) {
		return nil
	}

	attempt := &openAttempt{done: make(chan struct{})}
	route.opening = attempt
	go d.open(route, attempt)
	return attempt
}

func stopped(sub messaging.Subscription) bool {
	select {
	case <-sub.Done():
		return true
	default:
		return false
	}
}

// open subscribes on behalf of every waiter on route
func (d *correlatedDemux) open(route *sharedSubscription, attempt *openAttempt) {
	ctx, cancel := context.WithTimeout(d.ctx, d.subscribeTimeout)
	sub, err := d.transport.Subscribe(ctx, route.destination, d.dispatch(route.destination))
	cancel()

	var release messaging.Subscription
	d.mu.Lock()
	route.opening = nil
	switch {
	case err != nil:
		attempt.err = fmt.Errorf("subscribe to %s: %w", route.destination, err)
	case route.abandoned:
		release = sub
	default:
		// the previous subscription, if any, died with its connection
		release, route.sub = route.sub, sub
	}
	installed := err == nil && !route.abandoned
	close(attempt.done)
	d.mu.Unlock()

	if release != nil {
		d.unsubscribe(route.destination, release)
	}
	if installed {
		d.logger.Debug("opened shared reply subscription", "destination", route.destination)
		go d.watch(route, sub)
	}
}

// watch reopens route if sub stops while waiters still depend on it
func (d *correlatedDemux) watch(route *sharedSubscription, sub messaging.Subscription) {
	select {
	case <-sub.Done():
	case <-d.ctx.Done():
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if route.sub != sub || route.abandoned {
		return
	}
	d.logger.Warn("shared reply subscription lost",
		"destination", route.destination,
		"waiters", route.refs)
	if route.refs > 0 && d.transport.IsConnected() {
		d.ensureLocked(route)
	}
}

// OnConnected reopens every route that lost its subscription while waiters
// were still attached
func (d *correlatedDemux) OnConnected() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, route := range d.routes {
		if route.refs > 0 {
			d.ensureLocked(route)
		}
	}
}

func (d *correlatedDemux) OnDisconnected(error) {}

func (d *correlatedDemux) OnReconnecting(int) {}

// detach removes p and closes the route when its last waiter leaves
func (d *correlatedDemux) detach(p *PendingRequest, route *sharedSubscription) {
	d.mu.Lock()
	if d.waiters[p.Token] == p {
		delete(d.waiters, p.Token)
	}
	route.refs--
	var closing messaging.Subscription
	if route.refs == 0 {
		if d.routes[route.destination] == route {
			delete(d.routes, route.destination)
		}
		route.abandoned = true
		closing = route.sub
		route.sub = nil
	}
	d.mu.Unlock()

	if closing != nil {
		d.unsubscribe(route.destination, closing)
	}
}

// close stops pending opens and subscription watchers
func (d *correlatedDemux) close() {
	d.cancel()
}

func (d *correlatedDemux) unsubscribe(destination string, sub messaging.Subscription) {
	if err := sub.Unsubscribe(); err != nil {
		d.logger.Warn("failed to release reply subscription", "destination", destination, "error", err)
		return
	}
	d.logger.Debug("released shared reply subscription", "destination", destination)
}

func (d *correlatedDemux) dispatch(destination string) messaging.DeliveryHandler {
	return func(delivery messaging.Delivery) {
		reply, err := contracts.ParseReply(destination, delivery.Body, delivery.Headers, delivery.CorrelationID)
		if err != nil {
			d.logger.Warn("dropping malformed reply", "destination", destination, "error", err)
			d.observer.MessageDropped(destination, DropMalformed)
			return
		}

		if reply.CorrelationID == "" {
			d.logger.Warn("dropping reply without correlation token", "destination", destination)
			d.observer.MessageDropped(destination, DropUncorrelated)
			return
		}

		d.mu.Lock()
		p := d.waiters[reply.CorrelationID]
		d.mu.Unlock()

		if p == nil || p.Destination != destination {
			d.logger.Debug("dropping reply with no waiter",
				"destination", destination,
				"correlationId", reply.CorrelationID)
			d.observer.MessageDropped(destination, DropUnmatched)
			return
		}

		p.settle(result{reply: reply, outcome: OutcomeReplied})
	}
}

// waiting returns the number of registered waiters
func (d *correlatedDemux) waiting() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waiters)
}

// firstReplyDemux opens a subscription per request and settles on the
// first well-formed message
type firstReplyDemux struct {
	transport messaging.Transport
	logger    *slog.Logger
	observer  Observer
}

func newFirstReplyDemux(transport messaging.Transport, logger *slog.Logger, observer Observer) *firstReplyDemux {
	return &firstReplyDemux{transport: transport, logger: logger, observer: observer}
}

func (d *firstReplyDemux) attach(ctx context.Context, p *PendingRequest) error {
	sub, err := d.transport.Subscribe(ctx, p.Destination, func(delivery messaging.Delivery) {
		reply, err := contracts.ParseReply(p.Destination, delivery.Body, delivery.Headers, delivery.CorrelationID)
		if err != nil {
			d.logger.Warn("dropping malformed reply", "destination", p.Destination, "error", err)
			d.observer.MessageDropped(p.Destination, DropMalformed)
			return
		}
		p.settle(result{reply: reply, outcome: OutcomeReplied})
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", p.Destination, err)
	}

	p.onSettle(func() {
		if err := sub.Unsubscribe(); err != nil {
			d.logger.Warn("failed to release reply subscription", "destination", p.Destination, "error", err)
		}
	})
	return nil
}
