// Package messagingtest provides an in-memory messaging.Transport for tests.
package messagingtest

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/mmate-gateway/messaging"
)

// Published records one Publish call
type Published struct {
	Destination string
	Message     *messaging.OutboundMessage
}

// Transport is an in-memory broker. Deliver pushes messages to every active
// subscription on a destination, calling handlers on the caller's goroutine.
type Transport struct {
	// ConnectErr makes Connect fail when set
	ConnectErr error
	// ConnectHang makes Connect block until its context ends
	ConnectHang bool
	// ConnectDelay delays a successful Connect
	ConnectDelay time.Duration
	// PublishErr makes Publish fail when set
	PublishErr error
	// SubscribeErr makes Subscribe fail when set
	SubscribeErr error
	// SubscribeDelay delays Subscribe, which still honors its context
	SubscribeDelay time.Duration
	// OnPublish runs after each successful Publish, outside any lock
	OnPublish func(destination string, msg *messaging.OutboundMessage)

	mu           sync.Mutex
	connected    bool
	closed       bool
	connectCalls int
	published    []Published
	subs         map[string][]*Subscription
	subscribes   map[string]int
	unsubscribes map[string]int
	disconnects  chan error
}

// New creates a disconnected Transport
func New() *Transport {
	return &Transport{
		subs:         make(map[string][]*Subscription),
		subscribes:   make(map[string]int),
		unsubscribes: make(map[string]int),
		disconnects:  make(chan error, 1),
	}
}

// Subscription is returned by Subscribe
type Subscription struct {
	transport   *Transport
	destination string
	handler     messaging.DeliveryHandler
	once        sync.Once
	active      bool
	done        chan struct{}
}

// Unsubscribe implements messaging.Subscription
func (s *Subscription) Unsubscribe() error {
	s.once.Do(func() {
		t := s.transport
		t.mu.Lock()
		defer t.mu.Unlock()

		t.removeLocked(s)
		t.unsubscribes[s.destination]++
	})
	return nil
}

// Done implements messaging.Subscription
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// removeLocked stops s. t.mu must be held.
func (t *Transport) removeLocked(s *Subscription) {
	if !s.active {
		return
	}
	s.active = false
	close(s.done)

	subs := t.subs[s.destination]
	for i, sub := range subs {
		if sub == s {
			t.subs[s.destination] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(t.subs[s.destination]) == 0 {
		delete(t.subs, s.destination)
	}
}

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.connectCalls++
	hang, delay, err := t.ConnectHang, t.ConnectDelay, t.ConnectErr
	t.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Publish(ctx context.Context, destination string, msg *messaging.OutboundMessage) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return messaging.ErrNotConnected
	}
	if t.PublishErr != nil {
		err := t.PublishErr
		t.mu.Unlock()
		return err
	}
	t.published = append(t.published, Published{Destination: destination, Message: msg})
	hook := t.OnPublish
	t.mu.Unlock()

	if hook != nil {
		hook(destination, msg)
	}
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, destination string, handler messaging.DeliveryHandler) (messaging.Subscription, error) {
	t.mu.Lock()
	delay := t.SubscribeDelay
	t.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil, messaging.ErrNotConnected
	}
	if t.SubscribeErr != nil {
		return nil, t.SubscribeErr
	}

	sub := &Subscription{
		transport:   t,
		destination: destination,
		handler:     handler,
		active:      true,
		done:        make(chan struct{}),
	}
	t.subs[destination] = append(t.subs[destination], sub)
	t.subscribes[destination]++
	return sub, nil
}

func (t *Transport) NotifyDisconnect() <-chan error {
	return t.disconnects
}

func (t *Transport) Endpoint() string {
	return "memory://test"
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	t.closed = true
	return nil
}

// Deliver sends body to every active subscription on destination and
// returns how many handlers ran
func (t *Transport) Deliver(destination string, body []byte, headers map[string]string) int {
	t.mu.Lock()
	subs := append([]*Subscription(nil), t.subs[destination]...)
	t.mu.Unlock()

	delivery := messaging.Delivery{
		Destination:   destination,
		Body:          body,
		Headers:       headers,
		CorrelationID: headers["correlation-id"],
		MessageID:     headers["message-id"],
		ReceivedAt:    time.Now(),
	}

	n := 0
	for _, sub := range subs {
		t.mu.Lock()
		active := sub.active
		t.mu.Unlock()
		if !active {
			continue
		}
		sub.handler(delivery)
		n++
	}
	return n
}

// Drop simulates the broker closing an established connection. Every
// subscription dies with it.
func (t *Transport) Drop(err error) {
	t.mu.Lock()
	t.connected = false
	for _, subs := range t.subs {
		for _, sub := range append([]*Subscription(nil), subs...) {
			t.removeLocked(sub)
		}
	}
	t.mu.Unlock()

	select {
	case t.disconnects <- err:
	default:
	}
}

// SetConnectErr changes ConnectErr safely while the transport is in use
func (t *Transport) SetConnectErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ConnectErr = err
}

// ConnectCalls returns how many times Connect ran
func (t *Transport) ConnectCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectCalls
}

// Published returns a copy of every published message
func (t *Transport) Published() []Published {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Published(nil), t.published...)
}

// ActiveSubscriptions returns the number of live subscriptions on destination
func (t *Transport) ActiveSubscriptions(destination string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs[destination])
}

// Subscribes returns how many subscriptions were opened on destination
func (t *Transport) Subscribes(destination string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribes[destination]
}

// Unsubscribes returns how many subscriptions were closed on destination
func (t *Transport) Unsubscribes(destination string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unsubscribes[destination]
}

// Closed reports whether Close was called
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

var _ messaging.Transport = (*Transport)(nil)
