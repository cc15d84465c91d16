package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool hands out confirm-mode channels on the shared connection.
// At most maxSize channels are checked out or idle at once; callers over
// the limit wait for a slot or for their context to end.
//
// Idle channels are expired lazily by Get. A reconnect leaves closed
// channels behind, which are dropped the same way.
type ChannelPool struct {
	conn        *Connection
	maxSize     int
	idleTimeout time.Duration

	// slots holds one token per open channel, idle or in use
	slots chan struct{}

	mu     sync.Mutex
	idle   []*PooledChannel
	open   int
	closed bool
}

// PooledChannel is a channel checked out of a ChannelPool
type PooledChannel struct {
	*amqp.Channel
	id       string
	returned time.Time
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize caps the number of open channels
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithIdleTimeout sets how long an unused channel stays open
func WithIdleTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.idleTimeout = timeout
	}
}

// NewChannelPool creates an empty pool on conn
func NewChannelPool(conn *Connection, options ...ChannelPoolOption) (*ChannelPool, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: nil connection", ErrInvalidConfiguration)
	}

	cp := &ChannelPool{
		conn:        conn,
		maxSize:     10,
		idleTimeout: 5 * time.Minute,
	}
	for _, opt := range options {
		opt(cp)
	}

	if cp.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	cp.slots = make(chan struct{}, cp.maxSize)

	return cp, nil
}

// Get returns an idle channel or opens a new one. It blocks while the pool
// is full.
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	if cp.isClosed() {
		return nil, ErrChannelPoolClosed
	}

	if ch := cp.takeIdle(); ch != nil {
		return ch, nil
	}

	select {
	case cp.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ctx.Err(), Timestamp: time.Now()}
	}

	// a channel may have been returned while waiting for the slot
	if ch := cp.takeIdle(); ch != nil {
		<-cp.slots
		return ch, nil
	}

	ch, err := cp.openChannel(ctx)
	if err != nil {
		<-cp.slots
		return nil, err
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		ch.Channel.Close()
		<-cp.slots
		return nil, ErrChannelPoolClosed
	}
	cp.open++

	return ch, nil
}

// takeIdle pops the most recently returned usable channel, closing any
// that are dead or expired on the way
func (cp *ChannelPool) takeIdle() *PooledChannel {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	cutoff := time.Now().Add(-cp.idleTimeout)
	for len(cp.idle) > 0 {
		last := len(cp.idle) - 1
		ch := cp.idle[last]
		cp.idle[last] = nil
		cp.idle = cp.idle[:last]

		if ch.Channel.IsClosed() || ch.returned.Before(cutoff) {
			cp.discardLocked(ch)
			continue
		}
		return ch
	}
	return nil
}

// Put hands a channel back. Closed channels are dropped.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed || ch.Channel.IsClosed() {
		cp.discardLocked(ch)
		return
	}

	ch.returned = time.Now()
	cp.idle = append(cp.idle, ch)
}

// discardLocked closes ch and frees its slot. cp.mu must be held.
func (cp *ChannelPool) discardLocked(ch *PooledChannel) {
	if !ch.Channel.IsClosed() {
		ch.Channel.Close()
	}
	if cp.open > 0 {
		cp.open--
		<-cp.slots
	}
}

// Close closes the idle channels. Channels still checked out are closed
// when they come back.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return nil
	}
	cp.closed = true

	for _, ch := range cp.idle {
		cp.discardLocked(ch)
	}
	cp.idle = nil

	return nil
}

func (cp *ChannelPool) isClosed() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.closed
}

func (cp *ChannelPool) openChannel(ctx context.Context) (*PooledChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}

	conn, err := cp.conn.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}

	raw, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	id := uuid.NewString()
	if err := raw.Confirm(false); err != nil {
		raw.Close()
		return nil, &ChannelError{Op: "enable confirms", ChannelID: id, Err: err, Timestamp: time.Now()}
	}

	return &PooledChannel{Channel: raw, id: id}, nil
}

// Size returns the number of open channels, idle or checked out
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.open
}

// Execute runs fn on a pooled channel and returns the channel afterwards.
// A panic in fn is returned as an error.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) (err error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in channel execution: %v", r)
		}
	}()

	return fn(ch.Channel)
}
