package bridge

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/google/uuid"
)

// Outcome is how a PendingRequest was settled
type Outcome string

const (
	OutcomeReplied   Outcome = "replied"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
	OutcomeClosed    Outcome = "closed"
)

const (
	statePending int32 = iota
	stateSettled
)

type result struct {
	reply   *contracts.Reply
	err     error
	outcome Outcome
}

// PendingRequest is one in-flight exchange awaiting its reply
type PendingRequest struct {
	ID          string
	Token       string
	Outbound    string
	Destination string
	Mode        Mode
	CreatedAt   time.Time
	Deadline    time.Time

	state atomic.Int32
	done  chan result

	mu       sync.Mutex
	timer    *time.Timer
	releases []func()
}

func newPendingRequest(outbound, destination string, timeout time.Duration, mode Mode) *PendingRequest {
	now := time.Now()
	return &PendingRequest{
		ID:          uuid.New().String(),
		Token:       uuid.New().String(),
		Outbound:    outbound,
		Destination: destination,
		Mode:        mode,
		CreatedAt:   now,
		Deadline:    now.Add(timeout),
		done:        make(chan result, 1),
	}
}

// Settled reports whether the request has been resolved
func (p *PendingRequest) Settled() bool {
	return p.state.Load() == stateSettled
}

// arm starts the timeout timer. It is a no-op on a settled request.
func (p *PendingRequest) arm(timeout time.Duration, onExpire func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Settled() {
		return
	}
	p.timer = time.AfterFunc(timeout, onExpire)
}

// onSettle registers fn to run once at settlement. If the request is
// already settled fn runs immediately.
func (p *PendingRequest) onSettle(fn func()) {
	p.mu.Lock()
	if p.Settled() {
		p.mu.Unlock()
		fn()
		return
	}
	p.releases = append(p.releases, fn)
	p.mu.Unlock()
}

// settle resolves the request. Only the first call wins; later calls
// return false and have no effect.
func (p *PendingRequest) settle(r result) bool {
	if !p.state.CompareAndSwap(statePending, stateSettled) {
		return false
	}

	p.mu.Lock()
	timer := p.timer
	releases := p.releases
	p.releases = nil
	p.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	for _, release := range releases {
		release()
	}

	p.done <- r
	return true
}
