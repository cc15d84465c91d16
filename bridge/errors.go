package bridge

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrReplyTimeout is matched by every ReplyTimeoutError
	ErrReplyTimeout = errors.New("reply timeout")

	// ErrBrokerUnavailable is matched by every BrokerUnavailableError
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrCancelled is matched by every CancelledError
	ErrCancelled = errors.New("request cancelled")

	// ErrInvalidRequest reports a Submit call with bad arguments
	ErrInvalidRequest = errors.New("invalid request")

	// ErrBridgeClosed is returned once the bridge has been closed
	ErrBridgeClosed = errors.New("bridge closed")
)

// ReplyTimeoutError is returned when no reply arrives before the timeout
type ReplyTimeoutError struct {
	Destination string
	RequestID   string
	Timeout     time.Duration
	Elapsed     time.Duration
}

func (e *ReplyTimeoutError) Error() string {
	return fmt.Sprintf("no reply on %s within %v (request %s, waited %v)",
		e.Destination, e.Timeout, e.RequestID, e.Elapsed.Round(time.Millisecond))
}

func (e *ReplyTimeoutError) Is(target error) bool {
	return target == ErrReplyTimeout
}

// BrokerUnavailableError is returned when the broker cannot be reached
type BrokerUnavailableError struct {
	Endpoint string
	Err      error
}

func (e *BrokerUnavailableError) Error() string {
	return fmt.Sprintf("broker unavailable at %s: %v", e.Endpoint, e.Err)
}

func (e *BrokerUnavailableError) Unwrap() error {
	return e.Err
}

func (e *BrokerUnavailableError) Is(target error) bool {
	return target == ErrBrokerUnavailable
}

// CancelledError is returned when the caller's context ends first
type CancelledError struct {
	Destination string
	RequestID   string
	Err         error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("request %s waiting on %s cancelled: %v", e.RequestID, e.Destination, e.Err)
}

func (e *CancelledError) Unwrap() error {
	return e.Err
}

func (e *CancelledError) Is(target error) bool {
	return target == ErrCancelled
}
