package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy decides whether a failed attempt is tried again and how long
// to wait before it. Attempts are numbered from zero.
type RetryPolicy interface {
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff multiplies the delay after every failed attempt up to
// MaxInterval. Jitter spreads each delay by the given fraction either way.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          float64
}

// NewExponentialBackoff returns a backoff with 15% jitter. A negative
// maxAttempts keeps retrying until the context ends.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxAttempts,
		Jitter:          0.15,
	}
}

func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if !retryable(attempt, e.MaxAttempts, err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if e.MaxInterval > 0 {
		delay = math.Min(delay, float64(e.MaxInterval))
	}

	if e.Jitter > 0 {
		delay += delay * e.Jitter * (2*rand.Float64() - 1)
	}

	return time.Duration(delay)
}

// FixedDelay waits the same interval between attempts
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay returns a constant-interval policy. A negative maxAttempts
// keeps retrying until the context ends.
func NewFixedDelay(delay time.Duration, maxAttempts int) *FixedDelay {
	return &FixedDelay{Delay: delay, MaxAttempts: maxAttempts}
}

func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if !retryable(attempt, f.MaxAttempts, err) {
		return false, 0
	}
	return true, f.Delay
}

func (f *FixedDelay) NextDelay(int) time.Duration {
	return f.Delay
}

// Retry calls fn until it succeeds, the policy gives up, or ctx ends. fn
// receives the attempt number. The last error from fn is returned, with a
// Permanent wrapper removed.
func Retry(ctx context.Context, policy RetryPolicy, fn func(attempt int) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}

		again, delay := policy.ShouldRetry(attempt, err)
		if !again {
			var perm *permanentError
			if errors.As(err, &perm) {
				return perm.err
			}
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func retryable(attempt, maxAttempts int, err error) bool {
	if maxAttempts >= 0 && attempt >= maxAttempts {
		return false
	}
	return err != nil && !IsPermanent(err)
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so that no policy retries it
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked with
// Permanent
func IsPermanent(err error) bool {
	var perm *permanentError
	return errors.As(err, &perm)
}
