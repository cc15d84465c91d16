package bridge

import "time"

// Observer is told about the life of every request. Implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	RequestStarted(destination string)
	RequestSettled(destination string, outcome Outcome, elapsed time.Duration)
	MessageDropped(destination string, reason string)
}

type noopObserver struct{}

func (noopObserver) RequestStarted(string)                         {}
func (noopObserver) RequestSettled(string, Outcome, time.Duration) {}
func (noopObserver) MessageDropped(string, string)                 {}
