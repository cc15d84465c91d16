// Package bridge provides synchronous request-response over asynchronous messaging.
//
// A SyncAsyncBridge turns "publish a request, wait on a reply destination,
// resolve exactly once" into a single blocking call:
//
//	reply, err := b.Submit(ctx, "/queue/orders_get", payload, "/queue/orders_reply", 15*time.Second)
//	switch {
//	case errors.Is(err, bridge.ErrReplyTimeout):
//	    // no reply within 15s
//	case errors.Is(err, bridge.ErrBrokerUnavailable):
//	    // broker could not be reached
//	}
//
// Every request is a PendingRequest that settles exactly once, by the first
// of: a matching reply, its timer, caller cancellation, or bridge shutdown.
// Settlement stops the timer and releases the listener on the reply
// destination before the caller sees the result.
//
// Replies are routed by a demultiplexer. In the default correlated mode
// every request carries a generated token as "requestId" and as the
// transport correlation id, and all waiters on a destination share one
// reference-counted subscription. First-reply mode opens a subscription per
// call and hands the first well-formed message to the caller; it is only
// safe with one request in flight per reply destination and exists for
// counterparts that do not echo the token.
package bridge
