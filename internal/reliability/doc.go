// Package reliability provides the retry policies used to re-establish a
// lost broker connection.
//
// A RetryPolicy decides, per failed attempt, whether to try again and how
// long to wait first. FixedDelay retries at a constant interval and
// ExponentialBackoff grows the interval up to a cap. A negative attempt
// limit retries until the context ends.
//
//	policy := reliability.NewFixedDelay(5*time.Second, -1)
//	err := reliability.Retry(ctx, policy, func(attempt int) error {
//	    return conn.Connect(ctx)
//	})
//
// Wrap an error with Permanent to stop retrying regardless of policy.
package reliability
