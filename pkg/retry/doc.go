// Package retry provides exponential backoff for transient failures.
//
// # Overview
//
// Two entry points share one delay policy:
//
//   - Backoff.Delay: the pure delay function used by the websocket reconnect
//     loop, which schedules its own timers.
//   - Do / DoWithResult: a blocking retry loop used by the REST client.
//
// The policy is min(Initial * Multiplier^attempt, Max) with a zero-based
// attempt. With the defaults (1s, 30s, x2) that gives 1s, 2s, 4s, ... and
// caps at 30s from attempt 5 onwards.
//
// # Usage Examples
//
//	b := retry.DefaultBackoff()
//	timer := clock.AfterFunc(b.Delay(attempt), reconnect)
//
//	resp, err := retry.DoWithResult(ctx, cfg, func() (*Response, error) {
//	    return client.once(ctx, req)
//	})
//
// Wrap an error with NonRetryable to stop the loop immediately (for example
// an authentication or validation failure).
//
// # Context Cancellation
//
// Do respects context cancellation both between attempts and during backoff.
package retry
