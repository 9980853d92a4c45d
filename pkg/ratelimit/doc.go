/*
Package ratelimit is the sliding-window rate limiter the deliverer
fleet shares through the substrate.

The Moog webhook has a contractual request budget. Because every
forwarder instance draws deliveries from the same alert queue, the
budget must be shared too: a per-process limiter would multiply the
allowance by the instance count. The limiter keeps its window in a
Redis sorted set and makes the whole admit-or-deny decision in one
server-side script, so racing workers can never jointly overshoot.

# How the Window Works

Admissions are members of a sorted set scored by their admission time
in milliseconds. One consultation:

 1. Drops members older than the trailing window (ZREMRANGEBYSCORE)
 2. Counts what remains (ZCARD)
 3. Under the limit: records this admission and allows
 4. At the limit: denies, returning how long until the eldest
    admission ages out

Because the script runs atomically, step 2's count cannot go stale
between observation and admission. The set expires shortly after the
window so an idle pipeline leaves no state behind.

A sliding window, unlike a fixed one, has no boundary burst: 100
requests per minute means no 60-second span ever holds more than 100
admissions, not "100 per wall-clock minute with 200 possible around
the boundary".

# Usage

	limiter := ratelimit.New(q, queue.RateLimitKey)

	d, err := limiter.Allow(ctx, limit, time.Minute)
	if err != nil {
		return err // substrate outage; caller decides
	}
	if !d.Allowed {
		// hold the alert back for d.Wait, then try again
		return requeueAfter(d.Wait)
	}
	// proceed with the delivery; d.Count admissions in window

Limit and window are passed per consultation so dynamic config
changes take effect on the next delivery, not the next restart.

# Denials Are Not Failures

A throttled delivery is healthy behavior, not an error: the caller
requeues the alert and the circuit breaker is never consulted, so
sustained throttling cannot open the circuit. The decision counter
(allowed/throttled) is the observability signal for a budget that is
too tight.

# Integration Points

This package integrates with:

  - pkg/forwarder: consults before every webhook call
  - pkg/queue: RunScript executes the window script
  - pkg/metrics: rate limit decision counter

# Thread Safety

Limiter is stateless apart from its key; instances are cheap and safe
for concurrent use. All coordination happens in the substrate.

# See Also

  - pkg/breaker for the circuit breaker guarding the same webhook
  - pkg/forwarder for the holdback flow on denial
*/
package ratelimit
