/*
Package breaker is the circuit breaker every deliverer instance shares
through the substrate.

The breaker guards the Moog webhook. Its state lives in Redis, not in
process memory, so all forwarder workers across all instances see one
circuit: when the webhook is down, the whole fleet stops hammering it
at once, and one probe, not one per instance, tests recovery.

# State Machine

	            failures >= threshold
	  ┌────────┐ ─────────────────────► ┌──────┐
	  │ closed │                        │ open │◄──┐
	  └────────┘ ◄──────────┐           └──┬───┘   │
	       ▲                │              │       │
	       │        probe   │              │ open  │ probe
	       │        succeeds│              │ lapses│ fails
	       │                │              ▼       │
	       │           ┌────┴──────────────┐       │
	       └───────────┤     half_open     ├───────┘
	                   └───────────────────┘

closed admits everything and counts consecutive transient failures;
any success clears the count. Reaching the threshold opens the
circuit. open rejects everything until the open duration lapses, at
which point the next consultation flips it to half_open. half_open
admits probes: a success closes the circuit, a failure reopens it and
restarts the clock.

Only transient failures (timeouts, 5xx) feed the count. Client
rejections are the payload's fault, not the webhook's, so a 4xx never
moves the circuit.

# Shared State

Three substrate keys carry the machine:

	mutt:circuit:moog:state      closed/open/half_open (absent = closed)
	mutt:circuit:moog:failures   consecutive transient failures
	mutt:circuit:moog:opened_at  unix second the circuit last opened

Every transition runs as a server-side Lua script, so two workers
failing at the same moment cannot both miss the threshold, and two
probes cannot both be admitted while only one result is recorded.

# Usage

Consulting before a delivery:

	decision, err := b.Allow(ctx, openDuration)
	if err != nil {
		return err // substrate outage: caller decides, fail closed
	}
	if !decision.Allowed {
		// hold the alert back; decision.RetryIn says how long the
		// circuit stays open
		return requeueAfter(decision.RetryIn)
	}

Recording outcomes:

	if transient(err) {
		state, failures, _ := b.RecordFailure(ctx, threshold)
		if state == breaker.StateOpen {
			// the circuit just opened (or a probe failed)
		}
	} else {
		_, _ = b.RecordSuccess(ctx) // closes a half-open circuit
	}

Observability:

	state, failures, err := b.Snapshot(ctx)
	// admin surface reports these; the state gauge exports
	// closed=0, open=1, half_open=2

# Design Notes

The open duration and failure threshold are passed by the caller on
every consultation rather than stored in the breaker, so they follow
dynamic config changes without a restart or a shared settings key.

Allow, RecordSuccess, and RecordFailure each mirror the resulting
state onto the local metrics gauge, so the gauge tracks the shared
state as closely as this instance has observed it.

# Integration Points

This package integrates with:

  - pkg/forwarder: consults before every webhook call, records after
  - pkg/admin: Snapshot feeds the queue status view
  - pkg/queue: RunScript executes the Lua transitions
  - pkg/metrics: circuit state gauge

# Thread Safety

Breaker is safe for concurrent use. All coordination happens in the
substrate; the only local state is the last observed gauge value,
held in an atomic.

# See Also

  - pkg/ratelimit for the shared rate limit guarding the same webhook
  - pkg/forwarder for how holdback interacts with retries
*/
package breaker
