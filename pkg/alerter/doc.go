/*
Package alerter is the pipeline's classification stage: it consumes
the raw queue, matches each event against operator rules, records the
verdict in the audit trail, and forwards pageable alerts.

The alerter is where an event stops being bytes and becomes a
decision. Everything the pipeline promises about an event (matched,
audited, or dead-lettered, never lost) is enforced here.

# Architecture

	raw queue ──▶ consumer ──▶ classify ──▶ audit write ──▶ alert queue
	                 │                          │               (page/ticket)
	          backpressure check          3 attempts, then
	          (defer or shed)             alerter DLQ
	                 │
	          unhandled tracker ──▶ meta-alert

# Classification

The rule cache holds every active rule compiled (regex patterns
ready to run), the dev-host set, and the team overrides, all loaded
in one snapshot swap. Classify walks rules in priority order and
returns the first match; the protected default rule guarantees a
match always exists. The verdict carries:

  - Handling: one of the five terminal handlings, from page and
    ticket down to suppress
  - Team: the rule's team, unless a host override wins
  - IsDev: dev hosts demote page to ticket

The cache reloads on a timer and, when a Broker is wired, on admin
change notifications, so a rule edit takes effect in seconds.

# The Audit Invariant

An event is dispositioned only after its audit row is written. The
write gets three immediate attempts; exhausting them dead-letters the
event with an audit_write_failed annotation instead of forwarding it
untracked. The remediator replays those once the database recovers.

# Failure Policy

Three failure classes, three paths:

  - Unparseable payload: straight to the alerter DLQ as raw bytes;
    the remediator quarantines it on sight
  - Classification or forward error: requeued to the tail of the raw
    queue with a capped exponential pause, dead-lettered once
    config.alerter_max_retries is spent
  - Audit write exhaustion: dead-lettered immediately, annotated

# Backpressure

Before each stage the consumer checks alert queue depth. Crossing
the warn threshold logs once; crossing the shed threshold activates
the configured mode:

  - defer: stop consuming and sleep, letting the raw queue absorb
    the backlog
  - dlq: drain batches from the head of the raw queue straight to
    the alerter DLQ, tagged shed

Shedding takes the oldest upstream events first: upstream backlog
gives way before in-flight alerts do. All thresholds and the mode
are dynamic config, tunable mid-storm.

# Unhandled Patterns

Events only the default rule matched feed a pattern tracker keyed by
hostname and message shape (digits and hex runs collapsed, so
"port 17 down" and "port 23 down" count together). When one
signature crosses its threshold inside the window, the alerter
synthesizes a meta-alert into the pipeline so a human writes the
missing rule. INCR is atomic, so exactly one worker emits it.

# Usage

	svc, err := alerter.New(alerter.Config{
		Queue:       q,
		Store:       st,
		Config:      cfgClient,
		Broker:      notifications,
		WorkerID:    workerID,
		Concurrency: 4,
	})
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop(stopCtx)

Start fails when the initial cache load fails: classifying without
rules would give every event the default disposition.

# Integration Points

This package integrates with:

  - pkg/pipeline: the consumer harness and retry contract
  - pkg/queue: raw queue, alert queue, DLQ, unhandled counters
  - pkg/store: rule loads and audit writes
  - pkg/config: retry, backpressure, and threshold keys
  - pkg/events: cache invalidation notifications
  - pkg/slo: classification outcomes

# Thread Safety

Service and Cache are safe for concurrent workers; the cache swaps
immutable snapshots through an atomic pointer, so readers mid-reload
see the old view or the new one, never a mix.

# See Also

  - pkg/forwarder for what happens to forwarded alerts
  - pkg/remediator for how dead-lettered events come back
*/
package alerter
