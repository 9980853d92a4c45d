/*
Package pipeline is the staged-consumption harness shared by the
classifier and the forwarder.

A Consumer owns the loop every queue-fed stage runs: move the head of
the source queue onto this worker's staging list, hand it to the
stage's Handler, and ack the staged copy once the handler has
dispositioned it. The staging list plus a heartbeat key is what makes
the pipeline crash-safe: an item is always in exactly one list, and a
dead worker's staged items are recoverable by any surviving peer.

# Architecture

	┌─────────────────── CONSUMER LOOP ────────────────────┐
	│                                                       │
	│   source queue                                        │
	│   (mutt:ingest_queue / mutt:alert_queue)              │
	│        │                                              │
	│        │ AtomicStage (BLMOVE, one substrate op)       │
	│        ▼                                              │
	│   mutt:processing:<stage>:<worker>                    │
	│        │                                              │
	│        │ Handler.Handle (stage semantics)             │
	│        ▼                                              │
	│   disposition: forward / dead-letter / requeue / drop │
	│        │                                              │
	│        │ Ack (LREM first occurrence)                  │
	│        ▼                                              │
	│   staged copy removed                                 │
	│                                                       │
	│   alongside: heartbeat key refreshed every 10s,       │
	│   30s TTL; janitor reclaims staging lists whose       │
	│   heartbeat lapsed                                    │
	└───────────────────────────────────────────────────────┘

# The Handler Contract

Handle(ctx, payload) owns disposition. By the time it returns nil the
item must have been forwarded, dead-lettered, requeued, or deliberately
dropped; nil means "this payload needs nothing further from the
pipeline". A non-nil error means disposition itself could not happen
(substrate or database outage) and the consumer retries the same
payload with doubling pauses, capped at 30 seconds, without acking.
The item stays staged the whole time, so a crash mid-retry loses
nothing.

This split keeps the harness generic: the harness guarantees the item
survives until someone dispositions it, the handler decides what
disposition means for its stage.

# Crash Recovery

Three cooperating mechanisms cover the failure modes:

Self-recovery (reclaimOwn):
  - On Start, before any loop runs, the consumer drains its own
    staging list back to the source queue head
  - Everything found there is a leftover of a previous incarnation of
    the same worker id, so reclaiming it cannot race live work

Peer recovery (pkg/janitor):
  - Every worker runs a janitor that scans other workers' staging
    lists and reclaims those whose heartbeat key has expired
  - The consumer's own heartbeat protects it while alive

Ordered shutdown (Stop):
  - Loops drain first, then the heartbeat clears
  - The heartbeat outlives the loops so a janitor cannot reclaim an
    item a handler is still holding

# Usage

Wiring a stage:

	consumer, err := pipeline.NewConsumer(q, pipeline.Config{
		Stage:         queue.StageAlerter,
		WorkerID:      workerID,
		Concurrency:   4,
		HandleTimeout: 2 * time.Minute,
	}, pipeline.HandlerFunc(s.classify))
	if err != nil {
		return err
	}

	consumer.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = consumer.Stop(ctx)
	}()

Admission checks before staging:

	pipeline.Config{
		...
		// runs while no message is held; used for backpressure
		// decisions that must observe queue state
		BeforeStage: s.backpressure,
	}

Retry spacing helper:

	// Backoff(n, limit) = min(2^n, limit) seconds
	sleep(pipeline.Backoff(env.RetryCount, 60*time.Second))

# Design Patterns

Staged Handoff Pattern:
  - Never hold a message only in memory
  - The substrate always knows where every in-flight item is

Disposition-Or-Error Pattern:
  - Handlers return nil only after the item's fate is settled
  - Harness retries are reserved for infrastructure failures, so a
    poison payload can never wedge the loop (the handler dead-letters
    it and returns nil)

Interruptible Pauses:
  - Every sleep races the stop channel
  - Shutdown latency is bounded by the stage timeout, not by backoff

# Integration Points

This package integrates with:

  - pkg/queue: AtomicStage, Ack, heartbeats, staging keys
  - pkg/alerter: classification handler on the ingest queue
  - pkg/forwarder: delivery handler on the alert queue
  - pkg/janitor: reclaims this consumer's staging list after a crash

# Thread Safety

A Consumer runs Concurrency independent loops over one shared staging
list; Ack removes exactly one occurrence per call, so duplicate
payloads ack one at a time. Start and Stop are not idempotent and are
called once each by the owning service.

# See Also

  - pkg/janitor for the peer-recovery half of crash safety
  - pkg/queue for the substrate operations underneath
*/
package pipeline
