/*
Package queue is the Redis substrate client shared by every MUTT service.

Queues are Redis lists with a strict orientation: producers append to
the tail, consumers pop from the head, so each list is FIFO in the
absence of retries and recovery. On top of the lists the package offers
the atomic pop-and-stage handoff the pipeline's crash safety depends
on, worker heartbeats, key/value storage with TTLs for dynamic config
and counters, pub/sub for change notifications, and scripted execution
for the shared rate limiter and circuit breaker.

# Architecture

One substrate instance carries all pipeline state:

	┌───────────────────── SUBSTRATE LAYOUT ──────────────────────┐
	│                                                              │
	│  Queues (lists, tail-in head-out)                            │
	│    mutt:ingest_queue      raw events awaiting classification │
	│    mutt:alert_queue       alerts awaiting delivery           │
	│    mutt:dlq:alerter       classification dead letters        │
	│    mutt:dlq:moog          delivery dead letters              │
	│    mutt:quarantine        terminal failures, operator-owned  │
	│                                                              │
	│  Staging (one list per live worker)                          │
	│    mutt:processing:<stage>:<worker>                          │
	│                                                              │
	│  Liveness (TTL keys)                                         │
	│    mutt:heartbeat:<stage>:<worker>                           │
	│                                                              │
	│  Shared state                                                │
	│    mutt:rate_limit:moog        sliding-window sorted set     │
	│    mutt:circuit:moog:*         breaker state/failures/opened │
	│    mutt:config:<key>           dynamic config values         │
	│    mutt:unhandled:<signature>  default-rule-only counters    │
	│    mutt:slo:*                  hourly ok/error buckets       │
	│                                                              │
	│  Pub/sub                                                     │
	│    mutt:config:updates         change notifications          │
	└──────────────────────────────────────────────────────────────┘

Everything lives under the mutt: prefix so operators can inspect the
whole pipeline with one SCAN.

# The Atomic Handoff

AtomicStage is the heart of crash safety. It moves the head of a source
queue onto the calling worker's staging list in one substrate
operation (BLMOVE), so a message is always in exactly one list. The
worker processes the staged copy and calls Ack, which removes the
first occurrence from the staging list (LREM count 1, so duplicate
payloads ack one at a time). If the worker dies mid-flight the message
survives on its staging list, the heartbeat key expires, and a peer's
janitor moves the leftovers back to the source queue.

Requeue comes in two flavors with different fairness:

  - RequeueHead puts a message back at the front. Used by recovery
    paths so interrupted work does not lose its place.
  - RequeueTail puts it at the back. Used by retry paths so a failing
    message cannot starve the messages behind it.

# Credential Rotation

New dials with the CURRENT password and, when the substrate rejects it
and a NEXT password is configured, retries with NEXT before failing.
During a rotation window both passwords are live, so a service can
restart at any point of the rotation without losing its connection.

# Usage

Connecting and enqueueing:

	q, err := queue.New(&queue.Config{
		Addr:     "localhost:6379",
		Password: slot.Current,
		NextPassword: slot.Next,
	})
	if err != nil {
		return err
	}
	defer q.Close()

	raw, _ := env.Encode()
	if err := q.Enqueue(ctx, queue.IngestQueue, raw); err != nil {
		return err
	}

Consuming with the staged handoff:

	staging := queue.ProcessingKey(queue.StageAlerter, workerID)
	raw, err := q.AtomicStage(ctx, queue.IngestQueue, staging, 5*time.Second)
	if err != nil {
		return err
	}
	if raw == "" {
		return nil // timed out empty, poll again
	}
	// ... process ...
	return q.Ack(ctx, staging, raw)

Heartbeats:

	hb := queue.NewHeartbeat(q, queue.StageAlerter, workerID)
	hb.Start()
	defer hb.Stop() // removes the key: clean exit looks like expiry

Counters and config values:

	n, _ := q.IncrWithTTL(ctx, queue.UnhandledKey(signature), 24*time.Hour)
	val, found, _ := q.Get(ctx, queue.ConfigKey("config.max_ingest_queue_size"))

Change notifications:

	sub, err := q.Subscribe(ctx, queue.ConfigUpdatesTopic)
	if err != nil {
		return err
	}
	defer sub.Close()
	for payload := range sub.C {
		// react to the update
	}

# Key Helpers

ProcessingKey and HeartbeatKey build per-worker keys; ProcessingPattern
matches every staging list of a stage for janitor scans, and
WorkerFromProcessingKey recovers the worker id from a scanned key.
SourceQueueFor maps a stage back to the queue it consumes, which is
where recovered messages return to. ConfigKey maps a registry name
(with or without its config. prefix) onto its substrate key.

# Design Patterns

Single Client Pattern:
  - One Client per process, shared by every component in it
  - go-redis pools connections internally; no extra pooling here

Orientation Invariant:
  - Enqueue appends, consumers pop heads, period
  - Every deviation is a named method (RequeueHead, RequeueTail) so
    intent is visible at the call site

Scripted Atomicity:
  - Cross-instance decisions (rate limit, breaker transitions) run as
    Lua via RunScript so racing workers cannot observe partial state

# Integration Points

This package integrates with:

  - pkg/pipeline: staged consumer loop over AtomicStage/Ack
  - pkg/janitor: scans staging lists, reclaims dead workers' leftovers
  - pkg/ratelimit, pkg/breaker: shared state via RunScript
  - pkg/config: values under mutt:config:, updates via pub/sub
  - pkg/slo: hourly buckets via HIncrWithTTL
  - pkg/ingestor, pkg/alerter, pkg/forwarder, pkg/remediator,
    pkg/admin: queue operations throughout the pipeline

# Thread Safety

Client is safe for concurrent use; it wraps a pooled go-redis client
and holds no mutable state of its own. Subscription channels are owned
by one reader; Close unsubscribes and closes the channel.

# See Also

  - pkg/pipeline for the consumer loop built on this client
  - pkg/janitor for how staged messages survive worker crashes
  - go-redis documentation: https://github.com/redis/go-redis
*/
package queue
