/*
Package forwarder is the delivery stage: it consumes the alert queue
and posts each alert to the Moog webhook, behind the shared circuit
breaker and the shared rate limit.

The webhook is the one dependency MUTT does not own. Everything in
this package exists to be a polite, persistent client of it: never
exceed the agreed request rate, stop calling when it is down, and
never lose an alert while waiting for it to come back.

# Delivery Flow

	alert queue ──▶ breaker.Allow ──▶ limiter.Allow ──▶ POST webhook
	                   │ open              │ denied          │
	                   ▼                   ▼                 ▼
	               hold back           hold back      2xx  succeed
	            (requeue head,      (requeue head,    4xx  bury in DLQ
	             pause RetryIn)      pause Wait)      5xx  retry w/ backoff

# Admission

Every delivery asks the shared breaker first, then the shared rate
limiter. Both live on the substrate, so all forwarder replicas see
one circuit and one request budget. A denial is not a failure: the
alert returns to the head of its queue untouched, keeping its retry
budget and its position, and the worker pauses for the advertised
wait. Head requeue preserves ordering while the pipeline waits.

A semaphore additionally bounds concurrent webhook calls across
workers (MaxInFlight), independently of rate accounting.

# Outcome Taxonomy

The response status picks the path:

  - 2xx: delivered; breaker success recorded, outcome counted
  - 4xx: the webhook rejected the payload itself; retrying identical
    bytes cannot succeed, so the alert is buried in the webhook DLQ
    annotated with the status. Not a breaker failure.
  - 5xx, timeout, transport error: the webhook is struggling; a
    breaker failure is recorded, the alert retries with capped
    exponential backoff until config.moog_max_retries is spent, then
    goes to the DLQ

A 401 or 403 mid-rotation gets one immediate retry with the NEXT
token slot before counting as a rejection.

# Usage

	svc, err := forwarder.New(forwarder.Config{
		Queue:       q,
		Config:      cfgClient,
		WebhookURL:  url,
		Token:       token,
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

Start seeds the circuit gauge from shared state so a restart does
not report closed while the circuit is open.

# Integration Points

This package integrates with:

  - pkg/pipeline: the consumer harness and retry contract
  - pkg/breaker, pkg/ratelimit: shared admission state
  - pkg/queue: alert queue and webhook DLQ
  - pkg/secrets: the bearer token rides a Cached two-slot
  - pkg/config: retry, rate, and breaker tuning keys
  - pkg/slo: delivery outcomes

# Thread Safety

Service is safe for concurrent workers; shared admission state lives
on the substrate, not in the process.

# See Also

  - pkg/breaker for the circuit state machine
  - pkg/ratelimit for the sliding window
  - pkg/remediator for DLQ replay
*/
package forwarder
