/*
Package remediator replays dead-lettered events back into the
pipeline and promotes the hopeless ones to quarantine.

A dead letter is an event the pipeline could not disposition: an
audit write that kept failing, a delivery the webhook kept refusing,
bytes that never parsed. The remediator is the stage that refuses to
let "could not right now" become "never": it scans both DLQs on a
timer and gives each entry another chance, with discipline.

# Scan Cycle

	every config.remediation_scan_interval_seconds:
	  drain alerter DLQ  ──▶ raw queue
	  drain webhook DLQ  ──▶ alert queue   (only if the webhook
	                                        answers a probe)

Each cycle examines at most config.dlq_batch_size entries per DLQ.
Deferred entries go back to the tail, so bounding pops by the
starting depth examines each entry at most once per cycle.

# Per-Entry Disposition

Examining one popped entry picks exactly one outcome:

  - malformed: bytes that do not parse can never replay; they are
    parked in quarantine unchanged, where operators can inspect them
  - deferred: the entry's backoff window (capped exponential in its
    retry count, up to an hour) has not elapsed; back to the DLQ tail
  - quarantined: retry count reached config.max_remediation_retries;
    stamped with a poisoned-at time and parked
  - replayed: retry count bumped, last-retry stamped, enqueued onto
    the target queue

A disposition write that fails restores the entry to the head of its
DLQ and ends the batch; the next cycle starts where this one failed.

# The Health Gate

Webhook dead letters exist because the webhook misbehaved. Replaying
them while it is still down would only march their retry counts
toward quarantine, so the webhook DLQ drains only after an HTTP
probe answers. Any response below 500 counts: a 4xx proves the
endpoint is alive, which is all the gate asks. The alerter DLQ has
no gate; its replay target is the pipeline itself.

# Quarantine

Quarantine is terminal. Nothing automated reads it; only operator
action (the CLI's requeue and purge commands) empties it. Its depth
is exported so a growing pile pages someone.

# Usage

	svc, err := remediator.New(remediator.Config{
		Queue:      q,
		Config:     cfgClient,
		WebhookURL: url,
	})
	if err != nil {
		return err
	}
	svc.Start()
	defer svc.Stop()

The first scan runs immediately so a restart does not leave dead
letters waiting out a full tick.

# Integration Points

This package integrates with:

  - pkg/queue: DLQs, quarantine, and replay targets
  - pkg/health: the webhook probe gating webhook replays
  - pkg/config: scan interval, batch size, and retry ceiling
  - pkg/pipeline: shares its backoff curve for replay spacing

# Thread Safety

One remediator per deployment is expected; concurrent instances are
safe but will split batches unpredictably.

# See Also

  - pkg/alerter and pkg/forwarder for how entries reach the DLQs
  - cmd/mutt quarantine commands for the operator exit
*/
package remediator
