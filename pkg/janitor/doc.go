/*
Package janitor returns items stranded in dead workers' staging lists
to their source queues.

The pipeline's crash safety rests on staging lists: a worker moves an
item from its queue to a per-worker list before handling it, and
removes it only after disposition. When a worker dies mid-handle,
the item sits in its staging list forever unless someone puts it
back. The janitor is that someone.

# Peer Sweeping

Every pipeline worker runs a janitor alongside its consumer, so any
surviving peer heals a crash without a coordinator:

	every interval (default 30s):
	  for each stage:
	    scan the stage's staging lists
	    skip lists owned by this worker or by workers with a live
	      heartbeat
	    drain orphaned lists back to the stage's source queue

Liveness is the heartbeat key a consumer refreshes while running;
the TTL expiring is the death certificate. A worker recovers its own
leftovers itself on startup and is therefore skipped here, which is
why the janitor shares its consumer's worker id.

# Crash-Safe Drain

Recovery moves items one at a time with the same atomic move the
consumers use, so a janitor that dies mid-drain strands nothing new.
The substrate removes the list key itself once the last item leaves.
A dead worker restarting mid-drain merely re-stages items already
moved, which downstream dedupe absorbs; an explicit delete could
instead drop an item the revived worker had just staged.

Recovered items reenter at the queue tail, behind fresh work. An
at-least-once pipeline prefers a late duplicate to a lost alert.

# Usage

	jan, err := janitor.New(q, janitor.Config{WorkerID: workerID})
	if err != nil {
		return err
	}
	jan.Start()
	defer jan.Stop()

The first sweep runs immediately so a restarted fleet heals without
waiting a tick.

# Integration Points

This package integrates with:

  - pkg/queue: staging list scans, heartbeat reads, atomic moves
  - pkg/pipeline: sweeps the lists its consumers stage into
  - cmd/mutt: alerter and forwarder processes each run one

# Thread Safety

One janitor per process; Start may be called once and Stop waits for
an in-flight sweep.

# See Also

  - pkg/pipeline for the staging contract being swept
*/
package janitor
