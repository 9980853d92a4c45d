/*
Package health provides dependency probes and the hysteresis that
keeps a single blip from flapping a consumer's behavior.

Every service reports liveness and readiness; the remediator
additionally gates replay on downstream health. Both uses share the
same probes: a Checker runs one probe, a Status folds repeated
results into a stable healthy/unhealthy verdict.

# Core Types

  - Checker: one probe; Check runs it, Type names the dependency kind
  - Result: one probe outcome with message, timestamp, and duration
  - Status: rolling verdict over repeated results
  - Config: interval, timeout, and the failure count that trips a
    Status

# Checkers

Three checker kinds cover the pipeline's dependencies:

  - HTTPChecker: probes an HTTP endpoint; method, headers, accepted
    status range, and timeout are chainable options
  - QueueChecker: pings the substrate through the Pinger interface
  - DatabaseChecker: pings the store the same way

Pinger is satisfied by both the substrate client and the store, so
the checkers stay decoupled from either package.

# Hysteresis

Raw probe results are noisy. Status requires Config.Retries
consecutive failures before turning unhealthy, and a single success
resets the count. A new Status assumes healthy until proven
otherwise, so services do not start in a degraded state while the
first probe is in flight.

# Usage

Gating on a downstream endpoint:

	checker := health.NewHTTPChecker(webhookURL).
		WithMethod(http.MethodHead).
		WithTimeout(5 * time.Second)

	status := health.NewStatus()
	cfg := health.DefaultConfig()

	for range time.Tick(cfg.Interval) {
		ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		status.Update(checker.Check(ctx), cfg)
		cancel()
		if !status.Healthy {
			// pause replay until the dependency recovers
		}
	}

Probing the substrate:

	checker := health.NewQueueChecker(q)
	result := checker.Check(ctx)

# Integration Points

This package integrates with:

  - pkg/api: readiness endpoints run queue and database checkers
  - pkg/remediator: gates dead-letter replay on webhook health

# Thread Safety

Checkers are safe for concurrent use. Status is not; each probe loop
owns its own.

# See Also

  - pkg/remediator for the health gate on replay
  - pkg/api for the readiness endpoint wiring
*/
package health
