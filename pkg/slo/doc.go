/*
Package slo measures pipeline availability from real work outcomes
and serves the burn-rate report behind the admin API.

Prometheus answers "how is the system behaving"; the SLO report
answers "are we keeping our promise". Each component records one
sample per unit of work (an admitted event, a classification, a
delivery attempt); the report sums those samples over windows and
compares availability against the configured target.

# Sample Buckets

Samples accumulate in substrate hash buckets, one per component per
hour:

	mutt:slo:ingestor:2026010215  {ok: 14202, err: 3}

Buckets expire after 26 hours, a little past a day, so the widest
window never reads a partially expired range. Recording is best
effort: a substrate hiccup costs a sample, never a pipeline item.

# Windows and Burn Rate

Report sums the hour buckets of each component over each window
(defaults: 1h and 6h) and derives:

  - Availability: ok / (ok + errors), 1.0 for an empty window
  - Met: availability >= target
  - BurnRate: error rate divided by the error budget; 1.0 burns the
    budget exactly at the end of the target period, above 1.0 burns
    it early

The target comes from dynamic config (config.slo_target), so tuning
the promise does not redeploy the pipeline.

# Usage

Recording outcomes in a worker:

	rec := slo.NewRecorder(q)
	if err := deliver(ctx, payload); err != nil {
		rec.Err(ctx, slo.ComponentMoog)
		return err
	}
	rec.Ok(ctx, slo.ComponentMoog)

Serving the report:

	report, err := rec.Report(ctx, target)

# Integration Points

This package integrates with:

  - pkg/ingestor, pkg/alerter, pkg/forwarder: record samples
  - pkg/admin: serves Report at /api/v2/slo
  - pkg/queue: hash buckets live on the substrate

# Thread Safety

Recorder is safe for concurrent use.
*/
package slo
