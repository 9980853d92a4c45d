/*
Package metrics defines every Prometheus series the pipeline exports
and a background collector for queue depths.

All series live in one registry under the mutt_ prefix. Packages
record into package-level vectors directly; the ops listener on each
service exposes Handler() at /metrics.

# Series Catalog

Ingest:

	mutt_ingest_requests_total{status,reason}   admission outcomes
	mutt_ingest_latency_seconds                 accepted requests only

Queues:

	mutt_queue_depth{queue}                     queues, DLQs, quarantine
	mutt_processing_depth{stage}                per-worker staging lists

Classification:

	mutt_events_classified_total{handling}      terminal handling counts
	mutt_audit_write_failures_total             audit writes that gave up
	mutt_meta_alerts_total                      synthesized alerts
	mutt_shed_total{mode}                       events dropped or deferred

Delivery:

	mutt_deliveries_total{outcome}              webhook outcomes
	mutt_delivery_latency_seconds               webhook round trips
	mutt_rate_limit_decisions_total{outcome}    allow and deny counts
	mutt_circuit_state                          0 closed, 1 open, 2 half-open
	mutt_circuit_transitions_total{state}       changes by resulting state

Recovery:

	mutt_remediations_total{queue,outcome}      replay decisions per DLQ
	mutt_janitor_recovered_total{stage}         stranded items requeued

Config and HTTP:

	mutt_config_cache_hits_total / misses_total
	mutt_config_updates_total
	mutt_http_requests_total{service,route,status}
	mutt_http_request_duration_seconds{service,route}

# The Depth Collector

Queue depth is substrate state, not something a worker observes in
passing, so Collector samples it: every 15 seconds it reads each
queue's length and scans the per-worker staging lists per stage,
folding both into the depth gauges. It reads through the DepthSource
interface so the package stays decoupled from the substrate client.

# Usage

Recording from a worker:

	metrics.DeliveriesTotal.WithLabelValues("delivered").Inc()
	metrics.DeliveryLatency.Observe(time.Since(start).Seconds())

Running the collector alongside a service:

	coll := metrics.NewCollector(q,
		[]string{queue.IngestQueue, queue.AlertQueue, queue.DLQMoog},
		[]string{queue.StageAlerter, queue.StageMoog})
	coll.Start()
	defer coll.Stop()

Exposing the endpoint:

	r.Handle("/metrics", metrics.Handler())

# Integration Points

This package integrates with:

  - pkg/ingestor, pkg/alerter, pkg/forwarder, pkg/janitor,
    pkg/remediator, pkg/config: record their series directly
  - pkg/api: the Metrics middleware records the HTTP series
  - pkg/breaker: mirrors its state into mutt_circuit_state

# Thread Safety

Prometheus collectors are safe for concurrent use. Collector may be
started once.
*/
package metrics
