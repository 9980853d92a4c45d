/*
Package config is MUTT's dynamic configuration subsystem: a typed
registry of runtime-tunable keys and a caching client every service
reads them through.

Bootstrap settings (addresses, credentials, worker identity) come from
flags and the secrets broker; everything an operator might want to
tune while the pipeline is live (queue thresholds, retry budgets,
rate limits, breaker knobs) lives here instead. Changing a value
takes effect across the deployment within the cache TTL, no restarts.

# Architecture

	┌──────────────────── DYNAMIC CONFIG ─────────────────────┐
	│                                                          │
	│  admin API PUT /api/v1/config/{key}                     │
	│      │  validates against the registry,                 │
	│      │  audits, writes mutt:config:<key>,               │
	│      │  publishes to mutt:config:updates                │
	│      ▼                                                   │
	│  substrate value + pub/sub notification                  │
	│      │                                                   │
	│      ▼                                                   │
	│  Client (per service)                                    │
	│    - 30s TTL cache (go-cache)                            │
	│    - notification invalidates the single changed key     │
	│    - absent/unreadable/invalid value → registry default  │
	│      ▼                                                   │
	│  s.config.Int(ctx, config.KeyMoogMaxRetries)             │
	└──────────────────────────────────────────────────────────┘

The notification only invalidates; the next reader fetches the fresh
value. That keeps a config change from triggering a thundering herd
of substrate reads across the fleet.

# The Registry

Every key is declared once, with its default, a description, and a
validator. The admin surface refuses writes the validator rejects, so
a service can trust that a stored value parses. Unknown keys cannot
be written at all; typos fail loudly at the API instead of silently
tuning nothing.

Keys cover five concerns:

	admission    max_ingest_queue_size
	classifier   alerter_max_retries, cache_reload_interval_seconds,
	             backpressure_warn_threshold, backpressure_shed_threshold,
	             shed_mode, defer_sleep_ms, shed_drain_batch,
	             unhandled_alert_threshold, unhandled_window_hours
	delivery     moog_max_retries, moog_webhook_timeout_seconds,
	             rate_limit_max_requests, rate_limit_window_seconds,
	             breaker_failure_threshold, breaker_open_duration_seconds
	remediation  remediation_scan_interval_seconds, dlq_batch_size,
	             max_remediation_retries
	reporting    slo_target

# Usage

Reading values:

	cfg := config.NewClient(q)
	if err := cfg.Start(ctx); err != nil { // optional: faster propagation
		return err
	}
	defer cfg.Stop()

	max := cfg.Int(ctx, config.KeyMaxIngestQueueSize)
	window := cfg.Duration(ctx, config.KeyRateLimitWindow)
	target := cfg.Float(ctx, config.KeySLOTarget)

The typed getters never fail: a missing, unreadable, or malformed
value logs and falls back to the registered default, so a substrate
outage degrades the pipeline to its defaults instead of stopping it.
Without Start the client still works, bounded by the TTL.

Forwarding notifications in-process:

	broker := events.NewBroker()
	cfg := config.NewClient(q, config.WithBroker(broker))
	// rule/dev-host/team change notifications now reach broker
	// subscribers (the classifier's rule cache) as they arrive

Enumerating for an admin surface:

	for _, spec := range config.Known() {
		// spec.Key, spec.Default, spec.Description
	}
	spec, ok := config.Lookup("config.shed_mode")

# Integration Points

This package integrates with:

  - pkg/admin: validates and writes values, lists the registry
  - pkg/queue: value storage and the update topic
  - pkg/events: optional in-process fanout of parsed notifications
  - pkg/ingestor, pkg/alerter, pkg/forwarder, pkg/remediator, pkg/slo:
    read their tunables through a Client

# Thread Safety

Client is safe for concurrent use; the cache is go-cache and the
watch goroutine only deletes keys from it. Registry lookups are
read-only after init.

# See Also

  - pkg/events for the notification payload format
  - pkg/admin for the write path and its audit trail
*/
package config
