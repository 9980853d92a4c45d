/*
Package types defines the MUTT domain model shared by every service.

The types package holds the event and envelope shapes that travel the
queues, the rule and routing records the classifier evaluates, the audit
rows both audit logs store, the webhook delivery payload, and the error
taxonomy that decides how failures are handled. Keeping them in one
dependency-light package lets every service agree on the wire format
without importing each other.

# Architecture

An event mutates through three shapes on its way to the webhook:

	┌───────────────── EVENT LIFECYCLE ─────────────────┐
	│                                                    │
	│  ┌──────────────────────────────┐                 │
	│  │  Event                        │  inbound JSON   │
	│  │  timestamp, hostname,         │  (ingest API,   │
	│  │  message, source, severity,   │   validated)    │
	│  │  trap_oid, correlation_id     │                 │
	│  └──────────────┬───────────────┘                 │
	│                 │ NewEnvelope (normalize + stamp)  │
	│  ┌──────────────▼───────────────┐                 │
	│  │  Envelope                     │  queue payload  │
	│  │  Event + pipeline annotations │  (underscore    │
	│  │  _retry_count, _last_error,   │   fields ignore │
	│  │  _handling, _team, _is_dev,   │   unknown keys) │
	│  │  _matched_rule_id, _meta      │                 │
	│  └──────────────┬───────────────┘                 │
	│                 │ NewDeliveryPayload               │
	│  ┌──────────────▼───────────────┐                 │
	│  │  DeliveryPayload              │  webhook body   │
	│  │  source, description,         │  (signature =   │
	│  │  severity, manager, class,    │   correlation   │
	│  │  type, agent_time, signature  │   id, deduped   │
	│  └──────────────────────────────┘   downstream)    │
	└────────────────────────────────────────────────────┘

# Core Types

Event:
  - One syslog or SNMP trap occurrence as posted by the relays
  - Normalize assigns a correlation id when the producer sent none,
    infers the source from trap_oid, and stamps the ingestion time
  - Severity maps syslog severity (or trap presence) onto the 0-7 scale

Envelope:
  - Event plus pipeline bookkeeping, flattened into one JSON object
  - Annotation keys carry an underscore prefix so they can never
    collide with producer fields
  - ParseEnvelope wraps malformed payloads in a poison-class error;
    consumers route those to a DLQ instead of retrying them

Rule:
  - One classification rule: match type (contains, regex, oid_prefix),
    pattern, priority, prod and dev handling, team assignment
  - IsDefault reports the protected catch-all (id 1, pattern "*")
  - HandlingFor picks prod or dev handling from the host classification

DevHost, TeamOverride:
  - Host classification records. Both soft-delete via DeletedAt so the
    audit trail keeps the row the change history refers to

EventAudit, ConfigAudit:
  - EventAudit records every classification outcome: matched rule,
    effective handling, team, whether the event forwarded
  - ConfigAudit records every configuration change with old and new
    value snapshots, the acting operator, and an optional reason

DeliveryPayload:
  - The exact JSON contract of the Moog webhook. Signature carries the
    correlation id; the receiver dedupes on it, which is what makes
    at-least-once delivery safe

# Handling

Handling decides what the downstream does with an alert:

	page_and_ticket  page the on-call and open a ticket (forwards)
	ticket_only      open a ticket                      (forwards)
	email_only       notify by mail                     (audit only)
	log_only         record and move on                 (audit only)
	suppress         drop silently, audit row only      (dev hosts)

Forwards reports whether a handling reaches the delivery queue. Only
page_and_ticket and ticket_only do; everything else terminates at the
event audit log.

# Error Taxonomy

ErrorClass labels a failure with how it should be handled:

	transient     retry with backoff (timeouts, 5xx, connection loss)
	permanent     do not retry, dead-letter (4xx, contract violations)
	poison        payload can never parse, dead-letter tagged malformed
	auth_error    credential rejected, try NEXT slot before failing
	config_error  misconfiguration, fail loudly

Wrap errors with Transient, Permanent, Poison, AuthError, or
ConfigError; inspect them with ClassOf, IsTransient, IsPermanent, and
IsPoison. ClassOf defaults to transient so an unclassified failure is
retried rather than dropped.

# Usage

Building an envelope at the ingest edge:

	var ev types.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		// reject 400
	}
	if err := types.ValidateEvent(&ev); err != nil {
		// reject 400
	}
	env := types.NewEnvelope(ev) // normalized, correlation id set
	raw, _ := env.Encode()

Classifying a queue payload:

	env, err := types.ParseEnvelope(raw)
	if types.IsPoison(err) {
		// dead-letter the raw payload, do not retry
	}
	handling := rule.HandlingFor(env.IsDev)
	if handling.Forwards() {
		// enqueue for delivery
	}

Recording a retryable failure:

	env.RetryCount++
	env.MarkFailed(types.ErrorTransient, "webhook returned status 503")
	// _error_type, _last_error, _failed_at stamped

# Validation

ValidateEvent, ValidateRule, ValidateDevHost, and ValidateTeamOverride
run the struct tags through a shared validator instance with a custom
"oid" checker for trap OIDs. ValidateRule additionally compiles regex
patterns and rejects rules whose pattern cannot compile, so a broken
regex is refused at write time instead of crashing the classifier.

# Integration Points

This package integrates with:

  - pkg/ingestor: validates and envelopes inbound events
  - pkg/alerter: parses envelopes, evaluates rules, writes EventAudit
  - pkg/forwarder: maps envelopes onto DeliveryPayload
  - pkg/remediator: reads retry annotations to space replays
  - pkg/store: persists rules, hosts, overrides, and audit rows
  - pkg/admin: validates mutations before they reach the store

# Thread Safety

All types here are plain data. Copies are independent; nothing in this
package synchronizes. The shared validator instance is safe for
concurrent use.

# See Also

  - pkg/queue for how envelopes travel between services
  - pkg/store for the persistence of rules and audit rows
  - go-playground/validator: https://github.com/go-playground/validator
*/
package types
