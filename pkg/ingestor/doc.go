/*
Package ingestor accepts inbound events over HTTP, validates and
enriches them, and enqueues them for classification.

The ingestor is the pipeline's front door and its cheapest tier. It
holds no database connection and keeps no state: every request is
authenticate, validate, wrap, check depth, enqueue. That poverty is
what lets it stay up while everything behind it struggles.

# Request Flow

	POST /api/v2/ingest
	  │
	  ├─ X-API-Key matches neither slot ──────▶ 401
	  ├─ body too large ─────────────────────▶ 413
	  ├─ malformed or invalid event ─────────▶ 400
	  ├─ raw queue at limit ─────────────────▶ 503 + Retry-After
	  ├─ substrate unreachable ──────────────▶ 503 + Retry-After
	  └─ wrapped in envelope, enqueued ──────▶ 202 {correlation_id}

A 202 is a durability handoff: once the envelope is on the raw
queue, responsibility for the event has transferred to the pipeline.
The correlation id in the response is the handle producers quote
when they ask where an event went.

# Admission Control

Admission is controlled by raw queue depth alone. A full raw queue
means the pipeline is behind, and accepting more would grow substrate
memory without bound, so the ingestor answers 503 with a Retry-After
header and lets well-behaved producers back off. The limit is the
dynamic config key config.max_ingest_queue_size, adjustable during an
event storm without a restart.

Depth rejections and substrate errors burn ingestor error budget;
client mistakes (401, 400, 413) do not. Shedding keeps the pipeline
alive, but from the producer's side the service did not take the
event.

# Authentication

The X-API-Key header is compared against both credential slots in
constant time, so key rotations never bounce producers. An empty
slot fails closed.

# Usage

	svc, err := ingestor.New(ingestor.Config{
		Queue:  q,
		Config: cfgClient,
		Keys:   keys.Slot,
	})
	if err != nil {
		return err
	}
	srv := api.NewServer(":8080", svc.Router())

Router mounts the ingest endpoint plus health, readiness, and
metrics on the same listener.

# Integration Points

This package integrates with:

  - pkg/queue: enqueues envelopes onto the raw queue
  - pkg/config: reads the admission limit per request
  - pkg/secrets: verifies API keys against TwoSlot
  - pkg/types: event validation and envelope construction
  - pkg/slo: records admission outcomes

# Thread Safety

Service is stateless beyond its dependencies; handlers are safe for
concurrent use.

# See Also

  - pkg/alerter for the consumer of the raw queue
  - pkg/types for the event schema and validation rules
*/
package ingestor
