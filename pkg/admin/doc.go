/*
Package admin is the configuration surface: rules, host
classifications, dynamic config, audit queries, SLO reporting, and
queue operations over authenticated HTTP.

Operators never touch the database or the substrate directly; every
change flows through this API so it is validated, audited, and
announced. The pipeline itself never calls the admin service, it
only hears about changes through notifications.

# Routes

	/api/v2/rules              CRUD + POST /bulk (upsert by name)
	/api/v2/dev-hosts          list, add, remove
	/api/v2/teams              ownership overrides, CRUD by hostname
	/api/v2/audit-logs         config audit queries
	/api/v2/event-audit        event audit queries
	/api/v2/queues             depths, staging lists, circuit state
	/api/v2/quarantine         list, selective requeue, purge
	/api/v1/config             dynamic config read and write
	/api/v1/slo                availability and burn-rate report

All routes sit behind API key auth; health, readiness, and metrics
share the listener unauthenticated. CORS is enabled for browser
tooling.

# The Mutation Contract

Every mutation follows the same sequence:

 1. Validate the request body (strict decode, then entity rules)
 2. Apply the change and its config-audit row in one transaction
 3. Publish a change notification on the substrate topic

The audit row carries the actor and reason lifted from the
X-MUTT-Actor and X-MUTT-Reason headers (the actor defaults to
"api-key" when absent) plus before and after snapshots. The
notification tells pipeline caches to reload; a subscriber that
misses it converges on the next TTL expiry.

# Dynamic Config

Config writes go through the registry: unknown keys 404, values
failing the key's validator 400. The stored value lands in the
substrate where every service's config client reads it, and the
audit row records the transition. Resetting a key deletes the
override so the default shows through.

# Queue Operations

The queues endpoint reads depths and circuit state directly from the
substrate, giving operators the pipeline's live shape. Quarantine
operations are the only automated exit from the terminal queue:
requeue resets an entry's retry budget and replays it to the right
queue by provenance, purge discards everything. Malformed entries
are never replayed; purge is their only exit.

# Background Maintenance

The service ensures upcoming event-audit partitions daily and prunes
those past retention. The routine is idempotent so overlap between
instances is harmless.

# Usage

	svc, err := admin.New(admin.Config{
		Store:  st,
		Queue:  q,
		Config: cfgClient,
		Keys:   keys.Slot,
	})
	if err != nil {
		return err
	}
	svc.Start()
	defer svc.Stop()
	srv := api.NewServer(":8081", svc.Router())

# Integration Points

This package integrates with:

  - pkg/store: transactional mutations and audit queries
  - pkg/queue: config writes, notifications, queue operations
  - pkg/events: builds the notifications it publishes
  - pkg/config: the registry validating config writes
  - pkg/breaker: read-only circuit view for the queues endpoint
  - pkg/slo: serves the report
  - pkg/client: the typed consumer of this surface

# Thread Safety

Handlers are safe for concurrent use; transactional guarantees come
from the store.

# See Also

  - pkg/client for programmatic access
  - cmd/mutt for the CLI built on that client
*/
package admin
