/*
Package secrets provides the secrets broker client and the two-slot
credential model that keeps every credential rotatable without
downtime.

No credential lives in a config file. Services log in to the broker
with role credentials at startup, fetch named secrets over HTTPS, and
renew their lease token in the background. Every secret carries two
slots so a rotation can overlap: the backend accepts both values
while consumers converge on the new one.

# Architecture

	┌──────────────┐   login(role_id, secret_id)   ┌──────────────┐
	│   Service    │──────────────────────────────▶│   Secrets    │
	│              │◀──────────────────────────────│   Broker     │
	│  ┌────────┐  │        lease token            │              │
	│  │ Cached │  │   GET /v1/secrets/<name>      │  CURRENT /   │
	│  │  slot  │  │──────────────────────────────▶│  NEXT slots  │
	│  └────────┘  │◀──────────────────────────────│              │
	└──────────────┘     {current, next}           └──────────────┘

# Two-Slot Rotation

TwoSlot carries both values of one secret:

  - Current: the credential in active use
  - Next: the incoming credential during a rotation window, empty
    otherwise

Rotation proceeds without a restart: the operator loads the new value
into NEXT, waits for consumers to refresh, promotes NEXT to CURRENT,
and retires the old value. Verifiers (ingest and admin API keys)
accept a presented credential when it matches either slot, in
constant time. Dialers (queue, database) connect with Current and
retry with Next on an authentication failure.

# Well-Known Secrets

The pipeline uses five named secrets:

	mutt/queue             substrate password
	mutt/database          database DSN
	mutt/ingest-api-keys   ingest API key
	mutt/admin-api-keys    admin API key
	mutt/moog-webhook      webhook bearer token

Fetching a name the broker does not hold returns ErrUnknownSecret.

# Static Mode

NewStatic serves fixed values from memory for development and tests.
StaticFromEnv builds one from environment variables, one pair per
well-known secret (MUTT_QUEUE_PASSWORD and MUTT_QUEUE_PASSWORD_NEXT,
and so on). The command layer falls back to static mode when no
broker address is configured.

# Caching

Cached wraps one named secret for hot paths. Prime fetches it
synchronously at startup so a service never begins serving without
credentials; Start refreshes it on a schedule. A failed refresh keeps
the last good value: during a rotation the NEXT slot stays valid, so
serving stale slots briefly is safe while rejecting all traffic is
not.

# Usage

Connecting to the broker:

	broker, err := secrets.New(&secrets.Config{
		Addr:     "https://broker.internal:8200",
		RoleID:   os.Getenv("MUTT_SECRETS_ROLE_ID"),
		SecretID: os.Getenv("MUTT_SECRETS_SECRET_ID"),
	})
	if err != nil {
		return err
	}
	broker.Start()
	defer broker.Stop()

Serving a cached secret to a verifier:

	keys := secrets.NewCached(broker, secrets.SecretIngestKeys, 0)
	if err := keys.Prime(ctx); err != nil {
		return err
	}
	keys.Start()
	defer keys.Stop()

	svc := ingestor.New(ingestor.Config{Keys: keys.Slot, ...})

Static broker in tests:

	broker := secrets.NewStatic(map[string]secrets.TwoSlot{
		secrets.SecretIngestKeys: {Current: "test-key"},
	})

# Integration Points

This package integrates with:

  - cmd/mutt: every service logs in at startup and fetches its
    credentials through this package
  - pkg/ingestor, pkg/admin: verify API keys against both slots
  - pkg/queue, pkg/store: dial with Current, retry with Next
  - pkg/forwarder: sends the webhook token from a Cached slot

# Thread Safety

Broker and Cached are safe for concurrent use. Token renewal and
cache refresh run in background goroutines guarded by RWMutex.

# See Also

  - pkg/queue for Current/Next dialing
  - pkg/ingestor for two-slot verification
*/
package secrets
