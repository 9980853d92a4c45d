/*
Package store provides the PostgreSQL persistence layer for rules,
host classifications, and both audit logs.

Relational state is everything an operator maintains: classification
rules, the dev-host list, team overrides, and the audit trails that
record what the pipeline did and who changed its configuration. The
Store interface defines the contract; Postgres implements it with
sqlx over the pgx driver.

# Architecture

	┌──────────┐  reload   ┌──────────────────────────────┐
	│  alerter │◀──────────│          PostgreSQL          │
	└──────────┘           │                              │
	┌──────────┐  mutate   │ rules  dev_hosts  team_over… │
	│  admin   │──────────▶│ event_audit (partitioned)    │
	└──────────┘           │ config_audit                 │
	                       └──────────────────────────────┘

# Entities

  - Rule: match criteria and routing verdict, soft-deleted via the
    active flag
  - DevHost: hostnames classified as development
  - TeamOverride: per-host ownership overriding a rule's team
  - EventAudit: one row per classified event, written by the alerter
  - ConfigAudit: one row per configuration mutation, with before and
    after snapshots

# Transactional Audit

Every mutation writes its config-audit row in the same transaction
as the change itself. A rule update that commits without its audit
row, or an audit row without its change, cannot occur. The audit row
carries Meta (actor, reason, correlation id) lifted from request
headers, plus JSON snapshots of the row before and after.

Deletes are soft: DeleteRule and the remove operations flip flags or
stamp deleted_at rather than removing rows, keeping audit foreign
keys intact. The system default rule is protected; deleting or
deactivating it returns ErrProtectedRule.

# Audit Partitioning

event_audit is range-partitioned by month. EnsureAuditPartitions
creates the current and next month's partitions ahead of the write
path; PruneExpiredAudit drops partitions wholly past the 90-day
retention and reports how many were removed. The admin service runs
both daily; mutt-migrate exposes them for cron-style deployments.

# Credential Rotation

Config.DSN carries the CURRENT credential slot and NextDSN the NEXT.
New dials with Current; an authentication error triggers one retry
with Next before failing, so a connection made mid-rotation succeeds
no matter which slot the backend has kept.

# Usage

Connecting:

	st, err := store.New(&store.Config{DSN: dsn, NextDSN: nextDSN})
	if err != nil {
		return err
	}
	defer st.Close()

Mutating with attribution:

	meta := store.Meta{Actor: "jharvey", Reason: "silence lab chatter"}
	rule, err := st.CreateRule(ctx, rule, meta)

Querying the event trail:

	recs, err := st.QueryEventAudit(ctx, &store.EventAuditQuery{
		Hostname: "core-sw-01",
		Handling: types.HandlingPage,
		Limit:    100,
	})

Tests use NewWithDB with a sqlmock-backed connection, so every query
and transaction boundary is asserted without a live database.

# Integration Points

This package integrates with:

  - pkg/admin: all mutations and audit queries go through Store
  - pkg/alerter: reloads rules, dev hosts, and overrides; writes
    event audit rows
  - pkg/store/migrations: owns the schema this package queries

# Thread Safety

Postgres is safe for concurrent use; sqlx pools connections
underneath.

# See Also

  - pkg/store/migrations for the schema and partition functions
  - pkg/admin for the HTTP surface over these methods
*/
package store
