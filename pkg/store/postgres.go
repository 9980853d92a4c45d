package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/spiretel/mutt/pkg/log"
	"github.com/spiretel/mutt/pkg/types"
)

const retentionDays = 90

// Config holds database connection settings. DSN carries the CURRENT
// credential slot; NextDSN is tried on authentication failure.
type Config struct {
	DSN             string
	NextDSN         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Postgres implements Store on PostgreSQL
type Postgres struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

var _ Store = (*Postgres)(nil)

// New connects to the database and verifies the connection. When the
// CURRENT credential is rejected and NextDSN is configured, the
// connection is retried with the NEXT slot before failing.
func New(cfg *Config) (*Postgres, error) {
	logger := log.WithComponent("store")

	db, err := open(cfg, cfg.DSN)
	if err != nil {
		if cfg.NextDSN != "" && isAuthError(err) {
			logger.Warn().Msg("database rejected current credentials, trying next slot")
			db, err = open(cfg, cfg.NextDSN)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
	}

	return &Postgres{db: db, logger: logger}, nil
}

// NewWithDB wraps an existing connection. Used by tests.
func NewWithDB(db *sqlx.DB) *Postgres {
	return &Postgres{db: db, logger: log.WithComponent("store")}
}

func open(cfg *Config, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime == 0 {
		lifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func isAuthError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 28P01 invalid_password, 28000 invalid_authorization_specification
		return pgErr.Code == "28P01" || pgErr.Code == "28000"
	}
	return err != nil && strings.Contains(err.Error(), "password authentication failed")
}

// Ping verifies the database is reachable
func (s *Postgres) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (s *Postgres) Close() error {
	return s.db.Close()
}

const ruleColumns = `id, name, match_type, match_string, trap_oid, priority, prod_handling, dev_handling, team_assignment, active, created_at, updated_at`

// CreateRule inserts a rule and its audit row in one transaction
func (s *Postgres) CreateRule(ctx context.Context, rule *types.Rule, meta Meta) (*types.Rule, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var created types.Rule
	err = tx.GetContext(ctx, &created, `
		INSERT INTO alert_rules (name, match_type, match_string, trap_oid, priority, prod_handling, dev_handling, team_assignment, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+ruleColumns,
		rule.Name, rule.MatchType, rule.MatchString, rule.TrapOID,
		rule.Priority, rule.ProdHandling, rule.DevHandling, rule.TeamAssignment, rule.Active)
	if err != nil {
		return nil, fmt.Errorf("failed to insert rule: %w", err)
	}

	if err := s.auditTx(ctx, tx, "alert_rules", types.AuditOpInsert,
		strconv.FormatInt(created.ID, 10), nil, &created, meta); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit rule insert: %w", err)
	}
	return &created, nil
}

// GetRule returns a rule by id, active or not
func (s *Postgres) GetRule(ctx context.Context, id int64) (*types.Rule, error) {
	var rule types.Rule
	err := s.db.GetContext(ctx, &rule,
		`SELECT `+ruleColumns+` FROM alert_rules WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %d: %w", id, err)
	}
	return &rule, nil
}

// ListRules returns rules. With activeOnly the result is ordered the way
// the classifier evaluates: priority descending, id ascending.
func (s *Postgres) ListRules(ctx context.Context, activeOnly bool) ([]*types.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM alert_rules ORDER BY id ASC`
	if activeOnly {
		query = `SELECT ` + ruleColumns + ` FROM alert_rules WHERE active = true ORDER BY priority DESC, id ASC`
	}

	var rules []*types.Rule
	if err := s.db.SelectContext(ctx, &rules, query); err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, nil
}

// UpdateRule updates a rule and writes old/new audit snapshots in one
// transaction. The default rule's matching and handling are immutable.
func (s *Postgres) UpdateRule(ctx context.Context, rule *types.Rule, meta Meta) (*types.Rule, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var old types.Rule
	err = tx.GetContext(ctx, &old,
		`SELECT `+ruleColumns+` FROM alert_rules WHERE id = $1 FOR UPDATE`, rule.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %d: %w", rule.ID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock rule %d: %w", rule.ID, err)
	}

	if old.IsDefault() {
		if rule.MatchType != old.MatchType || rule.Priority != old.Priority ||
			rule.ProdHandling != old.ProdHandling || rule.DevHandling != old.DevHandling ||
			!rule.Active {
			return nil, ErrProtectedRule
		}
	}

	var updated types.Rule
	err = tx.GetContext(ctx, &updated, `
		UPDATE alert_rules
		SET name = $1, match_type = $2, match_string = $3, trap_oid = $4,
		    priority = $5, prod_handling = $6, dev_handling = $7, team_assignment = $8,
		    active = $9, updated_at = now()
		WHERE id = $10
		RETURNING `+ruleColumns,
		rule.Name, rule.MatchType, rule.MatchString, rule.TrapOID,
		rule.Priority, rule.ProdHandling, rule.DevHandling, rule.TeamAssignment,
		rule.Active, rule.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update rule %d: %w", rule.ID, err)
	}

	if err := s.auditTx(ctx, tx, "alert_rules", types.AuditOpUpdate,
		strconv.FormatInt(updated.ID, 10), &old, &updated, meta); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit rule update: %w", err)
	}
	return &updated, nil
}

// DeleteRule soft-deletes a rule (active = false) with its audit row
func (s *Postgres) DeleteRule(ctx context.Context, id int64, meta Meta) error {
	if id == types.DefaultRuleID {
		return ErrProtectedRule
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var old types.Rule
	err = tx.GetContext(ctx, &old,
		`SELECT `+ruleColumns+` FROM alert_rules WHERE id = $1 AND active = true FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock rule %d: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE alert_rules SET active = false, updated_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to deactivate rule %d: %w", id, err)
	}

	if err := s.auditTx(ctx, tx, "alert_rules", types.AuditOpDelete,
		strconv.FormatInt(id, 10), &old, nil, meta); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rule delete: %w", err)
	}
	return nil
}

const devHostColumns = `hostname, added_by, created_at, deleted_at`

// ListDevHosts returns all live development hosts
func (s *Postgres) ListDevHosts(ctx context.Context) ([]*types.DevHost, error) {
	var hosts []*types.DevHost
	err := s.db.SelectContext(ctx, &hosts,
		`SELECT `+devHostColumns+` FROM development_hosts WHERE deleted_at IS NULL ORDER BY hostname ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list development hosts: %w", err)
	}
	return hosts, nil
}

// AddDevHost inserts a development host, reviving a soft-deleted entry
// for the same hostname.
func (s *Postgres) AddDevHost(ctx context.Context, host *types.DevHost, meta Meta) (*types.DevHost, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var created types.DevHost
	err = tx.GetContext(ctx, &created, `
		INSERT INTO development_hosts (hostname, added_by)
		VALUES ($1, $2)
		ON CONFLICT (hostname) DO UPDATE SET deleted_at = NULL, added_by = EXCLUDED.added_by
		RETURNING `+devHostColumns,
		host.Hostname, host.AddedBy)
	if err != nil {
		return nil, fmt.Errorf("failed to insert development host: %w", err)
	}

	if err := s.auditTx(ctx, tx, "development_hosts", types.AuditOpInsert,
		created.Hostname, nil, &created, meta); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit development host insert: %w", err)
	}
	return &created, nil
}

// RemoveDevHost soft-deletes a development host
func (s *Postgres) RemoveDevHost(ctx context.Context, hostname string, meta Meta) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var old types.DevHost
	err = tx.GetContext(ctx, &old,
		`SELECT `+devHostColumns+` FROM development_hosts WHERE hostname = $1 AND deleted_at IS NULL FOR UPDATE`, hostname)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("development host %s: %w", hostname, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock development host %s: %w", hostname, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE development_hosts SET deleted_at = now() WHERE hostname = $1`, hostname); err != nil {
		return fmt.Errorf("failed to remove development host %s: %w", hostname, err)
	}

	if err := s.auditTx(ctx, tx, "development_hosts", types.AuditOpDelete,
		hostname, &old, nil, meta); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit development host delete: %w", err)
	}
	return nil
}

const teamColumns = `hostname, team, created_at, updated_at, deleted_at`

// ListTeamOverrides returns all live host-to-team overrides
func (s *Postgres) ListTeamOverrides(ctx context.Context) ([]*types.TeamOverride, error) {
	var overrides []*types.TeamOverride
	err := s.db.SelectContext(ctx, &overrides,
		`SELECT `+teamColumns+` FROM device_teams WHERE deleted_at IS NULL ORDER BY hostname ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list team overrides: %w", err)
	}
	return overrides, nil
}

// GetTeamOverride returns the live override for a hostname
func (s *Postgres) GetTeamOverride(ctx context.Context, hostname string) (*types.TeamOverride, error) {
	var override types.TeamOverride
	err := s.db.GetContext(ctx, &override,
		`SELECT `+teamColumns+` FROM device_teams WHERE hostname = $1 AND deleted_at IS NULL`, hostname)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("team override %s: %w", hostname, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get team override %s: %w", hostname, err)
	}
	return &override, nil
}

// UpsertTeamOverride creates or replaces the override for a hostname
func (s *Postgres) UpsertTeamOverride(ctx context.Context, override *types.TeamOverride, meta Meta) (*types.TeamOverride, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var before interface{}
	var existing types.TeamOverride
	err = tx.GetContext(ctx, &existing,
		`SELECT `+teamColumns+` FROM device_teams WHERE hostname = $1 AND deleted_at IS NULL FOR UPDATE`, override.Hostname)
	switch {
	case err == nil:
		before = &existing
	case errors.Is(err, sql.ErrNoRows):
		// first override for this hostname
	default:
		return nil, fmt.Errorf("failed to lock team override %s: %w", override.Hostname, err)
	}

	var saved types.TeamOverride
	err = tx.GetContext(ctx, &saved, `
		INSERT INTO device_teams (hostname, team)
		VALUES ($1, $2)
		ON CONFLICT (hostname) DO UPDATE SET team = EXCLUDED.team, deleted_at = NULL, updated_at = now()
		RETURNING `+teamColumns,
		override.Hostname, override.Team)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert team override %s: %w", override.Hostname, err)
	}

	op := types.AuditOpInsert
	if before != nil {
		op = types.AuditOpUpdate
	}
	if err := s.auditTx(ctx, tx, "device_teams", op, saved.Hostname, before, &saved, meta); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit team override upsert: %w", err)
	}
	return &saved, nil
}

// RemoveTeamOverride soft-deletes the override for a hostname
func (s *Postgres) RemoveTeamOverride(ctx context.Context, hostname string, meta Meta) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var old types.TeamOverride
	err = tx.GetContext(ctx, &old,
		`SELECT `+teamColumns+` FROM device_teams WHERE hostname = $1 AND deleted_at IS NULL FOR UPDATE`, hostname)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("team override %s: %w", hostname, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock team override %s: %w", hostname, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE device_teams SET deleted_at = now(), updated_at = now() WHERE hostname = $1`, hostname); err != nil {
		return fmt.Errorf("failed to remove team override %s: %w", hostname, err)
	}

	if err := s.auditTx(ctx, tx, "device_teams", types.AuditOpDelete,
		hostname, &old, nil, meta); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit team override delete: %w", err)
	}
	return nil
}

// InsertEventAudit appends one classification outcome row
func (s *Postgres) InsertEventAudit(ctx context.Context, rec *types.EventAudit) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_audit_log (correlation_id, hostname, source, matched_rule_id, handling, team, is_dev, forwarded, raw_event, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.CorrelationID, rec.Hostname, rec.Source, rec.MatchedRuleID,
		rec.Handling, rec.Team, rec.IsDev, rec.Forwarded, jsonArg(rec.RawEvent), createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert event audit row: %w", err)
	}
	return nil
}

// QueryEventAudit returns event audit rows matching the filter, newest first
func (s *Postgres) QueryEventAudit(ctx context.Context, q *EventAuditQuery) ([]*types.EventAudit, error) {
	query := `SELECT id, correlation_id, hostname, source, matched_rule_id, handling, team, is_dev, forwarded, raw_event, created_at FROM event_audit_log`

	var conds []string
	var args []interface{}
	add := func(cond string, val interface{}) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if q.Hostname != "" {
		add("hostname = $%d", q.Hostname)
	}
	if q.Handling != "" {
		add("handling = $%d", q.Handling)
	}
	if q.RuleID != nil {
		add("matched_rule_id = $%d", *q.RuleID)
	}
	if q.CorrelationID != "" {
		add("correlation_id = $%d", q.CorrelationID)
	}
	if !q.From.IsZero() {
		add("created_at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("created_at < $%d", q.To)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC" + limitClause(q.Limit, q.Offset)

	var rows []*types.EventAudit
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query event audit log: %w", err)
	}
	return rows, nil
}

// InsertConfigAudit appends one configuration-change row outside any
// entity transaction (dynamic config writes).
func (s *Postgres) InsertConfigAudit(ctx context.Context, rec *types.ConfigAudit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config_audit_log (table_name, operation, row_id, old_value, new_value, actor, reason, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.TableName, rec.Operation, rec.RowID,
		jsonArg(rec.OldValue), jsonArg(rec.NewValue), rec.Actor, rec.Reason, rec.CorrelationID)
	if err != nil {
		return fmt.Errorf("failed to insert config audit row: %w", err)
	}
	return nil
}

// QueryConfigAudit returns config audit rows matching the filter, newest first
func (s *Postgres) QueryConfigAudit(ctx context.Context, q *ConfigAuditQuery) ([]*types.ConfigAudit, error) {
	query := `SELECT id, table_name, operation, row_id, old_value, new_value, actor, reason, correlation_id, created_at FROM config_audit_log`

	var conds []string
	var args []interface{}
	add := func(cond string, val interface{}) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if q.TableName != "" {
		add("table_name = $%d", q.TableName)
	}
	if q.Operation != "" {
		add("operation = $%d", q.Operation)
	}
	if q.Actor != "" {
		add("actor = $%d", q.Actor)
	}
	if !q.From.IsZero() {
		add("created_at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("created_at < $%d", q.To)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC" + limitClause(q.Limit, q.Offset)

	var rows []*types.ConfigAudit
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query config audit log: %w", err)
	}
	return rows, nil
}

// EnsureAuditPartitions creates the event audit partitions for the
// current and next month. Safe to call repeatedly.
func (s *Postgres) EnsureAuditPartitions(ctx context.Context) error {
	statements := []string{
		`SELECT mutt_ensure_audit_partition(date_trunc('month', now())::date)`,
		`SELECT mutt_ensure_audit_partition((date_trunc('month', now()) + interval '1 month')::date)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure audit partition: %w", err)
		}
	}
	return nil
}

// PruneExpiredAudit drops event audit partitions wholly past the
// retention window and returns how many were dropped.
func (s *Postgres) PruneExpiredAudit(ctx context.Context) (int64, error) {
	var dropped int64
	err := s.db.GetContext(ctx, &dropped,
		`SELECT mutt_prune_event_audit($1)`, retentionDays)
	if err != nil {
		return 0, fmt.Errorf("failed to prune event audit log: %w", err)
	}
	if dropped > 0 {
		s.logger.Info().Int64("partitions", dropped).Msg("pruned expired audit partitions")
	}
	return dropped, nil
}

// auditTx writes a config-audit row inside the caller's transaction
func (s *Postgres) auditTx(ctx context.Context, tx *sqlx.Tx, table string, op types.AuditOp, rowID string, before, after interface{}, meta Meta) error {
	oldVal, err := snapshot(before)
	if err != nil {
		return err
	}
	newVal, err := snapshot(after)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO config_audit_log (table_name, operation, row_id, old_value, new_value, actor, reason, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		table, op, rowID, jsonArg(oldVal), jsonArg(newVal), meta.Actor, meta.Reason, meta.CorrelationID)
	if err != nil {
		return fmt.Errorf("failed to insert config audit row: %w", err)
	}
	return nil
}

// snapshot marshals an entity for an audit column; nil stays nil so
// inserts have no old value and deletes no new value.
func snapshot(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit snapshot: %w", err)
	}
	return data, nil
}

func jsonArg(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func limitClause(limit, offset int) string {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
}
