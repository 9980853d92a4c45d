package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spiretel/mutt/pkg/types"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	return NewWithDB(sqlx.NewDb(mockDB, "sqlmock")), mock
}

var ruleCols = []string{"id", "name", "match_type", "match_string", "trap_oid", "priority", "prod_handling", "dev_handling", "team_assignment", "active", "created_at", "updated_at"}

func ruleRow(r *types.Rule) *sqlmock.Rows {
	return sqlmock.NewRows(ruleCols).AddRow(
		r.ID, r.Name, string(r.MatchType), r.MatchString, r.TrapOID,
		r.Priority, string(r.ProdHandling), string(r.DevHandling), r.TeamAssignment,
		r.Active, r.CreatedAt, r.UpdatedAt)
}

func defaultRule() *types.Rule {
	return &types.Rule{
		ID:           types.DefaultRuleID,
		Name:         "default",
		MatchType:    types.MatchContains,
		Priority:     1,
		ProdHandling: types.HandlingLogOnly,
		DevHandling:  types.HandlingLogOnly,
		Active:       true,
	}
}

func TestCreateRule(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now().UTC()
	created := &types.Rule{
		ID: 7, Name: "bgp-neighbor-down", MatchType: types.MatchContains,
		MatchString: "BGP neighbor", Priority: 500,
		ProdHandling: types.HandlingPageAndTicket, DevHandling: types.HandlingTicketOnly,
		TeamAssignment: "netops", Active: true, CreatedAt: now, UpdatedAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO alert_rules").
		WithArgs("bgp-neighbor-down", "contains", "BGP neighbor", "", 500, "page_and_ticket", "ticket_only", "netops", true).
		WillReturnRows(ruleRow(created))
	mock.ExpectExec("INSERT INTO config_audit_log").
		WithArgs("alert_rules", "insert", "7", nil, sqlmock.AnyArg(), "alice", "new core alarm", "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	got, err := store.CreateRule(context.Background(), &types.Rule{
		Name: "bgp-neighbor-down", MatchType: types.MatchContains,
		MatchString: "BGP neighbor", Priority: 500,
		ProdHandling: types.HandlingPageAndTicket, DevHandling: types.HandlingTicketOnly,
		TeamAssignment: "netops", Active: true,
	}, Meta{Actor: "alice", Reason: "new core alarm"})

	require.NoError(t, err)
	assert.Equal(t, int64(7), got.ID)
	assert.Equal(t, "netops", got.TeamAssignment)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRuleAuditFailureRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	created := defaultRule()
	created.ID = 9

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO alert_rules").WillReturnRows(ruleRow(created))
	mock.ExpectExec("INSERT INTO config_audit_log").
		WillReturnError(errors.New("audit table unavailable"))
	mock.ExpectRollback()

	_, err := store.CreateRule(context.Background(), &types.Rule{
		Name: "x", MatchType: types.MatchContains, MatchString: "x",
		Priority: 10, ProdHandling: types.HandlingTicketOnly,
		DevHandling: types.HandlingLogOnly, Active: true,
	}, Meta{Actor: "alice"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "config audit")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRule(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		store, mock := newMockStore(t)
		rule := defaultRule()
		mock.ExpectQuery("SELECT .+ FROM alert_rules WHERE id = \\$1").
			WithArgs(int64(1)).
			WillReturnRows(ruleRow(rule))

		got, err := store.GetRule(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, "default", got.Name)
		assert.True(t, got.IsDefault())
	})

	t.Run("not found", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT .+ FROM alert_rules WHERE id = \\$1").
			WithArgs(int64(42)).
			WillReturnError(sql.ErrNoRows)

		_, err := store.GetRule(context.Background(), 42)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestListRulesOrdering(t *testing.T) {
	store, mock := newMockStore(t)

	// active listing is ordered the way the classifier evaluates
	mock.ExpectQuery(regexp.QuoteMeta("WHERE active = true ORDER BY priority DESC, id ASC")).
		WillReturnRows(sqlmock.NewRows(ruleCols))

	_, err := store.ListRules(context.Background(), true)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRule(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now().UTC()
	old := &types.Rule{
		ID: 7, Name: "bgp-neighbor-down", MatchType: types.MatchContains,
		MatchString: "BGP neighbor", Priority: 500,
		ProdHandling: types.HandlingPageAndTicket, DevHandling: types.HandlingTicketOnly,
		Active: true, CreatedAt: now, UpdatedAt: now,
	}
	updated := *old
	updated.Priority = 750

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FOR UPDATE").WithArgs(int64(7)).WillReturnRows(ruleRow(old))
	mock.ExpectQuery("UPDATE alert_rules").
		WithArgs("bgp-neighbor-down", "contains", "BGP neighbor", "", 750, "page_and_ticket", "ticket_only", "", true, int64(7)).
		WillReturnRows(ruleRow(&updated))
	mock.ExpectExec("INSERT INTO config_audit_log").
		WithArgs("alert_rules", "update", "7", sqlmock.AnyArg(), sqlmock.AnyArg(), "bob", "raise priority", "req-7f3a").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	got, err := store.UpdateRule(context.Background(), &updated,
		Meta{Actor: "bob", Reason: "raise priority", CorrelationID: "req-7f3a"})
	require.NoError(t, err)
	assert.Equal(t, 750, got.Priority)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRuleProtectsDefault(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *types.Rule)
		wantErr error
	}{
		{
			name:    "prod handling change rejected",
			mutate:  func(r *types.Rule) { r.ProdHandling = types.HandlingPageAndTicket },
			wantErr: ErrProtectedRule,
		},
		{
			name:    "dev handling change rejected",
			mutate:  func(r *types.Rule) { r.DevHandling = types.HandlingSuppress },
			wantErr: ErrProtectedRule,
		},
		{
			name:    "deactivation rejected",
			mutate:  func(r *types.Rule) { r.Active = false },
			wantErr: ErrProtectedRule,
		},
		{
			name:    "priority change rejected",
			mutate:  func(r *types.Rule) { r.Priority = 900 },
			wantErr: ErrProtectedRule,
		},
		{
			name:   "team reassignment allowed",
			mutate: func(r *types.Rule) { r.TeamAssignment = "noc" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)

			req := defaultRule()
			tt.mutate(req)

			mock.ExpectBegin()
			mock.ExpectQuery("SELECT .+ FOR UPDATE").
				WithArgs(types.DefaultRuleID).
				WillReturnRows(ruleRow(defaultRule()))
			if tt.wantErr == nil {
				mock.ExpectQuery("UPDATE alert_rules").WillReturnRows(ruleRow(req))
				mock.ExpectExec("INSERT INTO config_audit_log").
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			} else {
				mock.ExpectRollback()
			}

			_, err := store.UpdateRule(context.Background(), req, Meta{Actor: "ops"})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestDeleteRule(t *testing.T) {
	t.Run("default rule rejected without touching the database", func(t *testing.T) {
		store, mock := newMockStore(t)
		err := store.DeleteRule(context.Background(), types.DefaultRuleID, Meta{Actor: "ops"})
		assert.ErrorIs(t, err, ErrProtectedRule)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("soft delete with audit", func(t *testing.T) {
		store, mock := newMockStore(t)

		old := defaultRule()
		old.ID = 12

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT .+ AND active = true FOR UPDATE").
			WithArgs(int64(12)).
			WillReturnRows(ruleRow(old))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE alert_rules SET active = false")).
			WithArgs(int64(12)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO config_audit_log").
			WithArgs("alert_rules", "delete", "12", sqlmock.AnyArg(), nil, "ops", "retired platform", "").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err := store.DeleteRule(context.Background(), 12, Meta{Actor: "ops", Reason: "retired platform"})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already deleted", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT .+ AND active = true FOR UPDATE").
			WithArgs(int64(12)).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		err := store.DeleteRule(context.Background(), 12, Meta{Actor: "ops"})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestAddDevHostRevivesSoftDeleted(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"hostname", "added_by", "created_at", "deleted_at"}).
		AddRow("lab-sw-3", "alice", now, nil)

	mock.ExpectBegin()
	mock.ExpectQuery("ON CONFLICT \\(hostname\\) DO UPDATE SET deleted_at = NULL").
		WithArgs("lab-sw-3", "alice").
		WillReturnRows(rows)
	mock.ExpectExec("INSERT INTO config_audit_log").
		WithArgs("development_hosts", "insert", "lab-sw-3", nil, sqlmock.AnyArg(), "alice", "lab rebuild", "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	got, err := store.AddDevHost(context.Background(),
		&types.DevHost{Hostname: "lab-sw-3", AddedBy: "alice"}, Meta{Actor: "alice", Reason: "lab rebuild"})
	require.NoError(t, err)
	assert.Equal(t, "lab-sw-3", got.Hostname)
	assert.Nil(t, got.DeletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveDevHostNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM development_hosts WHERE hostname = \\$1 AND deleted_at IS NULL FOR UPDATE").
		WithArgs("ghost-host").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := store.RemoveDevHost(context.Background(), "ghost-host", Meta{Actor: "ops"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertTeamOverride(t *testing.T) {
	now := time.Now().UTC()
	teamCols := []string{"hostname", "team", "created_at", "updated_at", "deleted_at"}

	t.Run("first override audits as insert", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery("FROM device_teams WHERE hostname = \\$1 AND deleted_at IS NULL FOR UPDATE").
			WithArgs("core-sw-1").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("INSERT INTO device_teams").
			WithArgs("core-sw-1", "netops").
			WillReturnRows(sqlmock.NewRows(teamCols).AddRow("core-sw-1", "netops", now, now, nil))
		mock.ExpectExec("INSERT INTO config_audit_log").
			WithArgs("device_teams", "insert", "core-sw-1", nil, sqlmock.AnyArg(), "alice", "ownership change", "").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		got, err := store.UpsertTeamOverride(context.Background(),
			&types.TeamOverride{Hostname: "core-sw-1", Team: "netops"},
			Meta{Actor: "alice", Reason: "ownership change"})
		require.NoError(t, err)
		assert.Equal(t, "netops", got.Team)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("replacement audits as update with old snapshot", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery("FROM device_teams WHERE hostname = \\$1 AND deleted_at IS NULL FOR UPDATE").
			WithArgs("core-sw-1").
			WillReturnRows(sqlmock.NewRows(teamCols).AddRow("core-sw-1", "netops", now, now, nil))
		mock.ExpectQuery("INSERT INTO device_teams").
			WithArgs("core-sw-1", "transport").
			WillReturnRows(sqlmock.NewRows(teamCols).AddRow("core-sw-1", "transport", now, now, nil))
		mock.ExpectExec("INSERT INTO config_audit_log").
			WithArgs("device_teams", "update", "core-sw-1", sqlmock.AnyArg(), sqlmock.AnyArg(), "alice", "", "").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		got, err := store.UpsertTeamOverride(context.Background(),
			&types.TeamOverride{Hostname: "core-sw-1", Team: "transport"}, Meta{Actor: "alice"})
		require.NoError(t, err)
		assert.Equal(t, "transport", got.Team)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestInsertEventAudit(t *testing.T) {
	store, mock := newMockStore(t)

	ruleID := int64(7)
	mock.ExpectExec("INSERT INTO event_audit_log").
		WithArgs("c0ffee00-0000-0000-0000-000000000001", "core-sw-1", "syslog",
			&ruleID, "page_and_ticket", "netops", false, true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.InsertEventAudit(context.Background(), &types.EventAudit{
		CorrelationID: "c0ffee00-0000-0000-0000-000000000001",
		Hostname:      "core-sw-1",
		Source:        types.SourceSyslog,
		MatchedRuleID: &ruleID,
		Handling:      types.HandlingPageAndTicket,
		Team:          "netops",
		Forwarded:     true,
		RawEvent:      []byte(`{"hostname":"core-sw-1"}`),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryEventAuditFilters(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE hostname = $1 AND handling = $2 ORDER BY created_at DESC LIMIT 50 OFFSET 0")).
		WithArgs("core-sw-1", "page_and_ticket").
		WillReturnRows(sqlmock.NewRows([]string{"id", "correlation_id", "hostname", "source", "matched_rule_id", "handling", "team", "is_dev", "forwarded", "raw_event", "created_at"}).
			AddRow(int64(1), "c0ffee00-0000-0000-0000-000000000001", "core-sw-1", "syslog", nil, "page_and_ticket", "netops", false, true, []byte(`{}`), time.Now()))

	rows, err := store.QueryEventAudit(context.Background(), &EventAuditQuery{
		Hostname: "core-sw-1",
		Handling: types.HandlingPageAndTicket,
		Limit:    50,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].MatchedRuleID)
	assert.True(t, rows[0].Forwarded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryConfigAuditDefaultsLimit(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE actor = $1 ORDER BY created_at DESC LIMIT 100 OFFSET 0")).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"id", "table_name", "operation", "row_id", "old_value", "new_value", "actor", "reason", "correlation_id", "created_at"}))

	_, err := store.QueryConfigAudit(context.Background(), &ConfigAuditQuery{Actor: "alice"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureAuditPartitions(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("mutt_ensure_audit_partition").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("mutt_ensure_audit_partition").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.EnsureAuditPartitions(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneExpiredAudit(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("mutt_prune_event_audit").
		WithArgs(retentionDays).
		WillReturnRows(sqlmock.NewRows([]string{"mutt_prune_event_audit"}).AddRow(int64(2)))

	dropped, err := store.PruneExpiredAudit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), dropped)
}

func TestLimitClause(t *testing.T) {
	tests := []struct {
		name   string
		limit  int
		offset int
		want   string
	}{
		{name: "defaults", limit: 0, offset: 0, want: " LIMIT 100 OFFSET 0"},
		{name: "negative limit", limit: -5, offset: 0, want: " LIMIT 100 OFFSET 0"},
		{name: "over cap", limit: 1001, offset: 0, want: " LIMIT 100 OFFSET 0"},
		{name: "passthrough", limit: 25, offset: 50, want: " LIMIT 25 OFFSET 50"},
		{name: "negative offset", limit: 25, offset: -1, want: " LIMIT 25 OFFSET 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, limitClause(tt.limit, tt.offset))
		})
	}
}

func TestIsAuthError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "invalid password code", err: &pgconn.PgError{Code: "28P01"}, want: true},
		{name: "invalid authorization code", err: &pgconn.PgError{Code: "28000"}, want: true},
		{name: "unrelated pg error", err: &pgconn.PgError{Code: "42P01"}, want: false},
		{name: "wrapped auth failure", err: fmt.Errorf("dial: %w", errors.New("password authentication failed for user \"mutt\"")), want: true},
		{name: "plain error", err: errors.New("connection refused"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isAuthError(tt.err))
		})
	}
}
