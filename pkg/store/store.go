package store

import (
	"context"
	"errors"
	"time"

	"github.com/spiretel/mutt/pkg/types"
)

var (
	// ErrNotFound is returned when a lookup matches no live row
	ErrNotFound = errors.New("not found")

	// ErrProtectedRule is returned on attempts to delete or deactivate
	// the system default rule.
	ErrProtectedRule = errors.New("default rule cannot be deleted or deactivated")
)

// Meta carries request attribution recorded on the config-audit row
// written alongside a mutation.
type Meta struct {
	Actor         string
	Reason        string
	CorrelationID string
}

// EventAuditQuery filters event audit rows
type EventAuditQuery struct {
	Hostname      string
	Handling      types.Handling
	RuleID        *int64
	CorrelationID string
	From          time.Time
	To            time.Time
	Limit         int
	Offset        int
}

// ConfigAuditQuery filters configuration audit rows
type ConfigAuditQuery struct {
	TableName string
	Operation types.AuditOp
	Actor     string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// Store defines the interface for MUTT's relational state: rules, host
// classifications, and both audit logs. Every mutation writes its
// config-audit row in the same transaction as the change itself.
type Store interface {
	// Rules
	CreateRule(ctx context.Context, rule *types.Rule, meta Meta) (*types.Rule, error)
	GetRule(ctx context.Context, id int64) (*types.Rule, error)
	ListRules(ctx context.Context, activeOnly bool) ([]*types.Rule, error)
	UpdateRule(ctx context.Context, rule *types.Rule, meta Meta) (*types.Rule, error)
	DeleteRule(ctx context.Context, id int64, meta Meta) error

	// Development hosts
	ListDevHosts(ctx context.Context) ([]*types.DevHost, error)
	AddDevHost(ctx context.Context, host *types.DevHost, meta Meta) (*types.DevHost, error)
	RemoveDevHost(ctx context.Context, hostname string, meta Meta) error

	// Team overrides
	ListTeamOverrides(ctx context.Context) ([]*types.TeamOverride, error)
	GetTeamOverride(ctx context.Context, hostname string) (*types.TeamOverride, error)
	UpsertTeamOverride(ctx context.Context, override *types.TeamOverride, meta Meta) (*types.TeamOverride, error)
	RemoveTeamOverride(ctx context.Context, hostname string, meta Meta) error

	// Event audit log
	InsertEventAudit(ctx context.Context, rec *types.EventAudit) error
	QueryEventAudit(ctx context.Context, q *EventAuditQuery) ([]*types.EventAudit, error)

	// Config audit log. InsertConfigAudit is for changes with no entity
	// row of their own (dynamic config writes).
	InsertConfigAudit(ctx context.Context, rec *types.ConfigAudit) error
	QueryConfigAudit(ctx context.Context, q *ConfigAuditQuery) ([]*types.ConfigAudit, error)

	// Maintenance
	EnsureAuditPartitions(ctx context.Context) error
	PruneExpiredAudit(ctx context.Context) (int64, error)

	// Utility
	Ping(ctx context.Context) error
	Close() error
}
