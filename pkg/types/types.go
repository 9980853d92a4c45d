package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SourceType identifies the network edge that produced an event
type SourceType string

const (
	SourceSyslog SourceType = "syslog"
	SourceSNMP   SourceType = "snmp"
)

// Handling is the disposition a rule assigns to matching events. Rules
// carry one handling for production hosts and one for development hosts.
type Handling string

const (
	HandlingPageAndTicket Handling = "page_and_ticket"
	HandlingTicketOnly    Handling = "ticket_only"
	HandlingEmailOnly     Handling = "email_only"
	HandlingLogOnly       Handling = "log_only"
	HandlingSuppress      Handling = "suppress"
)

// Forwards reports whether events with this handling are enqueued for
// webhook delivery. The other handlings stop at the audit row.
func (h Handling) Forwards() bool {
	return h == HandlingPageAndTicket || h == HandlingTicketOnly
}

// MatchType selects the predicate a rule applies to incoming events
type MatchType string

const (
	MatchContains  MatchType = "contains"
	MatchRegex     MatchType = "regex"
	MatchOIDPrefix MatchType = "oid_prefix"
)

const (
	// ManagerName is the manager identifier stamped on every outbound alert
	ManagerName = "MUTT"

	// TeamUnassigned is the team used when neither a host override nor a
	// rule assignment names one
	TeamUnassigned = "unassigned"

	// TeamAdmin receives synthetic meta-alerts about unhandled patterns
	TeamAdmin = "mutt-admin"

	// DefaultRuleID is the seeded system-wide fallback rule. It is matched
	// only when no other active rule matches and can never be deleted.
	DefaultRuleID int64 = 1
)

// Event is an inbound syslog or SNMP event as accepted at the ingest edge
type Event struct {
	Timestamp          time.Time  `json:"timestamp" validate:"required"`
	Hostname           string     `json:"hostname" validate:"required,max=255"`
	Message            string     `json:"message" validate:"required"`
	Source             SourceType `json:"source,omitempty" validate:"omitempty,oneof=syslog snmp"`
	SyslogSeverity     *int       `json:"syslog_severity,omitempty" validate:"omitempty,min=0,max=7"`
	TrapOID            string     `json:"trap_oid,omitempty" validate:"omitempty,oid"`
	CorrelationID      string     `json:"correlation_id,omitempty" validate:"omitempty,max=128"`
	IngestionTimestamp *time.Time `json:"ingestion_timestamp,omitempty"`
}

// Normalize fills derived fields on an inbound event. Events without a
// correlation id get a generated UUID so downstream dedupe always has a key.
func (e *Event) Normalize() {
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
	if e.Source == "" {
		if e.TrapOID != "" {
			e.Source = SourceSNMP
		} else {
			e.Source = SourceSyslog
		}
	}
	if e.IngestionTimestamp == nil {
		now := time.Now().UTC()
		e.IngestionTimestamp = &now
	}
}

// Severity returns the effective syslog severity, defaulting to 5 (notice)
// when the event did not carry one.
func (e *Event) Severity() int {
	if e.SyslogSeverity != nil {
		return *e.SyslogSeverity
	}
	return 5
}

// Envelope is the queue wire form of an event: the event itself plus
// underscore-prefixed pipeline annotations. Annotations travel between
// stages but are never exposed on external surfaces.
type Envelope struct {
	Event

	RetryCount    int        `json:"_retry_count,omitempty"`
	LastError     string     `json:"_last_error,omitempty"`
	ErrorType     ErrorClass `json:"_error_type,omitempty"`
	FailedAt      *time.Time `json:"_failed_at,omitempty"`
	LastRetryAt   *time.Time `json:"_last_retry_at,omitempty"`
	PoisonedAt    *time.Time `json:"_poisoned_at,omitempty"`
	Shed          bool       `json:"_shed,omitempty"`
	MatchedRuleID int64      `json:"_matched_rule_id,omitempty"`
	Handling      Handling   `json:"_handling,omitempty"`
	Team          string     `json:"_team_assignment,omitempty"`
	IsDev         bool       `json:"_is_dev,omitempty"`
	Meta          bool       `json:"_meta,omitempty"`
}

// NewEnvelope wraps a normalized event for its first trip onto a queue
func NewEnvelope(ev Event) *Envelope {
	ev.Normalize()
	return &Envelope{Event: ev}
}

// ParseEnvelope decodes a queue payload back into an envelope
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, Poison(fmt.Errorf("failed to decode envelope: %w", err))
	}
	return &env, nil
}

// Encode serializes the envelope for the queue substrate
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// EventJSON returns the event without pipeline annotations, as stored in
// audit rows and shown on external surfaces.
func (e *Envelope) EventJSON() (json.RawMessage, error) {
	data, err := json.Marshal(e.Event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return data, nil
}

// MarkFailed records a failure outcome on the envelope before it is
// requeued or dead-lettered.
func (e *Envelope) MarkFailed(class ErrorClass, msg string) {
	now := time.Now().UTC()
	e.ErrorType = class
	e.LastError = msg
	e.FailedAt = &now
}

// Rule is a classification rule evaluated by the alerter
type Rule struct {
	ID             int64     `json:"id" db:"id"`
	Name           string    `json:"name" db:"name" validate:"required,max=255"`
	MatchType      MatchType `json:"match_type" db:"match_type" validate:"required,oneof=contains regex oid_prefix"`
	MatchString    string    `json:"match_string,omitempty" db:"match_string"`
	TrapOID        string    `json:"trap_oid,omitempty" db:"trap_oid"`
	Priority       int       `json:"priority" db:"priority" validate:"required,min=1,max=1000"`
	ProdHandling   Handling  `json:"prod_handling" db:"prod_handling" validate:"required,oneof=page_and_ticket ticket_only email_only log_only"`
	DevHandling    Handling  `json:"dev_handling" db:"dev_handling" validate:"required,oneof=ticket_only email_only log_only suppress"`
	TeamAssignment string    `json:"team_assignment,omitempty" db:"team_assignment" validate:"omitempty,max=128"`
	Active         bool      `json:"active" db:"active"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// IsDefault reports whether this is the seeded fallback rule
func (r *Rule) IsDefault() bool {
	return r.ID == DefaultRuleID
}

// HandlingFor selects the disposition by host class: development hosts
// get the rule's dev handling, everything else the prod handling.
func (r *Rule) HandlingFor(isDev bool) Handling {
	if isDev {
		return r.DevHandling
	}
	return r.ProdHandling
}

// Pattern returns the match value relevant to the rule's match type
func (r *Rule) Pattern() string {
	if r.MatchType == MatchOIDPrefix {
		return r.TrapOID
	}
	return r.MatchString
}

// DevHost marks a hostname as a development device. Events from dev
// hosts take the matched rule's dev handling instead of its prod one.
type DevHost struct {
	Hostname  string     `json:"hostname" db:"hostname" validate:"required,max=255"`
	AddedBy   string     `json:"added_by,omitempty" db:"added_by"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// TeamOverride maps a hostname to an owning team. An override beats any
// team the matched rule assigns.
type TeamOverride struct {
	Hostname  string     `json:"hostname" db:"hostname" validate:"required,max=255"`
	Team      string     `json:"team" db:"team" validate:"required,max=128"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// EventAudit is one classification outcome row in the event audit log
type EventAudit struct {
	ID            int64           `json:"id" db:"id"`
	CorrelationID string          `json:"correlation_id" db:"correlation_id"`
	Hostname      string          `json:"hostname" db:"hostname"`
	Source        SourceType      `json:"source" db:"source"`
	MatchedRuleID *int64          `json:"matched_rule_id,omitempty" db:"matched_rule_id"`
	Handling      Handling        `json:"handling" db:"handling"`
	Team          string          `json:"team,omitempty" db:"team"`
	IsDev         bool            `json:"is_dev" db:"is_dev"`
	Forwarded     bool            `json:"forwarded" db:"forwarded"`
	RawEvent      json.RawMessage `json:"raw_event" db:"raw_event"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// AuditOp names the kind of change a config-audit row records
type AuditOp string

const (
	AuditOpInsert AuditOp = "insert"
	AuditOpUpdate AuditOp = "update"
	AuditOpDelete AuditOp = "delete"
)

// ConfigAudit is one configuration-change row. Rows are written in the
// same transaction as the change they describe and are append-only.
type ConfigAudit struct {
	ID            int64           `json:"id" db:"id"`
	TableName     string          `json:"table_name" db:"table_name"`
	Operation     AuditOp         `json:"operation" db:"operation"`
	RowID         string          `json:"row_id" db:"row_id"`
	OldValue      json.RawMessage `json:"old_value,omitempty" db:"old_value"`
	NewValue      json.RawMessage `json:"new_value,omitempty" db:"new_value"`
	Actor         string          `json:"actor" db:"actor"`
	Reason        string          `json:"reason,omitempty" db:"reason"`
	CorrelationID string          `json:"correlation_id,omitempty" db:"correlation_id"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// DeliveryPayload is the JSON body posted to the Moog webhook
type DeliveryPayload struct {
	Source      string `json:"source"`
	Description string `json:"description"`
	Severity    int    `json:"severity"`
	Manager     string `json:"manager"`
	Class       string `json:"class"`
	Type        string `json:"type"`
	AgentTime   int64  `json:"agent_time"`
	Signature   string `json:"signature"`
}

// NewDeliveryPayload maps an alert envelope onto the webhook contract.
// The signature field carries the correlation id; the receiving side
// dedupes on it, which is what makes at-least-once delivery safe.
func NewDeliveryPayload(env *Envelope) *DeliveryPayload {
	eventType := "syslog"
	if env.TrapOID != "" {
		eventType = env.TrapOID
	}
	team := env.Team
	if team == "" {
		team = TeamUnassigned
	}
	return &DeliveryPayload{
		Source:      env.Hostname,
		Description: env.Message,
		Severity:    env.Severity(),
		Manager:     ManagerName,
		Class:       team,
		Type:        eventType,
		AgentTime:   env.Timestamp.Unix(),
		Signature:   env.CorrelationID,
	}
}
