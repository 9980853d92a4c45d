package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spiretel/mutt/pkg/api"
	"github.com/spiretel/mutt/pkg/slo"
	"github.com/spiretel/mutt/pkg/types"
)

const defaultTimeout = 10 * time.Second

// APIError is a non-2xx answer from a MUTT API
type APIError struct {
	StatusCode int
	Message    string

	// RetryAfter carries the server's shedding hint on a 503, zero
	// otherwise.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api responded %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client wraps the MUTT ingest and admin HTTP APIs for CLI and
// producer usage.
type Client struct {
	baseURL string
	apiKey  string
	actor   string
	reason  string
	http    *http.Client
}

// New creates a client against one MUTT listener
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// WithActor attributes subsequent mutations to an operator name
func (c *Client) WithActor(actor string) *Client {
	c.actor = actor
	return c
}

// WithReason attaches a change reason to subsequent mutations
func (c *Client) WithReason(reason string) *Client {
	c.reason = reason
	return c
}

// WithTimeout replaces the default per-request timeout
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.http.Timeout = timeout
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(api.HeaderAPIKey, c.apiKey)
	if c.actor != "" {
		req.Header.Set(api.HeaderActor, c.actor)
	}
	if c.reason != "" {
		req.Header.Set(api.HeaderReason, c.reason)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return apiError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func apiError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: resp.Status}

	var body api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
	}
	if after := resp.Header.Get("Retry-After"); after != "" {
		if secs, err := strconv.Atoi(after); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}

// SendEvent submits one event for classification and returns the
// correlation id the pipeline will track it under.
func (c *Client) SendEvent(ctx context.Context, event types.Event) (string, error) {
	var resp struct {
		Status        string `json:"status"`
		CorrelationID string `json:"correlation_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v2/ingest", event, &resp); err != nil {
		return "", err
	}
	return resp.CorrelationID, nil
}

// RuleSpec is the writable shape of a rule, as sent to the admin API
// and as laid out in a rules file. ID is only meaningful in a bulk
// apply, where it selects the rule to update.
type RuleSpec struct {
	ID             int64           `json:"id,omitempty" yaml:"id,omitempty"`
	Name           string          `json:"name" yaml:"name"`
	MatchType      types.MatchType `json:"match_type" yaml:"match_type"`
	MatchString    string          `json:"match_string,omitempty" yaml:"match_string,omitempty"`
	TrapOID        string          `json:"trap_oid,omitempty" yaml:"trap_oid,omitempty"`
	Priority       int             `json:"priority" yaml:"priority"`
	ProdHandling   types.Handling  `json:"prod_handling" yaml:"prod_handling"`
	DevHandling    types.Handling  `json:"dev_handling" yaml:"dev_handling"`
	TeamAssignment string          `json:"team_assignment,omitempty" yaml:"team_assignment,omitempty"`
	Active         *bool           `json:"active,omitempty" yaml:"active,omitempty"`
}

// ListRules returns rules, optionally only active ones
func (c *Client) ListRules(ctx context.Context, activeOnly bool) ([]*types.Rule, error) {
	path := "/api/v2/rules"
	if activeOnly {
		path += "?active=true"
	}
	var rules []*types.Rule
	if err := c.do(ctx, http.MethodGet, path, nil, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// GetRule returns one rule by id
func (c *Client) GetRule(ctx context.Context, id int64) (*types.Rule, error) {
	var rule types.Rule
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v2/rules/%d", id), nil, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// CreateRule adds a rule. Any id on the spec is dropped; the server
// assigns one.
func (c *Client) CreateRule(ctx context.Context, spec RuleSpec) (*types.Rule, error) {
	spec.ID = 0
	var rule types.Rule
	if err := c.do(ctx, http.MethodPost, "/api/v2/rules", spec, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// UpdateRule replaces a rule's writable fields
func (c *Client) UpdateRule(ctx context.Context, id int64, spec RuleSpec) (*types.Rule, error) {
	spec.ID = 0
	var rule types.Rule
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/api/v2/rules/%d", id), spec, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// DeleteRule deactivates a rule
func (c *Client) DeleteRule(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/v2/rules/%d", id), nil, nil)
}

// BulkResult summarizes a bulk rules apply
type BulkResult struct {
	Created int           `json:"created"`
	Updated int           `json:"updated"`
	Rules   []*types.Rule `json:"rules"`
}

// ApplyRules creates or updates a whole rule set in one call. The
// server validates every entry before writing any of them.
func (c *Client) ApplyRules(ctx context.Context, specs []RuleSpec) (*BulkResult, error) {
	var result BulkResult
	body := map[string][]RuleSpec{"rules": specs}
	if err := c.do(ctx, http.MethodPost, "/api/v2/rules/bulk", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListDevHosts returns the hostnames classified as development
func (c *Client) ListDevHosts(ctx context.Context) ([]*types.DevHost, error) {
	var hosts []*types.DevHost
	if err := c.do(ctx, http.MethodGet, "/api/v2/dev-hosts", nil, &hosts); err != nil {
		return nil, err
	}
	return hosts, nil
}

// AddDevHost classifies a hostname as development
func (c *Client) AddDevHost(ctx context.Context, hostname string) (*types.DevHost, error) {
	var host types.DevHost
	body := map[string]string{"hostname": hostname}
	if err := c.do(ctx, http.MethodPost, "/api/v2/dev-hosts", body, &host); err != nil {
		return nil, err
	}
	return &host, nil
}

// RemoveDevHost returns a hostname to production classification
func (c *Client) RemoveDevHost(ctx context.Context, hostname string) error {
	return c.do(ctx, http.MethodDelete, "/api/v2/dev-hosts/"+url.PathEscape(hostname), nil, nil)
}

// ListTeamOverrides returns every per-device team override
func (c *Client) ListTeamOverrides(ctx context.Context) ([]*types.TeamOverride, error) {
	var overrides []*types.TeamOverride
	if err := c.do(ctx, http.MethodGet, "/api/v2/teams", nil, &overrides); err != nil {
		return nil, err
	}
	return overrides, nil
}

// GetTeamOverride returns the team override for one hostname
func (c *Client) GetTeamOverride(ctx context.Context, hostname string) (*types.TeamOverride, error) {
	var override types.TeamOverride
	if err := c.do(ctx, http.MethodGet, "/api/v2/teams/"+url.PathEscape(hostname), nil, &override); err != nil {
		return nil, err
	}
	return &override, nil
}

// SetTeamOverride routes one hostname's alerts to a team
func (c *Client) SetTeamOverride(ctx context.Context, hostname, team string) (*types.TeamOverride, error) {
	var override types.TeamOverride
	body := map[string]string{"team": team}
	if err := c.do(ctx, http.MethodPut, "/api/v2/teams/"+url.PathEscape(hostname), body, &override); err != nil {
		return nil, err
	}
	return &override, nil
}

// RemoveTeamOverride returns a hostname to rule-assigned teams
func (c *Client) RemoveTeamOverride(ctx context.Context, hostname string) error {
	return c.do(ctx, http.MethodDelete, "/api/v2/teams/"+url.PathEscape(hostname), nil, nil)
}

// ConfigEntry is one dynamic config key with its live value
type ConfigEntry struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Default     string `json:"default"`
	Description string `json:"description"`
	Overridden  bool   `json:"overridden"`
}

// ListConfig returns every registered config key with its live value
func (c *Client) ListConfig(ctx context.Context) ([]ConfigEntry, error) {
	var entries []ConfigEntry
	if err := c.do(ctx, http.MethodGet, "/api/v1/config", nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// GetConfig returns one config key. Short and full key names both
// resolve.
func (c *Client) GetConfig(ctx context.Context, key string) (*ConfigEntry, error) {
	var entry ConfigEntry
	if err := c.do(ctx, http.MethodGet, "/api/v1/config/"+url.PathEscape(key), nil, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// SetConfig overrides a config key for every service within one cache
// TTL.
func (c *Client) SetConfig(ctx context.Context, key, value string) (*ConfigEntry, error) {
	var entry ConfigEntry
	body := map[string]string{"value": value}
	if err := c.do(ctx, http.MethodPut, "/api/v1/config/"+url.PathEscape(key), body, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// CircuitStatus is the delivery circuit as reported by the admin API
type CircuitStatus struct {
	State    string `json:"state"`
	Failures int64  `json:"failures"`
}

// QueueStatus is the pipeline's queue topology at a point in time
type QueueStatus struct {
	Queues     map[string]int64 `json:"queues"`
	Processing map[string]int64 `json:"processing"`
	Circuit    CircuitStatus    `json:"circuit"`
}

// Queues returns queue depths, per-worker staging depths, and the
// delivery circuit state.
func (c *Client) Queues(ctx context.Context) (*QueueStatus, error) {
	var status QueueStatus
	if err := c.do(ctx, http.MethodGet, "/api/v2/queues", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// QuarantineEntry is one parked payload
type QuarantineEntry struct {
	Position      int        `json:"position"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	Hostname      string     `json:"hostname,omitempty"`
	RetryCount    int        `json:"retry_count,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	PoisonedAt    *time.Time `json:"poisoned_at,omitempty"`
	Malformed     bool       `json:"malformed,omitempty"`
	Raw           string     `json:"raw,omitempty"`
}

// QuarantineList is the quarantine queue as shown to operators
type QuarantineList struct {
	Depth   int64             `json:"depth"`
	Entries []QuarantineEntry `json:"entries"`
}

// ListQuarantine returns up to limit quarantined entries; limit <= 0
// uses the server default.
func (c *Client) ListQuarantine(ctx context.Context, limit int) (*QuarantineList, error) {
	path := "/api/v2/quarantine"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var list QuarantineList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// RequeueResult summarizes a quarantine replay
type RequeueResult struct {
	Requeued int `json:"requeued"`
	Skipped  int `json:"skipped"`
}

// RequeueQuarantine replays quarantined events through the whole
// pipeline. An empty correlationID replays everything parseable.
func (c *Client) RequeueQuarantine(ctx context.Context, correlationID string) (*RequeueResult, error) {
	var body interface{}
	if correlationID != "" {
		body = map[string]string{"correlation_id": correlationID}
	}
	var result RequeueResult
	if err := c.do(ctx, http.MethodPost, "/api/v2/quarantine/requeue", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PurgeQuarantine discards quarantined events and returns how many were
// dropped. An empty correlationID purges the whole queue.
func (c *Client) PurgeQuarantine(ctx context.Context, correlationID string) (int64, error) {
	path := "/api/v2/quarantine"
	if correlationID != "" {
		path += "?correlation_id=" + url.QueryEscape(correlationID)
	}
	var result struct {
		Purged int64 `json:"purged"`
	}
	if err := c.do(ctx, http.MethodDelete, path, nil, &result); err != nil {
		return 0, err
	}
	return result.Purged, nil
}

// SLOReport returns availability and burn rate per component
func (c *Client) SLOReport(ctx context.Context) (*slo.Report, error) {
	var report slo.Report
	if err := c.do(ctx, http.MethodGet, "/api/v1/slo", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// ConfigAuditFilter narrows a configuration audit query. Zero fields
// match everything.
type ConfigAuditFilter struct {
	TableName string
	Operation string
	Actor     string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// QueryConfigAudit returns configuration change history, newest first
func (c *Client) QueryConfigAudit(ctx context.Context, filter ConfigAuditFilter) ([]*types.ConfigAudit, error) {
	q := url.Values{}
	if filter.TableName != "" {
		q.Set("table_name", filter.TableName)
	}
	if filter.Operation != "" {
		q.Set("operation", filter.Operation)
	}
	if filter.Actor != "" {
		q.Set("changed_by", filter.Actor)
	}
	encodeWindow(q, filter.From, filter.To, filter.Limit, filter.Offset)

	var rows []*types.ConfigAudit
	if err := c.do(ctx, http.MethodGet, withQuery("/api/v2/audit-logs", q), nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// EventAuditFilter narrows an event audit query. Zero fields match
// everything.
type EventAuditFilter struct {
	Hostname      string
	Handling      string
	CorrelationID string
	RuleID        int64
	From          time.Time
	To            time.Time
	Limit         int
	Offset        int
}

// QueryEventAudit returns classification history, newest first
func (c *Client) QueryEventAudit(ctx context.Context, filter EventAuditFilter) ([]*types.EventAudit, error) {
	q := url.Values{}
	if filter.Hostname != "" {
		q.Set("hostname", filter.Hostname)
	}
	if filter.Handling != "" {
		q.Set("handling", filter.Handling)
	}
	if filter.CorrelationID != "" {
		q.Set("correlation_id", filter.CorrelationID)
	}
	if filter.RuleID > 0 {
		q.Set("rule_id", strconv.FormatInt(filter.RuleID, 10))
	}
	encodeWindow(q, filter.From, filter.To, filter.Limit, filter.Offset)

	var rows []*types.EventAudit
	if err := c.do(ctx, http.MethodGet, withQuery("/api/v2/event-audit", q), nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func encodeWindow(q url.Values, from, to time.Time, limit, offset int) {
	if !from.IsZero() {
		q.Set("from", from.Format(time.RFC3339))
	}
	if !to.IsZero() {
		q.Set("to", to.Format(time.RFC3339))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
