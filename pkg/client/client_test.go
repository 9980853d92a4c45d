package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spiretel/mutt/pkg/api"
	"github.com/spiretel/mutt/pkg/types"
)

// recordedRequest captures what the client actually sent
type recordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

func newTestServer(t *testing.T, status int, response interface{}) (*Client, *recordedRequest) {
	t.Helper()
	rec := &recordedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.Method = r.Method
		rec.Path = r.URL.Path
		rec.Query = r.URL.Query()
		rec.Header = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		rec.Body = body

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if response != nil {
			_ = json.NewEncoder(w).Encode(response)
		}
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL, "test-key"), rec
}

func TestSendEvent(t *testing.T) {
	c, rec := newTestServer(t, http.StatusAccepted, map[string]string{
		"status":         "accepted",
		"correlation_id": "abc-123",
	})

	id, err := c.SendEvent(context.Background(), types.Event{
		Timestamp: time.Now().UTC(),
		Hostname:  "core-sw-1",
		Message:   "interface down",
	})
	require.NoError(t, err)
	assert.Equal(t, "abc-123", id)

	assert.Equal(t, http.MethodPost, rec.Method)
	assert.Equal(t, "/api/v2/ingest", rec.Path)
	assert.Equal(t, "test-key", rec.Header.Get(api.HeaderAPIKey))
	assert.Equal(t, "application/json", rec.Header.Get("Content-Type"))

	var sent types.Event
	require.NoError(t, json.Unmarshal(rec.Body, &sent))
	assert.Equal(t, "core-sw-1", sent.Hostname)
}

func TestShedResponseCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"queue full"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	_, err := c.SendEvent(context.Background(), types.Event{
		Timestamp: time.Now().UTC(),
		Hostname:  "core-sw-1",
		Message:   "interface down",
	})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "queue full", apiErr.Message)
	assert.Equal(t, 30*time.Second, apiErr.RetryAfter)
}

func TestCreateRuleDropsID(t *testing.T) {
	c, rec := newTestServer(t, http.StatusCreated, &types.Rule{ID: 7, Name: "interface down"})

	rule, err := c.CreateRule(context.Background(), RuleSpec{
		ID:           99,
		Name:         "interface down",
		MatchType:    types.MatchContains,
		MatchString:  "changed state to down",
		Priority:     100,
		ProdHandling: types.HandlingTicketOnly,
		DevHandling:  types.HandlingLogOnly,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), rule.ID)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body, &body))
	_, hasID := body["id"]
	assert.False(t, hasID, "create never sends an id")
}

func TestUpdateRule(t *testing.T) {
	c, rec := newTestServer(t, http.StatusOK, &types.Rule{ID: 5, Priority: 200})

	rule, err := c.UpdateRule(context.Background(), 5, RuleSpec{
		Name:         "interface down",
		MatchType:    types.MatchContains,
		MatchString:  "changed state to down",
		Priority:     200,
		ProdHandling: types.HandlingTicketOnly,
		DevHandling:  types.HandlingLogOnly,
	})
	require.NoError(t, err)
	assert.Equal(t, 200, rule.Priority)
	assert.Equal(t, http.MethodPut, rec.Method)
	assert.Equal(t, "/api/v2/rules/5", rec.Path)
}

func TestDeleteRule(t *testing.T) {
	c, rec := newTestServer(t, http.StatusNoContent, nil)

	require.NoError(t, c.DeleteRule(context.Background(), 9))
	assert.Equal(t, http.MethodDelete, rec.Method)
	assert.Equal(t, "/api/v2/rules/9", rec.Path)
}

func TestNotFoundError(t *testing.T) {
	c, _ := newTestServer(t, http.StatusNotFound, map[string]string{"error": "rule 9: not found"})

	_, err := c.GetRule(context.Background(), 9)
	assert.True(t, IsNotFound(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "rule 9: not found", apiErr.Message)
}

func TestMutationHeaders(t *testing.T) {
	c, rec := newTestServer(t, http.StatusCreated, &types.DevHost{Hostname: "lab-sw-1"})
	c.WithActor("jdoe").WithReason("lab migration")

	_, err := c.AddDevHost(context.Background(), "lab-sw-1")
	require.NoError(t, err)
	assert.Equal(t, "jdoe", rec.Header.Get(api.HeaderActor))
	assert.Equal(t, "lab migration", rec.Header.Get(api.HeaderReason))
}

func TestApplyRulesBody(t *testing.T) {
	c, rec := newTestServer(t, http.StatusOK, &BulkResult{Created: 1, Updated: 1})

	result, err := c.ApplyRules(context.Background(), []RuleSpec{
		{ID: 3, Name: "a", MatchType: types.MatchContains, MatchString: "x",
			Priority: 10, ProdHandling: types.HandlingLogOnly, DevHandling: types.HandlingLogOnly},
		{Name: "b", MatchType: types.MatchContains, MatchString: "y",
			Priority: 20, ProdHandling: types.HandlingLogOnly, DevHandling: types.HandlingLogOnly},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.Updated)

	assert.Equal(t, "/api/v2/rules/bulk", rec.Path)
	var body struct {
		Rules []map[string]interface{} `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(rec.Body, &body))
	require.Len(t, body.Rules, 2)
	assert.Equal(t, float64(3), body.Rules[0]["id"], "bulk entries keep their id")
	_, hasID := body.Rules[1]["id"]
	assert.False(t, hasID)
}

func TestQueryEventAuditParams(t *testing.T) {
	c, rec := newTestServer(t, http.StatusOK, []*types.EventAudit{})

	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	_, err := c.QueryEventAudit(context.Background(), EventAuditFilter{
		Hostname: "core-sw-1",
		RuleID:   4,
		From:     from,
		Limit:    25,
	})
	require.NoError(t, err)

	assert.Equal(t, "/api/v2/event-audit", rec.Path)
	assert.Equal(t, "core-sw-1", rec.Query.Get("hostname"))
	assert.Equal(t, "4", rec.Query.Get("rule_id"))
	assert.Equal(t, "2026-08-01T00:00:00Z", rec.Query.Get("from"))
	assert.Equal(t, "25", rec.Query.Get("limit"))
	assert.Empty(t, rec.Query.Get("to"))
	assert.Empty(t, rec.Query.Get("offset"))
}

func TestRequeueQuarantine(t *testing.T) {
	c, rec := newTestServer(t, http.StatusOK, &RequeueResult{Requeued: 2, Skipped: 1})

	result, err := c.RequeueQuarantine(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Requeued)
	assert.Equal(t, 1, result.Skipped)
	assert.Empty(t, rec.Body, "requeue-all sends no body")

	_, err = c.RequeueQuarantine(context.Background(), "abc-123")
	require.NoError(t, err)
	assert.JSONEq(t, `{"correlation_id":"abc-123"}`, string(rec.Body))
}

func TestPurgeQuarantine(t *testing.T) {
	c, rec := newTestServer(t, http.StatusOK, map[string]int64{"purged": 4})

	purged, err := c.PurgeQuarantine(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), purged)
	assert.Equal(t, http.MethodDelete, rec.Method)
	assert.Equal(t, "/api/v2/quarantine", rec.Path)

	_, err = c.PurgeQuarantine(context.Background(), "abc-123")
	require.NoError(t, err)
	assert.Equal(t, "abc-123", rec.Query.Get("correlation_id"))
}
