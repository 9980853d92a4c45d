package ingestor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spiretel/mutt/pkg/api"
	"github.com/spiretel/mutt/pkg/config"
	"github.com/spiretel/mutt/pkg/queue"
	"github.com/spiretel/mutt/pkg/secrets"
	"github.com/spiretel/mutt/pkg/types"
)

const testKey = "ingest-key"

func newTestService(t *testing.T) (*Service, *queue.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	q, err := queue.New(&queue.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	svc, err := New(Config{
		Queue:  q,
		Config: config.NewClient(q),
		Keys: func() secrets.TwoSlot {
			return secrets.TwoSlot{Current: testKey, Next: "ingest-key-next"}
		},
	})
	require.NoError(t, err)
	return svc, q, mr
}

func postEvent(router http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v2/ingest", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(api.HeaderAPIKey, key)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

const validEvent = `{"timestamp":"2025-01-12T10:30:00Z","hostname":"router-01","message":"Interface GigabitEthernet0/1 changed state to down","syslog_severity":3,"source":"syslog"}`

func TestIngestHappyPath(t *testing.T) {
	svc, q, _ := newTestService(t)
	router := svc.Router()

	w := postEvent(router, testKey, validEvent)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp AcceptResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "accepted", resp.Status)
	assert.NotEmpty(t, resp.CorrelationID)

	ctx := context.Background()
	depth, err := q.Depth(ctx, queue.IngestQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	entries, err := q.Peek(ctx, queue.IngestQueue, 0, 0)
	require.NoError(t, err)
	env, err := types.ParseEnvelope([]byte(entries[0]))
	require.NoError(t, err)
	assert.Equal(t, "router-01", env.Hostname)
	assert.Equal(t, resp.CorrelationID, env.CorrelationID)
	assert.NotNil(t, env.IngestionTimestamp)
}

func TestIngestAuth(t *testing.T) {
	tests := []struct {
		name           string
		key            string
		expectedStatus int
	}{
		{name: "missing key", key: "", expectedStatus: http.StatusUnauthorized},
		{name: "wrong key", key: "not-the-key", expectedStatus: http.StatusUnauthorized},
		{name: "current key", key: testKey, expectedStatus: http.StatusAccepted},
		{name: "next key accepted during rotation", key: "ingest-key-next", expectedStatus: http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := newTestService(t)
			w := postEvent(svc.Router(), tt.key, validEvent)
			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestIngestFailsClosedWithoutKeys(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.keys = func() secrets.TwoSlot { return secrets.TwoSlot{} }

	w := postEvent(svc.Router(), "", validEvent)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIngestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"hostname":`},
		{name: "unknown field", body: `{"timestamp":"2025-01-12T10:30:00Z","hostname":"h","message":"m","bogus":1}`},
		{name: "missing hostname", body: `{"timestamp":"2025-01-12T10:30:00Z","message":"m"}`},
		{name: "missing message", body: `{"timestamp":"2025-01-12T10:30:00Z","hostname":"h"}`},
		{name: "severity out of range", body: `{"timestamp":"2025-01-12T10:30:00Z","hostname":"h","message":"m","syslog_severity":9}`},
		{name: "bad source", body: `{"timestamp":"2025-01-12T10:30:00Z","hostname":"h","message":"m","source":"smtp"}`},
		{name: "bad trap oid", body: `{"timestamp":"2025-01-12T10:30:00Z","hostname":"h","message":"m","trap_oid":"not-an-oid"}`},
		{name: "trailing data", body: validEvent + `{"again":true}`},
	}

	svc, q, _ := newTestService(t)
	router := svc.Router()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postEvent(router, testKey, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			var resp api.ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.NotEmpty(t, resp.Error)
		})
	}

	// nothing invalid was enqueued
	depth, err := q.Depth(context.Background(), queue.IngestQueue)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestIngestBodyTooLarge(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.maxBody = 128

	w := postEvent(svc.Router(), testKey, validEvent)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestIngestPreservesClientCorrelationID(t *testing.T) {
	svc, _, _ := newTestService(t)

	body := `{"timestamp":"2025-01-12T10:30:00Z","hostname":"h","message":"m","correlation_id":"client-supplied-1"}`
	w := postEvent(svc.Router(), testKey, body)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp AcceptResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "client-supplied-1", resp.CorrelationID)
}

func TestIngestAdmissionControl(t *testing.T) {
	svc, q, mr := newTestService(t)
	router := svc.Router()
	ctx := context.Background()

	mr.Set(queue.ConfigKey(config.KeyMaxIngestQueueSize), "2")

	// one below the cap still admits
	require.NoError(t, q.Enqueue(ctx, queue.IngestQueue, []byte(`{}`)))
	w := postEvent(router, testKey, validEvent)
	assert.Equal(t, http.StatusAccepted, w.Code)

	// at the cap the hard limit rejects
	w = postEvent(router, testKey, validEvent)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var resp api.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "queue full", resp.Error)

	depth, err := q.Depth(ctx, queue.IngestQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
}

func TestIngestSubstrateDown(t *testing.T) {
	svc, _, mr := newTestService(t)
	router := svc.Router()

	mr.Close()

	w := postEvent(router, testKey, validEvent)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestIngestOpsEndpoints(t *testing.T) {
	svc, _, _ := newTestService(t)
	router := svc.Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mutt_")
}
