package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/kumogo/internal/adminrule"
	"github.com/relaycore/kumogo/internal/metrics"
	"github.com/relaycore/kumogo/internal/mtamsg"
	"github.com/relaycore/kumogo/internal/policy"
	"github.com/relaycore/kumogo/internal/queuemanager"
	"github.com/relaycore/kumogo/internal/schedqueue"
)

func staticHooks() *policy.Static {
	return &policy.Static{DefaultQueueConfig: policy.QueueConfig{Strategy: policy.StrategyTimerWheel}}
}

func newTestService(t *testing.T) (*Service, *queuemanager.Manager[*schedqueue.Queue]) {
	t.Helper()
	manager := queuemanager.New[*schedqueue.Queue]()
	create := func(ctx context.Context, name string) (*schedqueue.Queue, error) {
		return schedqueue.New(name, staticHooks(), nil), nil
	}
	svc := New(manager, adminrule.New(), metrics.NewRegistry(), create)
	return svc, manager
}

func newMsg() *mtamsg.Message {
	return mtamsg.NewDirty(
		mtamsg.Address{Mailbox: "s", Domain: "example.com"},
		mtamsg.Address{Mailbox: "r", Domain: "example.com"},
		nil, []byte("Subject: x\r\n\r\nbody"),
	)
}

func doRequest(t *testing.T, svc *Service, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	svc.Routes(r)

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestSuspendHaltsMatchingQueueAndCancelLiftsIt(t *testing.T) {
	svc, manager := newTestService(t)
	domain := "example.com"
	q, err := manager.Resolve(context.Background(), domain, func(ctx context.Context, name string) (*schedqueue.Queue, error) {
		return schedqueue.New(name, staticHooks(), nil), nil
	})
	require.NoError(t, err)
	assert.False(t, q.IsSuspended())

	rec := doRequest(t, svc, http.MethodPost, "/api/admin/suspend", map[string]interface{}{"domain": domain})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		ID      string   `json:"id"`
		Matched []string `json:"matched"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{domain}, resp.Matched)
	assert.True(t, q.IsSuspended())

	rec = doRequest(t, svc, http.MethodPost, "/api/admin/suspend-cancel", map[string]interface{}{"id": resp.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, q.IsSuspended())
}

func TestSuspendWildcardsUnsetFields(t *testing.T) {
	svc, manager := newTestService(t)
	q1, err := manager.Resolve(context.Background(), "a.example.com", func(ctx context.Context, name string) (*schedqueue.Queue, error) {
		return schedqueue.New(name, staticHooks(), nil), nil
	})
	require.NoError(t, err)
	q2, err := manager.Resolve(context.Background(), "b.example.com", func(ctx context.Context, name string) (*schedqueue.Queue, error) {
		return schedqueue.New(name, staticHooks(), nil), nil
	})
	require.NoError(t, err)

	rec := doRequest(t, svc, http.MethodPost, "/api/admin/suspend", map[string]interface{}{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, q1.IsSuspended())
	assert.True(t, q2.IsSuspended())
}

func TestXferMovesMessagesToTransferQueueAndXferCancelReverses(t *testing.T) {
	svc, manager := newTestService(t)
	sourceName := "tenant@example.com"
	sourceQ, err := manager.Resolve(context.Background(), sourceName, func(ctx context.Context, name string) (*schedqueue.Queue, error) {
		return schedqueue.New(name, staticHooks(), nil), nil
	})
	require.NoError(t, err)

	msg := newMsg()
	due := time.Now().Add(time.Hour)
	msg.SetDue(&due)
	_, err = sourceQ.Insert(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, 1, sourceQ.Len())

	tenant := "tenant"
	domain := "example.com"
	rec := doRequest(t, svc, http.MethodPost, "/api/admin/xfer", map[string]interface{}{
		"tenant": tenant,
		"domain": domain,
		"target": "sink.example.org",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Transferred int      `json:"transferred"`
		Errors      []string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Transferred)
	assert.Empty(t, resp.Errors)
	assert.Equal(t, 0, sourceQ.Len(), "message left the source queue")

	transferName := "tenant@example.com!sink.example.org"
	transferQ, ok := manager.Snapshot()[transferName]
	require.True(t, ok, "transfer queue should have been created")
	assert.Equal(t, 1, transferQ.Len())

	rec = doRequest(t, svc, http.MethodPost, "/api/admin/xfer-cancel", map[string]interface{}{
		"tenant": tenant,
		"domain": domain,
		"target": "sink.example.org",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelResp struct {
		Cancelled int `json:"cancelled"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cancelResp))
	assert.Equal(t, 1, cancelResp.Cancelled)
	assert.Equal(t, 0, transferQ.Len())
	assert.Equal(t, 1, sourceQ.Len(), "message returned to the source queue")
}

func TestInspectSchedQByExactNameAndByCriteria(t *testing.T) {
	svc, manager := newTestService(t)
	q, err := manager.Resolve(context.Background(), "example.com", func(ctx context.Context, name string) (*schedqueue.Queue, error) {
		return schedqueue.New(name, staticHooks(), nil), nil
	})
	require.NoError(t, err)
	msg := newMsg()
	due := time.Now().Add(time.Hour)
	msg.SetDue(&due)
	_, err = q.Insert(context.Background(), msg)
	require.NoError(t, err)

	rec := doRequest(t, svc, http.MethodGet, "/api/admin/inspect-sched-q?queue=example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var byName map[string][]messageView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &byName))
	require.Len(t, byName["example.com"], 1)
	assert.Equal(t, msg.ID().String(), byName["example.com"][0].ID)

	rec = doRequest(t, svc, http.MethodGet, "/api/admin/inspect-sched-q?domain=example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var byCriteria map[string][]messageView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &byCriteria))
	require.Len(t, byCriteria["example.com"], 1)
}

func TestBearerTokenRequiredWhenConfigured(t *testing.T) {
	manager := queuemanager.New[*schedqueue.Queue]()
	create := func(ctx context.Context, name string) (*schedqueue.Queue, error) {
		return schedqueue.New(name, staticHooks(), nil), nil
	}
	svc := New(manager, adminrule.New(), metrics.NewRegistry(), create, WithBearerToken("s3cret"))

	r := chi.NewRouter()
	svc.Routes(r)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/inspect-sched-q", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/inspect-sched-q", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpointsServeBothFormats(t *testing.T) {
	svc, _ := newTestService(t)
	svc.metricsReg.Counter("kumogo_messages_received_total", "messages received").Add(3)

	rec := doRequest(t, svc, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kumogo_messages_received_total 3")

	rec = doRequest(t, svc, http.MethodGet, "/metrics.json", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(3), snap["kumogo_messages_received_total"])
}
