package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pranaynidhi/ST5062CEM-CW2/internal/metrics"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/protocol"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/session"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/store"
)

type fakeSessions []session.Info

func (f fakeSessions) Sessions() []session.Info { return f }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), store.Options{
		Path:   filepath.Join(t.TempDir(), "honeygrid.db"),
		Secret: []byte("api-test-secret"),
		KDF:    store.KDFParams{Time: 1, Memory: 8 * 1024, Threads: 1},
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedEvent(t *testing.T, st *store.Store, agent, token string, kind protocol.EventKind, ts time.Time) int64 {
	t.Helper()
	nonce, err := protocol.NewNonce()
	require.NoError(t, err)
	id, err := st.InsertEvent(context.Background(), store.Event{
		AgentID:   agent,
		TokenID:   token,
		Kind:      kind,
		Path:      "/srv/" + token,
		Nonce:     nonce,
		Timestamp: ts,
	})
	require.NoError(t, err)
	return id
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndReady(t *testing.T) {
	st := newTestStore(t)
	h := New(st, fakeSessions{{ID: "s1"}}, nil).Handler()

	rec := do(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Sessions)

	rec = do(t, h, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", rec.Body.String())

	require.NoError(t, st.Close())
	rec = do(t, h, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.Rejected("replayed_nonce")
	h := New(newTestStore(t), nil, m).Handler()

	rec := do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `honeygrid_messages_rejected_total{reason="replayed_nonce"} 1`)
}

func TestAgentsEndpoints(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.RegisterAgent(ctx, "agent-001", "10.0.0.5:5000")
	require.NoError(t, err)
	seedEvent(t, st, "agent-002", "token-9", protocol.EventDeleted, time.Now())
	h := New(st, nil, nil).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Agents []store.Agent `json:"agents"`
	}](t, rec)
	require.Len(t, list.Agents, 2)
	assert.Equal(t, "agent-001", list.Agents[0].AgentID)
	assert.Equal(t, store.StatusTriggered, list.Agents[1].Status)

	rec = do(t, h, http.MethodGet, "/api/v1/agents/agent-001", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10.0.0.5:5000", decode[store.Agent](t, rec).RemoteAddr)

	rec = do(t, h, http.MethodGet, "/api/v1/agents/nobody", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Error.Code)
}

func TestAcknowledgeAgent(t *testing.T) {
	st := newTestStore(t)
	seedEvent(t, st, "agent-001", "token-1", protocol.EventModified, time.Now())
	h := New(st, nil, nil).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/agents/agent-001/ack", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.StatusHealthy, decode[store.Agent](t, rec).Status)

	rec = do(t, h, http.MethodGet, "/api/v1/agents/agent-001/ack", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/agents/ghost/ack", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsEndpoint(t *testing.T) {
	st := newTestStore(t)
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	seedEvent(t, st, "agent-001", "token-1", protocol.EventAccessed, base)
	seedEvent(t, st, "agent-001", "token-2", protocol.EventModified, base.Add(10*time.Minute))
	latest := seedEvent(t, st, "agent-002", "token-3", protocol.EventModified, base.Add(20*time.Minute))
	h := New(st, nil, nil).Handler()

	type envelope struct {
		Events []store.Event `json:"events"`
	}
	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"all", "", 3},
		{"by agent", "?agent_id=agent-001", 2},
		{"by token", "?token_id=token-3", 1},
		{"by kind", "?kind=MODIFIED", 2},
		{"since unix", fmt.Sprintf("?since=%d", base.Add(5*time.Minute).Unix()), 2},
		{"until rfc3339", "?until=" + base.Add(5*time.Minute).UTC().Format(time.RFC3339), 1},
		{"limit", "?limit=1", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, "/api/v1/events"+tt.query, nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Len(t, decode[envelope](t, rec).Events, tt.want)
		})
	}

	rec := do(t, h, http.MethodGet, "/api/v1/events?limit=1", nil)
	events := decode[envelope](t, rec).Events
	require.Len(t, events, 1)
	assert.Equal(t, latest, events[0].EventID)
	assert.Equal(t, "/srv/token-3", events[0].Path)
}

func TestEventsEndpointBadQuery(t *testing.T) {
	h := New(newTestStore(t), nil, nil).Handler()
	for _, q := range []string{"?kind=exploded", "?since=yesterday", "?limit=-3", "?limit=abc"} {
		rec := do(t, h, http.MethodGet, "/api/v1/events"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		assert.Equal(t, "invalid_query", decode[ErrorResponse](t, rec).Error.Code, q)
	}
}

func TestGetEvent(t *testing.T) {
	st := newTestStore(t)
	id := seedEvent(t, st, "agent-001", "token-1", protocol.EventMoved, time.Now())
	h := New(st, nil, nil).Handler()

	rec := do(t, h, http.MethodGet, fmt.Sprintf("/api/v1/events/%d", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ev := decode[store.Event](t, rec)
	assert.Equal(t, protocol.EventMoved, ev.Kind)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/events/9999", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/events/abc", nil).Code)
}

func TestTokensEndpoints(t *testing.T) {
	st := newTestStore(t)
	h := New(st, nil, nil).Handler()

	body := `{"token_id":"token-1","name":"payroll","deployed_path":"/srv/hr/payroll.xlsx","agent_id":"agent-001"}`
	rec := do(t, h, http.MethodPost, "/api/v1/tokens", strings.NewReader(body))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[store.Token](t, rec)
	assert.Equal(t, "/srv/hr/payroll.xlsx", created.DeployedPath)
	assert.False(t, created.DeployedAt.IsZero())

	rec = do(t, h, http.MethodGet, "/api/v1/tokens?agent_id=agent-001", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Tokens []store.Token `json:"tokens"`
	}](t, rec)
	require.Len(t, list.Tokens, 1)
	assert.Equal(t, "payroll", list.Tokens[0].Name)

	rec = do(t, h, http.MethodGet, "/api/v1/tokens/token-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/tokens", strings.NewReader(`{"token_id":"t"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/v1/tokens", strings.NewReader(`{"token_id":"t","bogus":1}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	st := newTestStore(t)
	seedEvent(t, st, "agent-001", "token-1", protocol.EventAccessed, time.Now())
	seedEvent(t, st, "agent-001", "token-1", protocol.EventDeleted, time.Now())
	h := New(st, nil, nil).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[store.Stats](t, rec)
	assert.EqualValues(t, 2, stats.TotalEvents)
	assert.EqualValues(t, 2, stats.WindowEvents)
	assert.Equal(t, "24h0m0s", stats.Window)
	assert.EqualValues(t, 1, stats.AgentsByStatus[store.StatusTriggered])

	rec = do(t, h, http.MethodGet, "/api/v1/stats?window=1h", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1h0m0s", decode[store.Stats](t, rec).Window)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/stats?window=-1h", nil).Code)
}

func TestSessionsEndpoint(t *testing.T) {
	sessions := fakeSessions{{ID: "s1", SenderID: "agent-001", State: "active", Accepted: 3}}
	h := New(newTestStore(t), sessions, nil).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[struct {
		Sessions []session.Info `json:"sessions"`
	}](t, rec)
	require.Len(t, got.Sessions, 1)
	assert.Equal(t, "agent-001", got.Sessions[0].SenderID)
	assert.EqualValues(t, 3, got.Sessions[0].Accepted)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	srv := New(newTestStore(t), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Server did not stop")
	}
}
