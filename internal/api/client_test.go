package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pranaynidhi/ST5062CEM-CW2/internal/protocol"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/session"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/store"
)

func newTestClient(t *testing.T, st *store.Store, sessions SessionLister) *Client {
	t.Helper()
	ts := httptest.NewServer(New(st, sessions, nil).Handler())
	t.Cleanup(ts.Close)
	return NewClient(ts.URL+"/", ts.Client())
}

func TestClientAgentsAndAck(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedEvent(t, st, "agent-001", "token-1", protocol.EventModified, time.Now())
	c := newTestClient(t, st, nil)

	agents, err := c.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, store.StatusTriggered, agents[0].Status)

	agent, err := c.AcknowledgeAgent(ctx, "agent-001")
	require.NoError(t, err)
	assert.Equal(t, store.StatusHealthy, agent.Status)

	_, err = c.GetAgent(ctx, "agent-404")
	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr), "expected RequestError, got %v", err)
	assert.Equal(t, http.StatusNotFound, reqErr.StatusCode)
	assert.Equal(t, "not_found", reqErr.Code)
}

func TestClientEvents(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	seedEvent(t, st, "agent-001", "token-1", protocol.EventAccessed, now.Add(-2*time.Hour))
	id := seedEvent(t, st, "agent-001", "token-2", protocol.EventDeleted, now.Add(-time.Minute))
	c := newTestClient(t, st, nil)

	events, err := c.ListEvents(ctx, store.EventFilter{Since: now.Add(-time.Hour)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "token-2", events[0].TokenID)

	events, err = c.ListEvents(ctx, store.EventFilter{Kind: protocol.EventAccessed, Limit: 5})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "token-1", events[0].TokenID)

	ev, err := c.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "/srv/token-2", ev.Path)
}

func TestClientTokensAndStats(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	c := newTestClient(t, st, nil)

	saved, err := c.RegisterToken(ctx, store.Token{
		TokenID:      "token-1",
		Name:         "payroll",
		DeployedPath: "/srv/finance/payroll.xlsx",
		AgentID:      "agent-001",
	})
	require.NoError(t, err)
	assert.Equal(t, "payroll", saved.Name)
	assert.False(t, saved.DeployedAt.IsZero())

	tokens, err := c.ListTokens(ctx, "agent-001")
	require.NoError(t, err)
	require.Len(t, tokens, 1)

	seedEvent(t, st, "agent-001", "token-1", protocol.EventModified, time.Now())
	stats, err := c.Stats(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalEvents)
	assert.Equal(t, int64(1), stats.TotalTokens)
}

func TestClientSessionsAndHealth(t *testing.T) {
	c := newTestClient(t, newTestStore(t), fakeSessions{{ID: "s1", SenderID: "agent-001", State: "active"}})
	ctx := context.Background()

	infos, err := c.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []session.Info{{ID: "s1", SenderID: "agent-001", State: "active"}}, infos)

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
}
