package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RegisterAgent records a connection from agentID. A new agent starts
// HEALTHY; an OFFLINE agent comes back HEALTHY; TRIGGERED and WARNING are
// kept.
func (s *Store) RegisterAgent(ctx context.Context, agentID, remoteAddr string) (*Agent, error) {
	if agentID == "" {
		return nil, storeErr(TransactionFailure, "register agent", errors.New("agent_id is required"))
	}
	now := s.now().Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, status, last_seen, registered_at, remote_addr)
		VALUES (?, 'HEALTHY', ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			last_seen = MAX(agents.last_seen, excluded.last_seen),
			remote_addr = excluded.remote_addr,
			status = CASE WHEN agents.status = 'OFFLINE' THEN 'HEALTHY' ELSE agents.status END
	`, agentID, now, now, remoteAddr); err != nil {
		return nil, classify("register agent", err)
	}
	return s.getAgentLocked(ctx, agentID)
}

// TouchAgent records a heartbeat: last_seen moves to at and the status
// becomes status unless the agent is TRIGGERED, which only an operator
// acknowledgement clears. Unknown agents are created.
func (s *Store) TouchAgent(ctx context.Context, agentID string, status AgentStatus, at time.Time) error {
	if _, ok := ParseAgentStatus(string(status)); !ok || status == StatusTriggered {
		return storeErr(TransactionFailure, "touch agent", fmt.Errorf("invalid heartbeat status %q", status))
	}
	if at.IsZero() {
		at = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, status, last_seen, registered_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			last_seen = MAX(agents.last_seen, excluded.last_seen),
			status = CASE WHEN agents.status = 'TRIGGERED' THEN agents.status ELSE excluded.status END
	`, agentID, string(status), at.Unix(), at.Unix()); err != nil {
		return classify("touch agent", err)
	}
	return nil
}

// SeenAgent moves last_seen to at without touching the status, except
// that an OFFLINE agent is HEALTHY again. Unknown agents are created HEALTHY.
func (s *Store) SeenAgent(ctx context.Context, agentID string, at time.Time) error {
	if at.IsZero() {
		at = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, status, last_seen, registered_at)
		VALUES (?, 'HEALTHY', ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			last_seen = MAX(agents.last_seen, excluded.last_seen),
			status = CASE WHEN agents.status = 'OFFLINE' THEN 'HEALTHY' ELSE agents.status END
	`, agentID, at.Unix(), at.Unix()); err != nil {
		return classify("seen agent", err)
	}
	return nil
}

// UpdateAgentStatus sets an agent's status unconditionally
func (s *Store) UpdateAgentStatus(ctx context.Context, agentID string, status AgentStatus) error {
	if _, ok := ParseAgentStatus(string(status)); !ok {
		return storeErr(TransactionFailure, "update agent status", fmt.Errorf("invalid status %q", status))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `UPDATE agents SET status = ? WHERE agent_id = ?`, string(status), agentID)
	if err != nil {
		return classify("update agent status", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return storeErr(NotFound, "update agent status", fmt.Errorf("agent %q", agentID))
	}
	return nil
}

// AcknowledgeAgent clears TRIGGERED back to HEALTHY. Agents in any other
// status are left unchanged.
func (s *Store) AcknowledgeAgent(ctx context.Context, agentID string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = 'HEALTHY' WHERE agent_id = ? AND status = 'TRIGGERED'
	`, agentID); err != nil {
		return nil, classify("acknowledge agent", err)
	}
	return s.getAgentLocked(ctx, agentID)
}

// MarkOfflineBefore moves HEALTHY and WARNING agents last seen before
// cutoff to OFFLINE and returns their ids. TRIGGERED agents keep their
// status.
func (s *Store) MarkOfflineBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("mark offline", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, `
		SELECT agent_id FROM agents
		WHERE last_seen < ? AND status IN ('HEALTHY', 'WARNING')
		ORDER BY agent_id
	`, cutoff.Unix())
	if err != nil {
		return nil, classify("mark offline", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, classify("mark offline", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify("mark offline", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE agents SET status = 'OFFLINE'
		WHERE last_seen < ? AND status IN ('HEALTHY', 'WARNING')
	`, cutoff.Unix()); err != nil {
		return nil, classify("mark offline", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classify("mark offline", err)
	}
	return ids, nil
}

// GetAgent returns a single agent
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getAgentLocked(ctx, agentID)
}

func (s *Store) getAgentLocked(ctx context.Context, agentID string) (*Agent, error) {
	var a Agent
	var status string
	var lastSeen, registered int64
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, status, last_seen, remote_addr, registered_at
		FROM agents WHERE agent_id = ?
	`, agentID).Scan(&a.AgentID, &status, &lastSeen, &a.RemoteAddr, &registered)
	if err == sql.ErrNoRows {
		return nil, storeErr(NotFound, "get agent", fmt.Errorf("agent %q", agentID))
	}
	if err != nil {
		return nil, classify("get agent", err)
	}
	a.Status = AgentStatus(status)
	a.LastSeen = fromUnix(lastSeen)
	a.RegisteredAt = fromUnix(registered)
	return &a, nil
}

// ListAgents returns all agents ordered by id
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, status, last_seen, remote_addr, registered_at
		FROM agents ORDER BY agent_id
	`)
	if err != nil {
		return nil, classify("list agents", err)
	}
	defer rows.Close()

	agents := []Agent{}
	for rows.Next() {
		var a Agent
		var status string
		var lastSeen, registered int64
		if err := rows.Scan(&a.AgentID, &status, &lastSeen, &a.RemoteAddr, &registered); err != nil {
			return nil, classify("list agents", err)
		}
		a.Status = AgentStatus(status)
		a.LastSeen = fromUnix(lastSeen)
		a.RegisteredAt = fromUnix(registered)
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list agents", err)
	}
	return agents, nil
}

// RegisterToken records or replaces a deployed honeytoken
func (s *Store) RegisterToken(ctx context.Context, t Token) error {
	if t.TokenID == "" || t.AgentID == "" {
		return storeErr(TransactionFailure, "register token", errors.New("token_id and agent_id are required"))
	}
	if t.DeployedAt.IsZero() {
		t.DeployedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (token_id, name, deployed_path, agent_id, deployed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(token_id) DO UPDATE SET
			name = excluded.name,
			deployed_path = excluded.deployed_path,
			agent_id = excluded.agent_id,
			deployed_at = excluded.deployed_at
	`, t.TokenID, t.Name, s.cipher.String(t.DeployedPath), t.AgentID, t.DeployedAt.Unix()); err != nil {
		return classify("register token", err)
	}
	return nil
}

const tokenColumns = `token_id, name, deployed_path, agent_id, deployed_at`

// GetToken returns a single token
func (s *Store) GetToken(ctx context.Context, tokenID string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.scanToken(s.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE token_id = ?`, tokenID))
	if err == sql.ErrNoRows {
		return nil, storeErr(NotFound, "get token", fmt.Errorf("token %q", tokenID))
	}
	if err != nil {
		return nil, classify("get token", err)
	}
	return t, nil
}

// ListTokens returns tokens ordered by id, optionally only those of agentID
func (s *Store) ListTokens(ctx context.Context, agentID string) ([]Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + tokenColumns + ` FROM tokens`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY token_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list tokens", err)
	}
	defer rows.Close()

	tokens := []Token{}
	for rows.Next() {
		t, err := s.scanToken(rows)
		if err != nil {
			return nil, classify("list tokens", err)
		}
		tokens = append(tokens, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list tokens", err)
	}
	return tokens, nil
}

func (s *Store) scanToken(row rowScanner) (*Token, error) {
	var t Token
	var deployed int64
	path := s.cipher.String("")
	if err := row.Scan(&t.TokenID, &t.Name, path, &t.AgentID, &deployed); err != nil {
		return nil, err
	}
	t.DeployedPath = path.Plain
	t.DeployedAt = fromUnix(deployed)
	return &t, nil
}
