package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pranaynidhi/ST5062CEM-CW2/internal/protocol"
)

// InsertEvent stores ev and marks its agent TRIGGERED in one transaction.
// A second event with the same (agent_id, nonce) fails with
// DuplicateNonce and leaves no row behind.
func (s *Store) InsertEvent(ctx context.Context, ev Event) (int64, error) {
	if ev.AgentID == "" || ev.TokenID == "" || ev.Nonce == "" {
		return 0, storeErr(TransactionFailure, "insert event", errors.New("agent_id, token_id and nonce are required"))
	}
	if _, ok := protocol.ParseEventKind(string(ev.Kind)); !ok {
		return 0, storeErr(TransactionFailure, "insert event", fmt.Errorf("invalid event kind %q", ev.Kind))
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = s.now()
	}
	extra, err := s.cipher.sealExtra(ev.Extra)
	if err != nil {
		return 0, classify("insert event", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify("insert event", err)
	}
	defer tx.Rollback() //nolint:errcheck

	result, err := tx.ExecContext(ctx, `
		INSERT INTO events (agent_id, token_id, event_kind, path, extra, nonce, timestamp, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.AgentID, ev.TokenID, string(ev.Kind), s.cipher.String(ev.Path), extra,
		ev.Nonce, unix(ev.Timestamp), unix(ev.ReceivedAt))
	if err != nil {
		return 0, classify("insert event", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, classify("insert event", err)
	}

	seen := unix(ev.ReceivedAt)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agents (agent_id, status, last_seen, registered_at)
		VALUES (?, 'TRIGGERED', ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			status = 'TRIGGERED',
			last_seen = MAX(agents.last_seen, excluded.last_seen)
	`, ev.AgentID, seen, seen); err != nil {
		return 0, classify("insert event", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, classify("insert event", err)
	}
	return id, nil
}

const eventColumns = `event_id, agent_id, token_id, event_kind, path, extra, nonce, timestamp, received_at`

// GetEvent returns a single event
func (s *Store) GetEvent(ctx context.Context, id int64) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE event_id = ?`, id)
	ev, err := s.scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, storeErr(NotFound, "get event", fmt.Errorf("event %d", id))
	}
	if err != nil {
		return nil, classify("get event", err)
	}
	return ev, nil
}

// QueryEvents returns events matching f, newest first
func (s *Store) QueryEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	var conditions []string
	var args []any
	if f.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.TokenID != "" {
		conditions = append(conditions, "token_id = ?")
		args = append(args, f.TokenID)
	}
	if f.Kind != "" {
		kind, ok := protocol.ParseEventKind(string(f.Kind))
		if !ok {
			return nil, storeErr(TransactionFailure, "query events", fmt.Errorf("invalid event kind %q", f.Kind))
		}
		conditions = append(conditions, "event_kind = ?")
		args = append(args, string(kind))
	}
	if !f.Since.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, f.Since.Unix())
	}
	if !f.Until.IsZero() {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, f.Until.Unix())
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		`+where+`
		ORDER BY timestamp DESC, event_id DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, classify("query events", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		ev, err := s.scanEvent(rows)
		if err != nil {
			return nil, classify("query events", err)
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("query events", err)
	}
	return events, nil
}

// RecentNonces returns up to limit nonces of agentID's events with a
// timestamp at or after since, oldest first
func (s *Store) RecentNonces(ctx context.Context, agentID string, since time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT nonce FROM events
		WHERE agent_id = ? AND timestamp >= ?
		ORDER BY event_id DESC
		LIMIT ?
	`, agentID, unix(since), limit)
	if err != nil {
		return nil, classify("recent nonces", err)
	}
	defer rows.Close()

	var nonces []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, classify("recent nonces", err)
		}
		nonces = append(nonces, n)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("recent nonces", err)
	}
	for i, j := 0, len(nonces)-1; i < j; i, j = i+1, j-1 {
		nonces[i], nonces[j] = nonces[j], nonces[i]
	}
	return nonces, nil
}

// GetStats summarises agents, tokens and events. Events within window of
// now are counted separately; a non-positive window counts none.
func (s *Store) GetStats(ctx context.Context, window time.Duration) (*Stats, error) {
	st := &Stats{
		Window:         window.String(),
		AgentsByStatus: map[AgentStatus]int64{},
		EventsByAgent:  map[string]int64{},
		EventsByKind:   map[string]int64{},
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&st.TotalEvents); err != nil {
		return nil, classify("stats", err)
	}
	if window > 0 {
		cutoff := s.now().Add(-window).Unix()
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE received_at >= ?`, cutoff).Scan(&st.WindowEvents); err != nil {
			return nil, classify("stats", err)
		}
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&st.TotalAgents); err != nil {
		return nil, classify("stats", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tokens`).Scan(&st.TotalTokens); err != nil {
		return nil, classify("stats", err)
	}

	groups := []struct {
		query string
		add   func(key string, n int64)
	}{
		{`SELECT status, COUNT(*) FROM agents GROUP BY status`, func(k string, n int64) { st.AgentsByStatus[AgentStatus(k)] = n }},
		{`SELECT agent_id, COUNT(*) FROM events GROUP BY agent_id`, func(k string, n int64) { st.EventsByAgent[k] = n }},
		{`SELECT event_kind, COUNT(*) FROM events GROUP BY event_kind`, func(k string, n int64) { st.EventsByKind[k] = n }},
	}
	for _, g := range groups {
		if err := s.countGroups(ctx, g.query, g.add); err != nil {
			return nil, classify("stats", err)
		}
	}
	return st, nil
}

func (s *Store) countGroups(ctx context.Context, query string, add func(string, int64)) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		add(k, n)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanEvent(row rowScanner) (*Event, error) {
	var ev Event
	var kind string
	var extra []byte
	var ts, received int64
	path := s.cipher.String("")
	if err := row.Scan(&ev.EventID, &ev.AgentID, &ev.TokenID, &kind, path, &extra, &ev.Nonce, &ts, &received); err != nil {
		return nil, err
	}
	fields, err := s.cipher.openExtra(extra)
	if err != nil {
		return nil, err
	}
	ev.Kind = protocol.EventKind(kind)
	ev.Path = path.Plain
	ev.Extra = fields
	ev.Timestamp = fromUnix(ts)
	ev.ReceivedAt = fromUnix(received)
	return &ev, nil
}
