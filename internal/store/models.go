package store

import (
	"strings"
	"time"

	"github.com/pranaynidhi/ST5062CEM-CW2/internal/protocol"
)

// AgentStatus is the collector's view of an agent
type AgentStatus string

const (
	StatusHealthy   AgentStatus = "HEALTHY"
	StatusWarning   AgentStatus = "WARNING"
	StatusOffline   AgentStatus = "OFFLINE"
	StatusTriggered AgentStatus = "TRIGGERED"
)

// ParseAgentStatus parses a status, case-insensitively
func ParseAgentStatus(s string) (AgentStatus, bool) {
	st := AgentStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusHealthy, StatusWarning, StatusOffline, StatusTriggered:
		return st, true
	}
	return "", false
}

// Agent is a registered honeytoken agent
type Agent struct {
	AgentID      string      `json:"agent_id"`
	Status       AgentStatus `json:"status"`
	LastSeen     time.Time   `json:"last_seen"`
	RemoteAddr   string      `json:"remote_addr,omitempty"`
	RegisteredAt time.Time   `json:"registered_at"`
}

// Token is a deployed honeytoken
type Token struct {
	TokenID      string    `json:"token_id"`
	Name         string    `json:"name"`
	DeployedPath string    `json:"deployed_path"`
	AgentID      string    `json:"agent_id"`
	DeployedAt   time.Time `json:"deployed_at"`
}

// Event is a persisted honeytoken event
type Event struct {
	EventID    int64              `json:"event_id"`
	AgentID    string             `json:"agent_id"`
	TokenID    string             `json:"token_id"`
	Kind       protocol.EventKind `json:"event_kind"`
	Path       string             `json:"path"`
	Extra      map[string]any     `json:"extra,omitempty"`
	Nonce      string             `json:"nonce"`
	Timestamp  time.Time          `json:"timestamp"`
	ReceivedAt time.Time          `json:"received_at"`
}

// EventFromMessage builds the event row for an accepted event message
func EventFromMessage(m protocol.Message, receivedAt time.Time) (Event, error) {
	f, err := m.EventFields()
	if err != nil {
		return Event{}, err
	}
	return Event{
		AgentID:    m.Header.SenderID,
		TokenID:    f.TokenID,
		Kind:       f.Kind,
		Path:       f.Path,
		Extra:      f.Extra,
		Nonce:      m.Header.Nonce,
		Timestamp:  m.Header.Time(),
		ReceivedAt: receivedAt,
	}, nil
}

// EventFilter selects events for QueryEvents. Zero fields do not filter.
type EventFilter struct {
	AgentID string
	TokenID string
	Kind    protocol.EventKind
	Since   time.Time
	Until   time.Time
	Limit   int
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// Stats summarises the store contents
type Stats struct {
	TotalEvents    int64                 `json:"total_events"`
	WindowEvents   int64                 `json:"window_events"`
	Window         string                `json:"window"`
	TotalAgents    int64                 `json:"total_agents"`
	TotalTokens    int64                 `json:"total_tokens"`
	AgentsByStatus map[AgentStatus]int64 `json:"agents_by_status"`
	EventsByAgent  map[string]int64      `json:"events_by_agent"`
	EventsByKind   map[string]int64      `json:"events_by_kind"`
}
