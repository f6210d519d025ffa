// Package api serves the collector's operator HTTP surface: health and
// readiness probes, Prometheus metrics and a JSON read API over the event
// store.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pranaynidhi/ST5062CEM-CW2/internal/metrics"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/protocol"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/session"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/store"
)

// Version is reported by /health
var Version = "dev"

// Store is the part of the event store the API reads and administers
type Store interface {
	Ping(ctx context.Context) error
	ListAgents(ctx context.Context) ([]store.Agent, error)
	GetAgent(ctx context.Context, agentID string) (*store.Agent, error)
	AcknowledgeAgent(ctx context.Context, agentID string) (*store.Agent, error)
	QueryEvents(ctx context.Context, f store.EventFilter) ([]store.Event, error)
	GetEvent(ctx context.Context, id int64) (*store.Event, error)
	RegisterToken(ctx context.Context, t store.Token) error
	GetToken(ctx context.Context, tokenID string) (*store.Token, error)
	ListTokens(ctx context.Context, agentID string) ([]store.Token, error)
	GetStats(ctx context.Context, window time.Duration) (*store.Stats, error)
}

// SessionLister reports live agent sessions
type SessionLister interface {
	Sessions() []session.Info
}

// DefaultStatsWindow is used when /api/v1/stats has no window parameter
const DefaultStatsWindow = 24 * time.Hour

// Server is the operator HTTP server
type Server struct {
	store    Store
	sessions SessionLister
	metrics  *metrics.Metrics
	started  time.Time
	handler  http.Handler
}

// HealthResponse is the body of /health
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Uptime   string `json:"uptime"`
	Sessions int    `json:"sessions"`
}

// ErrorResponse is the body of every non-2xx JSON reply
type ErrorResponse struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New creates the API server. sessions and m may be nil.
func New(st Store, sessions SessionLister, m *metrics.Metrics) *Server {
	s := &Server{
		store:    st,
		sessions: sessions,
		metrics:  m,
		started:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}
	mux.HandleFunc("GET /api/v1/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/v1/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("POST /api/v1/agents/{id}/ack", s.handleAckAgent)
	mux.HandleFunc("GET /api/v1/events", s.handleListEvents)
	mux.HandleFunc("GET /api/v1/events/{id}", s.handleGetEvent)
	mux.HandleFunc("GET /api/v1/tokens", s.handleListTokens)
	mux.HandleFunc("POST /api/v1/tokens", s.handleRegisterToken)
	mux.HandleFunc("GET /api/v1/tokens/{id}", s.handleGetToken)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	mux.HandleFunc("GET /api/v1/sessions", s.handleSessions)
	s.handler = mux
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on addr until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	log.Info().Str("addr", ln.Addr().String()).Msg("Starting API server")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	}
	if s.sessions != nil {
		resp.Sessions = len(s.sessions.Sessions())
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReady reports whether the store answers
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		log.Warn().Err(err).Msg("Readiness check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleAckAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	agent, err := s.store.AcknowledgeAgent(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	log.Info().Str("agent_id", id).Str("status", string(agent.Status)).Msg("Agent acknowledged by operator")
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	f, err := parseEventFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	events, err := s.store.QueryEvents(r.Context(), f)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_id", "event id must be a positive integer")
		return
	}
	ev, err := s.store.GetEvent(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.store.ListTokens(r.Context(), r.URL.Query().Get("agent_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetToken(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleRegisterToken(w http.ResponseWriter, r *http.Request) {
	var t store.Token
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if t.TokenID == "" || t.AgentID == "" || t.DeployedPath == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "token_id, agent_id and deployed_path are required")
		return
	}
	if err := s.store.RegisterToken(r.Context(), t); err != nil {
		writeStoreError(w, err)
		return
	}
	saved, err := s.store.GetToken(r.Context(), t.TokenID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	log.Info().Str("token_id", t.TokenID).Str("agent_id", t.AgentID).Msg("Token registered")
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	window := DefaultStatsWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_query", "window must be a positive duration such as 24h")
			return
		}
		window = d
	}
	stats, err := s.store.GetStats(r.Context(), window)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	infos := []session.Info{}
	if s.sessions != nil {
		infos = s.sessions.Sessions()
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": infos})
}

func parseEventFilter(r *http.Request) (store.EventFilter, error) {
	q := r.URL.Query()
	f := store.EventFilter{
		AgentID: q.Get("agent_id"),
		TokenID: q.Get("token_id"),
	}
	if raw := q.Get("kind"); raw != "" {
		kind, ok := protocol.ParseEventKind(raw)
		if !ok {
			return f, fmt.Errorf("unknown event kind %q", raw)
		}
		f.Kind = kind
	}
	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		return f, fmt.Errorf("since: %w", err)
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		return f, fmt.Errorf("until: %w", err)
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return f, fmt.Errorf("limit must be a positive integer")
		}
		f.Limit = n
	}
	return f, nil
}

// parseTime accepts RFC 3339 or unix seconds; "" is the zero time
func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC 3339 or unix seconds, got %q", raw)
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: APIError{Code: code, Message: message}})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	log.Error().Err(err).Msg("Store query failed")
	writeError(w, http.StatusInternalServerError, "internal", "store query failed")
}
