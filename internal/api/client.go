package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pranaynidhi/ST5062CEM-CW2/internal/session"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/store"
)

// Client talks to the operator API
type Client struct {
	baseURL string
	http    *http.Client
}

// RequestError is a non-2xx reply
type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e.Code != "" && e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// NewClient creates a client for the API at baseURL. A nil hc uses a
// client with a 10s timeout.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// Health returns /health
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out)
	return out, err
}

func (c *Client) ListAgents(ctx context.Context) ([]store.Agent, error) {
	var out struct {
		Agents []store.Agent `json:"agents"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/agents", nil, nil, &out)
	return out.Agents, err
}

func (c *Client) GetAgent(ctx context.Context, id string) (store.Agent, error) {
	var out store.Agent
	err := c.do(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// AcknowledgeAgent clears a TRIGGERED agent
func (c *Client) AcknowledgeAgent(ctx context.Context, id string) (store.Agent, error) {
	var out store.Agent
	err := c.do(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(id)+"/ack", nil, nil, &out)
	return out, err
}

// ListEvents queries events; zero filter fields are omitted
func (c *Client) ListEvents(ctx context.Context, f store.EventFilter) ([]store.Event, error) {
	q := url.Values{}
	if f.AgentID != "" {
		q.Set("agent_id", f.AgentID)
	}
	if f.TokenID != "" {
		q.Set("token_id", f.TokenID)
	}
	if f.Kind != "" {
		q.Set("kind", string(f.Kind))
	}
	if !f.Since.IsZero() {
		q.Set("since", f.Since.UTC().Format(time.RFC3339))
	}
	if !f.Until.IsZero() {
		q.Set("until", f.Until.UTC().Format(time.RFC3339))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var out struct {
		Events []store.Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/events", q, nil, &out)
	return out.Events, err
}

func (c *Client) GetEvent(ctx context.Context, id int64) (store.Event, error) {
	var out store.Event
	err := c.do(ctx, http.MethodGet, "/api/v1/events/"+strconv.FormatInt(id, 10), nil, nil, &out)
	return out, err
}

func (c *Client) ListTokens(ctx context.Context, agentID string) ([]store.Token, error) {
	q := url.Values{}
	if agentID != "" {
		q.Set("agent_id", agentID)
	}
	var out struct {
		Tokens []store.Token `json:"tokens"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/tokens", q, nil, &out)
	return out.Tokens, err
}

func (c *Client) RegisterToken(ctx context.Context, t store.Token) (store.Token, error) {
	var out store.Token
	err := c.do(ctx, http.MethodPost, "/api/v1/tokens", nil, t, &out)
	return out, err
}

// Stats returns store statistics over window; zero uses the server default
func (c *Client) Stats(ctx context.Context, window time.Duration) (store.Stats, error) {
	q := url.Values{}
	if window > 0 {
		q.Set("window", window.String())
	}
	var out store.Stats
	err := c.do(ctx, http.MethodGet, "/api/v1/stats", q, nil, &out)
	return out, err
}

func (c *Client) Sessions(ctx context.Context) ([]session.Info, error) {
	var out struct {
		Sessions []session.Info `json:"sessions"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/sessions", nil, nil, &out)
	return out.Sessions, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var er ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return &RequestError{StatusCode: resp.StatusCode, Code: er.Error.Code, Message: er.Error.Message}
		}
		return &RequestError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
