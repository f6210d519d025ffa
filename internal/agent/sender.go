// Package agent is the sending side of the protocol: it frames honeytoken
// events and heartbeats, shapes them to the collector's rate limit, waits
// for acknowledgements and reconnects after connection loss.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pranaynidhi/ST5062CEM-CW2/internal/protocol"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/ratelimit"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/replay"
)

// Conn is a connection to the collector
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// DialFunc opens a new authenticated connection to the collector
type DialFunc func(ctx context.Context) (Conn, error)

// ErrRejected is returned when the collector acknowledges with a rejection
var ErrRejected = errors.New("message rejected by collector")

// Config holds sender settings
type Config struct {
	AgentID           string
	RateCapacity      int
	RateRefill        float64
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	HeartbeatInterval time.Duration
	AckTimeout        time.Duration
	Codec             protocol.Codec
}

// Ack is the collector's answer to one message
type Ack struct {
	Ref    string
	Status string
	Reason string
}

// Accepted reports whether the message was accepted
func (a Ack) Accepted() bool {
	return a.Status == protocol.AckAccepted
}

// Stats are sender counters
type Stats struct {
	Sent       int64 `json:"sent"`
	Accepted   int64 `json:"accepted"`
	Rejected   int64 `json:"rejected"`
	Failed     int64 `json:"failed"`
	Reconnects int64 `json:"reconnects"`
}

// Sender delivers messages over one connection at a time
type Sender struct {
	cfg     Config
	dial    DialFunc
	bucket  *ratelimit.Bucket
	started time.Time

	mu   sync.Mutex
	conn Conn

	sent       atomic.Int64
	accepted   atomic.Int64
	rejected   atomic.Int64
	failed     atomic.Int64
	reconnects atomic.Int64
}

// New creates a sender. Zero Config fields take the collector defaults.
func New(cfg Config, dial DialFunc) *Sender {
	if cfg.RateCapacity <= 0 {
		cfg.RateCapacity = ratelimit.DefaultCapacity
	}
	if cfg.RateRefill <= 0 {
		cfg.RateRefill = ratelimit.DefaultRefillPerSecond
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = 12 * cfg.ReconnectDelay
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	return &Sender{
		cfg:     cfg,
		dial:    dial,
		bucket:  ratelimit.NewBucket(cfg.RateCapacity, cfg.RateRefill),
		started: time.Now(),
	}
}

// Connect opens a connection and announces the agent with a heartbeat
func (s *Sender) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *Sender) connectLocked(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}
	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	s.conn = conn

	hb, err := protocol.NewHeartbeat(s.cfg.AgentID, "healthy", time.Since(s.started))
	if err != nil {
		s.dropLocked()
		return err
	}
	ack, err := s.exchangeLocked(hb)
	if err != nil {
		s.dropLocked()
		return fmt.Errorf("initial heartbeat failed: %w", err)
	}
	if !ack.Accepted() {
		s.dropLocked()
		return fmt.Errorf("%w: initial heartbeat: %s", ErrRejected, ack.Reason)
	}
	log.Info().Str("agent_id", s.cfg.AgentID).Msg("Connected to collector")
	return nil
}

// reconnectLocked dials until it succeeds or ctx ends, doubling the delay
// between attempts up to MaxReconnectDelay
func (s *Sender) reconnectLocked(ctx context.Context) error {
	delay := s.cfg.ReconnectDelay
	for {
		err := s.connectLocked(ctx)
		if err == nil {
			return nil
		}
		s.reconnects.Add(1)
		log.Warn().Err(err).Dur("retry_in", delay).Msg("Collector connection failed")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if delay *= 2; delay > s.cfg.MaxReconnectDelay {
			delay = s.cfg.MaxReconnectDelay
		}
	}
}

// SendEvent reports a honeytoken event, waiting for a rate limit token
// first. A rejection by the collector is returned as ErrRejected along
// with the ack.
func (s *Sender) SendEvent(ctx context.Context, tokenID, path string, kind protocol.EventKind, extra protocol.Payload) (Ack, error) {
	if err := s.bucket.Wait(ctx, 1); err != nil {
		return Ack{}, fmt.Errorf("rate limit wait: %w", err)
	}
	m, err := protocol.NewEvent(s.cfg.AgentID, tokenID, path, kind, extra)
	if err != nil {
		return Ack{}, err
	}
	return s.Send(ctx, m)
}

// SendHeartbeat reports the agent's own status ("healthy" or "warning").
// Heartbeats are not shaped locally but still count against the
// collector's limit.
func (s *Sender) SendHeartbeat(ctx context.Context, status string) (Ack, error) {
	m, err := protocol.NewHeartbeat(s.cfg.AgentID, status, time.Since(s.started))
	if err != nil {
		return Ack{}, err
	}
	return s.Send(ctx, m)
}

// Send delivers m and waits for its ack. After a connection failure the
// same message is retried once on a new connection. A replay rejection of
// the retry means the first copy arrived, so it counts as delivered.
func (s *Sender) Send(ctx context.Context, m protocol.Message) (Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := s.reconnectLocked(ctx); err != nil {
			s.failed.Add(1)
			return Ack{}, err
		}
		ack, err := s.exchangeLocked(m)
		if err != nil {
			lastErr = err
			s.dropLocked()
			log.Warn().Err(err).Int("attempt", attempt+1).Msg("Send failed")
			continue
		}
		if attempt > 0 && ack.Reason == replay.ReplayedNonce.String() {
			log.Info().Str("ref", ack.Ref).Msg("Retried message was already delivered")
			s.accepted.Add(1)
			return ack, nil
		}
		if !ack.Accepted() {
			s.rejected.Add(1)
			return ack, fmt.Errorf("%w: %s", ErrRejected, ack.Reason)
		}
		s.accepted.Add(1)
		return ack, nil
	}
	s.failed.Add(1)
	return Ack{}, lastErr
}

func (s *Sender) exchangeLocked(m protocol.Message) (Ack, error) {
	deadline := time.Now().Add(s.cfg.AckTimeout)
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return Ack{}, err
	}
	if err := s.cfg.Codec.WriteMessage(s.conn, m); err != nil {
		return Ack{}, fmt.Errorf("write: %w", err)
	}
	s.sent.Add(1)

	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return Ack{}, err
	}
	for {
		reply, err := s.cfg.Codec.ReadMessage(s.conn)
		if err != nil {
			return Ack{}, fmt.Errorf("read ack: %w", err)
		}
		if reply.Header.MsgType != protocol.MessageTypeAck || reply.Payload.String(protocol.KeyRef) != m.Header.Nonce {
			continue
		}
		return Ack{
			Ref:    m.Header.Nonce,
			Status: reply.Payload.String(protocol.KeyStatus),
			Reason: reply.Payload.String(protocol.KeyReason),
		}, nil
	}
}

func (s *Sender) dropLocked() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// RunHeartbeats sends a heartbeat every HeartbeatInterval until ctx ends
func (s *Sender) RunHeartbeats(ctx context.Context, status func() string) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			st := "healthy"
			if status != nil {
				st = status()
			}
			if _, err := s.SendHeartbeat(ctx, st); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("Heartbeat failed")
			}
		}
	}
}

// Stats returns the sender counters
func (s *Sender) Stats() Stats {
	return Stats{
		Sent:       s.sent.Load(),
		Accepted:   s.accepted.Load(),
		Rejected:   s.rejected.Load(),
		Failed:     s.failed.Load(),
		Reconnects: s.reconnects.Load(),
	}
}

// Close closes the current connection
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked()
	return nil
}
