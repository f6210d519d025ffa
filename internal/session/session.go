// Package session runs the per-connection ingestion pipeline: read a frame,
// decode it, check the sender against the transport identity, validate
// freshness and nonce uniqueness, apply the sender's rate limit, then
// persist, publish and acknowledge.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pranaynidhi/ST5062CEM-CW2/internal/metrics"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/notify"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/protocol"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/ratelimit"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/replay"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/store"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/transport"
)

var (
	// ErrIdentityMismatch: header sender_id differs from the verified peer identity
	ErrIdentityMismatch = errors.New("sender_id does not match peer identity")
	// ErrRateLimited: the sender's token bucket is empty
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrTooManyDecodeErrors: the peer exceeded the malformed message budget
	ErrTooManyDecodeErrors = errors.New("too many undecodable messages")
	// ErrReadTimeout: nothing arrived within the read timeout
	ErrReadTimeout = errors.New("read timeout")
	// ErrTransport wraps stream failures
	ErrTransport = errors.New("transport error")
	// ErrRefused: the admission hook declined the session
	ErrRefused = errors.New("session refused")
)

// State is the lifecycle position of a session
type State int32

const (
	StateHandshaking State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Store is the subset of the event store a session writes to
type Store interface {
	RegisterAgent(ctx context.Context, agentID, remoteAddr string) (*store.Agent, error)
	TouchAgent(ctx context.Context, agentID string, status store.AgentStatus, at time.Time) error
	SeenAgent(ctx context.Context, agentID string, at time.Time) error
	InsertEvent(ctx context.Context, ev store.Event) (int64, error)
}

// Config holds per-session protocol settings
type Config struct {
	Codec            protocol.Codec
	MaxDecodeErrors  int
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	// DisableAcks stops ACK/NACK replies. Agents that wait for acks, such
	// as internal/agent, cannot talk to a session with acks disabled.
	DisableAcks bool
	// ServerID is the sender_id put on acknowledgements
	ServerID string
}

const (
	DefaultMaxDecodeErrors = 5
	DefaultReadTimeout     = 90 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultServerID        = "collector"
)

// DefaultConfig returns the collector defaults
func DefaultConfig() Config {
	return Config{
		MaxDecodeErrors:  DefaultMaxDecodeErrors,
		ReadTimeout:      DefaultReadTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		HandshakeTimeout: transport.DefaultHandshakeTimeout,
		ServerID:         DefaultServerID,
	}
}

// Deps are the collaborators shared by every session of a collector
type Deps struct {
	Validator *replay.Validator
	Limiter   *ratelimit.Registry
	Store     Store
	Publisher notify.Publisher
	Metrics   *metrics.Metrics

	// Admit is called with the verified identity before the session becomes
	// active. A non-nil error refuses the session; release is called when
	// an admitted session ends.
	Admit func(identity string) (release func(), err error)

	// Now is the collector clock; defaults to time.Now
	Now func() time.Time
}

// Info is a point-in-time view of a session
type Info struct {
	ID           string    `json:"id"`
	SenderID     string    `json:"sender_id,omitempty"`
	State        string    `json:"state"`
	RemoteAddr   string    `json:"remote_addr"`
	StartedAt    time.Time `json:"started_at"`
	Received     int64     `json:"received"`
	Accepted     int64     `json:"accepted"`
	Rejected     int64     `json:"rejected"`
	DecodeErrors int64     `json:"decode_errors"`
	Cause        string    `json:"cause,omitempty"`
}

// Session serves one agent connection
type Session struct {
	id      string
	conn    transport.Conn
	cfg     Config
	deps    Deps
	started time.Time
	log     zerolog.Logger

	state    atomic.Int32
	identity atomic.Value

	received     atomic.Int64
	accepted     atomic.Int64
	rejected     atomic.Int64
	decodeErrors atomic.Int64

	// handling is held while a decoded message is processed, never across
	// a read. Shutdown takes it before closing the connection so the
	// in-flight store write and its ack complete.
	handling sync.Mutex

	causeMu sync.Mutex
	cause   string
}

// New creates a session for conn. Zero Config fields take the defaults.
func New(conn transport.Conn, cfg Config, deps Deps) *Session {
	def := DefaultConfig()
	if cfg.MaxDecodeErrors <= 0 {
		cfg.MaxDecodeErrors = def.MaxDecodeErrors
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.ServerID == "" {
		cfg.ServerID = def.ServerID
	}
	if deps.Publisher == nil {
		deps.Publisher = notify.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := &Session{
		id:   uuid.NewString(),
		conn: conn,
		cfg:  cfg,
		deps: deps,
	}
	s.started = deps.Now()
	s.identity.Store("")
	s.log = log.With().
		Str("session_id", s.id).
		Str("remote_addr", conn.RemoteAddr()).
		Logger()
	return s
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

// Identity returns the verified peer identity, or "" before the handshake
func (s *Session) Identity() string {
	return s.identity.Load().(string)
}

// Info returns a snapshot of the session counters
func (s *Session) Info() Info {
	s.causeMu.Lock()
	cause := s.cause
	s.causeMu.Unlock()
	return Info{
		ID:           s.id,
		SenderID:     s.Identity(),
		State:        s.State().String(),
		RemoteAddr:   s.conn.RemoteAddr(),
		StartedAt:    s.started,
		Received:     s.received.Load(),
		Accepted:     s.accepted.Load(),
		Rejected:     s.rejected.Load(),
		DecodeErrors: s.decodeErrors.Load(),
		Cause:        cause,
	}
}

// Run serves the connection until the peer disconnects, a session-fatal
// error occurs or ctx is cancelled. It returns nil for an orderly end and
// the fatal error otherwise; the connection is closed in every case.
func (s *Session) Run(ctx context.Context) (err error) {
	s.deps.Metrics.SessionOpened()
	defer func() { s.finish(err) }()

	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	err = s.conn.Handshake(hctx)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: handshake: %w", ErrTransport, err)
	}
	identity := s.conn.PeerIdentity()
	if identity == "" {
		return fmt.Errorf("%w: %w", ErrTransport, transport.ErrNoPeerIdentity)
	}
	s.identity.Store(identity)
	s.log = s.log.With().Str("sender_id", identity).Logger()

	if s.deps.Admit != nil {
		release, err := s.deps.Admit(identity)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrRefused, err)
		}
		if release != nil {
			defer release()
		}
	}

	if _, err := s.deps.Store.RegisterAgent(context.WithoutCancel(ctx), identity, s.conn.RemoteAddr()); err != nil {
		return fmt.Errorf("failed to register agent: %w", err)
	}

	s.state.Store(int32(StateActive))
	s.log.Info().Msg("Session active")

	stop := context.AfterFunc(ctx, func() {
		s.handling.Lock()
		defer s.handling.Unlock()
		s.conn.Close()
	})
	defer stop()

	return s.serve(ctx)
}

func (s *Session) serve(ctx context.Context) error {
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil && ctx.Err() == nil {
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}

		body, err := s.cfg.Codec.ReadFrame(s.conn)
		if err != nil {
			return s.readError(ctx, err)
		}
		s.received.Add(1)
		s.deps.Metrics.FrameReceived()

		msg, err := protocol.Unmarshal(body)
		if err != nil {
			if err := s.decodeFailure(err); err != nil {
				return err
			}
			continue
		}

		s.handling.Lock()
		err = s.handle(ctx, msg)
		s.handling.Unlock()
		if err != nil {
			return err
		}
	}
}

func (s *Session) readError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	var de *protocol.DecodeError
	if errors.As(err, &de) {
		// A bad length prefix leaves the stream position unknown.
		s.reject(de.Kind.String(), err)
		return err
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrReadTimeout
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

func (s *Session) decodeFailure(err error) error {
	reason := "invalid_encoding"
	var de *protocol.DecodeError
	if errors.As(err, &de) {
		reason = de.Kind.String()
	}
	s.reject(reason, err)
	if n := s.decodeErrors.Add(1); n > int64(s.cfg.MaxDecodeErrors) {
		return fmt.Errorf("%w: %d", ErrTooManyDecodeErrors, n)
	}
	return nil
}

// handle applies identity, replay and rate checks to msg and dispatches
// it. Only session-fatal errors are returned.
func (s *Session) handle(ctx context.Context, msg protocol.Message) error {
	h := msg.Header
	identity := s.Identity()

	if h.SenderID != identity {
		s.log.Warn().
			Str("reason", "identity_mismatch").
			Str("claimed_sender", h.SenderID).
			Msg("SECURITY: sender_id does not match certificate identity")
		s.rejected.Add(1)
		s.deps.Metrics.Rejected("identity_mismatch")
		return fmt.Errorf("%w: claimed %q", ErrIdentityMismatch, h.SenderID)
	}

	if err := s.deps.Validator.Validate(h); err != nil {
		reason := "invalid_header"
		var rej *replay.Rejection
		if errors.As(err, &rej) {
			reason = rej.Reason.String()
		}
		s.reject(reason, err)
		return s.nack(h.Nonce, reason)
	}

	if !s.deps.Limiter.For(identity).TryAcquire(1) {
		s.reject("rate_limited", ErrRateLimited)
		return s.nack(h.Nonce, "rate_limited")
	}

	switch h.MsgType {
	case protocol.MessageTypeEvent:
		return s.handleEvent(ctx, msg)
	case protocol.MessageTypeHeartbeat:
		return s.handleHeartbeat(ctx, msg)
	default:
		// Agents may acknowledge collector messages; only liveness changes.
		if err := s.deps.Store.SeenAgent(context.WithoutCancel(ctx), identity, s.deps.Now()); err != nil {
			s.log.Error().Err(err).Msg("Failed to record agent activity")
			if store.Fatal(err) {
				return fmt.Errorf("failed to record agent activity: %w", err)
			}
		}
		s.accept(msg)
		return nil
	}
}

func (s *Session) handleEvent(ctx context.Context, msg protocol.Message) error {
	ev, err := store.EventFromMessage(msg, s.deps.Now())
	if err != nil {
		s.reject("invalid_encoding", err)
		return s.nack(msg.Header.Nonce, "invalid_encoding")
	}

	// The write finishes even if the session is being cancelled.
	wctx := context.WithoutCancel(ctx)
	start := time.Now()
	id, err := s.deps.Store.InsertEvent(wctx, ev)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateNonce) {
			s.reject("duplicate_nonce", err)
			return s.nack(msg.Header.Nonce, "duplicate_nonce")
		}
		s.log.Error().Err(err).Str("token_id", ev.TokenID).Msg("Failed to persist event")
		return fmt.Errorf("failed to persist event: %w", err)
	}
	ev.EventID = id
	s.deps.Metrics.EventStored(time.Since(start))

	s.log.Warn().
		Int64("event_id", id).
		Str("token_id", ev.TokenID).
		Str("event_kind", string(ev.Kind)).
		Msg("Honeytoken event recorded")

	pctx, cancel := context.WithTimeout(wctx, s.cfg.WriteTimeout)
	if err := s.deps.Publisher.Publish(pctx, notify.SignalFromEvent(ev)); err != nil {
		s.deps.Metrics.PublishFailed()
		s.log.Error().Err(err).Int64("event_id", id).Msg("Failed to publish event signal")
	}
	cancel()

	s.accept(msg)
	return s.ack(msg.Header.Nonce)
}

func (s *Session) handleHeartbeat(ctx context.Context, msg protocol.Message) error {
	status := store.StatusHealthy
	if strings.EqualFold(msg.Payload.String(protocol.KeyStatus), "warning") {
		status = store.StatusWarning
	}
	if err := s.deps.Store.TouchAgent(context.WithoutCancel(ctx), s.Identity(), status, s.deps.Now()); err != nil {
		s.log.Error().Err(err).Msg("Failed to record heartbeat")
		if store.Fatal(err) {
			return fmt.Errorf("failed to record heartbeat: %w", err)
		}
	}
	s.accept(msg)
	return s.ack(msg.Header.Nonce)
}

func (s *Session) accept(msg protocol.Message) {
	s.accepted.Add(1)
	s.deps.Metrics.MessageAccepted(string(msg.Header.MsgType))
	s.log.Debug().
		Str("msg_type", string(msg.Header.MsgType)).
		Str("nonce", msg.Header.Nonce).
		Msg("Message accepted")
}

func (s *Session) reject(reason string, err error) {
	s.rejected.Add(1)
	s.deps.Metrics.Rejected(reason)
	s.log.Warn().Err(err).Str("reason", reason).Msg("Message rejected")
}

func (s *Session) ack(ref string) error {
	return s.reply(ref, protocol.AckAccepted, "")
}

func (s *Session) nack(ref, reason string) error {
	return s.reply(ref, protocol.AckRejected, reason)
}

func (s *Session) reply(ref, status, reason string) error {
	if s.cfg.DisableAcks {
		return nil
	}
	m, err := protocol.NewAck(s.cfg.ServerID, ref, status, reason)
	if err != nil {
		return fmt.Errorf("failed to build ack: %w", err)
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if err := s.cfg.Codec.WriteMessage(s.conn, m); err != nil {
		return fmt.Errorf("%w: write ack: %w", ErrTransport, err)
	}
	return nil
}

func (s *Session) finish(err error) {
	s.state.Store(int32(StateClosing))
	s.conn.Close()

	cause := Cause(err)
	s.causeMu.Lock()
	s.cause = cause
	s.causeMu.Unlock()
	s.state.Store(int32(StateClosed))
	s.deps.Metrics.SessionClosed(cause)

	ev := s.log.Info()
	if err != nil {
		ev = s.log.Warn().Err(err)
	}
	ev.Str("cause", cause).
		Int64("received", s.received.Load()).
		Int64("accepted", s.accepted.Load()).
		Int64("rejected", s.rejected.Load()).
		Msg("Session closed")
}

// Cause names the termination reason carried by a Run error
func Cause(err error) string {
	var de *protocol.DecodeError
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, ErrIdentityMismatch):
		return "identity_mismatch"
	case errors.Is(err, ErrTooManyDecodeErrors):
		return "too_many_decode_errors"
	case errors.As(err, &de):
		return de.Kind.String()
	case errors.Is(err, ErrReadTimeout):
		return "read_timeout"
	case errors.Is(err, ErrRefused):
		return "refused"
	case errors.Is(err, store.ErrEncryptionFailure):
		return "encryption_failure"
	case errors.Is(err, store.ErrTransactionFailure):
		return "store_failure"
	case errors.Is(err, ErrTransport):
		return "transport_error"
	default:
		return "error"
	}
}
