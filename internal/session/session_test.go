package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pranaynidhi/ST5062CEM-CW2/internal/metrics"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/notify"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/protocol"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/ratelimit"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/replay"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/store"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/transport"
)

type harness struct {
	store   *store.Store
	cache   *replay.Cache
	limiter *ratelimit.Registry
	signals *notify.Channel
	metrics *metrics.Metrics
	admit   func(string) (func(), error)
	cfg     Config
	now     func() time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(context.Background(), store.Options{
		Path:   filepath.Join(t.TempDir(), "honeygrid.db"),
		Secret: []byte("session-test-secret"),
		KDF:    store.KDFParams{Time: 1, Memory: 8 * 1024, Threads: 1},
	})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	limiter := ratelimit.NewRegistry(ratelimit.DefaultCapacity, ratelimit.DefaultRefillPerSecond)
	// Frozen clock: no refill while a test runs.
	frozen := time.Now()
	limiter.Now = func() time.Time { return frozen }

	return &harness{
		store:   st,
		cache:   replay.NewCache(1000),
		limiter: limiter,
		signals: notify.NewChannel(64),
		metrics: metrics.New(),
	}
}

type running struct {
	sess   *Session
	client net.Conn
	done   chan error
	cancel context.CancelFunc
}

func (h *harness) start(t *testing.T, identity string) *running {
	t.Helper()
	conn, client := transport.NewPipe(identity)
	sess := New(conn, h.cfg, Deps{
		Validator: replay.NewValidator(h.cache, replay.DefaultTolerance),
		Limiter:   h.limiter,
		Store:     h.store,
		Publisher: h.signals,
		Metrics:   h.metrics,
		Admit:     h.admit,
		Now:       h.now,
	})
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{sess: sess, client: client, done: make(chan error, 1), cancel: cancel}
	go func() { r.done <- sess.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		client.Close()
		<-r.done
	})
	return r
}

func (r *running) send(t *testing.T, m protocol.Message) {
	t.Helper()
	if err := (protocol.Codec{}).WriteMessage(r.client, m); err != nil {
		t.Fatalf("Failed to write message: %v", err)
	}
}

func (r *running) reply(t *testing.T) protocol.Message {
	t.Helper()
	r.client.SetReadDeadline(time.Now().Add(5 * time.Second))
	m, err := protocol.Codec{}.ReadMessage(r.client)
	if err != nil {
		t.Fatalf("Failed to read ack: %v", err)
	}
	if m.Header.MsgType != protocol.MessageTypeAck {
		t.Fatalf("Expected ack, got %s", m.Header.MsgType)
	}
	return m
}

func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		r.done <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Session did not terminate")
		return nil
	}
}

func event(t *testing.T, sender string) protocol.Message {
	t.Helper()
	m, err := protocol.NewEvent(sender, "token-001", "/srv/finance/salaries.xlsx", protocol.EventModified, protocol.Payload{"pid": 4242})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	return m
}

func TestEventPersistedAndAcked(t *testing.T) {
	h := newHarness(t)
	r := h.start(t, "agent-001")

	m := event(t, "agent-001")
	r.send(t, m)
	ack := r.reply(t)
	if ack.Payload.String(protocol.KeyStatus) != protocol.AckAccepted {
		t.Fatalf("Expected accepted ack, got %v", ack.Payload)
	}
	if ack.Payload.String(protocol.KeyRef) != m.Header.Nonce {
		t.Errorf("Ack ref %q, want %q", ack.Payload.String(protocol.KeyRef), m.Header.Nonce)
	}

	events, err := h.store.QueryEvents(context.Background(), store.EventFilter{AgentID: "agent-001"})
	if err != nil {
		t.Fatalf("QueryEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].Path != "/srv/finance/salaries.xlsx" || events[0].Nonce != m.Header.Nonce {
		t.Errorf("Unexpected event row: %+v", events[0])
	}

	agent, err := h.store.GetAgent(context.Background(), "agent-001")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if agent.Status != store.StatusTriggered {
		t.Errorf("Expected TRIGGERED, got %s", agent.Status)
	}

	select {
	case sig := <-h.signals.Signals():
		if sig.EventID != events[0].EventID || sig.AgentID != "agent-001" {
			t.Errorf("Unexpected signal: %+v", sig)
		}
	default:
		t.Error("Expected an event signal")
	}

	info := r.sess.Info()
	if info.Accepted != 1 || info.SenderID != "agent-001" || info.State != "active" {
		t.Errorf("Unexpected info: %+v", info)
	}
}

func TestReplayedMessageRejected(t *testing.T) {
	h := newHarness(t)
	r := h.start(t, "agent-001")

	m := event(t, "agent-001")
	r.send(t, m)
	if ack := r.reply(t); ack.Payload.String(protocol.KeyStatus) != protocol.AckAccepted {
		t.Fatalf("First send not accepted: %v", ack.Payload)
	}

	r.send(t, m)
	ack := r.reply(t)
	if ack.Payload.String(protocol.KeyStatus) != protocol.AckRejected {
		t.Fatalf("Replay was not rejected: %v", ack.Payload)
	}
	if reason := ack.Payload.String(protocol.KeyReason); reason != "replayed_nonce" {
		t.Errorf("Expected replayed_nonce, got %q", reason)
	}

	events, err := h.store.QueryEvents(context.Background(), store.EventFilter{})
	if err != nil {
		t.Fatalf("QueryEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("Expected 1 event after replay, got %d", len(events))
	}
	if r.sess.State() != StateActive {
		t.Errorf("Replay should not end the session, state %s", r.sess.State())
	}
}

func TestReplayAcrossReconnect(t *testing.T) {
	h := newHarness(t)
	m := event(t, "agent-001")

	first := h.start(t, "agent-001")
	first.send(t, m)
	first.reply(t)
	first.client.Close()
	if err := first.wait(t); err != nil {
		t.Fatalf("Expected orderly close, got %v", err)
	}

	second := h.start(t, "agent-001")
	second.send(t, m)
	if reason := second.reply(t).Payload.String(protocol.KeyReason); reason != "replayed_nonce" {
		t.Errorf("Expected replayed_nonce after reconnect, got %q", reason)
	}
}

func TestStaleTimestampRejected(t *testing.T) {
	h := newHarness(t)
	r := h.start(t, "agent-001")

	m := event(t, "agent-001")
	m.Header.Timestamp = time.Now().Add(-2 * time.Minute).Unix()
	r.send(t, m)
	ack := r.reply(t)
	if reason := ack.Payload.String(protocol.KeyReason); reason != "stale_or_future_timestamp" {
		t.Errorf("Expected stale_or_future_timestamp, got %q", reason)
	}
	if h.cache.Seen("agent-001", m.Header.Nonce) {
		t.Error("Stale nonce should not be recorded")
	}
}

func TestRateLimitBurst(t *testing.T) {
	h := newHarness(t)
	r := h.start(t, "agent-001")

	accepted, limited := 0, 0
	for i := 0; i < 25; i++ {
		r.send(t, event(t, "agent-001"))
		ack := r.reply(t)
		switch ack.Payload.String(protocol.KeyStatus) {
		case protocol.AckAccepted:
			accepted++
		default:
			if reason := ack.Payload.String(protocol.KeyReason); reason != "rate_limited" {
				t.Fatalf("Unexpected rejection %q", reason)
			}
			limited++
		}
	}
	if accepted != 20 || limited != 5 {
		t.Errorf("Expected 20 accepted and 5 limited, got %d and %d", accepted, limited)
	}

	events, err := h.store.QueryEvents(context.Background(), store.EventFilter{AgentID: "agent-001"})
	if err != nil {
		t.Fatalf("QueryEvents failed: %v", err)
	}
	if len(events) != 20 {
		t.Errorf("Expected 20 stored events, got %d", len(events))
	}
}

func TestIdentityMismatchClosesSession(t *testing.T) {
	h := newHarness(t)
	r := h.start(t, "agent-001")

	r.send(t, event(t, "agent-002"))

	err := r.wait(t)
	if !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("Expected ErrIdentityMismatch, got %v", err)
	}
	if Cause(err) != "identity_mismatch" {
		t.Errorf("Unexpected cause %q", Cause(err))
	}
	if r.sess.State() != StateClosed {
		t.Errorf("Expected closed state, got %s", r.sess.State())
	}

	r.client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := r.client.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("Expected EOF on client side, got %v", err)
	}

	events, err := h.store.QueryEvents(context.Background(), store.EventFilter{})
	if err != nil {
		t.Fatalf("QueryEvents failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected no events, got %d", len(events))
	}
}

func TestHeartbeatUpdatesAgentOnly(t *testing.T) {
	h := newHarness(t)
	r := h.start(t, "agent-001")

	hb, err := protocol.NewHeartbeat("agent-001", "warning", time.Hour)
	if err != nil {
		t.Fatalf("NewHeartbeat failed: %v", err)
	}
	r.send(t, hb)
	if ack := r.reply(t); ack.Payload.String(protocol.KeyStatus) != protocol.AckAccepted {
		t.Fatalf("Heartbeat not accepted: %v", ack.Payload)
	}

	agent, err := h.store.GetAgent(context.Background(), "agent-001")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if agent.Status != store.StatusWarning {
		t.Errorf("Expected WARNING, got %s", agent.Status)
	}
	events, err := h.store.QueryEvents(context.Background(), store.EventFilter{})
	if err != nil {
		t.Fatalf("QueryEvents failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Heartbeat created %d event rows", len(events))
	}
}

func TestHeartbeatKeepsTriggered(t *testing.T) {
	h := newHarness(t)
	r := h.start(t, "agent-001")

	r.send(t, event(t, "agent-001"))
	r.reply(t)
	hb, err := protocol.NewHeartbeat("agent-001", "healthy", time.Minute)
	if err != nil {
		t.Fatalf("NewHeartbeat failed: %v", err)
	}
	r.send(t, hb)
	r.reply(t)

	agent, err := h.store.GetAgent(context.Background(), "agent-001")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if agent.Status != store.StatusTriggered {
		t.Errorf("Expected TRIGGERED to survive heartbeat, got %s", agent.Status)
	}
}

func TestAckMessageAdvancesLastSeen(t *testing.T) {
	h := newHarness(t)
	var clock atomic.Int64
	clock.Store(time.Now().Add(time.Hour).Unix())
	h.now = func() time.Time { return time.Unix(clock.Load(), 0) }
	r := h.start(t, "agent-001")

	hb, err := protocol.NewHeartbeat("agent-001", "warning", time.Minute)
	if err != nil {
		t.Fatalf("NewHeartbeat failed: %v", err)
	}
	r.send(t, hb)
	r.reply(t)
	before, err := h.store.GetAgent(context.Background(), "agent-001")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}

	clock.Add(int64(time.Hour / time.Second))
	ack, err := protocol.NewAck("agent-001", hb.Header.Nonce, protocol.AckAccepted, "")
	if err != nil {
		t.Fatalf("NewAck failed: %v", err)
	}
	r.send(t, ack)

	deadline := time.Now().Add(5 * time.Second)
	for {
		agent, err := h.store.GetAgent(context.Background(), "agent-001")
		if err != nil {
			t.Fatalf("GetAgent failed: %v", err)
		}
		if agent.LastSeen.After(before.LastSeen) {
			if agent.Status != store.StatusWarning {
				t.Errorf("Ack message changed status to %s", agent.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("last_seen did not advance: still %v", agent.LastSeen)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAcksDisabled(t *testing.T) {
	h := newHarness(t)
	h.cfg = Config{DisableAcks: true}
	r := h.start(t, "agent-001")

	r.send(t, event(t, "agent-001"))

	deadline := time.Now().Add(5 * time.Second)
	for {
		events, err := h.store.QueryEvents(context.Background(), store.EventFilter{})
		if err != nil {
			t.Fatalf("QueryEvents failed: %v", err)
		}
		if len(events) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Event not persisted: %d rows", len(events))
		}
		time.Sleep(10 * time.Millisecond)
	}

	r.client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if m, err := (protocol.Codec{}).ReadMessage(r.client); err == nil {
		t.Errorf("Expected no reply with acks disabled, got %s", m.Header.MsgType)
	}
}

func TestPartialConfigSendsAcks(t *testing.T) {
	h := newHarness(t)
	h.cfg = Config{MaxDecodeErrors: 3}
	r := h.start(t, "agent-001")

	r.send(t, event(t, "agent-001"))
	if ack := r.reply(t); ack.Payload.String(protocol.KeyStatus) != protocol.AckAccepted {
		t.Errorf("Expected accepted ack from a partial config, got %v", ack.Payload)
	}
}

func rawFrame(body string) []byte {
	frame := make([]byte, protocol.HeaderLength+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[protocol.HeaderLength:], body)
	return frame
}

func TestDecodeErrorBudget(t *testing.T) {
	h := newHarness(t)
	r := h.start(t, "agent-001")

	for i := 0; i <= DefaultMaxDecodeErrors; i++ {
		if _, err := r.client.Write(rawFrame(fmt.Sprintf("not json %d", i))); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
	}

	err := r.wait(t)
	if !errors.Is(err, ErrTooManyDecodeErrors) {
		t.Fatalf("Expected ErrTooManyDecodeErrors, got %v", err)
	}
	if got := r.sess.Info().DecodeErrors; got != DefaultMaxDecodeErrors+1 {
		t.Errorf("Expected %d decode errors, got %d", DefaultMaxDecodeErrors+1, got)
	}
}

func TestDecodeErrorsBelowBudgetKeepSession(t *testing.T) {
	h := newHarness(t)
	r := h.start(t, "agent-001")

	for i := 0; i < DefaultMaxDecodeErrors; i++ {
		if _, err := r.client.Write(rawFrame(`{"header":{}}`)); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
	}
	r.send(t, event(t, "agent-001"))
	if ack := r.reply(t); ack.Payload.String(protocol.KeyStatus) != protocol.AckAccepted {
		t.Errorf("Expected event accepted after decode errors, got %v", ack.Payload)
	}
}

func TestOversizeFrameIsFatal(t *testing.T) {
	h := newHarness(t)
	r := h.start(t, "agent-001")

	prefix := make([]byte, protocol.HeaderLength)
	binary.BigEndian.PutUint32(prefix, 2<<20)
	if _, err := r.client.Write(prefix); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	err := r.wait(t)
	if !errors.Is(err, protocol.ErrMalformedFrame) {
		t.Fatalf("Expected MalformedFrame, got %v", err)
	}
	if Cause(err) != "malformed_frame" {
		t.Errorf("Unexpected cause %q", Cause(err))
	}
}

func TestCancelEndsSession(t *testing.T) {
	h := newHarness(t)
	r := h.start(t, "agent-001")

	r.send(t, event(t, "agent-001"))
	r.reply(t)
	r.cancel()

	if err := r.wait(t); err != nil {
		t.Fatalf("Expected nil error on cancel, got %v", err)
	}
	info := r.sess.Info()
	if info.State != "closed" || info.Cause != "closed" {
		t.Errorf("Unexpected info after cancel: %+v", info)
	}
}

func TestHandshakeFailure(t *testing.T) {
	h := newHarness(t)
	conn, client := transport.NewPipe("agent-001")
	defer client.Close()
	conn.HandshakeErr = errors.New("bad certificate")

	sess := New(conn, Config{}, Deps{
		Validator: replay.NewValidator(h.cache, 0),
		Limiter:   h.limiter,
		Store:     h.store,
	})
	err := sess.Run(context.Background())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Expected ErrTransport, got %v", err)
	}
	if _, err := h.store.GetAgent(context.Background(), "agent-001"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Agent should not be registered, got %v", err)
	}
}

func TestAdmitRefusal(t *testing.T) {
	h := newHarness(t)
	h.admit = func(identity string) (func(), error) {
		return nil, fmt.Errorf("identity %s at session limit", identity)
	}
	r := h.start(t, "agent-001")

	err := r.wait(t)
	if !errors.Is(err, ErrRefused) {
		t.Fatalf("Expected ErrRefused, got %v", err)
	}
	if _, err := h.store.GetAgent(context.Background(), "agent-001"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Refused agent should not be registered, got %v", err)
	}
}

func TestAdmitReleaseCalled(t *testing.T) {
	h := newHarness(t)
	released := make(chan struct{})
	h.admit = func(string) (func(), error) {
		return func() { close(released) }, nil
	}
	r := h.start(t, "agent-001")
	r.send(t, event(t, "agent-001"))
	r.reply(t)
	r.client.Close()
	r.wait(t)

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Error("Release was not called")
	}
}

func TestCause(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "closed"},
		{fmt.Errorf("x: %w", ErrIdentityMismatch), "identity_mismatch"},
		{ErrTooManyDecodeErrors, "too_many_decode_errors"},
		{ErrReadTimeout, "read_timeout"},
		{fmt.Errorf("%w: eof", ErrTransport), "transport_error"},
		{fmt.Errorf("persist: %w", store.ErrEncryptionFailure), "encryption_failure"},
		{fmt.Errorf("persist: %w", store.ErrTransactionFailure), "store_failure"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		if got := Cause(tt.err); got != tt.want {
			t.Errorf("Cause(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
