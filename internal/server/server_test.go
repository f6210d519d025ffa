package server

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/pranaynidhi/ST5062CEM-CW2/internal/metrics"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/protocol"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/replay"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/session"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/store"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/transport"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), store.Options{
		Path:   filepath.Join(t.TempDir(), "honeygrid.db"),
		Secret: []byte("server-test-secret"),
		KDF:    store.KDFParams{Time: 1, Memory: 8 * 1024, Threads: 1},
	})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

type ended struct {
	info session.Info
	err  error
}

// serve runs srv on an in-memory listener until the test ends
func serve(t *testing.T, srv *Server) (*transport.MemListener, chan ended) {
	t.Helper()
	l := transport.NewMemListener()
	endings := make(chan ended, 16)
	srv.Observer = func(info session.Info, err error) {
		endings <- ended{info, err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, l) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after cancel")
		}
	})
	return l, endings
}

func dial(t *testing.T, l *transport.MemListener, identity string) net.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := l.Dial(ctx, identity)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func exchange(t *testing.T, c net.Conn, m protocol.Message) protocol.Message {
	t.Helper()
	codec := protocol.Codec{}
	c.SetDeadline(time.Now().Add(5 * time.Second))
	if err := codec.WriteMessage(c, m); err != nil {
		t.Fatalf("Failed to write message: %v", err)
	}
	reply, err := codec.ReadMessage(c)
	if err != nil {
		t.Fatalf("Failed to read reply: %v", err)
	}
	return reply
}

func heartbeat(t *testing.T, sender string) protocol.Message {
	t.Helper()
	m, err := protocol.NewHeartbeat(sender, "healthy", time.Minute)
	if err != nil {
		t.Fatalf("NewHeartbeat failed: %v", err)
	}
	return m
}

func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("Expected connection to be closed, got %v", err)
	}
}

func TestServeStoresEvents(t *testing.T) {
	st := openStore(t)
	m := metrics.New()
	srv := New(Config{}, st, nil, m)
	l, _ := serve(t, srv)

	c := dial(t, l, "agent-001")
	ev, err := protocol.NewEvent("agent-001", "token-001", "/home/admin/id_rsa", protocol.EventAccessed, nil)
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	reply := exchange(t, c, ev)
	if reply.Payload.String(protocol.KeyStatus) != protocol.AckAccepted {
		t.Fatalf("Event not accepted: %v", reply.Payload)
	}

	events, err := st.QueryEvents(context.Background(), store.EventFilter{AgentID: "agent-001"})
	if err != nil {
		t.Fatalf("QueryEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}

	sessions := srv.Sessions()
	if len(sessions) != 1 || sessions[0].SenderID != "agent-001" || sessions[0].Accepted != 1 {
		t.Errorf("Unexpected sessions snapshot: %+v", sessions)
	}
}

func TestPartialSessionConfigAcks(t *testing.T) {
	srv := New(Config{Session: session.Config{MaxDecodeErrors: 3}}, openStore(t), nil, nil)
	l, _ := serve(t, srv)

	c := dial(t, l, "agent-001")
	reply := exchange(t, c, heartbeat(t, "agent-001"))
	if reply.Payload.String(protocol.KeyStatus) != protocol.AckAccepted {
		t.Errorf("Expected accepted ack, got %v", reply.Payload)
	}
}

func TestPerIdentityLimit(t *testing.T) {
	st := openStore(t)
	srv := New(Config{MaxPerIdentity: 1}, st, nil, nil)
	l, endings := serve(t, srv)

	first := dial(t, l, "agent-001")
	exchange(t, first, heartbeat(t, "agent-001"))

	second := dial(t, l, "agent-001")
	expectClosed(t, second)

	select {
	case e := <-endings:
		if !errors.Is(e.err, session.ErrRefused) || !errors.Is(e.err, ErrIdentityLimit) {
			t.Errorf("Expected identity limit refusal, got %v", e.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Refused session was not reported")
	}

	// Another identity is unaffected.
	other := dial(t, l, "agent-002")
	if reply := exchange(t, other, heartbeat(t, "agent-002")); reply.Payload.String(protocol.KeyStatus) != protocol.AckAccepted {
		t.Errorf("Second identity refused: %v", reply.Payload)
	}
}

func TestIdentitySlotReleased(t *testing.T) {
	st := openStore(t)
	srv := New(Config{MaxPerIdentity: 1}, st, nil, nil)
	l, endings := serve(t, srv)

	first := dial(t, l, "agent-001")
	exchange(t, first, heartbeat(t, "agent-001"))
	first.Close()
	select {
	case <-endings:
	case <-time.After(5 * time.Second):
		t.Fatal("Session end was not reported")
	}

	again := dial(t, l, "agent-001")
	if reply := exchange(t, again, heartbeat(t, "agent-001")); reply.Payload.String(protocol.KeyStatus) != protocol.AckAccepted {
		t.Errorf("Reconnect refused: %v", reply.Payload)
	}
}

func TestMaxSessions(t *testing.T) {
	st := openStore(t)
	srv := New(Config{MaxSessions: 1}, st, nil, nil)
	l, _ := serve(t, srv)

	first := dial(t, l, "agent-001")
	exchange(t, first, heartbeat(t, "agent-001"))

	second := dial(t, l, "agent-002")
	expectClosed(t, second)

	if srv.Len() != 1 {
		t.Errorf("Expected 1 live session, got %d", srv.Len())
	}
}

func TestShutdownDrainsSessions(t *testing.T) {
	st := openStore(t)
	srv := New(Config{}, st, nil, nil)
	l := transport.NewMemListener()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, l) }()

	c := dial(t, l, "agent-001")
	exchange(t, c, heartbeat(t, "agent-001"))

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	if srv.Len() != 0 {
		t.Errorf("Expected no live sessions after shutdown, got %d", srv.Len())
	}
	expectClosed(t, c)
}

func TestWarmRejectsStoredNonce(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	m, err := protocol.NewEvent("agent-001", "token-001", "/etc/shadow.bak", protocol.EventModified, nil)
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	ev, err := store.EventFromMessage(m, time.Now())
	if err != nil {
		t.Fatalf("EventFromMessage failed: %v", err)
	}
	if _, err := st.InsertEvent(ctx, ev); err != nil {
		t.Fatalf("InsertEvent failed: %v", err)
	}

	// A fresh collector has an empty cache until it is warmed.
	srv := New(Config{}, st, nil, nil)
	if err := srv.Warm(ctx); err != nil {
		t.Fatalf("Warm failed: %v", err)
	}
	if err := srv.Validator().Validate(m.Header); !errors.Is(err, replay.ErrReplayedNonce) {
		t.Errorf("Expected ReplayedNonce after warm, got %v", err)
	}
}

func TestSweepMarksSilentAgentsOffline(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	past := time.Now().Add(-10 * time.Minute)
	st.Now = func() time.Time { return past }
	if _, err := st.RegisterAgent(ctx, "agent-silent", "10.0.0.9:4000"); err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}
	st.Now = time.Now
	if _, err := st.RegisterAgent(ctx, "agent-live", "10.0.0.10:4000"); err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}

	m := metrics.New()
	srv := New(Config{}, st, nil, m)
	ids, err := srv.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "agent-silent" {
		t.Fatalf("Expected [agent-silent], got %v", ids)
	}
	a, err := st.GetAgent(ctx, "agent-silent")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if a.Status != store.StatusOffline {
		t.Errorf("Expected OFFLINE, got %s", a.Status)
	}
}

func TestScheduleRejectsBadSpec(t *testing.T) {
	srv := New(Config{}, openStore(t), nil, nil)
	if err := srv.Schedule("every now and then", "bogus", func(context.Context) error { return nil }); err == nil {
		t.Error("Expected error for invalid schedule")
	}
}

func TestRunExecutesScheduledJobs(t *testing.T) {
	srv := New(Config{}, openStore(t), nil, nil)
	ran := make(chan struct{}, 1)
	if err := srv.Schedule("@every 1s", "probe", func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, transport.NewMemListener()) }()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Error("Scheduled job did not run")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
