package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pranaynidhi/ST5062CEM-CW2/internal/protocol"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/store"
)

type fakeConn struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	closed   bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeConn) Close() {
	f.closed = true
}

func testSignal() Signal {
	return SignalFromEvent(store.Event{
		EventID:    7,
		AgentID:    "agent-001",
		TokenID:    "token-001",
		Kind:       protocol.EventAccessed,
		Path:       "C:/secret/passwords.txt",
		Nonce:      "abc",
		Timestamp:  time.Unix(1_700_000_000, 0),
		ReceivedAt: time.Unix(1_700_000_001, 0),
	})
}

func TestNATSPublisher(t *testing.T) {
	conn := &fakeConn{}
	p := newNATSPublisher(conn, "")

	if err := p.Publish(context.Background(), testSignal()); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(conn.subjects) != 1 || conn.subjects[0] != "honeygrid.events.agent-001" {
		t.Fatalf("Unexpected subjects: %v", conn.subjects)
	}

	var got map[string]any
	if err := json.Unmarshal(conn.payloads[0], &got); err != nil {
		t.Fatalf("Signal is not JSON: %v", err)
	}
	for _, key := range []string{"event_id", "agent_id", "token_id", "event_kind", "timestamp", "received_at"} {
		if _, ok := got[key]; !ok {
			t.Errorf("Signal missing %s", key)
		}
	}
	if strings.Contains(string(conn.payloads[0]), "passwords") {
		t.Error("Signal must not carry the token path")
	}

	p.Close()
	if !conn.closed {
		t.Error("Close did not close the connection")
	}
}

func TestSubjectSanitised(t *testing.T) {
	p := newNATSPublisher(&fakeConn{}, "alerts.")
	if got := p.Subject("host.example.com"); got != "alerts.host_example_com" {
		t.Errorf("Unexpected subject %q", got)
	}
	if got := p.Subject("a*b>c"); got != "alerts.a_b_c" {
		t.Errorf("Unexpected subject %q", got)
	}
}

func TestChannelDropsWhenFull(t *testing.T) {
	c := NewChannel(2)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := c.Publish(ctx, testSignal()); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}
	if err := c.Publish(ctx, testSignal()); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
	if c.Dropped() != 1 {
		t.Errorf("Expected 1 dropped, got %d", c.Dropped())
	}
	sig := <-c.Signals()
	if sig.EventID != 7 {
		t.Errorf("Unexpected signal %+v", sig)
	}

	c.Close()
	if err := c.Publish(ctx, testSignal()); err == nil {
		t.Error("Expected publish after close to fail")
	}
}

func TestMulti(t *testing.T) {
	a, b := NewChannel(1), NewChannel(1)
	m := Multi{a, b, Nop{}}
	if err := m.Publish(context.Background(), testSignal()); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := m.Publish(context.Background(), testSignal()); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected joined ErrQueueFull, got %v", err)
	}
	if len(a.Signals()) != 1 || len(b.Signals()) != 1 {
		t.Error("Signal not delivered to every publisher")
	}
}
