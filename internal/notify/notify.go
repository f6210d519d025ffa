// Package notify announces persisted events to downstream consumers.
//
// Signals carry identifiers and timestamps only. The honeytoken path stays
// encrypted in the store; consumers that need it read it through the API.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/pranaynidhi/ST5062CEM-CW2/internal/store"
)

// Signal is published once per persisted event
type Signal struct {
	EventID    int64     `json:"event_id"`
	AgentID    string    `json:"agent_id"`
	TokenID    string    `json:"token_id"`
	EventKind  string    `json:"event_kind"`
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`
}

// SignalFromEvent builds the signal for a stored event
func SignalFromEvent(ev store.Event) Signal {
	return Signal{
		EventID:    ev.EventID,
		AgentID:    ev.AgentID,
		TokenID:    ev.TokenID,
		EventKind:  string(ev.Kind),
		Timestamp:  ev.Timestamp,
		ReceivedAt: ev.ReceivedAt,
	}
}

// Marshal encodes the signal as JSON
func (s Signal) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// Publisher delivers signals. Publish must not block on slow consumers
// for longer than ctx allows.
type Publisher interface {
	Publish(ctx context.Context, sig Signal) error
	Close() error
}

// Nop discards every signal
type Nop struct{}

func (Nop) Publish(context.Context, Signal) error { return nil }
func (Nop) Close() error { return nil }

// ErrQueueFull is returned by Channel.Publish when the buffer is full
var ErrQueueFull = errors.New("signal queue full")

// Channel is a bounded in-process queue of signals. Publishing never
// blocks; signals that do not fit are dropped and counted.
type Channel struct {
	ch      chan Signal
	dropped atomic.Int64
	closed  atomic.Bool
}

// NewChannel creates a queue holding up to size signals
func NewChannel(size int) *Channel {
	if size <= 0 {
		size = 256
	}
	return &Channel{ch: make(chan Signal, size)}
}

func (c *Channel) Publish(_ context.Context, sig Signal) error {
	if c.closed.Load() {
		return errors.New("signal queue closed")
	}
	select {
	case c.ch <- sig:
		return nil
	default:
		c.dropped.Add(1)
		return ErrQueueFull
	}
}

// Signals returns the receive side of the queue
func (c *Channel) Signals() <-chan Signal {
	return c.ch
}

// Dropped returns how many signals were discarded because the queue was full
func (c *Channel) Dropped() int64 {
	return c.dropped.Load()
}

// Close marks the queue closed. The channel itself is left open so a
// Publish racing with Close cannot panic.
func (c *Channel) Close() error {
	c.closed.Store(true)
	return nil
}

// Multi publishes to every publisher and joins their errors
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, sig Signal) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, sig); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
