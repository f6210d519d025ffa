package transport

import (
	"context"
	"net"
	"sync"
	"time"
)

// PipeConn is an in-memory Conn whose peer identity is fixed at creation.
// It backs the in-process listener and is used to drive sessions in tests.
type PipeConn struct {
	net.Conn
	identity string
	// HandshakeErr, if set, is returned by Handshake
	HandshakeErr error
}

// NewPipe returns a collector-side Conn for identity and the agent-side end
// of the same in-memory stream
func NewPipe(identity string) (*PipeConn, net.Conn) {
	server, client := net.Pipe()
	return &PipeConn{Conn: server, identity: identity}, client
}

func (c *PipeConn) Handshake(ctx context.Context) error {
	return c.HandshakeErr
}

func (c *PipeConn) PeerIdentity() string {
	return c.identity
}

func (c *PipeConn) RemoteAddr() string {
	return "pipe:" + c.identity
}

func (c *PipeConn) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

func (c *PipeConn) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// MemListener is an in-process Listener. Dial hands a new pipe to the next
// Accept.
type MemListener struct {
	conns     chan Conn
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemListener creates an in-process listener
func NewMemListener() *MemListener {
	return &MemListener{
		conns: make(chan Conn),
		done:  make(chan struct{}),
	}
}

// Dial connects as identity and returns the agent end of the stream
func (l *MemListener) Dial(ctx context.Context, identity string) (net.Conn, error) {
	server, client := NewPipe(identity)
	select {
	case l.conns <- server:
		return client, nil
	case <-l.done:
		server.Close()
		client.Close()
		return nil, ErrClosed
	case <-ctx.Done():
		server.Close()
		client.Close()
		return nil, ctx.Err()
	}
}

func (l *MemListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemListener) Addr() string {
	return "mem"
}

func (l *MemListener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}
