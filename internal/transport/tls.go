package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"
)

type tlsListener struct {
	ln      net.Listener
	tlsConf *tls.Config
}

// ListenTLS listens for TLS over TCP on addr. tlsConf must require
// verified client certificates.
func ListenTLS(addr string, tlsConf *tls.Config) (Listener, error) {
	if tlsConf == nil || tlsConf.ClientAuth != tls.RequireAndVerifyClientCert {
		return nil, errors.New("TLS listener requires verified client certificates")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &tlsListener{ln: ln, tlsConf: tlsConf}, nil
}

// Accept waits for the next TCP connection. The TLS handshake runs in
// Conn.Handshake so a slow client cannot stall the accept loop.
func (l *tlsListener) Accept(ctx context.Context) (Conn, error) {
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.ln.Accept()
		ch <- result{c, err}
	}()

	select {
	case <-ctx.Done():
		// Unblocks the pending Accept; the listener is not reusable after ctx ends
		l.ln.Close()
		r := <-ch
		if r.c != nil {
			r.c.Close()
		}
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, net.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, r.err
		}
		return &tlsConn{Conn: tls.Server(r.c, l.tlsConf)}, nil
	}
}

func (l *tlsListener) Addr() string {
	return l.ln.Addr().String()
}

func (l *tlsListener) Close() error {
	return l.ln.Close()
}

type tlsConn struct {
	*tls.Conn
	identity string
}

func (c *tlsConn) Handshake(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHandshakeTimeout)
		defer cancel()
	}
	if err := c.Conn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}
	state := c.Conn.ConnectionState()
	if state.NegotiatedProtocol != ALPN {
		return fmt.Errorf("peer did not negotiate %s", ALPN)
	}
	id, err := identityFrom(state)
	if err != nil {
		return err
	}
	c.identity = id
	return nil
}

func (c *tlsConn) PeerIdentity() string {
	return c.identity
}

func (c *tlsConn) RemoteAddr() string {
	return c.Conn.RemoteAddr().String()
}

func (c *tlsConn) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

func (c *tlsConn) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// DialTLS connects to addr and completes the handshake. PeerIdentity of
// the returned Conn is the collector certificate's CommonName.
func DialTLS(ctx context.Context, addr string, tlsConf *tls.Config) (Conn, error) {
	d := tls.Dialer{Config: tlsConf}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	tc := nc.(*tls.Conn)
	id, _ := identityFrom(tc.ConnectionState())
	return &tlsConn{Conn: tc, identity: id}, nil
}
