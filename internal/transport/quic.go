package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	quic "github.com/quic-go/quic-go"
)

var quicConfig = &quic.Config{
	HandshakeIdleTimeout: DefaultHandshakeTimeout,
	MaxIdleTimeout:       2 * time.Minute,
	KeepAlivePeriod:      30 * time.Second,
	// One bidirectional stream carries the whole session
	MaxIncomingStreams:    1,
	MaxIncomingUniStreams: -1,
}

type quicListener struct {
	ln *quic.Listener
}

// ListenQUIC listens for QUIC connections on the UDP address addr. Each
// connection carries a single bidirectional stream opened by the agent.
func ListenQUIC(addr string, tlsConf *tls.Config) (Listener, error) {
	if tlsConf == nil || tlsConf.ClientAuth != tls.RequireAndVerifyClientCert {
		return nil, errors.New("QUIC listener requires verified client certificates")
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &quicListener{ln: ln}, nil
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, quic.ErrServerClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return &quicConn{conn: conn}, nil
}

func (l *quicListener) Addr() string {
	return l.ln.Addr().String()
}

func (l *quicListener) Close() error {
	return l.ln.Close()
}

type quicConn struct {
	conn     *quic.Conn
	stream   *quic.Stream
	identity string
}

// Handshake waits for the agent to open its stream. The TLS handshake has
// already completed when the listener returns the connection.
func (c *quicConn) Handshake(ctx context.Context) error {
	id, err := identityFrom(c.conn.ConnectionState().TLS)
	if err != nil {
		c.conn.CloseWithError(1, "no identity") //nolint:errcheck
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHandshakeTimeout)
		defer cancel()
	}
	stream, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return fmt.Errorf("failed to accept stream: %w", err)
	}
	c.stream = stream
	c.identity = id
	return nil
}

func (c *quicConn) Read(p []byte) (int, error) {
	if c.stream == nil {
		return 0, errors.New("read before handshake")
	}
	return c.stream.Read(p)
}

func (c *quicConn) Write(p []byte) (int, error) {
	if c.stream == nil {
		return 0, errors.New("write before handshake")
	}
	return c.stream.Write(p)
}

func (c *quicConn) Close() error {
	if c.stream != nil {
		c.stream.CancelRead(0)
		c.stream.Close()
	}
	return c.conn.CloseWithError(0, "")
}

func (c *quicConn) PeerIdentity() string {
	return c.identity
}

func (c *quicConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *quicConn) SetReadDeadline(t time.Time) error {
	if c.stream == nil {
		return nil
	}
	return c.stream.SetReadDeadline(t)
}

func (c *quicConn) SetWriteDeadline(t time.Time) error {
	if c.stream == nil {
		return nil
	}
	return c.stream.SetWriteDeadline(t)
}

// DialQUIC connects to addr and opens the session stream
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config) (Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "") //nolint:errcheck
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	id, _ := identityFrom(conn.ConnectionState().TLS)
	return &quicConn{conn: conn, stream: stream, identity: id}, nil
}
