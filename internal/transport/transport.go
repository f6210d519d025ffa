// Package transport provides mutually authenticated byte streams between
// agents and the collector.
//
// The collector core only sees Conn: a stream plus the identity the
// transport verified for the peer. TLS 1.3 over TCP and QUIC
// implementations are provided; both require a client certificate that
// chains to the configured CA and take the identity from its Subject
// CommonName.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// ALPN is the application protocol negotiated on every connection
const ALPN = "honeygrid/1"

// DefaultHandshakeTimeout bounds the TLS handshake of an accepted connection
const DefaultHandshakeTimeout = 10 * time.Second

var (
	// ErrNoPeerIdentity is returned when the peer presented no usable certificate
	ErrNoPeerIdentity = errors.New("peer presented no verified certificate identity")
	// ErrClosed is returned by Accept after the listener is closed
	ErrClosed = errors.New("listener closed")
)

// Conn is an authenticated connection. PeerIdentity is only meaningful
// after Handshake returns nil.
type Conn interface {
	io.ReadWriteCloser
	Handshake(ctx context.Context) error
	PeerIdentity() string
	RemoteAddr() string
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Listener yields authenticated connections
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
}

// Kind selects a transport implementation
type Kind string

const (
	KindTLS  Kind = "tls"
	KindQUIC Kind = "quic"
)

// Listen opens a listener of the given kind
func Listen(kind Kind, addr string, tlsConf *tls.Config) (Listener, error) {
	switch kind {
	case KindTLS, "":
		return ListenTLS(addr, tlsConf)
	case KindQUIC:
		return ListenQUIC(addr, tlsConf)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// Dial connects to a collector with the given kind of transport and
// completes the handshake
func Dial(ctx context.Context, kind Kind, addr string, tlsConf *tls.Config) (Conn, error) {
	switch kind {
	case KindTLS, "":
		return DialTLS(ctx, addr, tlsConf)
	case KindQUIC:
		return DialQUIC(ctx, addr, tlsConf)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// ServerTLSConfig builds a TLS 1.3 server configuration that requires and
// verifies client certificates against the CA in caFile
func ServerTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	pool, err := loadPool(caFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		NextProtos:   []string{ALPN},
	}, nil
}

// ClientTLSConfig builds a TLS 1.3 client configuration presenting the
// agent certificate and verifying the collector against caFile
func ClientTLSConfig(caFile, certFile, keyFile, serverName string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}
	pool, err := loadPool(caFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   serverName,
		NextProtos:   []string{ALPN},
	}, nil
}

func loadPool(caFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	return pool, nil
}

// identityFrom returns the CommonName of the verified leaf certificate
func identityFrom(state tls.ConnectionState) (string, error) {
	if len(state.VerifiedChains) == 0 || len(state.VerifiedChains[0]) == 0 {
		return "", ErrNoPeerIdentity
	}
	cn := state.VerifiedChains[0][0].Subject.CommonName
	if cn == "" {
		return "", ErrNoPeerIdentity
	}
	return cn, nil
}
