package notify

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// DefaultSubjectPrefix is prepended to the agent id to form the subject
const DefaultSubjectPrefix = "honeygrid.events"

// NATSConfig configures the NATS publisher
type NATSConfig struct {
	URL             string
	CredentialsFile string
	SubjectPrefix   string
	ReconnectWait   time.Duration
	MaxReconnects   int
}

// natsConn is the subset of *nats.Conn used for publishing
type natsConn interface {
	Publish(subject string, data []byte) error
	Close()
}

// NATSPublisher publishes signals to <prefix>.<agent_id>
type NATSPublisher struct {
	conn   natsConn
	prefix string
}

// NewNATSPublisher connects to NATS
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	opts := []nats.Option{
		nats.Name("honeygrid-collector"),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("NATS credentials file: %w", err)
		}
		opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
	return newNATSPublisher(conn, cfg.SubjectPrefix), nil
}

func newNATSPublisher(conn natsConn, prefix string) *NATSPublisher {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Subject returns the subject signals for agentID are published on
func (p *NATSPublisher) Subject(agentID string) string {
	return p.prefix + "." + subjectToken(agentID)
}

func (p *NATSPublisher) Publish(_ context.Context, sig Signal) error {
	data, err := sig.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode signal: %w", err)
	}
	if err := p.conn.Publish(p.Subject(sig.AgentID), data); err != nil {
		return fmt.Errorf("NATS publish failed: %w", err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	p.conn.Close()
	return nil
}

// subjectToken replaces characters with special meaning in NATS subjects
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
