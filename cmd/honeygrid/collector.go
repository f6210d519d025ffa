package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/pranaynidhi/ST5062CEM-CW2/internal/api"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/backup"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/config"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/metrics"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/notify"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/protocol"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/secret"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/server"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/session"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/store"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/transport"
)

// alertQueueSize bounds the in-process signal queue drained by the alert log
const alertQueueSize = 1024

// collector owns every long-lived component of the daemon
type collector struct {
	config   *config.Config
	store    *store.Store
	metrics  *metrics.Metrics
	alerts   *notify.Channel
	pub      notify.Publisher
	listener transport.Listener
	server   *server.Server
	api      *api.Server
}

func newCollector(ctx context.Context, cfg *config.Config) (*collector, error) {
	c := &collector{config: cfg, metrics: metrics.New()}

	resolver := &secret.Resolver{Region: cfg.Backup.Region}
	dbSecret, err := resolver.Resolve(ctx, cfg.Store.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve store secret: %w", err)
	}
	st, err := store.Open(ctx, store.Options{
		Path:   cfg.Store.Path,
		Secret: dbSecret,
		KDF:    cfg.Store.KDF,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	c.store = st

	c.alerts = notify.NewChannel(alertQueueSize)
	pubs := notify.Multi{c.alerts}
	if cfg.NATS.URL != "" {
		np, err := notify.NewNATSPublisher(notify.NATSConfig{
			URL:             cfg.NATS.URL,
			CredentialsFile: cfg.NATS.CredentialsFile,
			SubjectPrefix:   cfg.NATS.SubjectPrefix,
			ReconnectWait:   cfg.NATS.ReconnectWait,
			MaxReconnects:   cfg.NATS.MaxReconnects,
		})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		pubs = append(pubs, np)
		log.Info().Str("url", cfg.NATS.URL).Msg("Connected to NATS")
	}
	c.pub = pubs

	tlsConf, err := transport.ServerTLSConfig(cfg.Listen.CAFile, cfg.Listen.CertFile, cfg.Listen.KeyFile)
	if err != nil {
		c.close()
		return nil, err
	}
	l, err := transport.Listen(transport.Kind(cfg.Listen.Transport), cfg.Listen.Address, tlsConf)
	if err != nil {
		c.close()
		return nil, err
	}
	c.listener = l

	sessCfg := session.DefaultConfig()
	sessCfg.Codec = protocol.Codec{MaxFrameSize: cfg.Protocol.MaxFrameSize}
	sessCfg.MaxDecodeErrors = cfg.Protocol.MaxDecodeErrors
	sessCfg.ReadTimeout = cfg.Protocol.ReadTimeout
	sessCfg.DisableAcks = !cfg.Protocol.SendAcks

	c.server = server.New(server.Config{
		Session:            sessCfg,
		MaxSessions:        cfg.Sessions.MaxConcurrentSessions,
		MaxPerIdentity:     cfg.Sessions.MaxSessionsPerIdentity,
		OfflineAfter:       cfg.Sessions.OfflineAfter,
		SweepInterval:      cfg.Sessions.SweepInterval,
		DrainTimeout:       cfg.Sessions.DrainTimeout,
		NonceCacheSize:     cfg.Protocol.NonceCacheSize,
		TimestampTolerance: cfg.Protocol.TimestampTolerance(),
		RateCapacity:       cfg.RateLimit.Capacity,
		RateRefill:         cfg.RateLimit.RefillPerSecond,
	}, st, c.pub, c.metrics)

	if cfg.Backup.Bucket != "" {
		b, err := backup.New(ctx, backup.Config{
			Bucket:    cfg.Backup.Bucket,
			Region:    cfg.Backup.Region,
			KeyPrefix: cfg.Backup.KeyPrefix,
		}, st)
		if err != nil {
			c.close()
			return nil, err
		}
		if err := c.server.Schedule(cfg.Backup.Schedule, "store-backup", func(ctx context.Context) error {
			_, err := b.Run(ctx)
			return err
		}); err != nil {
			c.close()
			return nil, err
		}
		log.Info().Str("bucket", cfg.Backup.Bucket).Msg("Store backups enabled")
	}

	if cfg.API.Listen != "" {
		c.api = api.New(st, c.server, c.metrics)
	}
	return c, nil
}

// Run serves agents, the operator API and the alert log until ctx is
// cancelled or one of them fails
func (c *collector) Run(ctx context.Context) error {
	defer c.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.server.Run(gctx, c.listener)
	})
	if c.api != nil {
		g.Go(func() error {
			return c.api.ListenAndServe(gctx, c.config.API.Listen)
		})
	}
	g.Go(func() error {
		c.logAlerts(gctx)
		return nil
	})
	return g.Wait()
}

// logAlerts writes one line per persisted event until ctx ends
func (c *collector) logAlerts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if n := c.alerts.Dropped(); n > 0 {
				log.Warn().Int64("dropped", n).Msg("Alert queue overflowed")
			}
			return
		case sig := <-c.alerts.Signals():
			log.Warn().
				Int64("event_id", sig.EventID).
				Str("agent_id", sig.AgentID).
				Str("token_id", sig.TokenID).
				Str("event_kind", sig.EventKind).
				Msg("HONEYTOKEN ALERT")
		}
	}
}

func (c *collector) close() {
	if c.listener != nil {
		c.listener.Close()
	}
	if c.pub != nil {
		if err := c.pub.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close publishers")
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}
}
