// Package server accepts agent connections and runs a session for each,
// owning the state sessions share: the nonce cache, the rate limiter
// registry and the set of live sessions.
package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/pranaynidhi/ST5062CEM-CW2/internal/metrics"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/notify"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/ratelimit"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/replay"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/session"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/store"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/transport"
)

const (
	DefaultMaxSessions    = 256
	DefaultMaxPerIdentity = 2
	DefaultOfflineAfter   = 120 * time.Second
	DefaultSweepInterval  = 30 * time.Second
	DefaultDrainTimeout   = 10 * time.Second
)

var (
	// ErrSessionLimit: the collector is at max_concurrent_sessions
	ErrSessionLimit = errors.New("concurrent session limit reached")
	// ErrIdentityLimit: the identity is at max_sessions_per_identity
	ErrIdentityLimit = errors.New("per-identity session limit reached")
)

// Store is the part of the event store the dispatcher and its sessions use
type Store interface {
	session.Store
	ListAgents(ctx context.Context) ([]store.Agent, error)
	RecentNonces(ctx context.Context, agentID string, since time.Time, limit int) ([]string, error)
	MarkOfflineBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Config holds dispatcher settings. Zero fields take the defaults.
type Config struct {
	Session            session.Config
	MaxSessions        int
	MaxPerIdentity     int
	OfflineAfter       time.Duration
	SweepInterval      time.Duration
	DrainTimeout       time.Duration
	NonceCacheSize     int
	TimestampTolerance time.Duration
	RateCapacity       int
	RateRefill         float64
}

// Observer is told about every session that ends
type Observer func(info session.Info, err error)

// Server is the connection dispatcher
type Server struct {
	cfg       Config
	store     Store
	publisher notify.Publisher
	metrics   *metrics.Metrics

	cache     *replay.Cache
	validator *replay.Validator
	limiter   *ratelimit.Registry

	mu          sync.Mutex
	sessions    map[string]*session.Session
	perIdentity map[string]int
	wg          sync.WaitGroup

	jobsMu sync.Mutex
	jobs   []job

	// Observer, if set, receives session termination reports
	Observer Observer
	// Now is the collector clock
	Now func() time.Time
}

// New creates a dispatcher. Zero Config fields take the defaults.
func New(cfg Config, st Store, pub notify.Publisher, m *metrics.Metrics) *Server {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.MaxPerIdentity <= 0 {
		cfg.MaxPerIdentity = DefaultMaxPerIdentity
	}
	if cfg.OfflineAfter <= 0 {
		cfg.OfflineAfter = DefaultOfflineAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if pub == nil {
		pub = notify.Nop{}
	}

	cache := replay.NewCache(cfg.NonceCacheSize)
	return &Server{
		cfg:         cfg,
		store:       st,
		publisher:   pub,
		metrics:     m,
		cache:       cache,
		validator:   replay.NewValidator(cache, cfg.TimestampTolerance),
		limiter:     ratelimit.NewRegistry(cfg.RateCapacity, cfg.RateRefill),
		sessions:    make(map[string]*session.Session),
		perIdentity: make(map[string]int),
		Now:         time.Now,
	}
}

// Validator returns the shared nonce/timestamp validator
func (s *Server) Validator() *replay.Validator {
	return s.validator
}

// Limiter returns the shared rate limiter registry
func (s *Server) Limiter() *ratelimit.Registry {
	return s.limiter
}

// Run warms the nonce cache, then serves l and runs scheduled jobs until
// ctx is cancelled or one of them fails
func (s *Server) Run(ctx context.Context, l transport.Listener) error {
	if err := s.Warm(ctx); err != nil {
		return err
	}
	if err := s.Schedule(fmt.Sprintf("@every %s", s.cfg.SweepInterval), "liveness-sweep", func(ctx context.Context) error {
		_, err := s.Sweep(ctx)
		return err
	}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Serve(gctx, l)
	})
	g.Go(func() error {
		return s.runScheduler(gctx)
	})
	return g.Wait()
}

// Warm seeds the nonce cache with the nonces of recently stored events so
// a restart does not reopen the replay window
func (s *Server) Warm(ctx context.Context) error {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("failed to list agents: %w", err)
	}
	since := s.Now().Add(-s.validator.Tolerance())
	total := 0
	for _, a := range agents {
		nonces, err := s.store.RecentNonces(ctx, a.AgentID, since, s.cache.Capacity())
		if err != nil {
			return fmt.Errorf("failed to load nonces for %s: %w", a.AgentID, err)
		}
		s.cache.Warm(a.AgentID, nonces)
		total += len(nonces)
	}
	log.Info().Int("agents", len(agents)).Int("nonces", total).Msg("Nonce cache warmed")
	return nil
}

// Serve accepts connections until ctx is cancelled or the listener fails,
// then cancels live sessions and waits up to the drain timeout for them
func (s *Server) Serve(ctx context.Context, l transport.Listener) error {
	log.Info().Str("addr", l.Addr()).Msg("Collector accepting connections")

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	var serveErr error
	for {
		conn, err := l.Accept(sctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, transport.ErrClosed) {
				serveErr = fmt.Errorf("accept failed: %w", err)
				log.Error().Err(err).Msg("Accept error")
			}
			break
		}
		s.dispatch(sctx, conn)
	}

	log.Info().Int("sessions", s.Len()).Msg("Collector draining sessions")
	cancel()
	if !s.wait(s.cfg.DrainTimeout) {
		log.Warn().Dur("drain_timeout", s.cfg.DrainTimeout).Msg("Sessions did not drain in time")
	}
	return serveErr
}

func (s *Server) dispatch(ctx context.Context, conn transport.Conn) {
	sess := session.New(conn, s.cfg.Session, session.Deps{
		Validator: s.validator,
		Limiter:   s.limiter,
		Store:     s.store,
		Publisher: s.publisher,
		Metrics:   s.metrics,
		Admit:     s.admit,
		Now:       s.Now,
	})

	s.mu.Lock()
	if len(s.sessions) >= s.cfg.MaxSessions {
		s.mu.Unlock()
		s.metrics.SessionRefused("max_sessions")
		log.Warn().
			Str("remote_addr", conn.RemoteAddr()).
			Int("max_sessions", s.cfg.MaxSessions).
			Msg("Refusing connection: session limit reached")
		conn.Close()
		return
	}
	s.sessions[sess.ID()] = sess
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		err := sess.Run(ctx)

		s.mu.Lock()
		delete(s.sessions, sess.ID())
		s.mu.Unlock()

		if s.Observer != nil {
			s.Observer(sess.Info(), err)
		}
	}()
}

// admit enforces the per-identity limit once the identity is known
func (s *Server) admit(identity string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.perIdentity[identity] >= s.cfg.MaxPerIdentity {
		s.metrics.SessionRefused("max_per_identity")
		return nil, fmt.Errorf("%w: %s has %d sessions", ErrIdentityLimit, identity, s.perIdentity[identity])
	}
	s.perIdentity[identity]++

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.perIdentity[identity]--; s.perIdentity[identity] <= 0 {
				delete(s.perIdentity, identity)
			}
		})
	}, nil
}

func (s *Server) wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Len returns the number of live sessions
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sessions returns a snapshot of every live session, oldest first
func (s *Server) Sessions() []session.Info {
	s.mu.Lock()
	infos := make([]session.Info, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, sess.Info())
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Sweep marks agents that have been silent longer than the offline
// threshold as OFFLINE and returns their ids
func (s *Server) Sweep(ctx context.Context) ([]string, error) {
	cutoff := s.Now().Add(-s.cfg.OfflineAfter)
	ids, err := s.store.MarkOfflineBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("liveness sweep failed: %w", err)
	}
	s.metrics.AgentsMarkedOffline(len(ids))
	for _, id := range ids {
		log.Warn().Str("agent_id", id).Dur("offline_after", s.cfg.OfflineAfter).Msg("Agent went offline")
	}
	return ids, nil
}
