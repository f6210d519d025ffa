package server

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// JobFunc is a scheduled maintenance task
type JobFunc func(ctx context.Context) error

type job struct {
	spec string
	name string
	fn   JobFunc
}

// Schedule registers fn to run on the cron spec (five-field or a
// descriptor such as "@every 30s") while Run is active. Jobs added after
// Run has started take effect on the next Run.
func (s *Server) Schedule(spec, name string, fn JobFunc) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	s.jobs = append(s.jobs, job{spec: spec, name: name, fn: fn})
	return nil
}

func (s *Server) runScheduler(ctx context.Context) error {
	logger := cronLogger{log.With().Str("component", "scheduler").Logger()}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))

	s.jobsMu.Lock()
	jobs := append([]job(nil), s.jobs...)
	s.jobsMu.Unlock()

	for _, j := range jobs {
		j := j
		if _, err := c.AddFunc(j.spec, func() {
			start := time.Now()
			if err := j.fn(ctx); err != nil {
				log.Error().Err(err).Str("job", j.name).Msg("Scheduled job failed")
				return
			}
			log.Debug().Str("job", j.name).Dur("took", time.Since(start)).Msg("Scheduled job finished")
		}); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", j.name, err)
		}
		log.Info().Str("job", j.name).Str("schedule", j.spec).Msg("Job scheduled")
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// cronLogger routes cron's logging through zerolog
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
