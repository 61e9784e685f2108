// Package scheduler runs the stale-conversation sweep on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/zulandar/parley/internal/negotiation"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Sweeper is the orchestrator operation the scheduler drives.
type Sweeper interface {
	SweepStale(ctx context.Context, now time.Time) (negotiation.SweepResult, error)
}

// Opts configures a Scheduler.
type Opts struct {
	Schedule string // 5-field cron expression
	Sweeper  Sweeper
	Logger   zerolog.Logger
	Now      func() time.Time // for tests
}

// Scheduler fires SweepStale at every tick of its cron schedule.
type Scheduler struct {
	sched   cron.Schedule
	expr    string
	sweeper Sweeper
	log     zerolog.Logger
	now     func() time.Time
}

// New parses the schedule and returns a Scheduler.
func New(opts Opts) (*Scheduler, error) {
	if opts.Sweeper == nil {
		return nil, fmt.Errorf("scheduler: sweeper is required")
	}
	sched, err := cronParser.Parse(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse schedule %q: %w", opts.Schedule, err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		sched:   sched,
		expr:    opts.Schedule,
		sweeper: opts.Sweeper,
		log:     opts.Logger.With().Str("component", "scheduler").Logger(),
		now:     now,
	}, nil
}

// Next returns the first fire time after from.
func (s *Scheduler) Next(from time.Time) time.Time {
	return s.sched.Next(from)
}

// Run sweeps on schedule until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().Str("schedule", s.expr).Msg("sweep scheduler started")
	timer := time.NewTimer(s.untilNext())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("sweep scheduler stopped")
			return nil
		case <-timer.C:
			s.RunOnce(ctx)
			timer.Reset(s.untilNext())
		}
	}
}

// RunOnce performs a single sweep. Errors are logged; the next tick retries.
func (s *Scheduler) RunOnce(ctx context.Context) negotiation.SweepResult {
	start := s.now()
	res, err := s.sweeper.SweepStale(ctx, start)
	if err != nil {
		s.log.Error().Err(err).Msg("sweep failed")
	}
	s.log.Debug().
		Int("escalated", len(res.Escalated)).
		Int("abandoned", len(res.Abandoned)).
		Int("recovered", len(res.Recovered)).
		Dur("took", s.now().Sub(start)).
		Msg("sweep finished")
	return res
}

func (s *Scheduler) untilNext() time.Duration {
	now := s.now()
	d := s.sched.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
