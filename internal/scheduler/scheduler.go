package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// SweepFunc runs one pass of a recurring background job. cycle is the
// wall-clock instant the pass was scheduled for.
type SweepFunc func(ctx context.Context, cycle time.Time) error

// Options tune the cadence of a recurring job.
type Options struct {
	Interval time.Duration
	// AlignToInterval snaps each cycle to interval boundaries (e.g. every
	// round minute) so multiple instances agree on cycle times.
	AlignToInterval bool
	StartupDelay    time.Duration
}

// Scheduler drives a recurring job at a fixed, optionally aligned interval.
// Pass failures are logged and the cadence continues.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler. A non-positive interval is a programming error.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking sweep once per interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, sweep SweepFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextCycle(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextCycle(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_cycle", next).Msg("waiting for next cycle")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		cycle := next
		if s.opts.AlignToInterval {
			cycle = next.Truncate(s.opts.Interval)
		}
		s.logger.Info().Time("cycle", cycle).Msg("executing scheduled sweep")

		if err := sweep(ctx, cycle); err != nil {
			s.logger.Error().Err(err).Time("cycle", cycle).Msg("sweep failed")
		}

		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) nextCycle(now time.Time) time.Time {
	if !s.opts.AlignToInterval {
		return now.Add(s.opts.Interval)
	}
	cycle := now.Truncate(s.opts.Interval)
	if !cycle.After(now) {
		cycle = cycle.Add(s.opts.Interval)
	}
	return cycle
}
