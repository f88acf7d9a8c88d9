// Package scheduler drives time-based routine execution. A single ticking
// loop asks storage which active scheduled routines are due, hands each one
// to the execution runner in its own goroutine and advances the routine's
// next-run marker relative to the moment it fired.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/loopforge/runway/internal/domain"
	"github.com/loopforge/runway/internal/session"
	"github.com/loopforge/runway/internal/store"
)

// DefaultInterval is the base tick cadence.
const DefaultInterval = time.Minute

// Executor launches a routine run. Satisfied by session.Runner.
type Executor interface {
	Run(ctx context.Context, routine *domain.Routine, trigger domain.TriggerType, taskID string) (string, error)
}

// Scheduler polls for due routines on a jittered interval.
type Scheduler struct {
	logger   *slog.Logger
	store    *store.Store
	exec     Executor
	interval time.Duration

	mu       sync.Mutex
	lastTick time.Time
}

// New creates a Scheduler. interval <= 0 selects DefaultInterval.
func New(logger *slog.Logger, st *store.Store, exec Executor, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{logger: logger, store: st, exec: exec, interval: interval}
}

// Run ticks until the context is cancelled. Each tick sleeps the base
// interval plus up to 10% jitter so restarted instances do not align.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval)
	for {
		wait := s.interval + time.Duration(rand.Int63n(int64(s.interval)/10+1))
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-time.After(wait):
			s.Tick(ctx, time.Now())
		}
	}
}

// LastTick reports when the scheduler last completed a poll. Zero until the
// first tick; serves the health endpoint.
func (s *Scheduler) LastTick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTick
}

// Tick runs one poll cycle at the given moment. A failure in one routine
// never prevents the others from firing.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	due, err := s.store.ListDueRoutines(now)
	if err != nil {
		s.logger.Error("listing due routines", "error", err)
		return
	}

	for _, routine := range due {
		s.fire(ctx, routine, now)
	}

	s.mu.Lock()
	s.lastTick = now
	s.mu.Unlock()
}

// fire advances the routine's schedule and launches the run asynchronously.
// The next-run marker moves before the run starts: a routine that is slow
// or busy is rescheduled from this trigger moment, never from the slot it
// missed, so an outage does not produce a burst of catch-up runs.
func (s *Scheduler) fire(ctx context.Context, routine *domain.Routine, now time.Time) {
	next, err := domain.NextRun(routine.Schedule, now)
	if err != nil {
		s.logger.Error("unparseable schedule, disabling routine",
			"routine", routine.ID, "schedule", routine.Schedule, "error", err)
		if derr := s.store.DisableRoutine(routine.ID); derr != nil {
			s.logger.Error("disabling routine", "routine", routine.ID, "error", derr)
		}
		return
	}
	if err := s.store.UpdateRoutineSchedule(routine.ID, now, next); err != nil {
		s.logger.Error("persisting schedule", "routine", routine.ID, "error", err)
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("routine run panicked", "routine", routine.ID, "panic", r)
			}
		}()
		execID, err := s.exec.Run(ctx, routine, domain.TriggerScheduled, "")
		switch {
		case errors.Is(err, session.ErrBusy):
			s.logger.Debug("routine still running, skipping tick", "routine", routine.ID)
		case err != nil:
			s.logger.Error("scheduled run failed to start", "routine", routine.ID, "error", err)
		default:
			s.logger.Info("scheduled run started", "routine", routine.ID, "execution", execID)
		}
	}()
}
