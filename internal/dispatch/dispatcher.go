// Package dispatch moves approved tasks into execution. It polls storage in
// priority order and hands each task's routine to the execution runner,
// leaving tasks approved when their routine is already running so they are
// picked up again on a later pass.
package dispatch

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

// DefaultInterval is the base poll cadence.
const DefaultInterval = 30 * time.Second

// Executor launches a routine run. Satisfied by session.Runner.
type Executor interface {
	Run(ctx context.Context, routine *domain.Routine, trigger domain.TriggerType, taskID string) (string, error)
}

// Dispatcher polls for approved tasks on a jittered interval.
type Dispatcher struct {
	logger   *slog.Logger
	store    *store.Store
	exec     Executor
	interval time.Duration

	mu       sync.Mutex
	lastPass time.Time
}

// New creates a Dispatcher. interval <= 0 selects DefaultInterval.
func New(logger *slog.Logger, st *store.Store, exec Executor, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Dispatcher{logger: logger, store: st, exec: exec, interval: interval}
}

// Run polls until the context is cancelled, with up to 10% jitter per pass.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", "interval", d.interval)
	for {
		wait := d.interval + time.Duration(rand.Int63n(int64(d.interval)/10+1))
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return ctx.Err()
		case <-time.After(wait):
			d.Dispatch(ctx)
		}
	}
}

// LastPass reports when the dispatcher last completed a poll.
func (d *Dispatcher) LastPass() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastPass
}

// Dispatch runs one pass: approved tasks in priority order, at most one per
// routine. The storage query already orders critical before high before
// medium before low, oldest first within a tier.
func (d *Dispatcher) Dispatch(ctx context.Context) {
	tasks, err := d.store.ListApprovedTasks()
	if err != nil {
		d.logger.Error("listing approved tasks", "error", err)
		return
	}

	claimed := make(map[string]bool) // routines handed work this pass
	for _, task := range tasks {
		if claimed[task.RoutineID] {
			continue
		}
		if d.launch(ctx, task) {
			claimed[task.RoutineID] = true
		}
	}

	d.mu.Lock()
	d.lastPass = time.Now()
	d.mu.Unlock()
}

// launch hands one task to the runner. Returns true when the routine now has
// a run in flight, whether started by us or already running.
func (d *Dispatcher) launch(ctx context.Context, task *domain.Task) bool {
	routine, err := d.store.GetRoutine(task.RoutineID)
	if err != nil {
		d.logger.Error("loading routine for task", "task", task.ID, "routine", task.RoutineID, "error", err)
		return false
	}

	go func() {
		execID, err := d.exec.Run(ctx, routine, domain.TriggerTaskDriven, task.ID)
		switch {
		case errors.Is(err, session.ErrBusy):
			// Task stays approved; a later pass retries it
			d.logger.Debug("routine busy, task requeued", "task", task.ID, "routine", routine.ID)
		case err != nil:
			d.logger.Error("dispatching task", "task", task.ID, "error", err)
		default:
			d.logger.Info("task dispatched", "task", task.ID, "routine", routine.ID, "execution", execID)
		}
	}()
	return true
}
