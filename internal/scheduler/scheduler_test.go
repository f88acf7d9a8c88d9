package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loopforge/runway/internal/domain"
	"github.com/loopforge/runway/internal/session"
	"github.com/loopforge/runway/internal/store"
)

// recordingExecutor captures launched routines and can fail or report busy
// for selected IDs.
type recordingExecutor struct {
	mu      sync.Mutex
	ran     []string
	failIDs map[string]error
	done    chan string
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{failIDs: make(map[string]error), done: make(chan string, 32)}
}

func (e *recordingExecutor) Run(ctx context.Context, routine *domain.Routine, trigger domain.TriggerType, taskID string) (string, error) {
	e.mu.Lock()
	e.ran = append(e.ran, routine.ID)
	err := e.failIDs[routine.ID]
	e.mu.Unlock()
	e.done <- routine.ID
	if err != nil {
		return "", err
	}
	return "exec-" + routine.ID, nil
}

func (e *recordingExecutor) waitFor(t *testing.T, n int) []string {
	t.Helper()
	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case id := <-e.done:
			got = append(got, id)
		case <-timeout:
			t.Fatalf("executor saw %d launches (%v), want %d", len(got), got, n)
		}
	}
	return got
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func insertScheduled(t *testing.T, st *store.Store, id, schedule string, nextRun *time.Time) {
	t.Helper()
	r := &domain.Routine{
		ID:          id,
		OwnerID:     "owner-1",
		Name:        id,
		Goal:        "goal for " + id,
		TriggerMode: domain.TriggerModeScheduled,
		Schedule:    schedule,
		Status:      domain.RoutineActive,
		NextRunAt:   nextRun,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := st.UpsertRoutine(r); err != nil {
		t.Fatal(err)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTick_LaunchesDueRoutines(t *testing.T) {
	st := newTestStore(t)
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	insertScheduled(t, st, "due-1", "hourly", &past)
	insertScheduled(t, st, "due-2", "daily", nil) // never ran: due immediately
	insertScheduled(t, st, "later", "hourly", &future)

	exec := newRecordingExecutor()
	s := New(discardLogger(), st, exec, 0)

	now := time.Now()
	s.Tick(context.Background(), now)

	got := exec.waitFor(t, 2)
	seen := map[string]bool{}
	for _, id := range got {
		seen[id] = true
	}
	if !seen["due-1"] || !seen["due-2"] || seen["later"] {
		t.Errorf("launched = %v, want due-1 and due-2 only", got)
	}

	if s.LastTick() != now {
		t.Errorf("LastTick = %v, want %v", s.LastTick(), now)
	}
}

func TestTick_AdvancesNextRunFromTriggerMoment(t *testing.T) {
	st := newTestStore(t)
	// Due 3 hours ago; after the tick the routine must be scheduled one
	// interval from now, not from the missed slot
	stale := time.Now().Add(-3 * time.Hour)
	insertScheduled(t, st, "r1", "hourly", &stale)

	exec := newRecordingExecutor()
	s := New(discardLogger(), st, exec, 0)

	now := time.Now()
	s.Tick(context.Background(), now)
	exec.waitFor(t, 1)

	got, err := st.GetRoutine("r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.NextRunAt == nil {
		t.Fatal("next_run_at not persisted")
	}
	want := now.Add(time.Hour)
	if diff := got.NextRunAt.Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Errorf("next run = %v, want about %v", got.NextRunAt, want)
	}
	if got.LastRunAt == nil {
		t.Error("last_run_at not persisted")
	}
}

func TestTick_FaultIsolation(t *testing.T) {
	st := newTestStore(t)
	past := time.Now().Add(-time.Hour)
	insertScheduled(t, st, "healthy", "hourly", &past)
	insertScheduled(t, st, "faulty", "hourly", &past)

	exec := newRecordingExecutor()
	exec.failIDs["faulty"] = errors.New("provider unavailable")
	s := New(discardLogger(), st, exec, 0)

	s.Tick(context.Background(), time.Now())

	got := exec.waitFor(t, 2)
	seen := map[string]bool{}
	for _, id := range got {
		seen[id] = true
	}
	if !seen["healthy"] {
		t.Errorf("healthy routine not launched alongside faulty one: %v", got)
	}
}

func TestTick_BusyRoutineStillRescheduled(t *testing.T) {
	st := newTestStore(t)
	past := time.Now().Add(-time.Hour)
	insertScheduled(t, st, "r1", "hourly", &past)

	exec := newRecordingExecutor()
	exec.failIDs["r1"] = session.ErrBusy
	s := New(discardLogger(), st, exec, 0)

	now := time.Now()
	s.Tick(context.Background(), now)
	exec.waitFor(t, 1)

	// The busy run was skipped but the schedule moved on, so the next tick
	// does not retry immediately
	if s.Tick(context.Background(), now.Add(time.Second)); len(exec.done) != 0 {
		t.Error("busy routine re-fired before its next slot")
	}
	got, _ := st.GetRoutine("r1")
	if got.NextRunAt == nil || !got.NextRunAt.After(now) {
		t.Errorf("next run = %v, want after %v", got.NextRunAt, now)
	}
}

func TestTick_InvalidScheduleDisablesRoutine(t *testing.T) {
	st := newTestStore(t)
	past := time.Now().Add(-time.Hour)
	insertScheduled(t, st, "broken", "not a schedule", &past)

	exec := newRecordingExecutor()
	s := New(discardLogger(), st, exec, 0)
	s.Tick(context.Background(), time.Now())

	select {
	case id := <-exec.done:
		t.Errorf("routine %s launched despite invalid schedule", id)
	case <-time.After(50 * time.Millisecond):
	}

	got, err := st.GetRoutine("broken")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RoutineDisabled {
		t.Errorf("status = %s, want disabled", got.Status)
	}
}
