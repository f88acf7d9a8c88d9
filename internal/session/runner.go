// Package session runs a routine against the AI provider: it owns the
// single-flight guard, creates the execution record, streams provider
// events into the log broker and persists the terminal accounting.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loopforge/runway/internal/domain"
	"github.com/loopforge/runway/internal/logstream"
	"github.com/loopforge/runway/internal/notify"
	"github.com/loopforge/runway/internal/provider"
	"github.com/loopforge/runway/internal/store"
	"github.com/loopforge/runway/internal/toolbridge"
	"golang.org/x/sync/semaphore"
)

// ErrBusy is returned when the routine already has an execution in flight.
// Callers treat it as a logged no-op, not a failure.
var ErrBusy = errors.New("routine already executing")

// Runner is the single choke point for executing routines. Both the time
// scheduler and the task dispatcher hand work here, so the busy set below
// is the one authoritative "is this routine running" record regardless of
// which trigger path initiated the run.
type Runner struct {
	logger   *slog.Logger
	store    *store.Store
	broker   *logstream.Broker
	bridge   *toolbridge.Bridge
	provider provider.Provider
	sem      *semaphore.Weighted

	mu   sync.Mutex
	busy map[string]struct{} // routine IDs with an execution in flight

	// Log persistence is queued so a slow disk never throttles live
	// delivery to subscribers
	logCh     chan *domain.LogEntry
	logDone   chan struct{}
	closeOnce sync.Once

	notifier notify.Notifier
}

// SetNotifier installs an optional notifier for terminal executions
func (r *Runner) SetNotifier(n notify.Notifier) {
	r.notifier = n
}

// New creates a Runner. maxConcurrent caps executions across all routines.
func New(logger *slog.Logger, st *store.Store, broker *logstream.Broker, bridge *toolbridge.Bridge, prov provider.Provider, maxConcurrent int64) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	r := &Runner{
		logger:   logger,
		store:    st,
		broker:   broker,
		bridge:   bridge,
		provider: prov,
		sem:      semaphore.NewWeighted(maxConcurrent),
		busy:     make(map[string]struct{}),
		logCh:    make(chan *domain.LogEntry, 256),
		logDone:  make(chan struct{}),
	}
	go r.logWriter()
	return r
}

// Close drains and stops the async log writer. Safe to call more than once.
func (r *Runner) Close() {
	r.closeOnce.Do(func() {
		close(r.logCh)
		<-r.logDone
	})
}

// InFlight returns the number of routines currently executing
func (r *Runner) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.busy)
}

// Busy reports whether a routine has an execution in flight
func (r *Runner) Busy(routineID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.busy[routineID]
	return ok
}

// Run executes one routine to completion. It returns the execution id, or
// ErrBusy if the routine already has a run in flight. Every started
// execution terminates as completed or failed; there is no silent outcome.
func (r *Runner) Run(ctx context.Context, routine *domain.Routine, trigger domain.TriggerType, taskID string) (string, error) {
	if err := r.acquire(routine.ID); err != nil {
		return "", err
	}
	// Released unconditionally so a panic or unhandled error can never
	// leave the routine permanently "busy"
	defer r.release(routine.ID)

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer r.sem.Release(1)

	started := time.Now()
	exec := &domain.Execution{
		ID:          uuid.NewString(),
		RoutineID:   routine.ID,
		OwnerID:     routine.OwnerID,
		TaskID:      taskID,
		Status:      domain.ExecutionPending,
		TriggerType: trigger,
		StartedAt:   &started,
	}
	if err := r.store.CreateExecution(exec); err != nil {
		return "", fmt.Errorf("creating execution: %w", err)
	}
	if err := r.store.MarkExecutionRunning(exec.ID, started); err != nil {
		return exec.ID, fmt.Errorf("marking execution running: %w", err)
	}

	if taskID != "" {
		if err := r.store.UpdateTaskStatus(taskID, domain.TaskInProgress); err != nil {
			r.logger.Warn("updating task status", "task", taskID, "error", err)
		}
	}

	r.emit(exec, "info", "setup", fmt.Sprintf("execution started (%s)", trigger), nil)

	status, result := r.execute(ctx, routine, exec)
	r.finish(routine, exec, started, status, result, taskID)
	return exec.ID, nil
}

// execute resolves tools, invokes the provider and consumes its stream.
// It returns the terminal status plus the provider result when one arrived.
func (r *Runner) execute(ctx context.Context, routine *domain.Routine, exec *domain.Execution) (domain.ExecutionStatus, *provider.Result) {
	var endpoints []toolbridge.Endpoint
	if len(routine.ToolServers) > 0 {
		var err error
		endpoints, err = r.bridge.Resolve(ctx, routine.OwnerID, routine.ToolServers)
		if err != nil {
			r.emit(exec, "error", "setup", fmt.Sprintf("tool bridge: %v", err), nil)
			return domain.ExecutionFailed, &provider.Result{IsError: true, Error: err.Error()}
		}
		r.emit(exec, "info", "setup", fmt.Sprintf("resolved %d tool endpoints", len(endpoints)), nil)
	}

	stream, err := r.provider.Run(ctx, provider.Request{
		Goal:         routine.Goal,
		SessionToken: routine.SessionToken,
		Endpoints:    endpoints,
		OwnerID:      routine.OwnerID,
		RoutineID:    routine.ID,
	})
	if err != nil {
		r.emit(exec, "error", "provider", fmt.Sprintf("starting provider: %v", err), nil)
		return domain.ExecutionFailed, &provider.Result{IsError: true, Error: err.Error()}
	}

	var result *provider.Result
	for ev := range stream {
		switch ev.Kind {
		case provider.EventAssistant:
			r.emit(exec, "info", "assistant", ev.Text, nil)
		case provider.EventToolUse:
			exec.Metadata.ToolsInvoked = append(exec.Metadata.ToolsInvoked, ev.Tool)
			r.emit(exec, "info", "tool_call", "invoking "+ev.Tool, map[string]string{"tool": ev.Tool})
		case provider.EventResult:
			result = ev.Result
		}
	}

	if result == nil {
		// Stream closed without a terminal result; treat as a transient
		// provider failure
		return domain.ExecutionFailed, &provider.Result{IsError: true, Error: "provider stream ended without a result"}
	}
	if result.IsError {
		return domain.ExecutionFailed, result
	}
	return domain.ExecutionCompleted, result
}

// finish persists the terminal state and publishes the completion event
func (r *Runner) finish(routine *domain.Routine, exec *domain.Execution, started time.Time, status domain.ExecutionStatus, result *provider.Result, taskID string) {
	completed := time.Now()
	durationMS := completed.Sub(started).Milliseconds()
	var cost *float64
	errMsg := ""

	if result != nil {
		if result.DurationMS > 0 {
			durationMS = result.DurationMS
		}
		cost = result.Cost
		errMsg = result.Error
		exec.Metadata.Turns = result.Turns
	}

	if err := r.store.FinishExecution(exec.ID, status, completed, durationMS, cost, errMsg, exec.Metadata); err != nil {
		r.logger.Error("persisting execution result", "execution", exec.ID, "error", err)
	}

	if result != nil && result.SessionToken != "" && result.SessionToken != routine.SessionToken {
		if err := r.store.UpdateRoutineSessionToken(routine.ID, result.SessionToken); err != nil {
			r.logger.Error("rotating session token", "routine", routine.ID, "error", err)
		}
	}

	if taskID != "" {
		taskStatus := domain.TaskCompleted
		if status == domain.ExecutionFailed {
			taskStatus = domain.TaskFailed
		}
		if err := r.store.UpdateTaskStatus(taskID, taskStatus); err != nil {
			r.logger.Warn("updating task status", "task", taskID, "error", err)
		}
	}

	if status == domain.ExecutionFailed {
		r.emit(exec, "error", "result", "execution failed: "+errMsg, nil)
	} else {
		r.emit(exec, "info", "result", "execution completed", nil)
	}

	r.broker.PublishCompletion(exec.ID, logstream.Event{
		ExecutionID: exec.ID,
		RoutineID:   exec.RoutineID,
		OwnerID:     exec.OwnerID,
		Timestamp:   completed,
		FinalStatus: string(status),
	})

	if r.notifier != nil {
		n := notify.ExecutionFinished(routine.Name, routine.ID, exec.ID, status == domain.ExecutionFailed, errMsg)
		if err := r.notifier.Send(n); err != nil {
			r.logger.Warn("sending notification", "execution", exec.ID, "error", err)
		}
	}

	r.logger.Info("execution finished",
		"execution", exec.ID,
		"routine", routine.ID,
		"status", status,
		"duration_ms", durationMS,
	)
}

// emit publishes a log event to the execution scope then the owner scope,
// and queues the entry for persistence. Delivery never waits on the store.
func (r *Runner) emit(exec *domain.Execution, level, stage, message string, meta map[string]string) {
	now := time.Now()
	ev := logstream.Event{
		ExecutionID: exec.ID,
		RoutineID:   exec.RoutineID,
		OwnerID:     exec.OwnerID,
		Timestamp:   now,
		Level:       level,
		Stage:       stage,
		Message:     message,
		Metadata:    meta,
	}
	r.broker.Publish(logstream.ExecutionScope(exec.ID), ev)
	r.broker.Publish(logstream.OwnerScope(exec.OwnerID), ev)

	entry := &domain.LogEntry{
		ExecutionID: exec.ID,
		Timestamp:   now,
		Level:       level,
		Stage:       stage,
		Message:     message,
		Metadata:    meta,
	}
	select {
	case r.logCh <- entry:
	default:
		// Queue full: write synchronously rather than drop the entry
		if err := r.store.AppendLog(entry); err != nil {
			r.logger.Error("appending log entry", "execution", exec.ID, "error", err)
		}
	}
}

// logWriter persists queued log entries sequentially
func (r *Runner) logWriter() {
	for entry := range r.logCh {
		if err := r.store.AppendLog(entry); err != nil {
			r.logger.Error("appending log entry", "execution", entry.ExecutionID, "error", err)
		}
	}
	close(r.logDone)
}

// acquire claims the routine in the busy set, backed by a defensive check
// against running executions in storage. The storage check covers trigger
// paths that never consulted the dispatcher's view of the world.
func (r *Runner) acquire(routineID string) error {
	r.mu.Lock()
	if _, ok := r.busy[routineID]; ok {
		r.mu.Unlock()
		return ErrBusy
	}
	r.busy[routineID] = struct{}{}
	r.mu.Unlock()

	running, err := r.store.HasRunningExecution(routineID)
	if err != nil {
		r.release(routineID)
		return fmt.Errorf("checking running executions: %w", err)
	}
	if running {
		r.release(routineID)
		return ErrBusy
	}
	return nil
}

func (r *Runner) release(routineID string) {
	r.mu.Lock()
	delete(r.busy, routineID)
	r.mu.Unlock()
}
