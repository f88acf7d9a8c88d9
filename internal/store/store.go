package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loopforge/runway/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for routines, tasks,
// executions and logs
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Routines ---

// UpsertRoutine inserts or updates a routine
func (s *Store) UpsertRoutine(r *domain.Routine) error {
	toolsJSON, err := json.Marshal(r.ToolServers)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO routines (id, owner_id, name, goal, trigger_mode, schedule, status, last_run_at, next_run_at, session_token, tool_servers, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			goal = excluded.goal,
			trigger_mode = excluded.trigger_mode,
			schedule = excluded.schedule,
			status = excluded.status,
			tool_servers = excluded.tool_servers,
			updated_at = excluded.updated_at
	`,
		r.ID, r.OwnerID, r.Name, r.Goal, string(r.TriggerMode), r.Schedule,
		string(r.Status), r.LastRunAt, r.NextRunAt, r.SessionToken,
		string(toolsJSON), r.CreatedAt, r.UpdatedAt,
	)
	return err
}

// GetRoutine retrieves a routine by ID
func (s *Store) GetRoutine(id string) (*domain.Routine, error) {
	row := s.db.QueryRow(`
		SELECT id, owner_id, name, goal, trigger_mode, schedule, status, last_run_at, next_run_at, session_token, tool_servers, created_at, updated_at
		FROM routines WHERE id = ?
	`, id)
	return scanRoutine(row)
}

// ListRoutines returns all routines, optionally filtered by owner
func (s *Store) ListRoutines(ownerID string) ([]*domain.Routine, error) {
	query := `SELECT id, owner_id, name, goal, trigger_mode, schedule, status, last_run_at, next_run_at, session_token, tool_servers, created_at, updated_at FROM routines`
	var args []interface{}
	if ownerID != "" {
		query += " WHERE owner_id = ?"
		args = append(args, ownerID)
	}
	query += " ORDER BY created_at"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var routines []*domain.Routine
	for rows.Next() {
		r, err := scanRoutine(rows)
		if err != nil {
			return nil, err
		}
		routines = append(routines, r)
	}
	return routines, rows.Err()
}

// ListDueRoutines returns active scheduled routines whose next_run_at has elapsed.
// Routines that have never run (next_run_at IS NULL) are due immediately.
func (s *Store) ListDueRoutines(now time.Time) ([]*domain.Routine, error) {
	rows, err := s.db.Query(`
		SELECT id, owner_id, name, goal, trigger_mode, schedule, status, last_run_at, next_run_at, session_token, tool_servers, created_at, updated_at
		FROM routines
		WHERE status = ? AND trigger_mode = ? AND (next_run_at IS NULL OR next_run_at <= ?)
		ORDER BY next_run_at
	`, string(domain.RoutineActive), string(domain.TriggerModeScheduled), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*domain.Routine
	for rows.Next() {
		r, err := scanRoutine(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, r)
	}
	return due, rows.Err()
}

// UpdateRoutineSchedule persists last/next run times after a trigger
func (s *Store) UpdateRoutineSchedule(id string, lastRun, nextRun time.Time) error {
	_, err := s.db.Exec(`UPDATE routines SET last_run_at = ?, next_run_at = ?, updated_at = ? WHERE id = ?`,
		lastRun, nextRun, time.Now(), id)
	return err
}

// UpdateRoutineSessionToken rotates the provider continuity token
func (s *Store) UpdateRoutineSessionToken(id, token string) error {
	_, err := s.db.Exec(`UPDATE routines SET session_token = ?, updated_at = ? WHERE id = ?`,
		token, time.Now(), id)
	return err
}

// DisableRoutine soft-disables a routine. Routines are never deleted while
// execution history references them.
func (s *Store) DisableRoutine(id string) error {
	_, err := s.db.Exec(`UPDATE routines SET status = ?, updated_at = ? WHERE id = ?`,
		string(domain.RoutineDisabled), time.Now(), id)
	return err
}

// --- Tasks ---

// CreateTask inserts a new task
func (s *Store) CreateTask(t *domain.Task) error {
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, routine_id, title, description, status, priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, nullString(t.RoutineID), t.Title, t.Description, string(t.Status), string(t.Priority), t.CreatedAt, t.UpdatedAt)
	return err
}

// GetTask retrieves a task by ID
func (s *Store) GetTask(id string) (*domain.Task, error) {
	row := s.db.QueryRow(`
		SELECT id, routine_id, title, description, status, priority, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)
	return scanTask(row)
}

// ListApprovedTasks returns approved tasks whose assigned routine is active,
// ordered by priority (critical first) then creation order.
func (s *Store) ListApprovedTasks() ([]*domain.Task, error) {
	rows, err := s.db.Query(`
		SELECT t.id, t.routine_id, t.title, t.description, t.status, t.priority, t.created_at, t.updated_at
		FROM tasks t
		JOIN routines r ON r.id = t.routine_id
		WHERE t.status = ? AND r.status = ?
		ORDER BY CASE t.priority
			WHEN 'critical' THEN 0
			WHEN 'high' THEN 1
			WHEN 'medium' THEN 2
			WHEN 'low' THEN 3
			ELSE 4 END,
			t.created_at
	`, string(domain.TaskApproved), string(domain.RoutineActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListTasks returns all tasks, newest first
func (s *Store) ListTasks() ([]*domain.Task, error) {
	rows, err := s.db.Query(`
		SELECT id, routine_id, title, description, status, priority, created_at, updated_at
		FROM tasks ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus updates a task's status
func (s *Store) UpdateTaskStatus(id string, status domain.TaskStatus) error {
	_, err := s.db.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now(), id)
	return err
}

// --- Executions ---

// CreateExecution inserts a pending execution row
func (s *Store) CreateExecution(e *domain.Execution) error {
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO executions (id, routine_id, owner_id, task_id, status, trigger_type, started_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.RoutineID, e.OwnerID, nullString(e.TaskID), string(e.Status), string(e.TriggerType), e.StartedAt, string(metaJSON))
	return err
}

// MarkExecutionRunning transitions an execution to running and stamps started_at
func (s *Store) MarkExecutionRunning(id string, startedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE executions SET status = ?, started_at = ? WHERE id = ?`,
		string(domain.ExecutionRunning), startedAt, id)
	return err
}

// FinishExecution records the terminal state of an execution. cost may be
// nil when the provider did not report one; that is stored as NULL, never
// coerced to zero.
func (s *Store) FinishExecution(id string, status domain.ExecutionStatus, completedAt time.Time, durationMS int64, cost *float64, errMsg string, meta domain.ExecutionMetadata) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		UPDATE executions SET status = ?, completed_at = ?, duration_ms = ?, cost = ?, error = ?, metadata = ?
		WHERE id = ? AND completed_at IS NULL
	`, string(status), completedAt, durationMS, cost, errMsg, string(metaJSON), id)
	return err
}

// GetExecution retrieves an execution by ID
func (s *Store) GetExecution(id string) (*domain.Execution, error) {
	row := s.db.QueryRow(`
		SELECT id, routine_id, owner_id, task_id, status, trigger_type, started_at, completed_at, duration_ms, cost, error, metadata
		FROM executions WHERE id = ?
	`, id)
	return scanExecution(row)
}

// HasRunningExecution reports whether any execution for the routine is
// pending or running. This is the storage-level half of the single-flight
// guard; the in-process busy set is the other half.
func (s *Store) HasRunningExecution(routineID string) (bool, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(1) FROM executions WHERE routine_id = ? AND status IN (?, ?)
	`, routineID, string(domain.ExecutionPending), string(domain.ExecutionRunning)).Scan(&count)
	return count > 0, err
}

// ListRecentExecutions returns the most recent executions, newest first
func (s *Store) ListRecentExecutions(limit int) ([]*domain.Execution, error) {
	rows, err := s.db.Query(`
		SELECT id, routine_id, owner_id, task_id, status, trigger_type, started_at, completed_at, duration_ms, cost, error, metadata
		FROM executions ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// --- Logs ---

// AppendLog inserts a log entry for an execution
func (s *Store) AppendLog(entry *domain.LogEntry) error {
	var metaJSON string
	if len(entry.Metadata) > 0 {
		data, err := json.Marshal(entry.Metadata)
		if err != nil {
			return err
		}
		metaJSON = string(data)
	}
	_, err := s.db.Exec(`
		INSERT INTO logs (execution_id, timestamp, level, stage, message, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ExecutionID, entry.Timestamp, entry.Level, entry.Stage, entry.Message, metaJSON)
	return err
}

// ListLogs returns all log entries for an execution in insertion order
func (s *Store) ListLogs(executionID string) ([]*domain.LogEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, execution_id, timestamp, level, stage, message, metadata
		FROM logs WHERE execution_id = ? ORDER BY id
	`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		var level, stage, message, metaJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.Timestamp, &level, &stage, &message, &metaJSON); err != nil {
			return nil, err
		}
		e.Level = level.String
		e.Stage = stage.String
		e.Message = message.String
		if metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &e.Metadata); err != nil {
				return nil, err
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRoutine(row rowScanner) (*domain.Routine, error) {
	var r domain.Routine
	var triggerMode, status string
	var schedule, sessionToken, toolsJSON sql.NullString
	var lastRun, nextRun sql.NullTime

	err := row.Scan(&r.ID, &r.OwnerID, &r.Name, &r.Goal, &triggerMode, &schedule,
		&status, &lastRun, &nextRun, &sessionToken, &toolsJSON, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	r.TriggerMode = domain.TriggerMode(triggerMode)
	r.Status = domain.RoutineStatus(status)
	r.Schedule = schedule.String
	r.SessionToken = sessionToken.String
	if lastRun.Valid {
		r.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		r.NextRunAt = &nextRun.Time
	}
	if toolsJSON.String != "" && toolsJSON.String != "null" {
		if err := json.Unmarshal([]byte(toolsJSON.String), &r.ToolServers); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var t domain.Task
	var routineID, description sql.NullString
	var status, priority string

	err := row.Scan(&t.ID, &routineID, &t.Title, &description, &status, &priority, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	t.RoutineID = routineID.String
	t.Description = description.String
	t.Status = domain.TaskStatus(status)
	t.Priority = domain.Priority(priority)
	return &t, nil
}

func scanExecution(row rowScanner) (*domain.Execution, error) {
	var e domain.Execution
	var taskID, errMsg, metaJSON sql.NullString
	var status, triggerType string
	var startedAt, completedAt sql.NullTime
	var durationMS sql.NullInt64
	var cost sql.NullFloat64

	err := row.Scan(&e.ID, &e.RoutineID, &e.OwnerID, &taskID, &status, &triggerType,
		&startedAt, &completedAt, &durationMS, &cost, &errMsg, &metaJSON)
	if err != nil {
		return nil, err
	}

	e.TaskID = taskID.String
	e.Status = domain.ExecutionStatus(status)
	e.TriggerType = domain.TriggerType(triggerType)
	e.Error = errMsg.String
	e.DurationMS = durationMS.Int64
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	if cost.Valid {
		e.Cost = &cost.Float64
	}
	if metaJSON.String != "" && metaJSON.String != "null" {
		if err := json.Unmarshal([]byte(metaJSON.String), &e.Metadata); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
