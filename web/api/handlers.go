package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/loopforge/runway/internal/domain"
)

// RoutineResponse is the API response for a routine
type RoutineResponse struct {
	ID          string   `json:"id"`
	OwnerID     string   `json:"owner_id"`
	Name        string   `json:"name"`
	Goal        string   `json:"goal"`
	TriggerMode string   `json:"trigger_mode"`
	Schedule    string   `json:"schedule,omitempty"`
	Status      string   `json:"status"`
	LastRunAt   *string  `json:"last_run_at,omitempty"`
	NextRunAt   *string  `json:"next_run_at,omitempty"`
	NextRunIn   string   `json:"next_run_in,omitempty"`
	ToolServers []string `json:"tool_servers,omitempty"`
	Running     bool     `json:"running"`
}

// TaskResponse is the API response for a task
type TaskResponse struct {
	ID          string `json:"id"`
	RoutineID   string `json:"routine_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	Age         string `json:"age"`
}

// ExecutionResponse is the API response for an execution
type ExecutionResponse struct {
	ID          string   `json:"id"`
	RoutineID   string   `json:"routine_id"`
	OwnerID     string   `json:"owner_id"`
	TaskID      string   `json:"task_id,omitempty"`
	Status      string   `json:"status"`
	TriggerType string   `json:"trigger_type"`
	StartedAt   *string  `json:"started_at,omitempty"`
	CompletedAt *string  `json:"completed_at,omitempty"`
	Duration    string   `json:"duration,omitempty"`
	Cost        *float64 `json:"cost,omitempty"`
	Turns       int      `json:"turns,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Routines      int    `json:"routines"`
	ActiveRoutine int    `json:"active_routines"`
	PendingTasks  int    `json:"pending_tasks"`
	ApprovedTasks int    `json:"approved_tasks"`
	InFlight      int    `json:"executions_in_flight"`
	Uptime        string `json:"uptime"`
	LastTick      string `json:"scheduler_last_tick,omitempty"`
	LastDispatch  string `json:"dispatcher_last_pass,omitempty"`
}

func (s *Server) routineToResponse(r *domain.Routine) RoutineResponse {
	resp := RoutineResponse{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		Name:        r.Name,
		Goal:        r.Goal,
		TriggerMode: string(r.TriggerMode),
		Schedule:    r.Schedule,
		Status:      string(r.Status),
		ToolServers: r.ToolServers,
		Running:     s.exec.Busy(r.ID),
	}
	if r.LastRunAt != nil {
		t := r.LastRunAt.Format(time.RFC3339)
		resp.LastRunAt = &t
	}
	if r.NextRunAt != nil {
		t := r.NextRunAt.Format(time.RFC3339)
		resp.NextRunAt = &t
		resp.NextRunIn = humanize.Time(*r.NextRunAt)
	}
	return resp
}

func taskToResponse(t *domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		RoutineID:   t.RoutineID,
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		Priority:    string(t.Priority),
		Age:         humanize.Time(t.CreatedAt),
	}
}

func executionToResponse(e *domain.Execution) ExecutionResponse {
	resp := ExecutionResponse{
		ID:          e.ID,
		RoutineID:   e.RoutineID,
		OwnerID:     e.OwnerID,
		TaskID:      e.TaskID,
		Status:      string(e.Status),
		TriggerType: string(e.TriggerType),
		Cost:        e.Cost,
		Turns:       e.Metadata.Turns,
		Error:       e.Error,
	}
	if e.StartedAt != nil {
		t := e.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := e.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &t
	}
	if e.DurationMS > 0 {
		resp.Duration = (time.Duration(e.DurationMS) * time.Millisecond).Round(time.Second).String()
	}
	return resp
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		routines, err := s.store.ListRoutines("")
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		tasks, err := s.store.ListTasks()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		var status StatusResponse
		status.Routines = len(routines)
		for _, rt := range routines {
			if rt.Status == domain.RoutineActive {
				status.ActiveRoutine++
			}
		}
		for _, t := range tasks {
			switch t.Status {
			case domain.TaskPending:
				status.PendingTasks++
			case domain.TaskApproved:
				status.ApprovedTasks++
			}
		}
		status.InFlight = s.exec.InFlight()
		status.Uptime = humanize.Time(s.started)
		if s.health.SchedulerTick != nil {
			if t := s.health.SchedulerTick(); !t.IsZero() {
				status.LastTick = humanize.Time(t)
			}
		}
		if s.health.DispatchPass != nil {
			if t := s.health.DispatchPass(); !t.IsZero() {
				status.LastDispatch = humanize.Time(t)
			}
		}

		writeJSON(w, status)
	}
}

// createRoutineRequest is the POST /api/routines payload
type createRoutineRequest struct {
	OwnerID     string   `json:"owner_id"`
	Name        string   `json:"name"`
	Goal        string   `json:"goal"`
	TriggerMode string   `json:"trigger_mode"`
	Schedule    string   `json:"schedule"`
	ToolServers []string `json:"tool_servers"`
}

func (s *Server) listRoutinesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			routines, err := s.store.ListRoutines(r.URL.Query().Get("owner"))
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			resp := make([]RoutineResponse, 0, len(routines))
			for _, rt := range routines {
				resp = append(resp, s.routineToResponse(rt))
			}
			writeJSON(w, resp)

		case http.MethodPost:
			var req createRoutineRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid body")
				return
			}
			if req.Name == "" || req.Goal == "" || req.OwnerID == "" {
				writeError(w, http.StatusBadRequest, "owner_id, name and goal are required")
				return
			}
			mode := domain.TriggerMode(req.TriggerMode)
			switch mode {
			case domain.TriggerModeScheduled:
				if !domain.ValidSchedule(req.Schedule) {
					writeError(w, http.StatusBadRequest, "invalid schedule")
					return
				}
			case domain.TriggerModeOnDemand, domain.TriggerModeTaskDriven:
			default:
				writeError(w, http.StatusBadRequest, "invalid trigger_mode")
				return
			}

			now := time.Now()
			routine := &domain.Routine{
				ID:          uuid.NewString(),
				OwnerID:     req.OwnerID,
				Name:        req.Name,
				Goal:        req.Goal,
				TriggerMode: mode,
				Schedule:    req.Schedule,
				Status:      domain.RoutineActive,
				ToolServers: req.ToolServers,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := s.store.UpsertRoutine(routine); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			w.WriteHeader(http.StatusCreated)
			writeJSON(w, s.routineToResponse(routine))

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// routineHandler serves /api/routines/{id} and its trigger and disable actions
func (s *Server) routineHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/routines/")
		id, action, _ := strings.Cut(path, "/")
		if id == "" {
			writeError(w, http.StatusBadRequest, "routine ID required")
			return
		}

		routine, err := s.store.GetRoutine(id)
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "routine not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		switch {
		case action == "" && r.Method == http.MethodGet:
			writeJSON(w, s.routineToResponse(routine))

		case action == "trigger" && r.Method == http.MethodPost:
			s.triggerRoutine(w, routine)

		case action == "disable" && r.Method == http.MethodPost:
			if err := s.store.DisableRoutine(id); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, map[string]string{"status": "disabled"})

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// triggerRoutine starts a manual run. The run proceeds in the background;
// clients follow it over the owner feed or the execution event stream.
func (s *Server) triggerRoutine(w http.ResponseWriter, routine *domain.Routine) {
	if routine.Status != domain.RoutineActive {
		writeError(w, http.StatusConflict, "routine is disabled")
		return
	}
	if s.exec.Busy(routine.ID) {
		writeError(w, http.StatusConflict, "routine already executing")
		return
	}

	go func() {
		if _, err := s.exec.Run(context.Background(), routine, domain.TriggerManual, ""); err != nil {
			s.logger.Warn("manual trigger", "routine", routine.ID, "error", err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "triggered", "routine_id": routine.ID})
}

// createTaskRequest is the POST /api/tasks payload
type createTaskRequest struct {
	RoutineID   string `json:"routine_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
}

func (s *Server) listTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			tasks, err := s.store.ListTasks()
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			filter := r.URL.Query().Get("status")
			resp := make([]TaskResponse, 0, len(tasks))
			for _, t := range tasks {
				if filter != "" && string(t.Status) != filter {
					continue
				}
				resp = append(resp, taskToResponse(t))
			}
			writeJSON(w, resp)

		case http.MethodPost:
			var req createTaskRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid body")
				return
			}
			if req.RoutineID == "" || req.Title == "" {
				writeError(w, http.StatusBadRequest, "routine_id and title are required")
				return
			}
			if _, err := s.store.GetRoutine(req.RoutineID); errors.Is(err, sql.ErrNoRows) {
				writeError(w, http.StatusBadRequest, "unknown routine")
				return
			} else if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			priority := domain.Priority(req.Priority)
			if req.Priority == "" {
				priority = domain.PriorityMedium
			}

			now := time.Now()
			task := &domain.Task{
				ID:          uuid.NewString(),
				RoutineID:   req.RoutineID,
				Title:       req.Title,
				Description: req.Description,
				Status:      domain.TaskPending,
				Priority:    priority,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := s.store.CreateTask(task); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			w.WriteHeader(http.StatusCreated)
			writeJSON(w, taskToResponse(task))

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// taskHandler serves /api/tasks/{id} and the approve action
func (s *Server) taskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
		id, action, _ := strings.Cut(path, "/")
		if id == "" {
			writeError(w, http.StatusBadRequest, "task ID required")
			return
		}

		task, err := s.store.GetTask(id)
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		switch {
		case action == "" && r.Method == http.MethodGet:
			writeJSON(w, taskToResponse(task))

		case action == "approve" && r.Method == http.MethodPost:
			if task.Status != domain.TaskPending {
				writeError(w, http.StatusConflict, "only pending tasks can be approved")
				return
			}
			if err := s.store.UpdateTaskStatus(id, domain.TaskApproved); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, map[string]string{"status": "approved"})

		case action == "block" && r.Method == http.MethodPost:
			if err := s.store.UpdateTaskStatus(id, domain.TaskBlocked); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, map[string]string{"status": "blocked"})

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) listExecutionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}

		execs, err := s.store.ListRecentExecutions(limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := make([]ExecutionResponse, 0, len(execs))
		for _, e := range execs {
			resp = append(resp, executionToResponse(e))
		}
		writeJSON(w, resp)
	}
}

// executionHandler serves /api/executions/{id}, its logs and its live
// event stream
func (s *Server) executionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		path := strings.TrimPrefix(r.URL.Path, "/api/executions/")
		id, action, _ := strings.Cut(path, "/")
		if id == "" {
			writeError(w, http.StatusBadRequest, "execution ID required")
			return
		}

		exec, err := s.store.GetExecution(id)
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		switch action {
		case "":
			writeJSON(w, executionToResponse(exec))

		case "logs":
			logs, err := s.store.ListLogs(id)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, map[string]interface{}{
				"execution_id": id,
				"entries":      logs,
			})

		case "events":
			s.streamExecution(w, r, exec)

		default:
			writeError(w, http.StatusNotFound, "unknown action")
		}
	}
}
