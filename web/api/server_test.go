package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loopforge/runway/internal/domain"
	"github.com/loopforge/runway/internal/logstream"
	"github.com/loopforge/runway/internal/store"
)

type fakeExecutor struct {
	mu       sync.Mutex
	launches []string
	busyIDs  map[string]bool
	launched chan string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{busyIDs: make(map[string]bool), launched: make(chan string, 8)}
}

func (e *fakeExecutor) Run(ctx context.Context, routine *domain.Routine, trigger domain.TriggerType, taskID string) (string, error) {
	e.mu.Lock()
	e.launches = append(e.launches, routine.ID)
	e.mu.Unlock()
	e.launched <- routine.ID
	return "exec-1", nil
}

func (e *fakeExecutor) Busy(routineID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busyIDs[routineID]
}

func (e *fakeExecutor) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, b := range e.busyIDs {
		if b {
			n++
		}
	}
	return n
}

type testEnv struct {
	store  *store.Store
	exec   *fakeExecutor
	broker *logstream.Broker
	server *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	exec := newFakeExecutor()
	broker := logstream.NewBroker(logger, 64)
	api := NewServer(logger, st, exec, broker, Health{}, "127.0.0.1:0")
	ts := httptest.NewServer(api.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{store: st, exec: exec, broker: broker, server: ts}
}

func (env *testEnv) insertRoutine(t *testing.T, id string, status domain.RoutineStatus) {
	t.Helper()
	r := &domain.Routine{
		ID: id, OwnerID: "owner-1", Name: "routine-" + id, Goal: "g",
		TriggerMode: domain.TriggerModeOnDemand, Status: status,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := env.store.UpsertRoutine(r); err != nil {
		t.Fatal(err)
	}
}

func (env *testEnv) postJSON(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(env.server.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatal(err)
	}
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.insertRoutine(t, "r1", domain.RoutineActive)
	env.insertRoutine(t, "r2", domain.RoutineDisabled)

	resp, err := http.Get(env.server.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	var status StatusResponse
	decodeBody(t, resp, &status)

	if status.Routines != 2 {
		t.Errorf("routines = %d, want 2", status.Routines)
	}
	if status.ActiveRoutine != 1 {
		t.Errorf("active = %d, want 1", status.ActiveRoutine)
	}
	if status.Uptime == "" {
		t.Error("uptime missing")
	}
}

func TestCreateAndGetRoutine(t *testing.T) {
	env := newTestEnv(t)

	resp := env.postJSON(t, "/api/routines", createRoutineRequest{
		OwnerID:     "owner-1",
		Name:        "inbox-triage",
		Goal:        "triage the inbox",
		TriggerMode: "scheduled",
		Schedule:    "hourly",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var created RoutineResponse
	decodeBody(t, resp, &created)
	if created.ID == "" || created.Name != "inbox-triage" {
		t.Errorf("created = %+v", created)
	}

	get, err := http.Get(env.server.URL + "/api/routines/" + created.ID)
	if err != nil {
		t.Fatal(err)
	}
	var fetched RoutineResponse
	decodeBody(t, get, &fetched)
	if fetched.Schedule != "hourly" || fetched.Status != "active" {
		t.Errorf("fetched = %+v", fetched)
	}
}

func TestCreateRoutine_RejectsInvalidSchedule(t *testing.T) {
	env := newTestEnv(t)
	resp := env.postJSON(t, "/api/routines", createRoutineRequest{
		OwnerID: "owner-1", Name: "x", Goal: "g",
		TriggerMode: "scheduled", Schedule: "whenever",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestTriggerRoutine(t *testing.T) {
	env := newTestEnv(t)
	env.insertRoutine(t, "r1", domain.RoutineActive)

	resp := env.postJSON(t, "/api/routines/r1/trigger", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	select {
	case id := <-env.exec.launched:
		if id != "r1" {
			t.Errorf("launched %s, want r1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("trigger never reached the executor")
	}
}

func TestTriggerRoutine_Conflicts(t *testing.T) {
	env := newTestEnv(t)
	env.insertRoutine(t, "busy", domain.RoutineActive)
	env.insertRoutine(t, "off", domain.RoutineDisabled)
	env.exec.busyIDs["busy"] = true

	resp := env.postJSON(t, "/api/routines/busy/trigger", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("busy trigger status = %d, want 409", resp.StatusCode)
	}

	resp = env.postJSON(t, "/api/routines/off/trigger", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("disabled trigger status = %d, want 409", resp.StatusCode)
	}

	resp = env.postJSON(t, "/api/routines/nope/trigger", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown trigger status = %d, want 404", resp.StatusCode)
	}
}

func TestTaskApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	env.insertRoutine(t, "r1", domain.RoutineActive)

	resp := env.postJSON(t, "/api/tasks", createTaskRequest{
		RoutineID: "r1", Title: "follow up", Priority: "high",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var created TaskResponse
	decodeBody(t, resp, &created)
	if created.Status != "pending" {
		t.Errorf("new task status = %s, want pending", created.Status)
	}

	resp = env.postJSON(t, "/api/tasks/"+created.ID+"/approve", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d, want 200", resp.StatusCode)
	}

	// Approving twice conflicts: the task is no longer pending
	resp = env.postJSON(t, "/api/tasks/"+created.ID+"/approve", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("re-approve status = %d, want 409", resp.StatusCode)
	}

	got, err := env.store.GetTask(created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskApproved {
		t.Errorf("stored status = %s, want approved", got.Status)
	}
}

func TestListTasks_StatusFilter(t *testing.T) {
	env := newTestEnv(t)
	env.insertRoutine(t, "r1", domain.RoutineActive)
	for _, tc := range []struct {
		id     string
		status domain.TaskStatus
	}{
		{"t1", domain.TaskPending},
		{"t2", domain.TaskApproved},
		{"t3", domain.TaskApproved},
	} {
		task := &domain.Task{
			ID: tc.id, RoutineID: "r1", Title: tc.id,
			Status: tc.status, Priority: domain.PriorityMedium,
			CreatedAt: time.Now(), UpdatedAt: time.Now(),
		}
		if err := env.store.CreateTask(task); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := http.Get(env.server.URL + "/api/tasks?status=approved")
	if err != nil {
		t.Fatal(err)
	}
	var tasks []TaskResponse
	decodeBody(t, resp, &tasks)
	if len(tasks) != 2 {
		t.Errorf("filtered tasks = %d, want 2", len(tasks))
	}
}

func TestExecutionEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.insertRoutine(t, "r1", domain.RoutineActive)

	started := time.Now().Add(-time.Minute)
	completed := time.Now()
	cost := 0.12
	exec := &domain.Execution{
		ID: "e1", RoutineID: "r1", OwnerID: "owner-1",
		Status: domain.ExecutionRunning, TriggerType: domain.TriggerManual,
		StartedAt: &started,
	}
	if err := env.store.CreateExecution(exec); err != nil {
		t.Fatal(err)
	}
	if err := env.store.FinishExecution("e1", domain.ExecutionCompleted, completed, 60000, &cost, "", domain.ExecutionMetadata{Turns: 2}); err != nil {
		t.Fatal(err)
	}
	if err := env.store.AppendLog(&domain.LogEntry{
		ExecutionID: "e1", Timestamp: started, Level: "info", Stage: "assistant", Message: "working",
	}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(env.server.URL + "/api/executions/e1")
	if err != nil {
		t.Fatal(err)
	}
	var got ExecutionResponse
	decodeBody(t, resp, &got)
	if got.Status != "completed" || got.Cost == nil || *got.Cost != cost {
		t.Errorf("execution = %+v", got)
	}
	if got.Duration != "1m0s" {
		t.Errorf("duration = %q, want 1m0s", got.Duration)
	}

	resp, err = http.Get(env.server.URL + "/api/executions/e1/logs")
	if err != nil {
		t.Fatal(err)
	}
	var logs struct {
		ExecutionID string             `json:"execution_id"`
		Entries     []*domain.LogEntry `json:"entries"`
	}
	decodeBody(t, resp, &logs)
	if len(logs.Entries) != 1 || logs.Entries[0].Message != "working" {
		t.Errorf("logs = %+v", logs)
	}
}

func TestExecutionEventStream_ReplaysFinishedRun(t *testing.T) {
	env := newTestEnv(t)
	env.insertRoutine(t, "r1", domain.RoutineActive)

	started := time.Now()
	exec := &domain.Execution{
		ID: "e1", RoutineID: "r1", OwnerID: "owner-1",
		Status: domain.ExecutionRunning, TriggerType: domain.TriggerManual, StartedAt: &started,
	}
	if err := env.store.CreateExecution(exec); err != nil {
		t.Fatal(err)
	}
	if err := env.store.AppendLog(&domain.LogEntry{
		ExecutionID: "e1", Timestamp: started, Level: "info", Stage: "assistant", Message: "done the thing",
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.store.FinishExecution("e1", domain.ExecutionCompleted, time.Now(), 100, nil, "", domain.ExecutionMetadata{}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(env.server.URL + "/api/executions/e1/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	text := string(body)
	if !strings.Contains(text, "event: log") || !strings.Contains(text, "done the thing") {
		t.Errorf("stream missing replayed log:\n%s", text)
	}
	if !strings.Contains(text, "event: completion") {
		t.Errorf("stream missing completion event:\n%s", text)
	}
}

func TestExecutionEventStream_LiveEvents(t *testing.T) {
	env := newTestEnv(t)
	env.insertRoutine(t, "r1", domain.RoutineActive)

	started := time.Now()
	exec := &domain.Execution{
		ID: "e-live", RoutineID: "r1", OwnerID: "owner-1",
		Status: domain.ExecutionRunning, TriggerType: domain.TriggerManual, StartedAt: &started,
	}
	if err := env.store.CreateExecution(exec); err != nil {
		t.Fatal(err)
	}
	if err := env.store.MarkExecutionRunning("e-live", started); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(env.server.URL + "/api/executions/e-live/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	// Wait for the subscription to register before publishing
	deadline := time.Now().Add(2 * time.Second)
	for env.broker.SubscriberCount(logstream.ExecutionScope("e-live")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.broker.Publish(logstream.ExecutionScope("e-live"), logstream.Event{
		ExecutionID: "e-live", OwnerID: "owner-1", Level: "info", Stage: "assistant", Message: "live line",
	})
	env.broker.PublishCompletion("e-live", logstream.Event{
		ExecutionID: "e-live", OwnerID: "owner-1", FinalStatus: "completed",
	})

	scanner := bufio.NewScanner(resp.Body)
	var sawLive, sawCompletion bool
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "live line") {
			sawLive = true
		}
		if strings.Contains(line, "event: completion") {
			sawCompletion = true
			break
		}
	}
	if !sawLive || !sawCompletion {
		t.Errorf("live=%v completion=%v", sawLive, sawCompletion)
	}
}

func TestOwnerFeed_Websocket(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/feed?owner=owner-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.broker.SubscriberCount(logstream.OwnerScope("owner-1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("feed never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	want := logstream.Event{
		ExecutionID: "e1", RoutineID: "r1", OwnerID: "owner-1",
		Level: "info", Stage: "assistant", Message: "hello owner",
	}
	env.broker.Publish(logstream.OwnerScope("owner-1"), want)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got logstream.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got.Message != "hello owner" || got.ExecutionID != "e1" {
		t.Errorf("got = %+v", got)
	}
}

func TestOwnerFeed_RequiresOwner(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.server.URL + "/api/feed")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
