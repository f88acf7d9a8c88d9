package toolbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

// fakeServer speaks just enough line-delimited JSON-RPC to stand in for a
// tool server. Behavior is tweakable per test.
type fakeServer struct {
	hangOn map[string]bool // methods that never get a response
	tools  []ToolInfo

	stdin  io.ReadCloser  // server reads requests here
	stdout io.WriteCloser // server writes responses here
}

func startFakeServer(t *testing.T, hangOn ...string) (*Proc, *fakeServer) {
	t.Helper()

	clientToServer, procStdin := io.Pipe()
	procStdout, serverToClient := io.Pipe()

	srv := &fakeServer{
		hangOn: make(map[string]bool),
		tools: []ToolInfo{
			{Name: "search", Description: "search the mailbox"},
			{Name: "send", Description: "send a message"},
		},
		stdin:  clientToServer,
		stdout: serverToClient,
	}
	for _, m := range hangOn {
		srv.hangOn[m] = true
	}
	go srv.serve()

	proc := newProc(procStdin, procStdout)
	t.Cleanup(func() {
		procStdin.Close()
		serverToClient.Close()
	})
	return proc, srv
}

func (s *fakeServer) serve() {
	scanner := bufio.NewScanner(s.stdin)
	for scanner.Scan() {
		var req JSONRPCRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		if req.Method == "" || s.hangOn[req.Method] {
			continue
		}
		if strings.HasPrefix(req.Method, "notifications/") {
			continue
		}

		var result interface{}
		switch req.Method {
		case "initialize":
			result = map[string]interface{}{"protocolVersion": "2024-11-05"}
		case "tools/list":
			result = map[string]interface{}{"tools": s.tools}
		case "tools/call":
			var params struct {
				Name      string                 `json:"name"`
				Arguments map[string]interface{} `json:"arguments"`
			}
			raw, _ := json.Marshal(req.Params)
			json.Unmarshal(raw, &params)
			result = ToolResult{Content: []ToolContent{{Type: "text", Text: "called " + params.Name}}}
		default:
			result = map[string]interface{}{}
		}

		resultJSON, _ := json.Marshal(result)
		resp := JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: resultJSON}
		data, _ := json.Marshal(resp)
		s.stdout.Write(append(data, '\n'))
	}
}

func (s *fakeServer) crash() {
	s.stdout.Close()
	s.stdin.Close()
}

func TestProc_HandshakeDiscoversTools(t *testing.T) {
	proc, _ := startFakeServer(t)

	if err := proc.handshake(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}
	tools := proc.Tools()
	if len(tools) != 2 {
		t.Fatalf("tool count = %d, want 2", len(tools))
	}
	if tools[0].Name != "search" {
		t.Errorf("first tool = %q, want search", tools[0].Name)
	}
}

func TestProc_CallToolRoundTrip(t *testing.T) {
	proc, _ := startFakeServer(t)

	result, err := proc.CallTool(context.Background(), "search", map[string]interface{}{"query": "unread"}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "called search" {
		t.Errorf("result = %+v", result)
	}
}

func TestProc_ConcurrentCallsCorrelate(t *testing.T) {
	proc, _ := startFakeServer(t)

	const calls = 20
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		go func() {
			result, err := proc.CallTool(context.Background(), "search", nil, 2*time.Second)
			if err == nil && result.Content[0].Text != "called search" {
				err = errors.New("mismatched response: " + result.Content[0].Text)
			}
			errs <- err
		}()
	}
	for i := 0; i < calls; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
}

// A hung subprocess must surface as a timeout, never an indefinite hang
func TestProc_TimeoutOnHungServer(t *testing.T) {
	proc, _ := startFakeServer(t, "tools/call")

	done := make(chan error, 1)
	go func() {
		_, err := proc.CallTool(context.Background(), "search", nil, 100*time.Millisecond)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrToolTimeout) {
			t.Errorf("error = %v, want ErrToolTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call to hung server never returned")
	}
}

func TestProc_CrashFailsPendingCalls(t *testing.T) {
	proc, srv := startFakeServer(t, "tools/call")

	done := make(chan error, 1)
	go func() {
		_, err := proc.CallTool(context.Background(), "search", nil, 5*time.Second)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond) // let the request get in flight
	srv.crash()

	select {
	case err := <-done:
		if !errors.Is(err, ErrProcDead) {
			t.Errorf("error = %v, want ErrProcDead", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not failed after crash")
	}

	if proc.Alive() {
		t.Error("proc still alive after crash")
	}
}
