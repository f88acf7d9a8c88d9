package toolbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

var (
	// ErrToolTimeout is returned when a tool server does not answer a
	// request within the configured deadline
	ErrToolTimeout = errors.New("tool call timed out")
	// ErrProcDead is returned when the tool server subprocess has exited
	ErrProcDead = errors.New("tool server process is dead")
)

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC error
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ToolInfo describes one callable operation discovered during the handshake
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolResult is the result of a tool call
type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ToolContent represents content in a tool result
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Proc wraps one tool server subprocess speaking line-delimited JSON-RPC
// over its standard streams. Requests carry unique ids; a reader goroutine
// matches responses back to waiting callers, so concurrent requests to the
// same proc serialize through the correlation map rather than a call lock.
type Proc struct {
	cmd    *exec.Cmd // nil for pipe-backed procs in tests
	stdin  io.WriteCloser
	stdout io.ReadCloser

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *JSONRPCResponse
	dead    bool

	done  chan struct{}
	tools []ToolInfo
}

// StartProc spawns the tool server command with the given environment and
// performs the initialize handshake plus tool discovery. Credentials travel
// in env, never argv, so they stay out of process listings.
func StartProc(ctx context.Context, command string, args, env []string, timeout time.Duration) (*Proc, error) {
	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("starting tool server: %w", err)
	}

	p := newProc(stdin, stdout)
	p.cmd = cmd

	if err := p.handshake(ctx, timeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("tool server handshake: %w", err)
	}
	return p, nil
}

// newProc wires a proc over arbitrary streams and starts the reader loop
func newProc(stdin io.WriteCloser, stdout io.ReadCloser) *Proc {
	p := &Proc{
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[int64]chan *JSONRPCResponse),
		done:    make(chan struct{}),
	}
	go p.readLoop()
	return p
}

func (p *Proc) readLoop() {
	scanner := bufio.NewScanner(p.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		var resp JSONRPCResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			continue // not a response line; tool servers may log noise
		}
		p.mu.Lock()
		ch, ok := p.pending[resp.ID]
		if ok {
			delete(p.pending, resp.ID)
		}
		p.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}

	// Stream closed: the subprocess exited or crashed. Fail everything
	// still waiting so no caller hangs on a dead proc.
	p.mu.Lock()
	p.dead = true
	for id, ch := range p.pending {
		delete(p.pending, id)
		close(ch)
	}
	p.mu.Unlock()
	close(p.done)
}

// Alive reports whether the subprocess is still answering
func (p *Proc) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		p.mu.Lock()
		defer p.mu.Unlock()
		return !p.dead
	}
}

// Tools returns the operations discovered during the handshake
func (p *Proc) Tools() []ToolInfo {
	return p.tools
}

// Call sends a correlated request and waits for its response, bounded by
// timeout. A response that never arrives surfaces as ErrToolTimeout instead
// of hanging the execution.
func (p *Proc) Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	p.mu.Lock()
	if p.dead {
		p.mu.Unlock()
		return nil, ErrProcDead
	}
	p.nextID++
	id := p.nextID
	ch := make(chan *JSONRPCResponse, 1)
	p.pending[id] = ch
	p.mu.Unlock()

	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := p.writeLine(req); err != nil {
		p.dropPending(id)
		return nil, fmt.Errorf("writing request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrProcDead
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-timer.C:
		p.dropPending(id)
		return nil, fmt.Errorf("%s: %w", method, ErrToolTimeout)
	case <-ctx.Done():
		p.dropPending(id)
		return nil, ctx.Err()
	}
}

// Notify sends a JSON-RPC notification (no response expected)
func (p *Proc) Notify(method string, params interface{}) error {
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
	}
	if params != nil {
		req["params"] = params
	}
	return p.writeLine(req)
}

func (p *Proc) writeLine(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return ErrProcDead
	}
	_, err = p.stdin.Write(append(data, '\n'))
	return err
}

func (p *Proc) dropPending(id int64) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// handshake initializes the connection and discovers callable tools
func (p *Proc) handshake(ctx context.Context, timeout time.Duration) error {
	params := map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]string{
			"name":    "runway",
			"version": "1.0.0",
		},
	}
	if _, err := p.Call(ctx, "initialize", params, timeout); err != nil {
		return err
	}
	if err := p.Notify("notifications/initialized", nil); err != nil {
		return err
	}

	result, err := p.Call(ctx, "tools/list", map[string]interface{}{}, timeout)
	if err != nil {
		return err
	}
	var listed struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(result, &listed); err != nil {
		return fmt.Errorf("unmarshaling tool list: %w", err)
	}
	p.tools = listed.Tools
	return nil
}

// CallTool invokes a named tool on the server
func (p *Proc) CallTool(ctx context.Context, name string, arguments map[string]interface{}, timeout time.Duration) (*ToolResult, error) {
	result, err := p.Call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": arguments,
	}, timeout)
	if err != nil {
		return nil, err
	}
	var toolResult ToolResult
	if err := json.Unmarshal(result, &toolResult); err != nil {
		return nil, fmt.Errorf("unmarshaling tool result: %w", err)
	}
	return &toolResult, nil
}

// Close shuts the subprocess down: stdin closes first so a well-behaved
// server exits on its own, then the process is reaped.
func (p *Proc) Close() error {
	p.stdin.Close()
	p.stdout.Close()
	if p.cmd != nil {
		return p.cmd.Wait()
	}
	return nil
}
