package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/loopforge/runway/internal/toolbridge"
)

// CLIProvider drives an agent CLI in non-interactive mode and translates
// its stream-json output into provider events.
type CLIProvider struct {
	Command   string // defaults to "claude"
	Model     string
	Logger    *slog.Logger
	Manifests *toolbridge.ManifestSet
	Creds     toolbridge.CredentialSource
	WorkDir   string
}

// streamLine covers the subset of stream-json messages we care about
type streamLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
			Name string `json:"name,omitempty"` // tool_use
		} `json:"content"`
	} `json:"message,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
	NumTurns   int      `json:"num_turns,omitempty"`
	DurationMS int64    `json:"duration_ms,omitempty"`
	TotalCost  *float64 `json:"total_cost_usd,omitempty"`
	CostUSD    *float64 `json:"cost_usd,omitempty"`
	IsError    bool     `json:"is_error,omitempty"`
	Result     string   `json:"result,omitempty"`
}

// Run implements Provider
func (p *CLIProvider) Run(ctx context.Context, req Request) (<-chan Event, error) {
	command := p.Command
	if command == "" {
		command = "claude"
	}

	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
	}
	if p.Model != "" {
		args = append(args, "--model", p.Model)
	}
	if req.SessionToken != "" {
		args = append(args, "--resume", req.SessionToken)
	}

	configPath, cleanup, err := p.writeMCPConfig(ctx, req)
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		args = append(args, "--mcp-config", configPath)
	}
	args = append(args, "-p", req.Goal)

	cmd := exec.CommandContext(ctx, command, args...)
	if p.WorkDir != "" {
		cmd.Dir = p.WorkDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cleanup()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, fmt.Errorf("starting %s: %w", command, err)
	}

	events := make(chan Event, 64)
	go func() {
		defer close(events)
		defer cleanup()

		start := time.Now()
		sawResult := false

		scanner := bufio.NewScanner(stdout)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 2*1024*1024)
		for scanner.Scan() {
			ev, ok := parseStreamLine(scanner.Bytes())
			if !ok {
				continue
			}
			if ev.Kind == EventResult {
				sawResult = true
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				cmd.Wait()
				return
			}
		}

		err := cmd.Wait()
		if !sawResult {
			// The CLI died without its terminal message; synthesize one so
			// the session manager always sees a terminal result.
			msg := "provider exited without a result"
			if err != nil {
				msg = fmt.Sprintf("provider exited: %v", err)
			}
			events <- Event{Kind: EventResult, Result: &Result{
				DurationMS: time.Since(start).Milliseconds(),
				IsError:    true,
				Error:      msg,
			}}
		}
	}()

	return events, nil
}

// parseStreamLine maps one stream-json line onto a provider event
func parseStreamLine(line []byte) (Event, bool) {
	var msg streamLine
	if err := json.Unmarshal(line, &msg); err != nil {
		return Event{}, false
	}

	switch msg.Type {
	case "assistant":
		for _, content := range msg.Message.Content {
			switch content.Type {
			case "text":
				if content.Text != "" {
					return Event{Kind: EventAssistant, Text: content.Text}, true
				}
			case "tool_use":
				return Event{Kind: EventToolUse, Tool: content.Name}, true
			}
		}
		return Event{}, false
	case "result":
		cost := msg.TotalCost
		if cost == nil {
			cost = msg.CostUSD
		}
		return Event{
			Kind: EventResult,
			Text: msg.Result,
			Result: &Result{
				SessionToken: msg.SessionID,
				Cost:         cost,
				DurationMS:   msg.DurationMS,
				Turns:        msg.NumTurns,
				IsError:      msg.IsError || msg.Subtype == "error",
				Error:        errorText(msg),
			},
		}, true
	}
	return Event{}, false
}

func errorText(msg streamLine) string {
	if msg.IsError || msg.Subtype == "error" {
		if msg.Result != "" {
			return msg.Result
		}
		return "provider reported an error"
	}
	return ""
}

// writeMCPConfig renders the tool servers referenced by the request into an
// MCP config file the CLI can launch. The file carries credentials in the
// per-server env block, so it is written 0600 and removed after the run
// instead of being passed inline through argv.
func (p *CLIProvider) writeMCPConfig(ctx context.Context, req Request) (string, func(), error) {
	noop := func() {}
	if p.Manifests == nil || len(req.Endpoints) == 0 {
		return "", noop, nil
	}

	servers := make(map[string]struct{})
	for _, ep := range req.Endpoints {
		servers[ep.Server] = struct{}{}
	}

	mcpServers := make(map[string]interface{})
	for name := range servers {
		manifest, ok := p.Manifests.Get(name)
		if !ok {
			continue
		}
		env := make(map[string]string, len(manifest.Env)+len(manifest.CredentialKeys))
		for k, v := range manifest.Env {
			env[k] = v
		}
		if p.Creds != nil {
			for _, key := range manifest.CredentialKeys {
				value, err := p.Creds.Lookup(ctx, req.OwnerID, key)
				if err != nil {
					return "", noop, fmt.Errorf("credential for tool server %q: %w", name, err)
				}
				env[key] = value
			}
		}
		mcpServers[name] = map[string]interface{}{
			"command": manifest.Command,
			"args":    manifest.Args,
			"env":     env,
		}
	}
	if len(mcpServers) == 0 {
		return "", noop, nil
	}

	data, err := json.Marshal(map[string]interface{}{"mcpServers": mcpServers})
	if err != nil {
		return "", noop, err
	}

	dir := p.WorkDir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, fmt.Sprintf(".runway-mcp-%s.json", req.RoutineID))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", noop, err
	}
	return path, func() { os.Remove(path) }, nil
}
