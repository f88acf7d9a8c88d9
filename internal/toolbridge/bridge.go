// Package toolbridge manages the pool of tool server subprocesses and
// exposes a request/response facade over their line-delimited RPC protocol.
package toolbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// CredentialSource supplies decrypted per-owner credentials for tool server
// environments. Implementations must never log raw values.
type CredentialSource interface {
	Lookup(ctx context.Context, ownerID, key string) (string, error)
}

// Endpoint is one callable operation resolved for an execution
type Endpoint struct {
	Server      string `json:"server"`
	Tool        string `json:"tool"`
	Description string `json:"description,omitempty"`
}

type procKey struct {
	OwnerID string
	Server  string
}

// Bridge owns the subprocess pool, keyed by (owner, tool server). The pool
// is constructed once at process start and handed to the session runner.
type Bridge struct {
	logger    *slog.Logger
	manifests *ManifestSet
	creds     CredentialSource
	timeout   time.Duration

	// spawn is swappable so tests can back procs with in-memory pipes
	spawn func(ctx context.Context, m Manifest, env []string) (*Proc, error)

	mu    sync.Mutex
	procs map[procKey]*Proc
}

// New creates a Bridge over the given manifests and credential source
func New(logger *slog.Logger, manifests *ManifestSet, creds CredentialSource, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Bridge{
		logger:    logger,
		manifests: manifests,
		creds:     creds,
		timeout:   timeout,
		spawn: func(ctx context.Context, m Manifest, env []string) (*Proc, error) {
			return StartProc(ctx, m.Command, m.Args, env, timeout)
		},
		procs: make(map[procKey]*Proc),
	}
}

// Resolve ensures a live subprocess exists for every declared tool server
// and returns the flattened set of callable endpoints.
func (b *Bridge) Resolve(ctx context.Context, ownerID string, servers []string) ([]Endpoint, error) {
	var endpoints []Endpoint
	for _, server := range servers {
		proc, err := b.get(ctx, ownerID, server)
		if err != nil {
			return nil, fmt.Errorf("resolving tool server %q: %w", server, err)
		}
		for _, tool := range proc.Tools() {
			endpoints = append(endpoints, Endpoint{
				Server:      server,
				Tool:        tool.Name,
				Description: tool.Description,
			})
		}
	}
	return endpoints, nil
}

// CallTool routes one tool invocation to the owner's subprocess for that
// server. A dead proc is evicted so the next call respawns it.
func (b *Bridge) CallTool(ctx context.Context, ownerID, server, tool string, args map[string]interface{}) (*ToolResult, error) {
	proc, err := b.get(ctx, ownerID, server)
	if err != nil {
		return nil, err
	}

	result, err := proc.CallTool(ctx, tool, args, b.timeout)
	if errors.Is(err, ErrProcDead) {
		b.evict(ownerID, server)
	}
	return result, err
}

// PoolSize returns the number of live subprocesses
func (b *Bridge) PoolSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.procs)
}

// Shutdown tears down every subprocess. Called on process-wide shutdown.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	procs := b.procs
	b.procs = make(map[procKey]*Proc)
	b.mu.Unlock()

	for key, proc := range procs {
		if err := proc.Close(); err != nil {
			b.logger.Warn("closing tool server", "server", key.Server, "owner", key.OwnerID, "error", err)
		}
	}
}

func (b *Bridge) get(ctx context.Context, ownerID, server string) (*Proc, error) {
	key := procKey{OwnerID: ownerID, Server: server}

	b.mu.Lock()
	if proc, ok := b.procs[key]; ok {
		if proc.Alive() {
			b.mu.Unlock()
			return proc, nil
		}
		// Crashed since last use: evict and respawn below
		delete(b.procs, key)
		b.logger.Warn("evicting dead tool server", "server", server, "owner", ownerID)
	}
	b.mu.Unlock()

	manifest, ok := b.manifests.Get(server)
	if !ok {
		return nil, fmt.Errorf("unknown tool server %q", server)
	}

	env, err := b.buildEnv(ctx, ownerID, manifest)
	if err != nil {
		return nil, err
	}

	proc, err := b.spawn(ctx, manifest, env)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if existing, ok := b.procs[key]; ok && existing.Alive() {
		// Lost a spawn race; keep the first proc
		b.mu.Unlock()
		proc.Close()
		return existing, nil
	}
	b.procs[key] = proc
	b.mu.Unlock()

	b.logger.Info("tool server started", "server", server, "owner", ownerID, "tools", len(proc.Tools()))
	return proc, nil
}

// buildEnv assembles the subprocess environment: inherited process env,
// manifest statics, then decrypted credentials. Credentials go through env
// rather than argv so they never show up in process listings.
func (b *Bridge) buildEnv(ctx context.Context, ownerID string, m Manifest) ([]string, error) {
	env := os.Environ()
	for k, v := range m.Env {
		env = append(env, k+"="+v)
	}
	for _, key := range m.CredentialKeys {
		value, err := b.creds.Lookup(ctx, ownerID, key)
		if err != nil {
			return nil, fmt.Errorf("credential %q for owner %s: %w", key, ownerID, err)
		}
		env = append(env, key+"="+value)
	}
	return env, nil
}

func (b *Bridge) evict(ownerID, server string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := procKey{OwnerID: ownerID, Server: server}
	if proc, ok := b.procs[key]; ok {
		delete(b.procs, key)
		go proc.Close()
	}
}
