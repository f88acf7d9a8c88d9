// Package provider abstracts the external AI-agent service. A provider
// takes a goal, an optional continuity token and a set of callable tool
// endpoints, and streams structured events back until a terminal result.
package provider

import (
	"context"

	"github.com/loopforge/runway/internal/toolbridge"
)

// EventKind discriminates provider stream events
type EventKind string

const (
	EventAssistant EventKind = "assistant" // assistant text
	EventToolUse   EventKind = "tool_use"  // the agent invoked a tool
	EventResult    EventKind = "result"    // terminal; exactly one per run
)

// Event is one element of the provider's event stream
type Event struct {
	Kind    EventKind
	Text    string
	Tool    string // set for tool_use
	Result  *Result
}

// Result carries the terminal accounting for a run. Cost is nil when the
// provider did not report one.
type Result struct {
	SessionToken string
	Cost         *float64
	DurationMS   int64
	Turns        int
	IsError      bool
	Error        string
}

// Request describes one provider invocation
type Request struct {
	Goal         string
	SessionToken string // resume prior context when non-empty
	Endpoints    []toolbridge.Endpoint
	OwnerID      string
	RoutineID    string
}

// Provider runs a request and streams events. The returned channel is
// closed after the terminal result event; err covers failures to start the
// stream, while in-stream failures arrive as a result event with IsError.
type Provider interface {
	Run(ctx context.Context, req Request) (<-chan Event, error)
}
