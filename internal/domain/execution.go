package domain

import "time"

// Execution represents a single run of a routine. Once CompletedAt is set
// the record is immutable.
type Execution struct {
	ID          string
	RoutineID   string
	OwnerID     string
	TaskID      string // set when triggered by a task
	Status      ExecutionStatus
	TriggerType TriggerType
	StartedAt   *time.Time
	CompletedAt *time.Time
	DurationMS  int64
	Cost        *float64 // provider-reported; nil means unreported, not free
	Error       string
	Metadata    ExecutionMetadata
}

// ExecutionMetadata is the structured bag persisted with a finished run
type ExecutionMetadata struct {
	Turns        int      `json:"turns,omitempty"`
	ToolsInvoked []string `json:"tools_invoked,omitempty"`
	FilesTouched []string `json:"files_touched,omitempty"`
}

// LogEntry is one append-only log line belonging to an execution
type LogEntry struct {
	ID          int64
	ExecutionID string
	Timestamp   time.Time
	Level       string
	Stage       string // free-text phase label: "setup", "tool_call", "assistant", ...
	Message     string
	Metadata    map[string]string
}
