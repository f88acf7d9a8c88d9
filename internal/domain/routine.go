package domain

import "time"

// Routine is a user-owned unit of work: a scheduled job or an on-demand
// agent that runs against the AI provider when triggered.
type Routine struct {
	ID           string
	OwnerID      string
	Name         string
	Goal         string // prompt handed to the provider
	TriggerMode  TriggerMode
	Schedule     string // frequency label or cron expression; empty unless scheduled
	Status       RoutineStatus
	LastRunAt    *time.Time
	NextRunAt    *time.Time
	SessionToken string // opaque provider continuity token, rotated after each run
	ToolServers  []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Schedulable returns true if the time scheduler should consider this routine
func (r *Routine) Schedulable() bool {
	return r.Status == RoutineActive && r.TriggerMode == TriggerModeScheduled && r.Schedule != ""
}
