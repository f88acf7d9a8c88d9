package domain

import "time"

// Task is a request for a routine to act. Tasks are created pending,
// approved by a human or an upstream orchestrator, and picked up by the
// dispatcher once approved.
type Task struct {
	ID          string
	RoutineID   string // assigned routine; empty until assignment
	Title       string
	Description string
	Status      TaskStatus
	Priority    Priority
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Dispatchable returns true if the dispatcher may hand this task to a routine
func (t *Task) Dispatchable() bool {
	return t.Status == TaskApproved && t.RoutineID != ""
}
