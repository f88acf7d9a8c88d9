package domain

// RoutineStatus represents the lifecycle state of a routine
type RoutineStatus string

const (
	RoutineActive   RoutineStatus = "active"
	RoutinePaused   RoutineStatus = "paused"
	RoutineDisabled RoutineStatus = "disabled"
)

// TriggerMode determines how a routine gets triggered
type TriggerMode string

const (
	TriggerModeScheduled  TriggerMode = "scheduled"
	TriggerModeOnDemand   TriggerMode = "on_demand"
	TriggerModeTaskDriven TriggerMode = "task_driven"
)

// TriggerType records what initiated an execution
type TriggerType string

const (
	TriggerScheduled  TriggerType = "scheduled"
	TriggerManual     TriggerType = "manual"
	TriggerTaskDriven TriggerType = "task_driven"
)

// ExecutionStatus represents the state of a single run
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskApproved   TaskStatus = "approved"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskBlocked    TaskStatus = "blocked"
)

// Priority represents task priority
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns the dispatch order for a priority; lower runs first.
// Unknown priorities sort after low.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}
