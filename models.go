package notifyflow

import (
	"encoding/json"
	"time"
)

// TaskStatus enumerates the possible states of a service task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskError      TaskStatus = "ERROR"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskPublished  TaskStatus = "PUBLISHED"
)

// Terminal reports whether no further automatic execution happens in this status.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskPublished
}

// Publishable reports whether the outcome publisher may pick a task in this status.
func (s TaskStatus) Publishable() bool {
	return s == TaskCompleted || s == TaskFailed
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskError, TaskCompleted, TaskFailed, TaskPublished:
		return true
	}
	return false
}

// TaskType selects the executor and the context schema of a task.
type TaskType string

const (
	TaskSendEmail TaskType = "SEND_EMAIL"
)

// Priority is an advisory ordering hint. Higher values are claimed first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 2
	PriorityHigh   Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	}
	return "UNKNOWN"
}

// ParsePriority accepts the names used on the wire ("HIGH", "MEDIUM", "LOW").
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "HIGH":
		return PriorityHigh, true
	case "MEDIUM":
		return PriorityMedium, true
	case "LOW":
		return PriorityLow, true
	}
	return 0, false
}

// Task corresponds to one row in the service_tasks table.
type Task struct {
	ID                   string
	Type                 TaskType
	Status               TaskStatus
	ExternalID           string
	Priority             Priority
	ExecutionCount       int
	ExecutionStartedAt   *time.Time
	ExecutionScheduledAt *time.Time
	Context              json.RawMessage
	Message              *string
	CreatedAt            time.Time
	ModifiedAt           time.Time
}

// ClaimBatch describes one atomic claim of due tasks.
type ClaimBatch struct {
	FromStatuses []TaskStatus
	DueBefore    time.Time
	ToStatus     TaskStatus
	StartedAt    time.Time
	// Limit caps the number of claimed rows. Zero claims every eligible row.
	Limit int
}

// LockQuery selects the single task LockOne takes, oldest first.
type LockQuery struct {
	Types    []TaskType
	Statuses []TaskStatus
	// SkipIDs excludes tasks already tried in the current cycle.
	SkipIDs []string
}

// TerminalUpdate is the state an executor writes back at the end of an attempt.
// ExecutionStartedAt is always cleared.
type TerminalUpdate struct {
	ID                   string
	Status               TaskStatus
	ExecutionCount       int
	Context              json.RawMessage
	Message              *string
	ExecutionScheduledAt *time.Time
	ModifiedAt           time.Time
}
