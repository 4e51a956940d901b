// Package task defines the unit of work scheduled across the DAG and
// executed by a single Worker at a time.
package task

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Task.
//
// pending -> ready -> running -> {completed | failed | cancelled}
//
// ready is derived: a pending task is promoted once every dependency is
// completed. A failed task may transition back to ready if its Worker's
// retry budget allows another attempt.
type Status int

const (
	StatusPending Status = iota
	StatusReady
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status as its lowercase name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses the status from its lowercase name.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseStatus(str)
	return nil
}

// ParseStatus converts a status name back into a Status, defaulting to
// StatusPending for unrecognized input.
func ParseStatus(s string) Status {
	switch s {
	case "pending":
		return StatusPending
	case "ready":
		return StatusReady
	case "running":
		return StatusRunning
	case "completed":
		return StatusCompleted
	case "failed":
		return StatusFailed
	case "cancelled":
		return StatusCancelled
	default:
		return StatusPending
	}
}

// IsTerminal reports whether the status is completed, failed, or cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is a unit of work in the DAG.
type Task struct {
	ID             string            `json:"id"`
	Title          string            `json:"title"`
	Description    string            `json:"description"`
	Status         Status            `json:"status"`
	Priority       int               `json:"priority"`
	Dependencies   []string          `json:"dependencies"`
	AssignedWorker string            `json:"assignedWorker,omitempty"`
	StartedAt      *time.Time        `json:"startedAt,omitempty"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty"`
	Error          string            `json:"error,omitempty"`
	Result         map[string]any    `json:"result,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	failureCount   int
	insertionOrder int
}

// New creates a Task in StatusPending with a generated id when id is empty.
func New(id, title, description string, priority int, deps []string) *Task {
	if id == "" {
		id = uuid.New().String()
	}
	return &Task{
		ID:           id,
		Title:        title,
		Description:  description,
		Status:       StatusPending,
		Priority:     priority,
		Dependencies: append([]string(nil), deps...),
		Metadata:     make(map[string]string),
	}
}

// FailureCount returns the number of times this task has been marked failed.
func (t *Task) FailureCount() int {
	return t.failureCount
}

// InsertionOrder returns the task's position in the load-time ordering,
// used to break scheduler ties deterministically.
func (t *Task) InsertionOrder() int {
	return t.insertionOrder
}

// SetInsertionOrder records the task's position in the load-time
// ordering. Called once by the DAG when a task set is loaded.
func (t *Task) SetInsertionOrder(n int) {
	t.insertionOrder = n
}

// Clone returns a copy safe to hand to callers outside the DAG's critical
// section. Dependencies and metadata are copied; Result is shared by
// reference.
func (t *Task) Clone() *Task {
	clone := *t
	clone.Dependencies = append([]string(nil), t.Dependencies...)
	if t.Metadata != nil {
		clone.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// Errors returned by the task/DAG layer.
var (
	ErrUnknownTask       = errors.New("unknown task")
	ErrCycleDetected     = errors.New("cycle detected")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrTaskAlreadyExists = errors.New("task already exists")
)
