package client

import "time"

// Task mirrors the Control API's JSON representation of a task.
type Task struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Status         string   `json:"status"`
	Priority       int      `json:"priority"`
	Dependencies   []string `json:"dependencies"`
	AssignedWorker string   `json:"assignedWorker,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// Worker mirrors the Control API's JSON representation of a worker
// record.
type Worker struct {
	ID              string    `json:"id"`
	Status          string    `json:"status"`
	CurrentTask     string    `json:"currentTask,omitempty"`
	WorktreePath    string    `json:"worktreePath,omitempty"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// Stats is the tally of tasks and workers by status.
type Stats struct {
	TasksByStatus   map[string]int `json:"tasksByStatus"`
	WorkersByStatus map[string]int `json:"workersByStatus"`
}

// Status is the Run State Snapshot returned by GET /v1/status.
type Status struct {
	Phase     string    `json:"phase"`
	Tasks     []Task    `json:"tasks"`
	Workers   []Worker  `json:"workers"`
	Stats     Stats     `json:"stats"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EventType identifies a Control API event's kind.
type EventType string

const (
	EventTaskReady         EventType = "task.ready"
	EventTaskRunning       EventType = "task.running"
	EventTaskCompleted     EventType = "task.completed"
	EventTaskFailed        EventType = "task.failed"
	EventTaskRequeued      EventType = "task.requeued"
	EventTaskCancelled     EventType = "task.cancelled"
	EventWorkerProvisioned EventType = "worker.provisioned"
	EventWorkerIdle        EventType = "worker.idle"
	EventWorkerBusy        EventType = "worker.busy"
	EventWorkerCrashed     EventType = "worker.crashed"
	EventWorkerRecovered   EventType = "worker.recovered"
	EventRunStarted        EventType = "run.started"
	EventRunCompleted      EventType = "run.completed"
	EventRunFailed         EventType = "run.failed"
	EventProgress          EventType = "task.progress"
)

// Event is one message off the /v1/events WebSocket stream.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}
