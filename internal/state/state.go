// Package state persists a diagnostic snapshot of the DAG and Pool to
// durable JSON. The snapshot is restart-after-clean-shutdown diagnostic
// data, not a resumption log: a missing or corrupt file is never fatal.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parallelctl/parallelctl/internal/logger"
)

// Phase is the overall run phase captured in a snapshot.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// TaskSnapshot is the durable projection of a single task.
type TaskSnapshot struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Status         string   `json:"status"`
	Priority       int      `json:"priority"`
	Dependencies   []string `json:"dependencies"`
	AssignedWorker string   `json:"assignedWorker,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// WorkerSnapshot is the durable projection of a single Worker Record.
type WorkerSnapshot struct {
	ID              string    `json:"id"`
	Status          string    `json:"status"`
	CurrentTaskID   string    `json:"currentTaskId,omitempty"`
	WorktreePath    string    `json:"worktreePath,omitempty"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// Stats is a pure tally derived from Tasks and Workers; Snapshot never
// mutates it independently of those slices.
type Stats struct {
	TasksByStatus   map[string]int `json:"tasksByStatus"`
	WorkersByStatus map[string]int `json:"workersByStatus"`
}

// Snapshot is the Run State Snapshot: everything needed to describe a
// run's state at a point in time.
type Snapshot struct {
	Phase     Phase            `json:"phase"`
	Tasks     []TaskSnapshot   `json:"tasks"`
	Workers   []WorkerSnapshot `json:"workers"`
	Stats     Stats            `json:"stats"`
	StartedAt time.Time        `json:"startedAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// ComputeStats derives Stats from tasks and workers. Exported so callers
// building a Snapshot never hand-roll the tally.
func ComputeStats(tasks []TaskSnapshot, workers []WorkerSnapshot) Stats {
	s := Stats{
		TasksByStatus:   make(map[string]int),
		WorkersByStatus: make(map[string]int),
	}
	for _, t := range tasks {
		s.TasksByStatus[t.Status]++
	}
	for _, w := range workers {
		s.WorkersByStatus[w.Status]++
	}
	return s
}

// Store persists Snapshots to a fixed path using a temp-file-then-rename
// write, so readers never observe a partially-written file.
type Store struct {
	path string
}

// NewStore returns a Store writing to path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Save writes snapshot to the store's path atomically: serialize to a
// sibling temp file, fsync, then rename over the target.
func (s *Store) Save(snapshot *Snapshot) error {
	snapshot.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("state: create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json.tmp")
	if err != nil {
		return fmt.Errorf("state: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("state: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("state: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("state: rename temp file: %w", err)
	}
	return nil
}

// Load reads the snapshot at the store's path. A missing or unparseable
// file is not an error: Load returns (nil, nil) so the Master can start
// fresh.
func (s *Store) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		logger.WithComponent("state").Warn().Err(err).Msg("snapshot unreadable, starting fresh")
		return nil, nil
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		logger.WithComponent("state").Warn().Err(err).Msg("snapshot unparseable, starting fresh")
		return nil, nil
	}
	return &snapshot, nil
}
