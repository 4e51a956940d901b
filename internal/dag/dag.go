// Package dag owns the task dependency graph: loading it, detecting
// cycles, and tracking each task's lifecycle as Ready/Running/Completed/
// Failed transitions come in from the scheduler and pool.
package dag

import (
	"fmt"
	"sort"
	"sync"

	"github.com/parallelctl/parallelctl/internal/task"
)

// DAG is the task dependency graph for a single run. All mutating and
// reading operations take the same lock, so callers never observe a
// partially-applied transition.
type DAG struct {
	mu         sync.RWMutex
	tasks      map[string]*task.Task
	dependents map[string][]string // taskID -> tasks that list it as a dependency
	order      []string            // load-time insertion order, for deterministic iteration
}

// New returns an empty DAG.
func New() *DAG {
	return &DAG{
		tasks:      make(map[string]*task.Task),
		dependents: make(map[string][]string),
	}
}

// Load replaces the DAG's contents with tasks, validating that every
// dependency reference resolves to a task in the set and that the
// resulting graph is acyclic. On any error the DAG is left unchanged.
func (d *DAG) Load(tasks []*task.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	byID := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		if _, exists := byID[t.ID]; exists {
			return fmt.Errorf("%w: %s", task.ErrTaskAlreadyExists, t.ID)
		}
		byID[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("%w: %s depends on unknown task %s", task.ErrUnknownTask, t.ID, dep)
			}
		}
	}
	if cycle := detectCycle(byID); cycle != nil {
		return fmt.Errorf("%w: %v", task.ErrCycleDetected, cycle)
	}

	dependents := make(map[string][]string, len(byID))
	order := make([]string, 0, len(tasks))
	for i, t := range tasks {
		t.Status = task.StatusPending
		for _, dep := range t.Dependencies {
			dependents[dep] = append(dependents[dep], t.ID)
		}
		order = append(order, t.ID)
		t.SetInsertionOrder(i)
	}

	d.tasks = byID
	d.dependents = dependents
	d.order = order
	d.promoteReadyLocked()
	return nil
}

// detectCycle runs a DFS over dependency edges, marking each task
// unvisited, visiting (on the current recursion stack) or visited. An
// edge to a visiting task is a back-edge: the returned path runs from
// that task along the stack and back to it. It returns nil if the graph
// is acyclic.
func detectCycle(tasks map[string]*task.Task) []string {
	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(tasks))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range tasks[id].Dependencies {
			switch state[dep] {
			case visiting:
				// found the back-edge; unwind the stack to the cycle start
				for i, s := range stack {
					if s == dep {
						cyc := append([]string(nil), stack[i:]...)
						return append(cyc, dep)
					}
				}
			case unvisited:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = visited
		return nil
	}

	ids := sortedKeys(tasks)
	for _, id := range ids {
		if state[id] == unvisited {
			if cyc := visit(id); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

func sortedKeys(tasks map[string]*task.Task) []string {
	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// promoteReadyLocked moves any pending task whose dependencies are all
// completed into StatusReady. Callers must hold d.mu.
func (d *DAG) promoteReadyLocked() {
	for _, id := range d.order {
		t := d.tasks[id]
		if t.Status != task.StatusPending {
			continue
		}
		if d.dependenciesSatisfiedLocked(t) {
			_ = t.Transition(task.StatusReady)
		}
	}
}

func (d *DAG) dependenciesSatisfiedLocked(t *task.Task) bool {
	for _, dep := range t.Dependencies {
		depTask, ok := d.tasks[dep]
		if !ok || depTask.Status != task.StatusCompleted {
			return false
		}
	}
	return true
}

// Ready returns a snapshot of every task currently in StatusReady, in
// load-time insertion order.
func (d *DAG) Ready() []*task.Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ready []*task.Task
	for _, id := range d.order {
		t := d.tasks[id]
		if t.Status == task.StatusReady {
			ready = append(ready, t.Clone())
		}
	}
	return ready
}

// Get returns a snapshot of a single task.
func (d *DAG) Get(id string) (*task.Task, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	t, ok := d.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrUnknownTask, id)
	}
	return t.Clone(), nil
}

// All returns a snapshot of every task in the graph, in load-time order.
func (d *DAG) All() []*task.Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*task.Task, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.tasks[id].Clone())
	}
	return out
}

// MarkRunning transitions a ready task to running and records its worker.
func (d *DAG) MarkRunning(id, workerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", task.ErrUnknownTask, id)
	}
	if err := t.Transition(task.StatusRunning); err != nil {
		return err
	}
	t.AssignedWorker = workerID
	return nil
}

// MarkCompleted transitions a running task to completed, records its
// result, and promotes any newly-unblocked dependents to ready.
func (d *DAG) MarkCompleted(id string, result map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", task.ErrUnknownTask, id)
	}
	if err := t.Transition(task.StatusCompleted); err != nil {
		return err
	}
	t.Result = result
	d.promoteReadyLocked()
	return nil
}

// MarkFailed transitions a running task to failed and records the error.
// The task does not automatically become ready again; the orchestrator
// calls Requeue when the Worker's retry budget allows another attempt.
func (d *DAG) MarkFailed(id, errMsg string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", task.ErrUnknownTask, id)
	}
	if err := t.Transition(task.StatusFailed); err != nil {
		return err
	}
	t.Error = errMsg
	return nil
}

// Requeue moves a failed task back to ready for another attempt.
func (d *DAG) Requeue(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", task.ErrUnknownTask, id)
	}
	t.Reset()
	return t.Transition(task.StatusReady)
}

// Cancel transitions a task to cancelled from any non-terminal status.
func (d *DAG) Cancel(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", task.ErrUnknownTask, id)
	}
	return t.Transition(task.StatusCancelled)
}

// Dependents returns the task IDs that directly depend on id.
func (d *DAG) Dependents(id string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	deps := d.dependents[id]
	out := make([]string, len(deps))
	copy(out, deps)
	return out
}

// Done reports whether every task in the graph has reached a terminal
// status.
func (d *DAG) Done() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, id := range d.order {
		if !d.tasks[id].Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Failed reports whether any task in the graph is in StatusFailed, used
// to decide whether a completed run should be reported as a failure.
func (d *DAG) Failed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, id := range d.order {
		if d.tasks[id].Status == task.StatusFailed {
			return true
		}
	}
	return false
}
