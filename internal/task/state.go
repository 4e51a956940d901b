package task

import "time"

// validTransitions enumerates the statuses reachable directly from each
// status. A task enters ready from pending when the DAG's
// dependency-resolution pass promotes it through Transition, and from
// failed when a retry requeues it.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusReady, StatusCancelled},
	StatusReady:     {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:    {StatusReady, StatusCancelled}, // requeued for a retry, or given up on
	StatusCompleted: {},
	StatusCancelled: {},
}

// CanTransitionTo reports whether target is a legal next status from s.
func (s Status) CanTransitionTo(target Status) bool {
	for _, v := range validTransitions[s] {
		if v == target {
			return true
		}
	}
	return false
}

// Transition moves the task to target, stamping timestamps along the way.
// Callers hold the DAG's lock; Transition itself does no locking.
func (t *Task) Transition(target Status) error {
	if !t.Status.CanTransitionTo(target) {
		return ErrIllegalTransition
	}
	now := time.Now().UTC()
	t.Status = target
	switch target {
	case StatusRunning:
		t.StartedAt = &now
	case StatusFailed:
		t.failureCount++
		fallthrough
	case StatusCompleted, StatusCancelled:
		t.CompletedAt = &now
	}
	return nil
}

// Reset clears run-specific fields so a failed task can be retried as if
// freshly promoted to ready.
func (t *Task) Reset() {
	t.AssignedWorker = ""
	t.Error = ""
	t.StartedAt = nil
	t.CompletedAt = nil
}
