// Package scheduler picks which ready tasks to hand out next. It holds
// no state of its own; every call is a pure function of the DAG's
// current ready set.
package scheduler

import "sort"

// Policy names a task-selection strategy.
type Policy string

// PriorityFirst orders ready tasks by ascending Priority (lower number
// means higher priority), breaking ties by ascending load-time
// insertion order so that repeated calls over an unchanged ready set
// are stable.
const PriorityFirst Policy = "priority_first"

// Candidate is the minimal view of a ready task the scheduler needs to
// rank it; callers adapt *task.Task into this shape so the scheduler
// package stays decoupled from the task package's internals.
type Candidate struct {
	ID             string
	Priority       int
	InsertionOrder int
}

// Scheduler selects the next batch of candidates to dispatch under a
// fixed Policy.
type Scheduler struct {
	policy Policy
}

// New returns a Scheduler using policy. Unrecognized policies fall back
// to PriorityFirst.
func New(policy Policy) *Scheduler {
	if policy == "" {
		policy = PriorityFirst
	}
	return &Scheduler{policy: policy}
}

// NextBatch returns up to k candidates from ready, ordered by the
// scheduler's policy. ready is not mutated.
func (s *Scheduler) NextBatch(ready []Candidate, k int) []Candidate {
	if k <= 0 || len(ready) == 0 {
		return nil
	}

	ordered := make([]Candidate, len(ready))
	copy(ordered, ready)

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].InsertionOrder < ordered[j].InsertionOrder
	})

	if k > len(ordered) {
		k = len(ordered)
	}
	return ordered[:k]
}
