// Package pool tracks the set of Worker processes known to the master:
// their connection state, their current task assignment, and the
// worktree each one owns while running a task.
package pool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/parallelctl/parallelctl/internal/logger"
	"github.com/parallelctl/parallelctl/internal/metrics"
)

// State is a Worker Record's lifecycle state.
//
// offline -> idle -> busy -> idle -> ... -> offline
// busy -> error (a task execution crashed the worker mid-task)
// offline -> error (a stale heartbeat crashed the worker before it
// could be marked error directly, e.g. crash detection raced a
// disconnect callback)
type State int

const (
	StateOffline State = iota
	StateIdle
	StateBusy
	StateError
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var validTransitions = map[State][]State{
	StateOffline: {StateIdle, StateError},
	StateIdle:    {StateBusy, StateOffline},
	StateBusy:    {StateIdle, StateError, StateOffline},
	StateError:   {StateIdle, StateOffline},
}

func (s State) canTransitionTo(target State) bool {
	for _, v := range validTransitions[s] {
		if v == target {
			return true
		}
	}
	return false
}

// Errors returned by the pool.
var (
	ErrUnknownWorker       = errors.New("unknown worker")
	ErrIllegalTransition   = errors.New("illegal worker state transition")
	ErrNoIdleWorkers       = errors.New("no idle workers available")
	ErrRetryBudgetExceeded = errors.New("worker slot retry budget exceeded")
)

// Record is a single Worker's tracked state.
type Record struct {
	ID              string
	State           State
	CurrentTask     string
	WorktreePath    string
	LastHeartbeat   time.Time
	ConnectedAt     time.Time
	retriesThisSlot int
}

func (r *Record) clone() *Record {
	c := *r
	return &c
}

// Pool is the master's registry of Worker Records, guarded by a single
// lock so transitions and reads never interleave.
type Pool struct {
	mu               sync.RWMutex
	workers          map[string]*Record
	maxRetriesPerTask int
	heartbeatTimeout time.Duration
}

// New returns an empty Pool. maxRetriesPerTask bounds how many times a
// single Worker slot may retry a failed task before the task is given up
// on for that slot (spec resolves retry budget as per-Worker-slot, not
// per-task, so a task reassigned to a fresh worker gets a fresh budget).
func New(maxRetriesPerTask int, heartbeatTimeout time.Duration) *Pool {
	return &Pool{
		workers:           make(map[string]*Record),
		maxRetriesPerTask: maxRetriesPerTask,
		heartbeatTimeout:  heartbeatTimeout,
	}
}

// Provision registers a new Worker Record in StateOffline, or returns
// the existing record if id is already known (idempotent on reconnect).
func (p *Pool) Provision(id string) *Record {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r, ok := p.workers[id]; ok {
		return r.clone()
	}

	r := &Record{ID: id, State: StateOffline}
	p.workers[id] = r
	metrics.SetWorkersByState(StateOffline.String(), float64(p.countLocked(StateOffline)))
	return r.clone()
}

// MarkConnected transitions a Worker from offline to idle after it
// completes the RPC registration handshake.
func (p *Pool) MarkConnected(id string) error {
	return p.transition(id, StateIdle, func(r *Record) {
		r.ConnectedAt = time.Now().UTC()
		r.LastHeartbeat = r.ConnectedAt
	})
}

// AcquireIdle picks an idle Worker and transitions it to busy with the
// given task assignment. Returns ErrNoIdleWorkers if none are available.
func (p *Pool) AcquireIdle(taskID string) (*Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range p.workers {
		if r.State == StateIdle {
			if err := p.setStateLocked(r, StateBusy); err != nil {
				return nil, err
			}
			r.CurrentTask = taskID
			return r.clone(), nil
		}
	}
	return nil, ErrNoIdleWorkers
}

// Release transitions a busy Worker back to idle, clearing its task
// assignment and worktree path, and resets its per-slot retry count.
func (p *Pool) Release(id string) error {
	return p.transition(id, StateIdle, func(r *Record) {
		r.CurrentTask = ""
		r.WorktreePath = ""
		r.retriesThisSlot = 0
	})
}

// MarkError transitions a busy Worker to error state, e.g. after an RPC
// handler returns a transport-level failure rather than a task failure.
func (p *Pool) MarkError(id string) error {
	return p.transition(id, StateError, nil)
}

// Recover transitions an errored Worker back to idle once it has
// reconnected and re-registered.
func (p *Pool) Recover(id string) error {
	return p.transition(id, StateIdle, func(r *Record) {
		r.CurrentTask = ""
		r.WorktreePath = ""
	})
}

// SetWorktree records the worktree path a busy Worker is using.
func (p *Pool) SetWorktree(id, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.workers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	r.WorktreePath = path
	return nil
}

// Heartbeat records a liveness ping from id.
func (p *Pool) Heartbeat(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.workers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	r.LastHeartbeat = time.Now().UTC()
	return nil
}

// DetectCrashed scans every Worker that is not already offline (idle,
// busy or error) for a stale heartbeat, transitions each stale one to
// offline, and returns copies of their records as they were before that
// transition. Callers use this to decide which in-flight tasks need to
// be requeued.
func (p *Pool) DetectCrashed() []*Record {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()
	var crashed []*Record
	for _, r := range p.workers {
		if r.State == StateOffline {
			continue
		}
		if now.Sub(r.LastHeartbeat) > p.heartbeatTimeout {
			before := r.clone()
			if r.State == StateBusy {
				metrics.RecordWorkerCrash(r.ID)
			}
			r.State = StateOffline
			crashed = append(crashed, before)
		}
	}
	return crashed
}

// RecordFailureAndCheckBudget increments the per-slot retry counter for
// id's current task and reports whether another retry is still within
// budget.
func (p *Pool) RecordFailureAndCheckBudget(id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.workers[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	r.retriesThisSlot++
	metrics.RecordTaskRetry()
	return r.retriesThisSlot <= p.maxRetriesPerTask, nil
}

// Get returns a snapshot of a single Worker Record.
func (p *Pool) Get(id string) (*Record, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	r, ok := p.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	return r.clone(), nil
}

// All returns a snapshot of every known Worker Record.
func (p *Pool) All() []*Record {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Record, 0, len(p.workers))
	for _, r := range p.workers {
		out = append(out, r.clone())
	}
	return out
}

// Drain transitions every Worker to offline, used during master
// shutdown.
func (p *Pool) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range p.workers {
		r.State = StateOffline
	}
}

func (p *Pool) transition(id string, target State, mutate func(*Record)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.workers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	if err := p.setStateLocked(r, target); err != nil {
		return err
	}
	if mutate != nil {
		mutate(r)
	}
	return nil
}

func (p *Pool) setStateLocked(r *Record, target State) error {
	if !r.State.canTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, r.State, target)
	}
	r.State = target
	for _, s := range []State{StateOffline, StateIdle, StateBusy, StateError} {
		metrics.SetWorkersByState(s.String(), float64(p.countLocked(s)))
	}
	logger.WithComponent("pool").Debug().
		Str("worker_id", r.ID).
		Str("state", target.String()).
		Msg("worker state transition")
	return nil
}

func (p *Pool) countLocked(s State) int {
	n := 0
	for _, r := range p.workers {
		if r.State == s {
			n++
		}
	}
	return n
}
