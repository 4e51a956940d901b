// Package orchestrator implements the Master's event-driven main loop:
// it binds the task DAG, the scheduler, the worker pool, and the RPC
// transport together, dispatching ready tasks to idle workers and
// reacting to their completions, failures, and disconnects.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/parallelctl/parallelctl/internal/config"
	"github.com/parallelctl/parallelctl/internal/dag"
	"github.com/parallelctl/parallelctl/internal/events"
	"github.com/parallelctl/parallelctl/internal/logger"
	"github.com/parallelctl/parallelctl/internal/pool"
	"github.com/parallelctl/parallelctl/internal/rpc"
	"github.com/parallelctl/parallelctl/internal/scheduler"
	"github.com/parallelctl/parallelctl/internal/state"
	"github.com/parallelctl/parallelctl/internal/task"
)

// cancelGrace is how long the Master waits for a cancelled Worker to
// acknowledge before treating it as crashed (spec.md §4.6).
const cancelGrace = 5 * time.Second

// Orchestrator binds the DAG, Scheduler, Pool, and RPC transport into
// the main loop described in spec.md §4.6.
type Orchestrator struct {
	cfg       config.Config
	dag       *dag.DAG
	scheduler *scheduler.Scheduler
	pool      *pool.Pool
	rpcServer *rpc.Server
	store     *state.Store
	autosave  *state.AutoSaver
	publisher events.Publisher

	connsMu sync.RWMutex
	conns   map[string]*rpc.Conn

	wake chan struct{}

	runningMu sync.Mutex
	running   map[string]context.CancelFunc

	stopMu sync.Mutex
	stopFn context.CancelFunc

	provisioner  *pool.Provisioner
	maxWorkers   int
	provisionMu  sync.Mutex
	provisioning int
}

// New builds an Orchestrator. publisher may be nil to disable event
// emission.
func New(cfg config.Config, d *dag.DAG, sch *scheduler.Scheduler, p *pool.Pool, srv *rpc.Server, store *state.Store, publisher events.Publisher) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		dag:       d,
		scheduler: sch,
		pool:      p,
		rpcServer: srv,
		store:     store,
		publisher: publisher,
		conns:     make(map[string]*rpc.Conn),
		wake:      make(chan struct{}, 1),
		running:   make(map[string]context.CancelFunc),
	}
	saveInterval := cfg.Master.StateSaveInterval
	if saveInterval <= 0 {
		saveInterval = 30 * time.Second
	}
	o.autosave = state.NewAutoSaver(store, saveInterval, o.snapshot)
	return o
}

// SetProvisioner equips the Orchestrator to grow the Worker pool on
// demand (spec.md §4.3: provision when count < cap and work is
// waiting). Without a provisioner, the Orchestrator only ever uses
// Workers that connect on their own (e.g. pre-launched, or test doubles).
func (o *Orchestrator) SetProvisioner(p *pool.Provisioner, maxWorkers int) {
	o.provisioner = p
	o.maxWorkers = maxWorkers
}

// Wake signals the main loop to re-evaluate ready tasks and idle
// workers. Safe from any goroutine; redundant wakeups coalesce.
func (o *Orchestrator) Wake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Run accepts Worker connections and drives the scheduling loop until
// the DAG completes or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.stopMu.Lock()
	o.stopFn = cancel
	o.stopMu.Unlock()
	defer cancel()

	o.autosave.Start(ctx)
	defer o.autosave.Stop()

	go o.acceptLoop(ctx)
	go o.crashDetectionLoop(ctx)

	o.Wake()
	for {
		select {
		case <-ctx.Done():
			o.pool.Drain()
			o.teardownProvisioned()
			_ = o.store.Save(o.snapshot())
			return ctx.Err()
		case <-o.wake:
			o.scheduleReady(ctx)
			if o.dag.Done() {
				_ = o.store.Save(o.snapshot())
				if o.dag.Failed() {
					o.publish(events.EventRunFailed, events.RunStatsData(o.taskStats(), o.workerStats()))
					return errors.New("orchestrator: run completed with failed tasks")
				}
				o.publish(events.EventRunCompleted, events.RunStatsData(o.taskStats(), o.workerStats()))
				return nil
			}
		}
	}
}

// scheduleReady hands out as many ready tasks to idle workers as
// possible in one pass, exactly spec.md §4.6's inner while loop.
func (o *Orchestrator) scheduleReady(ctx context.Context) {
	for {
		readyTasks := o.dag.Ready()
		if len(readyTasks) == 0 {
			return
		}

		candidates := make([]scheduler.Candidate, len(readyTasks))
		byID := make(map[string]*task.Task, len(readyTasks))
		for i, t := range readyTasks {
			candidates[i] = scheduler.Candidate{ID: t.ID, Priority: t.Priority, InsertionOrder: t.InsertionOrder()}
			byID[t.ID] = t
		}

		batch := o.scheduler.NextBatch(candidates, 1)
		if len(batch) == 0 {
			return
		}
		t := byID[batch[0].ID]

		worker, err := o.pool.AcquireIdle(t.ID)
		if errors.Is(err, pool.ErrNoIdleWorkers) {
			o.maybeProvision(ctx, t.ID)
			return
		}
		if err != nil {
			logger.WithComponent("orchestrator").Error().Err(err).Msg("acquire idle worker")
			return
		}

		if err := o.dag.MarkRunning(t.ID, worker.ID); err != nil {
			logger.WithComponent("orchestrator").Error().Err(err).Str("task_id", t.ID).Msg("mark running")
			_ = o.pool.Release(worker.ID)
			continue
		}

		o.publish(events.EventTaskRunning, events.TaskEventData(t.ID, t.Priority, map[string]any{"worker_id": worker.ID}))
		o.publish(events.EventWorkerBusy, events.WorkerEventData(worker.ID, pool.StateBusy.String(), map[string]any{"task_id": t.ID}))
		o.autosave.Trigger()

		go o.execute(ctx, t, worker.ID)
	}
}

// execute dispatches a single running task to its assigned Worker and
// resolves the DAG/Pool state once the call returns.
func (o *Orchestrator) execute(ctx context.Context, t *task.Task, workerID string) {
	conn := o.connFor(workerID)
	if conn == nil {
		o.handleExecuteFailure(t, workerID, errors.New("worker disconnected before execute"))
		return
	}

	timeout := o.cfg.Master.TaskTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	o.trackRunning(t.ID, cancel)
	defer o.untrackRunning(t.ID)
	defer cancel()

	rec, err := o.pool.Get(workerID)
	if err != nil {
		o.handleExecuteFailure(t, workerID, err)
		return
	}

	params := map[string]any{"task": t, "worktreePath": rec.WorktreePath}
	result, err := conn.Call(execCtx, workerID, "execute", params)
	if err != nil {
		o.handleExecuteFailure(t, workerID, err)
		return
	}

	var parsed struct {
		Success bool           `json:"success"`
		Output  map[string]any `json:"output"`
		Error   string         `json:"error"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		o.handleExecuteFailure(t, workerID, fmt.Errorf("decode execute result: %w", err))
		return
	}
	if !parsed.Success {
		o.handleExecuteFailure(t, workerID, errors.New(parsed.Error))
		return
	}

	if err := o.dag.MarkCompleted(t.ID, parsed.Output); err != nil {
		logger.WithComponent("orchestrator").Error().Err(err).Str("task_id", t.ID).Msg("mark completed")
	}
	_ = o.pool.Release(workerID)
	o.publish(events.EventTaskCompleted, events.TaskEventData(t.ID, t.Priority, map[string]any{"worker_id": workerID}))
	o.publish(events.EventWorkerIdle, events.WorkerEventData(workerID, pool.StateIdle.String(), nil))
	o.autosave.Trigger()
	o.Wake()
}

// handleExecuteFailure applies spec.md §4.6's failure path: mark the
// task failed, charge the worker's retry budget, put the worker into
// error state, and requeue the task if the budget allows another try.
func (o *Orchestrator) handleExecuteFailure(t *task.Task, workerID string, cause error) {
	log := logger.WithComponent("orchestrator")
	log.Warn().Err(cause).Str("task_id", t.ID).Str("worker_id", workerID).Msg("task execution failed")

	_ = o.dag.MarkFailed(t.ID, cause.Error())
	o.publish(events.EventTaskFailed, events.TaskEventData(t.ID, t.Priority, map[string]any{"worker_id": workerID, "error": cause.Error()}))

	withinBudget, err := o.pool.RecordFailureAndCheckBudget(workerID)
	if err != nil {
		log.Error().Err(err).Msg("record failure and check budget")
	}

	if err := o.pool.MarkError(workerID); err != nil {
		log.Error().Err(err).Str("worker_id", workerID).Msg("mark worker error")
	} else {
		o.publish(events.EventWorkerCrashed, events.WorkerEventData(workerID, pool.StateError.String(), map[string]any{"task_id": t.ID}))
	}

	if withinBudget {
		if err := o.dag.Requeue(t.ID); err == nil {
			o.publish(events.EventTaskRequeued, events.TaskEventData(t.ID, t.Priority, nil))
		}
	}

	// The socket may still be open (a handler-level failure, not a
	// disconnect): recover the slot now so it can take future work
	// without waiting for a fresh reconnect.
	if conn := o.connFor(workerID); conn != nil {
		if err := o.pool.Recover(workerID); err == nil {
			o.publish(events.EventWorkerIdle, events.WorkerEventData(workerID, pool.StateIdle.String(), nil))
		}
	}

	o.autosave.Trigger()
	o.Wake()
}

// CancelTask requests cooperative cancellation of a running task, or
// transitions it directly to cancelled if it has no assigned Worker.
// Absent acknowledgment within cancelGrace is treated as a Worker crash.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) error {
	t, err := o.dag.Get(taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusRunning {
		return o.dag.Cancel(taskID)
	}

	workerID := t.AssignedWorker
	conn := o.connFor(workerID)
	if conn == nil {
		return o.dag.Cancel(taskID)
	}

	cancelCtx, cancel := context.WithTimeout(ctx, cancelGrace)
	defer cancel()
	_, err = conn.Call(cancelCtx, workerID, "cancel", map[string]any{"taskId": taskID})
	if err != nil {
		o.handleWorkerDisconnect(ctx, workerID)
		return o.dag.Cancel(taskID)
	}

	if runningCancel := o.getRunningCancel(taskID); runningCancel != nil {
		runningCancel()
	}
	o.publish(events.EventTaskCancelled, events.TaskEventData(taskID, t.Priority, map[string]any{"worker_id": workerID}))
	return o.dag.Cancel(taskID)
}

// maybeProvision launches a new Worker for taskID if a provisioner is
// configured and the pool has room under maxWorkers, counting Workers
// already in flight so a burst of ready tasks doesn't over-provision.
func (o *Orchestrator) maybeProvision(ctx context.Context, taskID string) {
	if o.provisioner == nil {
		return
	}

	o.provisionMu.Lock()
	inFlight := len(o.pool.All()) + o.provisioning
	if o.maxWorkers > 0 && inFlight >= o.maxWorkers {
		o.provisionMu.Unlock()
		return
	}
	o.provisioning++
	o.provisionMu.Unlock()

	go func() {
		defer func() {
			o.provisionMu.Lock()
			o.provisioning--
			o.provisionMu.Unlock()
		}()

		log := logger.WithComponent("orchestrator")
		workerID, worktreePath, err := o.provisioner.Launch(ctx, taskID)
		if err != nil {
			log.Error().Err(err).Str("task_id", taskID).Msg("provision worker")
			return
		}
		log.Info().Str("worker_id", workerID).Str("worktree", worktreePath).Msg("worker launched, awaiting registration")
	}()
}

// teardownProvisioned removes the worktree and session for every Worker
// we provisioned, called once on shutdown so a run never leaks a
// checkout or tmux session for a Worker that was mid-task.
func (o *Orchestrator) teardownProvisioned() {
	if o.provisioner == nil {
		return
	}
	for _, r := range o.pool.All() {
		if r.WorktreePath == "" {
			continue
		}
		o.provisioner.Teardown(context.Background(), r.ID, r.WorktreePath)
	}
}

func (o *Orchestrator) acceptLoop(ctx context.Context) {
	log := logger.WithComponent("orchestrator")
	for {
		conn, workerID, _, err := o.rpcServer.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("accept failed")
			continue
		}

		o.pool.Provision(workerID)
		if err := o.pool.MarkConnected(workerID); err != nil {
			log.Warn().Err(err).Str("worker_id", workerID).Msg("mark connected")
		}

		o.connsMu.Lock()
		o.conns[workerID] = conn
		o.connsMu.Unlock()

		o.registerMasterHandlers(conn, workerID)
		o.publish(events.EventWorkerProvisioned, events.WorkerEventData(workerID, pool.StateIdle.String(), nil))

		conn.OnClose(func() {
			o.connsMu.Lock()
			delete(o.conns, workerID)
			o.connsMu.Unlock()
			o.handleWorkerDisconnect(ctx, workerID)
		})

		go func(c *rpc.Conn, id string) {
			if err := c.Serve(ctx); err != nil && ctx.Err() == nil {
				log.Debug().Err(err).Str("worker_id", id).Msg("worker connection ended")
			}
		}(conn, workerID)

		o.Wake()
	}
}

func (o *Orchestrator) crashDetectionLoop(ctx context.Context) {
	interval := o.cfg.Worker.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, r := range o.pool.DetectCrashed() {
				o.handleWorkerDisconnect(ctx, r.ID)
			}
		}
	}
}

// handleWorkerDisconnect requeues whatever task the Worker was running
// (if any) and marks the Worker as errored, tolerating a Worker that was
// already transitioned to offline by crash detection. Like
// handleExecuteFailure, the task is only requeued while its per-slot
// retry budget allows it; otherwise it is left failed for good. If the
// Worker was provisioned by us, its worktree and session are torn down
// too, since a crashed Worker never comes back to release them itself.
func (o *Orchestrator) handleWorkerDisconnect(ctx context.Context, workerID string) {
	log := logger.WithComponent("orchestrator")

	rec, err := o.pool.Get(workerID)
	if err != nil {
		return
	}

	if o.provisioner != nil {
		o.provisioner.Teardown(ctx, workerID, rec.WorktreePath)
	}

	if rec.CurrentTask != "" {
		_ = o.dag.MarkFailed(rec.CurrentTask, "worker disconnected")
		o.publish(events.EventTaskFailed, events.TaskEventData(rec.CurrentTask, 0, map[string]any{"worker_id": workerID, "error": "worker disconnected"}))

		withinBudget, err := o.pool.RecordFailureAndCheckBudget(workerID)
		if err != nil {
			log.Error().Err(err).Str("worker_id", workerID).Msg("record failure and check budget")
		}
		if withinBudget {
			if err := o.dag.Requeue(rec.CurrentTask); err == nil {
				o.publish(events.EventTaskRequeued, events.TaskEventData(rec.CurrentTask, 0, nil))
			}
		}
	}
	if err := o.pool.MarkError(workerID); err != nil {
		log.Error().Err(err).Str("worker_id", workerID).Msg("mark worker error")
	} else {
		o.publish(events.EventWorkerCrashed, events.WorkerEventData(workerID, pool.StateError.String(), nil))
	}
	o.autosave.Trigger()
	o.Wake()
}

func (o *Orchestrator) registerMasterHandlers(conn *rpc.Conn, workerID string) {
	conn.RegisterHandler("getTask", func(ctx context.Context, params json.RawMessage) (any, error) {
		ready := o.dag.Ready()
		if len(ready) == 0 {
			return map[string]any{"task": nil}, nil
		}
		t := ready[0]
		if err := o.dag.MarkRunning(t.ID, workerID); err != nil {
			return nil, err
		}
		o.publish(events.EventTaskRunning, events.TaskEventData(t.ID, t.Priority, map[string]any{"worker_id": workerID}))
		return map[string]any{"task": t}, nil
	})

	conn.RegisterHandler("reportStatus", func(ctx context.Context, params json.RawMessage) (any, error) {
		var req struct {
			Status   string         `json:"status"`
			Progress float64        `json:"progress"`
			Details  map[string]any `json:"details"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		_ = o.pool.Heartbeat(workerID)
		o.publish(events.EventProgress, events.WorkerEventData(workerID, req.Status, map[string]any{
			"progress": req.Progress,
			"details":  req.Details,
		}))
		return map[string]any{"ok": true}, nil
	})

	conn.RegisterHandler("reportResult", func(ctx context.Context, params json.RawMessage) (any, error) {
		var req struct {
			TaskID  string         `json:"taskId"`
			Success bool           `json:"success"`
			Output  map[string]any `json:"output"`
			Error   string         `json:"error"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}

		if req.Success {
			if err := o.dag.MarkCompleted(req.TaskID, req.Output); err != nil {
				return nil, err
			}
			o.publish(events.EventTaskCompleted, events.TaskEventData(req.TaskID, 0, map[string]any{"worker_id": workerID}))
		} else {
			if err := o.dag.MarkFailed(req.TaskID, req.Error); err != nil {
				return nil, err
			}
			o.publish(events.EventTaskFailed, events.TaskEventData(req.TaskID, 0, map[string]any{"worker_id": workerID, "error": req.Error}))
		}

		_ = o.pool.Release(workerID)
		o.autosave.Trigger()
		o.Wake()
		return map[string]any{"ok": true}, nil
	})
}

func (o *Orchestrator) connFor(workerID string) *rpc.Conn {
	o.connsMu.RLock()
	defer o.connsMu.RUnlock()
	return o.conns[workerID]
}

func (o *Orchestrator) trackRunning(taskID string, cancel context.CancelFunc) {
	o.runningMu.Lock()
	o.running[taskID] = cancel
	o.runningMu.Unlock()
}

func (o *Orchestrator) untrackRunning(taskID string) {
	o.runningMu.Lock()
	delete(o.running, taskID)
	o.runningMu.Unlock()
}

func (o *Orchestrator) getRunningCancel(taskID string) context.CancelFunc {
	o.runningMu.Lock()
	defer o.runningMu.Unlock()
	return o.running[taskID]
}

func (o *Orchestrator) publish(eventType events.EventType, data map[string]any) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(context.Background(), events.NewEvent(eventType, data)); err != nil {
		logger.WithComponent("orchestrator").Warn().Err(err).Msg("publish event failed")
	}
}

func (o *Orchestrator) taskStats() map[string]int {
	stats := make(map[string]int)
	for _, t := range o.dag.All() {
		stats[t.Status.String()]++
	}
	return stats
}

func (o *Orchestrator) workerStats() map[string]int {
	stats := make(map[string]int)
	for _, r := range o.pool.All() {
		stats[r.State.String()]++
	}
	return stats
}

// Stop requests a graceful shutdown of a running Run call, equivalent to
// cancelling its context. Safe to call before Run starts; it's a no-op
// in that case.
func (o *Orchestrator) Stop() {
	o.stopMu.Lock()
	stop := o.stopFn
	o.stopMu.Unlock()
	if stop != nil {
		stop()
	}
}

// Snapshot returns the current Run State Snapshot, the Control API's
// read model over the DAG and Pool.
func (o *Orchestrator) Snapshot() *state.Snapshot {
	return o.snapshot()
}

// Tasks returns every task tracked by the DAG.
func (o *Orchestrator) Tasks() []*task.Task {
	return o.dag.All()
}

// Task returns a single task by ID.
func (o *Orchestrator) Task(id string) (*task.Task, error) {
	return o.dag.Get(id)
}

// Workers returns every worker record tracked by the Pool.
func (o *Orchestrator) Workers() []*pool.Record {
	return o.pool.All()
}

func (o *Orchestrator) snapshot() *state.Snapshot {
	tasks := o.dag.All()
	workers := o.pool.All()

	taskSnaps := make([]state.TaskSnapshot, len(tasks))
	for i, t := range tasks {
		taskSnaps[i] = state.TaskSnapshot{
			ID:             t.ID,
			Title:          t.Title,
			Status:         t.Status.String(),
			Priority:       t.Priority,
			Dependencies:   t.Dependencies,
			AssignedWorker: t.AssignedWorker,
			Error:          t.Error,
		}
	}

	workerSnaps := make([]state.WorkerSnapshot, len(workers))
	for i, w := range workers {
		workerSnaps[i] = state.WorkerSnapshot{
			ID:              w.ID,
			Status:          w.State.String(),
			CurrentTaskID:   w.CurrentTask,
			WorktreePath:    w.WorktreePath,
			LastHeartbeatAt: w.LastHeartbeat,
		}
	}

	phase := state.PhaseRunning
	if o.dag.Done() {
		phase = state.PhaseCompleted
		if o.dag.Failed() {
			phase = state.PhaseFailed
		}
	}

	return &state.Snapshot{
		Phase:   phase,
		Tasks:   taskSnaps,
		Workers: workerSnaps,
		Stats:   state.ComputeStats(taskSnaps, workerSnaps),
	}
}
