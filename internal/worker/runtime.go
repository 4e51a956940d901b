// Package worker implements the Worker Runtime (spec.md §4.7): the
// child process the Master launches per task slot, which connects back
// over RPC, serves execute/getStatus/cancel, and heartbeats.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/parallelctl/parallelctl/internal/logger"
	"github.com/parallelctl/parallelctl/internal/rpc"
)

// ErrBusy is returned by handleExecute when a second execute arrives
// while one is already in flight, matching spec.md §4.7's "Busy" refusal.
var ErrBusy = errors.New("Busy")

// Config controls how a Runtime connects to the Master.
type Config struct {
	WorkerID          string
	MasterAddr        string
	Token             string
	Cipher            *rpc.Cipher
	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	ReconnectBackoff  time.Duration
	ReconnectMaxDelay time.Duration
}

// Runtime is the Worker process side of the protocol: it serves exactly
// one execute at a time and heartbeats on an interval while connected.
type Runtime struct {
	id                string
	client            *rpc.Client
	runner            TaskRunner
	heartbeatInterval time.Duration

	mu        sync.Mutex
	busy      bool
	current   string
	cancelRun context.CancelFunc
}

// New constructs a Runtime around runner, the pluggable task execution
// strategy.
func New(cfg Config, runner TaskRunner) *Runtime {
	client := rpc.NewClient(rpc.DialConfig{
		Addr:           cfg.MasterAddr,
		WorkerID:       cfg.WorkerID,
		Token:          cfg.Token,
		Cipher:         cfg.Cipher,
		ConnectTimeout: cfg.ConnectTimeout,
		RequestTimeout: cfg.RequestTimeout,
		Backoff:        cfg.ReconnectBackoff,
		MaxBackoff:     cfg.ReconnectMaxDelay,
	})

	rt := &Runtime{
		id:                cfg.WorkerID,
		client:            client,
		runner:            runner,
		heartbeatInterval: cfg.HeartbeatInterval,
	}
	client.RegisterHandler("execute", rt.handleExecute)
	client.RegisterHandler("getStatus", rt.handleGetStatus)
	client.RegisterHandler("cancel", rt.handleCancel)
	return rt
}

// Run connects to the Master and serves requests, reconnecting with
// backoff, until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	go r.heartbeatLoop(ctx)
	return r.client.Run(ctx)
}

// Stop closes the active connection, unblocking Run.
func (r *Runtime) Stop() { r.client.Stop() }

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	interval := r.heartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := logger.WithComponent("worker").With().Str("worker_id", r.id).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn := r.client.Conn()
			if conn == nil {
				continue
			}
			if err := conn.Heartbeat(); err != nil {
				log.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

type executeTask struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

type executeParams struct {
	Task         executeTask `json:"task"`
	WorktreePath string      `json:"worktreePath"`
}

func (r *Runtime) handleExecute(ctx context.Context, params json.RawMessage) (any, error) {
	var req executeParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.busy {
		r.mu.Unlock()
		return nil, ErrBusy
	}
	execCtx, cancel := context.WithCancel(ctx)
	r.busy = true
	r.current = req.Task.ID
	r.cancelRun = cancel
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.busy = false
		r.current = ""
		r.cancelRun = nil
		r.mu.Unlock()
		cancel()
	}()

	input := TaskInput{
		ID:          req.Task.ID,
		Title:       req.Task.Title,
		Description: req.Task.Description,
		Metadata:    req.Task.Metadata,
	}

	output, err := r.runner.Run(execCtx, input, req.WorktreePath)
	if err != nil {
		return map[string]any{"success": false, "error": err.Error()}, nil
	}
	return map[string]any{"success": true, "output": output}, nil
}

func (r *Runtime) handleGetStatus(ctx context.Context, params json.RawMessage) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := "idle"
	if r.busy {
		status = "busy"
	}
	return map[string]any{"status": status, "currentTask": r.current}, nil
}

func (r *Runtime) handleCancel(ctx context.Context, params json.RawMessage) (any, error) {
	r.mu.Lock()
	cancel := r.cancelRun
	busy := r.busy
	r.mu.Unlock()

	if !busy || cancel == nil {
		return map[string]any{"cancelled": false}, nil
	}
	cancel()
	return map[string]any{"cancelled": true}, nil
}
