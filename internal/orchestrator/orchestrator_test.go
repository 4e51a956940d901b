package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parallelctl/parallelctl/internal/config"
	"github.com/parallelctl/parallelctl/internal/dag"
	"github.com/parallelctl/parallelctl/internal/pool"
	"github.com/parallelctl/parallelctl/internal/rpc"
	"github.com/parallelctl/parallelctl/internal/scheduler"
	"github.com/parallelctl/parallelctl/internal/state"
	"github.com/parallelctl/parallelctl/internal/task"
)

type fakeGitService struct {
	mu      sync.Mutex
	created int
}

func (g *fakeGitService) Create(ctx context.Context, taskID, base string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created++
	return "/tmp/worktree-" + taskID, nil
}
func (g *fakeGitService) Remove(ctx context.Context, path string) error { return nil }

// fakeMultiplexer simulates launching the Worker Runtime subprocess by
// instead spinning up an in-process fake worker that dials addr, using
// the worker ID pool.Provisioner embedded in cmd.
type fakeMultiplexer struct {
	t    *testing.T
	ctx  context.Context
	addr string
}

func (m *fakeMultiplexer) Start(ctx context.Context, name string, cmd []string) (string, error) {
	workerID := cmd[2]
	startFakeWorker(m.t, m.ctx, m.addr, workerID, func(ctx context.Context, params json.RawMessage) (any, error) {
		return map[string]any{"success": true, "output": map[string]any{}}, nil
	})
	return name, nil
}
func (m *fakeMultiplexer) Stop(ctx context.Context, name string) error           { return nil }
func (m *fakeMultiplexer) Exists(ctx context.Context, name string) (bool, error) { return false, nil }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Master: config.MasterConfig{
			MaxWorkers:        2,
			TaskTimeout:       2 * time.Second,
			StateSnapshotPath: filepath.Join(t.TempDir(), "state.json"),
			StateSaveInterval: time.Hour,
		},
		Worker: config.WorkerConfig{
			HeartbeatInterval: time.Hour,
		},
	}
}

// startFakeWorker dials addr, registers the given execute handler plus
// stub getStatus and cancel handlers, and returns once the connection is
// live.
func startFakeWorker(t *testing.T, ctx context.Context, addr, workerID string, execute rpc.Handler) *rpc.Client {
	t.Helper()
	client := rpc.NewClient(rpc.DialConfig{Addr: addr, WorkerID: workerID})
	client.RegisterHandler("execute", execute)
	client.RegisterHandler("getStatus", func(ctx context.Context, params json.RawMessage) (any, error) {
		return map[string]any{"status": "idle"}, nil
	})
	client.RegisterHandler("cancel", func(ctx context.Context, params json.RawMessage) (any, error) {
		return map[string]any{"cancelled": true}, nil
	})
	go client.Run(ctx)
	require.Eventually(t, func() bool { return client.Conn() != nil }, 2*time.Second, 10*time.Millisecond)
	return client
}

func TestOrchestrator_RunsSingleTaskToCompletion(t *testing.T) {
	srv, err := rpc.Listen(0, nil, 2*time.Second)
	require.NoError(t, err)
	defer srv.Close()

	d := dag.New()
	require.NoError(t, d.Load([]*task.Task{task.New("t1", "task one", "", 1, nil)}))

	p := pool.New(1, time.Hour)
	cfg := testConfig(t)
	store := state.NewStore(cfg.Master.StateSnapshotPath)

	o := New(cfg, d, scheduler.New(scheduler.PriorityFirst), p, srv, store, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- o.Run(ctx) }()

	client := startFakeWorker(t, ctx, srv.Addr().String(), "worker-1", func(ctx context.Context, params json.RawMessage) (any, error) {
		return map[string]any{"success": true, "output": map[string]any{"echo": "ok"}}, nil
	})
	defer client.Stop()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(4 * time.Second):
		t.Fatal("orchestrator did not complete the run in time")
	}

	final, err := d.Get("t1")
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, final.Status)
}

func TestOrchestrator_RetriesFailedTaskWithinBudget(t *testing.T) {
	srv, err := rpc.Listen(0, nil, 2*time.Second)
	require.NoError(t, err)
	defer srv.Close()

	d := dag.New()
	require.NoError(t, d.Load([]*task.Task{task.New("t1", "flaky", "", 1, nil)}))

	p := pool.New(2, time.Hour)
	cfg := testConfig(t)
	store := state.NewStore(cfg.Master.StateSnapshotPath)

	o := New(cfg, d, scheduler.New(scheduler.PriorityFirst), p, srv, store, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- o.Run(ctx) }()

	attempts := 0
	client := startFakeWorker(t, ctx, srv.Addr().String(), "worker-1", func(ctx context.Context, params json.RawMessage) (any, error) {
		attempts++
		if attempts == 1 {
			return map[string]any{"success": false, "error": "boom"}, nil
		}
		return map[string]any{"success": true, "output": map[string]any{}}, nil
	})
	defer client.Stop()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not complete the run in time")
	}

	final, err := d.Get("t1")
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, final.Status)
	require.GreaterOrEqual(t, attempts, 2)
}

func TestOrchestrator_ProvisionsWorkerWhenPoolEmpty(t *testing.T) {
	srv, err := rpc.Listen(0, nil, 2*time.Second)
	require.NoError(t, err)
	defer srv.Close()

	d := dag.New()
	require.NoError(t, d.Load([]*task.Task{task.New("t1", "needs a worker", "", 1, nil)}))

	p := pool.New(1, time.Hour)
	cfg := testConfig(t)
	store := state.NewStore(cfg.Master.StateSnapshotPath)

	o := New(cfg, d, scheduler.New(scheduler.PriorityFirst), p, srv, store, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	git := &fakeGitService{}
	mux := &fakeMultiplexer{t: t, ctx: ctx, addr: srv.Addr().String()}
	o.SetProvisioner(pool.NewProvisioner(p, git, mux, "/bin/worker", "main"), 1)

	runDone := make(chan error, 1)
	go func() { runDone <- o.Run(ctx) }()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(4 * time.Second):
		t.Fatal("orchestrator did not complete the run in time")
	}

	final, err := d.Get("t1")
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, final.Status)
	require.Equal(t, 1, git.created)
}
