package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallelctl/parallelctl/internal/rpc"
)

func startMasterSide(t *testing.T) (*rpc.Server, string) {
	t.Helper()
	srv, err := rpc.Listen(0, nil, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv, srv.Addr().String()
}

func TestRuntime_ExecuteSucceeds(t *testing.T) {
	srv, addr := startMasterSide(t)

	var masterConn *rpc.Conn
	accepted := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go func() {
		conn, _, _, err := srv.Accept(ctx)
		if err == nil {
			masterConn = conn
			go conn.Serve(ctx)
		}
		close(accepted)
	}()

	rt := New(Config{WorkerID: "worker-1", MasterAddr: addr, HeartbeatInterval: time.Hour}, EchoRunner)
	go rt.Run(ctx)
	defer rt.Stop()

	<-accepted
	require.NotNil(t, masterConn)

	params, _ := json.Marshal(map[string]any{
		"task":         map[string]any{"id": "t1", "description": "hello"},
		"worktreePath": "/tmp/wt",
	})
	var result json.RawMessage
	require.Eventually(t, func() bool {
		r, err := masterConn.Call(context.Background(), "worker-1", "execute", json.RawMessage(params))
		if err != nil {
			return false
		}
		result = r
		return true
	}, 2*time.Second, 20*time.Millisecond)

	var parsed struct {
		Success bool           `json:"success"`
		Output  map[string]any `json:"output"`
	}
	require.NoError(t, json.Unmarshal(result, &parsed))
	assert.True(t, parsed.Success)
	assert.Equal(t, "hello", parsed.Output["echoed"])
}

func TestRuntime_RefusesConcurrentExecute(t *testing.T) {
	srv, addr := startMasterSide(t)

	var masterConn *rpc.Conn
	accepted := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go func() {
		conn, _, _, err := srv.Accept(ctx)
		if err == nil {
			masterConn = conn
			go conn.Serve(ctx)
		}
		close(accepted)
	}()

	rt := New(Config{WorkerID: "worker-2", MasterAddr: addr, HeartbeatInterval: time.Hour}, SleepRunner)
	go rt.Run(ctx)
	defer rt.Stop()

	<-accepted
	require.NotNil(t, masterConn)

	slowParams, _ := json.Marshal(map[string]any{
		"task":         map[string]any{"id": "t1", "metadata": map[string]string{"duration": "500ms"}},
		"worktreePath": "/tmp/wt",
	})

	go masterConn.Call(context.Background(), "worker-2", "execute", json.RawMessage(slowParams))
	time.Sleep(100 * time.Millisecond)

	_, err := masterConn.Call(context.Background(), "worker-2", "execute", json.RawMessage(slowParams))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Busy")
}

func TestRuntime_CancelStopsSleep(t *testing.T) {
	srv, addr := startMasterSide(t)

	var masterConn *rpc.Conn
	accepted := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go func() {
		conn, _, _, err := srv.Accept(ctx)
		if err == nil {
			masterConn = conn
			go conn.Serve(ctx)
		}
		close(accepted)
	}()

	rt := New(Config{WorkerID: "worker-3", MasterAddr: addr, HeartbeatInterval: time.Hour}, SleepRunner)
	go rt.Run(ctx)
	defer rt.Stop()

	<-accepted
	require.NotNil(t, masterConn)

	params, _ := json.Marshal(map[string]any{
		"task":         map[string]any{"id": "t1", "metadata": map[string]string{"duration": "5s"}},
		"worktreePath": "/tmp/wt",
	})

	resultCh := make(chan json.RawMessage, 1)
	go func() {
		r, _ := masterConn.Call(context.Background(), "worker-3", "execute", json.RawMessage(params))
		resultCh <- r
	}()

	time.Sleep(100 * time.Millisecond)
	_, err := masterConn.Call(context.Background(), "worker-3", "cancel", map[string]any{"taskId": "t1"})
	require.NoError(t, err)

	select {
	case <-resultCh:
	case <-time.After(1 * time.Second):
		t.Fatal("execute did not return after cancel")
	}
}
