package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConn_CallRoundTrip(t *testing.T) {
	srv, err := Listen(0, nil, 2*time.Second)
	require.NoError(t, err)
	defer srv.Close()

	addr := srv.Addr().String()

	acceptErrCh := make(chan error, 1)
	var masterConn *Conn
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		conn, _, _, err := srv.Accept(ctx)
		masterConn = conn
		acceptErrCh <- err
		if err == nil {
			go conn.Serve(context.Background())
		}
	}()

	client := NewClient(DialConfig{
		Addr:     addr,
		WorkerID: "worker-1",
	})
	client.RegisterHandler("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
		var in map[string]any
		_ = json.Unmarshal(params, &in)
		return in, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	require.Eventually(t, func() bool { return client.Conn() != nil }, time.Second, 10*time.Millisecond)
	require.NoError(t, <-acceptErrCh)
	require.NotNil(t, masterConn)

	require.Eventually(t, func() bool {
		result, err := masterConn.Call(context.Background(), "worker-1", "echo", map[string]any{"hello": "world"})
		return err == nil && len(result) > 0
	}, time.Second, 10*time.Millisecond)
}

func TestConn_Call_MethodNotFound(t *testing.T) {
	srv, err := Listen(0, nil, 2*time.Second)
	require.NoError(t, err)
	defer srv.Close()

	addr := srv.Addr().String()

	var masterConn *Conn
	acceptDone := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		conn, _, _, err := srv.Accept(ctx)
		if err == nil {
			masterConn = conn
			go conn.Serve(context.Background())
		}
		close(acceptDone)
	}()

	client := NewClient(DialConfig{Addr: addr, WorkerID: "worker-2"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	<-acceptDone
	require.NotNil(t, masterConn)

	_, err = masterConn.Call(context.Background(), "worker-2", "nonexistent", nil)
	require.Error(t, err)
}

func TestCipher_SealOpenRoundTrip(t *testing.T) {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	cipher, err := NewCipher(key)
	require.NoError(t, err)

	wire, err := cipher.Seal([]byte(`{"a":1}`))
	require.NoError(t, err)

	plain, err := cipher.Open(wire)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(plain))
}

func TestCipher_Open_TamperedPayloadFails(t *testing.T) {
	key := make([]byte, KeySize)
	cipher, err := NewCipher(key)
	require.NoError(t, err)

	wire, err := cipher.Seal([]byte("payload"))
	require.NoError(t, err)

	tampered := wire[:len(wire)-2] + "xx"
	_, err = cipher.Open(tampered)
	assert.ErrorIs(t, err, ErrUndecryptable)
}

func TestNewCipher_RejectsWrongKeySize(t *testing.T) {
	_, err := NewCipher([]byte("too-short"))
	assert.Error(t, err)
}

func TestErrKind(t *testing.T) {
	assert.Equal(t, "timeout", errKind(ErrRPCTimeout))
	assert.Equal(t, "disconnected", errKind(ErrDisconnected))
	assert.Equal(t, "undecryptable", errKind(ErrUndecryptable))
	assert.Equal(t, "handler", errKind(&HandlerError{Message: "boom"}))
}
