package session

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

func requireTmux(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("tmux"); err != nil {
		t.Skip("tmux not available")
	}
}

func TestTmuxService_StartStopExists(t *testing.T) {
	requireTmux(t)

	svc := NewTmuxService()
	ctx := context.Background()
	name := "parallelctl-test-session"

	_ = svc.Stop(ctx, name)

	_, err := svc.Start(ctx, name, []string{"sleep", "30"})
	require.NoError(t, err)

	exists, err := svc.Exists(ctx, name)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, svc.Stop(ctx, name))

	exists, err = svc.Exists(ctx, name)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestTmuxService_StopNonexistentIsNoop(t *testing.T) {
	requireTmux(t)

	svc := NewTmuxService()
	require.NoError(t, svc.Stop(context.Background(), "parallelctl-definitely-not-a-session"))
}
