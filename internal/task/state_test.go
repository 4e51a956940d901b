package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTask_Transition_PendingToReady(t *testing.T) {
	tk := New("t1", "", "", 0, nil)
	require.NoError(t, tk.Transition(StatusReady))
	assert.Equal(t, StatusReady, tk.Status)
}

func TestTask_Transition_ReadyToRunning_SetsStartedAt(t *testing.T) {
	tk := New("t1", "", "", 0, nil)
	require.NoError(t, tk.Transition(StatusReady))
	require.NoError(t, tk.Transition(StatusRunning))
	require.NotNil(t, tk.StartedAt)
}

func TestTask_Transition_RunningToCompleted_SetsCompletedAt(t *testing.T) {
	tk := New("t1", "", "", 0, nil)
	require.NoError(t, tk.Transition(StatusReady))
	require.NoError(t, tk.Transition(StatusRunning))
	require.NoError(t, tk.Transition(StatusCompleted))
	require.NotNil(t, tk.CompletedAt)
}

func TestTask_Transition_RunningToFailed_IncrementsFailureCount(t *testing.T) {
	tk := New("t1", "", "", 0, nil)
	require.NoError(t, tk.Transition(StatusReady))
	require.NoError(t, tk.Transition(StatusRunning))
	require.NoError(t, tk.Transition(StatusFailed))
	assert.Equal(t, 1, tk.FailureCount())
}

func TestTask_Transition_IllegalFromTerminal(t *testing.T) {
	tk := New("t1", "", "", 0, nil)
	require.NoError(t, tk.Transition(StatusReady))
	require.NoError(t, tk.Transition(StatusRunning))
	require.NoError(t, tk.Transition(StatusCompleted))

	err := tk.Transition(StatusRunning)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestTask_Transition_FailedCanReturnToReady(t *testing.T) {
	tk := New("t1", "", "", 0, nil)
	require.NoError(t, tk.Transition(StatusReady))
	require.NoError(t, tk.Transition(StatusRunning))
	require.NoError(t, tk.Transition(StatusFailed))
	require.NoError(t, tk.Transition(StatusReady))
	assert.Equal(t, StatusReady, tk.Status)
}

func TestTask_Reset_ClearsRunFields(t *testing.T) {
	tk := New("t1", "", "", 0, nil)
	tk.AssignedWorker = "worker-1"
	tk.Error = "boom"
	require.NoError(t, tk.Transition(StatusReady))
	require.NoError(t, tk.Transition(StatusRunning))
	require.NoError(t, tk.Transition(StatusFailed))

	tk.Reset()

	assert.Empty(t, tk.AssignedWorker)
	assert.Empty(t, tk.Error)
	assert.Nil(t, tk.StartedAt)
	assert.Nil(t, tk.CompletedAt)
}

func TestStatus_CanTransitionTo(t *testing.T) {
	assert.True(t, StatusPending.CanTransitionTo(StatusReady))
	assert.True(t, StatusPending.CanTransitionTo(StatusCancelled))
	assert.False(t, StatusPending.CanTransitionTo(StatusRunning))
	assert.False(t, StatusCompleted.CanTransitionTo(StatusReady))
}
