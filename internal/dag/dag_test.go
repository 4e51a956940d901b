package dag

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallelctl/parallelctl/internal/task"
)

func chain(ids ...string) []*task.Task {
	tasks := make([]*task.Task, len(ids))
	for i, id := range ids {
		var deps []string
		if i > 0 {
			deps = []string{ids[i-1]}
		}
		tasks[i] = task.New(id, id, "", 0, deps)
	}
	return tasks
}

func TestLoad_PromotesRootsToReady(t *testing.T) {
	d := New()
	require.NoError(t, d.Load(chain("a", "b", "c")))

	ready := d.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].ID)
}

func TestLoad_UnknownDependencyRejected(t *testing.T) {
	d := New()
	tasks := []*task.Task{task.New("a", "", "", 0, []string{"missing"})}
	err := d.Load(tasks)
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrUnknownTask)
}

func TestLoad_DuplicateIDRejected(t *testing.T) {
	d := New()
	tasks := []*task.Task{task.New("a", "", "", 0, nil), task.New("a", "", "", 0, nil)}
	err := d.Load(tasks)
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrTaskAlreadyExists)
}

func TestLoad_DirectCycleRejected(t *testing.T) {
	d := New()
	a := task.New("a", "", "", 0, []string{"b"})
	b := task.New("b", "", "", 0, []string{"a"})
	err := d.Load([]*task.Task{a, b})
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrCycleDetected)
}

func TestLoad_IndirectCycleRejected(t *testing.T) {
	d := New()
	a := task.New("a", "", "", 0, []string{"c"})
	b := task.New("b", "", "", 0, []string{"a"})
	c := task.New("c", "", "", 0, []string{"b"})
	err := d.Load([]*task.Task{a, b, c})
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrCycleDetected)
}

func TestLoad_RejectsAndLeavesPriorGraphIntact(t *testing.T) {
	d := New()
	require.NoError(t, d.Load(chain("a", "b")))

	bad := []*task.Task{task.New("x", "", "", 0, []string{"missing"})}
	err := d.Load(bad)
	require.Error(t, err)

	_, getErr := d.Get("a")
	assert.NoError(t, getErr, "prior graph should still be loaded after a rejected Load")
}

func TestMarkCompleted_PromotesDependent(t *testing.T) {
	d := New()
	require.NoError(t, d.Load(chain("a", "b")))

	require.NoError(t, d.MarkRunning("a", "w1"))
	require.NoError(t, d.MarkCompleted("a", map[string]any{"ok": true}))

	ready := d.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)
}

func TestMarkFailed_DoesNotPromoteDependent(t *testing.T) {
	d := New()
	require.NoError(t, d.Load(chain("a", "b")))

	require.NoError(t, d.MarkRunning("a", "w1"))
	require.NoError(t, d.MarkFailed("a", "boom"))

	assert.Empty(t, d.Ready())
}

func TestRequeue_ReturnsFailedTaskToReady(t *testing.T) {
	d := New()
	require.NoError(t, d.Load(chain("a")))
	require.NoError(t, d.MarkRunning("a", "w1"))
	require.NoError(t, d.MarkFailed("a", "boom"))

	require.NoError(t, d.Requeue("a"))

	ready := d.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].ID)
	assert.Empty(t, ready[0].Error)
}

func TestGet_UnknownTask(t *testing.T) {
	d := New()
	require.NoError(t, d.Load(chain("a")))

	_, err := d.Get("nope")
	assert.ErrorIs(t, err, task.ErrUnknownTask)
}

func TestDone_AndFailed(t *testing.T) {
	d := New()
	require.NoError(t, d.Load(chain("a", "b")))

	assert.False(t, d.Done())

	require.NoError(t, d.MarkRunning("a", "w1"))
	require.NoError(t, d.MarkFailed("a", "boom"))
	require.NoError(t, d.Cancel("b"))

	assert.True(t, d.Done())
	assert.True(t, d.Failed())
}

func TestDependents(t *testing.T) {
	d := New()
	require.NoError(t, d.Load(chain("a", "b", "c")))

	assert.Equal(t, []string{"b"}, d.Dependents("a"))
	assert.Equal(t, []string{"c"}, d.Dependents("b"))
	assert.Empty(t, d.Dependents("c"))
}

func TestDetectCycle_SelfLoop(t *testing.T) {
	tasks := map[string]*task.Task{
		"a": task.New("a", "", "", 0, []string{"a"}),
	}
	cyc := detectCycle(tasks)
	require.NotNil(t, cyc)
	assert.Contains(t, cyc, "a")
}

func TestLoad_DiamondDependency_BothBranchesRequiredBeforePromotion(t *testing.T) {
	d := New()
	a := task.New("a", "", "", 0, nil)
	b := task.New("b", "", "", 0, []string{"a"})
	c := task.New("c", "", "", 0, []string{"a"})
	e := task.New("e", "", "", 0, []string{"b", "c"})
	require.NoError(t, d.Load([]*task.Task{a, b, c, e}))

	require.NoError(t, d.MarkRunning("a", "w1"))
	require.NoError(t, d.MarkCompleted("a", nil))
	require.NoError(t, d.MarkRunning("b", "w1"))
	require.NoError(t, d.MarkCompleted("b", nil))

	for _, tk := range d.Ready() {
		assert.NotEqual(t, "e", tk.ID, "e must wait for both b and c")
	}

	require.NoError(t, d.MarkRunning("c", "w1"))
	require.NoError(t, d.MarkCompleted("c", nil))

	var ids []string
	for _, tk := range d.Ready() {
		ids = append(ids, tk.ID)
	}
	assert.Contains(t, ids, "e")
}

func TestMarkCompleted_FromReadyRejected(t *testing.T) {
	d := New()
	require.NoError(t, d.Load(chain("a")))

	err := d.MarkCompleted("a", nil)
	var target error = task.ErrIllegalTransition
	require.Error(t, err)
	assert.True(t, errors.Is(err, target))
}
