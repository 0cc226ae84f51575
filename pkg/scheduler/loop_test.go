package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/guido-cesarano/taskgate/pkg/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A ready task on an idle server is claimed and handed to the dispatcher.
func TestRunOnceDispatchesReadyTask(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.enqueue(t, "srv-1", tasks.OwnerServer, tasks.StateReady)

	dispatched, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, dispatched)
	assert.Equal(t, id, dispatched.ID)

	task := h.get(t, id)
	assert.Equal(t, tasks.StateInProcess, task.State)
	assert.NotNil(t, task.StartDate)
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, "srv-1", task.Details[tasks.DetailServerID])
	assert.Equal(t, "server", task.Details[tasks.DetailOwnerKind])

	jobs := h.dispatcher.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].TaskID)
	assert.Equal(t, "srv-1", jobs[0].OwnerID)
	assert.Equal(t, "deploy_server", jobs[0].Hook)
	assert.Equal(t, "srv-1", jobs[0].Details[tasks.DetailServerID])
}

// One dispatch per tick, oldest first.
func TestRunOnceDispatchesOnlyOldest(t *testing.T) {
	h := newHarness(t, Config{})
	first := h.enqueue(t, "srv-2", tasks.OwnerServer, tasks.StateReady)
	second := h.enqueue(t, "srv-1", tasks.OwnerServer, tasks.StateReady)
	third := h.enqueue(t, "srv-3", tasks.OwnerServer, tasks.StateReady)

	dispatched, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, dispatched)
	assert.Equal(t, first, dispatched.ID)

	assert.Len(t, h.dispatcher.Jobs(), 1)
	assert.Equal(t, tasks.StateReady, h.get(t, second).State)
	assert.Equal(t, tasks.StateReady, h.get(t, third).State)

	dispatched, err = h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, second, dispatched.ID)
}

// A second task for a busy server stays ready.
func TestRunOnceGatesSameServer(t *testing.T) {
	h := newHarness(t, Config{})
	first := h.enqueue(t, "srv-1", tasks.OwnerServer, tasks.StateReady)
	second := h.enqueue(t, "app-1", tasks.OwnerApp, tasks.StateReady)

	_, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	dispatched, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Nil(t, dispatched)

	assert.Equal(t, tasks.StateInProcess, h.get(t, first).State)
	assert.Equal(t, tasks.StateReady, h.get(t, second).State)
	assert.Equal(t, 0, h.get(t, second).Attempts)
	assert.Len(t, h.dispatcher.Jobs(), 1)
}

// Skip a busy server and continue with the next candidate.
func TestRunOnceSkipsBusyServer(t *testing.T) {
	h := newHarness(t, Config{})
	h.enqueue(t, "srv-1", tasks.OwnerServer, tasks.StateInProcess)
	blocked := h.enqueue(t, "app-1", tasks.OwnerApp, tasks.StateReady)
	next := h.enqueue(t, "srv-2", tasks.OwnerServer, tasks.StateReady)

	dispatched, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, dispatched)
	assert.Equal(t, next, dispatched.ID)
	assert.Equal(t, tasks.StateReady, h.get(t, blocked).State)
}

func TestRunOnceRespectsBusyMarker(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	id := h.enqueue(t, "srv-1", tasks.OwnerServer, tasks.StateReady)
	require.NoError(t, h.fleet.MarkServerBusy(ctx, "srv-1", "manual_reboot"))

	dispatched, err := h.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Nil(t, dispatched)

	require.NoError(t, h.fleet.CleanupServer(ctx, "srv-1"))
	dispatched, err = h.sched.RunOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, dispatched)
	assert.Equal(t, id, dispatched.ID)
}

func TestRunOnceSkipsTaskWithoutHook(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	orphan, err := h.sched.CreateTask(ctx, NewTask{
		OwnerID:   "srv-1",
		OwnerKind: tasks.OwnerServer,
		Type:      "deploy",
		State:     tasks.StateReady,
	})
	require.NoError(t, err)
	h.clock.t = h.clock.t.Add(1)
	next := h.enqueue(t, "srv-2", tasks.OwnerServer, tasks.StateReady)

	dispatched, err := h.sched.RunOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, dispatched)
	assert.Equal(t, next, dispatched.ID)

	task := h.get(t, orphan)
	assert.Equal(t, tasks.StateReady, task.State)
	assert.Equal(t, 0, task.Attempts)
}

func TestRunOnceReleasesClaimOnDispatchError(t *testing.T) {
	h := newHarness(t, Config{})
	h.dispatcher.err = errors.New("queue unavailable")
	id := h.enqueue(t, "srv-1", tasks.OwnerServer, tasks.StateReady)

	dispatched, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Nil(t, dispatched)

	task := h.get(t, id)
	assert.Equal(t, tasks.StateReady, task.State)
	assert.Equal(t, 2, task.Attempts)
	assert.Contains(t, task.Messages, "queue unavailable")

	ok, err := h.sched.Gate.IsAvailable(context.Background(), "srv-1")
	require.NoError(t, err)
	assert.True(t, ok)

	h.dispatcher.err = nil
	dispatched, err = h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, dispatched)
	assert.Equal(t, id, dispatched.ID)
}

func TestRunOnceEmpty(t *testing.T) {
	h := newHarness(t, Config{})
	dispatched, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Nil(t, dispatched)
}
