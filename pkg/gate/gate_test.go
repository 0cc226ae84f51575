package gate

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/taskgate/pkg/fleet"
	"github.com/guido-cesarano/taskgate/pkg/store"
	"github.com/guido-cesarano/taskgate/pkg/tasks"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestGate(t *testing.T) (*Gate, *store.Store, *fleet.Registry) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	st := store.New(rdb)
	reg := fleet.NewRegistry(rdb)
	return New(st, reg), st, reg
}

func createTask(t *testing.T, st *store.Store, server string, state tasks.State) *tasks.Task {
	task := &tasks.Task{
		OwnerID:            server,
		OwnerKind:          tasks.OwnerServer,
		AssociatedServerID: server,
		Type:               "deploy",
		State:              state,
	}
	_, err := st.Create(context.Background(), task)
	require.NoError(t, err)
	return task
}

func TestIsAvailable(t *testing.T) {
	g, st, reg := setupTestGate(t)
	ctx := context.Background()

	ok, err := g.IsAvailable(ctx, "srv-1")
	require.NoError(t, err)
	assert.True(t, ok, "idle server must be available")

	createTask(t, st, "srv-1", tasks.StateReady)
	ok, err = g.IsAvailable(ctx, "srv-1")
	require.NoError(t, err)
	assert.True(t, ok, "ready tasks do not hold the gate")

	running := createTask(t, st, "srv-1", tasks.StateInProcess)
	ok, err = g.IsAvailable(ctx, "srv-1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = g.IsAvailable(ctx, "srv-2")
	require.NoError(t, err)
	assert.True(t, ok, "gate is per server")

	_, err = st.Update(ctx, running.ID, tasks.Patch{State: tasks.StatePtr(tasks.StateComplete)})
	require.NoError(t, err)
	ok, err = g.IsAvailable(ctx, "srv-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, reg.MarkServerBusy(ctx, "srv-1", "manual_ssh"))
	ok, err = g.IsAvailable(ctx, "srv-1")
	require.NoError(t, err)
	assert.False(t, ok, "busy marker blocks the gate")
}

func TestClaimHonoursMarker(t *testing.T) {
	g, st, reg := setupTestGate(t)
	ctx := context.Background()

	task := createTask(t, st, "srv-1", tasks.StateReady)
	require.NoError(t, reg.MarkServerBusy(ctx, "srv-1", "manual_ssh"))

	res, err := g.Claim(ctx, task, task.Details)
	assert.ErrorIs(t, err, store.ErrClaimConflict)
	assert.Equal(t, store.MarkerPresent, res)

	require.NoError(t, reg.CleanupServer(ctx, "srv-1"))
	res, err = g.Claim(ctx, task, task.Details)
	require.NoError(t, err)
	assert.Equal(t, store.Claimed, res)
}

func TestNilMarkers(t *testing.T) {
	_, st, _ := setupTestGate(t)
	g := New(st, nil)
	task := createTask(t, st, "srv-1", tasks.StateReady)

	ok, err := g.IsAvailable(context.Background(), "srv-1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = g.Claim(context.Background(), task, task.Details)
	require.NoError(t, err)
}
