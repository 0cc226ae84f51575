package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/taskgate/pkg/dispatch"
	"github.com/guido-cesarano/taskgate/pkg/fleet"
	"github.com/guido-cesarano/taskgate/pkg/logger"
	"github.com/guido-cesarano/taskgate/pkg/queue"
	"github.com/guido-cesarano/taskgate/pkg/store"
	"github.com/guido-cesarano/taskgate/pkg/tasks"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlersCompleteTasks(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	st := store.New(rdb)
	reg := fleet.NewRegistry(rdb)
	handlers := dispatch.NewRegistry(dispatch.NewCallbacks(st))
	registerHandlers(handlers, reg, time.Millisecond)

	assert.ElementsMatch(t, []string{"noop", "deploy_server", "deploy_app", "restart_server"}, handlers.Hooks())

	for _, hook := range handlers.Hooks() {
		t.Run(hook, func(t *testing.T) {
			id, err := st.Create(ctx, &tasks.Task{
				OwnerID:            "srv-1",
				OwnerKind:          tasks.OwnerServer,
				AssociatedServerID: "srv-1",
				State:              tasks.StateInProcess,
			})
			require.NoError(t, err)

			require.NoError(t, handlers.Run(ctx, queue.NewJob(id, "srv-1", hook, nil)))

			task, err := st.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, tasks.StateComplete, task.State)
			assert.NotNil(t, task.CompleteDate)

			busy, err := reg.ServerBusy(ctx, "srv-1")
			require.NoError(t, err)
			assert.False(t, busy)
		})
	}
}

func TestInterruptedHandlerClearsMarker(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer s.Close()

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	st := store.New(rdb)
	reg := fleet.NewRegistry(rdb)
	handlers := dispatch.NewRegistry(dispatch.NewCallbacks(st))
	registerHandlers(handlers, reg, time.Hour)

	id, err := st.Create(context.Background(), &tasks.Task{
		OwnerID:            "srv-1",
		OwnerKind:          tasks.OwnerServer,
		AssociatedServerID: "srv-1",
		State:              tasks.StateInProcess,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	result := make(chan error, 1)
	go func() {
		result <- handlers.Run(ctx, queue.NewJob(id, "srv-1", "deploy_server", nil))
	}()

	assert.Eventually(t, func() bool {
		busy, _ := reg.ServerBusy(context.Background(), "srv-1")
		return busy
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, dispatch.ErrInterrupted)
	case <-time.After(5 * time.Second):
		t.Fatal("Handler did not stop after cancellation")
	}

	busy, err := reg.ServerBusy(context.Background(), "srv-1")
	require.NoError(t, err)
	assert.False(t, busy)

	task, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateInProcess, task.State)
}

func TestReleaseLogsCleanupError(t *testing.T) {
	var buf bytes.Buffer
	prev := logger.Log
	logger.Log = zerolog.New(&buf)
	defer func() { logger.Log = prev }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ctxErr error
	release(ctx, func(ctx context.Context, id string) error {
		ctxErr = ctx.Err()
		return errors.New("redis: connection refused")
	}, "server", "srv-1")

	assert.NoError(t, ctxErr)
	assert.Contains(t, buf.String(), "Failed to clear busy marker")
	assert.Contains(t, buf.String(), "redis: connection refused")
	assert.Contains(t, buf.String(), "srv-1")
}
