package fleet

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/taskgate/pkg/tasks"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRegistry(t *testing.T) (*miniredis.Miniredis, *Registry) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	return s, NewRegistry(redis.NewClient(&redis.Options{Addr: s.Addr()}))
}

func TestResolveServer(t *testing.T) {
	_, reg := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.AddServer(ctx, Server{ID: "srv-1", Name: "web-1"}))
	require.NoError(t, reg.AddApp(ctx, App{ID: "app-1", ServerID: "srv-1", Name: "blog"}))

	id, err := reg.ResolveServer(ctx, "srv-1", tasks.OwnerServer)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", id)

	id, err = reg.ResolveServer(ctx, "app-1", tasks.OwnerApp)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", id)

	_, err = reg.ResolveServer(ctx, "app-404", tasks.OwnerApp)
	assert.ErrorIs(t, err, ErrUnknownApp)
}

func TestAddAppRequiresServer(t *testing.T) {
	_, reg := setupTestRegistry(t)
	err := reg.AddApp(context.Background(), App{ID: "app-1", ServerID: "nope"})
	assert.ErrorIs(t, err, ErrUnknownServer)
}

func TestGetEntities(t *testing.T) {
	_, reg := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.AddServer(ctx, Server{ID: "srv-1", Name: "web-1", Address: "10.0.0.1"}))
	require.NoError(t, reg.AddApp(ctx, App{ID: "app-1", ServerID: "srv-1", Name: "blog"}))

	srv, err := reg.GetServer(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", srv.Address)

	app, err := reg.GetApp(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", app.ServerID)

	_, err = reg.GetServer(ctx, "srv-2")
	assert.ErrorIs(t, err, ErrUnknownServer)
}

func TestBusyMarkers(t *testing.T) {
	s, reg := setupTestRegistry(t)
	ctx := context.Background()

	busy, err := reg.ServerBusy(ctx, "srv-1")
	require.NoError(t, err)
	assert.False(t, busy)

	require.NoError(t, reg.MarkServerBusy(ctx, "srv-1", "restart_nginx"))
	busy, err = reg.ServerBusy(ctx, "srv-1")
	require.NoError(t, err)
	assert.True(t, busy)

	require.NoError(t, reg.CleanupServer(ctx, "srv-1"))
	busy, err = reg.ServerBusy(ctx, "srv-1")
	require.NoError(t, err)
	assert.False(t, busy)

	require.NoError(t, reg.MarkAppBusy(ctx, "app-1", "clone"))
	assert.True(t, s.Exists(AppBusyKey("app-1")))
	require.NoError(t, reg.CleanupApp(ctx, "app-1"))
	assert.False(t, s.Exists(AppBusyKey("app-1")))
}

func TestDeleteRunsHooks(t *testing.T) {
	s, reg := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.AddServer(ctx, Server{ID: "srv-1"}))
	require.NoError(t, reg.AddApp(ctx, App{ID: "app-1", ServerID: "srv-1"}))
	require.NoError(t, reg.AddApp(ctx, App{ID: "app-2", ServerID: "srv-1"}))

	type call struct {
		id   string
		kind tasks.OwnerKind
	}
	var calls []call
	reg.OnDelete(func(ctx context.Context, id string, kind tasks.OwnerKind) error {
		calls = append(calls, call{id, kind})
		return nil
	})

	require.NoError(t, reg.DeleteApp(ctx, "app-2"))
	require.NoError(t, reg.DeleteServer(ctx, "srv-1"))

	assert.Equal(t, []call{{"app-2", tasks.OwnerApp}, {"srv-1", tasks.OwnerServer}}, calls)
	assert.False(t, s.Exists("fleet:server:srv-1"))
	assert.False(t, s.Exists("fleet:app:app-1"))
}
