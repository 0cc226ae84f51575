// Package fleet keeps the registry of managed servers and the apps hosted on them.
//
// Besides identity it stores the "action in progress" markers that code paths acting on
// an entity directly set while they work. The scheduler gate refuses a server while its
// marker exists, and the reaper's cleanup callbacks clear them.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guido-cesarano/taskgate/pkg/logger"
	"github.com/guido-cesarano/taskgate/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

var (
	ErrUnknownServer = errors.New("unknown server")
	ErrUnknownApp    = errors.New("unknown app")
)

// Server is a managed remote machine.
type Server struct {
	ID        string    `json:"id" redis:"id"`
	Name      string    `json:"name" redis:"name"`
	Address   string    `json:"address" redis:"address"`
	CreatedAt time.Time `json:"created_at" redis:"-"`
}

// App is an application hosted on a server.
type App struct {
	ID        string    `json:"id" redis:"id"`
	ServerID  string    `json:"server_id" redis:"server_id"`
	Name      string    `json:"name" redis:"name"`
	CreatedAt time.Time `json:"created_at" redis:"-"`
}

// DeleteHook runs after an entity is removed from the registry.
type DeleteHook func(ctx context.Context, ownerID string, kind tasks.OwnerKind) error

func serverKey(id string) string { return "fleet:server:" + id }
func serverAppsKey(id string) string { return "fleet:server:" + id + ":apps" }
func appKey(id string) string { return "fleet:app:" + id }

// ServerBusyKey is the marker key set while an action runs directly against a server.
func ServerBusyKey(id string) string { return "fleet:server:" + id + ":busy" }

// AppBusyKey is the marker key set while an action runs directly against an app.
func AppBusyKey(id string) string { return "fleet:app:" + id + ":busy" }

// Registry stores servers and apps in Redis.
type Registry struct {
	rdb   *redis.Client
	hooks []DeleteHook
}

// NewRegistry creates a registry sharing the given Redis client.
func NewRegistry(rdb *redis.Client) *Registry {
	return &Registry{rdb: rdb}
}

// OnDelete registers a hook run after every server or app deletion.
func (r *Registry) OnDelete(hook DeleteHook) {
	r.hooks = append(r.hooks, hook)
}

// AddServer registers or replaces a server.
func (r *Registry) AddServer(ctx context.Context, s Server) error {
	if s.ID == "" {
		return errors.New("server id is required")
	}
	return r.rdb.HSet(ctx, serverKey(s.ID), "id", s.ID, "name", s.Name, "address", s.Address,
		"created_at", time.Now().UTC().Format(time.RFC3339)).Err()
}

// AddApp registers an app on an existing server.
func (r *Registry) AddApp(ctx context.Context, a App) error {
	if a.ID == "" {
		return errors.New("app id is required")
	}
	ok, err := r.exists(ctx, serverKey(a.ServerID))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, a.ServerID)
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, appKey(a.ID), "id", a.ID, "server_id", a.ServerID, "name", a.Name,
			"created_at", time.Now().UTC().Format(time.RFC3339))
		pipe.SAdd(ctx, serverAppsKey(a.ServerID), a.ID)
		return nil
	})
	return err
}

// GetServer loads a server.
func (r *Registry) GetServer(ctx context.Context, id string) (*Server, error) {
	var s Server
	cmd := r.rdb.HGetAll(ctx, serverKey(id))
	if len(cmd.Val()) == 0 && cmd.Err() == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}
	if err := cmd.Scan(&s); err != nil {
		return nil, fmt.Errorf("load server %s: %w", id, err)
	}
	return &s, nil
}

// GetApp loads an app.
func (r *Registry) GetApp(ctx context.Context, id string) (*App, error) {
	var a App
	cmd := r.rdb.HGetAll(ctx, appKey(id))
	if len(cmd.Val()) == 0 && cmd.Err() == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApp, id)
	}
	if err := cmd.Scan(&a); err != nil {
		return nil, fmt.Errorf("load app %s: %w", id, err)
	}
	return &a, nil
}

// ResolveServer returns the server that must be gated for an owner.
func (r *Registry) ResolveServer(ctx context.Context, ownerID string, kind tasks.OwnerKind) (string, error) {
	switch kind {
	case tasks.OwnerServer:
		return ownerID, nil
	case tasks.OwnerApp:
		serverID, err := r.rdb.HGet(ctx, appKey(ownerID), "server_id").Result()
		if err == redis.Nil || (err == nil && serverID == "") {
			return "", fmt.Errorf("%w: %s", ErrUnknownApp, ownerID)
		}
		if err != nil {
			return "", fmt.Errorf("resolve server of app %s: %w", ownerID, err)
		}
		return serverID, nil
	}
	return "", fmt.Errorf("invalid owner kind %q", kind)
}

// MarkServerBusy sets the action-in-progress marker on a server.
func (r *Registry) MarkServerBusy(ctx context.Context, id, action string) error {
	return r.rdb.Set(ctx, ServerBusyKey(id), action, 0).Err()
}

// MarkAppBusy sets the action-in-progress marker on an app.
func (r *Registry) MarkAppBusy(ctx context.Context, id, action string) error {
	return r.rdb.Set(ctx, AppBusyKey(id), action, 0).Err()
}

// ServerBusy reports whether a server carries a live action marker.
func (r *Registry) ServerBusy(ctx context.Context, id string) (bool, error) {
	return r.exists(ctx, ServerBusyKey(id))
}

// ServerBusyKey returns the marker key of a server.
func (r *Registry) ServerBusyKey(id string) string {
	return ServerBusyKey(id)
}

// CleanupServer clears the busy marker a handler left on a server.
func (r *Registry) CleanupServer(ctx context.Context, id string) error {
	if err := r.rdb.Del(ctx, ServerBusyKey(id)).Err(); err != nil {
		return fmt.Errorf("clear busy marker of server %s: %w", id, err)
	}
	logger.Log.Debug().Str("server_id", id).Msg("Server busy marker cleared")
	return nil
}

// CleanupApp clears the busy marker a handler left on an app.
func (r *Registry) CleanupApp(ctx context.Context, id string) error {
	if err := r.rdb.Del(ctx, AppBusyKey(id)).Err(); err != nil {
		return fmt.Errorf("clear busy marker of app %s: %w", id, err)
	}
	logger.Log.Debug().Str("app_id", id).Msg("App busy marker cleared")
	return nil
}

// DeleteServer removes a server and its hosted apps, then runs the delete hooks.
func (r *Registry) DeleteServer(ctx context.Context, id string) error {
	apps, err := r.rdb.SMembers(ctx, serverAppsKey(id)).Result()
	if err != nil {
		return fmt.Errorf("list apps of server %s: %w", id, err)
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, appID := range apps {
			pipe.Del(ctx, appKey(appID), AppBusyKey(appID))
		}
		pipe.Del(ctx, serverKey(id), serverAppsKey(id), ServerBusyKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete server %s: %w", id, err)
	}
	return r.runHooks(ctx, id, tasks.OwnerServer)
}

// DeleteApp removes an app, then runs the delete hooks.
func (r *Registry) DeleteApp(ctx context.Context, id string) error {
	serverID, err := r.rdb.HGet(ctx, appKey(id), "server_id").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("load app %s: %w", id, err)
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, appKey(id), AppBusyKey(id))
		if serverID != "" {
			pipe.SRem(ctx, serverAppsKey(serverID), id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete app %s: %w", id, err)
	}
	return r.runHooks(ctx, id, tasks.OwnerApp)
}

func (r *Registry) runHooks(ctx context.Context, id string, kind tasks.OwnerKind) error {
	var errs []error
	for _, hook := range r.hooks {
		if err := hook(ctx, id, kind); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) exists(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
