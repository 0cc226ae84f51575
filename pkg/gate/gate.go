// Package gate answers whether a new long-running operation may start against a server.
//
// IsAvailable is a plain read, suitable for UIs and direct code paths. The scheduler uses
// Claim instead, which repeats both checks inside the store's atomic ready -> in-process
// transition so two overlapping ticks cannot start work on the same server.
package gate

import (
	"context"
	"fmt"

	"github.com/guido-cesarano/taskgate/pkg/store"
	"github.com/guido-cesarano/taskgate/pkg/tasks"
)

// Markers reports entity-level "action in progress" markers.
type Markers interface {
	ServerBusy(ctx context.Context, serverID string) (bool, error)
}

// KeyedMarkers exposes the Redis key of a server marker so the claim can check it atomically.
type KeyedMarkers interface {
	Markers
	ServerBusyKey(serverID string) string
}

// Gate is the per-server mutual exclusion check.
type Gate struct {
	store   *store.Store
	markers Markers
}

// New creates a gate. markers may be nil when no direct code path marks servers.
func New(st *store.Store, markers Markers) *Gate {
	return &Gate{store: st, markers: markers}
}

// IsAvailable reports whether no marker is set on the server and no task is in process on it.
func (g *Gate) IsAvailable(ctx context.Context, serverID string) (bool, error) {
	if g.markers != nil {
		busy, err := g.markers.ServerBusy(ctx, serverID)
		if err != nil {
			return false, fmt.Errorf("check busy marker of %s: %w", serverID, err)
		}
		if busy {
			return false, nil
		}
	}

	running, err := g.store.BusyTasks(ctx, serverID)
	if err != nil {
		return false, err
	}
	return len(running) == 0, nil
}

// Claim atomically moves a ready task to in-process if the server is still available.
func (g *Gate) Claim(ctx context.Context, t *tasks.Task, details map[string]interface{}) (store.ClaimResult, error) {
	req := store.ClaimRequest{
		TaskID:   t.ID,
		ServerID: t.AssociatedServerID,
		Details:  details,
	}
	if km, ok := g.markers.(KeyedMarkers); ok {
		req.GuardKeys = []string{km.ServerBusyKey(t.AssociatedServerID)}
	}
	return g.store.Claim(ctx, req)
}
