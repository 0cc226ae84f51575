package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/guido-cesarano/taskgate/pkg/logger"
	"github.com/guido-cesarano/taskgate/pkg/metrics"
	"github.com/guido-cesarano/taskgate/pkg/store"
	"github.com/guido-cesarano/taskgate/pkg/tasks"
)

// DeleteOwnerTasks removes the non-terminal tasks of a deleted owner so none of them can
// keep holding a server's gate. For a server, tasks of its hosted apps are removed too.
// Terminal history is kept. It returns the number of deleted tasks.
func (s *Scheduler) DeleteOwnerTasks(ctx context.Context, ownerID string, kind tasks.OwnerKind) (int, error) {
	owned, err := s.Store.Find(ctx, tasks.Filter{OwnerID: ownerID, States: tasks.PendingStates})
	if err != nil {
		return 0, fmt.Errorf("list tasks of %s %s: %w", kind, ownerID, err)
	}

	var victims []*tasks.Task
	for _, t := range owned {
		if t.OwnerKind == kind {
			victims = append(victims, t)
		}
	}

	if kind == tasks.OwnerServer {
		hosted, err := s.Store.Find(ctx, tasks.Filter{AssociatedServerID: ownerID, States: tasks.PendingStates})
		if err != nil {
			return 0, fmt.Errorf("list tasks gated on server %s: %w", ownerID, err)
		}
		victims = append(victims, hosted...)
	}

	seen := make(map[string]bool)
	deleted := 0
	var errs []error
	for _, t := range victims {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		if err := s.Store.Delete(ctx, t.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		deleted++
	}

	metrics.CascadeDeletedTotal.Add(float64(deleted))
	logger.Log.Info().
		Str("owner_id", ownerID).
		Str("owner_kind", string(kind)).
		Int("deleted", deleted).
		Msg("Removed pending tasks of deleted owner")
	return deleted, errors.Join(errs...)
}

// OnOwnerDeleted adapts DeleteOwnerTasks to the registry's delete hook.
func (s *Scheduler) OnOwnerDeleted(ctx context.Context, ownerID string, kind tasks.OwnerKind) error {
	_, err := s.DeleteOwnerTasks(ctx, ownerID, kind)
	return err
}
