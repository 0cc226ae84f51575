package store

import (
	"context"

	"github.com/guido-cesarano/taskgate/pkg/tasks"
)

// FindByKeyStateType returns tasks sharing a caller-defined key, optionally narrowed by
// state and type. Callers use it to avoid enqueueing the same logical operation twice.
func (s *Store) FindByKeyStateType(ctx context.Context, key string, state tasks.State, taskType string) ([]*tasks.Task, error) {
	f := tasks.Filter{Key: key, Type: taskType}
	if state != "" {
		f.States = []tasks.State{state}
	}
	return s.Find(ctx, f)
}

// FindByOwnerStateType returns the tasks of one owner, optionally narrowed by state and type.
func (s *Store) FindByOwnerStateType(ctx context.Context, ownerID string, state tasks.State, taskType string) ([]*tasks.Task, error) {
	f := tasks.Filter{OwnerID: ownerID, Type: taskType}
	if state != "" {
		f.States = []tasks.State{state}
	}
	return s.Find(ctx, f)
}
