package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/guido-cesarano/taskgate/pkg/logger"
	"github.com/guido-cesarano/taskgate/pkg/metrics"
	"github.com/guido-cesarano/taskgate/pkg/tasks"
)

// ErrForbidden is returned when the caller lacks the override permission.
var ErrForbidden = errors.New("manual override requires admin permission")

// RoleAdmin grants manual override.
const RoleAdmin = "admin"

// Principal identifies the operator invoking a privileged operation.
type Principal struct {
	Name  string
	Roles []string
}

// Can reports whether the principal holds a role.
func (p Principal) Can(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Override forces the given tasks into the state named by the directive, bypassing the
// gate. Every affected task's attempts is incremented. Unauthorized callers get
// ErrForbidden and nothing changes. Per-task failures are joined into the returned
// error while the remaining ids are still processed.
func (s *Scheduler) Override(ctx context.Context, who Principal, ids []string, d tasks.Directive) ([]*tasks.Task, error) {
	if !who.Can(RoleAdmin) {
		logger.Log.Warn().Str("principal", who.Name).Str("directive", string(d)).Msg("Rejected manual override")
		return nil, ErrForbidden
	}
	target := d.TargetState()
	if target == "" {
		return nil, fmt.Errorf("%w: %q", tasks.ErrUnknownDirective, d)
	}

	patch := tasks.Patch{
		State:         &target,
		AppendMessage: fmt.Sprintf("manual override %s by %s", d, who.Name),
	}
	switch d {
	case tasks.DirectiveResetReady:
		patch.ClearStartDate = true
	case tasks.DirectiveResetInProcess:
		now := s.Store.Now()
		patch.StartDate = &now
	}

	var updated []*tasks.Task
	var errs []error
	for _, id := range ids {
		t, err := s.Store.Update(ctx, id, patch)
		if err != nil {
			errs = append(errs, fmt.Errorf("override %s: %w", id, err))
			continue
		}
		metrics.OverridesTotal.WithLabelValues(string(d)).Inc()
		logger.Log.Info().
			Str("task_id", id).
			Str("principal", who.Name).
			Str("directive", string(d)).
			Msg("Manual override applied")
		updated = append(updated, t)
	}
	return updated, errors.Join(errs...)
}
