package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/guido-cesarano/taskgate/pkg/logger"
	"github.com/guido-cesarano/taskgate/pkg/metrics"
	"github.com/guido-cesarano/taskgate/pkg/queue"
	"github.com/guido-cesarano/taskgate/pkg/store"
	"github.com/guido-cesarano/taskgate/pkg/tasks"
)

// RunOnce performs one scheduler tick. Ready tasks are considered oldest first; a task
// whose server is busy is skipped and the next one considered. The tick ends after the
// first successful dispatch, so at most one task starts per tick system-wide. It returns
// the dispatched task, or nil when nothing could start.
func (s *Scheduler) RunOnce(ctx context.Context) (*tasks.Task, error) {
	candidates, err := s.Store.Find(ctx, tasks.Filter{States: []tasks.State{tasks.StateReady}})
	if err != nil {
		return nil, fmt.Errorf("list ready tasks: %w", err)
	}

	for _, t := range candidates {
		dispatched, err := s.tryDispatch(ctx, t)
		if err != nil {
			logger.Log.Error().Err(err).Str("task_id", t.ID).Msg("Dispatch attempt failed")
			metrics.SkippedTotal.WithLabelValues("error").Inc()
			continue
		}
		if dispatched != nil {
			return dispatched, nil
		}
	}
	return nil, nil
}

// tryDispatch returns (nil, nil) for a normal skip.
func (s *Scheduler) tryDispatch(ctx context.Context, t *tasks.Task) (*tasks.Task, error) {
	log := logger.Log.With().Str("task_id", t.ID).Str("owner_id", t.OwnerID).Logger()

	hook, ok := t.ActionHook()
	if !ok {
		log.Warn().Msg("Skipping task without action hook")
		metrics.SkippedTotal.WithLabelValues("no_action_hook").Inc()
		return nil, nil
	}

	if t.AssociatedServerID == "" {
		serverID, err := s.Resolver.ResolveServer(ctx, t.OwnerID, t.OwnerKind)
		if err != nil {
			return nil, err
		}
		t.AssociatedServerID = serverID
	}
	log = log.With().Str("server_id", t.AssociatedServerID).Logger()

	available, err := s.Gate.IsAvailable(ctx, t.AssociatedServerID)
	if err != nil {
		return nil, err
	}
	if !available {
		log.Debug().Msg("Server busy, skipping task")
		metrics.SkippedTotal.WithLabelValues("server_busy").Inc()
		return nil, nil
	}

	details := make(map[string]interface{}, len(t.Details)+2)
	for k, v := range t.Details {
		details[k] = v
	}
	details[tasks.DetailServerID] = t.AssociatedServerID
	details[tasks.DetailOwnerKind] = string(t.OwnerKind)

	res, err := s.Gate.Claim(ctx, t, details)
	if errors.Is(err, store.ErrClaimConflict) {
		// Another tick or a direct action won the server between the read and the claim
		log.Info().Str("reason", res.String()).Msg("Claim lost, skipping task")
		metrics.SkippedTotal.WithLabelValues("claim_lost").Inc()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.Dispatcher.Dispatch(ctx, queue.NewJob(t.ID, t.OwnerID, hook, details)); err != nil {
		// Give the server back so the task is retried on a later tick
		if _, rerr := s.Store.Update(ctx, t.ID, tasks.Patch{
			State:         tasks.StatePtr(tasks.StateReady),
			AppendMessage: "dispatch failed: " + err.Error(),
		}); rerr != nil {
			log.Error().Err(rerr).Msg("Failed to release claim after dispatch error")
		}
		return nil, fmt.Errorf("dispatch %s: %w", hook, err)
	}

	metrics.DispatchedTotal.WithLabelValues(hook).Inc()
	log.Info().Str("hook", hook).Msg("Task dispatched")

	return s.Store.Get(ctx, t.ID)
}
