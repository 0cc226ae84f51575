package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/guido-cesarano/taskgate/pkg/logger"
	"github.com/guido-cesarano/taskgate/pkg/metrics"
	"github.com/guido-cesarano/taskgate/pkg/notify"
	"github.com/guido-cesarano/taskgate/pkg/tasks"
)

// Monitor alerts on every in-process task older than the alert threshold. It never
// changes task state. With RealertAfter set, a task is reported at most once per window.
func (s *Scheduler) Monitor(ctx context.Context) (int, error) {
	now := s.Store.Now()
	cutoff := now.Add(-s.cfg.AlertThreshold)
	running, err := s.Store.Find(ctx, tasks.Filter{
		States:        []tasks.State{tasks.StateInProcess},
		StartedBefore: &cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("list long-running tasks: %w", err)
	}

	sent := 0
	for _, t := range running {
		if s.cfg.RealertAfter > 0 {
			first, err := s.Store.MarkAlerted(ctx, t.ID, s.cfg.RealertAfter)
			if err != nil {
				logger.Log.Error().Err(err).Str("task_id", t.ID).Msg("Alert dedupe check failed")
			} else if !first {
				continue
			}
		}

		if err := s.Notifier.Notify(ctx, longRunningAlert(t, now)); err != nil {
			logger.Log.Error().Err(err).Str("task_id", t.ID).Msg("Failed to send long-running alert")
			if s.cfg.RealertAfter > 0 {
				if cerr := s.Store.ClearAlerted(ctx, t.ID); cerr != nil {
					logger.Log.Error().Err(cerr).Str("task_id", t.ID).Msg("Failed to reset alert dedupe")
				}
			}
			continue
		}
		metrics.AlertsTotal.WithLabelValues("long_running").Inc()
		sent++
	}
	return sent, nil
}

func longRunningAlert(t *tasks.Task, now time.Time) notify.Alert {
	alert := notify.Alert{Subject: "Pending task running longer than expected"}
	alert.Add("task_id", t.ID).
		Add("task_type", t.Type).
		Add("task_key", t.Key).
		Add("attempts", strconv.Itoa(t.Attempts)).
		Add("reference", t.Reference).
		Add("comment", t.Comment)
	if t.StartDate != nil {
		alert.Add("start_date", t.StartDate.Format(time.RFC3339)).
			Add("started", humanize.RelTime(*t.StartDate, now, "ago", "from now"))
	}
	alert.Add("owner_id", t.OwnerID).
		Add("owner_kind", string(t.OwnerKind)).
		Add("server_id", t.AssociatedServerID)
	return alert
}
