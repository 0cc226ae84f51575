package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/guido-cesarano/taskgate/pkg/logger"
	"github.com/guido-cesarano/taskgate/pkg/metrics"
	"github.com/guido-cesarano/taskgate/pkg/notify"
	"github.com/guido-cesarano/taskgate/pkg/store"
	"github.com/guido-cesarano/taskgate/pkg/tasks"
)

// ReapReport summarises one reaper run.
type ReapReport struct {
	Found          int
	TimedOut       []string
	CleanupErrors  int
	Deferred       int
	HistoryTrimmed int64
}

// Reap times out tasks stuck past the threshold. It fails at most MaxCleanupPerRun of
// the oldest ones, runs the owner's cleanup callback so the server's busy marker is
// released, and alerts operators for each. Per-task errors are logged and the run
// moves on.
func (s *Scheduler) Reap(ctx context.Context) (ReapReport, error) {
	var report ReapReport

	cutoff := s.Store.Now().Add(-s.cfg.StuckThreshold)
	stuck, err := s.Store.Find(ctx, tasks.Filter{
		States:        tasks.ActiveStates,
		StartedBefore: &cutoff,
	})
	if err != nil {
		return report, fmt.Errorf("list stuck tasks: %w", err)
	}

	report.Found = len(stuck)
	if len(stuck) > s.cfg.MaxCleanupPerRun {
		report.Deferred = len(stuck) - s.cfg.MaxCleanupPerRun
		stuck = stuck[:s.cfg.MaxCleanupPerRun]
	}

	for _, t := range stuck {
		if s.reapOne(ctx, t, cutoff, &report) {
			report.TimedOut = append(report.TimedOut, t.ID)
		}
	}

	metrics.ReaperBacklog.Set(float64(report.Deferred))
	if report.Deferred > 0 {
		s.alertBacklog(ctx, report)
	}

	if s.History != nil && s.cfg.HistoryKeep > 0 {
		trimmed, err := s.History.TrimHistory(ctx, s.cfg.HistoryKeep)
		if err != nil {
			logger.Log.Error().Err(err).Msg("Failed to trim dispatch history")
		}
		report.HistoryTrimmed = trimmed
	}

	logger.Log.Info().
		Int("found", report.Found).
		Int("timed_out", len(report.TimedOut)).
		Int("deferred", report.Deferred).
		Msg("Reaper run finished")
	return report, nil
}

func (s *Scheduler) reapOne(ctx context.Context, t *tasks.Task, cutoff time.Time, report *ReapReport) bool {
	log := logger.Log.With().
		Str("task_id", t.ID).
		Str("owner_id", t.OwnerID).
		Str("server_id", t.AssociatedServerID).
		Logger()

	_, err := s.Store.Update(ctx, t.ID, tasks.Patch{
		State:         tasks.StatePtr(tasks.StateFailedTimeout),
		AppendMessage: fmt.Sprintf("timed out after %s in state %s", s.cfg.StuckThreshold, t.State),
		Require: &tasks.Filter{
			States:        []tasks.State{t.State},
			StartedBefore: &cutoff,
		},
	})
	if errors.Is(err, store.ErrNotFound) {
		// Deleted since the scan
		return false
	}
	if errors.Is(err, store.ErrPreconditionFailed) {
		log.Info().Err(err).Msg("Task moved on since the scan, not timing out")
		return false
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to time out task")
		return false
	}
	metrics.ReapedTotal.WithLabelValues(string(t.OwnerKind)).Inc()
	log.Warn().Msg("Task timed out")

	alert := notify.Alert{Subject: "Pending task timed out"}
	alert.Add("task_id", t.ID).Add("comment", t.Comment)

	if cerr := s.cleanup(ctx, t); cerr != nil {
		report.CleanupErrors++
		metrics.CleanupErrorsTotal.WithLabelValues(string(t.OwnerKind)).Inc()
		log.Error().Err(cerr).Msg("Owner cleanup failed")
		alert.Add("cleanup_error", cerr.Error())
	}

	if err := s.Notifier.Notify(ctx, alert); err != nil {
		log.Error().Err(err).Msg("Failed to send timeout alert")
	} else {
		metrics.AlertsTotal.WithLabelValues("timeout").Inc()
	}
	return true
}

func (s *Scheduler) cleanup(ctx context.Context, t *tasks.Task) error {
	if s.Cleaner == nil {
		return nil
	}
	switch t.OwnerKind {
	case tasks.OwnerApp:
		return s.Cleaner.CleanupApp(ctx, t.OwnerID)
	case tasks.OwnerServer:
		return s.Cleaner.CleanupServer(ctx, t.OwnerID)
	}
	return fmt.Errorf("no cleanup for owner kind %q", t.OwnerKind)
}

func (s *Scheduler) alertBacklog(ctx context.Context, report ReapReport) {
	alert := notify.Alert{Subject: "Stuck task backlog exceeds reaper capacity"}
	alert.Add("found", strconv.Itoa(report.Found)).
		Add("timed_out", strconv.Itoa(len(report.TimedOut))).
		Add("deferred", strconv.Itoa(report.Deferred))
	if err := s.Notifier.Notify(ctx, alert); err != nil {
		logger.Log.Error().Err(err).Msg("Failed to send backlog alert")
		return
	}
	metrics.AlertsTotal.WithLabelValues("backlog").Inc()
}
