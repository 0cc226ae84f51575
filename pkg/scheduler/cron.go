package scheduler

import (
	"context"
	"fmt"

	"github.com/guido-cesarano/taskgate/pkg/logger"
	"github.com/guido-cesarano/taskgate/pkg/metrics"
	"github.com/robfig/cron/v3"
)

// Schedules holds the cron specs of the three ticks.
type Schedules struct {
	Scheduler string
	Monitor   string
	Reaper    string
}

// DefaultSchedules returns the stock cadences.
func DefaultSchedules() Schedules {
	return Schedules{
		Scheduler: "@every 1m",
		Monitor:   "@every 15m",
		Reaper:    "@every 1h",
	}
}

// cronLogger routes robfig/cron logging to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Log.Debug().Fields(keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// Cron builds a cron runner firing the three ticks. Overlapping runs of the same tick
// inside this process are skipped; across processes the store claim keeps them safe.
// The caller starts and stops the returned runner.
func (s *Scheduler) Cron(ctx context.Context, specs Schedules) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger{}),
		cron.SkipIfStillRunning(cronLogger{}),
	), cron.WithLogger(cronLogger{}))

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"scheduler", specs.Scheduler, s.SchedulerTick},
		{"monitor", specs.Monitor, s.MonitorTick},
		{"reaper", specs.Reaper, s.ReaperTick},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		run := j.run
		if _, err := c.AddFunc(j.spec, func() { run(ctx) }); err != nil {
			return nil, fmt.Errorf("schedule %s tick %q: %w", j.name, j.spec, err)
		}
		logger.Log.Info().Str("job", j.name).Str("spec", j.spec).Msg("Tick scheduled")
	}
	return c, nil
}

// SchedulerTick runs RunOnce and records the outcome.
func (s *Scheduler) SchedulerTick(ctx context.Context) error {
	_, err := s.RunOnce(ctx)
	return observeTick("scheduler", err)
}

// MonitorTick runs Monitor and records the outcome.
func (s *Scheduler) MonitorTick(ctx context.Context) error {
	_, err := s.Monitor(ctx)
	return observeTick("monitor", err)
}

// ReaperTick runs Reap and records the outcome.
func (s *Scheduler) ReaperTick(ctx context.Context) error {
	_, err := s.Reap(ctx)
	return observeTick("reaper", err)
}

func observeTick(job string, err error) error {
	if err != nil {
		metrics.TicksTotal.WithLabelValues(job, "error").Inc()
		logger.Log.Error().Err(err).Str("job", job).Msg("Tick failed")
		return err
	}
	metrics.TicksTotal.WithLabelValues(job, "ok").Inc()
	return nil
}
