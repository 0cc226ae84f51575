package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/guido-cesarano/taskgate/pkg/notify"
	"github.com/guido-cesarano/taskgate/pkg/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCleaner struct {
	mu      sync.Mutex
	servers []string
	apps    []string
	err     error

	// onServer runs after a server cleanup is recorded.
	onServer func(id string)
}

func (c *recordingCleaner) CleanupServer(_ context.Context, id string) error {
	c.mu.Lock()
	c.servers = append(c.servers, id)
	c.mu.Unlock()
	if c.onServer != nil {
		c.onServer(id)
	}
	return c.err
}

func (c *recordingCleaner) CleanupApp(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apps = append(c.apps, id)
	return c.err
}

type fakeTrimmer struct {
	keep int64
}

func (f *fakeTrimmer) TrimHistory(_ context.Context, keep int64) (int64, error) {
	f.keep = keep
	return 3, nil
}

func fieldValue(fields []notify.Field, key string) string {
	for _, f := range fields {
		if f.Key == key {
			return f.Value
		}
	}
	return ""
}

// A task stuck past the threshold is failed, cleaned up and reported.
func TestReapTimesOutStuckTask(t *testing.T) {
	h := newHarness(t, Config{})
	cleaner := &recordingCleaner{}
	h.sched.Cleaner = cleaner

	id := h.enqueue(t, "app-1", tasks.OwnerApp, tasks.StateInProcess)
	h.clock.t = h.clock.t.Add(3 * time.Hour)

	report, err := h.sched.Reap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Found)
	assert.Equal(t, []string{id}, report.TimedOut)

	task := h.get(t, id)
	assert.Equal(t, tasks.StateFailedTimeout, task.State)
	assert.Equal(t, 1, task.Attempts)
	assert.Contains(t, task.Messages, "timed out")

	assert.Equal(t, []string{"app-1"}, cleaner.apps)
	assert.Empty(t, cleaner.servers)

	alerts := h.notifier.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "Pending task timed out", alerts[0].Subject)
	assert.Equal(t, id, fieldValue(alerts[0].Fields, "task_id"))
	assert.Equal(t, "deploy app-1", fieldValue(alerts[0].Fields, "comment"))

	// The server is free again
	ok, err := h.sched.Gate.IsAvailable(context.Background(), "srv-1")
	require.NoError(t, err)
	assert.True(t, ok)

	report, err = h.sched.Reap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Found)
}

func TestReapClearsServerMarker(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.enqueue(t, "srv-2", tasks.OwnerServer, tasks.StateInProcess)
	require.NoError(t, h.fleet.MarkServerBusy(ctx, "srv-2", "deploy"))
	h.clock.t = h.clock.t.Add(3 * time.Hour)

	_, err := h.sched.Reap(ctx)
	require.NoError(t, err)

	busy, err := h.fleet.ServerBusy(ctx, "srv-2")
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestReapSkipsTaskFinishedDuringRun(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	cleaner := &recordingCleaner{}
	h.sched.Cleaner = cleaner

	first := h.enqueue(t, "srv-2", tasks.OwnerServer, tasks.StateInProcess)
	second := h.enqueue(t, "srv-3", tasks.OwnerServer, tasks.StateInProcess)
	h.clock.t = h.clock.t.Add(3 * time.Hour)

	// The handler of the second task reports completion while the first is reaped
	cleaner.onServer = func(id string) {
		if id != "srv-2" {
			return
		}
		_, err := h.store.Update(ctx, second, tasks.Patch{State: tasks.StatePtr(tasks.StateComplete)})
		require.NoError(t, err)
	}

	report, err := h.sched.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Found)
	assert.Equal(t, []string{first}, report.TimedOut)

	task := h.get(t, second)
	assert.Equal(t, tasks.StateComplete, task.State)
	assert.NotNil(t, task.CompleteDate)
	assert.NotContains(t, task.Messages, "timed out")

	assert.Equal(t, []string{"srv-2"}, cleaner.servers)
	alerts := h.notifier.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, first, fieldValue(alerts[0].Fields, "task_id"))
}

func TestReapSkipsTaskRestartedDuringRun(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	cleaner := &recordingCleaner{}
	h.sched.Cleaner = cleaner

	h.enqueue(t, "srv-2", tasks.OwnerServer, tasks.StateInProcess)
	second := h.enqueue(t, "srv-3", tasks.OwnerServer, tasks.StateInProcess)
	h.clock.t = h.clock.t.Add(3 * time.Hour)

	cleaner.onServer = func(id string) {
		if id != "srv-2" {
			return
		}
		_, err := h.sched.Override(ctx, admin, []string{second}, tasks.DirectiveResetInProcess)
		require.NoError(t, err)
	}

	report, err := h.sched.Reap(ctx)
	require.NoError(t, err)
	assert.Len(t, report.TimedOut, 1)
	assert.Equal(t, tasks.StateInProcess, h.get(t, second).State)
	assert.Equal(t, []string{"srv-2"}, cleaner.servers)
}

func TestReapIgnoresRecentAndIdleTasks(t *testing.T) {
	h := newHarness(t, Config{})
	cleaner := &recordingCleaner{}
	h.sched.Cleaner = cleaner

	ready := h.enqueue(t, "srv-1", tasks.OwnerServer, tasks.StateReady)
	notReady := h.enqueue(t, "srv-2", tasks.OwnerServer, tasks.StateNotReady)
	h.clock.t = h.clock.t.Add(3 * time.Hour)
	recent := h.enqueue(t, "srv-3", tasks.OwnerServer, tasks.StateInProcess)

	report, err := h.sched.Reap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Found)
	assert.Empty(t, h.notifier.Alerts())

	assert.Equal(t, tasks.StateReady, h.get(t, ready).State)
	assert.Equal(t, tasks.StateNotReady, h.get(t, notReady).State)
	assert.Equal(t, tasks.StateInProcess, h.get(t, recent).State)
}

func TestReapCapsWorkAndAlertsBacklog(t *testing.T) {
	h := newHarness(t, Config{MaxCleanupPerRun: 2})
	h.sched.Cleaner = &recordingCleaner{}

	first := h.enqueue(t, "srv-1", tasks.OwnerServer, tasks.StateInProcess)
	second := h.enqueue(t, "srv-2", tasks.OwnerServer, tasks.StateInProcess)
	third := h.enqueue(t, "srv-3", tasks.OwnerServer, tasks.StateInProcess)
	h.clock.t = h.clock.t.Add(3 * time.Hour)

	report, err := h.sched.Reap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Found)
	assert.Equal(t, []string{first, second}, report.TimedOut)
	assert.Equal(t, 1, report.Deferred)
	assert.Equal(t, tasks.StateInProcess, h.get(t, third).State)

	alerts := h.notifier.Alerts()
	require.Len(t, alerts, 3)
	assert.Equal(t, "Stuck task backlog exceeds reaper capacity", alerts[2].Subject)
	assert.Equal(t, "1", fieldValue(alerts[2].Fields, "deferred"))

	report, err = h.sched.Reap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{third}, report.TimedOut)
}

func TestReapContinuesAfterCleanupError(t *testing.T) {
	h := newHarness(t, Config{})
	h.sched.Cleaner = &recordingCleaner{err: errors.New("ssh unreachable")}

	a := h.enqueue(t, "srv-1", tasks.OwnerServer, tasks.StateInProcess)
	b := h.enqueue(t, "srv-2", tasks.OwnerServer, tasks.StateInProcess)
	h.clock.t = h.clock.t.Add(3 * time.Hour)

	report, err := h.sched.Reap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, report.TimedOut)
	assert.Equal(t, 2, report.CleanupErrors)

	alerts := h.notifier.Alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, "ssh unreachable", fieldValue(alerts[0].Fields, "cleanup_error"))
}

func TestReapTrimsHistory(t *testing.T) {
	h := newHarness(t, Config{HistoryKeep: 50})
	trimmer := &fakeTrimmer{}
	h.sched.History = trimmer

	report, err := h.sched.Reap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(50), trimmer.keep)
	assert.Equal(t, int64(3), report.HistoryTrimmed)
}
