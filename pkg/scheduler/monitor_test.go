package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/guido-cesarano/taskgate/pkg/notify"
	"github.com/guido-cesarano/taskgate/pkg/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A task running longer than the alert threshold is reported.
func TestMonitorAlertsLongRunningTask(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	id := h.enqueue(t, "srv-1", tasks.OwnerServer, tasks.StateReady)
	_, err := h.sched.RunOnce(ctx)
	require.NoError(t, err)

	h.clock.t = h.clock.t.Add(20 * time.Minute)
	sent, err := h.sched.Monitor(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	alerts := h.notifier.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "Pending task running longer than expected", alerts[0].Subject)
	assert.Equal(t, id, fieldValue(alerts[0].Fields, "task_id"))
	assert.Equal(t, "1", fieldValue(alerts[0].Fields, "attempts"))
	assert.Equal(t, "srv-1", fieldValue(alerts[0].Fields, "server_id"))
	assert.Contains(t, fieldValue(alerts[0].Fields, "started"), "ago")

	task := h.get(t, id)
	assert.Equal(t, tasks.StateInProcess, task.State)
	assert.Equal(t, 1, task.Attempts)
}

func TestMonitorIgnoresFreshTasks(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.enqueue(t, "srv-1", tasks.OwnerServer, tasks.StateInProcess)
	h.enqueue(t, "srv-2", tasks.OwnerServer, tasks.StateReady)

	h.clock.t = h.clock.t.Add(5 * time.Minute)
	sent, err := h.sched.Monitor(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, h.notifier.Alerts())
}

func TestMonitorRealertsEveryTickByDefault(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.enqueue(t, "srv-1", tasks.OwnerServer, tasks.StateInProcess)
	h.clock.t = h.clock.t.Add(time.Hour)

	for i := 0; i < 3; i++ {
		_, err := h.sched.Monitor(ctx)
		require.NoError(t, err)
	}
	assert.Len(t, h.notifier.Alerts(), 3)
}

func TestMonitorDedupesWithinWindow(t *testing.T) {
	h := newHarness(t, Config{RealertAfter: time.Hour})
	ctx := context.Background()
	h.enqueue(t, "srv-1", tasks.OwnerServer, tasks.StateInProcess)
	h.clock.t = h.clock.t.Add(time.Hour)

	sent, err := h.sched.Monitor(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	sent, err = h.sched.Monitor(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)

	h.mr.FastForward(2 * time.Hour)
	sent, err = h.sched.Monitor(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
}

// flakyNotifier fails a set number of sends before recording.
type flakyNotifier struct {
	notify.Recorder
	failures int
}

func (f *flakyNotifier) Notify(ctx context.Context, alert notify.Alert) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("smtp: connection refused")
	}
	return f.Recorder.Notify(ctx, alert)
}

func TestMonitorRetriesAfterFailedSend(t *testing.T) {
	h := newHarness(t, Config{RealertAfter: time.Hour})
	ctx := context.Background()
	notifier := &flakyNotifier{failures: 1}
	h.sched.Notifier = notifier
	id := h.enqueue(t, "srv-1", tasks.OwnerServer, tasks.StateInProcess)
	h.clock.t = h.clock.t.Add(time.Hour)

	sent, err := h.sched.Monitor(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.False(t, h.mr.Exists("tasks:alerted:"+id))

	sent, err = h.sched.Monitor(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	require.Len(t, notifier.Alerts(), 1)

	sent, err = h.sched.Monitor(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
}
