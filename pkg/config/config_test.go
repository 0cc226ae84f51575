package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guido-cesarano/taskgate/pkg/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6379", c.RedisOptions().Addr)
	assert.Equal(t, ":8081", c.String(HTTPAddr))

	sched := c.Scheduler()
	assert.Equal(t, 2*time.Hour, sched.StuckThreshold)
	assert.Equal(t, 100, sched.MaxCleanupPerRun)
	assert.Equal(t, 15*time.Minute, sched.AlertThreshold)
	assert.Zero(t, sched.RealertAfter)
	assert.Equal(t, int64(1000), sched.HistoryKeep)

	specs := c.Schedules()
	assert.Equal(t, "@every 1m", specs.Scheduler)
	assert.Equal(t, "@every 15m", specs.Monitor)
	assert.Equal(t, "@every 1h", specs.Reaper)

	_, ok := c.SMTP()
	assert.False(t, ok)
	n, err := c.Notifier()
	require.NoError(t, err)
	assert.IsType(t, notify.LogNotifier{}, n)
}

func TestFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskgate.yml")
	yml := `
redis:
  addr: redis.internal:6380
reaper:
  stuck_threshold: 90m
  max_cleanup_per_run: 10
notify:
  smtp:
    host: mail.internal
    from: taskgate@example.com
    to:
      - ops@example.com
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	t.Setenv("TASKGATE_MONITOR_ALERT_THRESHOLD", "5m")
	t.Setenv("TASKGATE_REDIS_ADDR", "redis.env:6379")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis.env:6379", c.RedisOptions().Addr)
	assert.Equal(t, 90*time.Minute, c.Scheduler().StuckThreshold)
	assert.Equal(t, 10, c.Scheduler().MaxCleanupPerRun)
	assert.Equal(t, 5*time.Minute, c.Scheduler().AlertThreshold)

	smtpCfg, ok := c.SMTP()
	require.True(t, ok)
	assert.Equal(t, []string{"ops@example.com"}, smtpCfg.To)
	assert.Equal(t, 25, smtpCfg.Port)

	n, err := c.Notifier()
	require.NoError(t, err)
	assert.IsType(t, notify.Multi{}, n)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestRecipients(t *testing.T) {
	assert.Equal(t, []string{"a@x", "b@x", "c@x"}, recipients([]string{"a@x, b@x", "c@x"}))
	assert.Nil(t, recipients(nil))
}
