// Package config loads process settings from an optional YAML file and TASKGATE_*
// environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/guido-cesarano/taskgate/pkg/logger"
	"github.com/guido-cesarano/taskgate/pkg/notify"
	"github.com/guido-cesarano/taskgate/pkg/scheduler"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. TASKGATE_REDIS_ADDR.
const EnvPrefix = "TASKGATE"

// Config keys.
const (
	RedisAddr     = "redis.addr"
	RedisPassword = "redis.password"
	RedisDB       = "redis.db"

	HTTPAddr    = "http.addr"
	MetricsAddr = "metrics.addr"

	APIKey   = "auth.api_key"
	AdminKey = "auth.admin_key"

	SchedulerSpec = "scheduler.spec"
	MonitorSpec   = "monitor.spec"
	ReaperSpec    = "reaper.spec"

	StuckThreshold   = "reaper.stuck_threshold"
	MaxCleanupPerRun = "reaper.max_cleanup_per_run"
	HistoryKeep      = "reaper.history_keep"
	AlertThreshold   = "monitor.alert_threshold"
	RealertAfter     = "monitor.realert_after"

	SMTPHost     = "notify.smtp.host"
	SMTPPort     = "notify.smtp.port"
	SMTPUsername = "notify.smtp.username"
	SMTPPassword = "notify.smtp.password"
	SMTPFrom     = "notify.smtp.from"
	SMTPTo       = "notify.smtp.to"

	LogLevel      = "log.level"
	LogFile       = "log.file"
	LogMaxSizeMB  = "log.max_size_mb"
	LogMaxBackups = "log.max_backups"

	WorkerPoll = "worker.poll"
)

// Config wraps a viper instance with typed accessors.
type Config struct {
	v *viper.Viper
}

// New returns a config holding only defaults and environment overrides.
func New() *Config {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Config{v: v}
}

// Load reads path when it is non-empty. Environment variables take precedence over the file.
func Load(path string) (*Config, error) {
	c := New()
	if path == "" {
		return c, nil
	}
	c.v.SetConfigFile(path)
	if err := c.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	def := scheduler.DefaultConfig()
	specs := scheduler.DefaultSchedules()

	v.SetDefault(RedisAddr, "127.0.0.1:6379")
	v.SetDefault(RedisDB, 0)
	v.SetDefault(HTTPAddr, ":8081")
	v.SetDefault(MetricsAddr, ":8080")

	v.SetDefault(SchedulerSpec, specs.Scheduler)
	v.SetDefault(MonitorSpec, specs.Monitor)
	v.SetDefault(ReaperSpec, specs.Reaper)

	v.SetDefault(StuckThreshold, def.StuckThreshold)
	v.SetDefault(MaxCleanupPerRun, def.MaxCleanupPerRun)
	v.SetDefault(HistoryKeep, def.HistoryKeep)
	v.SetDefault(AlertThreshold, def.AlertThreshold)
	v.SetDefault(RealertAfter, def.RealertAfter)

	v.SetDefault(SMTPPort, 25)
	v.SetDefault(LogLevel, "info")
	v.SetDefault(LogMaxSizeMB, 100)
	v.SetDefault(LogMaxBackups, 3)
	v.SetDefault(WorkerPoll, "5s")
}

// Viper exposes the underlying instance, e.g. for binding cobra flags.
func (c *Config) Viper() *viper.Viper {
	return c.v
}

func (c *Config) String(key string) string {
	return c.v.GetString(key)
}

// Set overrides a key for the lifetime of the process.
func (c *Config) Set(key string, val interface{}) {
	c.v.Set(key, val)
}

// RedisOptions returns the connection settings of the shared Redis.
func (c *Config) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     c.v.GetString(RedisAddr),
		Password: c.v.GetString(RedisPassword),
		DB:       c.v.GetInt(RedisDB),
	}
}

// Scheduler returns the tick thresholds.
func (c *Config) Scheduler() scheduler.Config {
	return scheduler.Config{
		StuckThreshold:   c.v.GetDuration(StuckThreshold),
		MaxCleanupPerRun: c.v.GetInt(MaxCleanupPerRun),
		AlertThreshold:   c.v.GetDuration(AlertThreshold),
		RealertAfter:     c.v.GetDuration(RealertAfter),
		HistoryKeep:      c.v.GetInt64(HistoryKeep),
	}
}

// Schedules returns the cron specs of the ticks. An empty spec disables a tick.
func (c *Config) Schedules() scheduler.Schedules {
	return scheduler.Schedules{
		Scheduler: c.v.GetString(SchedulerSpec),
		Monitor:   c.v.GetString(MonitorSpec),
		Reaper:    c.v.GetString(ReaperSpec),
	}
}

func (c *Config) Logger() logger.Options {
	return logger.Options{
		Level:      c.v.GetString(LogLevel),
		File:       c.v.GetString(LogFile),
		MaxSizeMB:  c.v.GetInt(LogMaxSizeMB),
		MaxBackups: c.v.GetInt(LogMaxBackups),
	}
}

// SMTP returns the mail settings and whether mail alerts are configured at all.
func (c *Config) SMTP() (notify.SMTPConfig, bool) {
	cfg := notify.SMTPConfig{
		Host:     c.v.GetString(SMTPHost),
		Port:     c.v.GetInt(SMTPPort),
		Username: c.v.GetString(SMTPUsername),
		Password: c.v.GetString(SMTPPassword),
		From:     c.v.GetString(SMTPFrom),
		To:       recipients(c.v.GetStringSlice(SMTPTo)),
	}
	return cfg, cfg.Host != ""
}

// Notifier builds the alert sink: the log always, plus mail when SMTP is configured.
func (c *Config) Notifier() (notify.Notifier, error) {
	smtpCfg, ok := c.SMTP()
	if !ok {
		return notify.LogNotifier{}, nil
	}
	mail, err := notify.NewSMTPNotifier(smtpCfg)
	if err != nil {
		return nil, err
	}
	return notify.Multi{notify.LogNotifier{}, mail}, nil
}

// recipients accepts both YAML lists and a comma separated env value.
func recipients(raw []string) []string {
	var out []string
	for _, r := range raw {
		for _, addr := range strings.Split(r, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				out = append(out, addr)
			}
		}
	}
	return out
}
