// Package main implements the taskgate worker process.
// The worker consumes dispatch jobs published by the scheduler loop and runs the
// handler registered for each job's action hook.
//
// Features:
//   - Reliable dequeue into a processing list, acknowledged after the handler returns
//   - Handler errors and panics mark the task failed immediately
//   - Prometheus metrics exposed on metrics.addr (default :8080/metrics)
//   - Graceful shutdown on SIGINT/SIGTERM
//
// Usage:
//
//	go run ./cmd/worker --config taskgate.yml
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guido-cesarano/taskgate/pkg/config"
	"github.com/guido-cesarano/taskgate/pkg/dispatch"
	"github.com/guido-cesarano/taskgate/pkg/fleet"
	"github.com/guido-cesarano/taskgate/pkg/logger"
	"github.com/guido-cesarano/taskgate/pkg/queue"
	"github.com/guido-cesarano/taskgate/pkg/store"
	"github.com/guido-cesarano/taskgate/pkg/tasks"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "taskgate-worker",
		Short:         "Run dispatch targets for claimed tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")

	if err := cmd.Execute(); err != nil {
		logger.Log.Error().Err(err).Msg("Worker failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger.Configure(cfg.Logger())

	rdb := redis.NewClient(cfg.RedisOptions())
	defer rdb.Close()

	st := store.New(rdb)
	reg := fleet.NewRegistry(rdb)
	handlers := dispatch.NewRegistry(dispatch.NewCallbacks(st))
	registerHandlers(handlers, reg, 2*time.Second)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.String(config.MetricsAddr),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Log.Info().Str("addr", metricsServer.Addr).Msg("Metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	poll := cfg.Viper().GetDuration(config.WorkerPoll)
	logger.Log.Info().Strs("hooks", handlers.Hooks()).Msg("Worker started. Waiting for jobs...")
	handlers.Consume(ctx, queue.NewClient(rdb), poll)

	logger.Log.Info().Msg("Shutting down worker...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return metricsServer.Shutdown(shutdownCtx)
}

// registerHandlers binds the built-in demo targets. Each one holds the owner's busy
// marker while it works, the way direct operator actions do, and clears it afterwards.
func registerHandlers(r *dispatch.Registry, reg *fleet.Registry, work time.Duration) {
	r.Register("noop", func(ctx context.Context, job queue.Job, cb *dispatch.Callbacks) error {
		return cb.Complete(ctx, job.TaskID, "noop")
	})

	r.Register("deploy_server", func(ctx context.Context, job queue.Job, cb *dispatch.Callbacks) error {
		if err := reg.MarkServerBusy(ctx, job.OwnerID, job.Hook); err != nil {
			return err
		}
		defer release(ctx, reg.CleanupServer, "server", job.OwnerID)
		return simulate(ctx, job, cb, work)
	})

	r.Register("deploy_app", func(ctx context.Context, job queue.Job, cb *dispatch.Callbacks) error {
		if err := reg.MarkAppBusy(ctx, job.OwnerID, job.Hook); err != nil {
			return err
		}
		defer release(ctx, reg.CleanupApp, "app", job.OwnerID)
		return simulate(ctx, job, cb, work)
	})

	r.Register("restart_server", func(ctx context.Context, job queue.Job, cb *dispatch.Callbacks) error {
		if err := cb.AppendMessage(ctx, job.TaskID, "restart issued"); err != nil {
			return err
		}
		return simulate(ctx, job, cb, work)
	})
}

// release clears an owner's busy marker after its handler returned, even when ctx was
// cancelled by shutdown. A failure leaves the marker for the reaper and is logged.
func release(ctx context.Context, cleanup func(context.Context, string) error, kind, id string) {
	if err := cleanup(context.WithoutCancel(ctx), id); err != nil {
		logger.Log.Error().Err(err).Str("owner_kind", kind).Str("owner_id", id).Msg("Failed to clear busy marker")
	}
}

func simulate(ctx context.Context, job queue.Job, cb *dispatch.Callbacks, work time.Duration) error {
	logger.Log.Info().
		Str("task_id", job.TaskID).
		Str("hook", job.Hook).
		Interface("server_id", job.Details[tasks.DetailServerID]).
		Msg("Processing job")

	select {
	case <-ctx.Done():
		return fmt.Errorf("interrupted: %w", ctx.Err())
	case <-time.After(work):
	}
	return cb.Complete(ctx, job.TaskID, fmt.Sprintf("%s finished in %s", job.Hook, work))
}
